// Package daemon wires the store, pollers, worker pool and delivery into the
// single scheduler loop, guarded by a host-local instance lock.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/istota/istota/internal/config"
	"github.com/istota/istota/internal/deferred"
	"github.com/istota/istota/internal/delivery"
	"github.com/istota/istota/internal/executor"
	"github.com/istota/istota/internal/poller"
	"github.com/istota/istota/internal/prompt"
	"github.com/istota/istota/internal/store"
	"github.com/istota/istota/internal/worker"
)

// Options carries the daemon's configuration and channel collaborators.
// Nil clients disable their channel.
type Options struct {
	Config       *config.Config
	Chat         delivery.ChatClient
	Email        delivery.EmailClient
	Push         delivery.PushClient
	Transactions deferred.TransactionSink
}

// Daemon is one scheduler-loop instance.
type Daemon struct {
	cfg     *config.Config
	store   *store.Store
	pollers *poller.Set
	pool    *worker.Pool
	exec    *worker.Executor
	lock    *flock.Flock
	status  *statusServer
}

// New opens the store and assembles the daemon. Close releases the store.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config

	st, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st.SetDefaultMaxAttempts(cfg.Executor.MaxAttempts)

	agent := executor.New(cfg.Executor, cfg.Daemon.DBPath)

	router := delivery.NewRouter(delivery.RouterConfig{
		Store:        st,
		Chat:         opts.Chat,
		Email:        opts.Email,
		Push:         opts.Push,
		PushPriority: cfg.Channels.Push.Priority,
		UserEmail:    cfg.UserEmail,
	})

	builder, err := newPromptBuilder(st, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	processor := deferred.NewProcessor(st, opts.Transactions, cfg.IsAdmin)

	exec := worker.NewExecutor(worker.ExecutorConfig{
		Store:               st,
		Runner:              agent,
		Builder:             builder,
		Deferred:            processor,
		Router:              router,
		DeferredDir:         agent.DeferredDir,
		JobFailureThreshold: cfg.Pollers.JobFailureThreshold,
	})

	pool := worker.NewPool(worker.PoolConfig{
		Store: st,
		Caps: worker.Caps{
			MaxForeground:  cfg.Workers.MaxForeground,
			MaxBackground:  cfg.Workers.MaxBackground,
			UserForeground: cfg.UserForegroundCap,
			UserBackground: cfg.UserBackgroundCap,
		},
		Executor:    exec,
		IdleTimeout: cfg.Workers.IdleTimeout.Duration(),
		JoinTimeout: cfg.Workers.ShutdownTimeout.Duration(),
		MaxRetryAge: cfg.Executor.MaxRetryAge.Duration(),
	})

	d := &Daemon{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		exec:    exec,
		pollers: newPollers(st, cfg, router, opts),
		lock:    flock.New(cfg.Daemon.LockPath),
	}
	if cfg.Daemon.StatusAddr != "" {
		d.status = newStatusServer(cfg.Daemon.StatusAddr, st, pool)
	}
	return d, nil
}

// newPollers builds the closed poller set at the configured cadences.
// Channel pollers whose client is absent are left out.
func newPollers(st *store.Store, cfg *config.Config, router *delivery.Router, opts Options) *poller.Set {
	var pollers []poller.Poller

	if opts.Chat != nil {
		pollers = append(pollers, poller.NewChat(st, opts.Chat, cfg.Pollers.Chat.Duration()))
	}
	if opts.Email != nil {
		pollers = append(pollers, poller.NewEmail(st, opts.Email, cfg.UserByEmail, cfg.Pollers.Email.Duration()))
	}

	tasksFiles := make(map[string]string)
	sharedPatterns := make(map[string][]string)
	for id, u := range cfg.Users {
		if u.TasksFile != "" {
			tasksFiles[id] = u.TasksFile
		}
		if len(u.SharedPatterns) > 0 {
			sharedPatterns[id] = u.SharedPatterns
		}
	}
	pollers = append(pollers,
		poller.NewFile(st, tasksFiles, cfg.Pollers.File.Duration()),
		poller.NewSharedFiles(st, sharedPatterns, cfg.Pollers.SharedFiles.Duration()),
		poller.NewBriefing(st, cfg, cfg.Pollers.Briefing.Duration()),
		poller.NewScheduled(st, cfg.UserTimezone, cfg.Pollers.Scheduled.Duration()),
		poller.NewSleepCycle(st, cfg, cfg.Pollers.SleepCycle.Duration()),
		poller.NewHeartbeat(st, cfg, cfg.Pollers.Heartbeat.Duration()),
		poller.NewCleanup(poller.CleanupConfig{
			Store:               st,
			Router:              router,
			ConfirmationTimeout: cfg.Executor.ConfirmationTimeout.Duration(),
			CompletedRetention:  time.Duration(cfg.Retention.CompletedDays) * 24 * time.Hour,
			FailedRetention:     time.Duration(cfg.Retention.FailedDays) * 24 * time.Hour,
			ScratchRoot:         cfg.Executor.ScratchRoot,
			Interval:            cfg.Pollers.Cleanup.Duration(),
		}),
	)
	return poller.NewSet(pollers...)
}

// newPromptBuilder loads the prompt assets (persona, rules, guidelines,
// skills) from the istota directory. Missing files mean empty sections.
func newPromptBuilder(st *store.Store, cfg *config.Config) (*prompt.Builder, error) {
	root := config.IstotaPath()

	skills, err := prompt.LoadSkills(filepath.Join(root, "skills"))
	if err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}

	guidelines := make(map[string]string)
	entries, _ := os.ReadDir(filepath.Join(root, "guidelines"))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, "guidelines", name))
		if err == nil {
			guidelines[name[:len(name)-len(".md")]] = string(data)
		}
	}

	return prompt.NewBuilder(prompt.BuilderConfig{
		Store:      st,
		Skills:     skills,
		Persona:    readAsset(filepath.Join(root, "persona.md")),
		Rules:      readAsset(filepath.Join(root, "rules.md")),
		Guidelines: guidelines,
		MemoryDir:  filepath.Join(root, "memory"),
		IsAdmin:    cfg.IsAdmin,
	}), nil
}

func readAsset(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Run acquires the instance lock and drives the scheduler loop until ctx is
// cancelled: tick due pollers, dispatch workers, sleep poll_interval.
func (d *Daemon) Run(ctx context.Context) error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.cfg.Daemon.LockPath)
	}
	defer d.lock.Unlock()

	if d.status != nil {
		d.status.start()
		defer d.status.stop()
	}

	d.pool.Start()
	defer d.pool.Stop()

	slog.Info("daemon started",
		"db", d.cfg.Daemon.DBPath,
		"poll_interval", d.cfg.Daemon.PollInterval.Duration(),
		"pollers", d.pollers.Names())

	ticker := time.NewTicker(d.cfg.Daemon.PollInterval.Duration())
	defer ticker.Stop()

	for {
		d.pollers.TickDue(ctx, time.Now().UTC())
		d.pool.Dispatch(ctx)

		select {
		case <-ctx.Done():
			slog.Info("daemon shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass: tick every poller once, then claim and run
// up to maxTasks tasks synchronously. With dryRun the claimable tasks are
// listed but nothing is claimed or executed.
func (d *Daemon) RunOnce(ctx context.Context, maxTasks int, dryRun bool) error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.cfg.Daemon.LockPath)
	}
	defer d.lock.Unlock()

	if !dryRun {
		d.pollers.TickDue(ctx, time.Now().UTC())
	}

	if dryRun {
		for _, queue := range []string{store.QueueForeground, store.QueueBackground} {
			tasks, err := d.store.ListTasks(ctx, store.ListFilter{Status: store.TaskPending, Queue: queue})
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("would run task %d (%s/%s, user %s): %s\n",
					t.ID, t.Queue, t.SourceType, t.UserID, summary(t))
			}
		}
		return nil
	}

	ran := 0
	for _, queue := range []string{store.QueueForeground, store.QueueBackground} {
		for maxTasks <= 0 || ran < maxTasks {
			task, err := d.store.ClaimTask(ctx, "run-once", "", queue, d.cfg.Executor.MaxRetryAge.Duration())
			if err != nil {
				return err
			}
			if task == nil {
				break
			}
			d.exec.Run(ctx, "run-once", task)
			ran++
		}
	}
	slog.Info("run-once pass complete", "tasks", ran)
	return nil
}

func summary(t *store.Task) string {
	s := t.Prompt
	if s == "" {
		s = t.Command
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

// Store exposes the daemon's store to the admin commands.
func (d *Daemon) Store() *store.Store { return d.store }

// Close releases the store.
func (d *Daemon) Close() error { return d.store.Close() }
