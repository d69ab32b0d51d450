package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/istota/istota/internal/delivery"
	"github.com/istota/istota/internal/store"
)

// strayAge is how long a terminal task's scratch leftovers are kept.
const strayAge = 24 * time.Hour

// Cleanup is the maintenance poller: it expires stale confirmation requests
// (notifying the user), sweeps terminal tasks past retention and removes
// scratch files whose task is gone or long finished.
type Cleanup struct {
	store  *store.Store
	router *delivery.Router

	confirmationTimeout time.Duration
	completedRetention  time.Duration
	failedRetention     time.Duration
	scratchRoot         string
	interval            time.Duration
}

// CleanupConfig holds the cleanup poller's knobs.
type CleanupConfig struct {
	Store               *store.Store
	Router              *delivery.Router
	ConfirmationTimeout time.Duration
	CompletedRetention  time.Duration
	FailedRetention     time.Duration
	ScratchRoot         string
	Interval            time.Duration
}

// NewCleanup creates the cleanup poller.
func NewCleanup(cfg CleanupConfig) *Cleanup {
	return &Cleanup{
		store:               cfg.Store,
		router:              cfg.Router,
		confirmationTimeout: cfg.ConfirmationTimeout,
		completedRetention:  cfg.CompletedRetention,
		failedRetention:     cfg.FailedRetention,
		scratchRoot:         cfg.ScratchRoot,
		interval:            cfg.Interval,
	}
}

func (p *Cleanup) Name() string            { return "cleanup" }
func (p *Cleanup) Interval() time.Duration { return p.interval }

func (p *Cleanup) Tick(ctx context.Context, now time.Time) error {
	expired, err := p.store.ExpireConfirmations(ctx, p.confirmationTimeout)
	if err != nil {
		return fmt.Errorf("expire confirmations: %w", err)
	}
	for _, task := range expired {
		slog.Info("confirmation expired", "task_id", task.ID, "user_id", task.UserID)
		notice := *task
		notice.Result = fmt.Sprintf("I was waiting for your go-ahead on: %q. "+
			"I didn't hear back in time, so I've dropped it. Ask again if you still want it done.",
			task.ConfirmationPrompt)
		p.router.Deliver(ctx, &notice)
	}

	swept, err := p.store.SweepTasks(ctx,
		now.Add(-p.completedRetention), now.Add(-p.failedRetention))
	if err != nil {
		return fmt.Errorf("sweep tasks: %w", err)
	}
	if swept > 0 {
		slog.Info("swept old tasks", "count", swept)
	}

	p.removeStrayFiles(ctx, now)
	return nil
}

// removeStrayFiles deletes scratch entries belonging to tasks that no longer
// exist or finished more than strayAge ago.
func (p *Cleanup) removeStrayFiles(ctx context.Context, now time.Time) {
	userDirs, err := os.ReadDir(p.scratchRoot)
	if err != nil {
		return
	}

	for _, userDir := range userDirs {
		if !userDir.IsDir() {
			continue
		}
		dir := filepath.Join(p.scratchRoot, userDir.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			taskID, ok := taskIDFromName(entry.Name())
			if !ok {
				continue
			}
			if !p.isStray(ctx, taskID, now) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				slog.Error("remove stray scratch entry", "path", path, "error", err)
				continue
			}
			slog.Debug("removed stray scratch entry", "path", path, "task_id", taskID)
		}
	}
}

func (p *Cleanup) isStray(ctx context.Context, taskID int64, now time.Time) bool {
	task, err := p.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return task.Status.IsTerminal() &&
		task.CompletedAt != nil && now.Sub(*task.CompletedAt) > strayAge
}

// taskIDFromName parses the task id out of "task_<id>" dirs and
// "task_<id>_<suffix>" files.
func taskIDFromName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "task_")
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		rest = rest[:i]
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
