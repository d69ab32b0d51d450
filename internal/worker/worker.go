package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/istota/istota/internal/deferred"
	"github.com/istota/istota/internal/delivery"
	"github.com/istota/istota/internal/executor"
	"github.com/istota/istota/internal/prompt"
	"github.com/istota/istota/internal/store"
)

// claimInterval is how long an idle worker waits between claim attempts.
const claimInterval = 1 * time.Second

// Executor carries one claimed task from locked to its conclusion: prompt
// assembly, subprocess execution, outcome bookkeeping, deferred effects and
// delivery.
type Executor struct {
	store       *store.Store
	runner      executor.Runner
	builder     *prompt.Builder
	deferred    *deferred.Processor
	router      *delivery.Router
	deferredDir func(userID string) string

	jobFailureThreshold int // scheduled jobs auto-disable at this failure streak
}

// ExecutorConfig holds the Executor's collaborators.
type ExecutorConfig struct {
	Store               *store.Store
	Runner              executor.Runner
	Builder             *prompt.Builder
	Deferred            *deferred.Processor
	Router              *delivery.Router
	DeferredDir         func(userID string) string
	JobFailureThreshold int
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		store:               cfg.Store,
		runner:              cfg.Runner,
		builder:             cfg.Builder,
		deferred:            cfg.Deferred,
		router:              cfg.Router,
		deferredDir:         cfg.DeferredDir,
		jobFailureThreshold: cfg.JobFailureThreshold,
	}
}

// runWorker is a single worker's claim loop. It exits after idleTimeout
// without work, or when the pool shuts down.
func (p *Pool) runWorker(key workerKey) {
	workerID := fmt.Sprintf("%s-%s-%d-%s", key.userID, key.queue, key.slot, shortID())
	log := slog.With("worker", workerID)
	log.Debug("worker started")

	idleSince := time.Now()
	for {
		if p.ctx.Err() != nil {
			return
		}

		task, err := p.store.ClaimTask(p.ctx, workerID, key.userID, key.queue, p.maxRetryAge)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Error("claim task", "error", err)
		}
		if task == nil {
			if time.Since(idleSince) >= p.idleTimeout {
				log.Debug("worker idle, exiting")
				return
			}
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(claimInterval):
			}
			continue
		}

		p.exec.Run(p.ctx, workerID, task)
		idleSince = time.Now()
	}
}

func shortID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Run executes one claimed task to a conclusion. It never returns an error:
// every failure mode ends in a recorded task state.
func (e *Executor) Run(ctx context.Context, workerID string, task *store.Task) {
	log := slog.With("task_id", task.ID, "worker", workerID, "user_id", task.UserID)

	if err := e.store.MarkRunning(ctx, task.ID, os.Getpid()); err != nil {
		log.Error("mark running", "error", err)
		if relErr := e.store.ReleaseTask(ctx, task.ID); relErr != nil {
			log.Error("release task", "error", relErr)
		}
		return
	}
	log.Info("task started", "source", task.SourceType, "queue", task.Queue,
		"attempt", task.AttemptCount+1)

	opts := executor.Options{
		Streaming: true,
		OnProgress: func(a store.Action) {
			log.Debug("tool use", "tool", a.Tool, "summary", a.Summary)
		},
		CancelCheck: func() bool {
			cancelled, err := e.store.IsTaskCancelled(ctx, task.ID)
			if err != nil {
				return false
			}
			return cancelled
		},
	}

	if task.Command == "" {
		text, err := e.builder.Build(ctx, task, time.Now())
		if err != nil {
			e.concludeFailure(ctx, log, task, fmt.Errorf("build prompt: %w", err))
			return
		}
		opts.Prompt = text
	}

	out, err := e.runner.Execute(ctx, task, opts)
	switch {
	case out != nil && out.Cancelled:
		if err := e.store.UpdateTaskStatus(ctx, task.ID, store.TaskCancelled, "", "cancelled by user", nil); err != nil {
			log.Error("record cancellation", "error", err)
		}
		log.Info("task cancelled")

	case out != nil && out.ConfirmationPrompt != "":
		if err := e.store.SetConfirmation(ctx, task.ID, out.ConfirmationPrompt); err != nil {
			log.Error("park for confirmation", "error", err)
			return
		}
		log.Info("task awaiting confirmation")
		ask := *task
		ask.Status = store.TaskPendingConfirmation
		ask.Result = out.ConfirmationPrompt
		e.router.Deliver(ctx, &ask)

	case err != nil:
		e.concludeFailure(ctx, log, task, err)

	default:
		if err := e.store.UpdateTaskStatus(ctx, task.ID, store.TaskCompleted,
			out.Result, "", out.Actions); err != nil {
			log.Error("record completion", "error", err)
			return
		}
		log.Info("task completed", "actions", len(out.Actions))
		e.recordJobOutcome(ctx, log, task, nil)

		// Deferred effects land before the user hears about the result.
		if err := e.deferred.Process(ctx, task, e.deferredDir(task.UserID)); err != nil {
			log.Error("process deferred effects", "error", err)
		}

		done := *task
		done.Status = store.TaskCompleted
		done.Result = out.Result
		e.router.Deliver(ctx, &done)
	}
}

// recordJobOutcome feeds a terminal outcome back to the task's scheduled job,
// driving the consecutive-failure counter and auto-disable.
func (e *Executor) recordJobOutcome(ctx context.Context, log *slog.Logger, task *store.Task, runErr error) {
	if task.ScheduledJobID == 0 {
		return
	}
	if err := e.store.MarkJobRun(ctx, task.ScheduledJobID, runErr, e.jobFailureThreshold); err != nil {
		log.Error("record scheduled job outcome", "job_id", task.ScheduledJobID, "error", err)
	}
}

// concludeFailure applies the retry policy for a failed attempt: schedule a
// backed-off retry while budget remains, otherwise record the terminal
// failure and tell the user.
func (e *Executor) concludeFailure(ctx context.Context, log *slog.Logger, task *store.Task, runErr error) {
	if task.AttemptCount < task.MaxAttempts {
		delay := executor.RetryDelays[min(task.AttemptCount, len(executor.RetryDelays)-1)]
		if err := e.store.SetPendingRetry(ctx, task.ID, runErr.Error(), delay); err == nil {
			log.Warn("task attempt failed, retry scheduled",
				"attempt", task.AttemptCount+1, "delay", delay, "error", runErr)
			return
		} else {
			log.Error("schedule retry", "error", err)
		}
	}

	if err := e.store.UpdateTaskStatus(ctx, task.ID, store.TaskFailed, "", runErr.Error(), nil); err != nil {
		log.Error("record failure", "error", err)
		return
	}
	log.Error("task failed permanently", "attempts", task.AttemptCount+1, "error", runErr)
	e.recordJobOutcome(ctx, log, task, runErr)

	failed := *task
	failed.Status = store.TaskFailed
	failed.Error = runErr.Error()
	e.router.Deliver(ctx, &failed)
}
