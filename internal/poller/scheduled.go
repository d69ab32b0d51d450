package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/istota/istota/internal/clock"
	"github.com/istota/istota/internal/store"
)

// Scheduled fires enabled scheduled jobs whose cron slot is due. The job row
// itself is the cursor: last_run_at advances at trigger time so the slot is
// consumed while the produced task is still running, and the worker reports
// the outcome back through the consecutive-failure counter.
type Scheduled struct {
	store    *store.Store
	timezone func(userID string) *time.Location
	interval time.Duration
}

// NewScheduled creates the scheduled-job poller.
func NewScheduled(st *store.Store, timezone func(string) *time.Location, interval time.Duration) *Scheduled {
	return &Scheduled{store: st, timezone: timezone, interval: interval}
}

func (p *Scheduled) Name() string            { return "scheduledjobs" }
func (p *Scheduled) Interval() time.Duration { return p.interval }

func (p *Scheduled) Tick(ctx context.Context, now time.Time) error {
	jobs, err := p.store.ListScheduledJobs(ctx, true)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := p.tickJob(ctx, job, now); err != nil {
			slog.Error("scheduled job tick", "job_id", job.ID, "name", job.Name, "error", err)
		}
	}
	return nil
}

func (p *Scheduled) tickJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	schedule, err := clock.ParseSchedule(job.CronExpression, p.timezone(job.UserID))
	if err != nil {
		return err
	}

	// Never-run jobs anchor at their creation time.
	anchor := job.CreatedAt
	if job.LastRunAt != nil {
		anchor = *job.LastRunAt
	}
	if !schedule.Due(anchor, now) {
		return nil
	}

	if err := p.store.TouchJobRun(ctx, job.ID); err != nil {
		return err
	}

	task := &store.Task{
		SourceType:        store.SourceScheduled,
		Queue:             store.QueueBackground,
		UserID:            job.UserID,
		ConversationToken: job.ConversationToken,
		Prompt:            job.Prompt,
		Command:           job.Command,
		OutputTarget:      job.OutputTarget,
		HeartbeatSilent:   job.SilentUnlessAction,
		ScheduledJobID:    job.ID,
	}
	id, err := p.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	slog.Info("enqueued scheduled task", "task_id", id, "job_id", job.ID, "name", job.Name)
	return nil
}
