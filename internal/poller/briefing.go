package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/istota/istota/internal/clock"
	"github.com/istota/istota/internal/config"
	"github.com/istota/istota/internal/store"
)

// Briefing fires each user's configured briefings on their cron expressions,
// evaluated in the user's timezone. The cursor is the last fire time per
// (user, briefing); a briefing first seen anchors at now and fires from the
// next slot, and missed slots coalesce into a single fire.
type Briefing struct {
	store    *store.Store
	cfg      *config.Config
	interval time.Duration
}

// NewBriefing creates the briefing poller.
func NewBriefing(st *store.Store, cfg *config.Config, interval time.Duration) *Briefing {
	return &Briefing{store: st, cfg: cfg, interval: interval}
}

func (p *Briefing) Name() string            { return "briefing" }
func (p *Briefing) Interval() time.Duration { return p.interval }

func (p *Briefing) Tick(ctx context.Context, now time.Time) error {
	for userID, user := range p.cfg.Users {
		loc := p.cfg.UserTimezone(userID)
		for name, expr := range user.Briefings {
			if err := p.tickBriefing(ctx, userID, name, expr, loc, now); err != nil {
				slog.Error("briefing tick", "user_id", userID, "briefing", name, "error", err)
			}
		}
	}
	return nil
}

func (p *Briefing) tickBriefing(ctx context.Context, userID, name, expr string, loc *time.Location, now time.Time) error {
	schedule, err := clock.ParseSchedule(expr, loc)
	if err != nil {
		return err
	}

	key := userID + "/" + name
	state, err := p.store.GetPollerState(ctx, p.Name(), key)
	if errors.Is(err, store.ErrNotFound) {
		// Anchor without firing; the first slot after this tick fires.
		return p.store.PutPollerState(ctx, p.Name(), key, now.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return err
	}

	lastRun, err := time.Parse(time.RFC3339, state.Cursor)
	if err != nil {
		return fmt.Errorf("bad briefing cursor %q: %w", state.Cursor, err)
	}
	if !schedule.Due(lastRun, now) {
		return nil
	}

	task := &store.Task{
		SourceType: store.SourceBriefing,
		Queue:      store.QueueBackground,
		UserID:     userID,
		Prompt:     fmt.Sprintf("Prepare the %q briefing. Summarize what matters right now for this user and deliver it.", name),
	}
	id, err := p.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	slog.Info("enqueued briefing task", "task_id", id, "user_id", userID, "briefing", name)
	return p.store.PutPollerState(ctx, p.Name(), key, now.UTC().Format(time.RFC3339))
}
