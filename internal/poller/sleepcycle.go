package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/istota/istota/internal/clock"
	"github.com/istota/istota/internal/config"
	"github.com/istota/istota/internal/store"
)

// SleepCycle runs each user's nightly memory-extraction pass: on the user's
// sleep-cycle cron it enqueues a background task asking the agent to distill
// the conversations since the previous pass into the user's memory file and
// the memory files of the conversations that were active. The cursor is the
// last fire time plus the highest task id already covered.
type SleepCycle struct {
	store    *store.Store
	cfg      *config.Config
	interval time.Duration
}

// NewSleepCycle creates the sleep-cycle poller.
func NewSleepCycle(st *store.Store, cfg *config.Config, interval time.Duration) *SleepCycle {
	return &SleepCycle{store: st, cfg: cfg, interval: interval}
}

func (p *SleepCycle) Name() string            { return "sleepcycle" }
func (p *SleepCycle) Interval() time.Duration { return p.interval }

type sleepCursor struct {
	LastRun         time.Time `json:"last_run"`
	LastProcessedID int64     `json:"last_processed_task_id"`
}

func (p *SleepCycle) Tick(ctx context.Context, now time.Time) error {
	for userID, user := range p.cfg.Users {
		if user.SleepCycle == "" {
			continue
		}
		if err := p.tickUser(ctx, userID, user.SleepCycle, now); err != nil {
			slog.Error("sleep cycle tick", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (p *SleepCycle) tickUser(ctx context.Context, userID, expr string, now time.Time) error {
	schedule, err := clock.ParseSchedule(expr, p.cfg.UserTimezone(userID))
	if err != nil {
		return err
	}

	var cur sleepCursor
	state, err := p.store.GetPollerState(ctx, p.Name(), userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Anchor without firing.
		cursor, _ := json.Marshal(sleepCursor{LastRun: now.UTC()})
		return p.store.PutPollerState(ctx, p.Name(), userID, string(cursor))
	case err != nil:
		return err
	}
	if err := json.Unmarshal([]byte(state.Cursor), &cur); err != nil {
		return fmt.Errorf("bad sleep cursor: %w", err)
	}
	if !schedule.Due(cur.LastRun, now) {
		return nil
	}

	recent, err := p.store.ListTasks(ctx, store.ListFilter{
		UserID: userID, Status: store.TaskCompleted, SinceID: cur.LastProcessedID,
	})
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		// Nothing happened since the last pass; consume the slot silently.
		cursor, _ := json.Marshal(sleepCursor{LastRun: now.UTC(), LastProcessedID: cur.LastProcessedID})
		return p.store.PutPollerState(ctx, p.Name(), userID, string(cursor))
	}

	maxID := cur.LastProcessedID
	tokenSeen := make(map[string]bool)
	var tokens []string
	for _, t := range recent {
		if t.ID > maxID {
			maxID = t.ID
		}
		if t.ConversationToken != "" && !tokenSeen[t.ConversationToken] {
			tokenSeen[t.ConversationToken] = true
			tokens = append(tokens, t.ConversationToken)
		}
	}
	sort.Strings(tokens)

	prompt := fmt.Sprintf("Nightly memory pass. Review this user's conversations since task %d "+
		"and update their memory files with anything worth remembering.", cur.LastProcessedID)
	if len(tokens) > 0 {
		prompt += fmt.Sprintf(" Also refresh the per-conversation memory for: %s.",
			strings.Join(tokens, ", "))
	}
	prompt += " If nothing is worth keeping, reply NO_ACTION: nothing to record."

	task := &store.Task{
		SourceType:      store.SourceSleepCycle,
		Queue:           store.QueueBackground,
		UserID:          userID,
		HeartbeatSilent: true,
		Prompt:          prompt,
	}
	id, err := p.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	slog.Info("enqueued sleep-cycle task", "task_id", id, "user_id", userID)

	cursor, _ := json.Marshal(sleepCursor{LastRun: now.UTC(), LastProcessedID: maxID})
	return p.store.PutPollerState(ctx, p.Name(), userID, string(cursor))
}
