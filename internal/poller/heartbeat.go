package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/istota/istota/internal/config"
	"github.com/istota/istota/internal/store"
)

// checkTimeout bounds a single health-check command.
const checkTimeout = 30 * time.Second

// Heartbeat runs each user's configured health-check commands. A check that
// fails threshold times in a row raises an investigation task for the agent;
// a cooldown keeps a persistently failing check from re-alerting every tick.
type Heartbeat struct {
	store    *store.Store
	cfg      *config.Config
	interval time.Duration

	run func(ctx context.Context, command string) error // test hook
}

// NewHeartbeat creates the heartbeat poller.
func NewHeartbeat(st *store.Store, cfg *config.Config, interval time.Duration) *Heartbeat {
	return &Heartbeat{store: st, cfg: cfg, interval: interval, run: runCheck}
}

func (p *Heartbeat) Name() string            { return "heartbeat" }
func (p *Heartbeat) Interval() time.Duration { return p.interval }

type heartbeatCursor struct {
	LastCheck         time.Time `json:"last_check"`
	LastAlert         time.Time `json:"last_alert,omitzero"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

func (p *Heartbeat) Tick(ctx context.Context, now time.Time) error {
	for userID, user := range p.cfg.Users {
		for _, check := range user.Heartbeats {
			if err := p.tickCheck(ctx, userID, check, now); err != nil {
				slog.Error("heartbeat check", "user_id", userID, "check", check.Name, "error", err)
			}
		}
	}
	return nil
}

func (p *Heartbeat) tickCheck(ctx context.Context, userID string, check config.HeartbeatConfig, now time.Time) error {
	key := userID + "/" + check.Name

	var cur heartbeatCursor
	if state, err := p.store.GetPollerState(ctx, p.Name(), key); err == nil {
		_ = json.Unmarshal([]byte(state.Cursor), &cur)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	checkErr := p.run(ctx, check.Command)
	cur.LastCheck = now.UTC()
	if checkErr == nil {
		cur.ConsecutiveErrors = 0
		return p.putCursor(ctx, key, cur)
	}

	cur.ConsecutiveErrors++
	slog.Warn("heartbeat check failed", "user_id", userID, "check", check.Name,
		"consecutive", cur.ConsecutiveErrors, "error", checkErr)

	threshold := check.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	cooledDown := cur.LastAlert.IsZero() || now.Sub(cur.LastAlert) >= check.Cooldown.Duration()
	if cur.ConsecutiveErrors < threshold || !cooledDown {
		return p.putCursor(ctx, key, cur)
	}

	task := &store.Task{
		SourceType:      store.SourceHeartbeat,
		Queue:           store.QueueForeground,
		UserID:          userID,
		HeartbeatSilent: true,
		Prompt: fmt.Sprintf("Health check %q has failed %d times in a row (last error: %v). "+
			"Investigate and tell the user what is wrong. "+
			"If it resolved itself, reply NO_ACTION: check recovered.",
			check.Name, cur.ConsecutiveErrors, checkErr),
	}
	id, err := p.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	slog.Info("enqueued heartbeat task", "task_id", id, "user_id", userID, "check", check.Name)

	cur.LastAlert = now.UTC()
	return p.putCursor(ctx, key, cur)
}

func (p *Heartbeat) putCursor(ctx context.Context, key string, cur heartbeatCursor) error {
	cursor, _ := json.Marshal(cur)
	return p.store.PutPollerState(ctx, p.Name(), key, string(cursor))
}

func runCheck(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "sh", "-c", command).Run()
}
