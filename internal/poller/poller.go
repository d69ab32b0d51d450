// Package poller holds the periodic producers the scheduler loop ticks:
// inbound channels (chat, email, task files), cron evaluation (briefings,
// scheduled jobs, sleep cycles), health checks and maintenance. Every poller
// advances exclusively through its poller_state rows, so re-running a tick
// without a state change is a no-op.
package poller

import (
	"context"
	"log/slog"
	"time"
)

// Poller is one periodic producer.
type Poller interface {
	Name() string
	Interval() time.Duration
	Tick(ctx context.Context, now time.Time) error
}

// Set ticks a fixed collection of pollers, each at its own cadence.
type Set struct {
	pollers  []Poller
	lastTick map[string]time.Time
}

// NewSet creates a Set over the given pollers.
func NewSet(pollers ...Poller) *Set {
	return &Set{pollers: pollers, lastTick: make(map[string]time.Time)}
}

// TickDue runs every poller whose cadence has elapsed. Errors are logged,
// never fatal: one misbehaving source must not stall the others.
func (s *Set) TickDue(ctx context.Context, now time.Time) {
	for _, p := range s.pollers {
		if ctx.Err() != nil {
			return
		}
		last, ok := s.lastTick[p.Name()]
		if ok && now.Sub(last) < p.Interval() {
			continue
		}
		s.lastTick[p.Name()] = now

		start := time.Now()
		if err := p.Tick(ctx, now); err != nil {
			slog.Error("poller tick failed", "poller", p.Name(), "error", err)
			continue
		}
		if d := time.Since(start); d > p.Interval() {
			slog.Warn("poller tick overran its cadence", "poller", p.Name(), "took", d)
		}
	}
}

// Names returns the poller names, in tick order.
func (s *Set) Names() []string {
	names := make([]string, len(s.pollers))
	for i, p := range s.pollers {
		names[i] = p.Name()
	}
	return names
}
