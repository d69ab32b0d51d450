// Package worker runs the two-tier foreground/background worker pool that
// claims and executes tasks.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/istota/istota/internal/store"
)

// workerKey identifies one worker slot.
type workerKey struct {
	userID string
	queue  string
	slot   int
}

// Caps bound worker counts at the instance and per-user level.
type Caps struct {
	MaxForeground  int
	MaxBackground  int
	UserForeground func(userID string) int
	UserBackground func(userID string) int
}

// Pool spawns and retires workers per (user, queue, slot), bounded by caps.
type Pool struct {
	store       *store.Store
	caps        Caps
	exec        *Executor
	idleTimeout time.Duration
	joinTimeout time.Duration
	maxRetryAge time.Duration

	mu      sync.Mutex
	workers map[workerKey]bool
	fg, bg  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolConfig holds the pool's collaborators and limits.
type PoolConfig struct {
	Store       *store.Store
	Caps        Caps
	Executor    *Executor
	IdleTimeout time.Duration
	JoinTimeout time.Duration
	MaxRetryAge time.Duration
}

// NewPool creates a Pool. Start must be called before Dispatch.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		store:       cfg.Store,
		caps:        cfg.Caps,
		exec:        cfg.Executor,
		idleTimeout: cfg.IdleTimeout,
		joinTimeout: cfg.JoinTimeout,
		maxRetryAge: cfg.MaxRetryAge,
		workers:     make(map[workerKey]bool),
	}
}

// Start arms the pool.
func (p *Pool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	slog.Info("worker pool started",
		"max_foreground", p.caps.MaxForeground, "max_background", p.caps.MaxBackground)
}

// Stop requests cooperative shutdown: workers finish their current task and
// exit; running subprocesses receive a termination signal through context
// cancellation. The join is bounded.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool stopped")
	case <-time.After(p.joinTimeout):
		slog.Warn("worker pool join timed out", "timeout", p.joinTimeout)
	}
}

// Dispatch runs the two-phase scheduling pass: foreground first, then
// background. For each user with claimable pending work it ensures
// min(user cap, pending) workers are active, bounded by the instance cap.
func (p *Pool) Dispatch(ctx context.Context) {
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	p.dispatchQueue(ctx, store.QueueForeground)
	p.dispatchQueue(ctx, store.QueueBackground)
}

func (p *Pool) dispatchQueue(ctx context.Context, queue string) {
	users, err := p.store.ListUsersWithPending(ctx, queue)
	if err != nil {
		slog.Error("list users with pending", "queue", queue, "error", err)
		return
	}

	for _, userID := range users {
		pending, err := p.store.CountPending(ctx, userID, queue)
		if err != nil {
			slog.Error("count pending", "user_id", userID, "error", err)
			continue
		}

		userCap := p.userCap(userID, queue)
		want := min(userCap, pending)

		p.mu.Lock()
		for slot := 0; slot < userCap && p.countLocked(userID, queue) < want; slot++ {
			key := workerKey{userID: userID, queue: queue, slot: slot}
			if p.workers[key] {
				continue
			}
			if !p.instanceRoomLocked(queue) {
				break
			}
			p.startWorkerLocked(key)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) userCap(userID, queue string) int {
	if queue == store.QueueForeground {
		return p.caps.UserForeground(userID)
	}
	return p.caps.UserBackground(userID)
}

// countLocked returns the active workers for (user, queue). Caller holds mu.
func (p *Pool) countLocked(userID, queue string) int {
	n := 0
	for key := range p.workers {
		if key.userID == userID && key.queue == queue {
			n++
		}
	}
	return n
}

// instanceRoomLocked reports whether the instance-level cap allows another
// worker on the queue. Caller holds mu.
func (p *Pool) instanceRoomLocked(queue string) bool {
	if queue == store.QueueForeground {
		return p.fg < p.caps.MaxForeground
	}
	return p.bg < p.caps.MaxBackground
}

// startWorkerLocked launches a worker goroutine for the slot. Caller holds mu.
func (p *Pool) startWorkerLocked(key workerKey) {
	p.workers[key] = true
	if key.queue == store.QueueForeground {
		p.fg++
	} else {
		p.bg++
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.workers, key)
			if key.queue == store.QueueForeground {
				p.fg--
			} else {
				p.bg--
			}
			p.mu.Unlock()
		}()

		p.runWorker(key)
	}()
}

// ActiveWorkers returns the current worker count per queue.
func (p *Pool) ActiveWorkers() (fg, bg int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fg, p.bg
}
