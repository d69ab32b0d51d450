package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateTaskDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})
	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Queue != QueueForeground {
		t.Errorf("queue = %q, want %q", got.Queue, QueueForeground)
	}
	if got.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", got.Priority, DefaultPriority)
	}
	if got.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", got.MaxAttempts, DefaultMaxAttempts)
	}
	if got.Status != TaskPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		task *Task
	}{
		{"no user", &Task{SourceType: SourceChat, Prompt: "hi"}},
		{"no prompt or command", &Task{SourceType: SourceChat, UserID: "ada"}},
		{"prompt and command", &Task{SourceType: SourceChat, UserID: "ada", Prompt: "a", Command: "b"}},
		{"bad queue", &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi", Queue: "express"}},
		{"bad priority", &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi", Priority: 11}},
		{"bad source", &Task{SourceType: "carrier-pigeon", UserID: "ada", Prompt: "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.CreateTask(ctx, tc.task); !errors.Is(err, ErrInvalidTask) {
				t.Errorf("err = %v, want ErrInvalidTask", err)
			}
		})
	}
}

func TestUpdateTaskStatusTerminalWriteOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})
	if err := s.UpdateTaskStatus(ctx, id, TaskCompleted, "done", "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Same terminal state again is a no-op.
	if err := s.UpdateTaskStatus(ctx, id, TaskCompleted, "other", "", nil); err != nil {
		t.Fatalf("idempotent complete: %v", err)
	}
	got, _ := s.GetTask(ctx, id)
	if got.Result != "done" {
		t.Errorf("result overwritten after terminal state: %q", got.Result)
	}

	// A different terminal state is rejected.
	if err := s.UpdateTaskStatus(ctx, id, TaskFailed, "", "boom", nil); !errors.Is(err, ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set on terminal state")
	}
}

func TestUpdateTaskStatusConcurrentTerminal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = s.UpdateTaskStatus(ctx, id, TaskCompleted, "done", "", nil)
		}()
		go func() {
			defer wg.Done()
			errs[1] = s.UpdateTaskStatus(ctx, id, TaskFailed, "", "boom", nil)
		}()
		wg.Wait()

		got, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		switch got.Status {
		case TaskCompleted:
			if errs[0] != nil {
				t.Errorf("winning writer: err = %v", errs[0])
			}
			if !errors.Is(errs[1], ErrTerminal) {
				t.Errorf("losing writer: err = %v, want ErrTerminal", errs[1])
			}
		case TaskFailed:
			if errs[1] != nil {
				t.Errorf("winning writer: err = %v", errs[1])
			}
			if !errors.Is(errs[0], ErrTerminal) {
				t.Errorf("losing writer: err = %v, want ErrTerminal", errs[0])
			}
		default:
			t.Fatalf("status = %q, want a terminal state", got.Status)
		}
	}
}

func TestSetDefaultMaxAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetDefaultMaxAttempts(5)
	id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})
	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", got.MaxAttempts)
	}

	// An explicit budget wins over the default.
	id = mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi", MaxAttempts: 2})
	got, _ = s.GetTask(ctx, id)
	if got.MaxAttempts != 2 {
		t.Errorf("explicit max_attempts = %d, want 2", got.MaxAttempts)
	}

	// Non-positive values leave the default alone.
	s.SetDefaultMaxAttempts(0)
	id = mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})
	got, _ = s.GetTask(ctx, id)
	if got.MaxAttempts != 5 {
		t.Errorf("max_attempts after no-op override = %d, want 5", got.MaxAttempts)
	}
}

func TestCompletedConsumesAttempt(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})
	if err := s.SetPendingRetry(ctx, id, "first try failed", time.Minute); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, id, TaskCompleted, "done", "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.GetTask(ctx, id)
	if got.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2 (one failure + one success)", got.AttemptCount)
	}
}

func TestSetPendingRetryBudget(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi", MaxAttempts: 2})

	if err := s.SetPendingRetry(ctx, id, "boom", time.Minute); err != nil {
		t.Fatalf("retry 1: %v", err)
	}
	got, _ := s.GetTask(ctx, id)
	if got.AttemptCount != 1 || got.Status != TaskPending {
		t.Fatalf("after retry 1: attempts=%d status=%s", got.AttemptCount, got.Status)
	}
	if got.ScheduledFor == nil || !got.ScheduledFor.Equal(fake.Now().Add(time.Minute)) {
		t.Errorf("scheduled_for = %v, want now+1m", got.ScheduledFor)
	}

	if err := s.SetPendingRetry(ctx, id, "boom", time.Minute); err != nil {
		t.Fatalf("retry 2: %v", err)
	}
	if err := s.SetPendingRetry(ctx, id, "boom", time.Minute); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("retry past budget: err = %v, want ErrInvalidTask", err)
	}
}

func TestCancelTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Pending task cancels immediately.
	pending := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})
	if err := s.CancelTask(ctx, pending); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	got, _ := s.GetTask(ctx, pending)
	if got.Status != TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Running task only gets the flag; the worker observes it.
	running := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "hi"})
	task, err := s.ClaimTask(ctx, "w1", "", "", 24*time.Hour)
	if err != nil || task == nil || task.ID != running {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if err := s.MarkRunning(ctx, running, 1234); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := s.CancelTask(ctx, running); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	got, _ = s.GetTask(ctx, running)
	if got.Status != TaskRunning || !got.CancelRequested {
		t.Errorf("status=%s cancel_requested=%t, want running with flag", got.Status, got.CancelRequested)
	}
	cancelled, err := s.IsTaskCancelled(ctx, running)
	if err != nil || !cancelled {
		t.Errorf("IsTaskCancelled = %t, %v", cancelled, err)
	}
}

func TestExpireConfirmations(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "wipe the disk?"})
	task, err := s.ClaimTask(ctx, "w1", "", "", 24*time.Hour)
	if err != nil || task == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SetConfirmation(ctx, id, "This is destructive. Proceed?"); err != nil {
		t.Fatalf("set confirmation: %v", err)
	}

	// Before the timeout nothing expires.
	expired, err := s.ExpireConfirmations(ctx, time.Hour)
	if err != nil || len(expired) != 0 {
		t.Fatalf("early expire: %d tasks, err=%v", len(expired), err)
	}

	fake.Advance(2 * time.Hour)
	expired, err = s.ExpireConfirmations(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != id {
		t.Fatalf("expired %d tasks, want task %d", len(expired), id)
	}
	got, _ := s.GetTask(ctx, id)
	if got.Status != TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestConfirmTaskResumes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "send it?"})
	if _, err := s.ClaimTask(ctx, "w1", "", "", 24*time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SetConfirmation(ctx, id, "Proceed?"); err != nil {
		t.Fatalf("set confirmation: %v", err)
	}
	if err := s.ConfirmTask(ctx, id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, _ := s.GetTask(ctx, id)
	if got.Status != TaskPending || got.ConfirmedAt == nil {
		t.Errorf("status=%s confirmed_at=%v, want pending with confirmed_at", got.Status, got.ConfirmedAt)
	}
}

func TestConversationHistory(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	mk := func(source, prompt, result string) int64 {
		id := mustCreateTask(t, s, &Task{
			SourceType: source, UserID: "ada",
			ConversationToken: "room-1", Prompt: prompt,
		})
		if err := s.UpdateTaskStatus(ctx, id, TaskCompleted, result, "", nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
		fake.Advance(time.Minute)
		return id
	}

	mk(SourceChat, "first", "one")
	mk(SourceScheduled, "cron thing", "noise")
	mk(SourceChat, "second", "two")
	current := mustCreateTask(t, s, &Task{
		SourceType: SourceChat, UserID: "ada",
		ConversationToken: "room-1", Prompt: "third",
	})

	history, err := s.ConversationHistory(ctx, "room-1", current, 10,
		[]string{SourceScheduled, SourceBriefing})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	// Oldest first, scheduled source excluded, current task excluded.
	if history[0].Prompt != "first" || history[1].Prompt != "second" {
		t.Errorf("history order = [%q, %q]", history[0].Prompt, history[1].Prompt)
	}
}

func TestSweepTasks(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	old := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "old"})
	if err := s.UpdateTaskStatus(ctx, old, TaskCompleted, "done", "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	fake.Advance(40 * 24 * time.Hour)
	fresh := mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "fresh"})
	if err := s.UpdateTaskStatus(ctx, fresh, TaskCompleted, "done", "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	now := fake.Now()
	n, err := s.SweepTasks(ctx, now.Add(-30*24*time.Hour), now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, err := s.GetTask(ctx, old); !errors.Is(err, ErrNotFound) {
		t.Errorf("old task still present: %v", err)
	}
	if _, err := s.GetTask(ctx, fresh); err != nil {
		t.Errorf("fresh task swept: %v", err)
	}
}

func TestListUsersWithPendingAndCount(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "a"})
	mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "ada", Prompt: "b"})
	mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "grace", Prompt: "c", Queue: QueueBackground})

	// Future-scheduled tasks are not yet claimable.
	future := fake.Now().Add(time.Hour)
	mustCreateTask(t, s, &Task{SourceType: SourceChat, UserID: "linus", Prompt: "d", ScheduledFor: &future})

	users, err := s.ListUsersWithPending(ctx, QueueForeground)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0] != "ada" {
		t.Errorf("users = %v, want [ada]", users)
	}

	n, err := s.CountPending(ctx, "ada", QueueForeground)
	if err != nil || n != 2 {
		t.Errorf("CountPending = %d, %v, want 2", n, err)
	}
}
