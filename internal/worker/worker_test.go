package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/istota/istota/internal/clock"
	"github.com/istota/istota/internal/deferred"
	"github.com/istota/istota/internal/delivery"
	"github.com/istota/istota/internal/executor"
	"github.com/istota/istota/internal/prompt"
	"github.com/istota/istota/internal/store"
)

// stubRunner scripts the executor's outcomes per call.
type stubRunner struct {
	outcomes []stubOutcome
	calls    int
	onRun    func(task *store.Task)
}

type stubOutcome struct {
	out *executor.Outcome
	err error
}

func (r *stubRunner) Execute(ctx context.Context, task *store.Task, opts executor.Options) (*executor.Outcome, error) {
	if r.onRun != nil {
		r.onRun(task)
	}
	i := r.calls
	if i >= len(r.outcomes) {
		i = len(r.outcomes) - 1
	}
	r.calls++
	o := r.outcomes[i]
	return o.out, o.err
}

type testEnv struct {
	store   *store.Store
	clock   *clock.Fake
	exec    *Executor
	scratch string
}

func newTestEnv(t *testing.T, runner executor.Runner) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st.SetClock(fake)

	scratch := t.TempDir()
	isAdmin := func(userID string) bool { return userID == "ada" }

	exec := NewExecutor(ExecutorConfig{
		Store:    st,
		Runner:   runner,
		Builder:  prompt.NewBuilder(prompt.BuilderConfig{Store: st, IsAdmin: isAdmin}),
		Deferred: deferred.NewProcessor(st, nil, isAdmin),
		Router:   delivery.NewRouter(delivery.RouterConfig{Store: st}),
		DeferredDir: func(userID string) string {
			return filepath.Join(scratch, userID)
		},
		JobFailureThreshold: 3,
	})
	return &testEnv{store: st, clock: fake, exec: exec, scratch: scratch}
}

func (e *testEnv) enqueue(t *testing.T, task *store.Task) int64 {
	t.Helper()
	id, err := e.store.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func (e *testEnv) claim(t *testing.T) *store.Task {
	t.Helper()
	task, err := e.store.ClaimTask(context.Background(), "w-test", "", "", 24*time.Hour)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil {
		t.Fatal("nothing claimable")
	}
	return task
}

func TestRunCompletesTask(t *testing.T) {
	runner := &stubRunner{outcomes: []stubOutcome{{
		out: &executor.Outcome{
			Result:  "done",
			Actions: []store.Action{{Tool: "calendar", Summary: "checked"}},
		},
	}}}
	env := newTestEnv(t, runner)
	ctx := context.Background()

	id := env.enqueue(t, &store.Task{SourceType: store.SourceChat, UserID: "ada", Prompt: "hi"})
	env.exec.Run(ctx, "w-test", env.claim(t))

	got, err := env.store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Result != "done" || got.AttemptCount != 1 {
		t.Errorf("result=%q attempts=%d", got.Result, got.AttemptCount)
	}
	if len(got.ActionsTaken) != 1 || got.ActionsTaken[0].Tool != "calendar" {
		t.Errorf("actions = %+v", got.ActionsTaken)
	}
}

func TestRunRetriesWithBackoffThenFails(t *testing.T) {
	runner := &stubRunner{outcomes: []stubOutcome{{err: errors.New("agent exploded")}}}
	env := newTestEnv(t, runner)
	ctx := context.Background()

	id := env.enqueue(t, &store.Task{SourceType: store.SourceChat, UserID: "ada", Prompt: "hi"})

	wantDelays := []time.Duration{time.Minute, 4 * time.Minute, 16 * time.Minute}
	for i, delay := range wantDelays {
		env.exec.Run(ctx, "w-test", env.claim(t))

		got, _ := env.store.GetTask(ctx, id)
		if got.Status != store.TaskPending {
			t.Fatalf("after failure %d: status = %s, want pending", i+1, got.Status)
		}
		if got.AttemptCount != i+1 {
			t.Errorf("after failure %d: attempts = %d", i+1, got.AttemptCount)
		}
		want := env.clock.Now().Add(delay)
		if got.ScheduledFor == nil || !got.ScheduledFor.Equal(want) {
			t.Errorf("after failure %d: scheduled_for = %v, want %v", i+1, got.ScheduledFor, want)
		}
		env.clock.Advance(delay + time.Second)
	}

	// Fourth failure exhausts the budget.
	env.exec.Run(ctx, "w-test", env.claim(t))
	got, _ := env.store.GetTask(ctx, id)
	if got.Status != store.TaskFailed {
		t.Errorf("final status = %s, want failed", got.Status)
	}
	if got.Error != "agent exploded" {
		t.Errorf("error = %q", got.Error)
	}
	if runner.calls != 4 {
		t.Errorf("runner calls = %d, want 4", runner.calls)
	}
}

func TestRunParksForConfirmation(t *testing.T) {
	runner := &stubRunner{outcomes: []stubOutcome{{
		out: &executor.Outcome{ConfirmationPrompt: "Send 12 emails?"},
	}}}
	env := newTestEnv(t, runner)
	ctx := context.Background()

	id := env.enqueue(t, &store.Task{SourceType: store.SourceChat, UserID: "ada", Prompt: "hi"})
	env.exec.Run(ctx, "w-test", env.claim(t))

	got, _ := env.store.GetTask(ctx, id)
	if got.Status != store.TaskPendingConfirmation {
		t.Errorf("status = %s, want pending_confirmation", got.Status)
	}
	if got.ConfirmationPrompt != "Send 12 emails?" {
		t.Errorf("confirmation_prompt = %q", got.ConfirmationPrompt)
	}
}

func TestRunRecordsCancellation(t *testing.T) {
	runner := &stubRunner{outcomes: []stubOutcome{{
		out: &executor.Outcome{Cancelled: true},
	}}}
	env := newTestEnv(t, runner)
	ctx := context.Background()

	id := env.enqueue(t, &store.Task{SourceType: store.SourceChat, UserID: "ada", Prompt: "hi"})
	env.exec.Run(ctx, "w-test", env.claim(t))

	got, _ := env.store.GetTask(ctx, id)
	if got.Status != store.TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("cancellation consumed an attempt: %d", got.AttemptCount)
	}
}

func TestRunProcessesDeferredSubtasks(t *testing.T) {
	var env *testEnv
	runner := &stubRunner{
		outcomes: []stubOutcome{{out: &executor.Outcome{Result: "done"}}},
	}
	runner.onRun = func(task *store.Task) {
		// The agent records its intent as a scratch file mid-run.
		dir := filepath.Join(env.scratch, task.UserID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		subtasks, _ := json.Marshal([]deferred.Subtask{{Prompt: "follow up on the invoice"}})
		path := filepath.Join(dir, fmt.Sprintf("task_%d_subtasks.json", task.ID))
		if err := os.WriteFile(path, subtasks, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	env = newTestEnv(t, runner)
	ctx := context.Background()

	parent := env.enqueue(t, &store.Task{SourceType: store.SourceChat, UserID: "ada", Prompt: "hi"})
	env.exec.Run(ctx, "w-test", env.claim(t))

	subs, err := env.store.ListTasks(ctx, store.ListFilter{SourceType: store.SourceSubtask})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("subtasks = %d, want 1", len(subs))
	}
	if subs[0].ParentTaskID != parent || subs[0].Prompt != "follow up on the invoice" {
		t.Errorf("subtask = %+v", subs[0])
	}
}

func TestRunReportsScheduledJobOutcome(t *testing.T) {
	runner := &stubRunner{outcomes: []stubOutcome{
		{err: errors.New("boom")},
		{out: &executor.Outcome{Result: "ok"}},
	}}
	env := newTestEnv(t, runner)
	ctx := context.Background()

	jobID, err := env.store.CreateScheduledJob(ctx, &store.ScheduledJob{
		UserID: "ada", Name: "daily", CronExpression: "0 8 * * *", Prompt: "report", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Exhaust the task's retry budget first so the next failure is permanent.
	id := env.enqueue(t, &store.Task{
		SourceType: store.SourceScheduled, UserID: "ada", Prompt: "report",
		MaxAttempts: 1, ScheduledJobID: jobID, Queue: store.QueueBackground,
	})
	if err := env.store.SetPendingRetry(ctx, id, "earlier failure", 0); err != nil {
		t.Fatalf("consume budget: %v", err)
	}
	env.exec.Run(ctx, "w-test", env.claim(t))

	job, _ := env.store.GetScheduledJob(ctx, jobID)
	if job.ConsecutiveFailures != 1 {
		t.Errorf("consecutive_failures = %d, want 1", job.ConsecutiveFailures)
	}

	// A later success resets it.
	env.enqueue(t, &store.Task{
		SourceType: store.SourceScheduled, UserID: "ada", Prompt: "report",
		ScheduledJobID: jobID, Queue: store.QueueBackground,
	})
	env.exec.Run(ctx, "w-test", env.claim(t))
	job, _ = env.store.GetScheduledJob(ctx, jobID)
	if job.ConsecutiveFailures != 0 || job.LastSuccessAt == nil {
		t.Errorf("after success: failures=%d last_success=%v", job.ConsecutiveFailures, job.LastSuccessAt)
	}
}
