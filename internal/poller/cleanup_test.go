package poller

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/istota/istota/internal/delivery"
	"github.com/istota/istota/internal/store"
)

func newCleanup(t *testing.T, s *store.Store, scratch string) *Cleanup {
	t.Helper()
	return NewCleanup(CleanupConfig{
		Store:               s,
		Router:              delivery.NewRouter(delivery.RouterConfig{Store: s}),
		ConfirmationTimeout: time.Hour,
		CompletedRetention:  30 * 24 * time.Hour,
		FailedRetention:     90 * 24 * time.Hour,
		ScratchRoot:         scratch,
		Interval:            time.Minute,
	})
}

func TestCleanupExpiresConfirmations(t *testing.T) {
	s, fake := newTestStore(t)
	p := newCleanup(t, s, t.TempDir())
	ctx := context.Background()

	id, err := s.CreateTask(ctx, &store.Task{
		SourceType: store.SourceChat, UserID: "ada", Prompt: "bulk send",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := s.ClaimTask(ctx, "w1", "", "", 24*time.Hour)
	if err != nil || claimed == nil || claimed.ID != id {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := s.SetConfirmation(ctx, id, "Send 40 emails?"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Inside the timeout the task keeps waiting.
	if err := p.Tick(ctx, fake.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := s.GetTask(ctx, id)
	if got.Status != store.TaskPendingConfirmation {
		t.Fatalf("status = %s, want pending_confirmation", got.Status)
	}

	fake.Advance(2 * time.Hour)
	if err := p.Tick(ctx, fake.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = s.GetTask(ctx, id)
	if got.Status != store.TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCleanupRemovesStrayScratchFiles(t *testing.T) {
	s, fake := newTestStore(t)
	scratch := t.TempDir()
	p := newCleanup(t, s, scratch)
	ctx := context.Background()

	dir := filepath.Join(scratch, "ada")
	if err := os.MkdirAll(filepath.Join(dir, "task_999"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mkfile := func(name string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}

	doneID, err := s.CreateTask(ctx, &store.Task{
		SourceType: store.SourceChat, UserID: "ada", Prompt: "old",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, doneID, store.TaskCompleted, "done", "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	liveID, err := s.CreateTask(ctx, &store.Task{
		SourceType: store.SourceChat, UserID: "ada", Prompt: "live",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	orphan := filepath.Join(dir, "task_999") // no such task
	oldDone := mkfile(taskFileName(doneID))  // finished, but not yet stray
	live := mkfile(taskFileName(liveID))     // task still pending
	notes := mkfile("notes.txt")             // not task-scoped

	fake.Advance(time.Hour)
	if err := p.Tick(ctx, fake.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan scratch dir survived")
	}
	for _, path := range []string{oldDone, live, notes} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s removed too early", filepath.Base(path))
		}
	}

	// A day later the finished task's leftovers go too; the live one stays.
	fake.Advance(25 * time.Hour)
	if err := p.Tick(ctx, fake.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := os.Stat(oldDone); !os.IsNotExist(err) {
		t.Error("finished task's scratch file survived past stray age")
	}
	if _, err := os.Stat(live); err != nil {
		t.Error("pending task's scratch file removed")
	}
	if _, err := os.Stat(notes); err != nil {
		t.Error("non-task file removed")
	}
}

func taskFileName(id int64) string {
	return "task_" + strconv.FormatInt(id, 10) + "_result.txt"
}

func TestTaskIDFromName(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		ok   bool
	}{
		{"task_42", 42, true},
		{"task_42_result.txt", 42, true},
		{"task_42_subtasks.json", 42, true},
		{"task_", 0, false},
		{"task_abc", 0, false},
		{"task_0", 0, false},
		{"notes.txt", 0, false},
	}
	for _, tt := range tests {
		id, ok := taskIDFromName(tt.name)
		if id != tt.id || ok != tt.ok {
			t.Errorf("taskIDFromName(%q) = %d, %v; want %d, %v", tt.name, id, ok, tt.id, tt.ok)
		}
	}
}
