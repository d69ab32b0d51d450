package poller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/istota/istota/internal/store"
)

func TestFilePollerEnqueuesNewUncheckedLines(t *testing.T) {
	s, fake := newTestStore(t)
	path := filepath.Join(t.TempDir(), "tasks.md")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write(`# Today
- [ ] water the plants
- [x] already done
- [ ] call the dentist
some prose
`)

	p := NewFile(s, map[string]string{"ada": path}, time.Second)
	ctx := context.Background()

	if err := p.Tick(ctx, testEpoch); err != nil {
		t.Fatalf("tick: %v", err)
	}
	tasks := listTasks(t, s, store.SourceFile)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.UserID != "ada" || task.Queue != store.QueueBackground {
			t.Errorf("task = %+v", task)
		}
	}

	// An unchanged file is a no-op.
	if err := p.Tick(ctx, testEpoch.Add(time.Second)); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n := len(listTasks(t, s, store.SourceFile)); n != 2 {
		t.Errorf("tasks after unchanged tick = %d, want 2", n)
	}

	// Checking off a line changes the hash but adds nothing new.
	write(`# Today
- [x] water the plants
- [x] already done
- [ ] call the dentist
`)
	if err := p.Tick(ctx, testEpoch.Add(2*time.Second)); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if n := len(listTasks(t, s, store.SourceFile)); n != 2 {
		t.Errorf("tasks after check-off = %d, want 2", n)
	}

	// Only the genuinely new line is enqueued.
	write(`# Today
- [ ] call the dentist
- [ ] renew the passport
`)
	fake.Advance(time.Minute) // keep created_at ordering distinct
	if err := p.Tick(ctx, testEpoch.Add(3*time.Second)); err != nil {
		t.Fatalf("fourth tick: %v", err)
	}
	tasks = listTasks(t, s, store.SourceFile)
	if len(tasks) != 3 {
		t.Fatalf("tasks after edit = %d, want 3", len(tasks))
	}
	if tasks[0].Prompt != "renew the passport" {
		t.Errorf("newest task prompt = %q", tasks[0].Prompt)
	}
}

func TestFilePollerMissingFileIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	p := NewFile(s, map[string]string{"ada": filepath.Join(t.TempDir(), "absent.md")}, time.Second)

	if err := p.Tick(context.Background(), testEpoch); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(listTasks(t, s, store.SourceFile)); n != 0 {
		t.Errorf("tasks = %d, want 0", n)
	}
}

func TestUncheckedLines(t *testing.T) {
	got := uncheckedLines("- [ ] one\n  - [ ] indented\n- [x] done\n- [ ]   \nplain\n")
	want := []string{"one", "indented"}
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}
