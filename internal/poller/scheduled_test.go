package poller

import (
	"context"
	"testing"
	"time"

	"github.com/istota/istota/internal/store"
)

func utcOnly(string) *time.Location { return time.UTC }

func TestScheduledFiresDueJobs(t *testing.T) {
	s, fake := newTestStore(t)
	p := NewScheduled(s, utcOnly, time.Second)
	ctx := context.Background()

	jobID, err := s.CreateScheduledJob(ctx, &store.ScheduledJob{
		UserID: "ada", Name: "standup", CronExpression: "0 8 * * *",
		Prompt: "Summarize overnight email.", OutputTarget: "chat+push",
		ConversationToken: "room-1", SilentUnlessAction: true, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Created 2025-06-01 12:00; the 08:00 slot next day is the first due one.
	fake.Advance(2 * time.Hour)
	if err := p.Tick(ctx, fake.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(listTasks(t, s, store.SourceScheduled)); n != 0 {
		t.Fatalf("tasks before slot = %d, want 0", n)
	}

	fake.Advance(19 * time.Hour) // 2025-06-02 09:00
	if err := p.Tick(ctx, fake.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	tasks := listTasks(t, s, store.SourceScheduled)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	got := tasks[0]
	if got.ScheduledJobID != jobID || !got.HeartbeatSilent {
		t.Errorf("task = %+v", got)
	}
	if got.Prompt != "Summarize overnight email." || got.OutputTarget != "chat+push" ||
		got.ConversationToken != "room-1" {
		t.Errorf("inherited fields = %+v", got)
	}

	// The slot was consumed at trigger time, before the task even ran.
	job, err := s.GetScheduledJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.LastRunAt == nil {
		t.Fatal("last_run_at not set at trigger")
	}
	if err := p.Tick(ctx, fake.Now().Add(time.Minute)); err != nil {
		t.Fatalf("re-tick: %v", err)
	}
	if n := len(listTasks(t, s, store.SourceScheduled)); n != 1 {
		t.Errorf("tasks after re-tick = %d, want 1", n)
	}
}

func TestScheduledSkipsDisabledJobs(t *testing.T) {
	s, fake := newTestStore(t)
	p := NewScheduled(s, utcOnly, time.Second)
	ctx := context.Background()

	if _, err := s.CreateScheduledJob(ctx, &store.ScheduledJob{
		UserID: "ada", Name: "off", CronExpression: "* * * * *", Prompt: "nope",
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	fake.Advance(time.Hour)
	if err := p.Tick(ctx, fake.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(listTasks(t, s, store.SourceScheduled)); n != 0 {
		t.Errorf("tasks from disabled job = %d, want 0", n)
	}
}
