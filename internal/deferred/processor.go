// Package deferred applies side effects that the sandboxed agent subprocess
// recorded as JSON files in its scratch directory. The subprocess has no
// database write access; the (unsandboxed) scheduler completes the effects
// after the task reaches its terminal state and before its result is
// delivered.
package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/istota/istota/internal/store"
)

// Subtask is one entry of a task_{id}_subtasks.json file.
type Subtask struct {
	Prompt            string `json:"prompt"`
	ConversationToken string `json:"conversation_token,omitempty"`
	Priority          int    `json:"priority,omitempty"`
}

// TrackedTransactions is the payload of a task_{id}_tracked_transactions.json
// file, applied as a single batch.
type TrackedTransactions struct {
	Synced        []json.RawMessage `json:"synced,omitempty"`
	Imported      []json.RawMessage `json:"imported,omitempty"`
	Recategorized []json.RawMessage `json:"recategorized,omitempty"`
}

// TransactionSink receives a tracked-transactions batch. The accounting
// backend is a collaborator; a nil sink drops batches with a log line.
type TransactionSink interface {
	ApplyBatch(ctx context.Context, userID string, batch *TrackedTransactions) error
}

// Processor consumes deferred-effect files post-completion.
type Processor struct {
	store        *store.Store
	transactions TransactionSink
	isAdmin      func(userID string) bool
}

// NewProcessor creates a Processor. isAdmin gates subtask creation.
func NewProcessor(st *store.Store, transactions TransactionSink, isAdmin func(string) bool) *Processor {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Processor{store: st, transactions: transactions, isAdmin: isAdmin}
}

// Process applies every deferred-effect file for a completed task and
// deletes them. Missing files are no-ops, so processing twice leaves the
// store unchanged. Unknown task-scoped files are deleted.
func (p *Processor) Process(ctx context.Context, task *store.Task, dir string) error {
	prefix := fmt.Sprintf("task_%d_", task.ID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read deferred dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		path := filepath.Join(dir, name)

		switch strings.TrimPrefix(name, prefix) {
		case "subtasks.json":
			if err := p.processSubtasks(ctx, task, path); err != nil {
				slog.Error("process subtasks file", "task_id", task.ID, "error", err)
			}
		case "tracked_transactions.json":
			if err := p.processTransactions(ctx, task, path); err != nil {
				slog.Error("process transactions file", "task_id", task.ID, "error", err)
			}
		default:
			slog.Warn("removing unknown deferred file", "task_id", task.ID, "file", name)
		}
		os.Remove(path)
	}
	return nil
}

func (p *Processor) processSubtasks(ctx context.Context, parent *store.Task, path string) error {
	// Subtask creation is admin-only; files from other users are dropped.
	if !p.isAdmin(parent.UserID) {
		slog.Warn("ignoring subtasks file from non-admin user",
			"task_id", parent.ID, "user_id", parent.UserID)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read subtasks file: %w", err)
	}

	var subtasks []Subtask
	if err := json.Unmarshal(data, &subtasks); err != nil {
		return fmt.Errorf("parse subtasks file: %w", err)
	}

	for _, sub := range subtasks {
		if sub.Prompt == "" {
			continue
		}
		token := sub.ConversationToken
		if token == "" {
			token = parent.ConversationToken
		}
		t := &store.Task{
			SourceType:        store.SourceSubtask,
			Queue:             parent.Queue, // subtasks inherit the parent's queue
			Priority:          sub.Priority,
			UserID:            parent.UserID,
			ConversationToken: token,
			ParentTaskID:      parent.ID,
			Prompt:            sub.Prompt,
			OutputTarget:      parent.OutputTarget,
		}
		id, err := p.store.CreateTask(ctx, t)
		if err != nil {
			slog.Error("create subtask", "parent_task_id", parent.ID, "error", err)
			continue
		}
		slog.Info("created subtask", "parent_task_id", parent.ID, "task_id", id)
	}
	return nil
}

func (p *Processor) processTransactions(ctx context.Context, task *store.Task, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read transactions file: %w", err)
	}

	var batch TrackedTransactions
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("parse transactions file: %w", err)
	}

	if p.transactions == nil {
		slog.Warn("no transaction sink configured, dropping batch", "task_id", task.ID)
		return nil
	}
	return p.transactions.ApplyBatch(ctx, task.UserID, &batch)
}
