// Package store provides the durable sqlite-backed task queue and its
// claim protocol, plus scheduled jobs, poller state, user resources and
// processed-email bookkeeping.
package store

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskLocked              TaskStatus = "locked"
	TaskRunning             TaskStatus = "running"
	TaskCompleted           TaskStatus = "completed"
	TaskFailed              TaskStatus = "failed"
	TaskPendingConfirmation TaskStatus = "pending_confirmation"
	TaskCancelled           TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final, write-once state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Source types classify where a task came from.
const (
	SourceChat       = "chat"
	SourceCLI        = "cli"
	SourceScheduled  = "scheduled"
	SourceSubtask    = "subtask"
	SourceBriefing   = "briefing"
	SourceEmail      = "email"
	SourceFile       = "file"
	SourceSleepCycle = "sleep_cycle"
	SourceHeartbeat  = "heartbeat"
)

// Queues are the two execution priority classes.
const (
	QueueForeground = "foreground"
	QueueBackground = "background"
)

// DefaultMaxAttempts is the retry budget applied when a task does not set one.
const DefaultMaxAttempts = 3

// DefaultPriority is the midpoint of the [1,10] priority range.
const DefaultPriority = 5

var (
	// ErrNotFound is returned when a task or job id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned on attempts to move a task out of a terminal state.
	ErrTerminal = errors.New("task is in a terminal state")
	// ErrInvalidTask is returned when a task violates a store invariant.
	ErrInvalidTask = errors.New("invalid task")
)

// Task is the central unit of work.
type Task struct {
	ID                int64
	SourceType        string
	Queue             string
	Priority          int
	UserID            string
	ConversationToken string
	ParentTaskID      int64 // 0 = no parent

	Prompt      string
	Command     string
	Attachments []string

	Status      TaskStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LockedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ConfirmedAt *time.Time

	LockedBy        string
	WorkerPID       int
	AttemptCount    int
	MaxAttempts     int
	CancelRequested bool
	ScheduledFor    *time.Time

	Result             string
	ActionsTaken       []Action
	Error              string
	ConfirmationPrompt string

	OutputTarget string

	TalkMessageID  string
	TalkResponseID string
	ReplyToTalkID  string
	ReplyToContent string

	HeartbeatSilent bool
	ScheduledJobID  int64
}

// Action is one tool-use record accumulated during execution.
type Action struct {
	Tool    string `json:"tool"`
	Input   string `json:"input,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Validate checks the store-boundary invariants for a new task.
func (t *Task) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidTask)
	}
	if t.Prompt == "" && t.Command == "" {
		return fmt.Errorf("%w: one of prompt or command is required", ErrInvalidTask)
	}
	if t.Prompt != "" && t.Command != "" {
		return fmt.Errorf("%w: prompt and command are mutually exclusive", ErrInvalidTask)
	}
	if t.Queue != QueueForeground && t.Queue != QueueBackground {
		return fmt.Errorf("%w: unknown queue %q", ErrInvalidTask, t.Queue)
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("%w: priority %d outside [1,10]", ErrInvalidTask, t.Priority)
	}
	switch t.SourceType {
	case SourceChat, SourceCLI, SourceScheduled, SourceSubtask, SourceBriefing,
		SourceEmail, SourceFile, SourceSleepCycle, SourceHeartbeat:
	default:
		return fmt.Errorf("%w: unknown source type %q", ErrInvalidTask, t.SourceType)
	}
	return nil
}

// ListFilter defines criteria for filtering task lists.
type ListFilter struct {
	Status     TaskStatus
	UserID     string
	Queue      string
	SourceType string
	ParentID   int64
	SinceID    int64 // only tasks with a larger id
	Limit      int
}

// ScheduledJob is a cron-defined template producing tasks.
type ScheduledJob struct {
	ID                  int64
	UserID              string
	Name                string
	CronExpression      string
	Prompt              string
	Command             string
	ConversationToken   string
	OutputTarget        string
	Enabled             bool
	SilentUnlessAction  bool
	Once                bool
	ConsecutiveFailures int
	LastRunAt           *time.Time
	LastSuccessAt       *time.Time
	LastError           string
	CreatedAt           time.Time
}

// UserResource is a file or directory mounted into a user's tasks.
type UserResource struct {
	ID           int64
	UserID       string
	ResourceType string
	ResourcePath string
	Permissions  string // "read" | "readwrite"
	DisplayName  string
}

// PollerState is the persisted cursor of one poller instance.
type PollerState struct {
	Poller    string
	Key       string
	Cursor    string // JSON payload owned by the poller
	UpdatedAt time.Time
}
