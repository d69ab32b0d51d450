package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, source_type, queue, priority, user_id, conversation_token,
	parent_task_id, prompt, command, attachments, status, created_at, updated_at,
	locked_at, started_at, completed_at, confirmed_at, locked_by, worker_pid,
	attempt_count, max_attempts, cancel_requested, scheduled_for, result,
	actions_taken, error, confirmation_prompt, output_target, talk_message_id,
	talk_response_id, reply_to_talk_id, reply_to_content, heartbeat_silent,
	scheduled_job_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                                              Task
		createdAt, updatedAt                           string
		lockedAt, startedAt, completedAt, confirmedAt  sql.NullString
		scheduledFor                                   sql.NullString
		attachments, actions                           string
		cancelRequested, heartbeatSilent               int
	)
	err := row.Scan(&t.ID, &t.SourceType, &t.Queue, &t.Priority, &t.UserID,
		&t.ConversationToken, &t.ParentTaskID, &t.Prompt, &t.Command,
		&attachments, &t.Status, &createdAt, &updatedAt, &lockedAt, &startedAt,
		&completedAt, &confirmedAt, &t.LockedBy, &t.WorkerPID, &t.AttemptCount,
		&t.MaxAttempts, &cancelRequested, &scheduledFor, &t.Result, &actions,
		&t.Error, &t.ConfirmationPrompt, &t.OutputTarget, &t.TalkMessageID,
		&t.TalkResponseID, &t.ReplyToTalkID, &t.ReplyToContent,
		&heartbeatSilent, &t.ScheduledJobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	t.LockedAt = parseTimePtr(lockedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	t.ConfirmedAt = parseTimePtr(confirmedAt)
	t.ScheduledFor = parseTimePtr(scheduledFor)
	t.CancelRequested = cancelRequested != 0
	t.HeartbeatSilent = heartbeatSilent != 0
	_ = json.Unmarshal([]byte(attachments), &t.Attachments)
	_ = json.Unmarshal([]byte(actions), &t.ActionsTaken)
	return &t, nil
}

// CreateTask inserts a new pending task and returns its id.
// Invariant violations are rejected at this boundary and never retried.
func (s *Store) CreateTask(ctx context.Context, t *Task) (int64, error) {
	if t.Queue == "" {
		t.Queue = QueueForeground
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = s.maxAttempts
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}

	now := s.now()
	attachments, _ := json.Marshal(t.Attachments)
	if t.Attachments == nil {
		attachments = []byte("[]")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (source_type, queue, priority, user_id,
			conversation_token, parent_task_id, prompt, command, attachments,
			status, created_at, updated_at, max_attempts, scheduled_for,
			output_target, talk_message_id, reply_to_talk_id, reply_to_content,
			heartbeat_silent, scheduled_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SourceType, t.Queue, t.Priority, t.UserID, t.ConversationToken,
		t.ParentTaskID, t.Prompt, t.Command, string(attachments),
		fmtTime(now), fmtTime(now), t.MaxAttempts, fmtTimePtr(t.ScheduledFor),
		t.OutputTarget, t.TalkMessageID, t.ReplyToTalkID, t.ReplyToContent,
		boolInt(t.HeartbeatSilent), t.ScheduledJobID)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task id: %w", err)
	}
	t.ID = id
	t.Status = TaskPending
	t.CreatedAt = now
	t.UpdatedAt = now
	return id, nil
}

// GetTask reads a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]*Task, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Queue != "" {
		conds = append(conds, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.SourceType != "" {
		conds = append(conds, "source_type = ?")
		args = append(args, f.SourceType)
	}
	if f.ParentID != 0 {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, f.ParentID)
	}
	if f.SinceID != 0 {
		conds = append(conds, "id > ?")
		args = append(args, f.SinceID)
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListUsersWithPending returns the distinct users that have claimable
// pending tasks in the given queue.
func (s *Store) ListUsersWithPending(ctx context.Context, queue string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM tasks
		WHERE status = 'pending' AND queue = ?
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY user_id`, queue, fmtTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("list users with pending: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountPending returns the number of claimable pending tasks for a user+queue.
func (s *Store) CountPending(ctx context.Context, userID, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = 'pending' AND user_id = ? AND queue = ?
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)`,
		userID, queue, fmtTime(s.now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// MarkRunning transitions a locked task to running and records the worker pid.
func (s *Store) MarkRunning(ctx context.Context, id int64, pid int) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = ?, worker_pid = ?, updated_at = ?
		WHERE id = ? AND status = 'locked'`,
		fmtTime(now), pid, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return requireRow(res, id)
}

// ReleaseTask returns a locked task to pending without consuming an attempt.
func (s *Store) ReleaseTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', locked_at = NULL, locked_by = '', updated_at = ?
		WHERE id = ? AND status = 'locked'`,
		fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return requireRow(res, id)
}

// UpdateTaskStatus writes a lifecycle transition. Terminal states are
// write-once: transitions out of completed/failed/cancelled return ErrTerminal.
// A completion counts the attempt that produced it.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus, result, errMsg string, actions []Action) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		if cur.Status == status {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrTerminal, cur.Status, status)
	}

	now := s.now()
	actionsJSON := []byte("[]")
	if len(actions) > 0 {
		actionsJSON, _ = json.Marshal(actions)
	}

	var completedAt any
	if status.IsTerminal() {
		completedAt = fmtTime(now)
	}

	attempts := cur.AttemptCount
	if status == TaskCompleted && attempts < cur.MaxAttempts {
		attempts++
	}

	// The guard is repeated inside the statement: a concurrent writer may
	// have reached a terminal state between the read above and this write.
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, error = ?, actions_taken = ?,
			attempt_count = ?, completed_at = COALESCE(?, completed_at),
			locked_at = NULL, locked_by = '', updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), result, errMsg, string(actionsJSON), attempts,
		completedAt, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n == 0 {
		if latest, err := s.GetTask(ctx, id); err == nil && latest.Status == status {
			return nil
		}
		return fmt.Errorf("%w: concurrent transition beat %s", ErrTerminal, status)
	}
	return nil
}

// SetPendingRetry returns a failed attempt to pending, schedules it delay in
// the future and consumes one attempt from the retry budget.
func (s *Store) SetPendingRetry(ctx context.Context, id int64, errMsg string, delay time.Duration) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot retry %s", ErrTerminal, cur.Status)
	}
	if cur.AttemptCount >= cur.MaxAttempts {
		return fmt.Errorf("%w: retry budget exhausted", ErrInvalidTask)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', error = ?, attempt_count = attempt_count + 1,
			scheduled_for = ?, locked_at = NULL, locked_by = '', worker_pid = 0, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND attempt_count < max_attempts`,
		errMsg, fmtTime(now.Add(delay)), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("set pending retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set pending retry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: concurrent transition made the task unretryable", ErrTerminal)
	}
	return nil
}

// SetConfirmation parks a running task until the user confirms.
func (s *Store) SetConfirmation(ctx context.Context, id int64, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("%w: confirmation prompt is required", ErrInvalidTask)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending_confirmation', confirmation_prompt = ?,
			locked_at = NULL, locked_by = '', updated_at = ?
		WHERE id = ? AND status IN ('running', 'locked')`,
		prompt, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("set confirmation: %w", err)
	}
	return requireRow(res, id)
}

// ConfirmTask moves a pending_confirmation task back to pending.
func (s *Store) ConfirmTask(ctx context.Context, id int64) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', confirmed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending_confirmation'`,
		fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("confirm task: %w", err)
	}
	return requireRow(res, id)
}

// ExpireConfirmations cancels pending_confirmation tasks older than timeout
// and returns them so the caller can notify the user.
func (s *Store) ExpireConfirmations(ctx context.Context, timeout time.Duration) ([]*Task, error) {
	cutoff := fmtTime(s.now().Add(-timeout))
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending_confirmation' AND updated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire confirmations: %w", err)
	}
	var expired []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range expired {
		if err := s.UpdateTaskStatus(ctx, t.ID, TaskCancelled, "", "confirmation timed out", nil); err != nil {
			return nil, err
		}
		t.Status = TaskCancelled
	}
	return expired, nil
}

// CancelTask requests cancellation. Running tasks get the cancel flag and are
// cancelled cooperatively at the next safe point; everything else
// non-terminal moves to cancelled immediately.
func (s *Store) CancelTask(ctx context.Context, id int64) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return nil
	}

	now := s.now()
	if cur.Status == TaskRunning {
		// Guarded on status: a run finishing in the window makes the
		// cooperative flag moot, so zero rows affected is fine.
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status = 'running'`,
			fmtTime(now), id)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		return nil
	}
	if err := s.UpdateTaskStatus(ctx, id, TaskCancelled, "", "", nil); err != nil && !errors.Is(err, ErrTerminal) {
		return err
	}
	return nil
}

// IsTaskCancelled reports whether cancellation has been requested.
// Polled by the streaming executor between events.
func (s *Store) IsTaskCancelled(ctx context.Context, id int64) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM tasks WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("is cancelled: %w", err)
	}
	return flag != 0, nil
}

// ConversationHistory returns completed exchanges for a conversation token,
// oldest first, excluding the given task and source types.
func (s *Store) ConversationHistory(ctx context.Context, token string, excludeTaskID int64, limit int, excludeSources []string) ([]*Task, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE conversation_token = ? AND status = 'completed' AND id != ?`
	args := []any{token, excludeTaskID}
	for _, src := range excludeSources {
		q += " AND source_type != ?"
		args = append(args, src)
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first for prompt assembly.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SweepTasks deletes terminal tasks past their retention window and returns
// the number removed.
func (s *Store) SweepTasks(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE
			(status IN ('completed', 'cancelled') AND completed_at < ?) OR
			(status = 'failed' AND completed_at < ?)`,
		fmtTime(completedBefore), fmtTime(failedBefore))
	if err != nil {
		return 0, fmt.Errorf("sweep tasks: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
