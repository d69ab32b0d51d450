package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const jobColumns = `id, user_id, name, cron_expression, prompt, command,
	conversation_token, output_target, enabled, silent_unless_action, once,
	consecutive_failures, last_run_at, last_success_at, last_error, created_at`

func scanJob(row rowScanner) (*ScheduledJob, error) {
	var (
		j                        ScheduledJob
		enabled, silent, once    int
		lastRun, lastSuccess     sql.NullString
		createdAt                string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Name, &j.CronExpression, &j.Prompt,
		&j.Command, &j.ConversationToken, &j.OutputTarget, &enabled, &silent,
		&once, &j.ConsecutiveFailures, &lastRun, &lastSuccess, &j.LastError,
		&createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan scheduled job: %w", err)
	}
	j.Enabled = enabled != 0
	j.SilentUnlessAction = silent != 0
	j.Once = once != 0
	j.LastRunAt = parseTimePtr(lastRun)
	j.LastSuccessAt = parseTimePtr(lastSuccess)
	j.CreatedAt, _ = parseTime(createdAt)
	return &j, nil
}

// CreateScheduledJob inserts a cron-defined task template. (user_id, name)
// is unique; prompt/command exclusivity matches the task invariant.
func (s *Store) CreateScheduledJob(ctx context.Context, j *ScheduledJob) (int64, error) {
	if j.UserID == "" || j.Name == "" {
		return 0, fmt.Errorf("%w: user_id and name are required", ErrInvalidTask)
	}
	if (j.Prompt == "") == (j.Command == "") {
		return 0, fmt.Errorf("%w: exactly one of prompt or command is required", ErrInvalidTask)
	}
	if j.CronExpression == "" {
		return 0, fmt.Errorf("%w: cron expression is required", ErrInvalidTask)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (user_id, name, cron_expression, prompt,
			command, conversation_token, output_target, enabled,
			silent_unless_action, once, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.UserID, j.Name, j.CronExpression, j.Prompt, j.Command,
		j.ConversationToken, j.OutputTarget, boolInt(j.Enabled),
		boolInt(j.SilentUnlessAction), boolInt(j.Once), fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("insert scheduled job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	j.ID = id
	j.CreatedAt = now
	return id, nil
}

// GetScheduledJob reads a job by id.
func (s *Store) GetScheduledJob(ctx context.Context, id int64) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListScheduledJobs returns all jobs, optionally only enabled ones.
func (s *Store) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	q := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY user_id, name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TouchJobRun records the trigger time of a job. Called by the scheduled-job
// poller the moment it produces a task, so the cron slot is consumed even
// while the task is still running.
func (s *Store) TouchJobRun(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run_at = ? WHERE id = ?`, fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch job run: %w", err)
	}
	return requireRow(res, id)
}

// MarkJobRun records the outcome of a job trigger. Failures accumulate in
// consecutive_failures; failureThreshold > 0 auto-disables the job when
// reached. A successful once-job is removed.
func (s *Store) MarkJobRun(ctx context.Context, id int64, runErr error, failureThreshold int) error {
	now := s.now()
	if runErr != nil {
		// Increment and threshold check in one statement; a read-then-write
		// pair could lose a concurrent run's failure count.
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET last_run_at = ?, last_error = ?,
				consecutive_failures = consecutive_failures + 1,
				enabled = CASE WHEN ? > 0 AND consecutive_failures + 1 >= ? THEN 0 ELSE enabled END
			WHERE id = ?`,
			fmtTime(now), runErr.Error(), failureThreshold, failureThreshold, id)
		if err != nil {
			return fmt.Errorf("mark job failure: %w", err)
		}
		return requireRow(res, id)
	}

	// The read here only consults the immutable once flag.
	j, err := s.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Once {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("remove once job: %w", err)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run_at = ?, last_success_at = ?,
			last_error = '', consecutive_failures = 0
		WHERE id = ?`,
		fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("mark job success: %w", err)
	}
	return nil
}

// SetJobEnabled toggles a job.
func (s *Store) SetJobEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set job enabled: %w", err)
	}
	return requireRow(res, id)
}

// DeleteScheduledJob removes a job.
func (s *Store) DeleteScheduledJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	return requireRow(res, id)
}
