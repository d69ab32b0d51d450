package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LockLease is the bounded interval for which a claim is valid. A claimer
// must start execution or release within this window; afterwards the
// recovery steps below reclaim the task.
const LockLease = 30 * time.Minute

// ClaimTask runs the five-step recovery-and-claim protocol atomically:
//
//  1. stale locked tasks older than maxRetryAge whose lease expired fail;
//  2. younger lease-expired locked tasks return to pending when retries remain;
//  3. stale running tasks older than maxRetryAge fail;
//  4. younger stuck running tasks return to pending when retries remain;
//  5. the next claimable pending task is locked for workerID.
//
// userID filters the claim to a single user when non-empty. Returns
// (nil, nil) when nothing is claimable.
func (s *Store) ClaimTask(ctx context.Context, workerID, userID string, queue string, maxRetryAge time.Duration) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	leaseCutoff := fmtTime(now.Add(-LockLease))
	ageCutoff := fmtTime(now.Add(-maxRetryAge))

	// Step 1: lease expired and past the retry age — give up.
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error = 'stale lock: worker never started task',
			completed_at = ?, locked_at = NULL, locked_by = '', updated_at = ?
		WHERE status = 'locked' AND locked_at < ? AND created_at < ?`,
		fmtTime(now), fmtTime(now), leaseCutoff, ageCutoff); err != nil {
		return nil, fmt.Errorf("claim step 1: %w", err)
	}

	// Step 2: lease expired but recent — recover for retry if budget remains.
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = CASE WHEN attempt_count < max_attempts
				THEN 'pending' ELSE 'failed' END,
			error = CASE WHEN attempt_count < max_attempts
				THEN error ELSE 'stale lock: retry budget exhausted' END,
			completed_at = CASE WHEN attempt_count < max_attempts
				THEN completed_at ELSE ? END,
			locked_at = NULL, locked_by = '', updated_at = ?
		WHERE status = 'locked' AND locked_at < ?`,
		fmtTime(now), fmtTime(now), leaseCutoff); err != nil {
		return nil, fmt.Errorf("claim step 2: %w", err)
	}

	// Step 3: running far beyond any plausible execution — give up.
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error = 'stale running task',
			completed_at = ?, worker_pid = 0, updated_at = ?
		WHERE status = 'running' AND started_at < ? AND created_at < ?`,
		fmtTime(now), fmtTime(now), leaseCutoff, ageCutoff); err != nil {
		return nil, fmt.Errorf("claim step 3: %w", err)
	}

	// Step 4: recently stuck running (e.g. worker crashed mid-task).
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = CASE WHEN attempt_count < max_attempts
				THEN 'pending' ELSE 'failed' END,
			error = CASE WHEN attempt_count < max_attempts
				THEN error ELSE 'stuck running: retry budget exhausted' END,
			completed_at = CASE WHEN attempt_count < max_attempts
				THEN completed_at ELSE ? END,
			started_at = NULL, worker_pid = 0, updated_at = ?
		WHERE status = 'running' AND started_at < ?`,
		fmtTime(now), fmtTime(now), leaseCutoff); err != nil {
		return nil, fmt.Errorf("claim step 4: %w", err)
	}

	// Step 5: claim the next eligible task atomically.
	q := `
		UPDATE tasks SET status = 'locked', locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= ?)`
	args := []any{fmtTime(now), workerID, fmtTime(now), fmtTime(now)}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	if queue != "" {
		q += ` AND queue = ?`
		args = append(args, queue)
	}
	q += `
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING ` + taskColumns

	row := tx.QueryRowContext(ctx, q, args...)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			// Nothing claimable; the recovery steps still need to commit.
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("claim commit: %w", err)
			}
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	return task, nil
}
