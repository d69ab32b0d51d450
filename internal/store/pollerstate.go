package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPollerState reads the persisted cursor for (poller, key). Returns
// ErrNotFound when the poller has never advanced for that key.
func (s *Store) GetPollerState(ctx context.Context, poller, key string) (*PollerState, error) {
	var (
		st        PollerState
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT poller, key, cursor, updated_at FROM poller_state
		WHERE poller = ? AND key = ?`, poller, key).
		Scan(&st.Poller, &st.Key, &st.Cursor, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get poller state: %w", err)
	}
	st.UpdatedAt, _ = parseTime(updatedAt)
	return &st, nil
}

// PutPollerState upserts the cursor for (poller, key). This single write is
// the only way a poller advances; replaying a tick against an unchanged
// cursor is a no-op.
func (s *Store) PutPollerState(ctx context.Context, poller, key, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poller_state (poller, key, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(poller, key) DO UPDATE SET cursor = excluded.cursor,
			updated_at = excluded.updated_at`,
		poller, key, cursor, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("put poller state: %w", err)
	}
	return nil
}
