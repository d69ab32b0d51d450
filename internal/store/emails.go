package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EmailThread holds the headers needed to thread an outgoing reply.
type EmailThread struct {
	MessageID  string
	InReplyTo  string
	References string
}

// MarkEmailProcessed records an inbound email so the poller never produces a
// second task for it, and keeps its headers for reply threading.
func (s *Store) MarkEmailProcessed(ctx context.Context, emailID, userID string, thread EmailThread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_emails (email_id, user_id, message_id, in_reply_to, references_, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_id) DO NOTHING`,
		emailID, userID, thread.MessageID, thread.InReplyTo, thread.References, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("mark email processed: %w", err)
	}
	return nil
}

// IsEmailProcessed reports whether an email id has already produced a task.
func (s *Store) IsEmailProcessed(ctx context.Context, emailID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_emails WHERE email_id = ?`, emailID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is email processed: %w", err)
	}
	return true, nil
}

// EmailThreadFor returns the stored thread headers for an email id.
func (s *Store) EmailThreadFor(ctx context.Context, emailID string) (*EmailThread, error) {
	var t EmailThread
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, in_reply_to, references_ FROM processed_emails
		WHERE email_id = ?`, emailID).Scan(&t.MessageID, &t.InReplyTo, &t.References)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("email thread: %w", err)
	}
	return &t, nil
}
