package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/istota/istota/internal/delivery"
	"github.com/istota/istota/internal/store"
)

// Email polls the inbox and enqueues one task per new email from a known
// sender. The processed_emails table is its idempotence cursor; an email id
// already recorded there is never re-enqueued.
type Email struct {
	store       *store.Store
	client      delivery.EmailClient
	userByEmail func(addr string) string
	interval    time.Duration
}

// NewEmail creates the email poller. userByEmail resolves a sender address
// to a user id; unknown senders are skipped.
func NewEmail(st *store.Store, client delivery.EmailClient, userByEmail func(string) string, interval time.Duration) *Email {
	return &Email{store: st, client: client, userByEmail: userByEmail, interval: interval}
}

func (p *Email) Name() string            { return "email" }
func (p *Email) Interval() time.Duration { return p.interval }

func (p *Email) Tick(ctx context.Context, now time.Time) error {
	messages, err := p.client.FetchNew(ctx)
	if err != nil {
		return fmt.Errorf("fetch email: %w", err)
	}

	for _, msg := range messages {
		done, err := p.store.IsEmailProcessed(ctx, msg.ID)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		userID := p.userByEmail(msg.From)
		if userID == "" {
			slog.Debug("skipping email from unknown sender", "from", msg.From)
			// Recorded so the same message is not re-examined every tick.
			if err := p.store.MarkEmailProcessed(ctx, msg.ID, "", msg.Thread); err != nil {
				return err
			}
			continue
		}

		task := &store.Task{
			SourceType:    store.SourceEmail,
			Queue:         store.QueueForeground,
			UserID:        userID,
			Prompt:        emailPrompt(msg),
			TalkMessageID: msg.ID,
		}
		taskID, err := p.store.CreateTask(ctx, task)
		if err != nil {
			slog.Error("enqueue email task", "email_id", msg.ID, "error", err)
			continue
		}
		if err := p.store.MarkEmailProcessed(ctx, msg.ID, userID, msg.Thread); err != nil {
			return err
		}
		slog.Info("enqueued email task", "task_id", taskID, "user_id", userID)
	}
	return nil
}

func emailPrompt(msg delivery.EmailMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Email from %s\nSubject: %s\n\n", msg.From, msg.Subject)
	sb.WriteString(strings.TrimSpace(msg.Body))
	return sb.String()
}
