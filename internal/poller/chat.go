package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/istota/istota/internal/delivery"
	"github.com/istota/istota/internal/store"
)

// Chat polls conversations for new inbound messages and enqueues one
// foreground task per message addressed to the bot. Its cursor is the last
// seen message id per conversation token.
type Chat struct {
	store    *store.Store
	client   delivery.ChatClient
	interval time.Duration
}

// NewChat creates the chat poller.
func NewChat(st *store.Store, client delivery.ChatClient, interval time.Duration) *Chat {
	return &Chat{store: st, client: client, interval: interval}
}

func (p *Chat) Name() string            { return "chat" }
func (p *Chat) Interval() time.Duration { return p.interval }

func (p *Chat) Tick(ctx context.Context, now time.Time) error {
	conversations, err := p.client.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	for token, userID := range conversations {
		if err := p.pollConversation(ctx, token, userID); err != nil {
			slog.Error("poll conversation", "token", token, "error", err)
		}
	}
	return nil
}

func (p *Chat) pollConversation(ctx context.Context, token, userID string) error {
	sinceID := int64(0)
	if state, err := p.store.GetPollerState(ctx, p.Name(), token); err == nil {
		sinceID, _ = strconv.ParseInt(state.Cursor, 10, 64)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	messages, cursor, err := p.client.FetchNewMessages(ctx, token, sinceID)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	if cursor == sinceID {
		return nil
	}

	for _, msg := range messages {
		if msg.FromBot || !msg.Mentioned {
			continue
		}
		task := &store.Task{
			SourceType:        store.SourceChat,
			Queue:             store.QueueForeground,
			UserID:            userID,
			ConversationToken: token,
			Prompt:            msg.Text,
			TalkMessageID:     strconv.FormatInt(msg.ID, 10),
			ReplyToTalkID:     strconv.FormatInt(msg.ID, 10),
		}
		id, err := p.store.CreateTask(ctx, task)
		if err != nil {
			slog.Error("enqueue chat task", "token", token, "error", err)
			continue
		}
		slog.Info("enqueued chat task", "task_id", id, "user_id", userID, "token", token)
	}

	return p.store.PutPollerState(ctx, p.Name(), token, strconv.FormatInt(cursor, 10))
}
