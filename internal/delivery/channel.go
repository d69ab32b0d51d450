// Package delivery routes task results back to the originating channel or a
// configured target. The channel transports themselves are collaborators
// behind the interfaces below.
package delivery

import (
	"context"

	"github.com/istota/istota/internal/store"
)

// ChatMessage is one inbound chat message.
type ChatMessage struct {
	ID        int64  // monotonically increasing per conversation
	Token     string // conversation token (room/thread)
	Sender    string
	Text      string
	Mentioned bool // addressed to the bot: direct conversation or @mention in a room
	FromBot   bool // message authored by the bot itself
}

// ChatClient is the chat transport consumed by the chat poller and router.
type ChatClient interface {
	// Conversations lists the conversation tokens the bot participates in,
	// with the user that owns each.
	Conversations(ctx context.Context) (map[string]string, error)
	// FetchNewMessages returns messages after sinceID and the new cursor.
	FetchNewMessages(ctx context.Context, token string, sinceID int64) ([]ChatMessage, int64, error)
	// PostReply posts text to a conversation, threading on replyToID when set.
	PostReply(ctx context.Context, token, text, replyToID string) (string, error)
}

// EmailMessage is one inbound email.
type EmailMessage struct {
	ID      string // stable provider id, idempotence key
	From    string
	Subject string
	Body    string
	Thread  store.EmailThread
}

// EmailClient is the email transport consumed by the email poller and router.
type EmailClient interface {
	FetchNew(ctx context.Context) ([]EmailMessage, error)
	Send(ctx context.Context, to, subject, body string, thread *store.EmailThread) (string, error)
}

// PushClient sends push notifications.
type PushClient interface {
	Notify(ctx context.Context, userID, title, body string, priority int) error
}
