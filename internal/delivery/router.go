package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/istota/istota/internal/store"
)

// Result prefixes recognized by silent-job suppression.
const (
	noActionPrefix = "NO_ACTION:"
	actionPrefix   = "ACTION:"
)

// Router determines the delivery target for a completed task and posts the
// result. Delivery is best-effort: failures are logged and never reopen the
// task.
type Router struct {
	store *store.Store
	chat  ChatClient
	email EmailClient
	push  PushClient

	pushPriority int
	userEmail    func(userID string) string // resolves a user's address
}

// RouterConfig holds the router's collaborators.
type RouterConfig struct {
	Store        *store.Store
	Chat         ChatClient
	Email        EmailClient
	Push         PushClient
	PushPriority int
	UserEmail    func(userID string) string
}

// NewRouter creates a Router. Nil clients disable their sink.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		store:        cfg.Store,
		chat:         cfg.Chat,
		email:        cfg.Email,
		push:         cfg.Push,
		pushPriority: cfg.PushPriority,
		userEmail:    cfg.UserEmail,
	}
}

// Deliver posts a task's result to its target sinks.
func (r *Router) Deliver(ctx context.Context, task *store.Task) {
	result := strings.TrimSpace(task.Result)
	if task.Status == store.TaskFailed {
		result = friendlyFailure(task)
	}
	if result == "" {
		return
	}

	// NO_ACTION results from silent scheduled jobs are suppressed on every
	// sink; an ACTION prefix always delivers.
	if strings.HasPrefix(result, noActionPrefix) {
		if task.HeartbeatSilent {
			slog.Debug("suppressing silent no-action result", "task_id", task.ID)
			return
		}
		result = strings.TrimSpace(strings.TrimPrefix(result, noActionPrefix))
	}
	result = strings.TrimSpace(strings.TrimPrefix(result, actionPrefix))

	for _, sink := range r.targets(task) {
		var err error
		switch sink {
		case "chat":
			err = r.deliverChat(ctx, task, result)
		case "email":
			err = r.deliverEmail(ctx, task, result)
		case "push":
			err = r.deliverPush(ctx, task, result)
		default:
			err = fmt.Errorf("unknown delivery target %q", sink)
		}
		if err != nil {
			slog.Error("delivery failed", "task_id", task.ID, "sink", sink, "error", err)
		}
	}
}

// targets resolves the sink list from the explicit output target, falling
// back to the task's source type.
func (r *Router) targets(task *store.Task) []string {
	switch task.OutputTarget {
	case "":
		// Inferred from origin.
	case "all":
		return []string{"chat", "email", "push"}
	default:
		return strings.Split(task.OutputTarget, "+")
	}

	switch task.SourceType {
	case store.SourceEmail:
		return []string{"email"}
	case store.SourceChat, store.SourceSubtask, store.SourceFile,
		store.SourceScheduled, store.SourceBriefing, store.SourceCLI:
		return []string{"chat"}
	default:
		return []string{"chat"}
	}
}

func (r *Router) deliverChat(ctx context.Context, task *store.Task, text string) error {
	if r.chat == nil {
		return fmt.Errorf("chat channel not configured")
	}
	if task.ConversationToken == "" {
		return fmt.Errorf("task has no conversation token")
	}
	id, err := r.chat.PostReply(ctx, task.ConversationToken, text, task.ReplyToTalkID)
	if err != nil {
		return err
	}
	slog.Info("delivered result to chat", "task_id", task.ID, "message_id", id)
	return nil
}

func (r *Router) deliverEmail(ctx context.Context, task *store.Task, text string) error {
	if r.email == nil {
		return fmt.Errorf("email channel not configured")
	}
	to := ""
	if r.userEmail != nil {
		to = r.userEmail(task.UserID)
	}
	if to == "" {
		return fmt.Errorf("no email address for user %s", task.UserID)
	}

	// Thread onto the originating email when we have its headers.
	var thread *store.EmailThread
	if task.TalkMessageID != "" {
		if t, err := r.store.EmailThreadFor(ctx, task.TalkMessageID); err == nil {
			thread = t
		}
	}

	subject := "Task update"
	if thread != nil {
		subject = "Re: task"
	}
	id, err := r.email.Send(ctx, to, subject, text, thread)
	if err != nil {
		return err
	}
	slog.Info("delivered result by email", "task_id", task.ID, "message_id", id)
	return nil
}

func (r *Router) deliverPush(ctx context.Context, task *store.Task, text string) error {
	if r.push == nil {
		return fmt.Errorf("push channel not configured")
	}
	return r.push.Notify(ctx, task.UserID, "istota", text, r.pushPriority)
}

// friendlyFailure renders a failed task for the user; the raw error goes to
// logs only.
func friendlyFailure(task *store.Task) string {
	slog.Error("task failed", "task_id", task.ID, "error", task.Error)
	return "I wasn't able to finish that task. The details are in my logs; feel free to ask me to try again."
}
