package poller

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/istota/istota/internal/store"
)

// SharedFiles scans each user's configured glob patterns and registers the
// matches as user resources the prompt builder lists. Its cursor is the
// last-scan timestamp per user.
type SharedFiles struct {
	store    *store.Store
	patterns map[string][]string // user id -> glob patterns
	interval time.Duration
}

// NewSharedFiles creates the shared-file discovery poller.
func NewSharedFiles(st *store.Store, patterns map[string][]string, interval time.Duration) *SharedFiles {
	return &SharedFiles{store: st, patterns: patterns, interval: interval}
}

func (p *SharedFiles) Name() string            { return "sharedfiles" }
func (p *SharedFiles) Interval() time.Duration { return p.interval }

func (p *SharedFiles) Tick(ctx context.Context, now time.Time) error {
	for userID, patterns := range p.patterns {
		if err := p.scanUser(ctx, userID, patterns, now); err != nil {
			slog.Error("scan shared files", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (p *SharedFiles) scanUser(ctx context.Context, userID string, patterns []string, now time.Time) error {
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			slog.Warn("bad shared-file pattern", "user_id", userID, "pattern", pattern, "error", err)
			continue
		}
		for _, path := range matches {
			r := &store.UserResource{
				UserID:       userID,
				ResourceType: "shared_file",
				ResourcePath: path,
				Permissions:  "read",
				DisplayName:  filepath.Base(path),
			}
			if err := p.store.UpsertUserResource(ctx, r); err != nil {
				slog.Error("upsert shared resource", "user_id", userID, "path", path, "error", err)
			}
		}
	}
	return p.store.PutPollerState(ctx, p.Name(), userID, now.UTC().Format(time.RFC3339))
}
