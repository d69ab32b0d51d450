package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/istota/istota/internal/store"
)

// File watches each user's markdown task checklist and enqueues a task per
// newly appeared unchecked line. Its cursor is the file's content hash plus
// the unchecked lines already seen, so an unchanged file is a no-op and an
// edit only enqueues lines that were not there before.
type File struct {
	store    *store.Store
	files    map[string]string // user id -> checklist path
	interval time.Duration
}

// NewFile creates the checklist poller.
func NewFile(st *store.Store, files map[string]string, interval time.Duration) *File {
	return &File{store: st, files: files, interval: interval}
}

func (p *File) Name() string            { return "file" }
func (p *File) Interval() time.Duration { return p.interval }

type fileCursor struct {
	Hash  string   `json:"hash"`
	Lines []string `json:"lines"` // unchecked lines at last scan
}

func (p *File) Tick(ctx context.Context, now time.Time) error {
	for userID, path := range p.files {
		if err := p.pollFile(ctx, userID, path); err != nil {
			slog.Error("poll task file", "user_id", userID, "path", path, "error", err)
		}
	}
	return nil
}

func (p *File) pollFile(ctx context.Context, userID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	var cur fileCursor
	if state, err := p.store.GetPollerState(ctx, p.Name(), userID); err == nil {
		_ = json.Unmarshal([]byte(state.Cursor), &cur)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if cur.Hash == hash {
		return nil
	}

	seen := make(map[string]bool, len(cur.Lines))
	for _, line := range cur.Lines {
		seen[line] = true
	}

	lines := uncheckedLines(string(data))
	for _, line := range lines {
		if seen[line] {
			continue
		}
		task := &store.Task{
			SourceType: store.SourceFile,
			Queue:      store.QueueBackground,
			UserID:     userID,
			Prompt:     line,
		}
		id, err := p.store.CreateTask(ctx, task)
		if err != nil {
			slog.Error("enqueue file task", "user_id", userID, "error", err)
			continue
		}
		slog.Info("enqueued file task", "task_id", id, "user_id", userID)
	}

	cursor, _ := json.Marshal(fileCursor{Hash: hash, Lines: lines})
	return p.store.PutPollerState(ctx, p.Name(), userID, string(cursor))
}

// uncheckedLines extracts the text of "- [ ]" checklist entries.
func uncheckedLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "- [ ]"); ok {
			if text := strings.TrimSpace(rest); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}
