package poller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSharedFilesRegistersMatches(t *testing.T) {
	s, _ := newTestStore(t)
	root := t.TempDir()
	for _, name := range []string{"notes/plan.md", "notes/ideas.md", "notes/raw.bin"} {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	p := NewSharedFiles(s, map[string][]string{
		"ada": {filepath.Join(root, "**", "*.md")},
	}, time.Second)
	ctx := context.Background()

	if err := p.Tick(ctx, testEpoch); err != nil {
		t.Fatalf("tick: %v", err)
	}

	resources, err := s.ListUserResources(ctx, "ada")
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(resources))
	}
	for _, r := range resources {
		if r.ResourceType != "shared_file" || r.Permissions != "read" {
			t.Errorf("resource = %+v", r)
		}
		if r.DisplayName != filepath.Base(r.ResourcePath) {
			t.Errorf("display name = %q for %q", r.DisplayName, r.ResourcePath)
		}
	}

	// Rescanning upserts in place rather than duplicating.
	if err := p.Tick(ctx, testEpoch.Add(time.Second)); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	resources, _ = s.ListUserResources(ctx, "ada")
	if len(resources) != 2 {
		t.Errorf("resources after rescan = %d, want 2", len(resources))
	}
}
