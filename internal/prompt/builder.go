// Package prompt assembles the sectioned text input for the agent
// subprocess from the task, the user's resources and memory, conversation
// history and selected skill documentation.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/istota/istota/internal/store"
)

// historyLimit caps the recent exchanges included per conversation.
const historyLimit = 10

// historyExcludedSources are never replayed as conversational context.
var historyExcludedSources = []string{store.SourceScheduled, store.SourceBriefing}

// Builder assembles agent prompts.
type Builder struct {
	store      *store.Store
	skills     []*Skill
	persona    string
	rules      string
	tools      []string          // tool inventory shown to the agent
	guidelines map[string]string // source type -> channel-specific guidance
	memoryDir  string            // per-user and per-channel memory files
	isAdmin    func(userID string) bool
}

// BuilderConfig holds the builder's inputs.
type BuilderConfig struct {
	Store      *store.Store
	Skills     []*Skill
	Persona    string
	Rules      string
	Tools      []string
	Guidelines map[string]string
	MemoryDir  string
	IsAdmin    func(string) bool
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	isAdmin := cfg.IsAdmin
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Builder{
		store:      cfg.Store,
		skills:     cfg.Skills,
		persona:    cfg.Persona,
		rules:      cfg.Rules,
		tools:      cfg.Tools,
		guidelines: cfg.Guidelines,
		memoryDir:  cfg.MemoryDir,
		isAdmin:    isAdmin,
	}
}

// Build assembles the full prompt for a task, in section order: header,
// persona, resources, user memory, channel memory, history, tools, rules,
// request, channel guidelines, skills changelog, selected skills.
func (b *Builder) Build(ctx context.Context, task *store.Task, now time.Time) (string, error) {
	var sections []string

	sections = append(sections, b.header(task, now))

	if b.persona != "" {
		sections = append(sections, "## Persona\n\n"+b.persona)
	}

	resources, err := b.store.ListUserResources(ctx, task.UserID)
	if err != nil {
		return "", fmt.Errorf("load resources: %w", err)
	}
	if sec := b.resourceSection(resources); sec != "" {
		sections = append(sections, sec)
	}

	if mem := b.readMemory(filepath.Join(b.memoryDir, task.UserID, "MEMORY.md")); mem != "" {
		sections = append(sections, "## What you remember about this user\n\n"+mem)
	}
	if task.ConversationToken != "" {
		if mem := b.readMemory(filepath.Join(b.memoryDir, task.UserID, "channels", task.ConversationToken+".md")); mem != "" {
			sections = append(sections, "## What you remember about this conversation\n\n"+mem)
		}
	}

	if task.ConversationToken != "" {
		history, err := b.store.ConversationHistory(ctx, task.ConversationToken,
			task.ID, historyLimit, historyExcludedSources)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}
		if sec := historySection(history); sec != "" {
			sections = append(sections, sec)
		}
	}

	if len(b.tools) > 0 {
		sections = append(sections, "## Available tools\n\n- "+strings.Join(b.tools, "\n- "))
	}

	if b.rules != "" {
		sections = append(sections, "## Rules\n\n"+b.rules)
	}

	sections = append(sections, b.requestSection(task))

	if g, ok := b.guidelines[task.SourceType]; ok && g != "" {
		sections = append(sections, "## Channel guidelines\n\n"+g)
	}

	selected := Select(b.skills, SelectionContext{
		Prompt:        task.Prompt,
		SourceType:    task.SourceType,
		ResourceTypes: resourceTypes(resources),
		Attachments:   task.Attachments,
		IsAdmin:       b.isAdmin(task.UserID),
	})
	sections = append(sections, "## Skills changelog\n\n"+Changelog(b.skills))
	for _, s := range selected {
		sections = append(sections, fmt.Sprintf("## Skill: %s\n\n%s", s.Name, s.Body))
	}

	return strings.Join(sections, "\n\n"), nil
}

func (b *Builder) header(task *store.Task, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("# istota task\n\n")
	fmt.Fprintf(&sb, "Task ID: %d\n", task.ID)
	fmt.Fprintf(&sb, "User: %s\n", task.UserID)
	fmt.Fprintf(&sb, "Source: %s\n", task.SourceType)
	fmt.Fprintf(&sb, "Current time: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Created: %s", task.CreatedAt.UTC().Format(time.RFC3339))
	return sb.String()
}

func (b *Builder) resourceSection(resources []*store.UserResource) string {
	if len(resources) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Your resources\n")
	for _, r := range resources {
		name := r.DisplayName
		if name == "" {
			name = filepath.Base(r.ResourcePath)
		}
		fmt.Fprintf(&sb, "\n- %s (%s, %s): %s", name, r.ResourceType, r.Permissions, r.ResourcePath)
	}
	return sb.String()
}

func historySection(history []*store.Task) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Recent conversation\n")
	for _, h := range history {
		request := h.Prompt
		if request == "" {
			request = h.Command
		}
		fmt.Fprintf(&sb, "\nUser: %s\nYou: %s\n", strings.TrimSpace(request), strings.TrimSpace(h.Result))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Builder) requestSection(task *store.Task) string {
	var sb strings.Builder
	sb.WriteString("## Current request\n\n")
	if task.ReplyToContent != "" {
		fmt.Fprintf(&sb, "In reply to: %s\n\n", task.ReplyToContent)
	}
	sb.WriteString(task.Prompt)
	if len(task.Attachments) > 0 {
		sb.WriteString("\n\nAttachments:")
		for _, a := range task.Attachments {
			sb.WriteString("\n- " + a)
		}
	}
	return sb.String()
}

// readMemory returns the trimmed contents of a memory file, or "" when the
// file does not exist.
func (b *Builder) readMemory(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func resourceTypes(resources []*store.UserResource) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range resources {
		if !seen[r.ResourceType] {
			seen[r.ResourceType] = true
			out = append(out, r.ResourceType)
		}
	}
	return out
}
