package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a documentation unit offered to the agent. Skills live as
// markdown files with a YAML frontmatter block.
type Skill struct {
	Name        string   `yaml:"name"`
	Version     int      `yaml:"version"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`    // prompt keywords that select this skill
	Sources     []string `yaml:"sources"`     // source types that select this skill
	Resources   []string `yaml:"resources"`   // user resource types that select this skill
	Extensions  []string `yaml:"extensions"`  // attachment extensions that select this skill
	Always      bool     `yaml:"always"`      // included for every task
	AdminOnly   bool     `yaml:"admin_only"`  // included only for admin users

	Body string `yaml:"-"` // markdown documentation after the frontmatter
}

// LoadSkills reads every *.md skill file under dir. A missing directory
// yields an empty set.
func LoadSkills(dir string) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []*Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		s, err := loadSkill(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

func loadSkill(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", path, err)
	}

	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("skill %s: %w", path, err)
	}

	var s Skill
	if err := yaml.Unmarshal([]byte(front), &s); err != nil {
		return nil, fmt.Errorf("parse skill %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if s.Version == 0 {
		s.Version = 1
	}
	s.Body = strings.TrimSpace(body)
	return &s, nil
}

func splitFrontmatter(doc string) (front, body string, err error) {
	const marker = "---"
	trimmed := strings.TrimLeft(doc, "\n")
	if !strings.HasPrefix(trimmed, marker) {
		return "", doc, nil
	}
	rest := trimmed[len(marker):]
	idx := strings.Index(rest, "\n"+marker)
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	return rest[:idx], rest[idx+len(marker)+1:], nil
}

// SelectionContext carries the predicate inputs for skill selection.
type SelectionContext struct {
	Prompt        string
	SourceType    string
	ResourceTypes []string
	Attachments   []string
	IsAdmin       bool
}

// Matches reports whether the skill should be included for the context.
func (s *Skill) Matches(sc SelectionContext) bool {
	if s.AdminOnly && !sc.IsAdmin {
		return false
	}
	if s.Always {
		return true
	}

	lower := strings.ToLower(sc.Prompt)
	for _, kw := range s.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	for _, src := range s.Sources {
		if src == sc.SourceType {
			return true
		}
	}
	for _, rt := range s.Resources {
		for _, have := range sc.ResourceTypes {
			if rt == have {
				return true
			}
		}
	}
	for _, ext := range s.Extensions {
		for _, att := range sc.Attachments {
			if strings.EqualFold(filepath.Ext(att), ext) {
				return true
			}
		}
	}
	return false
}

// Select returns the skills matching the context, stable by name.
func Select(skills []*Skill, sc SelectionContext) []*Skill {
	var out []*Skill
	for _, s := range skills {
		if s.Matches(sc) {
			out = append(out, s)
		}
	}
	return out
}

// Changelog returns a short fingerprint of the skill set: the first 12 hex
// characters of a SHA-256 over the sorted name@version pairs. Any edit to a
// skill's name or version changes the fingerprint.
func Changelog(skills []*Skill) string {
	pairs := make([]string, 0, len(skills))
	for _, s := range skills {
		pairs = append(pairs, fmt.Sprintf("%s@%d", s.Name, s.Version))
	}
	sort.Strings(pairs)

	sum := sha256.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])[:12]
}
