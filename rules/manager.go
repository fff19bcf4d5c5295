package rules

import (
	"embed"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Manager loads rulesets from three sources, later sources replacing
// earlier ones by category: built-in rules shipped in the binary, user
// rules under ~/.kira/rules, and project rules under
// {workingDir}/.kira/rules.
type Manager struct {
	workingDir string

	mu     sync.Mutex
	loaded bool
	sets   map[string]*RuleSet
	order  []string
}

// NewManager builds a manager rooted at workingDir. An empty workingDir
// means the current directory.
func NewManager(workingDir string) *Manager {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &Manager{workingDir: workingDir, sets: make(map[string]*RuleSet)}
}

func (m *Manager) load() {
	if m.loaded {
		return
	}
	m.loaded = true

	m.loadFS(builtinFS, "builtin")
	if home, err := os.UserHomeDir(); err == nil {
		m.loadDir(filepath.Join(home, ".kira", "rules"))
	}
	m.loadDir(filepath.Join(m.workingDir, ".kira", "rules"))
}

func (m *Manager) loadFS(fsys fs.FS, dir string) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Warn("failed to read ruleset", "file", entry.Name(), "error", err)
			continue
		}
		m.add(entry.Name(), data)
	}
}

func (m *Manager) loadDir(dir string) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("failed to read ruleset", "file", path, "error", err)
			continue
		}
		m.add(filepath.Base(path), data)
	}
}

// add parses one YAML file and registers it under its category,
// replacing any earlier ruleset with the same category. Bad files are
// logged and skipped.
func (m *Manager) add(filename string, data []byte) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		slog.Warn("failed to parse ruleset", "file", filename, "error", err)
		return
	}
	stem := strings.TrimSuffix(filename, ".yaml")
	if rs.Category == "" {
		rs.Category = stem
	}
	if rs.Name == "" {
		rs.Name = titleWords(stem)
	}
	if _, ok := m.sets[rs.Category]; !ok {
		m.order = append(m.order, rs.Category)
	}
	m.sets[rs.Category] = &rs
}

func titleWords(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Get returns the ruleset for a category, or nil.
func (m *Manager) Get(category string) *RuleSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	return m.sets[category]
}

// Categories lists loaded categories in load order.
func (m *Manager) Categories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	return append([]string(nil), m.order...)
}

// Matching returns every ruleset whose triggers appear in the task.
func (m *Manager) Matching(task string) []*RuleSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	var out []*RuleSet
	for _, cat := range m.order {
		if rs := m.sets[cat]; rs.Matches(task) {
			out = append(out, rs)
		}
	}
	return out
}

// Context formats the matching rulesets for prompt injection, capped at
// maxRulesets to keep prompts small. Returns "" when nothing matches.
func (m *Manager) Context(task string, maxRulesets int) string {
	matching := m.Matching(task)
	if len(matching) == 0 {
		return ""
	}
	if maxRulesets > 0 && len(matching) > maxRulesets {
		matching = matching[:maxRulesets]
	}

	parts := []string{"## Coding Rules & Guidelines\n"}
	for _, rs := range matching {
		parts = append(parts, rs.ToPrompt(10), "")
	}
	return strings.Join(parts, "\n")
}
