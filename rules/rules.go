// Package rules loads advisory coding rulesets and remembers past
// failures. Both feed extra context into agent prompts; neither is
// ever enforced mechanically.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is a single guideline within a ruleset.
type Rule struct {
	Text     string `yaml:"text"`
	Priority int    `yaml:"priority"` // 1-10, higher first
	Category string `yaml:"category"`
}

// UnmarshalYAML accepts either a bare string or a mapping with text,
// priority, and category keys. Priority defaults to 5.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*r = Rule{Text: value.Value, Priority: 5}
		return nil
	}
	type plain Rule
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if p.Priority == 0 {
		p.Priority = 5
	}
	*r = Rule(p)
	return nil
}

// RuleSet is a named collection of rules activated by trigger keywords
// in the task description.
type RuleSet struct {
	Name         string            `yaml:"name"`
	Category     string            `yaml:"category"`
	Description  string            `yaml:"description"`
	Triggers     []string          `yaml:"triggers"`
	Rules        []Rule            `yaml:"rules"`
	AntiPatterns []string          `yaml:"anti_patterns"`
	Principles   []string          `yaml:"principles"`
	Examples     map[string]string `yaml:"examples"`
}

// Matches reports whether any trigger keyword appears in the task text.
func (rs *RuleSet) Matches(task string) bool {
	task = strings.ToLower(task)
	for _, trigger := range rs.Triggers {
		if strings.Contains(task, strings.ToLower(trigger)) {
			return true
		}
	}
	return false
}

// ToPrompt formats the ruleset for injection into an agent prompt,
// keeping at most maxRules rules ordered by priority.
func (rs *RuleSet) ToPrompt(maxRules int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s", rs.Name)

	if rs.Description != "" {
		b.WriteString("\n\n" + rs.Description + "\n")
	}

	if len(rs.Principles) > 0 {
		b.WriteString("\n\n### Guiding Principles")
		for _, p := range capped(rs.Principles, 5) {
			b.WriteString("\n- " + p)
		}
	}

	if len(rs.Rules) > 0 {
		b.WriteString("\n\n### Rules")
		sorted := make([]Rule, len(rs.Rules))
		copy(sorted, rs.Rules)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
		if maxRules > 0 && len(sorted) > maxRules {
			sorted = sorted[:maxRules]
		}
		for _, r := range sorted {
			b.WriteString("\n- " + r.Text)
		}
	}

	if len(rs.AntiPatterns) > 0 {
		b.WriteString("\n\n### Anti-patterns (avoid these)")
		for _, a := range capped(rs.AntiPatterns, 5) {
			b.WriteString("\n- " + a)
		}
	}

	return b.String()
}

func capped(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
