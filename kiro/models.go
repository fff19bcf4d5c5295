package kiro

import "strings"

// Model describes a selectable model and its cost tier.
type Model struct {
	Name             string  `json:"name"`
	DisplayName      string  `json:"display_name"`
	Tier             string  `json:"tier"` // fast, smart, best
	Description      string  `json:"description"`
	CreditMultiplier float64 `json:"credit_multiplier"`
}

// Models is the set offered to boards and workers. kiro-cli has no
// models subcommand yet, so the list is static.
var Models = []Model{
	{Name: "Auto", DisplayName: "Auto", Tier: "smart", Description: "Models chosen by task for optimal usage", CreditMultiplier: 1.0},
	{Name: "claude-haiku-4.5", DisplayName: "Claude Haiku 4.5", Tier: "fast", Description: "The latest Claude Haiku model", CreditMultiplier: 0.4},
	{Name: "claude-sonnet-4", DisplayName: "Claude Sonnet 4", Tier: "smart", Description: "Hybrid reasoning and coding for regular use", CreditMultiplier: 1.3},
	{Name: "claude-sonnet-4.5", DisplayName: "Claude Sonnet 4.5", Tier: "smart", Description: "The latest Claude Sonnet model", CreditMultiplier: 1.3},
	{Name: "claude-opus-4.5", DisplayName: "Claude Opus 4.5", Tier: "best", Description: "The latest Claude Opus model", CreditMultiplier: 2.2},
}

// aliases maps tier shorthands to the latest model in that tier.
var aliases = map[string]string{
	"fast":    "claude-haiku-4.5",
	"quick":   "claude-haiku-4.5",
	"haiku":   "claude-haiku-4.5",
	"smart":   "claude-sonnet-4.5",
	"default": "claude-sonnet-4.5",
	"sonnet":  "claude-sonnet-4.5",
	"best":    "claude-opus-4.5",
	"opus":    "claude-opus-4.5",
	"auto":    "Auto",
}

// ResolveModel maps an alias like "smart" or "best" to a concrete model
// name. Names that are not aliases pass through unchanged, and an empty
// name stays empty so the backend default applies.
func ResolveModel(name string) string {
	if name == "" {
		return ""
	}
	if resolved, ok := aliases[strings.ToLower(name)]; ok {
		return resolved
	}
	return name
}
