// Package automation runs kira's board automation: triggering agent
// tasks when cards enter auto-run columns, and cascading card moves and
// follow-on tasks when those tasks finish.
package automation

import (
	"strings"

	"github.com/tgruben-circuit/kira/db"
)

// DefaultPromptTemplate is used when a column has no prompt_template.
const DefaultPromptTemplate = `You are a {agent_type} agent working on a kanban card.

## Card: {card_title}

{card_description}

## Previous Agent Output
{last_agent_output}

## Instructions
Perform your role as {agent_type}. Be thorough and specific.
If you are reviewing, clearly state APPROVED or REJECTED with reasoning.`

// RenderPrompt substitutes card and column variables into a prompt
// template. Supported variables: {card_title}, {card_description},
// {card_labels}, {card_priority}, {column_name}, {agent_type},
// {last_agent_output}. Unknown placeholders pass through untouched.
func RenderPrompt(template string, card *db.Card, column *db.Column, lastAgentOutput string) string {
	if template == "" {
		template = DefaultPromptTemplate
	}
	priority := card.Priority
	if priority == "" {
		priority = "medium"
	}
	labels := card.Labels
	if labels == "" {
		labels = "[]"
	}
	r := strings.NewReplacer(
		"{card_title}", card.Title,
		"{card_description}", card.Description,
		"{card_labels}", labels,
		"{card_priority}", priority,
		"{column_name}", column.Name,
		"{agent_type}", column.AgentType,
		"{last_agent_output}", lastAgentOutput,
	)
	return r.Replace(template)
}
