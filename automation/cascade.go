package automation

import (
	"encoding/json"
	"strings"

	"github.com/tgruben-circuit/kira/db"
)

// RejectionPrefix marks a reviewer verdict as a rejection. The check is
// a case-insensitive prefix match on the task output, so prose that
// merely mentions the word does not flip the verdict.
const RejectionPrefix = "REJECTED"

// reviewerRejectedSummary is the error_summary recorded on rejected tasks.
const reviewerRejectedSummary = "Reviewer rejected"

// ReviewerRejected reports whether a completed task output is a
// reviewer rejection.
func ReviewerRejected(agentType, output string) bool {
	if agentType != "reviewer" {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(output)), RejectionPrefix)
}

// PushSpec is a planned gitlab_push follow-on task.
type PushSpec struct {
	ProjectID     int64  `json:"project_id"`
	ProjectPath   string `json:"project_path"`
	DefaultBranch string `json:"default_branch"`
	MRPrefix      string `json:"mr_prefix"`
	CreateMR      bool   `json:"create_mr"`
}

// CardGenSpec is a planned card_gen follow-on task after a board plan.
type CardGenSpec struct {
	TargetColumnID string
	Prompt         string
}

// CascadeInput is everything PlanCascade needs, read by the caller
// inside the completing transaction.
type CascadeInput struct {
	Task     db.Task
	Output   string
	Settings db.BoardSettings
	// TargetTerminal is true when the column the card will move to has
	// no automation (the card is done moving on its own).
	TargetTerminal bool
	// HasActivePush is true when a gitlab_push for this card is
	// already pending, claimed, or running.
	HasActivePush bool
	// PlanColumnID is where generated cards should land: the board's
	// "Plan" or "Backlog" column, else its first column.
	PlanColumnID string
}

// Cascade is the set of mutations a task completion implies. PlanCascade
// computes it; the engine applies it.
type Cascade struct {
	Rejected     bool
	TaskStatus   db.TaskStatus // completed, or failed on rejection
	ErrorSummary string
	MirrorStatus string // card agent_status

	MoveToColumnID    string
	TriggerAutomation bool

	Push    *PushSpec
	CardGen *CardGenSpec
}

// PlanCascade decides what a completing task causes: where the card
// moves, whether arrival triggers the next agent, and which follow-on
// tasks to synthesize. It is a pure function of its input.
func PlanCascade(in CascadeInput) Cascade {
	c := Cascade{}
	c.Rejected = ReviewerRejected(in.Task.AgentType, in.Output)
	if c.Rejected {
		c.TaskStatus = db.StatusFailed
		c.ErrorSummary = reviewerRejectedSummary
		c.MirrorStatus = string(db.StatusFailed)
		c.MoveToColumnID = in.Task.FailureColumnID
		c.TriggerAutomation = false
		return c
	}
	c.TaskStatus = db.StatusCompleted
	c.MirrorStatus = string(db.StatusCompleted)
	c.MoveToColumnID = in.Task.TargetColumnID
	c.TriggerAutomation = true

	// Follow-on gitlab_push: after a coder task with auto_push, or when
	// the card lands in a terminal column with push_on_complete. At most
	// one per completion, and never stacked on a push already in flight.
	gl := in.Settings.GitLab
	if gl.ProjectID != 0 && in.Task.CardID != "" && !in.HasActivePush {
		viaAutoPush := gl.AutoPush && in.Task.AgentType == "coder"
		viaComplete := gl.PushOnComplete && c.MoveToColumnID != "" && in.TargetTerminal
		if viaAutoPush || viaComplete {
			branch := gl.DefaultBranch
			if branch == "" {
				branch = "main"
			}
			prefix := gl.MRPrefix
			if prefix == "" {
				prefix = "kira/"
			}
			c.Push = &PushSpec{
				ProjectID:     gl.ProjectID,
				ProjectPath:   gl.ProjectPath,
				DefaultBranch: branch,
				MRPrefix:      prefix,
				CreateMR:      true,
			}
		}
	}

	// A board plan that asked for cards chains a card_gen task.
	if in.Task.TaskType == db.TaskBoardPlan && in.PlanColumnID != "" {
		var payload struct {
			AutoGenerateCards bool `json:"auto_generate_cards"`
		}
		_ = json.Unmarshal([]byte(in.Task.PayloadJSON), &payload)
		if payload.AutoGenerateCards {
			c.CardGen = &CardGenSpec{
				TargetColumnID: in.PlanColumnID,
				Prompt:         in.Task.PromptText,
			}
		}
	}
	return c
}

// planColumnID picks the column generated cards should land in:
// "Plan" or "Backlog" by name, else the first column.
func planColumnID(columns []db.Column) string {
	if len(columns) == 0 {
		return ""
	}
	for _, c := range columns {
		switch strings.ToLower(c.Name) {
		case "plan", "backlog":
			return c.ID
		}
	}
	return columns[0].ID
}
