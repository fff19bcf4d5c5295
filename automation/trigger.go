package automation

import (
	"github.com/tgruben-circuit/kira/db"
)

// MaybeTrigger creates an agent_run task when a card lands in an
// auto-run column. It returns (nil, nil) when the column has no
// automation or the loop circuit breaker has tripped: once
// max_loop_count tasks exist for this (card, column) pair, no more are
// synthesized until the card leaves and re-enters via a human move.
func MaybeTrigger(tx *db.Tx, card *db.Card, column *db.Column, userID string) (*db.Task, error) {
	if !column.AutoRun || column.AgentType == "" {
		return nil, nil
	}

	loopCount, err := tx.CountTasksFor(card.ID, column.ID)
	if err != nil {
		return nil, err
	}
	maxLoops := column.MaxLoopCount
	if maxLoops <= 0 {
		maxLoops = 3
	}
	if loopCount >= maxLoops {
		return nil, nil
	}

	assignedTo := card.AssigneeID
	if assignedTo == "" {
		assignedTo = userID
	}
	return tx.CreateTask(db.Task{
		TaskType:        db.TaskAgentRun,
		BoardID:         card.BoardID,
		CardID:          card.ID,
		CreatedBy:       userID,
		AssignedTo:      assignedTo,
		AgentType:       column.AgentType,
		AgentSkill:      column.AgentSkill,
		AgentModel:      column.AgentModel,
		PromptText:      RenderPrompt(column.PromptTemplate, card, column, ""),
		SourceColumnID:  column.ID,
		TargetColumnID:  column.OnSuccessColumnID,
		FailureColumnID: column.OnFailureColumnID,
		LoopCount:       loopCount,
		MaxLoopCount:    maxLoops,
	})
}
