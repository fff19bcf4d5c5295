package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tgruben-circuit/kira/db"
	"github.com/tgruben-circuit/kira/events"
)

// Heartbeat staleness thresholds. A worker that misses heartbeats is
// demoted to stale, then offline; going offline fails its tasks.
const (
	StaleAfter   = 90 * time.Second
	OfflineAfter = 300 * time.Second
)

const workerOfflineSummary = "Worker went offline"

// Notifier receives board events after the engine commits. Publishing
// happens outside the transaction so a slow bus never holds the write
// lock.
type Notifier interface {
	Publish(boardID string, typ events.Type, data any)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(string, events.Type, any) {}

// Engine ties the task store, the automation rules, and the event bus
// together. All mutations on tasks and card movement go through it.
type Engine struct {
	db     *db.DB
	notify Notifier
	log    *slog.Logger
}

func New(database *db.DB, notify Notifier, log *slog.Logger) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: database, notify: notify, log: log}
}

// NextAction describes what a completion or failure did to the card.
type NextAction struct {
	Type                string `json:"type"`
	CardID              string `json:"card_id"`
	ToColumnID          string `json:"to_column_id"`
	AutomationTriggered bool   `json:"automation_triggered"`
}

// Result is a terminal task transition plus its side effects.
type Result struct {
	Task *db.Task    `json:"task"`
	Next *NextAction `json:"next_action,omitempty"`
}

// CreateTask inserts a task and announces it.
func (e *Engine) CreateTask(ctx context.Context, t db.Task) (*db.Task, error) {
	var created *db.Task
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		created, err = tx.CreateTask(t)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.Publish(created.BoardID, events.TaskCreated, created)
	return created, nil
}

// CreateCard inserts a card and, when its column runs automation,
// triggers the column's agent in the same transaction. Returns the card
// and the triggered task, if any.
func (e *Engine) CreateCard(ctx context.Context, c db.Card, userID string) (*db.Card, *db.Task, error) {
	var (
		created   *db.Card
		triggered *db.Task
	)
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		created, err = tx.CreateCard(c)
		if err != nil {
			return err
		}
		column, err := tx.GetColumn(created.ColumnID)
		if err != nil {
			return err
		}
		if userID == "" {
			userID = created.CreatedBy
		}
		triggered, err = MaybeTrigger(tx, created, column, userID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	e.notify.Publish(created.BoardID, events.CardCreated, created)
	if triggered != nil {
		e.notify.Publish(triggered.BoardID, events.TaskCreated, triggered)
	}
	return created, triggered, nil
}

// MoveCard moves a card and, when it enters a new column with
// automation and the move is not flagged to skip it, triggers the
// column's agent. Returns the moved card and the triggered task, if any.
func (e *Engine) MoveCard(ctx context.Context, cardID, columnID string, position int, userID string, skipAutomation bool) (*db.Card, *db.Task, error) {
	var (
		moved     *db.Card
		triggered *db.Task
	)
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		before, err := tx.GetCard(cardID)
		if err != nil {
			return err
		}
		fromColumn := before.ColumnID
		moved, err = tx.MoveCardRow(cardID, columnID, position)
		if err != nil {
			return err
		}
		if fromColumn == columnID || skipAutomation {
			return nil
		}
		column, err := tx.GetColumn(columnID)
		if err != nil {
			return err
		}
		if userID == "" {
			userID = moved.CreatedBy
		}
		triggered, err = MaybeTrigger(tx, moved, column, userID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	e.notify.Publish(moved.BoardID, events.CardMoved, map[string]any{
		"card_id":   cardID,
		"to_column": columnID,
		"position":  position,
		"card":      moved,
	})
	if triggered != nil {
		e.notify.Publish(triggered.BoardID, events.TaskCreated, triggered)
	}
	return moved, triggered, nil
}

// Claim atomically claims a pending task for a worker.
func (e *Engine) Claim(ctx context.Context, taskID, workerID string) (*db.Task, error) {
	var task *db.Task
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		task, err = tx.ClaimTask(taskID, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.Publish(task.BoardID, events.TaskClaimed, task)
	return task, nil
}

// Progress records a progress report and announces it.
func (e *Engine) Progress(ctx context.Context, taskID string, p db.Progress) (*db.Task, error) {
	var task *db.Task
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		task, err = tx.UpdateProgress(taskID, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.Publish(task.BoardID, events.TaskProgress, map[string]any{
		"task_id":       taskID,
		"progress_text": p.Text,
		"step":          p.Step,
		"total_steps":   p.TotalSteps,
		"phase":         p.Phase,
		"task":          task,
	})
	return task, nil
}

// Complete finishes a task and runs the cascade: record the output as a
// card comment, move the card along its success (or, on reviewer
// rejection, failure) edge, trigger the next column's agent, and chain
// follow-on tasks. Everything commits in one transaction.
func (e *Engine) Complete(ctx context.Context, taskID, outputText, resultDataJSON string) (*Result, error) {
	var (
		res     Result
		created []*db.Task
	)
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		in := CascadeInput{Task: *task, Output: outputText}
		if task.BoardID != "" {
			board, err := tx.GetBoard(task.BoardID)
			if err != nil {
				return err
			}
			in.Settings = board.Settings()
		}
		if task.TargetColumnID != "" {
			target, err := tx.GetColumn(task.TargetColumnID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
			if err == nil {
				in.TargetTerminal = !target.AutoRun && target.AgentType == ""
			}
		}
		if task.CardID != "" {
			in.HasActivePush, err = tx.HasActivePush(task.CardID)
			if err != nil {
				return err
			}
		}
		if task.TaskType == db.TaskBoardPlan {
			columns, err := tx.ListColumns(task.BoardID)
			if err != nil {
				return err
			}
			in.PlanColumnID = planColumnID(columns)
		}
		plan := PlanCascade(in)

		task, err = tx.SetTaskTerminal(taskID, plan.TaskStatus, outputText, plan.ErrorSummary, resultDataJSON)
		if err != nil {
			return err
		}
		if outputText != "" && task.CardID != "" {
			comment, err := tx.InsertComment(task.CardID, task.CreatedBy, outputText, true)
			if err != nil {
				return err
			}
			if err := tx.SetTaskOutputComment(taskID, comment.ID); err != nil {
				return err
			}
		}
		if task.CardID != "" {
			if err := tx.SetCardAgentStatus(task.CardID, plan.MirrorStatus); err != nil {
				return err
			}
		}

		if plan.MoveToColumnID != "" && task.CardID != "" {
			// The routed column may have been deleted since the task was
			// created; the task still completes, only the move is skipped.
			column, err := tx.GetColumn(plan.MoveToColumnID)
			if errors.Is(err, db.ErrNotFound) {
				e.log.Warn("cascade move skipped, column is gone",
					"task_id", taskID, "column_id", plan.MoveToColumnID)
			} else if err != nil {
				return err
			} else {
				moved, err := tx.MoveCardRow(task.CardID, plan.MoveToColumnID, 0)
				if err != nil {
					return err
				}
				res.Next = &NextAction{
					Type:                "card_moved",
					CardID:              task.CardID,
					ToColumnID:          plan.MoveToColumnID,
					AutomationTriggered: plan.TriggerAutomation,
				}
				if plan.TriggerAutomation {
					next, err := MaybeTrigger(tx, moved, column, task.CreatedBy)
					if err != nil {
						return err
					}
					if next != nil {
						created = append(created, next)
					}
				}
			}
		}

		if plan.Push != nil {
			payload, err := json.Marshal(plan.Push)
			if err != nil {
				return err
			}
			push, err := tx.CreateTask(db.Task{
				TaskType:    db.TaskGitLabPush,
				BoardID:     task.BoardID,
				CardID:      task.CardID,
				CreatedBy:   task.CreatedBy,
				PayloadJSON: string(payload),
			})
			if err != nil {
				return err
			}
			created = append(created, push)
		}
		if plan.CardGen != nil {
			payload, err := json.Marshal(map[string]string{
				"target_column_id": plan.CardGen.TargetColumnID,
			})
			if err != nil {
				return err
			}
			gen, err := tx.CreateTask(db.Task{
				TaskType:    db.TaskCardGen,
				BoardID:     task.BoardID,
				CreatedBy:   task.CreatedBy,
				AgentType:   "architect",
				AgentModel:  "smart",
				PromptText:  plan.CardGen.Prompt,
				PayloadJSON: string(payload),
			})
			if err != nil {
				return err
			}
			created = append(created, gen)
		}

		res.Task, err = tx.GetTask(taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	typ := events.TaskCompleted
	if res.Task.Status == db.StatusFailed {
		typ = events.TaskFailed
	}
	e.notify.Publish(res.Task.BoardID, typ, res)
	if res.Next != nil {
		e.notify.Publish(res.Task.BoardID, events.CardMoved, res.Next)
	}
	for _, t := range created {
		e.notify.Publish(t.BoardID, events.TaskCreated, t)
	}
	return &res, nil
}

// Fail marks a task failed and moves its card along the failure edge
// without triggering automation, so a broken agent cannot loop.
func (e *Engine) Fail(ctx context.Context, taskID, errorSummary, outputText string) (*Result, error) {
	var res Result
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		task, err := tx.SetTaskTerminal(taskID, db.StatusFailed, outputText, errorSummary, "")
		if err != nil {
			return err
		}
		if outputText != "" && task.CardID != "" {
			comment, err := tx.InsertComment(task.CardID, task.CreatedBy, outputText, true)
			if err != nil {
				return err
			}
			if err := tx.SetTaskOutputComment(taskID, comment.ID); err != nil {
				return err
			}
		}
		if task.CardID != "" {
			if err := tx.SetCardAgentStatus(task.CardID, string(db.StatusFailed)); err != nil {
				return err
			}
			if task.FailureColumnID != "" {
				if _, err := tx.GetColumn(task.FailureColumnID); errors.Is(err, db.ErrNotFound) {
					e.log.Warn("failure move skipped, column is gone",
						"task_id", taskID, "column_id", task.FailureColumnID)
				} else if err != nil {
					return err
				} else {
					if _, err := tx.MoveCardRow(task.CardID, task.FailureColumnID, 0); err != nil {
						return err
					}
					res.Next = &NextAction{
						Type:       "card_moved",
						CardID:     task.CardID,
						ToColumnID: task.FailureColumnID,
					}
				}
			}
		}
		res.Task, err = tx.GetTask(taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.Publish(res.Task.BoardID, events.TaskFailed, res)
	if res.Next != nil {
		e.notify.Publish(res.Task.BoardID, events.CardMoved, res.Next)
	}
	return &res, nil
}

// Cancel cancels a non-terminal task.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*db.Task, error) {
	var task *db.Task
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		task, err = tx.CancelTask(taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.Publish(task.BoardID, events.TaskCancelled, task)
	return task, nil
}

// RegisterWorker registers (or re-registers) the user's worker and
// announces it on every board the user belongs to.
func (e *Engine) RegisterWorker(ctx context.Context, userID, hostname, version, capabilitiesJSON string, capacity int) (*db.Worker, error) {
	var (
		worker *db.Worker
		boards []string
	)
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		worker, err = tx.RegisterWorker(userID, hostname, version, capabilitiesJSON, capacity)
		if err != nil {
			return err
		}
		boards, err = tx.BoardsForUser(userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, boardID := range boards {
		e.notify.Publish(boardID, events.WorkerOnline, map[string]string{
			"worker_id": worker.ID,
			"user_id":   userID,
		})
	}
	return worker, nil
}

// Heartbeat refreshes a worker's liveness and returns the ids among the
// worker's running tasks that have been cancelled server-side.
func (e *Engine) Heartbeat(ctx context.Context, workerID, userID string, runningTaskIDs []string) ([]string, error) {
	var cancelIDs []string
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		worker, err := tx.GetWorker(workerID)
		if err != nil {
			return err
		}
		if worker.UserID != userID {
			return fmt.Errorf("worker %s: %w", workerID, db.ErrNotFound)
		}
		if err := tx.Heartbeat(workerID); err != nil {
			return err
		}
		cancelIDs, err = tx.CancelledAmong(runningTaskIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cancelIDs, nil
}

// SweepWorkers demotes silent workers to stale and then offline, and
// fails the tasks an offline worker was holding so their cards do not
// stay stuck in running. Runs periodically in the server.
func (e *Engine) SweepWorkers(ctx context.Context) error {
	type failedTask struct {
		boardID string
		task    *db.Task
	}
	var (
		offline []db.Worker
		failed  []failedTask
		boards  = map[string][]string{} // worker id -> board ids
	)
	err := e.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		if _, err := tx.MarkStaleWorkers(tx.Now.Add(-StaleAfter)); err != nil {
			return err
		}
		var err error
		offline, err = tx.MarkOfflineWorkers(tx.Now.Add(-OfflineAfter))
		if err != nil {
			return err
		}
		for _, w := range offline {
			boards[w.ID], err = tx.BoardsForUser(w.UserID)
			if err != nil {
				return err
			}
			tasks, err := tx.TasksClaimedBy(w.ID)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				done, err := tx.SetTaskTerminal(t.ID, db.StatusFailed, "", workerOfflineSummary, "")
				if err != nil {
					return err
				}
				if done.CardID != "" {
					if err := tx.SetCardAgentStatus(done.CardID, string(db.StatusFailed)); err != nil {
						return err
					}
				}
				failed = append(failed, failedTask{boardID: done.BoardID, task: done})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, w := range offline {
		e.log.Info("worker went offline", "worker_id", w.ID, "user_id", w.UserID)
		for _, boardID := range boards[w.ID] {
			e.notify.Publish(boardID, events.WorkerOffline, map[string]string{
				"worker_id": w.ID,
				"user_id":   w.UserID,
			})
		}
	}
	for _, f := range failed {
		e.notify.Publish(f.boardID, events.TaskFailed, Result{Task: f.task})
	}
	return nil
}
