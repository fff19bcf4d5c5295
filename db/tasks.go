package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tgruben-circuit/kira/ids"
)

const taskCols = `id, task_type, board_id, card_id, created_by, assigned_to, claimed_by_worker,
	agent_type, agent_skill, agent_model, prompt_text, payload_json, status, priority,
	source_column_id, target_column_id, failure_column_id, loop_count, max_loop_count,
	output_text, error_summary, result_data_json, output_comment_id,
	created_at, claimed_at, started_at, completed_at`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var created int64
	var claimed, started, completed sql.NullInt64
	err := scan(&t.ID, &t.TaskType, &t.BoardID, &t.CardID, &t.CreatedBy, &t.AssignedTo,
		&t.ClaimedByWorker, &t.AgentType, &t.AgentSkill, &t.AgentModel, &t.PromptText,
		&t.PayloadJSON, &t.Status, &t.Priority, &t.SourceColumnID, &t.TargetColumnID,
		&t.FailureColumnID, &t.LoopCount, &t.MaxLoopCount, &t.OutputText, &t.ErrorSummary,
		&t.ResultDataJSON, &t.OutputCommentID, &created, &claimed, &started, &completed)
	if err != nil {
		return nil, notFound(err)
	}
	t.CreatedAt = fromNanos(created)
	t.ClaimedAt = nullTime(claimed)
	t.StartedAt = nullTime(started)
	t.CompletedAt = nullTime(completed)
	return &t, nil
}

// CreateTask inserts a pending task. If the task is card-linked, the
// card's agent_status mirror is set to pending in the same transaction.
func (tx *Tx) CreateTask(t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.AgentModel == "" {
		t.AgentModel = "smart"
	}
	if t.PayloadJSON == "" {
		t.PayloadJSON = "{}"
	}
	if t.ResultDataJSON == "" {
		t.ResultDataJSON = "{}"
	}
	if t.MaxLoopCount == 0 {
		t.MaxLoopCount = 3
	}
	t.Status = StatusPending
	t.CreatedAt = tx.Now
	_, err := tx.Exec(
		`INSERT INTO tasks (id, task_type, board_id, card_id, created_by, assigned_to,
		 agent_type, agent_skill, agent_model, prompt_text, payload_json, status, priority,
		 source_column_id, target_column_id, failure_column_id, loop_count, max_loop_count,
		 created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskType, t.BoardID, t.CardID, t.CreatedBy, t.AssignedTo,
		t.AgentType, t.AgentSkill, t.AgentModel, t.PromptText, t.PayloadJSON, t.Status,
		t.Priority, t.SourceColumnID, t.TargetColumnID, t.FailureColumnID,
		t.LoopCount, t.MaxLoopCount, nanos(t.CreatedAt))
	if err != nil {
		return nil, err
	}
	if t.CardID != "" {
		if err := tx.SetCardAgentStatus(t.CardID, string(StatusPending)); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (rx *Rx) GetTask(taskID string) (*Task, error) {
	return scanTask(rx.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, taskID).Scan)
}

// PollTasks returns up to limit pending tasks visible to the user:
// tasks assigned to the user, or unassigned tasks on boards the user is
// a member of. Ordered by priority DESC, created_at ASC.
func (rx *Rx) PollTasks(userID string, limit int) ([]Task, error) {
	rows, err := rx.Query(
		`SELECT `+taskCols+` FROM tasks
		 WHERE status = 'pending'
		   AND (assigned_to = ?
		        OR (assigned_to = '' AND board_id IN
		            (SELECT board_id FROM board_members WHERE user_id = ?)))
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`,
		userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask is the claim CAS: it atomically transitions pending ->
// claimed, storing the worker id. ErrAlreadyClaimed if the row is not
// pending: with two workers racing, exactly one UPDATE matches.
func (tx *Tx) ClaimTask(taskID, workerID string) (*Task, error) {
	res, err := tx.Exec(
		`UPDATE tasks SET status = 'claimed', claimed_by_worker = ?, claimed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		workerID, nanos(tx.Now), taskID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrAlreadyClaimed
	}
	return tx.GetTask(taskID)
}

// UpdateProgress transitions claimed -> running on the first report,
// recording started_at. Later reports leave status untouched. The card
// mirror follows to running.
func (tx *Tx) UpdateProgress(taskID string, p Progress) (*Task, error) {
	task, err := tx.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("progress on %s task %s: %w", task.Status, taskID, ErrBadTransition)
	}
	if task.Status == StatusPending || task.Status == StatusClaimed {
		if _, err := tx.Exec(
			`UPDATE tasks SET status = 'running', started_at = ? WHERE id = ?`,
			nanos(tx.Now), taskID); err != nil {
			return nil, err
		}
	}
	if task.CardID != "" {
		if err := tx.SetCardAgentStatus(task.CardID, string(StatusRunning)); err != nil {
			return nil, err
		}
	}
	return tx.GetTask(taskID)
}

// SetTaskTerminal records a terminal transition, rejecting transitions
// out of an already-terminal state, and stamps completed_at. The
// caller (the automation cascade) owns the card mirror and routing.
func (tx *Tx) SetTaskTerminal(taskID string, status TaskStatus, outputText, errorSummary, resultDataJSON string) (*Task, error) {
	task, err := tx.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%s -> %s for task %s: %w", task.Status, status, taskID, ErrBadTransition)
	}
	if resultDataJSON == "" {
		resultDataJSON = "{}"
	}
	_, err = tx.Exec(
		`UPDATE tasks SET status = ?, output_text = ?, error_summary = ?,
		 result_data_json = ?, completed_at = ? WHERE id = ?`,
		status, outputText, errorSummary, resultDataJSON, nanos(tx.Now), taskID)
	if err != nil {
		return nil, err
	}
	return tx.GetTask(taskID)
}

// SetTaskOutputComment links the audit comment created for a task's output.
func (tx *Tx) SetTaskOutputComment(taskID, commentID string) error {
	_, err := tx.Exec(`UPDATE tasks SET output_comment_id = ? WHERE id = ?`, commentID, taskID)
	return err
}

// CancelTask transitions a non-terminal task to cancelled and clears
// the card mirror. ErrBadTransition from terminal states.
func (tx *Tx) CancelTask(taskID string) (*Task, error) {
	task, err := tx.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("cancel %s task %s: %w", task.Status, taskID, ErrBadTransition)
	}
	if _, err := tx.Exec(
		`UPDATE tasks SET status = 'cancelled', completed_at = ? WHERE id = ?`,
		nanos(tx.Now), taskID); err != nil {
		return nil, err
	}
	if task.CardID != "" {
		if err := tx.SetCardAgentStatus(task.CardID, ""); err != nil {
			return nil, err
		}
	}
	return tx.GetTask(taskID)
}

// CountTasksFor counts tasks synthesized for (card, source column).
// The automation circuit breaker compares this against max_loop_count.
func (rx *Rx) CountTasksFor(cardID, sourceColumnID string) (int, error) {
	var n int
	err := rx.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE card_id = ? AND source_column_id = ?`,
		cardID, sourceColumnID).Scan(&n)
	return n, err
}

// HasActivePush reports whether a gitlab_push task is already pending,
// claimed, or running for the card. Used to deduplicate cascade pushes.
func (rx *Rx) HasActivePush(cardID string) (bool, error) {
	var n int
	err := rx.QueryRow(
		`SELECT COUNT(*) FROM tasks
		 WHERE card_id = ? AND task_type = 'gitlab_push'
		   AND status IN ('pending', 'claimed', 'running')`,
		cardID).Scan(&n)
	return n > 0, err
}

// CancelledAmong filters the given task ids down to those whose status
// is cancelled. Heartbeats use it to build cancel directives.
func (rx *Rx) CancelledAmong(taskIDs []string) ([]string, error) {
	var cancelled []string
	for _, id := range taskIDs {
		var status TaskStatus
		err := rx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status == StatusCancelled {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

// TasksClaimedBy returns the non-terminal tasks a worker holds.
func (rx *Rx) TasksClaimedBy(workerID string) ([]Task, error) {
	rows, err := rx.Query(
		`SELECT `+taskCols+` FROM tasks
		 WHERE claimed_by_worker = ? AND status IN ('claimed', 'running')`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListTasksForCard returns a card's tasks, newest first.
func (rx *Rx) ListTasksForCard(cardID string) ([]Task, error) {
	rows, err := rx.Query(
		`SELECT `+taskCols+` FROM tasks WHERE card_id = ? ORDER BY created_at DESC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
