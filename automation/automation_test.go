package automation

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/diff"
	"github.com/tgruben-circuit/kira/db"
	"github.com/tgruben-circuit/kira/events"
)

// captureNotifier records published events for assertions.
type captureNotifier struct {
	mu     sync.Mutex
	events []events.Type
}

func (c *captureNotifier) Publish(boardID string, typ events.Type, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, typ)
}

func (c *captureNotifier) has(typ events.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.events {
		if t == typ {
			return true
		}
	}
	return false
}

func setupEngine(t *testing.T) (*Engine, *db.DB, *captureNotifier) {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.New(db.Config{DSN: tmpDir + "/test.db"})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	notify := &captureNotifier{}
	return New(database, notify, nil), database, notify
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// workflow builds a board with Backlog -> Code (coder) -> Review
// (reviewer) -> Done, with Review failing back to Code, and one card
// in Backlog.
type workflow struct {
	user    *db.User
	board   *db.Board
	backlog *db.Column
	code    *db.Column
	review  *db.Column
	done    *db.Column
	card    *db.Card
}

func setupWorkflow(t *testing.T, database *db.DB) *workflow {
	t.Helper()
	ctx := testCtx(t)
	w := &workflow{}
	err := database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		if w.user, err = tx.CreateUser("alice"); err != nil {
			return err
		}
		if w.board, err = tx.CreateBoard("Sprint", "", w.user.ID); err != nil {
			return err
		}
		if w.backlog, err = tx.CreateColumn(db.Column{BoardID: w.board.ID, Name: "Backlog"}); err != nil {
			return err
		}
		if w.code, err = tx.CreateColumn(db.Column{
			BoardID: w.board.ID, Name: "Code", AgentType: "coder", AutoRun: true,
		}); err != nil {
			return err
		}
		if w.review, err = tx.CreateColumn(db.Column{
			BoardID: w.board.ID, Name: "Review", AgentType: "reviewer", AutoRun: true,
		}); err != nil {
			return err
		}
		if w.done, err = tx.CreateColumn(db.Column{BoardID: w.board.ID, Name: "Done"}); err != nil {
			return err
		}
		if err = tx.UpdateColumnRouting(w.code.ID, w.review.ID, ""); err != nil {
			return err
		}
		if err = tx.UpdateColumnRouting(w.review.ID, w.done.ID, w.code.ID); err != nil {
			return err
		}
		w.card, err = tx.CreateCard(db.Card{
			ColumnID: w.backlog.ID, Title: "Build feature", CreatedBy: w.user.ID,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to set up workflow: %v", err)
	}
	// Routing changed after creation; reload the columns.
	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		if w.code, err = rx.GetColumn(w.code.ID); err != nil {
			return err
		}
		w.review, err = rx.GetColumn(w.review.ID)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to reload columns: %v", err)
	}
	return w
}

func TestRenderPromptDefaultTemplate(t *testing.T) {
	card := &db.Card{Title: "Fix login", Description: "Session expires too early", Priority: "high"}
	column := &db.Column{Name: "Code", AgentType: "coder"}

	got := RenderPrompt("", card, column, "")
	for _, want := range []string{
		"You are a coder agent",
		"## Card: Fix login",
		"Session expires too early",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Rendered prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "{card_title}") {
		t.Errorf("Placeholder left unsubstituted:\n%s", got)
	}
}

func TestRenderPromptGolden(t *testing.T) {
	card := &db.Card{Title: "Fix login", Description: "Session expires too early"}
	column := &db.Column{Name: "Code", AgentType: "coder"}

	got := RenderPrompt("", card, column, "(none)")
	want := `You are a coder agent working on a kanban card.

## Card: Fix login

Session expires too early

## Previous Agent Output
(none)

## Instructions
Perform your role as coder. Be thorough and specific.
If you are reviewing, clearly state APPROVED or REJECTED with reasoning.`
	if got != want {
		var buf bytes.Buffer
		diff.Text("got", "want", got, want, &buf)
		t.Errorf("Rendered prompt differs:\n%s", buf.String())
	}
}

func TestRenderPromptCustomTemplate(t *testing.T) {
	card := &db.Card{Title: "T", Labels: `["a"]`}
	column := &db.Column{Name: "Review", AgentType: "reviewer"}
	got := RenderPrompt("{column_name}/{agent_type}: {card_title} {card_labels} {unknown}", card, column, "")
	want := `Review/reviewer: T ["a"] {unknown}`
	if got != want {
		t.Errorf("RenderPrompt = %q, want %q", got, want)
	}
}

func TestReviewerRejected(t *testing.T) {
	tests := []struct {
		name      string
		agentType string
		output    string
		want      bool
	}{
		{"rejection verdict", "reviewer", "REJECTED: tests are missing", true},
		{"lowercase verdict", "reviewer", "rejected, needs work", true},
		{"leading whitespace", "reviewer", "  REJECTED", true},
		{"mention mid-text", "reviewer", "The previous run was REJECTED but this is fine. APPROVED.", false},
		{"approval", "reviewer", "APPROVED: looks good", false},
		{"non-reviewer", "coder", "REJECTED", false},
		{"empty output", "reviewer", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReviewerRejected(tt.agentType, tt.output); got != tt.want {
				t.Errorf("ReviewerRejected(%q, %q) = %v, want %v", tt.agentType, tt.output, got, tt.want)
			}
		})
	}
}

func TestPlanCascade(t *testing.T) {
	base := db.Task{
		TaskType:        db.TaskAgentRun,
		CardID:          "c1",
		AgentType:       "coder",
		TargetColumnID:  "col-next",
		FailureColumnID: "col-fail",
	}
	gitlab := db.BoardSettings{}
	gitlab.GitLab.ProjectID = 42
	gitlab.GitLab.AutoPush = true

	t.Run("success path", func(t *testing.T) {
		c := PlanCascade(CascadeInput{Task: base, Output: "done"})
		if c.Rejected || c.TaskStatus != db.StatusCompleted {
			t.Errorf("Plan = %+v, want completed", c)
		}
		if c.MoveToColumnID != "col-next" || !c.TriggerAutomation {
			t.Errorf("Move = %q/%v, want col-next with automation", c.MoveToColumnID, c.TriggerAutomation)
		}
	})

	t.Run("reviewer rejection", func(t *testing.T) {
		task := base
		task.AgentType = "reviewer"
		c := PlanCascade(CascadeInput{Task: task, Output: "REJECTED: broken"})
		if !c.Rejected || c.TaskStatus != db.StatusFailed {
			t.Errorf("Plan = %+v, want rejected failure", c)
		}
		if c.MoveToColumnID != "col-fail" || c.TriggerAutomation {
			t.Errorf("Move = %q/%v, want col-fail without automation", c.MoveToColumnID, c.TriggerAutomation)
		}
		if c.Push != nil || c.CardGen != nil {
			t.Error("Rejection must not chain follow-on tasks")
		}
	})

	t.Run("auto push after coder", func(t *testing.T) {
		c := PlanCascade(CascadeInput{Task: base, Output: "done", Settings: gitlab})
		if c.Push == nil {
			t.Fatal("Expected a gitlab_push to be planned")
		}
		if c.Push.ProjectID != 42 || !c.Push.CreateMR {
			t.Errorf("Push = %+v", c.Push)
		}
		if c.Push.DefaultBranch != "main" || c.Push.MRPrefix != "kira/" {
			t.Errorf("Push defaults = %q/%q, want main and kira/", c.Push.DefaultBranch, c.Push.MRPrefix)
		}
	})

	t.Run("push already in flight", func(t *testing.T) {
		c := PlanCascade(CascadeInput{Task: base, Output: "done", Settings: gitlab, HasActivePush: true})
		if c.Push != nil {
			t.Error("Must not stack a second push on one in flight")
		}
	})

	t.Run("push on complete only for terminal column", func(t *testing.T) {
		settings := db.BoardSettings{}
		settings.GitLab.ProjectID = 42
		settings.GitLab.PushOnComplete = true
		task := base
		task.AgentType = "reviewer"

		c := PlanCascade(CascadeInput{Task: task, Output: "APPROVED", Settings: settings, TargetTerminal: true})
		if c.Push == nil {
			t.Error("Expected push when card reaches a terminal column")
		}
		c = PlanCascade(CascadeInput{Task: task, Output: "APPROVED", Settings: settings, TargetTerminal: false})
		if c.Push != nil {
			t.Error("Must not push when the target column still has automation")
		}
	})

	t.Run("board plan chains card generation", func(t *testing.T) {
		task := db.Task{
			TaskType:    db.TaskBoardPlan,
			PromptText:  "build a todo app",
			PayloadJSON: `{"auto_generate_cards": true}`,
		}
		c := PlanCascade(CascadeInput{Task: task, Output: "plan text", PlanColumnID: "col-plan"})
		if c.CardGen == nil {
			t.Fatal("Expected a card_gen to be planned")
		}
		if c.CardGen.TargetColumnID != "col-plan" || c.CardGen.Prompt != "build a todo app" {
			t.Errorf("CardGen = %+v", c.CardGen)
		}

		task.PayloadJSON = `{}`
		if c := PlanCascade(CascadeInput{Task: task, PlanColumnID: "col-plan"}); c.CardGen != nil {
			t.Error("card_gen planned without auto_generate_cards")
		}
	})
}

func TestPlanColumnID(t *testing.T) {
	cols := []db.Column{{ID: "a", Name: "Doing"}, {ID: "b", Name: "Backlog"}}
	if got := planColumnID(cols); got != "b" {
		t.Errorf("planColumnID = %q, want b (Backlog preferred)", got)
	}
	if got := planColumnID(cols[:1]); got != "a" {
		t.Errorf("planColumnID = %q, want first column fallback", got)
	}
	if got := planColumnID(nil); got != "" {
		t.Errorf("planColumnID(nil) = %q, want empty", got)
	}
}

func TestMoveCardTriggersAutomation(t *testing.T) {
	engine, database, notify := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	moved, task, err := engine.MoveCard(ctx, w.card.ID, w.code.ID, 0, w.user.ID, false)
	if err != nil {
		t.Fatalf("MoveCard failed: %v", err)
	}
	if moved.ColumnID != w.code.ID {
		t.Errorf("Card column = %s, want %s", moved.ColumnID, w.code.ID)
	}
	if task == nil {
		t.Fatal("Expected an agent_run task to be triggered")
	}
	if task.AgentType != "coder" || task.TargetColumnID != w.review.ID {
		t.Errorf("Triggered task = %+v, want coder targeting Review", task)
	}
	if task.AssignedTo != w.user.ID {
		t.Errorf("AssignedTo = %q, want mover %q", task.AssignedTo, w.user.ID)
	}
	if !strings.Contains(task.PromptText, "Build feature") {
		t.Errorf("Prompt missing card title:\n%s", task.PromptText)
	}
	if !notify.has(events.CardMoved) || !notify.has(events.TaskCreated) {
		t.Errorf("Events published = %v, want card_moved and task_created", notify.events)
	}
}

func TestMoveCardSkipAutomation(t *testing.T) {
	engine, database, _ := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	_, task, err := engine.MoveCard(ctx, w.card.ID, w.code.ID, 0, w.user.ID, true)
	if err != nil {
		t.Fatalf("MoveCard failed: %v", err)
	}
	if task != nil {
		t.Errorf("Skip-automation move still triggered task %+v", task)
	}
}

func TestTriggerCircuitBreaker(t *testing.T) {
	_, database, _ := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	err := database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		card, err := tx.GetCard(w.card.ID)
		if err != nil {
			return err
		}
		for i := 0; i < w.code.MaxLoopCount; i++ {
			task, err := MaybeTrigger(tx, card, w.code, w.user.ID)
			if err != nil {
				return err
			}
			if task == nil {
				t.Fatalf("Trigger %d returned nil before the breaker limit", i+1)
			}
			if task.LoopCount != i {
				t.Errorf("Trigger %d loop_count = %d, want %d", i+1, task.LoopCount, i)
			}
		}
		// The breaker trips on the next attempt.
		task, err := MaybeTrigger(tx, card, w.code, w.user.ID)
		if err != nil {
			return err
		}
		if task != nil {
			t.Errorf("Breaker did not trip; got task %+v", task)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Trigger loop failed: %v", err)
	}
}

func TestCompleteCascade(t *testing.T) {
	engine, database, notify := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	_, task, err := engine.MoveCard(ctx, w.card.ID, w.code.ID, 0, w.user.ID, false)
	if err != nil || task == nil {
		t.Fatalf("MoveCard: task=%v err=%v", task, err)
	}
	if _, err := engine.Claim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	res, err := engine.Complete(ctx, task.ID, "implemented the feature", "")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Task.Status != db.StatusCompleted {
		t.Errorf("Task status = %q, want completed", res.Task.Status)
	}
	if res.Next == nil || res.Next.ToColumnID != w.review.ID || !res.Next.AutomationTriggered {
		t.Errorf("Next = %+v, want card_moved to Review with automation", res.Next)
	}
	if res.Task.OutputCommentID == "" {
		t.Error("Output should be recorded as a card comment")
	}

	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		card, err := rx.GetCard(w.card.ID)
		if err != nil {
			return err
		}
		if card.ColumnID != w.review.ID {
			t.Errorf("Card column = %s, want Review %s", card.ColumnID, w.review.ID)
		}
		tasks, err := rx.ListTasksForCard(w.card.ID)
		if err != nil {
			return err
		}
		if len(tasks) != 2 {
			t.Fatalf("Card has %d tasks, want 2 (coder + triggered reviewer)", len(tasks))
		}
		var reviewer *db.Task
		for i := range tasks {
			if tasks[i].AgentType == "reviewer" {
				reviewer = &tasks[i]
			}
		}
		if reviewer == nil || reviewer.Status != db.StatusPending {
			t.Errorf("Reviewer task = %+v, want pending", reviewer)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !notify.has(events.TaskCompleted) {
		t.Errorf("Events = %v, want task_completed", notify.events)
	}
}

func TestCompleteSkipsMoveToDeletedColumn(t *testing.T) {
	engine, database, _ := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	_, task, err := engine.MoveCard(ctx, w.card.ID, w.code.ID, 0, w.user.ID, false)
	if err != nil || task == nil {
		t.Fatalf("MoveCard: task=%v err=%v", task, err)
	}
	if _, err := engine.Claim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// The success edge disappears between claim and completion.
	err = database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		_, err := tx.Exec(`DELETE FROM columns WHERE id = ?`, w.review.ID)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to delete column: %v", err)
	}

	res, err := engine.Complete(ctx, task.ID, "implemented the feature", "")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Task.Status != db.StatusCompleted {
		t.Errorf("Task status = %q, want completed", res.Task.Status)
	}
	if res.Next != nil {
		t.Errorf("Next = %+v, want no move when the target column is gone", res.Next)
	}

	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		card, err := rx.GetCard(w.card.ID)
		if err != nil {
			return err
		}
		if card.ColumnID != w.code.ID {
			t.Errorf("Card column = %s, want unchanged Code %s", card.ColumnID, w.code.ID)
		}
		if card.AgentStatus != "completed" {
			t.Errorf("Card agent_status = %q, want completed", card.AgentStatus)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestFailSkipsMoveToDeletedColumn(t *testing.T) {
	engine, database, _ := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	_, task, err := engine.MoveCard(ctx, w.card.ID, w.review.ID, 0, w.user.ID, false)
	if err != nil || task == nil {
		t.Fatalf("MoveCard: task=%v err=%v", task, err)
	}
	if _, err := engine.Claim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	err = database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		_, err := tx.Exec(`DELETE FROM columns WHERE id = ?`, w.code.ID)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to delete column: %v", err)
	}

	res, err := engine.Fail(ctx, task.ID, "model crashed", "")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if res.Task.Status != db.StatusFailed {
		t.Errorf("Task status = %q, want failed", res.Task.Status)
	}
	if res.Next != nil {
		t.Errorf("Next = %+v, want no move when the failure column is gone", res.Next)
	}

	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		card, err := rx.GetCard(w.card.ID)
		if err != nil {
			return err
		}
		if card.ColumnID != w.review.ID {
			t.Errorf("Card column = %s, want unchanged Review %s", card.ColumnID, w.review.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestCompleteReviewerRejection(t *testing.T) {
	engine, database, notify := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	_, _, err := engine.MoveCard(ctx, w.card.ID, w.review.ID, 0, w.user.ID, false)
	if err != nil {
		t.Fatalf("MoveCard failed: %v", err)
	}
	var task *db.Task
	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		tasks, err := rx.ListTasksForCard(w.card.ID)
		if err != nil {
			return err
		}
		task = &tasks[0]
		return nil
	})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	res, err := engine.Complete(ctx, task.ID, "REJECTED: no tests", "")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Task.Status != db.StatusFailed {
		t.Errorf("Rejected task status = %q, want failed", res.Task.Status)
	}
	if res.Task.ErrorSummary != "Reviewer rejected" {
		t.Errorf("ErrorSummary = %q, want Reviewer rejected", res.Task.ErrorSummary)
	}
	if res.Next == nil || res.Next.ToColumnID != w.code.ID || res.Next.AutomationTriggered {
		t.Errorf("Next = %+v, want move to Code without automation", res.Next)
	}

	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		card, err := rx.GetCard(w.card.ID)
		if err != nil {
			return err
		}
		if card.ColumnID != w.code.ID {
			t.Errorf("Card column = %s, want Code (failure edge)", card.ColumnID)
		}
		if card.AgentStatus != "failed" {
			t.Errorf("Card agent_status = %q, want failed", card.AgentStatus)
		}
		// Rejection must not have triggered the Code column's agent.
		tasks, err := rx.ListTasksForCard(w.card.ID)
		if err != nil {
			return err
		}
		if len(tasks) != 1 {
			t.Errorf("Card has %d tasks after rejection, want 1", len(tasks))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !notify.has(events.TaskFailed) {
		t.Errorf("Events = %v, want task_failed", notify.events)
	}
}

func TestCompleteChainsSinglePush(t *testing.T) {
	engine, database, _ := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	// auto_push and push_on_complete both on: still exactly one push.
	settings := `{"gitlab": {"project_id": 42, "project_path": "grp/proj", "auto_push": true, "push_on_complete": true}}`
	err := database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		return tx.UpdateBoard(w.board.ID, "", "", settings)
	})
	if err != nil {
		t.Fatalf("UpdateBoard failed: %v", err)
	}

	task, err := engine.CreateTask(ctx, db.Task{
		TaskType:       db.TaskAgentRun,
		BoardID:        w.board.ID,
		CardID:         w.card.ID,
		CreatedBy:      w.user.ID,
		AgentType:      "coder",
		SourceColumnID: w.code.ID,
		TargetColumnID: w.done.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := engine.Claim(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := engine.Complete(ctx, task.ID, "coded", ""); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		tasks, err := rx.ListTasksForCard(w.card.ID)
		if err != nil {
			return err
		}
		pushes := 0
		for _, tk := range tasks {
			if tk.TaskType == db.TaskGitLabPush {
				pushes++
				if !strings.Contains(tk.PayloadJSON, `"project_id":42`) {
					t.Errorf("Push payload = %s", tk.PayloadJSON)
				}
			}
		}
		if pushes != 1 {
			t.Errorf("Created %d gitlab_push tasks, want exactly 1", pushes)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestFailMovesWithoutAutomation(t *testing.T) {
	engine, database, _ := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	task, err := engine.CreateTask(ctx, db.Task{
		TaskType:        db.TaskAgentRun,
		BoardID:         w.board.ID,
		CardID:          w.card.ID,
		CreatedBy:       w.user.ID,
		AgentType:       "coder",
		SourceColumnID:  w.review.ID,
		FailureColumnID: w.code.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	res, err := engine.Fail(ctx, task.ID, "kiro exited 1", "partial output")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if res.Task.Status != db.StatusFailed || res.Task.ErrorSummary != "kiro exited 1" {
		t.Errorf("Failed task = %+v", res.Task)
	}
	if res.Next == nil || res.Next.ToColumnID != w.code.ID {
		t.Errorf("Next = %+v, want move to failure column", res.Next)
	}

	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		tasks, err := rx.ListTasksForCard(w.card.ID)
		if err != nil {
			return err
		}
		// Failure edge arrival must not trigger, despite Code being auto-run.
		if len(tasks) != 1 {
			t.Errorf("Card has %d tasks after failure, want 1", len(tasks))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestSweepWorkersFailsOfflineTasks(t *testing.T) {
	engine, database, notify := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	worker, err := engine.RegisterWorker(ctx, w.user.ID, "host", "1.0.0", `["agent"]`, 3)
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	task, err := engine.CreateTask(ctx, db.Task{
		TaskType:       db.TaskAgentRun,
		BoardID:        w.board.ID,
		CardID:         w.card.ID,
		CreatedBy:      w.user.ID,
		SourceColumnID: w.code.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := engine.Claim(ctx, task.ID, worker.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Backdate the heartbeat past the offline threshold.
	err = database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		old := time.Now().Add(-OfflineAfter - time.Minute).UnixNano()
		_, err := tx.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, old, worker.ID)
		return err
	})
	if err != nil {
		t.Fatalf("Backdate failed: %v", err)
	}

	if err := engine.SweepWorkers(ctx); err != nil {
		t.Fatalf("SweepWorkers failed: %v", err)
	}

	err = database.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		got, err := rx.GetWorker(worker.ID)
		if err != nil {
			return err
		}
		if got.Status != db.WorkerOffline {
			t.Errorf("Worker status = %q, want offline", got.Status)
		}
		tk, err := rx.GetTask(task.ID)
		if err != nil {
			return err
		}
		if tk.Status != db.StatusFailed || tk.ErrorSummary != "Worker went offline" {
			t.Errorf("Task = %q/%q, want failed/Worker went offline", tk.Status, tk.ErrorSummary)
		}
		card, err := rx.GetCard(w.card.ID)
		if err != nil {
			return err
		}
		if card.AgentStatus != "failed" {
			t.Errorf("Card agent_status = %q, want failed", card.AgentStatus)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !notify.has(events.WorkerOffline) || !notify.has(events.TaskFailed) {
		t.Errorf("Events = %v, want worker_offline and task_failed", notify.events)
	}
}

func TestHeartbeatReportsCancellations(t *testing.T) {
	engine, database, _ := setupEngine(t)
	w := setupWorkflow(t, database)
	ctx := testCtx(t)

	worker, err := engine.RegisterWorker(ctx, w.user.ID, "host", "1.0.0", `["agent"]`, 3)
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	task, err := engine.CreateTask(ctx, db.Task{
		TaskType:       db.TaskAgentRun,
		BoardID:        w.board.ID,
		CardID:         w.card.ID,
		CreatedBy:      w.user.ID,
		SourceColumnID: w.code.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := engine.Claim(ctx, task.ID, worker.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := engine.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	cancelIDs, err := engine.Heartbeat(ctx, worker.ID, w.user.ID, []string{task.ID, "t-unknown"})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if len(cancelIDs) != 1 || cancelIDs[0] != task.ID {
		t.Errorf("Cancel ids = %v, want [%s]", cancelIDs, task.ID)
	}

	// A heartbeat from the wrong user does not match the worker.
	if _, err := engine.Heartbeat(ctx, worker.ID, "someone-else", nil); err == nil {
		t.Error("Heartbeat with wrong user should fail")
	}
}
