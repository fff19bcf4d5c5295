package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tgruben-circuit/kira/kiro"
	"github.com/tgruben-circuit/kira/worker"
)

// pipelineColumns is the standard board structure every plan gets. The
// AI controls cards only, never columns.
var pipelineColumns = []struct {
	name      string
	color     string
	agentType string
	autoRun   bool
}{
	{"Plan", "#6B7280", "", false},
	{"Architect", "#8B5CF6", "architect", true},
	{"Code", "#3B82F6", "coder", true},
	{"Review", "#F59E0B", "reviewer", true},
	{"Done", "#10B981", "", false},
}

// Planner executes board_plan and card_gen tasks. board_plan decomposes
// a request into pipeline columns plus task cards and wires automation
// routing between the columns; card_gen only generates cards into an
// existing column.
type Planner struct {
	Server   *worker.Client
	WorkerID func() string
	Timeout  time.Duration
	Log      *slog.Logger

	// NewStreamer overrides the kiro-cli backend; tests use it.
	NewStreamer func(task worker.Task, workDir string) kiro.Streamer
}

func (p *Planner) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Planner) streamer(task worker.Task, workDir string) kiro.Streamer {
	if p.NewStreamer != nil {
		return p.NewStreamer(task, workDir)
	}
	model := task.AgentModel
	if model == "" {
		model = "smart"
	}
	// Planning needs no tool access, just text out.
	return &kiro.CLI{Model: model, WorkDir: workDir, Timeout: p.Timeout}
}

// Execute routes on task type: card_gen generates cards only, anything
// else runs the full board plan.
func (p *Planner) Execute(ctx context.Context, task worker.Task, workDir string) error {
	if task.TaskType == "card_gen" {
		return p.executeCardGen(ctx, task, workDir)
	}
	return p.executeBoardPlan(ctx, task, workDir)
}

func (p *Planner) executeBoardPlan(ctx context.Context, task worker.Task, workDir string) error {
	workerID := p.WorkerID()

	if strings.TrimSpace(task.PromptText) == "" {
		return p.Server.FailTask(ctx, task.ID, workerID, "Task has no prompt_text", "")
	}

	progress(ctx, p.log(), p.Server, task.ID, workerID, "Analyzing your request...",
		&worker.ProgressDetail{Step: 1, TotalSteps: 5, Phase: "analyzing"})

	progress(ctx, p.log(), p.Server, task.ID, workerID, "AI is creating a project plan...",
		&worker.ProgressDetail{Step: 2, TotalSteps: 5, Phase: "thinking"})

	output, err := p.streamer(task, workDir).Stream(ctx, buildPlanPrompt(task.PromptText), nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log().Error("board plan failed", "task_id", task.ID, "error", err)
		return p.Server.FailTask(ctx, task.ID, workerID, err.Error(), output)
	}

	plan, err := parsePlan(output)
	if err != nil {
		p.log().Error("board plan failed", "task_id", task.ID, "error", err)
		return p.Server.FailTask(ctx, task.ID, workerID, err.Error(), output)
	}

	progress(ctx, p.log(), p.Server, task.ID, workerID, "Setting up board columns...",
		&worker.ProgressDetail{Step: 3, TotalSteps: 5, Phase: "structuring"})

	p.createBoardStructure(ctx, task.BoardID, task.ID, workerID, plan)

	return p.Server.CompleteTask(ctx, task.ID, workerID,
		fmt.Sprintf("Board plan created: %d task cards in Plan column", len(plan.Cards)), nil)
}

// createBoardStructure creates the pipeline columns, places the plan
// summary and task cards in the Plan column, and wires routing. Every
// step is log-and-continue so one bad column never sinks the plan.
func (p *Planner) createBoardStructure(ctx context.Context, boardID, taskID, workerID string, plan *boardPlan) {
	if plan.BoardName != "" || plan.BoardDescription != "" {
		if err := p.Server.UpdateBoard(ctx, boardID, plan.BoardName, plan.BoardDescription); err != nil {
			p.log().Warn("failed to update board name/description", "error", err)
		}
	}

	var created []*worker.Column
	var specs []int
	for i, spec := range pipelineColumns {
		autoRun := spec.autoRun
		col, err := p.Server.CreateColumn(ctx, boardID, worker.ColumnSpec{
			Name:      spec.name,
			Color:     spec.color,
			AgentType: spec.agentType,
			AutoRun:   &autoRun,
		})
		if err != nil {
			p.log().Warn("failed to create column", "name", spec.name, "error", err)
			continue
		}
		created = append(created, col)
		specs = append(specs, i)
	}

	planColID := ""
	if len(created) > 0 {
		planColID = created[0].ID
	}

	progress(ctx, p.log(), p.Server, taskID, workerID,
		fmt.Sprintf("Creating %d task cards...", len(plan.Cards)),
		&worker.ProgressDetail{Step: 4, TotalSteps: 5, Phase: "creating"})

	if plan.Plan != "" && planColID != "" {
		if _, err := p.Server.CreateCard(ctx, planColID, "Project Plan", plan.Plan, "critical", `["plan"]`); err != nil {
			p.log().Warn("failed to create plan summary card", "error", err)
		}
	}

	if planColID != "" {
		p.createCards(ctx, planColID, plan.Cards)
	}

	progress(ctx, p.log(), p.Server, taskID, workerID, "Wiring automation between columns...",
		&worker.ProgressDetail{Step: 5, TotalSteps: 5, Phase: "wiring"})

	for i, col := range created {
		spec := pipelineColumns[specs[i]]
		if !spec.autoRun || spec.agentType == "" {
			continue
		}
		successID := ""
		if i+1 < len(created) {
			successID = created[i+1].ID
		}
		if successID == "" && planColID == "" {
			continue
		}
		err := p.Server.UpdateColumn(ctx, col.ID, worker.ColumnSpec{
			OnSuccessColumnID: successID,
			OnFailureColumnID: planColID,
		})
		if err != nil {
			p.log().Warn("failed to set routing for column", "column_id", col.ID, "error", err)
		}
	}
}

func (p *Planner) executeCardGen(ctx context.Context, task worker.Task, workDir string) error {
	workerID := p.WorkerID()

	if strings.TrimSpace(task.PromptText) == "" {
		return p.Server.FailTask(ctx, task.ID, workerID, "Task has no prompt_text", "")
	}

	var payload struct {
		TargetColumnID string `json:"target_column_id"`
	}
	if err := decodePayload(task.PayloadJSON, &payload); err != nil {
		return p.Server.FailTask(ctx, task.ID, workerID, fmt.Sprintf("Invalid payload_json: %v", err), "")
	}

	progress(ctx, p.log(), p.Server, task.ID, workerID, "Analyzing your request...",
		&worker.ProgressDetail{Step: 1, TotalSteps: 3, Phase: "analyzing"})

	progress(ctx, p.log(), p.Server, task.ID, workerID, "AI is generating task cards...",
		&worker.ProgressDetail{Step: 2, TotalSteps: 3, Phase: "thinking"})

	output, err := p.streamer(task, workDir).Stream(ctx, buildCardGenPrompt(task.PromptText), nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log().Error("card generation failed", "task_id", task.ID, "error", err)
		return p.Server.FailTask(ctx, task.ID, workerID, err.Error(), output)
	}

	plan, err := parsePlan(output)
	if err != nil {
		p.log().Error("card generation failed", "task_id", task.ID, "error", err)
		return p.Server.FailTask(ctx, task.ID, workerID, err.Error(), output)
	}

	progress(ctx, p.log(), p.Server, task.ID, workerID,
		fmt.Sprintf("Creating %d cards...", len(plan.Cards)),
		&worker.ProgressDetail{Step: 3, TotalSteps: 3, Phase: "creating"})

	if payload.TargetColumnID != "" {
		p.createCards(ctx, payload.TargetColumnID, plan.Cards)
	}

	return p.Server.CompleteTask(ctx, task.ID, workerID,
		fmt.Sprintf("Generated %d cards", len(plan.Cards)), nil)
}

func (p *Planner) createCards(ctx context.Context, columnID string, cards []planCard) {
	for _, card := range cards {
		title := card.Title
		if title == "" {
			title = "Untitled"
		}
		priority := card.Priority
		if priority == "" {
			priority = "medium"
		}
		if _, err := p.Server.CreateCard(ctx, columnID, title, card.Description, priority, labelsJSON(card.Labels)); err != nil {
			p.log().Warn("failed to create card", "title", title, "error", err)
		}
	}
}

func buildPlanPrompt(prompt string) string {
	return `You are a project planning agent. Analyze the following request and create a detailed project plan.

## Request
` + prompt + `

## Instructions
Create a project plan with a high-level summary and individual task cards.
Output ONLY valid JSON with this exact structure:

` + "```json" + `
{
  "board_name": "Short descriptive board name",
  "board_description": "One-line description of the project",
  "plan": "A detailed high-level plan describing the overall approach, architecture decisions, key components, dependencies, and implementation strategy. This should be 2-5 paragraphs that give a clear picture of how the project will be built.",
  "cards": [
    {
      "title": "Short task title",
      "description": "Detailed description of what needs to be done including:\n- Acceptance criteria\n- Technical details\n- Dependencies on other cards",
      "priority": "high",
      "labels": ["backend", "auth"]
    }
  ]
}
` + "```" + `

## Rules
- The "plan" field should be a thorough high-level plan (2-5 paragraphs)
- Each card should be a single, well-defined unit of work
- Card descriptions must be detailed enough for an AI coding agent to implement without ambiguity
- Include acceptance criteria in every card description
- Use appropriate labels: "backend", "frontend", "database", "api", "auth", "testing", "infra", "docs"
- Set priority: "critical" for blockers, "high" for core features, "medium" for supporting work, "low" for polish
- Create 5-15 cards depending on project complexity
- Order cards by dependency: foundational work first, then features that build on it
- Cards will be placed in a Plan column and flow through: Plan, Architect, Code, Review, Done`
}

func buildCardGenPrompt(prompt string) string {
	return `You are a task planning agent. Analyze the following request and create task cards.

## Request
` + prompt + `

## Instructions
Create task cards for an existing project board.
Output ONLY valid JSON with this exact structure:

` + "```json" + `
{
  "cards": [
    {
      "title": "Short task title",
      "description": "Detailed description with acceptance criteria",
      "priority": "high",
      "labels": ["backend", "api"]
    }
  ]
}
` + "```" + `

## Rules
- Each card should be a single, well-defined unit of work
- Card descriptions must be detailed enough for an AI agent to implement
- Include acceptance criteria in every card description
- Use labels from: backend, frontend, database, api, auth, testing, infra, docs
- Priority: critical (blockers), high (core), medium (supporting), low (polish)
- Create 3-10 cards depending on complexity
- Order cards by dependency, foundational work first`
}
