package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tgruben-circuit/kira/kiro"
	"github.com/tgruben-circuit/kira/rules"
	"github.com/tgruben-circuit/kira/worker"
)

// progressInterval throttles progress reports so a chatty model run
// does not flood the server.
const progressInterval = 20

// Agent executes agent_run tasks by streaming the task prompt through
// kiro-cli and reporting the output. Coding rules and past failure
// warnings, when configured, are appended to the prompt as guidance.
type Agent struct {
	Server   *worker.Client
	WorkerID func() string
	Timeout  time.Duration
	Rules    *rules.Manager
	Failures *rules.Failures
	Log      *slog.Logger

	// NewStreamer overrides the kiro-cli backend; tests use it.
	NewStreamer func(task worker.Task, workDir string) kiro.Streamer
}

func (a *Agent) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Agent) streamer(task worker.Task, workDir string) kiro.Streamer {
	if a.NewStreamer != nil {
		return a.NewStreamer(task, workDir)
	}
	model := task.AgentModel
	if model == "" {
		model = "smart"
	}
	return &kiro.CLI{
		Agent:         task.AgentSkill,
		Model:         model,
		TrustAllTools: true,
		WorkDir:       workDir,
		Timeout:       a.Timeout,
	}
}

// Execute runs the agent and reports completion or failure. The task
// outcome is always reported here; a non-nil return means even the
// failure report could not be delivered.
func (a *Agent) Execute(ctx context.Context, task worker.Task, workDir string) error {
	workerID := a.WorkerID()
	agentType := task.AgentType
	if agentType == "" {
		agentType = "general"
	}

	if strings.TrimSpace(task.PromptText) == "" {
		return a.Server.FailTask(ctx, task.ID, workerID, "Task has no prompt_text", "")
	}

	progress(ctx, a.log(), a.Server, task.ID, workerID, fmt.Sprintf("Starting %s agent...", agentType), nil)

	chunks := 0
	output, err := a.streamer(task, workDir).Stream(ctx, a.buildPrompt(ctx, task), func(chunk string) {
		chunks++
		if chunks%progressInterval == 0 {
			progress(ctx, a.log(), a.Server, task.ID, workerID,
				fmt.Sprintf("Running %s... (%d chunks)", agentType, chunks), nil)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is the runner's story to tell.
			return ctx.Err()
		}
		a.log().Error("agent task failed", "task_id", task.ID, "agent", agentType, "error", err)
		a.recordFailure(task, err, output)
		return a.Server.FailTask(ctx, task.ID, workerID, err.Error(), output)
	}

	a.log().Info("agent task completed", "task_id", task.ID, "agent", agentType, "output_length", len(output))
	return a.Server.CompleteTask(ctx, task.ID, workerID, output, nil)
}

// buildPrompt appends matching rule and known-pitfall context to the
// task prompt. Both sources are best-effort.
func (a *Agent) buildPrompt(ctx context.Context, task worker.Task) string {
	sections := []string{task.PromptText}
	if a.Rules != nil {
		if s := a.Rules.Context(task.PromptText, 3); s != "" {
			sections = append(sections, s)
		}
	}
	if a.Failures != nil {
		s, err := a.Failures.ContextString(ctx, task.PromptText, nil, 3)
		if err != nil {
			a.log().Debug("failure context unavailable", "error", err)
		} else if s != "" {
			sections = append(sections, s)
		}
	}
	return strings.Join(sections, "\n\n")
}

// recordFailure stores the failure in the local pattern store so later
// runs of similar tasks get a warning. Uses a fresh context because the
// task's may already be dead.
func (a *Agent) recordFailure(task worker.Task, err error, output string) {
	if a.Failures == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errType := rules.DetectErrorType(output + "\n" + err.Error())
	if rerr := a.Failures.Record(ctx, errType, err.Error(), output, "", task.PromptText, nil); rerr != nil {
		a.log().Warn("failed to record failure pattern", "task_id", task.ID, "error", rerr)
	}
}
