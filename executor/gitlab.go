package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/tgruben-circuit/kira/gitlab"
	"github.com/tgruben-circuit/kira/slug"
	"github.com/tgruben-circuit/kira/worker"
)

// GitLab executes gitlab_create_project and gitlab_push tasks using
// credentials loaded on the worker's machine.
type GitLab struct {
	Server   *worker.Client
	WorkerID func() string
	Log      *slog.Logger

	// LoadConfig overrides credential loading; defaults to
	// gitlab.LoadConfig.
	LoadConfig func() (gitlab.Config, error)

	// Git runs a git command in dir and returns its combined output.
	// Tests stub it.
	Git func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

func (g *GitLab) log() *slog.Logger {
	if g.Log != nil {
		return g.Log
	}
	return slog.Default()
}

func (g *GitLab) loadConfig() (gitlab.Config, error) {
	if g.LoadConfig != nil {
		return g.LoadConfig()
	}
	return gitlab.LoadConfig()
}

func (g *GitLab) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if g.Git != nil {
		return g.Git(ctx, dir, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Execute routes on task type and reports the outcome to the server.
func (g *GitLab) Execute(ctx context.Context, task worker.Task, workDir string) error {
	workerID := g.WorkerID()

	var payload gitlabPayload
	if err := decodePayload(task.PayloadJSON, &payload); err != nil {
		return g.Server.FailTask(ctx, task.ID, workerID, fmt.Sprintf("Invalid payload_json: %v", err), "")
	}

	switch task.TaskType {
	case "gitlab_create_project":
		return g.createProject(ctx, task, workerID, payload)
	case "gitlab_push":
		return g.push(ctx, task, workerID, payload, workDir)
	default:
		return g.Server.FailTask(ctx, task.ID, workerID,
			fmt.Sprintf("Unknown GitLab task type: %s", task.TaskType), "")
	}
}

type gitlabPayload struct {
	Name          string `json:"name"`
	NamespaceID   int64  `json:"namespace_id"`
	Description   string `json:"description"`
	ProjectID     int64  `json:"project_id"`
	ProjectPath   string `json:"project_path"`
	DefaultBranch string `json:"default_branch"`
	MRPrefix      string `json:"mr_prefix"`
	CardTitle     string `json:"card_title"`
	BranchName    string `json:"branch_name"`
	CommitMessage string `json:"commit_message"`
	CreateMR      *bool  `json:"create_mr"`
	MRTitle       string `json:"mr_title"`
}

func (g *GitLab) createProject(ctx context.Context, task worker.Task, workerID string, payload gitlabPayload) error {
	if payload.Name == "" {
		return g.Server.FailTask(ctx, task.ID, workerID, "Missing 'name' in payload", "")
	}

	progress(ctx, g.log(), g.Server, task.ID, workerID, "Loading GitLab credentials...", nil)

	cfg, err := g.loadConfig()
	if err != nil || !cfg.Configured() {
		return g.Server.FailTask(ctx, task.ID, workerID,
			"GitLab not configured. Set GITLAB_SERVER and GITLAB_TOKEN.", "")
	}
	client, err := gitlab.NewClient(cfg)
	if err != nil {
		return g.Server.FailTask(ctx, task.ID, workerID, err.Error(), "")
	}

	progress(ctx, g.log(), g.Server, task.ID, workerID, "Creating project: "+payload.Name, nil)

	project, err := client.CreateProject(payload.Name, payload.NamespaceID, payload.Description)
	if err != nil {
		return g.Server.FailTask(ctx, task.ID, workerID,
			fmt.Sprintf("GitLab project creation failed: %v", err), "")
	}

	path := project.PathWithNamespace
	if path == "" {
		path = payload.Name
	}
	result := "Created GitLab project: " + path
	if project.WebURL != "" {
		result += "\n" + project.WebURL
	}
	defaultBranch := project.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	g.log().Info("gitlab project created", "task_id", task.ID, "project", path)

	return g.Server.CompleteTask(ctx, task.ID, workerID, result, map[string]any{
		"project_id":          project.ID,
		"path_with_namespace": project.PathWithNamespace,
		"web_url":             project.WebURL,
		"default_branch":      defaultBranch,
	})
}

// push commits the working directory to a new branch, pushes it, and
// optionally opens a merge request. A failed MR after a successful push
// is a partial success, not a failure.
func (g *GitLab) push(ctx context.Context, task worker.Task, workerID string, payload gitlabPayload, workDir string) error {
	if payload.ProjectID == 0 {
		return g.Server.FailTask(ctx, task.ID, workerID, "Missing 'project_id' in payload", "")
	}

	progress(ctx, g.log(), g.Server, task.ID, workerID, "Loading GitLab credentials...", nil)

	cfg, err := g.loadConfig()
	if err != nil || !cfg.Configured() {
		return g.Server.FailTask(ctx, task.ID, workerID,
			"GitLab not configured. Set GITLAB_SERVER and GITLAB_TOKEN.", "")
	}

	cardTitle := payload.CardTitle
	if cardTitle == "" {
		cardTitle = "changes"
	}
	cardID := task.CardID
	if cardID == "" {
		cardID = "unknown"
	}
	short := cardID
	if len(short) > 8 {
		short = short[:8]
	}
	prefix := payload.MRPrefix
	if prefix == "" {
		prefix = "kira/"
	}
	branch := payload.BranchName
	if branch == "" {
		branch = prefix + short + "-" + slug.Sanitize(cardTitle)
	}
	defaultBranch := payload.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	commitMessage := payload.CommitMessage
	if commitMessage == "" {
		commitMessage = "feat: " + cardTitle
	}
	mrTitle := payload.MRTitle
	if mrTitle == "" {
		mrTitle = cardTitle
	}
	createMR := payload.CreateMR == nil || *payload.CreateMR

	progress(ctx, g.log(), g.Server, task.ID, workerID, "Creating branch: "+branch, nil)

	steps := [][]string{
		{"checkout", "-b", branch},
		{"add", "-A"},
		{"commit", "-m", commitMessage},
	}
	for _, args := range steps {
		if out, err := g.git(ctx, workDir, args...); err != nil {
			return g.Server.FailTask(ctx, task.ID, workerID,
				fmt.Sprintf("Git operation failed: %s", gitErrorText(out, err)), "")
		}
	}

	progress(ctx, g.log(), g.Server, task.ID, workerID, "Pushing to GitLab...", nil)

	if out, err := g.git(ctx, workDir, "push", "-u", "origin", branch); err != nil {
		return g.Server.FailTask(ctx, task.ID, workerID,
			fmt.Sprintf("Git operation failed: %s", gitErrorText(out, err)), "")
	}

	result := fmt.Sprintf("Pushed branch `%s` to GitLab", branch)
	resultData := map[string]any{"branch_name": branch}

	if createMR {
		progress(ctx, g.log(), g.Server, task.ID, workerID, "Creating merge request...", nil)

		client, err := gitlab.NewClient(cfg)
		if err == nil {
			var mr *gitlab.MergeRequest
			mr, err = client.CreateMergeRequest(payload.ProjectID, branch, defaultBranch, mrTitle,
				"Changes from Kira card "+cardID)
			if err == nil {
				result += "\nMerge request: " + mr.WebURL
				resultData["mr_url"] = mr.WebURL
				resultData["mr_iid"] = mr.IID
			}
		}
		if err != nil {
			result += fmt.Sprintf("\nMerge request creation failed: %v", err)
			resultData["mr_error"] = err.Error()
		}
	}

	g.log().Info("gitlab push finished", "task_id", task.ID, "branch", branch)

	return g.Server.CompleteTask(ctx, task.ID, workerID, result, resultData)
}

func gitErrorText(out []byte, err error) string {
	if len(out) > 0 {
		return string(out)
	}
	return err.Error()
}
