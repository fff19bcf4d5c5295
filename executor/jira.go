package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tgruben-circuit/kira/jira"
	"github.com/tgruben-circuit/kira/worker"
)

// jiraPriorities maps Jira priority names onto card priority levels.
var jiraPriorities = map[string]string{
	"Highest": "critical",
	"High":    "high",
	"Medium":  "medium",
	"Low":     "low",
	"Lowest":  "low",
}

// Jira executes jira_import, jira_push, and jira_sync tasks using
// credentials loaded on the worker's machine, so Jira passwords never
// transit the server.
type Jira struct {
	Server   *worker.Client
	WorkerID func() string
	Log      *slog.Logger

	// LoadConfig overrides credential loading; tests point it at a
	// fake server. Defaults to jira.LoadConfig.
	LoadConfig func() (jira.Config, error)
}

func (j *Jira) log() *slog.Logger {
	if j.Log != nil {
		return j.Log
	}
	return slog.Default()
}

func (j *Jira) client() (*jira.Client, error) {
	load := j.LoadConfig
	if load == nil {
		load = jira.LoadConfig
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	return jira.NewClient(cfg)
}

// Execute routes on task type and reports the outcome to the server.
func (j *Jira) Execute(ctx context.Context, task worker.Task, workDir string) error {
	workerID := j.WorkerID()

	var payload jiraPayload
	if err := decodePayload(task.PayloadJSON, &payload); err != nil {
		return j.Server.FailTask(ctx, task.ID, workerID, fmt.Sprintf("Invalid payload_json: %v", err), "")
	}

	switch task.TaskType {
	case "jira_import":
		return j.importIssues(ctx, task, workerID, payload)
	case "jira_push":
		return j.push(ctx, task, workerID, payload)
	case "jira_sync":
		return j.sync(ctx, task, workerID)
	default:
		return j.Server.FailTask(ctx, task.ID, workerID,
			fmt.Sprintf("Unknown Jira task type: %s", task.TaskType), "")
	}
}

type jiraPayload struct {
	JQL             string   `json:"jql"`
	ColumnID        string   `json:"column_id"`
	CardTitle       string   `json:"card_title"`
	CardDescription string   `json:"card_description"`
	Project         string   `json:"project"`
	IssueType       string   `json:"issue_type"`
	Labels          []string `json:"labels"`
}

// importIssues runs a JQL search and creates a card per issue in the
// target column. Issues that fail to land are skipped, not fatal.
func (j *Jira) importIssues(ctx context.Context, task worker.Task, workerID string, payload jiraPayload) error {
	if payload.JQL == "" {
		return j.Server.FailTask(ctx, task.ID, workerID, "Missing 'jql' in payload", "")
	}
	if payload.ColumnID == "" {
		return j.Server.FailTask(ctx, task.ID, workerID, "Missing 'column_id' in payload", "")
	}

	progress(ctx, j.log(), j.Server, task.ID, workerID, "Loading Jira credentials...", nil)

	client, err := j.client()
	if err != nil {
		return j.Server.FailTask(ctx, task.ID, workerID, err.Error(), "")
	}

	progress(ctx, j.log(), j.Server, task.ID, workerID, "Searching Jira: "+payload.JQL, nil)

	issues, err := client.SearchIssues(payload.JQL, 100)
	if err != nil {
		return j.Server.FailTask(ctx, task.ID, workerID, fmt.Sprintf("Jira search failed: %v", err), "")
	}

	imported, skipped := 0, 0
	for _, issue := range issues {
		labels := "[]"
		if len(issue.Labels) > 0 {
			data, _ := json.Marshal(issue.Labels)
			labels = string(data)
		}
		priority := jiraPriorities[issue.Priority]
		if priority == "" {
			priority = "medium"
		}

		_, err := j.Server.CreateCard(ctx, payload.ColumnID,
			fmt.Sprintf("[%s] %s", issue.Key, issue.Summary), issue.Description, priority, labels)
		if err != nil {
			j.log().Warn("failed to create card for issue", "issue", issue.Key, "error", err)
			skipped++
		} else {
			imported++
		}

		if (imported+skipped)%5 == 0 {
			progress(ctx, j.log(), j.Server, task.ID, workerID,
				fmt.Sprintf("Imported %d/%d issues...", imported, len(issues)), nil)
		}
	}

	result := fmt.Sprintf("Imported %d issues from Jira", imported)
	if skipped > 0 {
		result += fmt.Sprintf(" (%d skipped due to errors)", skipped)
	}
	j.log().Info("jira import finished", "task_id", task.ID, "imported", imported, "skipped", skipped)

	return j.Server.CompleteTask(ctx, task.ID, workerID, result,
		map[string]int{"imported": imported, "skipped": skipped})
}

// push creates a Jira issue from a card.
func (j *Jira) push(ctx context.Context, task worker.Task, workerID string, payload jiraPayload) error {
	if payload.CardTitle == "" {
		return j.Server.FailTask(ctx, task.ID, workerID, "Missing 'card_title' in payload", "")
	}

	progress(ctx, j.log(), j.Server, task.ID, workerID, "Pushing to Jira...", nil)

	client, err := j.client()
	if err != nil {
		return j.Server.FailTask(ctx, task.ID, workerID, err.Error(), "")
	}

	issue, err := client.CreateIssue(jira.CreateIssueRequest{
		Summary:     payload.CardTitle,
		Description: payload.CardDescription,
		Project:     payload.Project,
		IssueType:   payload.IssueType,
		Labels:      payload.Labels,
	})
	if err != nil {
		return j.Server.FailTask(ctx, task.ID, workerID, fmt.Sprintf("Jira push failed: %v", err), "")
	}

	result := "Created Jira issue: " + issue.Key
	if issue.BrowseURL != "" {
		result += "\n" + issue.BrowseURL
	}
	j.log().Info("jira push finished", "task_id", task.ID, "issue", issue.Key)

	return j.Server.CompleteTask(ctx, task.ID, workerID, result,
		map[string]string{"issue_key": issue.Key, "browse_url": issue.BrowseURL})
}

// sync refreshes board state from Jira. Status mapping is still open,
// so for now it reports an empty sync.
func (j *Jira) sync(ctx context.Context, task worker.Task, workerID string) error {
	progress(ctx, j.log(), j.Server, task.ID, workerID, "Jira sync started...", nil)
	return j.Server.CompleteTask(ctx, task.ID, workerID,
		"Jira sync is not yet fully implemented", map[string]int{"synced": 0})
}
