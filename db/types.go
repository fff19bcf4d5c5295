package db

import (
	"encoding/json"
	"time"
)

// TaskType identifies what a worker must do to execute a task.
type TaskType string

const (
	TaskAgentRun            TaskType = "agent_run"
	TaskBoardPlan           TaskType = "board_plan"
	TaskCardGen             TaskType = "card_gen"
	TaskJiraImport          TaskType = "jira_import"
	TaskJiraPush            TaskType = "jira_push"
	TaskJiraSync            TaskType = "jira_sync"
	TaskGitLabCreateProject TaskType = "gitlab_create_project"
	TaskGitLabPush          TaskType = "gitlab_push"
)

// TaskStatus values form a DAG:
// pending -> claimed -> running -> {completed, failed, cancelled},
// with pending -> cancelled and claimed -> failed also allowed.
// Terminal states have no outgoing transitions.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusClaimed   TaskStatus = "claimed"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task status has no outgoing transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WorkerStatus tracks worker liveness as inferred from heartbeats.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerStale   WorkerStatus = "stale"
	WorkerOffline WorkerStatus = "offline"
)

// User is a board member and potential worker owner.
type User struct {
	ID       string
	Username string
}

// Board holds columns and cards plus a free-form settings bag.
type Board struct {
	ID           string
	Name         string
	Description  string
	OwnerID      string
	SettingsJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Settings parses the board's settings bag. An empty or invalid bag
// parses to the zero value; absence of settings means no automation.
func (b *Board) Settings() BoardSettings {
	var s BoardSettings
	if b.SettingsJSON != "" {
		_ = json.Unmarshal([]byte(b.SettingsJSON), &s)
	}
	return s
}

// BoardSettings is the known shape of a board's settings_json.
type BoardSettings struct {
	Workspace *WorkspaceSettings `json:"workspace,omitempty"`
	GitLab    *GitLabSettings    `json:"gitlab,omitempty"`
}

// WorkspaceSettings select the working directory for a board's tasks.
type WorkspaceSettings struct {
	LocalPath     string `json:"local_path,omitempty"`
	GitLabProject string `json:"gitlab_project,omitempty"`
}

// GitLabSettings drive the gitlab_push cascade chain.
type GitLabSettings struct {
	ProjectID      int64  `json:"project_id,omitempty"`
	ProjectPath    string `json:"project_path,omitempty"`
	DefaultBranch  string `json:"default_branch,omitempty"`
	AutoPush       bool   `json:"auto_push,omitempty"`
	PushOnComplete bool   `json:"push_on_complete,omitempty"`
	MRPrefix       string `json:"mr_prefix,omitempty"`
}

// Column is an ordered lane on a board. A column with AutoRun unset is
// terminal: cards arriving there trigger no automation.
type Column struct {
	ID                string
	BoardID           string
	Name              string
	Position          int
	Color             string
	AgentType         string
	AgentSkill        string
	AgentModel        string
	AutoRun           bool
	OnSuccessColumnID string
	OnFailureColumnID string
	MaxLoopCount      int
	PromptTemplate    string
}

// Card is a unit of work on a board. AgentStatus mirrors the latest
// task's state ("" when no task has touched the card).
type Card struct {
	ID          string
	ColumnID    string
	BoardID     string
	Title       string
	Description string
	Position    int
	AssigneeID  string
	Priority    string
	Labels      string // JSON array of strings
	AgentStatus string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task is a unit of distributed work executed by a worker.
type Task struct {
	ID              string
	TaskType        TaskType
	BoardID         string
	CardID          string
	CreatedBy       string
	AssignedTo      string
	ClaimedByWorker string
	AgentType       string
	AgentSkill      string
	AgentModel      string
	PromptText      string
	PayloadJSON     string
	Status          TaskStatus
	Priority        int
	SourceColumnID  string
	TargetColumnID  string
	FailureColumnID string
	LoopCount       int
	MaxLoopCount    int
	OutputText      string
	ErrorSummary    string
	ResultDataJSON  string
	OutputCommentID string
	CreatedAt       time.Time
	ClaimedAt       *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Worker is a registered worker process. Exactly one live worker exists
// per user; re-registration updates the existing row.
type Worker struct {
	ID            string
	UserID        string
	Hostname      string
	Version       string
	Capabilities  string // JSON array of task types the worker handles
	Capacity      int    // max concurrent tasks the worker accepts
	Status        WorkerStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Comment is an audit comment on a card; agent output is flagged.
type Comment struct {
	ID            string
	CardID        string
	UserID        string
	Content       string
	IsAgentOutput bool
	CreatedAt     time.Time
}

// Progress is a worker's progress report for a running task.
type Progress struct {
	Text       string
	Step       int
	TotalSteps int
	Phase      string
}
