package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tgruben-circuit/kira/db"
)

// ErrConflict is returned when a claim loses the race to another
// worker. It is expected traffic, not a fault.
var ErrConflict = errors.New("task already claimed")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Task is the wire form of a task as served to workers.
type Task struct {
	ID              string `json:"id"`
	TaskType        string `json:"task_type"`
	BoardID         string `json:"board_id"`
	CardID          string `json:"card_id"`
	AgentType       string `json:"agent_type"`
	AgentSkill      string `json:"agent_skill"`
	AgentModel      string `json:"agent_model"`
	PromptText      string `json:"prompt_text"`
	PayloadJSON     string `json:"payload_json"`
	Status          string `json:"status"`
	Priority        int    `json:"priority"`
	SourceColumnID  string `json:"source_column_id"`
	TargetColumnID  string `json:"target_column_id"`
	FailureColumnID string `json:"failure_column_id"`
}

// Card is the wire form of a card.
type Card struct {
	ID       string `json:"id"`
	ColumnID string `json:"column_id"`
	BoardID  string `json:"board_id"`
	Title    string `json:"title"`
	Priority string `json:"priority"`
}

// Column is the wire form of a column.
type Column struct {
	ID      string `json:"id"`
	BoardID string `json:"board_id"`
	Name    string `json:"name"`
}

// ColumnSpec is the request body for creating or updating a column.
type ColumnSpec struct {
	Name              string `json:"name,omitempty"`
	Color             string `json:"color,omitempty"`
	AutoRun           *bool  `json:"auto_run,omitempty"`
	AgentType         string `json:"agent_type,omitempty"`
	OnSuccessColumnID string `json:"on_success_column_id,omitempty"`
	OnFailureColumnID string `json:"on_failure_column_id,omitempty"`
}

// RegisterResponse carries the worker id plus optional server-side
// config overrides that the runtime must adopt.
type RegisterResponse struct {
	WorkerID            string  `json:"worker_id"`
	PollIntervalSeconds float64 `json:"poll_interval_seconds,omitempty"`
	MaxConcurrentTasks  int     `json:"max_concurrent_tasks,omitempty"`
}

// Directives are server instructions piggybacked on heartbeats.
type Directives struct {
	CancelTaskIDs      []string `json:"cancel_task_ids,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
}

// HeartbeatResponse is the server's answer to a heartbeat.
type HeartbeatResponse struct {
	Status     string     `json:"status"`
	Directives Directives `json:"directives"`
}

// LoginResponse is the server's answer to a login.
type LoginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// ProgressDetail carries optional step/phase structure alongside the
// progress text.
type ProgressDetail struct {
	Step       int
	TotalSteps int
	Phase      string
}

// Client is an HTTP client for the kira server API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the server at baseURL. The token may
// be empty until Login succeeds.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
	}
}

// BaseURL returns the server this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken swaps the bearer token; safe for concurrent use. The daemon
// uses this on session reactivation so the runtime never restarts for
// a mere token refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return &resp, nil
}

// RegisterWorker announces this worker to the server.
func (c *Client) RegisterWorker(ctx context.Context, hostname string, capabilities []string) (*RegisterResponse, error) {
	var resp RegisterResponse
	body := map[string]any{
		"hostname":       hostname,
		"worker_version": Version,
		"capabilities":   capabilities,
	}
	err := c.do(ctx, http.MethodPost, "/api/workers/register", body, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports liveness and the running task set.
func (c *Client) Heartbeat(ctx context.Context, workerID string, runningTaskIDs []string, systemLoad float64) (*HeartbeatResponse, error) {
	if runningTaskIDs == nil {
		runningTaskIDs = []string{}
	}
	var resp HeartbeatResponse
	body := map[string]any{
		"worker_id":        workerID,
		"running_task_ids": runningTaskIDs,
		"system_load":      systemLoad,
	}
	err := c.do(ctx, http.MethodPost, "/api/workers/heartbeat", body, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollTasks fetches up to limit pending tasks for this worker's user.
func (c *Client) PollTasks(ctx context.Context, workerID string, limit int) ([]Task, error) {
	var tasks []Task
	path := "/api/workers/tasks/poll?worker_id=" + url.QueryEscape(workerID) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ClaimTask attempts the claim CAS; ErrConflict means another worker
// won.
func (c *Client) ClaimTask(ctx context.Context, taskID, workerID string) error {
	body := map[string]string{"worker_id": workerID}
	err := c.do(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/claim", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return ErrConflict
	}
	return err
}

// ReportProgress sends a best-effort progress update; callers are
// expected to swallow its error.
func (c *Client) ReportProgress(ctx context.Context, taskID, workerID, text string, detail *ProgressDetail) error {
	body := map[string]any{
		"worker_id":     workerID,
		"status":        "running",
		"progress_text": text,
	}
	if detail != nil {
		if detail.Step > 0 {
			body["step"] = detail.Step
		}
		if detail.TotalSteps > 0 {
			body["total_steps"] = detail.TotalSteps
		}
		if detail.Phase != "" {
			body["phase"] = detail.Phase
		}
	}
	return c.do(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/progress", body, nil)
}

// CompleteTask reports success with the full output and structured
// result data.
func (c *Client) CompleteTask(ctx context.Context, taskID, workerID, outputText string, resultData any) error {
	if resultData == nil {
		resultData = map[string]any{}
	}
	body := map[string]any{
		"worker_id":   workerID,
		"output_text": outputText,
		"result_data": resultData,
	}
	return c.do(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/complete", body, nil)
}

// FailTask reports failure with a one-line summary and any partial
// output.
func (c *Client) FailTask(ctx context.Context, taskID, workerID, errorSummary, outputText string) error {
	body := map[string]any{
		"worker_id":     workerID,
		"error_summary": errorSummary,
		"output_text":   outputText,
	}
	return c.do(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/fail", body, nil)
}

// BoardSettings fetches a board's parsed settings bag.
func (c *Client) BoardSettings(ctx context.Context, boardID string) (db.BoardSettings, error) {
	var settings db.BoardSettings
	err := c.do(ctx, http.MethodGet, "/api/boards/"+boardID+"/settings", nil, &settings)
	return settings, err
}

// CreateCard creates a card in a column; the Jira import and planner
// executors use this.
func (c *Client) CreateCard(ctx context.Context, columnID, title, description, priority, labels string) (*Card, error) {
	if priority == "" {
		priority = "medium"
	}
	if labels == "" {
		labels = "[]"
	}
	var card Card
	body := map[string]string{
		"column_id":   columnID,
		"title":       title,
		"description": description,
		"priority":    priority,
		"labels":      labels,
	}
	if err := c.do(ctx, http.MethodPost, "/api/cards", body, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// CreateColumn adds a column to a board.
func (c *Client) CreateColumn(ctx context.Context, boardID string, spec ColumnSpec) (*Column, error) {
	var col Column
	if err := c.do(ctx, http.MethodPost, "/api/boards/"+boardID+"/columns", spec, &col); err != nil {
		return nil, err
	}
	return &col, nil
}

// UpdateBoard patches board name/description.
func (c *Client) UpdateBoard(ctx context.Context, boardID, name, description string) error {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	if description != "" {
		body["description"] = description
	}
	return c.do(ctx, http.MethodPatch, "/api/boards/"+boardID, body, nil)
}

// UpdateColumn patches column settings, e.g. automation routing.
func (c *Client) UpdateColumn(ctx context.Context, columnID string, spec ColumnSpec) error {
	return c.do(ctx, http.MethodPatch, "/api/columns/"+columnID, spec, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: marshal body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		msg := string(raw)
		var detail struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		if json.Unmarshal(raw, &detail) == nil {
			if detail.Detail != "" {
				msg = detail.Detail
			} else if detail.Error != "" {
				msg = detail.Error
			}
		}
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%s %s: %w", method, path, &APIError{Status: resp.StatusCode, Message: msg})
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && err != io.EOF {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
