package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tgruben-circuit/kira/automation"
	"github.com/tgruben-circuit/kira/db"
)

// taskJSON is the wire form of a task as served to workers; field names
// match worker.Task.
type taskJSON struct {
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
	ErrorSummary    string `json:"error_summary,omitempty"`
}

func toTaskJSON(t *db.Task) taskJSON {
	return taskJSON{
		ID:              t.ID,
		TaskType:        string(t.TaskType),
		BoardID:         t.BoardID,
		CardID:          t.CardID,
		AgentType:       t.AgentType,
		AgentSkill:      t.AgentSkill,
		AgentModel:      t.AgentModel,
		PromptText:      t.PromptText,
		PayloadJSON:     t.PayloadJSON,
		Status:          string(t.Status),
		Priority:        t.Priority,
		SourceColumnID:  t.SourceColumnID,
		TargetColumnID:  t.TargetColumnID,
		FailureColumnID: t.FailureColumnID,
		ErrorSummary:    t.ErrorSummary,
	}
}

type workerJSON struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Hostname      string    `json:"hostname"`
	Version       string    `json:"version"`
	Capabilities  []string  `json:"capabilities"`
	Capacity      int       `json:"capacity"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func toWorkerJSON(w *db.Worker) workerJSON {
	caps := []string{}
	_ = json.Unmarshal([]byte(w.Capabilities), &caps)
	return workerJSON{
		ID:            w.ID,
		UserID:        w.UserID,
		Hostname:      w.Hostname,
		Version:       w.Version,
		Capabilities:  caps,
		Capacity:      w.Capacity,
		Status:        string(w.Status),
		LastHeartbeat: w.LastHeartbeat,
	}
}

// RegisterWorkerRequest is the request body for registering a worker.
type RegisterWorkerRequest struct {
	Hostname      string   `json:"hostname"`
	WorkerVersion string   `json:"worker_version"`
	Capabilities  []string `json:"capabilities"`
}

// handleRegisterWorker handles POST /api/workers/register.
// Registration is an upsert per user; the response may carry config
// overrides the worker runtime must adopt.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	user := userFrom(r.Context())

	capsJSON := ""
	if len(req.Capabilities) > 0 {
		raw, err := json.Marshal(req.Capabilities)
		if err != nil {
			http.Error(w, "Invalid capabilities", http.StatusBadRequest)
			return
		}
		capsJSON = string(raw)
	}

	registered, err := s.engine.RegisterWorker(r.Context(), user.ID, req.Hostname,
		req.WorkerVersion, capsJSON, s.cfg.MaxConcurrentTasks)
	if err != nil {
		s.logger.Error("Failed to register worker", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id":             registered.ID,
		"poll_interval_seconds": s.cfg.PollIntervalSeconds,
		"max_concurrent_tasks":  s.cfg.MaxConcurrentTasks,
	})
}

// HeartbeatRequest is the request body for a worker heartbeat.
type HeartbeatRequest struct {
	WorkerID       string   `json:"worker_id"`
	RunningTaskIDs []string `json:"running_task_ids"`
	SystemLoad     float64  `json:"system_load"`
}

// handleHeartbeat handles POST /api/workers/heartbeat. The response
// piggybacks server directives, currently the ids among the worker's
// running tasks that were cancelled server-side.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	user := userFrom(r.Context())

	cancelIDs, err := s.engine.Heartbeat(r.Context(), req.WorkerID, user.ID, req.RunningTaskIDs)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Worker not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to record heartbeat", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if cancelIDs == nil {
		cancelIDs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"directives": map[string]any{
			"cancel_task_ids":      cancelIDs,
			"max_concurrent_tasks": s.cfg.MaxConcurrentTasks,
		},
	})
}

// handleListWorkers handles GET /api/workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	var workers []db.Worker
	err := s.db.Rx(r.Context(), func(ctx context.Context, rx *db.Rx) error {
		var err error
		workers, err = rx.ListWorkers()
		return err
	})
	if err != nil {
		s.logger.Error("Failed to list workers", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	out := make([]workerJSON, 0, len(workers))
	for i := range workers {
		out = append(out, toWorkerJSON(&workers[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePollTasks handles GET /api/workers/tasks/poll. Tasks are
// returned highest priority first, oldest first within a priority, and
// never include claimed-or-later rows.
func (s *Server) handlePollTasks(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	workerID := r.URL.Query().Get("worker_id")
	limit := 1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 20)
	}

	var tasks []db.Task
	err := s.db.Rx(r.Context(), func(ctx context.Context, rx *db.Rx) error {
		if workerID != "" {
			registered, err := rx.GetWorker(workerID)
			if err != nil {
				return err
			}
			if registered.UserID != user.ID {
				return db.ErrNotFound
			}
		}
		var err error
		tasks, err = rx.PollTasks(user.ID, limit)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Worker not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to poll tasks", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for i := range tasks {
		out = append(out, toTaskJSON(&tasks[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// ClaimTaskRequest is the request body for claiming a task.
type ClaimTaskRequest struct {
	WorkerID string `json:"worker_id"`
}

// handleClaimTask handles POST /api/workers/tasks/{id}/claim. Losing
// the claim race returns 409; workers treat that as normal traffic.
func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req ClaimTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}

	task, err := s.engine.Claim(r.Context(), r.PathValue("id"), req.WorkerID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrAlreadyClaimed):
			http.Error(w, "Task already claimed", http.StatusConflict)
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		default:
			s.logger.Error("Failed to claim task", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(task))
}

// TaskProgressRequest is the request body for a progress report.
type TaskProgressRequest struct {
	WorkerID     string `json:"worker_id"`
	ProgressText string `json:"progress_text"`
	Step         int    `json:"step"`
	TotalSteps   int    `json:"total_steps"`
	Phase        string `json:"phase"`
}

// handleTaskProgress handles POST /api/workers/tasks/{id}/progress.
// The first progress report moves the task from claimed to running.
func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	var req TaskProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	task, err := s.engine.Progress(r.Context(), r.PathValue("id"), db.Progress{
		Text:       req.ProgressText,
		Step:       req.Step,
		TotalSteps: req.TotalSteps,
		Phase:      req.Phase,
	})
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case errors.Is(err, db.ErrBadTransition):
			http.Error(w, "Task is not running", http.StatusConflict)
		default:
			s.logger.Error("Failed to record progress", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(task))
}

// CompleteTaskRequest is the request body for completing a task.
type CompleteTaskRequest struct {
	WorkerID   string          `json:"worker_id"`
	OutputText string          `json:"output_text"`
	ResultData json.RawMessage `json:"result_data"`
}

// handleCompleteTask handles POST /api/workers/tasks/{id}/complete and
// runs the automation cascade: comment, card move, next trigger,
// follow-on tasks, all in one transaction.
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	resultData := ""
	if len(req.ResultData) > 0 {
		resultData = string(req.ResultData)
	}
	res, err := s.engine.Complete(r.Context(), r.PathValue("id"), req.OutputText, resultData)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case errors.Is(err, db.ErrBadTransition):
			http.Error(w, "Task is already terminal", http.StatusConflict)
		default:
			s.logger.Error("Failed to complete task", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeResult(w, res)
}

// FailTaskRequest is the request body for failing a task.
type FailTaskRequest struct {
	WorkerID     string `json:"worker_id"`
	ErrorSummary string `json:"error_summary"`
	OutputText   string `json:"output_text"`
}

// handleFailTask handles POST /api/workers/tasks/{id}/fail. The card
// moves along its failure edge without triggering automation.
func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req FailTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Fail(r.Context(), r.PathValue("id"), req.ErrorSummary, req.OutputText)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case errors.Is(err, db.ErrBadTransition):
			http.Error(w, "Task is already terminal", http.StatusConflict)
		default:
			s.logger.Error("Failed to fail task", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeResult(w, res)
}

// handleCancelTask handles POST /api/tasks/{id}/cancel. Running tasks
// are cancelled on the worker via the next heartbeat's directives.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case errors.Is(err, db.ErrBadTransition):
			http.Error(w, "Task is already terminal", http.StatusConflict)
		default:
			s.logger.Error("Failed to cancel task", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(task))
}

func writeResult(w http.ResponseWriter, res *automation.Result) {
	body := map[string]any{
		"status": "ok",
		"task":   toTaskJSON(res.Task),
	}
	if res.Next != nil {
		body["next_action"] = res.Next
	}
	writeJSON(w, http.StatusOK, body)
}
