package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tgruben-circuit/kira/db"
)

type boardJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toBoardJSON(b *db.Board) boardJSON {
	return boardJSON{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		OwnerID:     b.OwnerID,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

type columnJSON struct {
	ID                string `json:"id"`
	BoardID           string `json:"board_id"`
	Name              string `json:"name"`
	Position          int    `json:"position"`
	Color             string `json:"color"`
	AgentType         string `json:"agent_type"`
	AgentSkill        string `json:"agent_skill"`
	AgentModel        string `json:"agent_model"`
	AutoRun           bool   `json:"auto_run"`
	OnSuccessColumnID string `json:"on_success_column_id"`
	OnFailureColumnID string `json:"on_failure_column_id"`
	MaxLoopCount      int    `json:"max_loop_count"`
}

func toColumnJSON(c *db.Column) columnJSON {
	return columnJSON{
		ID:                c.ID,
		BoardID:           c.BoardID,
		Name:              c.Name,
		Position:          c.Position,
		Color:             c.Color,
		AgentType:         c.AgentType,
		AgentSkill:        c.AgentSkill,
		AgentModel:        c.AgentModel,
		AutoRun:           c.AutoRun,
		OnSuccessColumnID: c.OnSuccessColumnID,
		OnFailureColumnID: c.OnFailureColumnID,
		MaxLoopCount:      c.MaxLoopCount,
	}
}

type cardJSON struct {
	ID          string    `json:"id"`
	ColumnID    string    `json:"column_id"`
	BoardID     string    `json:"board_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Position    int       `json:"position"`
	AssigneeID  string    `json:"assignee_id"`
	Priority    string    `json:"priority"`
	Labels      string    `json:"labels"`
	AgentStatus string    `json:"agent_status"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toCardJSON(c *db.Card) cardJSON {
	return cardJSON{
		ID:          c.ID,
		ColumnID:    c.ColumnID,
		BoardID:     c.BoardID,
		Title:       c.Title,
		Description: c.Description,
		Position:    c.Position,
		AssigneeID:  c.AssigneeID,
		Priority:    c.Priority,
		Labels:      c.Labels,
		AgentStatus: c.AgentStatus,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// memberOf reports whether the user belongs to the board.
func (s *Server) memberOf(ctx context.Context, boardID, userID string) (bool, error) {
	var member bool
	err := s.db.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		var err error
		member, err = rx.IsBoardMember(boardID, userID)
		return err
	})
	return member, err
}

// CreateBoardRequest is the request body for creating a board.
type CreateBoardRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleCreateBoard handles POST /api/boards.
func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var req CreateBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	user := userFrom(r.Context())

	var board *db.Board
	err := s.db.Tx(r.Context(), func(ctx context.Context, tx *db.Tx) error {
		var err error
		board, err = tx.CreateBoard(req.Name, req.Description, user.ID)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to create board", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toBoardJSON(board))
}

// UpdateBoardRequest is the request body for patching a board. Empty
// fields are left untouched; settings replaces the bag wholesale.
type UpdateBoardRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Settings    json.RawMessage `json:"settings"`
}

// handleUpdateBoard handles PATCH /api/boards/{id}.
func (s *Server) handleUpdateBoard(w http.ResponseWriter, r *http.Request) {
	var req UpdateBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	boardID := r.PathValue("id")
	user := userFrom(r.Context())

	member, err := s.memberOf(r.Context(), boardID, user.ID)
	if err != nil {
		s.logger.Error("Failed to check board membership", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Board not found", http.StatusNotFound)
		return
	}

	settingsJSON := ""
	if len(req.Settings) > 0 {
		if !json.Valid(req.Settings) {
			http.Error(w, "settings must be a JSON object", http.StatusBadRequest)
			return
		}
		settingsJSON = string(req.Settings)
	}
	var board *db.Board
	err = s.db.Tx(r.Context(), func(ctx context.Context, tx *db.Tx) error {
		if err := tx.UpdateBoard(boardID, req.Name, req.Description, settingsJSON); err != nil {
			return err
		}
		var err error
		board, err = tx.GetBoard(boardID)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to update board", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toBoardJSON(board))
}

// handleBoardSettings handles GET /api/boards/{id}/settings. Workers
// read this to resolve workspaces and GitLab wiring.
func (s *Server) handleBoardSettings(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("id")
	user := userFrom(r.Context())

	var board *db.Board
	err := s.db.Rx(r.Context(), func(ctx context.Context, rx *db.Rx) error {
		member, err := rx.IsBoardMember(boardID, user.ID)
		if err != nil {
			return err
		}
		if !member {
			return db.ErrNotFound
		}
		board, err = rx.GetBoard(boardID)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Board not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to get board settings", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, board.Settings())
}

// CreateColumnRequest is the request body for adding a column.
type CreateColumnRequest struct {
	Name              string `json:"name"`
	Color             string `json:"color"`
	AgentType         string `json:"agent_type"`
	AgentSkill        string `json:"agent_skill"`
	AgentModel        string `json:"agent_model"`
	AutoRun           bool   `json:"auto_run"`
	OnSuccessColumnID string `json:"on_success_column_id"`
	OnFailureColumnID string `json:"on_failure_column_id"`
	MaxLoopCount      int    `json:"max_loop_count"`
	PromptTemplate    string `json:"prompt_template"`
}

// handleCreateColumn handles POST /api/boards/{id}/columns.
func (s *Server) handleCreateColumn(w http.ResponseWriter, r *http.Request) {
	var req CreateColumnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	boardID := r.PathValue("id")
	user := userFrom(r.Context())

	member, err := s.memberOf(r.Context(), boardID, user.ID)
	if err != nil {
		s.logger.Error("Failed to check board membership", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Board not found", http.StatusNotFound)
		return
	}

	var column *db.Column
	err = s.db.Tx(r.Context(), func(ctx context.Context, tx *db.Tx) error {
		var err error
		column, err = tx.CreateColumn(db.Column{
			BoardID:           boardID,
			Name:              req.Name,
			Color:             req.Color,
			AgentType:         req.AgentType,
			AgentSkill:        req.AgentSkill,
			AgentModel:        req.AgentModel,
			AutoRun:           req.AutoRun,
			OnSuccessColumnID: req.OnSuccessColumnID,
			OnFailureColumnID: req.OnFailureColumnID,
			MaxLoopCount:      req.MaxLoopCount,
			PromptTemplate:    req.PromptTemplate,
		})
		return err
	})
	if err != nil {
		s.logger.Error("Failed to create column", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toColumnJSON(column))
}

// handleListColumns handles GET /api/boards/{id}/columns.
func (s *Server) handleListColumns(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("id")
	user := userFrom(r.Context())

	var columns []db.Column
	err := s.db.Rx(r.Context(), func(ctx context.Context, rx *db.Rx) error {
		member, err := rx.IsBoardMember(boardID, user.ID)
		if err != nil {
			return err
		}
		if !member {
			return db.ErrNotFound
		}
		columns, err = rx.ListColumns(boardID)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Board not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to list columns", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	out := make([]columnJSON, 0, len(columns))
	for i := range columns {
		out = append(out, toColumnJSON(&columns[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateColumnRequest is the request body for patching a column's
// automation routing. Nil pointers leave the current value untouched.
type UpdateColumnRequest struct {
	OnSuccessColumnID *string `json:"on_success_column_id"`
	OnFailureColumnID *string `json:"on_failure_column_id"`
}

// handleUpdateColumn handles PATCH /api/columns/{id}.
func (s *Server) handleUpdateColumn(w http.ResponseWriter, r *http.Request) {
	var req UpdateColumnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	columnID := r.PathValue("id")

	var column *db.Column
	err := s.db.Tx(r.Context(), func(ctx context.Context, tx *db.Tx) error {
		current, err := tx.GetColumn(columnID)
		if err != nil {
			return err
		}
		onSuccess, onFailure := current.OnSuccessColumnID, current.OnFailureColumnID
		if req.OnSuccessColumnID != nil {
			onSuccess = *req.OnSuccessColumnID
		}
		if req.OnFailureColumnID != nil {
			onFailure = *req.OnFailureColumnID
		}
		if err := tx.UpdateColumnRouting(columnID, onSuccess, onFailure); err != nil {
			return err
		}
		column, err = tx.GetColumn(columnID)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Column not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to update column", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toColumnJSON(column))
}

// CreateCardRequest is the request body for creating a card.
type CreateCardRequest struct {
	ColumnID    string `json:"column_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Labels      string `json:"labels"`
	AssigneeID  string `json:"assignee_id"`
}

// handleCreateCard handles POST /api/cards. A card created in a column
// with automation triggers the column's agent immediately.
func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req CreateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ColumnID == "" || req.Title == "" {
		http.Error(w, "column_id and title are required", http.StatusBadRequest)
		return
	}
	user := userFrom(r.Context())

	card, _, err := s.engine.CreateCard(r.Context(), db.Card{
		ColumnID:    req.ColumnID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Labels:      req.Labels,
		AssigneeID:  req.AssigneeID,
		CreatedBy:   user.ID,
	}, user.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Column not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to create card", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toCardJSON(card))
}

// MoveCardRequest is the request body for moving a card.
type MoveCardRequest struct {
	ColumnID       string `json:"column_id"`
	Position       int    `json:"position"`
	SkipAutomation bool   `json:"skip_automation"`
}

// handleMoveCard handles POST /api/cards/{id}/move. Entering a new
// column with automation triggers its agent unless skip_automation is
// set.
func (s *Server) handleMoveCard(w http.ResponseWriter, r *http.Request) {
	var req MoveCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ColumnID == "" {
		http.Error(w, "column_id is required", http.StatusBadRequest)
		return
	}
	user := userFrom(r.Context())

	card, _, err := s.engine.MoveCard(r.Context(), r.PathValue("id"), req.ColumnID,
		req.Position, user.ID, req.SkipAutomation)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Card not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to move card", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toCardJSON(card))
}

// handleListCardTasks handles GET /api/cards/{id}/tasks, newest first.
func (s *Server) handleListCardTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []db.Task
	err := s.db.Rx(r.Context(), func(ctx context.Context, rx *db.Rx) error {
		var err error
		tasks, err = rx.ListTasksForCard(r.PathValue("id"))
		return err
	})
	if err != nil {
		s.logger.Error("Failed to list card tasks", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for i := range tasks {
		out = append(out, toTaskJSON(&tasks[i]))
	}
	writeJSON(w, http.StatusOK, out)
}
