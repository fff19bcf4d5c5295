// Package server exposes kira's HTTP API: login, the worker protocol
// (register, heartbeat, poll, claim, report), board and card mutations,
// and the per-board SSE event stream. It also runs the worker staleness
// sweeper.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	sloghttp "github.com/samber/slog-http"

	"github.com/tgruben-circuit/kira/automation"
	"github.com/tgruben-circuit/kira/db"
	"github.com/tgruben-circuit/kira/events"
	"github.com/tgruben-circuit/kira/worker"
)

// SweepInterval is how often the worker staleness sweeper runs.
const SweepInterval = 30 * time.Second

// Config configures a Server.
type Config struct {
	// AuthSecret signs login tokens. Empty means a random per-process
	// secret.
	AuthSecret []byte
	// AgentVersion is advertised to daemons on /api/agent/version.
	// Defaults to worker.Version.
	AgentVersion string
	// AgentDownloadURL, when set, tells daemons where to fetch the
	// advertised binary.
	AgentDownloadURL string
	// PollIntervalSeconds and MaxConcurrentTasks, when set, are pushed
	// to workers at registration as config overrides.
	PollIntervalSeconds float64
	MaxConcurrentTasks  int
}

// Server wires the HTTP surface to the automation engine, the store,
// and the event bus. The bus may be nil; events are then dropped and
// the SSE endpoint refuses subscriptions.
type Server struct {
	db     *db.DB
	engine *automation.Engine
	bus    *events.Bus
	auth   *Auth
	logger *slog.Logger
	cfg    Config
}

// New builds a Server. The engine is constructed here so that every
// mutation path publishes to the same bus.
func New(database *db.DB, bus *events.Bus, logger *slog.Logger, cfg Config) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = worker.Version
	}
	auth, err := NewAuth(cfg.AuthSecret)
	if err != nil {
		return nil, err
	}
	var notify automation.Notifier = automation.NopNotifier{}
	if bus != nil {
		notify = &busNotifier{bus: bus, logger: logger}
	}
	return &Server{
		db:     database,
		engine: automation.New(database, notify, logger),
		bus:    bus,
		auth:   auth,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// Engine exposes the automation engine, mainly for tests and the CLI.
func (s *Server) Engine() *automation.Engine {
	return s.engine
}

// Handler returns the full API surface with request logging attached.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/agent/version", s.handleAgentVersion)

	mux.HandleFunc("POST /api/workers/register", s.requireUser(s.handleRegisterWorker))
	mux.HandleFunc("POST /api/workers/heartbeat", s.requireUser(s.handleHeartbeat))
	mux.HandleFunc("GET /api/workers", s.requireUser(s.handleListWorkers))
	mux.HandleFunc("GET /api/workers/tasks/poll", s.requireUser(s.handlePollTasks))
	mux.HandleFunc("POST /api/workers/tasks/{id}/claim", s.requireUser(s.handleClaimTask))
	mux.HandleFunc("POST /api/workers/tasks/{id}/progress", s.requireUser(s.handleTaskProgress))
	mux.HandleFunc("POST /api/workers/tasks/{id}/complete", s.requireUser(s.handleCompleteTask))
	mux.HandleFunc("POST /api/workers/tasks/{id}/fail", s.requireUser(s.handleFailTask))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.requireUser(s.handleCancelTask))

	mux.HandleFunc("POST /api/boards", s.requireUser(s.handleCreateBoard))
	mux.HandleFunc("PATCH /api/boards/{id}", s.requireUser(s.handleUpdateBoard))
	mux.HandleFunc("GET /api/boards/{id}/settings", s.requireUser(s.handleBoardSettings))
	mux.HandleFunc("POST /api/boards/{id}/columns", s.requireUser(s.handleCreateColumn))
	mux.HandleFunc("GET /api/boards/{id}/columns", s.requireUser(s.handleListColumns))
	mux.HandleFunc("PATCH /api/columns/{id}", s.requireUser(s.handleUpdateColumn))
	mux.HandleFunc("POST /api/cards", s.requireUser(s.handleCreateCard))
	mux.HandleFunc("POST /api/cards/{id}/move", s.requireUser(s.handleMoveCard))
	mux.HandleFunc("GET /api/cards/{id}/tasks", s.requireUser(s.handleListCardTasks))

	mux.HandleFunc("GET /api/events/{board}", s.requireUser(s.handleEvents))

	return sloghttp.New(s.logger)(mux)
}

// RunSweeper runs the worker staleness sweep until ctx is cancelled.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.SweepWorkers(ctx); err != nil {
				s.logger.Error("Failed to sweep workers", "error", err)
			}
		}
	}
}

// busNotifier adapts the event bus to the engine's fire-and-forget
// Notifier; publish failures are logged, never surfaced, so a bus
// hiccup cannot fail a committed transaction's caller.
type busNotifier struct {
	bus    *events.Bus
	logger *slog.Logger
}

func (n *busNotifier) Publish(boardID string, typ events.Type, data any) {
	if boardID == "" {
		return
	}
	if err := n.bus.Publish(boardID, typ, data); err != nil {
		n.logger.Error("Failed to publish event", "type", typ, "board_id", boardID, "error", err)
	}
}

// LoginRequest is the request body for logging in.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin handles POST /api/auth/login.
// Authentication is username-based: the user must exist. Passwords are
// not stored; deployments front the server with real auth.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	var user *db.User
	err := s.db.Rx(r.Context(), func(ctx context.Context, rx *db.Rx) error {
		var err error
		user, err = rx.GetUserByUsername(req.Username)
		return err
	})
	if err != nil {
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := s.auth.Token(user)
	if err != nil {
		s.logger.Error("Failed to issue token", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  map[string]string{"id": user.ID, "username": user.Username},
	})
}

// handleAgentVersion handles GET /api/agent/version. Daemons poll it to
// learn when an upgrade is available.
func (s *Server) handleAgentVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":      s.cfg.AgentVersion,
		"download_url": s.cfg.AgentDownloadURL,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
