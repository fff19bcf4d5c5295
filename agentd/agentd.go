// Package agentd is the local agent daemon: a localhost WebSocket
// server that activates the worker runtime when a browser session logs
// in and winds it down, after a grace period, when the last session
// disconnects. The browser never holds worker credentials longer than
// an activate frame.
package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tgruben-circuit/kira/worker"
)

// Daemon states.
const (
	StateDormant      = "dormant"
	StateActivating   = "activating"
	StateActive       = "active"
	StateDeactivating = "deactivating"
)

// DefaultPort is the daemon's WebSocket port.
const DefaultPort = 9820

// DefaultGracePeriod is how long the worker keeps running after the
// last session disconnects, so a browser refresh does not bounce it.
const DefaultGracePeriod = 3 * time.Second

// registerTimeout bounds how long activation waits for the runtime to
// register with the server.
const registerTimeout = 15 * time.Second

// allowedOriginPrefixes lists browser origins that may connect.
var allowedOriginPrefixes = []string{"http://localhost", "http://127.0.0.1", "https://"}

// statusForbiddenOrigin is the close code sent to disallowed origins.
const statusForbiddenOrigin = websocket.StatusCode(4403)

// Config configures a Daemon. BuildRunner is required: it binds the
// executor set to a fresh client for each activation.
type Config struct {
	Port        int
	GracePeriod time.Duration
	PIDPath     string
	// Version is the local agent version, compared against the server's
	// advertised one. Defaults to worker.Version.
	Version string
	// BuildRunner constructs the worker runtime for an activation.
	BuildRunner func(client *worker.Client) (*worker.Runner, error)
	// PickDirectory opens a native directory chooser. Defaults to the
	// platform picker in this package.
	PickDirectory func(ctx context.Context, initialDir string) (string, error)
}

// Daemon is the WebSocket bridge between browser sessions and the
// worker runtime.
type Daemon struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    string
	sessions map[string]*session
	graceGen int

	client      *worker.Client
	runner      *worker.Runner
	runnerStop  context.CancelFunc
	runnerDone  chan struct{}
	runnerErr   error
	serverURL   string
	activatedAt time.Time

	upgradeVersion string
	upgradeURL     string
}

// New builds a Daemon.
func New(cfg Config, log *slog.Logger) (*Daemon, error) {
	if cfg.BuildRunner == nil {
		return nil, errors.New("agentd: Config.BuildRunner is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Version == "" {
		cfg.Version = worker.Version
	}
	if cfg.PIDPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("agentd: resolve home: %w", err)
		}
		cfg.PIDPath = filepath.Join(home, ".kira", "agent.pid")
	}
	if cfg.PickDirectory == nil {
		cfg.PickDirectory = pickDirectory
	}
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		cfg:      cfg,
		log:      log,
		state:    StateDormant,
		sessions: make(map[string]*session),
	}, nil
}

// State returns the daemon's current state.
func (d *Daemon) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run serves WebSocket connections on 127.0.0.1 until ctx is
// cancelled. It refuses to start when another live kira agent owns the
// PID file.
func (d *Daemon) Run(ctx context.Context) error {
	if err := writePIDFile(d.cfg.PIDPath); err != nil {
		return err
	}
	defer os.Remove(d.cfg.PIDPath)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", d.cfg.Port))
	if err != nil {
		return fmt.Errorf("agentd: listen: %w", err)
	}
	srv := &http.Server{Handler: d}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	d.log.Info("agent listening", "addr", ln.Addr().String(), "state", StateDormant)

	select {
	case <-ctx.Done():
	case err := <-done:
		d.stopRunner()
		return fmt.Errorf("agentd: serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	d.stopRunner()
	return nil
}

func allowedOrigin(origin string) bool {
	for _, prefix := range allowedOriginPrefixes {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// frame is an incoming browser message.
type frame struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Token      string `json:"token"`
	ServerURL  string `json:"server_url"`
	RequestID  string `json:"request_id"`
	InitialDir string `json:"initial_dir"`
}

// session is one connected browser tab. Writes are serialized; the
// websocket allows only one writer at a time.
type session struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func errorFrame(code, message string) map[string]any {
	return map[string]any{"type": "error", "code": code, "message": message}
}

// ServeHTTP upgrades a connection and runs its message loop.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !allowedOrigin(origin) {
		conn.Close(statusForbiddenOrigin, "Forbidden origin")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sess := &session{conn: conn}
	_ = sess.send(d.statusFrame())

	var sessionID string
	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			break
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = sess.send(errorFrame("invalid_json", "Invalid JSON message"))
			continue
		}
		switch f.Type {
		case "activate":
			sessionID = f.SessionID
			d.activate(sess, f)
		case "deactivate":
			d.deactivate(f.SessionID)
			if f.SessionID == sessionID {
				sessionID = ""
			}
		case "ping":
			_ = sess.send(map[string]any{"type": "pong"})
		case "pick_directory":
			go d.handlePickDirectory(sess, f)
		case "apply_upgrade":
			go d.handleApplyUpgrade(sess)
		}
	}

	if sessionID != "" {
		d.mu.Lock()
		if d.sessions[sessionID] == sess {
			delete(d.sessions, sessionID)
			d.log.Info("session disconnected", "session_id", shortID(sessionID), "remaining", len(d.sessions))
		}
		d.mu.Unlock()
	}
	d.checkEmptySessions()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// activate starts (or re-binds) the worker runtime for a session.
func (d *Daemon) activate(sess *session, f frame) {
	if f.SessionID == "" || f.Token == "" || f.ServerURL == "" {
		_ = sess.send(errorFrame("missing_fields", "session_id, token and server_url are required"))
		return
	}

	d.mu.Lock()
	d.sessions[f.SessionID] = sess
	d.graceGen++ // void any pending grace timer
	state := d.state
	sameServer := d.serverURL == f.ServerURL
	client := d.client
	d.mu.Unlock()

	if state == StateActive || state == StateDeactivating {
		if sameServer {
			// Same server, fresh token: swap it in place, no restart.
			if client != nil {
				client.SetToken(f.Token)
			}
			d.log.Info("token refreshed", "session_id", shortID(f.SessionID))
			d.setState(StateActive)
			d.broadcastStatus()
			return
		}
		d.stopRunner()
	}

	d.setState(StateActivating)
	if err := d.startRunner(f.ServerURL, f.Token); err != nil {
		d.log.Error("Failed to activate", "error", err)
		d.broadcast(errorFrame("registration_failed", err.Error()))
		d.setState(StateDormant)
		return
	}
	d.setState(StateActive)
	d.log.Info("agent activated", "server_url", f.ServerURL, "worker_id", d.workerID())

	go d.checkServerVersion(f.ServerURL)
}

// deactivate handles an explicit browser logout: no grace period.
func (d *Daemon) deactivate(sessionID string) {
	d.mu.Lock()
	if _, ok := d.sessions[sessionID]; ok {
		delete(d.sessions, sessionID)
		d.log.Info("session deactivated", "session_id", shortID(sessionID))
	}
	empty := len(d.sessions) == 0
	state := d.state
	d.mu.Unlock()

	if empty && (state == StateActive || state == StateDeactivating) {
		d.stopRunner()
		d.setState(StateDormant)
		d.log.Info("agent deactivated")
	}
}

// checkEmptySessions arms the grace timer when the last session drops.
// A reconnect within the grace period swaps the timer out and keeps
// the runtime hot.
func (d *Daemon) checkEmptySessions() {
	d.mu.Lock()
	if len(d.sessions) > 0 || d.state != StateActive {
		d.mu.Unlock()
		return
	}
	d.graceGen++
	gen := d.graceGen
	grace := d.cfg.GracePeriod
	d.mu.Unlock()

	d.setState(StateDeactivating)
	time.AfterFunc(grace, func() { d.graceExpired(gen) })
}

func (d *Daemon) graceExpired(gen int) {
	d.mu.Lock()
	if d.graceGen != gen {
		d.mu.Unlock()
		return
	}
	empty := len(d.sessions) == 0
	d.mu.Unlock()

	if empty {
		d.log.Info("grace period expired, deactivating")
		d.stopRunner()
		d.setState(StateDormant)
	} else {
		d.setState(StateActive)
	}
}

// startRunner builds the runtime, starts it, and waits for server
// registration. Registration happens inside Runner.Start, exactly
// once.
func (d *Daemon) startRunner(serverURL, token string) error {
	client := worker.NewClient(serverURL, token)
	runner, err := d.cfg.BuildRunner(client)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	runner.OnTasksChanged = d.broadcastStatus

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var startErr error
	go func() {
		startErr = runner.Start(runCtx)
		close(done)
	}()

	deadline := time.NewTimer(registerTimeout)
	defer deadline.Stop()
	for runner.WorkerID() == "" {
		select {
		case <-done:
			cancel()
			if startErr == nil {
				startErr = errors.New("runtime exited before registering")
			}
			return startErr
		case <-deadline.C:
			cancel()
			<-done
			return errors.New("timed out registering with server")
		case <-time.After(50 * time.Millisecond):
		}
	}

	d.mu.Lock()
	d.client = client
	d.runner = runner
	d.runnerStop = cancel
	d.runnerDone = done
	d.serverURL = serverURL
	d.activatedAt = time.Now()
	d.mu.Unlock()
	return nil
}

// stopRunner tears the runtime down and waits for in-flight work to
// settle. Safe to call when nothing runs.
func (d *Daemon) stopRunner() {
	d.mu.Lock()
	runner, cancel, done := d.runner, d.runnerStop, d.runnerDone
	d.runner, d.runnerStop, d.runnerDone = nil, nil, nil
	d.client = nil
	d.serverURL = ""
	d.activatedAt = time.Time{}
	d.mu.Unlock()

	if runner == nil {
		return
	}
	runner.Stop()
	cancel()
	<-done
}

func (d *Daemon) workerID() string {
	d.mu.Lock()
	runner := d.runner
	d.mu.Unlock()
	if runner == nil {
		return ""
	}
	return runner.WorkerID()
}

func (d *Daemon) setState(state string) {
	d.mu.Lock()
	old := d.state
	d.state = state
	d.mu.Unlock()
	if old != state {
		d.log.Info("state changed", "from", old, "to", state)
		d.broadcastStatus()
	}
}

func (d *Daemon) statusFrame() map[string]any {
	d.mu.Lock()
	state := d.state
	runner := d.runner
	serverURL := d.serverURL
	activatedAt := d.activatedAt
	d.mu.Unlock()

	workerID := ""
	runningTasks := 0
	if runner != nil {
		workerID = runner.WorkerID()
		runningTasks = len(runner.RunningTasks())
	}
	uptime := 0
	if !activatedAt.IsZero() {
		uptime = int(time.Since(activatedAt).Seconds())
	}
	return map[string]any{
		"type":           "status",
		"state":          state,
		"worker_id":      workerID,
		"server_url":     serverURL,
		"running_tasks":  runningTasks,
		"uptime_seconds": uptime,
	}
}

func (d *Daemon) broadcastStatus() {
	d.broadcast(d.statusFrame())
}

func (d *Daemon) broadcast(msg map[string]any) {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		if err := s.send(msg); err != nil {
			d.log.Debug("broadcast failed", "error", err)
		}
	}
}

// handlePickDirectory opens the native directory chooser and replies
// on the requesting session only.
func (d *Daemon) handlePickDirectory(sess *session, f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	path, err := d.cfg.PickDirectory(ctx, f.InitialDir)
	reply := map[string]any{
		"type":       "directory_picked",
		"request_id": f.RequestID,
		"path":       path,
		"cancelled":  path == "",
	}
	if err != nil {
		d.log.Warn("directory picker failed", "error", err)
		reply["path"] = ""
		reply["cancelled"] = true
		reply["error"] = err.Error()
	}
	_ = sess.send(reply)
}
