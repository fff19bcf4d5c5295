package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tgruben-circuit/kira/db"
	"github.com/tgruben-circuit/kira/events"
	"github.com/tgruben-circuit/kira/worker"
)

// harness is a running API server over a fresh store with one user and
// a Backlog -> Code (coder, auto) -> Done board.
type harness struct {
	srv     *Server
	ts      *httptest.Server
	db      *db.DB
	user    *db.User
	board   *db.Board
	backlog *db.Column
	code    *db.Column
	done    *db.Column
}

func setupServer(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(db.Config{DSN: t.TempDir() + "/test.db"})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := testCtx(t)
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(database, nil, logger, Config{AuthSecret: []byte("test-secret")})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &harness{srv: srv, ts: ts, db: database}
	err = database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		if h.user, err = tx.CreateUser("alice"); err != nil {
			return err
		}
		if h.board, err = tx.CreateBoard("Sprint", "", h.user.ID); err != nil {
			return err
		}
		if h.backlog, err = tx.CreateColumn(db.Column{BoardID: h.board.ID, Name: "Backlog"}); err != nil {
			return err
		}
		if h.code, err = tx.CreateColumn(db.Column{
			BoardID: h.board.ID, Name: "Code", AgentType: "coder", AutoRun: true,
		}); err != nil {
			return err
		}
		if h.done, err = tx.CreateColumn(db.Column{BoardID: h.board.ID, Name: "Done"}); err != nil {
			return err
		}
		return tx.UpdateColumnRouting(h.code.ID, h.done.ID, h.backlog.ID)
	})
	if err != nil {
		t.Fatalf("Failed to set up board: %v", err)
	}
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// login returns a worker client authenticated as the harness user.
func (h *harness) login(t *testing.T) *worker.Client {
	t.Helper()
	client := worker.NewClient(h.ts.URL, "")
	resp, err := client.Login(testCtx(t), "alice", "")
	if err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("Login returned an empty token")
	}
	if resp.User.Username != "alice" {
		t.Errorf("Login user = %q, want alice", resp.User.Username)
	}
	return client
}

// request sends an authenticated JSON request and returns the status
// code and body.
func (h *harness) request(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(testCtx(t), method, h.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, raw
}

// token logs in directly against the auth endpoint and returns the
// bearer token.
func (h *harness) token(t *testing.T) string {
	t.Helper()
	status, raw := h.request(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "alice"})
	if status != http.StatusOK {
		t.Fatalf("Login status = %d, want 200", status)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Failed to decode login response: %v", err)
	}
	return resp.Token
}

func TestLoginUnknownUser(t *testing.T) {
	h := setupServer(t)
	status, _ := h.request(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "mallory"})
	if status != http.StatusUnauthorized {
		t.Errorf("Login status = %d, want 401", status)
	}
}

func TestAuthRequired(t *testing.T) {
	h := setupServer(t)

	status, _ := h.request(t, http.MethodPost, "/api/workers/register", "",
		map[string]any{"hostname": "box"})
	if status != http.StatusUnauthorized {
		t.Errorf("Unauthenticated register status = %d, want 401", status)
	}

	status, _ = h.request(t, http.MethodPost, "/api/workers/register", "not-a-token",
		map[string]any{"hostname": "box"})
	if status != http.StatusUnauthorized {
		t.Errorf("Bad token register status = %d, want 401", status)
	}
}

func TestAgentVersion(t *testing.T) {
	h := setupServer(t)
	status, raw := h.request(t, http.MethodGet, "/api/agent/version", "", nil)
	if status != http.StatusOK {
		t.Fatalf("Version status = %d, want 200", status)
	}
	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Failed to decode version response: %v", err)
	}
	if resp.Version != worker.Version {
		t.Errorf("Version = %q, want %q", resp.Version, worker.Version)
	}
}

// TestWorkerPipeline walks the whole worker protocol: login, register,
// create a card in an automation column, poll the triggered task, claim
// it, report progress, complete it, and observe the cascade moving the
// card to Done.
func TestWorkerPipeline(t *testing.T) {
	h := setupServer(t)
	ctx := testCtx(t)
	client := h.login(t)

	reg, err := client.RegisterWorker(ctx, "test-host", []string{"agent"})
	if err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}
	if reg.WorkerID == "" {
		t.Fatal("Register returned an empty worker id")
	}

	if _, err := client.Heartbeat(ctx, reg.WorkerID, nil, 0.5); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	card, err := client.CreateCard(ctx, h.code.ID, "Build feature", "Add the thing", "high", "")
	if err != nil {
		t.Fatalf("Failed to create card: %v", err)
	}

	tasks, err := client.PollTasks(ctx, reg.WorkerID, 10)
	if err != nil {
		t.Fatalf("Failed to poll tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Polled %d tasks, want 1", len(tasks))
	}
	task := tasks[0]
	if task.TaskType != "agent_run" {
		t.Errorf("Task type = %q, want agent_run", task.TaskType)
	}
	if task.CardID != card.ID {
		t.Errorf("Task card = %q, want %q", task.CardID, card.ID)
	}
	if task.Status != "pending" {
		t.Errorf("Task status = %q, want pending", task.Status)
	}

	if err := client.ClaimTask(ctx, task.ID, reg.WorkerID); err != nil {
		t.Fatalf("Failed to claim task: %v", err)
	}
	if err := client.ClaimTask(ctx, task.ID, reg.WorkerID); err != worker.ErrConflict {
		t.Errorf("Second claim error = %v, want ErrConflict", err)
	}

	if err := client.ReportProgress(ctx, task.ID, reg.WorkerID, "Working...", nil); err != nil {
		t.Fatalf("Failed to report progress: %v", err)
	}

	if err := client.CompleteTask(ctx, task.ID, reg.WorkerID, "did the thing", nil); err != nil {
		t.Fatalf("Failed to complete task: %v", err)
	}

	err = h.db.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		moved, err := rx.GetCard(card.ID)
		if err != nil {
			return err
		}
		if moved.ColumnID != h.done.ID {
			t.Errorf("Card column = %q, want Done %q", moved.ColumnID, h.done.ID)
		}
		if moved.AgentStatus != "completed" {
			t.Errorf("Card agent status = %q, want completed", moved.AgentStatus)
		}
		done, err := rx.GetTask(task.ID)
		if err != nil {
			return err
		}
		if done.Status != db.StatusCompleted {
			t.Errorf("Task status = %q, want completed", done.Status)
		}
		if done.OutputCommentID == "" {
			t.Error("Completing with output did not record an audit comment")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to inspect results: %v", err)
	}
}

func TestHeartbeatCarriesCancelDirectives(t *testing.T) {
	h := setupServer(t)
	ctx := testCtx(t)
	client := h.login(t)
	token := h.token(t)

	reg, err := client.RegisterWorker(ctx, "test-host", nil)
	if err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}

	if _, err := client.CreateCard(ctx, h.code.ID, "Doomed work", "", "", ""); err != nil {
		t.Fatalf("Failed to create card: %v", err)
	}
	tasks, err := client.PollTasks(ctx, reg.WorkerID, 1)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("Poll returned (%d tasks, %v), want 1 task", len(tasks), err)
	}
	taskID := tasks[0].ID
	if err := client.ClaimTask(ctx, taskID, reg.WorkerID); err != nil {
		t.Fatalf("Failed to claim task: %v", err)
	}

	status, _ := h.request(t, http.MethodPost, "/api/tasks/"+taskID+"/cancel", token, nil)
	if status != http.StatusOK {
		t.Fatalf("Cancel status = %d, want 200", status)
	}

	hb, err := client.Heartbeat(ctx, reg.WorkerID, []string{taskID}, 0)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if len(hb.Directives.CancelTaskIDs) != 1 || hb.Directives.CancelTaskIDs[0] != taskID {
		t.Errorf("Cancel directives = %v, want [%s]", hb.Directives.CancelTaskIDs, taskID)
	}

	// A later heartbeat without the task running reports nothing.
	hb, err = client.Heartbeat(ctx, reg.WorkerID, nil, 0)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if len(hb.Directives.CancelTaskIDs) != 0 {
		t.Errorf("Cancel directives = %v, want none", hb.Directives.CancelTaskIDs)
	}
}

func TestBoardSettingsRoundTrip(t *testing.T) {
	h := setupServer(t)
	ctx := testCtx(t)
	client := h.login(t)
	token := h.token(t)

	settings := map[string]any{
		"workspace": map[string]string{"local_path": "/srv/repo"},
		"gitlab":    map[string]any{"project_id": 42, "push_on_complete": true},
	}
	status, _ := h.request(t, http.MethodPatch, "/api/boards/"+h.board.ID, token,
		map[string]any{"settings": settings})
	if status != http.StatusOK {
		t.Fatalf("Update board status = %d, want 200", status)
	}

	got, err := client.BoardSettings(ctx, h.board.ID)
	if err != nil {
		t.Fatalf("Failed to fetch board settings: %v", err)
	}
	if got.Workspace == nil || got.Workspace.LocalPath != "/srv/repo" {
		t.Errorf("Workspace settings = %+v, want local_path /srv/repo", got.Workspace)
	}
	if got.GitLab == nil || got.GitLab.ProjectID != 42 || !got.GitLab.PushOnComplete {
		t.Errorf("GitLab settings = %+v, want project 42 with push_on_complete", got.GitLab)
	}
}

func TestBoardSettingsRequiresMembership(t *testing.T) {
	h := setupServer(t)
	ctx := testCtx(t)

	err := h.db.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		_, err := tx.CreateUser("bob")
		return err
	})
	if err != nil {
		t.Fatalf("Failed to create second user: %v", err)
	}

	outsider := worker.NewClient(h.ts.URL, "")
	if _, err := outsider.Login(ctx, "bob", ""); err != nil {
		t.Fatalf("Failed to log in as bob: %v", err)
	}
	_, err = outsider.BoardSettings(ctx, h.board.ID)
	if err == nil {
		t.Fatal("Non-member read board settings, want 404")
	}
}

func TestCreateAndRouteColumns(t *testing.T) {
	h := setupServer(t)
	ctx := testCtx(t)
	client := h.login(t)

	autoRun := true
	col, err := client.CreateColumn(ctx, h.board.ID, worker.ColumnSpec{
		Name: "Architect", Color: "#8B5CF6", AutoRun: &autoRun, AgentType: "architect",
	})
	if err != nil {
		t.Fatalf("Failed to create column: %v", err)
	}
	if col.ID == "" || col.BoardID != h.board.ID {
		t.Fatalf("Created column = %+v, want an id on board %s", col, h.board.ID)
	}

	err = client.UpdateColumn(ctx, col.ID, worker.ColumnSpec{
		OnSuccessColumnID: h.done.ID,
		OnFailureColumnID: h.backlog.ID,
	})
	if err != nil {
		t.Fatalf("Failed to update column routing: %v", err)
	}

	err = h.db.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		updated, err := rx.GetColumn(col.ID)
		if err != nil {
			return err
		}
		if updated.OnSuccessColumnID != h.done.ID || updated.OnFailureColumnID != h.backlog.ID {
			t.Errorf("Routing = (%q, %q), want (%q, %q)",
				updated.OnSuccessColumnID, updated.OnFailureColumnID, h.done.ID, h.backlog.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to reload column: %v", err)
	}
}

func TestEventStream(t *testing.T) {
	database, err := db.New(db.Config{DSN: t.TempDir() + "/test.db"})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	ctx := testCtx(t)
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	bus, err := events.Start(0)
	if err != nil {
		t.Fatalf("Failed to start event bus: %v", err)
	}
	t.Cleanup(bus.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(database, bus, logger, Config{AuthSecret: []byte("test-secret")})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	var user *db.User
	var board *db.Board
	var backlog *db.Column
	err = database.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		if user, err = tx.CreateUser("alice"); err != nil {
			return err
		}
		if board, err = tx.CreateBoard("Sprint", "", user.ID); err != nil {
			return err
		}
		backlog, err = tx.CreateColumn(db.Column{BoardID: board.ID, Name: "Backlog"})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to set up board: %v", err)
	}

	client := worker.NewClient(ts.URL, "")
	login, err := client.Login(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/"+board.ID, nil)
	if err != nil {
		t.Fatalf("Failed to build stream request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open event stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Stream status = %d, want 200", resp.StatusCode)
	}

	lines := make(chan string, 100)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// The connected comment arrives before any event.
	select {
	case line := <-lines:
		if !strings.HasPrefix(line, ":") {
			t.Errorf("First stream line = %q, want a comment", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the stream preamble")
	}

	if _, err := client.CreateCard(ctx, backlog.ID, "Streamed", "", "", ""); err != nil {
		t.Fatalf("Failed to create card: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, open := <-lines:
			if !open {
				t.Fatal("Stream closed before the card event arrived")
			}
			if line == "event: card_created" {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for the card event")
		}
	}
}

func TestMoveCardEndpointTriggersAutomation(t *testing.T) {
	h := setupServer(t)
	ctx := testCtx(t)
	client := h.login(t)
	token := h.token(t)

	card, err := client.CreateCard(ctx, h.backlog.ID, "Manual start", "", "", "")
	if err != nil {
		t.Fatalf("Failed to create card: %v", err)
	}

	status, _ := h.request(t, http.MethodPost, "/api/cards/"+card.ID+"/move", token,
		map[string]any{"column_id": h.code.ID, "position": 0})
	if status != http.StatusOK {
		t.Fatalf("Move status = %d, want 200", status)
	}

	var tasks []db.Task
	err = h.db.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		var err error
		tasks, err = rx.ListTasksForCard(card.ID)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskType != db.TaskAgentRun {
		t.Fatalf("Tasks after move = %+v, want one agent_run", tasks)
	}
}
