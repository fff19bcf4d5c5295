package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tgruben-circuit/kira/gitlab"
	"github.com/tgruben-circuit/kira/worker"
)

func fakeGitLabServer(t *testing.T, mrStatus int) (*httptest.Server, func() (gitlab.Config, error)) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/projects", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gitlab.Project{
			ID:                7,
			Name:              "demo",
			PathWithNamespace: "team/demo",
			DefaultBranch:     "main",
			WebURL:            "https://gitlab.example/team/demo",
		})
	})
	mux.HandleFunc("POST /api/v4/projects/7/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		if mrStatus != 0 {
			http.Error(w, `{"message": "merge request already exists"}`, mrStatus)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(gitlab.MergeRequest{
			IID:          3,
			Title:        body["title"].(string),
			SourceBranch: body["source_branch"].(string),
			WebURL:       "https://gitlab.example/team/demo/-/merge_requests/3",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	load := func() (gitlab.Config, error) {
		return gitlab.Config{Server: srv.URL, Token: "glpat-test"}, nil
	}
	return srv, load
}

// gitRecorder stubs git subprocess calls and records the argv of each.
type gitRecorder struct {
	mu    sync.Mutex
	calls [][]string
	dirs  []string

	// failOn, when set, fails the first call whose subcommand matches.
	failOn  string
	failOut string
}

func (g *gitRecorder) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, args)
	g.dirs = append(g.dirs, dir)
	g.mu.Unlock()
	if g.failOn != "" && args[0] == g.failOn {
		return []byte(g.failOut), errors.New("exit status 1")
	}
	return nil, nil
}

func TestGitLabCreateProject(t *testing.T) {
	board, client := newFakeBoard(t)
	_, load := fakeGitLabServer(t, 0)
	ex := &GitLab{Server: client, WorkerID: staticWorkerID("w1"), LoadConfig: load}

	task := worker.Task{
		ID:          "t1",
		TaskType:    "gitlab_create_project",
		PayloadJSON: `{"name": "demo", "description": "Demo project"}`,
	}
	if err := ex.Execute(context.Background(), task, ""); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	done := board.lastComplete(t)
	wantText := "Created GitLab project: team/demo\nhttps://gitlab.example/team/demo"
	if got := done["output_text"]; got != wantText {
		t.Errorf("output_text = %v, want %q", got, wantText)
	}
	result := done["result_data"].(map[string]any)
	if result["project_id"] != float64(7) || result["default_branch"] != "main" {
		t.Errorf("result_data = %v", result)
	}
}

func TestGitLabNotConfigured(t *testing.T) {
	board, client := newFakeBoard(t)
	ex := &GitLab{
		Server:     client,
		WorkerID:   staticWorkerID("w1"),
		LoadConfig: func() (gitlab.Config, error) { return gitlab.Config{}, nil },
	}

	task := worker.Task{ID: "t1", TaskType: "gitlab_create_project", PayloadJSON: `{"name": "demo"}`}
	if err := ex.Execute(context.Background(), task, ""); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	fail := board.lastFail(t)
	if got := fail["error_summary"]; got != "GitLab not configured. Set GITLAB_SERVER and GITLAB_TOKEN." {
		t.Errorf("error_summary = %v", got)
	}
}

func TestGitLabPush(t *testing.T) {
	board, client := newFakeBoard(t)
	_, load := fakeGitLabServer(t, 0)
	git := &gitRecorder{}
	ex := &GitLab{Server: client, WorkerID: staticWorkerID("w1"), LoadConfig: load, Git: git.run}

	task := worker.Task{
		ID:          "t1",
		TaskType:    "gitlab_push",
		CardID:      "abcdef1234567890",
		PayloadJSON: `{"project_id": 7, "card_title": "Add OAuth Login!"}`,
	}
	if err := ex.Execute(context.Background(), task, "/work/repo"); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	wantBranch := "kira/abcdef12-add-oauth-login"
	wantCalls := [][]string{
		{"checkout", "-b", wantBranch},
		{"add", "-A"},
		{"commit", "-m", "feat: Add OAuth Login!"},
		{"push", "-u", "origin", wantBranch},
	}
	git.mu.Lock()
	if len(git.calls) != len(wantCalls) {
		t.Fatalf("got %d git calls, want %d: %v", len(git.calls), len(wantCalls), git.calls)
	}
	for i, want := range wantCalls {
		if strings.Join(git.calls[i], " ") != strings.Join(want, " ") {
			t.Errorf("git call %d = %v, want %v", i, git.calls[i], want)
		}
		if git.dirs[i] != "/work/repo" {
			t.Errorf("git call %d ran in %q, want /work/repo", i, git.dirs[i])
		}
	}
	git.mu.Unlock()

	done := board.lastComplete(t)
	text := done["output_text"].(string)
	if !strings.Contains(text, "Pushed branch `"+wantBranch+"` to GitLab") {
		t.Errorf("output_text = %q", text)
	}
	if !strings.Contains(text, "Merge request: https://gitlab.example/team/demo/-/merge_requests/3") {
		t.Errorf("output_text missing MR link: %q", text)
	}
	result := done["result_data"].(map[string]any)
	if result["branch_name"] != wantBranch || result["mr_iid"] != float64(3) {
		t.Errorf("result_data = %v", result)
	}
}

func TestGitLabPushGitFailure(t *testing.T) {
	board, client := newFakeBoard(t)
	_, load := fakeGitLabServer(t, 0)
	git := &gitRecorder{failOn: "commit", failOut: "nothing to commit, working tree clean"}
	ex := &GitLab{Server: client, WorkerID: staticWorkerID("w1"), LoadConfig: load, Git: git.run}

	task := worker.Task{ID: "t1", TaskType: "gitlab_push", PayloadJSON: `{"project_id": 7}`}
	if err := ex.Execute(context.Background(), task, ""); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	fail := board.lastFail(t)
	if got := fail["error_summary"]; got != "Git operation failed: nothing to commit, working tree clean" {
		t.Errorf("error_summary = %v", got)
	}
}

func TestGitLabPushMergeRequestFailureIsPartialSuccess(t *testing.T) {
	board, client := newFakeBoard(t)
	_, load := fakeGitLabServer(t, http.StatusConflict)
	git := &gitRecorder{}
	ex := &GitLab{Server: client, WorkerID: staticWorkerID("w1"), LoadConfig: load, Git: git.run}

	task := worker.Task{
		ID:          "t1",
		TaskType:    "gitlab_push",
		PayloadJSON: `{"project_id": 7, "branch_name": "fix/login"}`,
	}
	if err := ex.Execute(context.Background(), task, ""); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	// Push succeeded, so the task completes even though the MR did not
	// open.
	done := board.lastComplete(t)
	text := done["output_text"].(string)
	if !strings.Contains(text, "Pushed branch `fix/login` to GitLab") {
		t.Errorf("output_text = %q", text)
	}
	if !strings.Contains(text, "Merge request creation failed:") {
		t.Errorf("output_text missing MR failure note: %q", text)
	}
	result := done["result_data"].(map[string]any)
	if _, ok := result["mr_error"]; !ok {
		t.Errorf("result_data missing mr_error: %v", result)
	}
}

func TestGitLabPushSkipsMergeRequestWhenDisabled(t *testing.T) {
	board, client := newFakeBoard(t)
	_, load := fakeGitLabServer(t, http.StatusInternalServerError)
	git := &gitRecorder{}
	ex := &GitLab{Server: client, WorkerID: staticWorkerID("w1"), LoadConfig: load, Git: git.run}

	task := worker.Task{
		ID:          "t1",
		TaskType:    "gitlab_push",
		PayloadJSON: `{"project_id": 7, "branch_name": "fix/login", "create_mr": false}`,
	}
	if err := ex.Execute(context.Background(), task, ""); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	done := board.lastComplete(t)
	text := done["output_text"].(string)
	if strings.Contains(text, "Merge request") {
		t.Errorf("MR should be skipped: %q", text)
	}
}

func TestGitLabMissingProjectID(t *testing.T) {
	board, client := newFakeBoard(t)
	_, load := fakeGitLabServer(t, 0)
	ex := &GitLab{Server: client, WorkerID: staticWorkerID("w1"), LoadConfig: load}

	task := worker.Task{ID: "t1", TaskType: "gitlab_push", PayloadJSON: `{}`}
	if err := ex.Execute(context.Background(), task, ""); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	fail := board.lastFail(t)
	if got := fail["error_summary"]; got != "Missing 'project_id' in payload" {
		t.Errorf("error_summary = %v", got)
	}
}
