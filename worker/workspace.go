package worker

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tgruben-circuit/kira/db"
	"github.com/tgruben-circuit/kira/gitlab"
)

// Resolver picks the working directory for a task from its board's
// workspace settings: an existing local path wins; otherwise a GitLab
// project is cloned (or pulled) under the workspace root. An empty
// result means "run in the worker's default directory".
type Resolver struct {
	Root string

	// git runs a git command in dir; swapped out by tests.
	git func(ctx context.Context, dir string, args ...string) ([]byte, error)
	// loadGitLab supplies clone credentials; swapped out by tests.
	loadGitLab func() (gitlab.Config, error)
}

// NewResolver builds a resolver rooted at root.
func NewResolver(root string) *Resolver {
	return &Resolver{
		Root: root,
		git: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "git", args...)
			cmd.Dir = dir
			return cmd.CombinedOutput()
		},
		loadGitLab: gitlab.LoadConfig,
	}
}

// Resolve returns the working directory for the given board settings,
// or "" when no workspace applies. It never fails the caller: every
// problem is logged and collapses to "".
func (r *Resolver) Resolve(ctx context.Context, settings db.BoardSettings) string {
	ws := settings.Workspace
	if ws == nil {
		return ""
	}

	if ws.LocalPath != "" {
		path := expandHome(ws.LocalPath)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path
		}
		slog.Warn("local workspace path does not exist", "path", ws.LocalPath)
		return ""
	}

	if ws.GitLabProject != "" {
		return r.cloneOrPull(ctx, ws.GitLabProject)
	}
	return ""
}

// cloneOrPull materializes {root}/{ns-proj} for a GitLab project path.
// An existing clone gets a best-effort ff-only pull; pull failure still
// returns the directory so stale code beats no code.
func (r *Resolver) cloneOrPull(ctx context.Context, projectPath string) string {
	dirName := strings.NewReplacer("/", "-", `\`, "-").Replace(projectPath)
	cloneDir := filepath.Join(r.Root, dirName)

	if info, err := os.Stat(filepath.Join(cloneDir, ".git")); err == nil && info.IsDir() {
		if out, err := r.git(ctx, cloneDir, "pull", "--ff-only"); err != nil {
			slog.Warn("git pull failed", "project", projectPath, "output", strings.TrimSpace(string(out)))
		}
		return cloneDir
	}

	cfg, err := r.loadGitLab()
	if err != nil || !cfg.Configured() {
		slog.Warn("gitlab not configured, cannot clone", "project", projectPath)
		return ""
	}
	cloneURL := strings.TrimRight(cfg.Server, "/") + "/" + projectPath + ".git"

	if err := os.MkdirAll(r.Root, 0o755); err != nil {
		slog.Error("failed to create workspace root", "root", r.Root, "error", err)
		return ""
	}
	if out, err := r.git(ctx, r.Root, "clone", cloneURL, cloneDir); err != nil {
		slog.Error("git clone failed", "project", projectPath, "output", strings.TrimSpace(string(out)))
		return ""
	}
	return cloneDir
}
