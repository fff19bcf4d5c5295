// Package executor implements the task executors the worker runtime
// dispatches to: AI agent runs, board planning, Jira import/push, and
// GitLab project/push operations. Executors report their own domain
// outcomes (complete or fail) to the server; a returned error means
// something escaped that handling.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tgruben-circuit/kira/worker"
)

// progress sends a best-effort progress update. Failures are logged at
// debug and swallowed so a flaky server never interrupts execution.
func progress(ctx context.Context, log *slog.Logger, server *worker.Client, taskID, workerID, text string, detail *worker.ProgressDetail) {
	if err := server.ReportProgress(ctx, taskID, workerID, text, detail); err != nil {
		log.Debug("progress report failed", "task_id", taskID, "error", err)
	}
}

// decodePayload parses a task's payload_json into dst. Empty payloads
// decode as the zero value.
func decodePayload(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), dst)
}

// labelsJSON normalizes a raw labels value to a JSON array string. The
// AI sometimes emits labels as a bare string instead of a list.
func labelsJSON(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "[]"
	}
	if strings.HasPrefix(s, "[") {
		return s
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		out, _ := json.Marshal([]string{single})
		return string(out)
	}
	return "[]"
}
