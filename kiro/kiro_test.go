package kiro

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveModel(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"smart alias", "smart", "claude-sonnet-4.5"},
		{"fast alias", "fast", "claude-haiku-4.5"},
		{"best alias", "best", "claude-opus-4.5"},
		{"case insensitive", "OPUS", "claude-opus-4.5"},
		{"auto", "auto", "Auto"},
		{"direct name passes through", "claude-sonnet-4", "claude-sonnet-4"},
		{"unknown passes through", "gpt-4o", "gpt-4o"},
		{"empty stays empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveModel(tt.in); got != tt.want {
				t.Errorf("ResolveModel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		keep bool
	}{
		{"plain text", "hello world", "hello world", true},
		{"response prefix stripped", "> hello", "hello", true},
		{"ansi stripped", "\x1b[32mgreen\x1b[0m", "green", true},
		{"model line dropped", "Model: claude-sonnet-4.5", "", false},
		{"banner dropped", "┌───────┐", "", false},
		{"tool log dropped", "Reading file.go", "", false},
		{"spinner dropped", "⠋⠙", "", false},
		{"blank dropped", "   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep := cleanLine(tt.in)
			if keep != tt.keep {
				t.Fatalf("cleanLine(%q) keep = %v, want %v", tt.in, keep, tt.keep)
			}
			if keep && got != tt.want {
				t.Errorf("cleanLine(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCLIArgs(t *testing.T) {
	c := &CLI{Agent: "coder", Model: "smart", TrustAllTools: true}
	got := strings.Join(c.args(), " ")
	want := "chat --agent coder --model claude-sonnet-4.5 --trust-all-tools --no-interactive --wrap never"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}

	bare := &CLI{}
	got = strings.Join(bare.args(), " ")
	want = "chat --no-interactive --wrap never"
	if got != want {
		t.Errorf("bare args = %q, want %q", got, want)
	}
}

// fakeKiro writes a shell script that stands in for kiro-cli.
func fakeKiro(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiro-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("Failed to write fake kiro-cli: %v", err)
	}
	return path
}

func TestCLIStream(t *testing.T) {
	bin := fakeKiro(t, `
prompt=$(cat)
printf 'Model: claude-sonnet-4.5\n'
printf '\n'
printf '> got: %s\n' "$prompt"
printf 'Reading main.go\n'
printf 'done\n'
`)
	c := &CLI{Path: bin}

	var chunks []string
	out, err := c.Stream(context.Background(), "hello", func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if want := "got: hello\ndone\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
	if len(chunks) != 2 {
		t.Errorf("got %d chunks, want 2: %q", len(chunks), chunks)
	}
	if strings.Join(chunks, "") != out {
		t.Errorf("chunks %q do not reassemble to output %q", chunks, out)
	}
}

func TestCLIStreamFailureKeepsPartialOutput(t *testing.T) {
	bin := fakeKiro(t, `
cat > /dev/null
printf 'partial\n'
printf 'boom\n' >&2
exit 1
`)
	c := &CLI{Path: bin}

	out, err := c.Stream(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("expected error from failing kiro-cli")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not include stderr", err)
	}
	if want := "partial\n"; out != want {
		t.Errorf("partial output = %q, want %q", out, want)
	}
}

func TestCLIStreamTimeout(t *testing.T) {
	bin := fakeKiro(t, `
cat > /dev/null
printf 'started\n'
exec sleep 10
`)
	c := &CLI{Path: bin, Timeout: 100 * time.Millisecond}

	out, err := c.Stream(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "deadline") {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if want := "started\n"; out != want {
		t.Errorf("partial output = %q, want %q", out, want)
	}
}

func TestCLIFindBinaryMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	c := &CLI{}
	if _, err := c.findBinary(); err != ErrNotFound {
		t.Errorf("findBinary err = %v, want ErrNotFound", err)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hel", "lo ", "kira"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	o := NewOpenAI(srv.URL+"/v1", "test-key", "smart")

	var chunks []string
	out, err := o.Stream(context.Background(), "say hello", func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if want := "Hello kira"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(chunks))
	}
}
