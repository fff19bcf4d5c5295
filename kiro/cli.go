package kiro

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ansiEscape matches CSI sequences, OSC sequences, charset selection,
// and carriage returns used by spinner animations.
var ansiEscape = regexp.MustCompile(
	`\x1b\[[0-9;?]*[a-zA-Z]` +
		`|\x1b\].*?\x07` +
		`|\x1b[()][AB012]` +
		`|\r`)

// lineFilters drop kiro-cli chrome: banners, spinner frames, tool
// execution logs, and timing lines.
var lineFilters = []*regexp.Regexp{
	regexp.MustCompile(`^[─│┌┐└┘├┤┬┴┼═║╔╗╚╝╠╣╦╩╬█▀▄░▒▓\s]+$`),
	regexp.MustCompile(`^Model:\s*`),
	regexp.MustCompile(`^Did you know\?`),
	regexp.MustCompile(`^(Reading|Writing|Executing|Running|Creating|Deleting)\s+`),
	regexp.MustCompile(`^▸\s*Time:`),
	regexp.MustCompile(`^[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏\s]+$`),
	regexp.MustCompile(`^\s*$`),
}

// CLI runs prompts through the kiro-cli binary in non-interactive mode,
// with the prompt on stdin and cleaned output streamed from stdout.
type CLI struct {
	// Path overrides binary discovery. Leave empty to search PATH and
	// the common install locations.
	Path string

	Agent         string
	Model         string
	TrustAllTools bool
	WorkDir       string
	Timeout       time.Duration
}

// findBinary locates kiro-cli, preferring PATH and falling back to the
// usual install directories.
func (c *CLI) findBinary() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	for _, name := range []string{"kiro-cli", "kiro"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	home, _ := os.UserHomeDir()
	for _, p := range []string{
		filepath.Join(home, ".local", "bin", "kiro-cli"),
		"/usr/local/bin/kiro-cli",
		filepath.Join(home, ".npm-global", "bin", "kiro-cli"),
	} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// args builds the command line. The prompt travels over stdin, so only
// flags appear here.
func (c *CLI) args() []string {
	args := []string{"chat"}
	if c.Agent != "" {
		args = append(args, "--agent", c.Agent)
	}
	if model := ResolveModel(c.Model); model != "" {
		args = append(args, "--model", model)
	}
	if c.TrustAllTools {
		args = append(args, "--trust-all-tools")
	}
	args = append(args, "--no-interactive", "--wrap", "never")
	return args
}

// cleanLine strips ANSI codes and drops filtered chrome. A false second
// return means the line should be skipped entirely.
func cleanLine(line string) (string, bool) {
	line = ansiEscape.ReplaceAllString(line, "")
	for _, f := range lineFilters {
		if f.MatchString(line) {
			return "", false
		}
	}
	line = strings.TrimPrefix(line, "> ")
	return line, true
}

// Stream runs the prompt through kiro-cli and calls fn for each cleaned
// output line. It returns the accumulated output; on error the partial
// output collected so far is still returned.
func (c *CLI) Stream(ctx context.Context, prompt string, fn func(chunk string)) (string, error) {
	bin, err := c.findBinary()
	if err != nil {
		return "", err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, c.args()...)
	cmd.Dir = c.WorkDir
	cmd.Stdin = strings.NewReader(prompt)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("kiro: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("kiro: start %s: %w", bin, err)
	}

	var out strings.Builder
	started := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line, ok := cleanLine(scanner.Text())
		if !ok {
			continue
		}
		// Skip empty lines before the first real output.
		if !started && strings.TrimSpace(line) == "" {
			continue
		}
		started = true
		chunk := line + "\n"
		out.WriteString(chunk)
		if fn != nil {
			fn(chunk)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("kiro: %w", ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out.String(), fmt.Errorf("kiro: %s: %w", msg, err)
		}
		return out.String(), fmt.Errorf("kiro: %w", err)
	}
	if scanErr != nil {
		return out.String(), fmt.Errorf("kiro: read output: %w", scanErr)
	}
	return out.String(), nil
}
