package agentd

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

func timeoutCtx(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// pickDirectory opens a native directory chooser and returns the
// selected path, or "" when the user cancels.
func pickDirectory(ctx context.Context, initialDir string) (string, error) {
	if runtime.GOOS == "darwin" {
		return pickDirectoryDarwin(ctx, initialDir)
	}
	return pickDirectoryZenity(ctx, initialDir)
}

func pickDirectoryDarwin(ctx context.Context, initialDir string) (string, error) {
	script := "tell application \"System Events\" to activate\n"
	if initialDir != "" {
		script += fmt.Sprintf("set defaultDir to POSIX file %q as alias\n", initialDir)
		script += "set chosenDir to choose folder with prompt \"Select working directory\" default location defaultDir\n"
	} else {
		script += "set chosenDir to choose folder with prompt \"Select working directory\"\n"
	}
	script += "return POSIX path of chosenDir"

	out, err := exec.CommandContext(ctx, "osascript", "-e", script).Output()
	if err != nil {
		// Cancelling the dialog exits non-zero; not an error worth
		// surfacing to the browser.
		return "", nil
	}
	return strings.TrimRight(strings.TrimSpace(string(out)), "/"), nil
}

func pickDirectoryZenity(ctx context.Context, initialDir string) (string, error) {
	args := []string{"--file-selection", "--directory", "--title=Select working directory"}
	if initialDir != "" {
		args = append(args, "--filename="+initialDir+"/")
	}
	out, err := exec.CommandContext(ctx, "zenity", args...).Output()
	if err != nil {
		if _, lookErr := exec.LookPath("zenity"); lookErr != nil {
			return "", fmt.Errorf("no directory picker available: %w", lookErr)
		}
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}
