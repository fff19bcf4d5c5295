package agentd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// writePIDFile claims the daemon PID file. An existing file is only
// honored when its PID is alive AND still looks like a kira process;
// recycled PIDs from other programs are treated as stale.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("agentd: create pid dir: %w", err)
	}

	if raw, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			if processAlive(pid) && isKiraProcess(pid) {
				return fmt.Errorf("agentd: agent already running (pid %d)", pid)
			}
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("agentd: write pid file: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// isKiraProcess reports whether the pid's command name belongs to the
// kira family. When the check itself fails we assume it does, so two
// agents never race the same socket.
func isKiraProcess(pid int) bool {
	if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		return strings.Contains(strings.ToLower(string(comm)), "kira")
	}

	ctx, cancel := timeoutCtx(5 * time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return true
	}
	return strings.Contains(strings.ToLower(string(out)), "kira")
}
