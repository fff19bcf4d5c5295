// Package worker implements the task runtime: it registers with the
// server, polls for pending tasks, claims them, fans execution out to
// task-type executors, and reports progress and results back.
package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is reported to the server during registration.
const Version = "0.3.0"

// Config controls the worker runtime. Values come from
// ~/.kira/worker.yaml with KIRA_* environment overrides on top.
type Config struct {
	ServerURL          string
	Token              string // bearer token, env or login only, never saved
	Password           string // env only, never saved
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
	KiroTimeout        time.Duration
	WorkspaceRoot      string
}

// fileConfig is the on-disk YAML shape; intervals are plain seconds.
type fileConfig struct {
	ServerURL          string  `yaml:"server_url,omitempty"`
	PollInterval       float64 `yaml:"poll_interval,omitempty"`
	HeartbeatInterval  float64 `yaml:"heartbeat_interval,omitempty"`
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks,omitempty"`
	KiroTimeout        int     `yaml:"kiro_timeout,omitempty"`
	WorkspaceRoot      string  `yaml:"workspace_root,omitempty"`
}

// DefaultConfigPath returns ~/.kira/worker.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".kira", "worker.yaml"), nil
}

// LoadConfig builds a Config from defaults, the YAML file at path (or
// the default path when empty), and KIRA_* environment variables, in
// that priority order. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ServerURL:          "http://localhost:8000",
		PollInterval:       5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		MaxConcurrentTasks: 1,
		KiroTimeout:        10 * time.Minute,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.WorkspaceRoot = filepath.Join(home, ".kira", "workspaces")
	}

	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if data, err := os.ReadFile(path); err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if fc.ServerURL != "" {
			cfg.ServerURL = fc.ServerURL
		}
		if fc.PollInterval > 0 {
			cfg.PollInterval = secondsToDuration(fc.PollInterval)
		}
		if fc.HeartbeatInterval > 0 {
			cfg.HeartbeatInterval = secondsToDuration(fc.HeartbeatInterval)
		}
		if fc.MaxConcurrentTasks > 0 {
			cfg.MaxConcurrentTasks = fc.MaxConcurrentTasks
		}
		if fc.KiroTimeout > 0 {
			cfg.KiroTimeout = time.Duration(fc.KiroTimeout) * time.Second
		}
		if fc.WorkspaceRoot != "" {
			cfg.WorkspaceRoot = expandHome(fc.WorkspaceRoot)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if v := os.Getenv("KIRA_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("KIRA_WORKER_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("KIRA_WORKER_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("KIRA_POLL_INTERVAL"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.PollInterval = secondsToDuration(secs)
		}
	}
	if v := os.Getenv("KIRA_HEARTBEAT_INTERVAL"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.HeartbeatInterval = secondsToDuration(secs)
		}
	}
	if v := os.Getenv("KIRA_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("KIRA_KIRO_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.KiroTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("KIRA_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = expandHome(v)
	}

	return cfg, nil
}

// Save writes the file-backed settings to path (default path when
// empty) with owner-only permissions. Token and password never touch
// disk.
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(fileConfig{
		ServerURL:          c.ServerURL,
		PollInterval:       c.PollInterval.Seconds(),
		HeartbeatInterval:  c.HeartbeatInterval.Seconds(),
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		KiroTimeout:        int(c.KiroTimeout.Seconds()),
		WorkspaceRoot:      c.WorkspaceRoot,
	})
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
