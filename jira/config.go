// Package jira talks to Jira Server's REST API v2. Credentials live on
// the worker machine, never on the kira server: issue import and push
// run as worker tasks using the local ~/.kira/jira.yaml.
package jira

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the Jira connection configuration.
type Config struct {
	Server           string   `yaml:"server"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"` // password or API token
	DefaultProject   string   `yaml:"default_project"`
	DefaultIssueType string   `yaml:"default_issue_type"`
	DefaultLabels    []string `yaml:"default_labels"`
}

// Configured reports whether the config carries enough to authenticate.
func (c Config) Configured() bool {
	return c.Server != "" && c.Username != "" && c.Password != ""
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("jira config: %w", err)
	}
	return filepath.Join(home, ".kira", "jira.yaml"), nil
}

// LoadConfig reads ~/.kira/jira.yaml, then applies JIRA_SERVER,
// JIRA_USERNAME, JIRA_PASSWORD, and JIRA_PROJECT environment overrides.
// A missing file is not an error; the env vars may carry everything.
func LoadConfig() (Config, error) {
	cfg := Config{DefaultIssueType: "Task"}

	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("jira config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("jira config: %w", err)
	}

	if v := os.Getenv("JIRA_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("JIRA_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("JIRA_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("JIRA_PROJECT"); v != "" {
		cfg.DefaultProject = v
	}
	if cfg.DefaultIssueType == "" {
		cfg.DefaultIssueType = "Task"
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.kira/jira.yaml with 0600
// permissions, since it holds credentials.
func SaveConfig(cfg Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("jira config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("jira config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("jira config: %w", err)
	}
	return nil
}
