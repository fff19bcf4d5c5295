// Package gitlab is a thin client for the GitLab REST API v4. As with
// Jira, the token stays on the worker machine in ~/.kira/gitlab.yaml;
// the kira server only ever stores project ids in board settings.
package gitlab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the GitLab connection configuration.
type Config struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"` // personal access token
}

// Configured reports whether the config carries enough to authenticate.
func (c Config) Configured() bool {
	return c.Server != "" && c.Token != ""
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("gitlab config: %w", err)
	}
	return filepath.Join(home, ".kira", "gitlab.yaml"), nil
}

// LoadConfig reads ~/.kira/gitlab.yaml with GITLAB_SERVER and
// GITLAB_TOKEN environment overrides.
func LoadConfig() (Config, error) {
	var cfg Config
	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("gitlab config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("gitlab config: %w", err)
	}
	if v := os.Getenv("GITLAB_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		cfg.Token = v
	}
	return cfg, nil
}

// SaveConfig writes the config with 0600 permissions.
func SaveConfig(cfg Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("gitlab config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("gitlab config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("gitlab config: %w", err)
	}
	return nil
}

// Error is a failed GitLab API call.
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gitlab: %s (status %d)", e.Message, e.StatusCode)
	}
	return "gitlab: " + e.Message
}

// Project is a GitLab project.
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
	WebURL            string `json:"web_url"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
}

// MergeRequest is a created merge request.
type MergeRequest struct {
	IID          int64  `json:"iid"`
	Title        string `json:"title"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	WebURL       string `json:"web_url"`
}

// Client talks to a GitLab server with a private token.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if !cfg.Configured() {
		return nil, &Error{Message: "not configured; set server and token in ~/.kira/gitlab.yaml or GITLAB_SERVER/GITLAB_TOKEN"}
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// CurrentUser tests the connection and returns the token owner's username.
func (c *Client) CurrentUser() (string, error) {
	var resp struct {
		Username string `json:"username"`
	}
	if err := c.request("GET", "/user", nil, &resp); err != nil {
		return "", err
	}
	return resp.Username, nil
}

// GetProject fetches a project by id.
func (c *Client) GetProject(projectID int64) (*Project, error) {
	var p Project
	if err := c.request("GET", fmt.Sprintf("/projects/%d", projectID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject creates a private project, optionally in a namespace.
func (c *Client) CreateProject(name string, namespaceID int64, description string) (*Project, error) {
	body := map[string]any{
		"name":       name,
		"visibility": "private",
	}
	if namespaceID != 0 {
		body["namespace_id"] = namespaceID
	}
	if description != "" {
		body["description"] = description
	}
	var p Project
	if err := c.request("POST", "/projects", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateBranch creates a branch from ref.
func (c *Client) CreateBranch(projectID int64, branch, ref string) error {
	return c.request("POST", fmt.Sprintf("/projects/%d/repository/branches", projectID),
		map[string]string{"branch": branch, "ref": ref}, nil)
}

// CreateMergeRequest opens an MR from source to target.
func (c *Client) CreateMergeRequest(projectID int64, sourceBranch, targetBranch, title, description string) (*MergeRequest, error) {
	body := map[string]any{
		"source_branch": sourceBranch,
		"target_branch": targetBranch,
		"title":         title,
	}
	if description != "" {
		body["description"] = description
	}
	var mr MergeRequest
	if err := c.request("POST", fmt.Sprintf("/projects/%d/merge_requests", projectID), body, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// CloneURL builds the authenticated HTTPS clone URL for a project path
// like "group/project". The token rides in the URL since worker clones
// run non-interactively.
func (c *Client) CloneURL(projectPath string) string {
	server := strings.TrimRight(c.config.Server, "/")
	server = strings.TrimPrefix(server, "https://")
	server = strings.TrimPrefix(server, "http://")
	return fmt.Sprintf("https://oauth2:%s@%s/%s.git", c.config.Token, server, projectPath)
}

func (c *Client) request(method, endpoint string, body, result any) error {
	u := strings.TrimRight(c.config.Server, "/") + "/api/v4" + endpoint

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gitlab: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return fmt.Errorf("gitlab: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var parsed struct {
			Message any    `json:"message"`
			Error   string `json:"error"`
		}
		msg := string(raw)
		if err := json.Unmarshal(raw, &parsed); err == nil {
			if parsed.Error != "" {
				msg = parsed.Error
			} else if parsed.Message != nil {
				msg = fmt.Sprint(parsed.Message)
			}
		}
		return &Error{Message: msg, StatusCode: resp.StatusCode}
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("gitlab: decode response: %w", err)
		}
	}
	return nil
}
