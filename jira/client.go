package jira

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is a failed Jira API call, carrying the HTTP status and any
// message Jira returned.
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("jira: %s (status %d)", e.Message, e.StatusCode)
	}
	return "jira: " + e.Message
}

// Issue is a Jira issue as kira sees it.
type Issue struct {
	Key         string
	Summary     string
	Description string
	IssueType   string
	Project     string
	Labels      []string
	Assignee    string
	Priority    string
	Status      string
	BrowseURL   string
}

// Client talks to a Jira Server REST API v2 endpoint with basic auth.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient validates the config and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Configured() {
		return nil, &Error{Message: "not configured; set server, username, and password in ~/.kira/jira.yaml or JIRA_* environment variables"}
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// CreateIssueRequest describes a new issue. Empty Project and IssueType
// fall back to the config defaults.
type CreateIssueRequest struct {
	Summary     string
	Description string
	Project     string
	IssueType   string
	Labels      []string
	Assignee    string
	Priority    string
}

// CreateIssue creates an issue and returns it with its key and browse URL.
func (c *Client) CreateIssue(req CreateIssueRequest) (*Issue, error) {
	project := req.Project
	if project == "" {
		project = c.config.DefaultProject
	}
	if project == "" {
		return nil, &Error{Message: "no project given and no default_project configured"}
	}
	issueType := req.IssueType
	if issueType == "" {
		issueType = c.config.DefaultIssueType
	}
	labels := req.Labels
	if len(labels) == 0 {
		labels = c.config.DefaultLabels
	}

	fields := map[string]any{
		"project":   map[string]string{"key": project},
		"summary":   req.Summary,
		"issuetype": map[string]string{"name": issueType},
	}
	if req.Description != "" {
		fields["description"] = req.Description
	}
	if len(labels) > 0 {
		fields["labels"] = labels
	}
	if req.Assignee != "" {
		// Jira Server keys assignees by username, not account id.
		fields["assignee"] = map[string]string{"name": req.Assignee}
	}
	if req.Priority != "" {
		fields["priority"] = map[string]string{"name": req.Priority}
	}

	var resp struct {
		Key string `json:"key"`
	}
	if err := c.request("POST", "issue", map[string]any{"fields": fields}, &resp); err != nil {
		return nil, err
	}
	return &Issue{
		Key:         resp.Key,
		Summary:     req.Summary,
		Description: req.Description,
		IssueType:   issueType,
		Project:     project,
		Labels:      labels,
		BrowseURL:   c.browseURL(resp.Key),
	}, nil
}

// SearchIssues runs a JQL query and returns matching issues.
func (c *Client) SearchIssues(jql string, maxResults int) ([]Issue, error) {
	if maxResults <= 0 {
		maxResults = 50
	}
	endpoint := fmt.Sprintf("search?jql=%s&maxResults=%d&fields=summary,description,issuetype,status,labels,priority,assignee",
		url.QueryEscape(jql), maxResults)

	var resp struct {
		Issues []issueJSON `json:"issues"`
	}
	if err := c.request("GET", endpoint, nil, &resp); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(resp.Issues))
	for _, raw := range resp.Issues {
		issues = append(issues, raw.toIssue(c.config.Server))
	}
	return issues, nil
}

// GetIssue fetches a single issue by key.
func (c *Client) GetIssue(key string) (*Issue, error) {
	var raw issueJSON
	if err := c.request("GET", "issue/"+url.PathEscape(key), nil, &raw); err != nil {
		return nil, err
	}
	issue := raw.toIssue(c.config.Server)
	return &issue, nil
}

// AddComment adds a plain-text comment to an issue.
func (c *Client) AddComment(key, comment string) error {
	return c.request("POST", "issue/"+url.PathEscape(key)+"/comment",
		map[string]string{"body": comment}, nil)
}

// Myself tests the connection by fetching the authenticated user.
func (c *Client) Myself() (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	if err := c.request("GET", "myself", nil, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

func (c *Client) browseURL(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimRight(c.config.Server, "/") + "/browse/" + key
}

func (c *Client) request(method, endpoint string, body, result any) error {
	u := strings.TrimRight(c.config.Server, "/") + "/rest/api/2/" + endpoint

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jira: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return fmt.Errorf("jira: %w", err)
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &Error{Message: apiErrorMessage(resp.Body), StatusCode: resp.StatusCode}
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("jira: decode response: %w", err)
		}
	}
	return nil
}

// apiErrorMessage extracts Jira's errorMessages/errors fields, falling
// back to the raw body.
func apiErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var parsed struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if len(parsed.ErrorMessages) > 0 {
			return strings.Join(parsed.ErrorMessages, "; ")
		}
		if len(parsed.Errors) > 0 {
			parts := make([]string, 0, len(parsed.Errors))
			for field, msg := range parsed.Errors {
				parts = append(parts, field+": "+msg)
			}
			return strings.Join(parts, "; ")
		}
	}
	return string(raw)
}

type issueJSON struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string   `json:"summary"`
		Description string   `json:"description"`
		Labels      []string `json:"labels"`
		IssueType   struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Assignee struct {
			Name string `json:"name"`
		} `json:"assignee"`
	} `json:"fields"`
}

func (j issueJSON) toIssue(server string) Issue {
	issue := Issue{
		Key:         j.Key,
		Summary:     j.Fields.Summary,
		Description: j.Fields.Description,
		IssueType:   j.Fields.IssueType.Name,
		Project:     j.Fields.Project.Key,
		Labels:      j.Fields.Labels,
		Assignee:    j.Fields.Assignee.Name,
		Priority:    j.Fields.Priority.Name,
		Status:      j.Fields.Status.Name,
	}
	if server != "" && issue.Key != "" {
		issue.BrowseURL = strings.TrimRight(server, "/") + "/browse/" + issue.Key
	}
	return issue
}
