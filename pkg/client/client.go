// Package client is a Go client for the branchgraph HTTP API.
//
// It covers branch administration, node and attribute reads and writes,
// schema inspection and asynchronous migration runs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/graph"
)

// --- Custom Errors ---

// APIError represents an error returned by the API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// --- JSON Response Structs ---

type branchList struct {
	Branches []branch.Branch `json:"branches"`
}

type nodeList struct {
	Nodes []graph.Entity `json:"nodes"`
}

type attributeResponse struct {
	Value any `json:"value"`
}

type taskAccepted struct {
	TaskID string `json:"task_id"`
}

// SchemaVersion is the migration version applied to the graph.
type SchemaVersion struct {
	Version int    `json:"version"`
	Hash    string `json:"hash,omitempty"`
}

// View selects the branch and instant a read is evaluated at. Zero values
// mean main and now.
type View struct {
	Branch string
	At     graph.Timestamp
}

func (v View) query() string {
	q := url.Values{}
	if v.Branch != "" {
		q.Set("branch", v.Branch)
	}
	if v.At != 0 {
		q.Set("at", strconv.FormatInt(int64(v.At), 10))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Task represents an asynchronous operation on the server.
type Task struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Error           string          `json:"error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`

	client *Client // Reference to the client for polling.
}

// --- Client ---

// Client talks to one branchgraph server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for baseURL (e.g. "http://localhost:9191"). An
// empty token sends no Authorization header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// jsonRequest executes a request and decodes a JSON answer into out.
func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, payload any, out any) error {
	var reqBody io.Reader
	contentType := "application/json"
	switch p := payload.(type) {
	case nil:
	case []byte:
		reqBody = bytes.NewReader(p)
		contentType = "application/yaml"
	default:
		jsonData, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("invalid JSON response for %s %s: %w", method, endpoint, err)
	}
	return nil
}

// Refresh updates the task's status by querying the server.
func (t *Task) Refresh(ctx context.Context) error {
	if t.client == nil {
		return fmt.Errorf("client is not associated with the task")
	}
	updated, err := t.client.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Status = updated.Status
	t.ProgressMessage = updated.ProgressMessage
	t.Error = updated.Error
	t.Result = updated.Result
	return nil
}

// Wait blocks until the task finishes, polling every interval.
func (t *Task) Wait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for task %s: %w", t.ID, ctx.Err())
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				return err
			}
			switch t.Status {
			case "completed":
				return nil
			case "failed":
				return fmt.Errorf("task %s failed with error: %s", t.ID, t.Error)
			case "running", "started":
				// Continue waiting.
			default:
				return fmt.Errorf("unknown task status: %s", t.Status)
			}
		}
	}
}

// --- Branch Methods ---

func (c *Client) ListBranches(ctx context.Context) ([]branch.Branch, error) {
	var resp branchList
	if err := c.jsonRequest(ctx, http.MethodGet, "/branches", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Branches, nil
}

func (c *Client) GetBranch(ctx context.Context, name string) (branch.Branch, error) {
	var b branch.Branch
	err := c.jsonRequest(ctx, http.MethodGet, "/branches/"+url.PathEscape(name), nil, &b)
	return b, err
}

// CreateBranch forks name from opts.From (main when empty).
func (c *Client) CreateBranch(ctx context.Context, name string, opts branch.CreateOptions) (branch.Branch, error) {
	payload := map[string]any{"name": name}
	if opts.From != "" {
		payload["from"] = opts.From
	}
	if opts.At != 0 {
		payload["at"] = strconv.FormatInt(int64(opts.At), 10)
	}
	if opts.Isolated {
		payload["isolated"] = true
	}
	if opts.Description != "" {
		payload["description"] = opts.Description
	}
	var b branch.Branch
	err := c.jsonRequest(ctx, http.MethodPost, "/branches", payload, &b)
	return b, err
}

func (c *Client) RebaseBranch(ctx context.Context, name string, at graph.Timestamp) (branch.Branch, error) {
	payload := map[string]string{}
	if at != 0 {
		payload["at"] = strconv.FormatInt(int64(at), 10)
	}
	var b branch.Branch
	err := c.jsonRequest(ctx, http.MethodPost, "/branches/"+url.PathEscape(name)+"/rebase", payload, &b)
	return b, err
}

func (c *Client) CloseBranch(ctx context.Context, name string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/branches/"+url.PathEscape(name)+"/close", nil, nil)
}

// --- Data Methods ---

// CreateNode creates a node of kind with its initial attributes on view.
func (c *Client) CreateNode(ctx context.Context, kind string, attrs map[string]any, view View) (graph.Entity, error) {
	payload := map[string]any{"kind": kind, "attributes": attrs}
	if view.Branch != "" {
		payload["branch"] = view.Branch
	}
	if view.At != 0 {
		payload["at"] = strconv.FormatInt(int64(view.At), 10)
	}
	var node graph.Entity
	err := c.jsonRequest(ctx, http.MethodPost, "/nodes", payload, &node)
	return node, err
}

func (c *Client) ListNodes(ctx context.Context, kind string, view View) ([]graph.Entity, error) {
	q := view.query()
	if q == "" {
		q = "?"
	} else {
		q += "&"
	}
	var resp nodeList
	if err := c.jsonRequest(ctx, http.MethodGet, "/nodes"+q+"kind="+url.QueryEscape(kind), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Attribute resolves one attribute value of node.
func (c *Client) Attribute(ctx context.Context, node, name string, view View) (any, error) {
	var resp attributeResponse
	endpoint := fmt.Sprintf("/nodes/%s/attributes/%s%s", url.PathEscape(node), url.PathEscape(name), view.query())
	if err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) SetAttribute(ctx context.Context, node, name string, value any, view View) error {
	payload := map[string]any{"value": value}
	if view.Branch != "" {
		payload["branch"] = view.Branch
	}
	if view.At != 0 {
		payload["at"] = strconv.FormatInt(int64(view.At), 10)
	}
	endpoint := fmt.Sprintf("/nodes/%s/attributes/%s", url.PathEscape(node), url.PathEscape(name))
	return c.jsonRequest(ctx, http.MethodPut, endpoint, payload, nil)
}

// --- Schema and Migration Methods ---

func (c *Client) SchemaVersion(ctx context.Context) (SchemaVersion, error) {
	var v SchemaVersion
	err := c.jsonRequest(ctx, http.MethodGet, "/schema/version", nil, &v)
	return v, err
}

// RunMigrations starts a migration run and returns its Task. A nil manifest
// runs the server's configured manifest.
func (c *Client) RunMigrations(ctx context.Context, manifest []byte) (*Task, error) {
	var payload any
	if len(manifest) > 0 {
		payload = manifest
	}
	var accepted taskAccepted
	if err := c.jsonRequest(ctx, http.MethodPost, "/migrations/run", payload, &accepted); err != nil {
		return nil, err
	}
	return &Task{ID: accepted.TaskID, Status: "started", client: c}, nil
}

// GetTask retrieves the status of a long-running task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.jsonRequest(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	task.client = c
	return &task, nil
}

// --- Administration Methods ---

// SaveSnapshot asks the server to snapshot its storage.
func (c *Client) SaveSnapshot(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodPost, "/system/save", nil, nil)
}

// RewriteLog asks the server to compact its command log.
func (c *Client) RewriteLog(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodPost, "/system/log-rewrite", nil, nil)
}
