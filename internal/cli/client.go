// Package cli implements dagctl, the command-line client of the dagrunner
// HTTP API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// APIError is a non-2xx response carrying the server's error envelope.
type APIError struct {
	Status    int                    `json:"-"`
	Code      string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	if problems, ok := e.Details["problems"].([]interface{}); ok {
		for _, p := range problems {
			msg += fmt.Sprintf("\n  - %v", p)
		}
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to a dagrunner server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	// retries bounds how often idempotent requests are retried on
	// connection errors and 502/503/504
	retries uint64
}

// NewClient creates a client for the server at baseURL. token is sent as a
// bearer token when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		retries: 3,
	}
}

// ListDAGs returns the registered DAGs.
func (c *Client) ListDAGs(ctx context.Context, tags []string, paused *bool) ([]types.DAG, error) {
	q := url.Values{}
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}
	if paused != nil {
		q.Set("paused", strconv.FormatBool(*paused))
	}
	var resp struct {
		DAGs []types.DAG `json:"dags"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/dags", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.DAGs, nil
}

// GetDAG returns the latest version of a DAG.
func (c *Client) GetDAG(ctx context.Context, dagID string) (*types.DAG, error) {
	var d types.DAG
	if err := c.do(ctx, http.MethodGet, "/api/v1/dags/"+url.PathEscape(dagID), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetPaused pauses or unpauses a DAG.
func (c *Client) SetPaused(ctx context.Context, dagID string, paused bool) (*types.DAG, error) {
	var d types.DAG
	body := map[string]bool{"paused": paused}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/dags/"+url.PathEscape(dagID), nil, body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TriggerRun starts a manual run. A nil logicalDate lets the server pick now.
func (c *Client) TriggerRun(ctx context.Context, dagID string, logicalDate *time.Time, conf map[string]interface{}) (*types.DAGRun, error) {
	body := struct {
		LogicalDate *time.Time             `json:"logical_date,omitempty"`
		Conf        map[string]interface{} `json:"conf,omitempty"`
	}{logicalDate, conf}
	var run types.DAGRun
	if err := c.do(ctx, http.MethodPost, "/api/v1/dags/"+url.PathEscape(dagID)+"/runs", nil, body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the runs of a DAG, newest first.
func (c *Client) ListRuns(ctx context.Context, dagID string, state string, limit int) ([]*types.DAGRun, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.listRuns(ctx, dagID, q)
}

// FindRun returns the run of dagID for logicalDate.
func (c *Client) FindRun(ctx context.Context, dagID string, logicalDate time.Time) (*types.DAGRun, error) {
	q := url.Values{}
	q.Set("logical_date", logicalDate.UTC().Format(time.RFC3339))
	runs, err := c.listRuns(ctx, dagID, q)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, &APIError{
			Status:  http.StatusNotFound,
			Code:    "not_found",
			Message: fmt.Sprintf("no run of %s for %s", dagID, logicalDate.UTC().Format(time.RFC3339)),
		}
	}
	return runs[0], nil
}

func (c *Client) listRuns(ctx context.Context, dagID string, q url.Values) ([]*types.DAGRun, error) {
	var resp struct {
		Runs []*types.DAGRun `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/dags/"+url.PathEscape(dagID)+"/runs", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// RunDetail is a run with its task instances.
type RunDetail struct {
	types.DAGRun
	Tasks []*types.TaskInstance `json:"tasks"`
}

// GetRun returns a run and its task instances.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	var detail RunDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CancelRun asks the server to cancel a run.
func (c *Client) CancelRun(ctx context.Context, runID string, force bool) (*types.DAGRun, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	var run types.DAGRun
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", q, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListTasks returns the task instances of a run.
func (c *Client) ListTasks(ctx context.Context, runID string) ([]*types.TaskInstance, error) {
	var resp struct {
		Tasks []*types.TaskInstance `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/tasks", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// ClearTask resets a task (and optionally its downstream) for another try.
func (c *Client) ClearTask(ctx context.Context, runID, taskID string, downstream bool) ([]*types.TaskInstance, error) {
	q := url.Values{}
	if downstream {
		q.Set("downstream", "true")
	}
	var resp struct {
		Tasks []*types.TaskInstance `json:"tasks"`
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID) + "/clear"
	if err := c.do(ctx, http.MethodPost, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// TaskLog writes the log of one attempt to w. Attempt 0 is the latest.
func (c *Client) TaskLog(ctx context.Context, runID, taskID string, attempt int, w io.Writer) error {
	q := url.Values{}
	if attempt > 0 {
		q.Set("attempt", strconv.Itoa(attempt))
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID) + "/logs"
	resp, err := c.send(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out interface{}) error {
	resp, err := c.send(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into *APIError.
// GETs are retried with exponential backoff on transient failures.
func (c *Client) send(ctx context.Context, method, path string, q url.Values, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var resp *http.Response
	op := func() error {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return nil
		}
		apiErr := decodeError(r)
		switch r.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	if method != http.MethodGet {
		if err := op(); err != nil {
			return nil, unwrapPermanent(err)
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, unwrapPermanent(err)
	}
	return resp, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func decodeError(r *http.Response) *APIError {
	defer r.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	apiErr := &APIError{Status: r.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(r.StatusCode), " ", "_"))
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
