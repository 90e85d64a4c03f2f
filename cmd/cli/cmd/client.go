package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"runplane/pkg/api"
)

// RunClient handles API calls to the runplane controller.
type RunClient struct {
	BaseURL     string
	User        string
	OwnerHeader string
	HTTPClient  *http.Client
}

// NewRunClient creates a new client acting as user.
func NewRunClient(baseURL, user, ownerHeader string) *RunClient {
	if ownerHeader == "" {
		ownerHeader = "X-Remote-User"
	}
	return &RunClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		User:        user,
		OwnerHeader: ownerHeader,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// newAPIError prefers the structured error body and falls back to the raw text.
func newAPIError(status int, body []byte) *APIError {
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg := er.Error
		if er.Details != "" {
			msg += ": " + er.Details
		}
		return &APIError{StatusCode: status, Message: msg}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// do sends one request. A nil out discards the response body.
func (c *RunClient) do(method, path string, in, out any, expected ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add(c.OwnerHeader, c.User)
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	ok := false
	for _, code := range expected {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return newAPIError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// SubmitRun sends POST /runs to queue a run.
func (c *RunClient) SubmitRun(req api.SubmitRunRequest) (*api.SubmitRunResponse, error) {
	var result api.SubmitRunResponse
	if err := c.do(http.MethodPost, "/runs", req, &result, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRuns sends GET /runs.
func (c *RunClient) ListRuns() ([]api.Job, error) {
	var result api.ListJobsResponse
	if err := c.do(http.MethodGet, "/runs", nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// GetRun sends GET /runs/{id}.
func (c *RunClient) GetRun(id string) (*api.Job, error) {
	var result api.Job
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(id), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteRun sends DELETE /runs/{id}.
func (c *RunClient) DeleteRun(id string) error {
	return c.do(http.MethodDelete, "/runs/"+url.PathEscape(id), nil, nil, http.StatusNoContent, http.StatusOK)
}

// GetLogs sends GET /runs/{id}/logs. tail 0 returns whole files.
func (c *RunClient) GetLogs(id string, tail int) ([]api.ScenarioLog, error) {
	path := "/runs/" + url.PathEscape(id) + "/logs"
	if tail > 0 {
		path += fmt.Sprintf("?tail=%d", tail)
	}
	var result api.LogsResponse
	if err := c.do(http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result.Logs, nil
}
