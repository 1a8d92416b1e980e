package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

type Execution struct {
	ID             string         `json:"execution_id"`
	RunbookID      string         `json:"runbook_id"`
	RunbookVersion string         `json:"runbook_version"`
	RunbookName    string         `json:"runbook_name"`
	State          string         `json:"state"`
	Mode           string         `json:"mode"`
	Level          string         `json:"level"`
	Results        []StepResult   `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

type StepResult struct {
	StepID     string     `json:"step_id"`
	Action     string     `json:"action"`
	Executor   string     `json:"executor"`
	Success    bool       `json:"success"`
	Skipped    bool       `json:"skipped,omitempty"`
	Rollback   bool       `json:"rollback,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Output     any        `json:"output,omitempty"`
	Error      *StepError `json:"error,omitempty"`
}

type StepError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ApprovalEntry struct {
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	RunbookID   string         `json:"runbook_id,omitempty"`
	StepID      string         `json:"step_id"`
	StepName    string         `json:"step_name,omitempty"`
	Action      string         `json:"action"`
	Kind        string         `json:"kind"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Simulation  map[string]any `json:"simulation,omitempty"`
	Status      string         `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Approver    string         `json:"approver,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

type AuditEntry struct {
	Sequence    int64          `json:"sequence"`
	ExecutionID string         `json:"execution_id"`
	Timestamp   string         `json:"timestamp"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	PrevHash    string         `json:"prev_hash"`
	EntryHash   string         `json:"entry_hash"`
}

type ExecutionList struct {
	Executions []Execution `json:"executions"`
	Count      int         `json:"count"`
}

type ApprovalList struct {
	Approvals []ApprovalEntry `json:"approvals"`
	Count     int             `json:"count"`
}

type DecisionResponse struct {
	Approval ApprovalEntry `json:"approval"`
	Result   *StepResult   `json:"result,omitempty"`
}

type ExpireResponse struct {
	Expired []ApprovalEntry `json:"expired"`
	Count   int             `json:"count"`
}

type AuditResponse struct {
	ExecutionID string       `json:"execution_id"`
	Entries     []AuditEntry `json:"entries"`
	Count       int          `json:"count"`
	Verified    *bool        `json:"verified,omitempty"`
	VerifyError string       `json:"verify_error,omitempty"`
}

type CancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type MetricsSummary struct {
	Since          time.Time      `json:"since"`
	Executions     map[string]int `json:"executions"`
	Approvals      map[string]int `json:"approvals"`
	AvgDurationMS  int64          `json:"avg_duration_ms"`
	StepsSucceeded int            `json:"steps_succeeded"`
	StepsFailed    int            `json:"steps_failed"`
}

type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}

	return &APIClient{
		server: server,
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *APIClient) Executions(ctx context.Context, query url.Values) (*ExecutionList, error) {
	path := "/api/v1/executions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out ExecutionList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Execution(ctx context.Context, id string) (*Execution, error) {
	var out Execution
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/executions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Audit(ctx context.Context, id string, verify bool) (*AuditResponse, error) {
	path := "/api/v1/executions/" + id + "/audit"
	if verify {
		path += "?verify=1"
	}
	var out AuditResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CancelExecution(ctx context.Context, id, reason string) (*CancelResponse, error) {
	payload := map[string]string{"reason": reason}
	var out CancelResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/executions/"+id+"/cancel", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Approvals(ctx context.Context, status string) (*ApprovalList, error) {
	path := "/api/v1/approvals"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out ApprovalList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Approval(ctx context.Context, id string) (*ApprovalEntry, error) {
	var out ApprovalEntry
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/approvals/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Approve(ctx context.Context, id, approver, reason string) (*DecisionResponse, error) {
	return c.decide(ctx, id, "approve", approver, reason)
}

func (c *APIClient) Deny(ctx context.Context, id, approver, reason string) (*DecisionResponse, error) {
	return c.decide(ctx, id, "deny", approver, reason)
}

func (c *APIClient) decide(ctx context.Context, id, verb, approver, reason string) (*DecisionResponse, error) {
	payload := map[string]string{"approver": approver}
	if reason != "" {
		payload["reason"] = reason
	}
	var out DecisionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/approvals/"+id+"/"+verb, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ExpireApprovals(ctx context.Context) (*ExpireResponse, error) {
	var out ExpireResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/approvals/expire", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) MetricsSummary(ctx context.Context, window string) (*MetricsSummary, error) {
	path := "/api/v1/metrics/summary"
	if window != "" {
		path += "?window=" + url.QueryEscape(window)
	}
	var out MetricsSummary
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		err := json.Unmarshal(resBody, &apiErr)
		if err == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
