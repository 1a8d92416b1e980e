package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
)

// defaultMaxResponseBytes caps HTTP response bodies so a chatty endpoint
// cannot bloat step output and the audit trail.
const defaultMaxResponseBytes = 8 * 1024

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodHead:   {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// HTTP executes the http_request action against arbitrary endpoints.
// Credentials attach by URL prefix so playbooks never embed tokens.
type HTTP struct {
	client    *http.Client
	creds     []credEntry
	maxBytes  int64
	healthURL string
}

type credEntry struct {
	urlPrefix string
	authValue string
}

// NewHTTP builds the adapter with a 30 second client timeout. Initialize
// can override it.
func NewHTTP() *HTTP {
	return &HTTP{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: defaultMaxResponseBytes,
	}
}

func (h *HTTP) Name() string    { return "http" }
func (h *HTTP) Version() string { return "1.0.0" }

func (h *HTTP) SupportedActions() []actions.Action {
	return []actions.Action{actions.HTTPRequest}
}

// Initialize reads optional config: timeout_seconds, max_response_bytes,
// health_url, and credentials (URL prefix to token; bare tokens get a
// Bearer prefix).
func (h *HTTP) Initialize(ctx context.Context, config map[string]any) error {
	if v, ok := config["timeout_seconds"]; ok {
		secs, err := asInt(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("timeout_seconds must be a positive integer, got %v", v)
		}
		h.client.Timeout = time.Duration(secs) * time.Second
	}
	if v, ok := config["max_response_bytes"]; ok {
		n, err := asInt(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("max_response_bytes must be a positive integer, got %v", v)
		}
		h.maxBytes = int64(n)
	}
	if v, ok := config["health_url"].(string); ok {
		h.healthURL = v
	}
	if creds, ok := config["credentials"].(map[string]any); ok {
		for prefix, raw := range creds {
			token, _ := raw.(string)
			if token == "" {
				continue
			}
			lower := strings.ToLower(token)
			if !strings.HasPrefix(lower, "bearer ") &&
				!strings.HasPrefix(lower, "token ") &&
				!strings.HasPrefix(lower, "basic ") {
				token = "Bearer " + token
			}
			h.creds = append(h.creds, credEntry{urlPrefix: prefix, authValue: token})
		}
	}
	return nil
}

func (h *HTTP) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsValidation: true}
}

func (h *HTTP) ValidateParameters(act actions.Action, params map[string]any) error {
	if act != actions.HTTPRequest {
		return fmt.Errorf("unsupported action %q", act)
	}
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	method := requestMethod(params)
	if _, ok := allowedMethods[method]; !ok {
		return fmt.Errorf("unsupported method %q", method)
	}
	return nil
}

func (h *HTTP) Execute(ctx context.Context, req adapter.Request) (*adapter.Result, error) {
	if err := h.ValidateParameters(req.Action, req.Params); err != nil {
		return adapter.FailureResult(h.Name(), req, &adapter.Error{
			Code:      adapter.CodeBadParams,
			Message:   err.Error(),
			Adapter:   h.Name(),
			Action:    req.Action,
			Retryable: false,
			StepID:    req.StepID,
		}), nil
	}

	rawURL := req.Params["url"].(string)
	method := requestMethod(req.Params)

	switch req.Mode {
	case actions.ModeDryRun:
		return &adapter.Result{
			Success:  true,
			Action:   req.Action,
			Executor: h.Name(),
			Output:   map[string]any{"valid": true, "method": method, "url": rawURL},
			Metadata: map[string]any{"dry_run": true},
		}, nil
	case actions.ModeSimulation:
		return &adapter.Result{
			Success:  true,
			Action:   req.Action,
			Executor: h.Name(),
			Output: map[string]any{
				"status_code": 200,
				"status":      "200 OK",
				"body":        "",
				"method":      method,
				"url":         rawURL,
			},
			Metadata: map[string]any{"simulated": true},
		}, nil
	}

	var body io.Reader
	if bodyStr, _ := req.Params["body"].(string); bodyStr != "" {
		body = strings.NewReader(bodyStr)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return adapter.FailureResult(h.Name(), req, &adapter.Error{
			Code:      adapter.CodeBadParams,
			Message:   fmt.Sprintf("create request: %v", err),
			Adapter:   h.Name(),
			Action:    req.Action,
			Retryable: false,
			StepID:    req.StepID,
		}), nil
	}
	if body != nil {
		contentType, _ := req.Params["content_type"].(string)
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if httpReq.Header.Get("Authorization") == "" {
		if auth := h.authHeader(rawURL); auth != "" {
			httpReq.Header.Set("Authorization", auth)
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		code := adapter.CodeAPI
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			code = adapter.CodeTimeout
		}
		return adapter.FailureResult(h.Name(), req, &adapter.Error{
			Code:      code,
			Message:   fmt.Sprintf("%s %s: %v", method, rawURL, err),
			Adapter:   h.Name(),
			Action:    req.Action,
			Retryable: true,
			StepID:    req.StepID,
		}), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes))
	if err != nil {
		return adapter.FailureResult(h.Name(), req, &adapter.Error{
			Code:      adapter.CodeAPI,
			Message:   fmt.Sprintf("read response: %v", err),
			Adapter:   h.Name(),
			Action:    req.Action,
			Retryable: true,
			StepID:    req.StepID,
		}), nil
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"body":        string(raw),
		"method":      method,
		"url":         rawURL,
	}
	if int64(len(raw)) >= h.maxBytes {
		output["truncated"] = true
	}

	if apiErr := classifyStatus(resp, h.Name(), req); apiErr != nil {
		return &adapter.Result{
			Success:  false,
			Action:   req.Action,
			Executor: h.Name(),
			Output:   output,
			Error:    apiErr,
		}, nil
	}
	return &adapter.Result{
		Success:  true,
		Action:   req.Action,
		Executor: h.Name(),
		Output:   output,
	}, nil
}

func (h *HTTP) HealthCheck(ctx context.Context) adapter.Health {
	if h.healthURL == "" {
		return adapter.Health{Status: adapter.Healthy, Message: "no health target configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.healthURL, nil)
	if err != nil {
		return adapter.Health{Status: adapter.Unhealthy, Message: err.Error()}
	}
	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return adapter.Health{Status: adapter.Unhealthy, Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	health := adapter.Health{
		Status:    adapter.Healthy,
		Message:   resp.Status,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if resp.StatusCode >= 500 {
		health.Status = adapter.Unhealthy
	} else if resp.StatusCode >= 400 {
		health.Status = adapter.Degraded
	}
	return health
}

func (h *HTTP) authHeader(rawURL string) string {
	for _, e := range h.creds {
		if strings.HasPrefix(rawURL, e.urlPrefix) {
			return e.authValue
		}
	}
	return ""
}

// classifyStatus maps non-2xx responses to structured errors. Rate limits
// carry the Retry-After header through so the retry loop can honor it.
func classifyStatus(resp *http.Response, name string, req adapter.Request) *adapter.Error {
	if resp.StatusCode < 400 {
		return nil
	}
	e := &adapter.Error{
		Message: fmt.Sprintf("%s returned %s", req.Params["url"], resp.Status),
		Adapter: name,
		Action:  req.Action,
		StepID:  req.StepID,
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Code = adapter.CodeAuth
	case resp.StatusCode == http.StatusNotFound:
		e.Code = adapter.CodeNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Code = adapter.CodeRateLimit
		e.Retryable = true
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				e.RetryAfterMS = int64(secs) * 1000
			}
		}
	case resp.StatusCode >= 500:
		e.Code = adapter.CodeAPI
		e.Retryable = true
	default:
		e.Code = adapter.CodeAPI
	}
	return e
}

func requestMethod(params map[string]any) string {
	method, _ := params["method"].(string)
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
