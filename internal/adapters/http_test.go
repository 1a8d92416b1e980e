package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
)

func httpRequest(url string, extra map[string]any) adapter.Request {
	params := map[string]any{"url": url}
	for k, v := range extra {
		params[k] = v
	}
	return adapter.Request{
		Action: actions.HTTPRequest,
		Params: params,
		Mode:   actions.ModeProduction,
		StepID: "call",
	}
}

func TestHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	h := NewHTTP()
	if err := h.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	res, err := h.Execute(context.Background(), httpRequest(srv.URL, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	out := res.Output.(map[string]any)
	if out["status_code"] != 200 || out["body"] != `{"ok":true}` {
		t.Fatalf("output = %v", out)
	}
}

func TestHTTPPostBodyAndContentType(t *testing.T) {
	var gotBody string
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := NewHTTP()
	res, err := h.Execute(context.Background(), httpRequest(srv.URL, map[string]any{
		"method": "post",
		"body":   `{"ticket":"INC-1001"}`,
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if gotBody != `{"ticket":"INC-1001"}` || gotType != "application/json" {
		t.Fatalf("server saw body=%q type=%q", gotBody, gotType)
	}
}

func TestHTTPCredentialInjection(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	h := NewHTTP()
	if err := h.Initialize(context.Background(), map[string]any{
		"credentials": map[string]any{srv.URL: "s3cr3t"},
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := h.Execute(context.Background(), httpRequest(srv.URL, nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotAuth != "Bearer s3cr3t" {
		t.Fatalf("auth header = %q", gotAuth)
	}

	// An explicit Authorization header wins over the store.
	if _, err := h.Execute(context.Background(), httpRequest(srv.URL, map[string]any{
		"headers": map[string]any{"Authorization": "token override"},
	})); err != nil {
		t.Fatalf("execute with header: %v", err)
	}
	if gotAuth != "token override" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusUnauthorized, adapter.CodeAuth, false},
		{http.StatusForbidden, adapter.CodeAuth, false},
		{http.StatusNotFound, adapter.CodeNotFound, false},
		{http.StatusBadRequest, adapter.CodeAPI, false},
		{http.StatusInternalServerError, adapter.CodeAPI, true},
		{http.StatusBadGateway, adapter.CodeAPI, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		h := NewHTTP()
		res, err := h.Execute(context.Background(), httpRequest(srv.URL, nil))
		srv.Close()
		if err != nil {
			t.Fatalf("status %d: %v", tc.status, err)
		}
		if res.Success || res.Error == nil {
			t.Fatalf("status %d: result = %+v", tc.status, res)
		}
		if res.Error.Code != tc.code || res.Error.Retryable != tc.retryable {
			t.Fatalf("status %d: error = %+v", tc.status, res.Error)
		}
	}
}

func TestHTTPRateLimitRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := NewHTTP()
	res, err := h.Execute(context.Background(), httpRequest(srv.URL, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error == nil || res.Error.Code != adapter.CodeRateLimit {
		t.Fatalf("result = %+v", res)
	}
	if !res.Error.Retryable || res.Error.RetryAfterMS != 7000 {
		t.Fatalf("error = %+v", res.Error)
	}
}

func TestHTTPResponseTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	h := NewHTTP()
	if err := h.Initialize(context.Background(), map[string]any{"max_response_bytes": 100}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	res, err := h.Execute(context.Background(), httpRequest(srv.URL, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output.(map[string]any)
	if len(out["body"].(string)) != 100 || out["truncated"] != true {
		t.Fatalf("output = %v", out)
	}
}

func TestHTTPDryRunAndSimulationSkipNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	h := NewHTTP()
	for _, mode := range []actions.Mode{actions.ModeDryRun, actions.ModeSimulation} {
		req := httpRequest(srv.URL, nil)
		req.Mode = mode
		res, err := h.Execute(context.Background(), req)
		if err != nil || !res.Success {
			t.Fatalf("mode %s: res=%+v err=%v", mode, res, err)
		}
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("server hit %d times", hits)
	}
}

func TestHTTPValidateParameters(t *testing.T) {
	h := NewHTTP()
	cases := []struct {
		name   string
		params map[string]any
	}{
		{"missing url", map[string]any{}},
		{"bad scheme", map[string]any{"url": "ftp://host/file"}},
		{"no host", map[string]any{"url": "https://"}},
		{"bad method", map[string]any{"url": "https://example.com", "method": "TRACE"}},
	}
	for _, tc := range cases {
		if err := h.ValidateParameters(actions.HTTPRequest, tc.params); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
	if err := h.ValidateParameters(actions.HTTPRequest, map[string]any{"url": "https://example.com/api"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
}

func TestHTTPContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	h := NewHTTP()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := h.Execute(ctx, httpRequest(srv.URL, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error == nil || res.Error.Code != adapter.CodeTimeout || !res.Error.Retryable {
		t.Fatalf("result = %+v", res)
	}
}
