package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestAnthropicComplete(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System == "" || len(req.Messages) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"content": []map[string]any{{"type": "text", "text": "isolate the host"}},
			"usage":   map[string]any{"input_tokens": 10, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(ProviderConfig{Endpoint: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		System: "you are a test",
		Prompt: "what now",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "isolate the host" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 4 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if gotKey != "test-key" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotVersion != anthropicVersion {
		t.Errorf("anthropic-version = %q", gotVersion)
	}
}

func TestAnthropicRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(ProviderConfig{Endpoint: srv.URL, APIKey: "k", MaxRetries: 2})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	resp, err := p.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestAnthropicClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(ProviderConfig{Endpoint: srv.URL, APIKey: "k", MaxRetries: 3})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	_, err = p.Complete(context.Background(), &CompletionRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Code != CodeUnavailable {
		t.Errorf("error = %v, want unavailable", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"choices": []map[string]any{{"message": map[string]any{"content": "block the ip"}}},
			"usage":   map[string]any{"prompt_tokens": 7, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderConfig{Endpoint: srv.URL, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		System: "you are a test",
		Prompt: "what now",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "block the ip" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 3 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestNewProviderSelection(t *testing.T) {
	p, err := NewProvider("mock", ProviderConfig{})
	if err != nil {
		t.Fatalf("NewProvider mock: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("name = %q", p.Name())
	}
	if _, err := NewProvider("carrier-pigeon", ProviderConfig{}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := NewProvider("anthropic", ProviderConfig{}); err == nil {
		t.Error("expected error for anthropic without key")
	}
}

func TestMockProviderQueue(t *testing.T) {
	p := NewMockProviderSimple("fallback")
	p.QueueResponse(&CompletionResponse{Content: "first"})
	p.QueueError(&Error{Code: CodeRateLimit, Message: "slow down"})

	resp, err := p.Complete(context.Background(), &CompletionRequest{Prompt: "a"})
	if err != nil || resp.Content != "first" {
		t.Fatalf("first call = %v, %v", resp, err)
	}
	if _, err := p.Complete(context.Background(), &CompletionRequest{Prompt: "b"}); err == nil {
		t.Fatal("expected queued error")
	}
	resp, err = p.Complete(context.Background(), &CompletionRequest{Prompt: "c"})
	if err != nil || resp.Content != "fallback" {
		t.Fatalf("fallback call = %v, %v", resp, err)
	}
	if got := len(p.Calls()); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}
