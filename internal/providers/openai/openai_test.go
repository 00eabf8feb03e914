package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
}

// completionBody builds a minimal chat.completion payload that openai-go/v3
// can unmarshal.
func completionBody(finishReason string, withUsage bool) map[string]any {
	body := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": finishReason,
			},
		},
	}
	if withUsage {
		body["usage"] = map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		}
	}
	return body
}

func errorServer(t *testing.T, status int, message string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": message, "type": "mock_error"},
		})
	}))
}

func TestProvider_Name(t *testing.T) {
	p := New("key")
	if p.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", p.Name())
	}
}

func TestProvider_Chat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			t.Errorf("expected path to start with /v1/, got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody("stop", true))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res := p.Chat(context.Background(), baseRequest())
	if !res.OK() {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	resp := res.Response
	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("expected finish reason 'stop', got %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 10 {
		t.Errorf("expected 10 prompt tokens, got %d", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 5 {
		t.Errorf("expected 5 completion tokens, got %d", resp.Usage.CompletionTokens)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestProvider_Chat_FinishReasonMapping(t *testing.T) {
	cases := []struct {
		vendor string
		want   providers.FinishReason
	}{
		{"stop", providers.FinishStop},
		{"length", providers.FinishLength},
		{"content_filter", providers.FinishContentFilter},
		{"tool_calls", providers.FinishStop},
	}

	for _, tc := range cases {
		t.Run(tc.vendor, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(completionBody(tc.vendor, false))
			}))
			defer srv.Close()

			res := newTestProvider(srv).Chat(context.Background(), baseRequest())
			if !res.OK() {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if res.Response.FinishReason != tc.want {
				t.Errorf("vendor %q: expected %q, got %q", tc.vendor, tc.want, res.Response.FinishReason)
			}
			// Usage omitted by the vendor must default to zero.
			if res.Response.Usage.TotalTokens != 0 {
				t.Errorf("expected zero usage, got %+v", res.Response.Usage)
			}
		})
	}
}

func TestProvider_Chat_OptionalParams(t *testing.T) {
	var payload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody("stop", true))
	}))
	defer srv.Close()

	p := newTestProvider(srv)

	// Absent fields must not appear in the vendor payload.
	if res := p.Chat(context.Background(), baseRequest()); !res.OK() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if _, ok := payload["temperature"]; ok {
		t.Error("temperature should be omitted when unset")
	}
	if _, ok := payload["max_completion_tokens"]; ok {
		t.Error("max_completion_tokens should be omitted when unset")
	}

	temp := 0.7
	maxTok := 128
	req := baseRequest()
	req.Temperature = &temp
	req.MaxTokens = &maxTok

	if res := p.Chat(context.Background(), req); !res.OK() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if got, ok := payload["temperature"].(float64); !ok || got != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", payload["temperature"])
	}
	if got, ok := payload["max_completion_tokens"].(float64); !ok || got != 128 {
		t.Errorf("expected max_completion_tokens 128, got %v", payload["max_completion_tokens"])
	}
}

func TestProvider_Chat_RateLimitRetryable(t *testing.T) {
	srv := errorServer(t, http.StatusTooManyRequests, "Rate limit exceeded")
	defer srv.Close()

	res := newTestProvider(srv).Chat(context.Background(), baseRequest())
	if res.OK() {
		t.Fatal("expected failure for 429")
	}
	if !res.Retryable {
		t.Error("429 must classify as retryable")
	}

	provErr, ok := res.Err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", res.Err, res.Err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", provErr.StatusCode)
	}
	if !strings.Contains(strings.ToLower(provErr.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", provErr.Message)
	}
}

func TestProvider_Chat_ServerErrorRetryable(t *testing.T) {
	srv := errorServer(t, http.StatusServiceUnavailable, "Service unavailable")
	defer srv.Close()

	res := newTestProvider(srv).Chat(context.Background(), baseRequest())
	if res.OK() {
		t.Fatal("expected failure for 503")
	}
	if !res.Retryable {
		t.Error("503 must classify as retryable")
	}
}

func TestProvider_Chat_BadRequestNotRetryable(t *testing.T) {
	srv := errorServer(t, http.StatusBadRequest, "Invalid model")
	defer srv.Close()

	res := newTestProvider(srv).Chat(context.Background(), baseRequest())
	if res.OK() {
		t.Fatal("expected failure for 400")
	}
	if res.Retryable {
		t.Error("400 must classify as non-retryable")
	}
}

func TestProvider_Chat_TransportErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	res := newTestProvider(srv).Chat(context.Background(), baseRequest())
	if res.OK() {
		t.Fatal("expected failure on transport error")
	}
	if !res.Retryable {
		t.Error("transport errors must classify as retryable")
	}
}
