// Package providers defines the common types and the adapter contract shared
// by all LLM provider implementations (OpenAI, Anthropic, Gemini).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Adapters never panic and never return a bare error from Chat:
// every outcome is folded into a Result so the reliability pipeline can
// inspect the retryable flag without unwinding through error chains.
package providers

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Chat roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReason is the normalized completion-termination cause.
type FinishReason string

const (
	// FinishStop — the model stopped on its own (or the vendor gave no
	// explicit truncation/filter signal).
	FinishStop FinishReason = "stop"
	// FinishLength — output was truncated by the max-token budget.
	FinishLength FinishReason = "length"
	// FinishContentFilter — the vendor explicitly flagged filtered content.
	FinishContentFilter FinishReason = "content_filter"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats. Fields default to zero when the vendor
	// omits them.
	Usage struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
		TotalTokens      int `json:"totalTokens"`
	}

	// ChatRequest — normalized client request. Optional fields are pointers
	// so adapters can distinguish "absent" from a zero value. Immutable once
	// validated.
	ChatRequest struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature *float64  `json:"temperature,omitempty"`
		MaxTokens   *int      `json:"maxTokens,omitempty"`
		Provider    string    `json:"provider,omitempty"`
		// Timeout is the per-request ceiling in milliseconds.
		Timeout *int `json:"timeout,omitempty"`
	}

	// ChatResponse — normalized provider response. Immutable.
	ChatResponse struct {
		ID           string       `json:"id"`
		Content      string       `json:"content"`
		Model        string       `json:"model"`
		FinishReason FinishReason `json:"finishReason"`
		Usage        Usage        `json:"usage"`
	}
)

// Result is the outcome of one provider call: either a response or a
// classified error, never both.
type Result struct {
	Response  *ChatResponse
	Err       error
	Retryable bool
}

// OK reports whether the result carries a response.
func (r Result) OK() bool { return r.Err == nil }

// Ok builds a successful Result.
func Ok(resp *ChatResponse) Result { return Result{Response: resp} }

// Fail builds a failed Result with an explicit retryable flag.
func Fail(err error, retryable bool) Result {
	return Result{Err: err, Retryable: retryable}
}

// Classify folds an adapter error into a Result: vendor status 429 or >= 500
// is retryable, any other vendor status is final, transport and unknown
// errors are retryable.
func Classify(err error) Result {
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return Fail(err, code >= http.StatusInternalServerError || code == http.StatusTooManyRequests)
	}
	return Fail(err, true)
}

// Provider — LLM provider adapter interface.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) Result
	HealthCheck(ctx context.Context) error
}

// KnownNames lists every adapter the gateway ships, in default-preference
// order. Request validation accepts exactly these in the provider field;
// whether a name is actually routable depends on which API keys are
// configured.
var KnownNames = []string{"openai", "anthropic", "gemini"}

// Known reports whether name is a shipped adapter name.
func Known(name string) bool {
	for _, n := range KnownNames {
		if n == name {
			return true
		}
	}
	return false
}

// ProviderTimeout is the hard outer bound on any single vendor HTTP exchange,
// applied by each adapter's HTTP client. The circuit breaker enforces its own
// (configurable) per-call budget on top of this.
const ProviderTimeout = 30 * time.Second

// StatusCoder is implemented by vendor errors that carry an upstream HTTP
// status code.
type StatusCoder interface {
	HTTPStatus() int
}
