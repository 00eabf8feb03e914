package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAnthropicHandler returns an http.Handler that simulates the Anthropic
// API. Paths are matched by suffix because the SDK's URL composition depends
// on whether the configured base URL already carries the /v1 prefix.
func newAnthropicHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			if r.Method != http.MethodPost {
				writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
				return
			}
			handleAnthropicMessages(w, r, cfg)

		case strings.HasSuffix(r.URL.Path, "/models"):
			handleAnthropicModels(w)

		default:
			writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
		}
	})
}

func handleAnthropicMessages(w http.ResponseWriter, r *http.Request, cfg Config) {
	applyLatency(cfg)
	if shouldError(cfg) {
		writeAnthropicError(w, http.StatusInternalServerError, "mock internal error", "overloaded_error")
		return
	}

	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	model := req.Model
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	id := fmt.Sprintf("msg_%x", rand.Int64())
	content := fakeSentence(cfg.ResponseWords)
	inTokens := 15
	outTokens := cfg.ResponseWords

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content": []map[string]string{
			{"type": "text", "text": content},
		},
		"usage": map[string]int{
			"input_tokens":  inTokens,
			"output_tokens": outTokens,
		},
	})
}

// handleAnthropicModels serves the models list the health check polls.
func handleAnthropicModels(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]any{
			{"id": "claude-3-5-sonnet-20241022", "display_name": "Claude 3.5 Sonnet", "created_at": time.Now().Unix()},
			{"id": "claude-3-haiku-20240307", "display_name": "Claude 3 Haiku", "created_at": time.Now().Unix()},
		},
		"has_more": false,
		"first_id": "claude-3-5-sonnet-20241022",
		"last_id":  "claude-3-haiku-20240307",
	})
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}
