package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Temperature bounds accepted by every shipped adapter.
const (
	temperatureMin = 0.0
	temperatureMax = 2.0
)

// validateChatRequest checks req against the request schema and returns one
// FieldError per violation, in field order. A nil slice means valid.
//
// Validation is pure: it never mutates req, so validating twice yields the
// same request and the same verdict.
func validateChatRequest(req *providers.ChatRequest) []apierr.FieldError {
	var details []apierr.FieldError

	if req.Model == "" {
		details = append(details, apierr.FieldError{
			Field:   "model",
			Message: "required and must be a non-empty string",
		})
	}

	if len(req.Messages) == 0 {
		details = append(details, apierr.FieldError{
			Field:   "messages",
			Message: "required and must contain at least one message",
		})
	}
	for i, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem, providers.RoleUser, providers.RoleAssistant:
		default:
			details = append(details, apierr.FieldError{
				Field:   fmt.Sprintf("messages[%d].role", i),
				Message: "must be one of: system, user, assistant",
			})
		}
		if m.Content == "" {
			details = append(details, apierr.FieldError{
				Field:   fmt.Sprintf("messages[%d].content", i),
				Message: "must be a non-empty string",
			})
		}
	}

	if req.Temperature != nil && (*req.Temperature < temperatureMin || *req.Temperature > temperatureMax) {
		details = append(details, apierr.FieldError{
			Field:   "temperature",
			Message: "must be between 0 and 2",
		})
	}

	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		details = append(details, apierr.FieldError{
			Field:   "maxTokens",
			Message: "must be a positive integer",
		})
	}

	if req.Provider != "" && !providers.Known(req.Provider) {
		details = append(details, apierr.FieldError{
			Field:   "provider",
			Message: "must be one of: " + strings.Join(providers.KnownNames, ", "),
		})
	}

	if req.Timeout != nil && *req.Timeout <= 0 {
		details = append(details, apierr.FieldError{
			Field:   "timeout",
			Message: "must be a positive integer (milliseconds)",
		})
	}

	return details
}

// validateChatResponse checks a provider response before it is returned to
// the client. Adapters normalize vendor output before it gets here, so a
// violation means an adapter bug rather than bad client input. Content may
// legitimately be empty (e.g. a fully filtered completion).
func validateChatResponse(resp *providers.ChatResponse) error {
	if resp == nil {
		return errors.New("response is nil")
	}
	if resp.ID == "" {
		return errors.New("response field 'id' is empty")
	}
	if resp.Model == "" {
		return errors.New("response field 'model' is empty")
	}
	switch resp.FinishReason {
	case providers.FinishStop, providers.FinishLength, providers.FinishContentFilter:
	default:
		return fmt.Errorf("response field 'finishReason' has unknown value %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens < 0 || resp.Usage.CompletionTokens < 0 || resp.Usage.TotalTokens < 0 {
		return errors.New("response usage counts must not be negative")
	}
	return nil
}
