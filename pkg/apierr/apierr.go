// Package apierr renders the JSON error envelopes returned to gateway
// clients. Every envelope carries a top-level "error" string whose exact
// wording is part of the public contract; the remaining fields depend on
// the error class.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Envelope messages. Clients match on these exact strings.
const (
	MsgValidation = "Validation error"
	MsgRateLimit  = "Too many requests"
	MsgInternal   = "Internal server error"
)

// FieldError describes a single schema violation in a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type (
	validationEnvelope struct {
		Error   string       `json:"error"`
		Details []FieldError `json:"details"`
	}
	rateLimitEnvelope struct {
		Error      string `json:"error"`
		RetryAfter int64  `json:"retryAfter"`
	}
	internalEnvelope struct {
		Error     string `json:"error"`
		RequestID string `json:"requestId"`
	}
)

// WriteValidation writes a 400 with one detail entry per violation.
func WriteValidation(ctx *fasthttp.RequestCtx, details []FieldError) {
	write(ctx, fasthttp.StatusBadRequest, validationEnvelope{
		Error:   MsgValidation,
		Details: details,
	})
}

// WriteRateLimited writes a 429. retryAfter is whole seconds until the
// client's window resets, duplicated in the standard Retry-After header.
func WriteRateLimited(ctx *fasthttp.RequestCtx, retryAfter int64) {
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	write(ctx, fasthttp.StatusTooManyRequests, rateLimitEnvelope{
		Error:      MsgRateLimit,
		RetryAfter: retryAfter,
	})
}

// WriteInternal writes a 500 carrying the request ID so clients can quote it
// when reporting the failure. The underlying error goes to the server log,
// never to the client.
func WriteInternal(ctx *fasthttp.RequestCtx, requestID string) {
	write(ctx, fasthttp.StatusInternalServerError, internalEnvelope{
		Error:     MsgInternal,
		RequestID: requestID,
	})
}

func write(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
