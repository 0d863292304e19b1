// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
//
// Every user-visible error carries a stable `code` string so clients can
// branch on failures without parsing messages.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeBillingError      = "billing_error"
	TypeUpstreamError     = "upstream_error"
	TypeServerError       = "server_error"
)

// Code constants — the stable error taxonomy.
const (
	// Client errors (4xx).
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeRateLimited         = "rate_limited"
	CodeBadRequest          = "bad_request"
	CodeModelNotFound       = "model_not_found"
	CodeContextTooLong      = "context_too_long"
	CodeContentFiltered     = "content_filtered"
	CodeInsufficientCredits = "insufficient_credits"
	CodeTrialExhausted      = "trial_exhausted"

	// Upstream errors (502/504).
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamUnknown     = "content_unknown_error"

	// Gateway bugs only — never predictable upstream failures.
	CodeInternalError = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Envelope returns the marshalled `{"error":{...}}` body for the given error.
// Used by the SSE writer, which must emit errors inside the stream rather
// than as an HTTP status.
func Envelope(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Envelope(message, errType, code))
}

// WriteUnauthenticated writes a 401.
func WriteUnauthenticated(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeUnauthenticated)
}

// WriteForbidden writes a 403.
func WriteForbidden(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionErr, CodeForbidden)
}

// WriteRateLimit writes a 429 with a Retry-After header derived from the
// remainder of the current rate-limit window.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimited)
}

// WriteBadRequest writes a 400.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeBadRequest)
}

// WriteModelNotFound writes a 404 for an unresolvable model id.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, "model not found: "+model, TypeInvalidRequest, CodeModelNotFound)
}

// WriteInsufficientCredits writes a 402.
func WriteInsufficientCredits(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "insufficient credits", TypeBillingError, CodeInsufficientCredits)
}

// WriteTrialExhausted writes a 402 for an exhausted trial.
func WriteTrialExhausted(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "trial exhausted", TypeBillingError, CodeTrialExhausted)
}

// WriteUpstreamUnavailable writes a 502 after all attempts are exhausted.
func WriteUpstreamUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamUnavailable)
}

// WriteUpstreamTimeout writes a 504.
func WriteUpstreamTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstreamError, CodeUpstreamTimeout)
}

// WriteInternal writes a 500. Reserved for bugs; upstream failures must map
// to one of the upstream codes instead.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
