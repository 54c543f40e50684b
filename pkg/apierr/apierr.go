// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
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
	TypeAuthorizationErr  = "authorization_error"
	TypeInsufficientQuota = "insufficient_quota"
	TypeRateLimitError    = "rate_limit_error"
	TypeNotFound          = "not_found_error"
	TypeTimeout           = "timeout_error"
	TypeServerError       = "server_error"
	TypeProviderError     = "provider_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeParseError        = "parse_error"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeAccessDenied      = "access_denied"
	CodeInsufficientQuota = "insufficient_quota"
	CodeModelNotFound     = "model_not_found"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeRequestTimeout    = "request_timeout"
	CodeContentPolicy     = "content_policy_violation"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Details string `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 invalid-request error.
func WriteValidation(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteAuthentication writes a 401 authentication error.
func WriteAuthentication(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteAuthorization writes a 403 authorization error.
func WriteAuthorization(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypeAuthorizationErr, CodeAccessDenied)
}

// WriteInsufficientQuota writes a 402 insufficient-quota error.
func WriteInsufficientQuota(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusPaymentRequired, msg, TypeInsufficientQuota, CodeInsufficientQuota)
}

// WriteNotFound writes a 404 not-found error.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFound, CodeModelNotFound)
}

// WriteTimeout writes a 408 request-timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusRequestTimeout, "request timed out", TypeTimeout, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate-limit error with a Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUpstreamRateLimit writes a 503 for an upstream 429 with Retry-After.
// Upstream throttling is not the client's fault, so a plain 429 would
// mislead client-side backoff accounting.
func WriteUpstreamRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusServiceUnavailable, "upstream capacity exhausted", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteProviderError writes an upstream failure with the gateway's status.
func WriteProviderError(ctx *fasthttp.RequestCtx, status int, msg string) {
	Write(ctx, status, msg, TypeProviderError, CodeProviderError)
}

// WriteInternal writes a 500 internal error without leaking upstream detail.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
