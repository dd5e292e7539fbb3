// Package apierr provides structured API error types and HTTP status
// mapping compatible with the OpenAI error format, generalized from the
// teacher's provider-proxy error taxonomy to the error kinds of spec §7.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants — one per spec §7 error kind that produces an HTTP
// error body (Transport has none: no response bytes are written), plus a
// generic server_error.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthFailure    = "authentication_error"
	TypeCorsViolation  = "cors_error"
	TypeNotFound       = "not_found_error"
	TypeConflict       = "conflict_error"
	TypeRateLimited    = "rate_limit_error"
	TypeEngineLoad     = "engine_load_error"
	TypeEngineRuntime  = "engine_runtime_error"
	TypeDownloadFailed = "download_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeCorsViolation     = "cors_policy_violation"
	CodeModelNotFound     = "model_not_found"
	CodeEngineExists      = "engine_already_exists"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeEngineUnavailable = "engine_unavailable"
	CodeGenerationFailed  = "generation_failed"
	CodeDownloadFailed    = "download_failed"
	CodeInternalError     = "internal_error"
)

// APIError is the structured error returned to clients.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type envelope struct {
	Error APIError `json:"error"`
}

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status.
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

// WriteInvalidRequest writes a 400 for malformed JSON or DTO validation
// failures.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteAuthFailure writes a 401 for a missing/invalid API key.
func WriteAuthFailure(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthFailure, CodeInvalidAPIKey)
}

// WriteCorsViolation writes a 403 for a disallowed origin.
func WriteCorsViolation(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusForbidden, message, TypeCorsViolation, CodeCorsViolation)
}

// WriteNotFound writes a 404 for an unknown model/engine id.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeNotFound, CodeModelNotFound)
}

// WriteConflict writes a 409 when an engine id already exists on add.
func WriteConflict(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusConflict, message, TypeConflict, CodeEngineExists)
}

// WriteRateLimit writes a 429 with Retry-After for quota exceeded.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimited, CodeRateLimitExceeded)
}

// WriteEngineLoad writes a 503 when a model file is missing or failed to
// initialize; the caller is responsible for transitioning the engine
// record to Failed.
func WriteEngineLoad(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeEngineLoad, CodeEngineUnavailable)
}

// WriteEngineRuntimePreStream writes a 500 for a generation error that
// occurred before any response bytes were sent.
func WriteEngineRuntimePreStream(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeEngineRuntime, CodeGenerationFailed)
}

// WriteDownloadFailure writes a response describing a failed download
// (URL invalid, transport error, non-200, empty file, or cancelled).
func WriteDownloadFailure(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadGateway, message, TypeDownloadFailed, CodeDownloadFailed)
}

// WriteInternal writes a generic 500.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeInternalError)
}
