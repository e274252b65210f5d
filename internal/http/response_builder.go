// Package http provides HTTP server and handler implementations.
//
// This file implements a small builder for JSON responses so every handler
// writes status, headers and error bodies the same way.

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"fxledger/internal/core"
	"fxledger/internal/services"
)

// ResponseBuilder provides a fluent API for building JSON responses.
type ResponseBuilder struct {
	statusCode int
	body       interface{}
	headers    map[string]string
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Hint      string `json:"hint,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeInvalidInput        = "invalid_input"
	CodeMissingRate         = "missing_rate"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeStorageUnavailable  = "storage_unavailable"
	CodeNotFound            = "not_found"
	CodeMethodNotAllowed    = "method_not_allowed"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// NewResponse creates a new response builder with default 200 status.
func NewResponse() *ResponseBuilder {
	return &ResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *ResponseBuilder) Status(code int) *ResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the value encoded as the response body.
func (b *ResponseBuilder) JSON(v interface{}) *ResponseBuilder {
	b.body = v
	return b
}

// RequestID stamps the id into an ErrorBody payload.
func (b *ResponseBuilder) RequestID(id string) *ResponseBuilder {
	if eb, ok := b.body.(ErrorBody); ok && id != "" {
		eb.RequestID = id
		b.body = eb
	}
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *ResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	data, err := json.Marshal(b.body)
	if err != nil {
		slog.Error("Failed to encode response body", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"encoding failed","code":"internal_error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(append(data, '\n'))
}

// ErrorResponse creates a standard JSON error response.
func ErrorResponse(statusCode int, code, message string) *ResponseBuilder {
	return NewResponse().
		Status(statusCode).
		JSON(ErrorBody{Error: message, Code: code})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, CodeInvalidInput, message)
}

// UnprocessableEntityError creates a 422 Unprocessable Entity error response.
func UnprocessableEntityError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusUnprocessableEntity, CodeInvalidInput, message)
}

// InternalServerError creates a 500 Internal Server Error response.
func InternalServerError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, CodeInternal, message)
}

// NotFoundError creates a 404 Not Found error response.
func NotFoundError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusNotFound, CodeNotFound, message)
}

// MethodNotAllowedError creates a 405 Method Not Allowed error response.
func MethodNotAllowedError(allowedMethods string) *ResponseBuilder {
	return ErrorResponse(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed").
		Header("Allow", allowedMethods)
}

// FromError maps a service error onto a status code and error body.
func FromError(err error) *ResponseBuilder {
	switch {
	case errors.Is(err, core.ErrMissingRate):
		return NewResponse().
			Status(http.StatusUnprocessableEntity).
			JSON(ErrorBody{Error: err.Error(), Code: CodeMissingRate, Hint: services.MissingRateHint})
	case errors.Is(err, core.ErrInvalidInput):
		return ErrorResponse(http.StatusUnprocessableEntity, CodeInvalidInput, err.Error())
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return ErrorResponse(http.StatusBadGateway, CodeUpstreamUnavailable, "rate provider unavailable; stored rates were kept")
	case errors.Is(err, core.ErrStorageUnavailable):
		return ErrorResponse(http.StatusServiceUnavailable, CodeStorageUnavailable, "storage unavailable")
	default:
		return InternalServerError("internal error")
	}
}
