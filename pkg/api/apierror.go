// Package api provides RFC 7807 Problem Detail error responses for the herald
// RPC surface, and the transport middleware in front of it.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/meridianworks/herald/pkg/auth"
	"github.com/meridianworks/herald/pkg/dispatch"
	"github.com/meridianworks/herald/pkg/registry"
	"github.com/meridianworks/herald/pkg/tx"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request id for log correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://herald.meridianworks.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Method not registered for remote calls"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteRequestTimeout writes a 408 error response for storage timeouts.
func WriteRequestTimeout(w http.ResponseWriter) {
	WriteError(w, http.StatusRequestTimeout, "Request Timeout", "The call exceeded its storage time budget")
}

// WriteConflict writes a 409 error response for write conflicts.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDispatchError maps the dispatcher's error taxonomy onto the transport
// status codes. Business-level errors carry a structured message the caller
// can act on; infrastructure and fatal errors return generic detail only.
func WriteDispatchError(w http.ResponseWriter, err error) {
	var (
		userErr     *tx.UserError
		warning     *tx.UserWarning
		concurrency *tx.ConcurrencyError
		loginErr    *tx.LoginError
		rateErr     *tx.RateLimitError
		timeoutErr  *tx.TimeoutError
		drainErr    *dispatch.DrainError
	)
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rateErr.RetryAfter.Seconds())))
		WriteError(w, http.StatusTooManyRequests, "Too Many Requests", rateErr.Error())
	case errors.As(err, &loginErr):
		WriteUnauthorized(w, loginErr.Error())
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, dispatch.ErrSessionNotFresh):
		WriteUnauthorized(w, err.Error())
	case errors.Is(err, registry.ErrForbidden):
		WriteForbidden(w, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.As(err, &timeoutErr):
		WriteRequestTimeout(w)
	case errors.As(err, &concurrency):
		WriteConflict(w, concurrency.Error())
	case errors.As(err, &warning):
		WriteError(w, http.StatusBadRequest, "Confirmation Required", warning.Message)
	case errors.As(err, &userErr):
		WriteError(w, http.StatusBadRequest, userErr.Message, userErr.Description)
	case errors.As(err, &drainErr):
		// The business transaction committed; only the deferred work failed.
		WriteInternal(w, drainErr)
	default:
		WriteInternal(w, err)
	}
}
