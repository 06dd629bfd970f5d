package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for transport operations.
var (
	// ErrUnauthorized indicates the server rejected the session credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the session lacks permission for the request.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the addressed job or workload does not exist.
	ErrNotFound = errors.New("not found")

	// ErrServerUnavailable indicates a 5xx response or an unreachable server.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrRequestFailed is the catch-all for other non-2xx responses.
	ErrRequestFailed = errors.New("request failed")

	// ErrSessionInvalid indicates the session was invalidated after
	// repeated authorization failures and must be restored before use.
	ErrSessionInvalid = errors.New("session invalidated")
)

// StatusError is returned for every non-2xx response.
type StatusError struct {
	// Path is the request path (e.g., "/pull-job-update").
	Path string

	// Status is the HTTP status code.
	Status int

	// Body is a bounded excerpt of the response body.
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: status %d", e.Path, e.Status)
}

// Unwrap maps the status code onto a sentinel for errors.Is support.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return ErrForbidden
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status >= 500:
		return ErrServerUnavailable
	default:
		return ErrRequestFailed
	}
}

// IsUnauthorized returns true if the error indicates rejected credentials.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound returns true if the error indicates a missing job or workload.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsServerUnavailable returns true if the error indicates the server is down.
func IsServerUnavailable(err error) bool {
	return errors.Is(err, ErrServerUnavailable)
}
