package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevices indicates empty device id list after cleanup.
	ErrNoDevices = errors.New("at least one device id is required")
	// ErrInvalidRange indicates start after end.
	ErrInvalidRange = errors.New("range start must not be after end")
)

// HTTPError is non-2xx upstream response with raw body preserved.
// Params: endpoint path, HTTP status, and body text.
// Returns: typed error for callers and logs.
type HTTPError struct {
	Path   string
	Status int
	Body   string
}

// Error renders status and body.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s returned http %d: %s", e.Path, e.Status, e.Body)
}

// APIError is upstream envelope with non-zero result code.
// Params: endpoint path, result code, and upstream message.
// Returns: typed error for callers and logs.
type APIError struct {
	Path    string
	Code    int
	Message string
}

// Error renders code and message.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream %s returned code %d", e.Path, e.Code)
	}
	return fmt.Sprintf("upstream %s returned code %d: %s", e.Path, e.Code, e.Message)
}

// IsCode reports whether err carries upstream result code.
// Params: candidate error and code.
// Returns: true when err wraps APIError with that code.
func IsCode(err error, code int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == code
}

// HTTPStatus extracts HTTP status from wrapped HTTPError.
// Params: candidate error.
// Returns: status and true when err wraps HTTPError.
func HTTPStatus(err error) (int, bool) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return 0, false
	}
	return httpErr.Status, true
}
