package httpclient

import (
	"fmt"
	"net/http"
)

// APIError is a non-2xx or timed-out upstream call
type APIError struct {
	Status   int
	Endpoint string
	Message  string
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

// HTTPStatus returns the upstream status code
func (e *APIError) HTTPStatus() int { return e.Status }

// IsTimeout reports whether the call was aborted by its deadline
func (e *APIError) IsTimeout() bool { return e.Status == http.StatusRequestTimeout }

// IsClientError reports a status in [400,500)
func (e *APIError) IsClientError() bool { return e.Status >= 400 && e.Status < 500 }

// IsNotFound reports a 404
func (e *APIError) IsNotFound() bool { return e.Status == http.StatusNotFound }

// Retryable reports whether the status is outside the client-error range
func (e *APIError) Retryable() bool { return !e.IsClientError() }
