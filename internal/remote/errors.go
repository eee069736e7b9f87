package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is the structured form of a non-2xx response from the sensor
// cloud. Code carries the service's numeric error code when the body is
// parseable, else the HTTP status; Reason carries the service's reason
// string, else the raw body.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Code is the numeric error code reported by the service.
	Code int

	// Reason is the human-readable failure description.
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote error %d (code %d): %s", e.StatusCode, e.Code, e.Reason)
}

// IsNotFound reports whether err is an [APIError] with HTTP status 404.
// Callers that tolerate missing remote resources (deletion propagation,
// lookups of not-yet-created sensors) check this; the client itself never
// special-cases 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// errorFromResponse builds an *APIError from a non-2xx response body.
func errorFromResponse(status int, body []byte) *APIError {
	var parsed struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Reason != "" {
		code := parsed.Code
		if code == 0 {
			code = status
		}
		return &APIError{StatusCode: status, Code: code, Reason: parsed.Reason}
	}
	return &APIError{StatusCode: status, Code: status, Reason: strings.TrimSpace(string(body))}
}
