package cliniko

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass buckets upstream failures for retry policy. The fan-out
// engine retries transient and rate_limited; everything else is final.
type ErrorClass string

const (
	ClassAuth        ErrorClass = "auth"
	ClassNotFound    ErrorClass = "not_found"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassConflict    ErrorClass = "conflict"
	ClassTransient   ErrorClass = "transient"
	ClassPermanent   ErrorClass = "permanent"
	ClassTimeout     ErrorClass = "timeout"
	ClassCancelled   ErrorClass = "cancelled"
)

// Retryable reports whether a failure of this class may be retried.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// APIError is a classified upstream failure.
type APIError struct {
	Status int
	Class  ErrorClass
	Op     string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cliniko: %s: status %d (%s)", e.Op, e.Status, e.Class)
}

// conflict phrasings seen in 422 bodies when a slot is taken. The
// canonical signal is the status code; this is the fallback.
var conflictHints = []string{
	"already booked",
	"appointment clash",
	"no longer available",
	"overlaps an existing appointment",
}

// classifyStatus maps an HTTP response to an error class.
func classifyStatus(status int, body string) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusConflict:
		return ClassConflict
	case status >= 500:
		return ClassTransient
	case status == http.StatusUnprocessableEntity:
		lower := strings.ToLower(body)
		for _, hint := range conflictHints {
			if strings.Contains(lower, hint) {
				return ClassConflict
			}
		}
		return ClassPermanent
	default:
		return ClassPermanent
	}
}

// Classify extracts the error class from any error returned by this
// package. Network and decode failures count as transient; context
// expiry maps to timeout/cancelled.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassTransient
}
