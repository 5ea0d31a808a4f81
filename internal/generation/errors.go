package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfman30/shadow-review/internal/rag"
)

// Reason classifies a failed generation attempt.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonRateLimited Reason = "rate_limited"
	ReasonUpstream    Reason = "upstream_error"
	ReasonMalformed   Reason = "malformed_response"
)

// Guidance returns a short moderator-facing hint for the failure reason.
func (r Reason) Guidance() string {
	switch r {
	case ReasonTimeout:
		return "The answer engine did not respond in time. Retry, or skip if it keeps timing out."
	case ReasonRateLimited:
		return "The answer engine is rate limiting requests. Wait a moment before retrying."
	case ReasonMalformed:
		return "The answer engine returned an unusable response. Retry immediately."
	default:
		return "The answer engine returned an error. Retry later or skip the item."
	}
}

// ErrInFlight is returned when a generation call for the same item is already running.
var ErrInFlight = errors.New("generation: already in progress for item")

// Error is a classified generation failure.
type Error struct {
	Reason    Reason
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("generation: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("generation: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify converts any failure from the upstream call into an *Error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Reason: ReasonTimeout, Retryable: true, Message: "generation timed out", Err: err}
	}
	if errors.Is(err, rag.ErrMalformedResponse) {
		return &Error{Reason: ReasonMalformed, Retryable: true, Message: err.Error(), Err: err}
	}
	var statusErr *rag.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			msg := "upstream rate limit reached"
			if statusErr.RetryAfter > 0 {
				msg = fmt.Sprintf("upstream rate limit reached, retry after %s", statusErr.RetryAfter)
			}
			return &Error{Reason: ReasonRateLimited, Retryable: true, Message: msg, Err: err}
		case statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout:
			return &Error{Reason: ReasonTimeout, Retryable: true, Message: statusErr.Error(), Err: err}
		case statusErr.StatusCode >= 500:
			return &Error{Reason: ReasonUpstream, Retryable: true, Message: statusErr.Error(), Err: err}
		default:
			return &Error{Reason: ReasonUpstream, Retryable: false, Message: statusErr.Error(), Err: err}
		}
	}
	return &Error{Reason: ReasonUpstream, Retryable: true, Message: err.Error(), Err: err}
}

func malformed(format string, args ...any) *Error {
	return &Error{Reason: ReasonMalformed, Retryable: true, Message: fmt.Sprintf(format, args...)}
}
