package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/shadow-review/internal/rag"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		reason    Reason
		retryable bool
	}{
		{"deadline", fmt.Errorf("rag: request failed: %w", context.DeadlineExceeded), ReasonTimeout, true},
		{"canceled", context.Canceled, ReasonTimeout, true},
		{"rate limited", &rag.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Second}, ReasonRateLimited, true},
		{"server error", &rag.StatusError{StatusCode: http.StatusBadGateway}, ReasonUpstream, true},
		{"gateway timeout", &rag.StatusError{StatusCode: http.StatusGatewayTimeout}, ReasonTimeout, true},
		{"bad request", &rag.StatusError{StatusCode: http.StatusBadRequest}, ReasonUpstream, false},
		{"malformed", fmt.Errorf("%w: unexpected EOF", rag.ErrMalformedResponse), ReasonMalformed, true},
		{"transport", errors.New("connection refused"), ReasonUpstream, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestClassify_PassesThroughClassifiedErrors(t *testing.T) {
	original := malformed("empty answer")
	got := Classify(fmt.Errorf("wrapped: %w", original))
	assert.Same(t, original, got)
	assert.Nil(t, Classify(nil))
}

func TestReasonGuidance(t *testing.T) {
	for _, r := range []Reason{ReasonTimeout, ReasonRateLimited, ReasonUpstream, ReasonMalformed} {
		assert.NotEmpty(t, r.Guidance(), r)
	}
}
