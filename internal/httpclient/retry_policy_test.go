package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, 10*time.Millisecond, 100*time.Millisecond)
	testCases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"connection error", errors.New("dial tcp: connection refused"), 1, true},
		{"transient status", &StatusError{StatusCode: http.StatusServiceUnavailable}, 2, true},
		{"wrapped transient status", fmt.Errorf("fetch: %w", &StatusError{StatusCode: 429}), 1, true},
		{"permanent status", &StatusError{StatusCode: http.StatusNotFound}, 1, false},
		{"budget exhausted", errors.New("boom"), 3, false},
		{"canceled", context.Canceled, 1, false},
		{"request timeout", fmt.Errorf("x: %w", context.DeadlineExceeded), 1, true},
		{"robots blocked", colly.ErrRobotsTxtBlocked, 1, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestExponentialRetryPolicyBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	p := NewExponentialRetryPolicy(5, base, maxDelay)
	for attempt := 0; attempt < 6; attempt++ {
		expected := base << attempt
		if expected > maxDelay {
			expected = maxDelay
		}
		got := p.Backoff(attempt)
		assert.GreaterOrEqual(t, got, expected/2, "attempt %d", attempt)
		assert.LessOrEqual(t, got, expected, "attempt %d", attempt)
	}
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(-1, 0, 0)
	assert.Equal(t, 0, p.maxRetries)
	assert.Equal(t, 500*time.Millisecond, p.baseDelay)
	assert.Equal(t, p.baseDelay, p.maxDelay)
	assert.False(t, p.ShouldRetry(errors.New("x"), 1))
}
