package httpclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/article-archiver/internal/metrics"
)

// hostLimiter keeps one token bucket per host. A zero rate disables it.
type hostLimiter struct {
	qps      float64
	limiters sync.Map
}

func newHostLimiter(qps float64) *hostLimiter {
	return &hostLimiter{qps: qps}
}

// Wait blocks until the host of rawURL has budget for another request.
func (l *hostLimiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.qps <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse request url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := l.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(l.qps), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
