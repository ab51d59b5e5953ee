// Package httpclient performs outbound HTTP with bounded retry and backoff.
//
// Page fetches go through a colly collector; file downloads stream through a
// plain net/http client sharing the same transport. Every request carries the
// configured user agent so operators on the other end can identify the client.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/metrics"
)

// DefaultUserAgent identifies the archiver on outbound requests.
const DefaultUserAgent = "Mozilla/5.0 (compatible; article-archiver/1.0)"

// Config controls timeouts, retries and throttling.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	MaxRetries         int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	DownloadAttempts   int
	DownloadRetryDelay time.Duration
	RequestsPerSecond  float64
	RespectRobots      bool
	MaxBodyBytes       int
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	_, ok := TransientStatuses[e.StatusCode]
	return ok
}

// Response is a fully buffered page response.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ContentType returns the response Content-Type header.
func (r Response) ContentType() string {
	return r.Headers.Get("Content-Type")
}

// Client is the retrying network client.
type Client struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	httpClient    *http.Client
	policy        RetryPolicy
	limiter       *hostLimiter
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithTransport swaps the round tripper used by both page fetches and downloads.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithRetryPolicy overrides the default exponential policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithSleep overrides how the client waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DownloadAttempts <= 0 {
		cfg.DownloadAttempts = 3
	}
	c := &Client{
		cfg:       cfg,
		transport: newHTTPTransport(),
		policy:    NewExponentialRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		limiter:   newHostLimiter(cfg.RequestsPerSecond),
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	collector := colly.NewCollector(colly.Async(false))
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !cfg.RespectRobots
	collector.UserAgent = cfg.UserAgent
	collector.MaxBodySize = cfg.MaxBodyBytes
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(c.transport)
	c.baseCollector = collector

	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   cfg.Timeout,
	}
	return c
}

// Get fetches rawURL, retrying connection errors and transient statuses with
// exponential backoff. The last error is returned once retries are exhausted.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.getOnce(ctx, rawURL, header)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !c.policy.ShouldRetry(err, attempt+1) {
			return Response{}, err
		}
		wait := c.policy.Backoff(attempt)
		metrics.ObserveRetry("page")
		c.logger.Warn("Retrying page fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := c.sleep(ctx, wait); serr != nil {
			return Response{}, fmt.Errorf("retry wait: %w", serr)
		}
	}
}

func (c *Client) getOnce(ctx context.Context, rawURL string, header http.Header) (Response, error) {
	if err := c.limiter.Wait(ctx, rawURL); err != nil {
		return Response{}, err
	}

	var (
		result   Response
		fetchErr error
	)
	collector := c.baseCollector.Clone()
	collector.WithTransport(c.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range header {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = &StatusError{URL: rawURL, StatusCode: r.StatusCode}
			return
		}
		fetchErr = err
	})

	// On cancellation Visit may still be running and writing result, so it is
	// only read once runCollector has seen Visit return.
	if err := c.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		metrics.ObserveRequest("page", rawURL, statusOf(Response{}, err))
		return Response{}, err
	}
	metrics.ObserveRequest("page", rawURL, result.StatusCode)
	return result, nil
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		var statusErr *StatusError
		if errors.As(*fetchErr, &statusErr) {
			return statusErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func statusOf(resp Response, err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	if err != nil {
		return 0
	}
	return resp.StatusCode
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
