package capture

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/httpclient"
	"github.com/JakeFAU/article-archiver/internal/metrics"
)

// ImageFetcher retrieves image bytes for inlining.
type ImageFetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (httpclient.Response, error)
}

// Capturer renders a page to PDF on a tab supplied by a Manager.
type Capturer struct {
	manager *Manager
	fetcher ImageFetcher
	cfg     Config
	logger  *zap.Logger
}

// New builds a Capturer. fetcher may be nil, in which case images are left
// for the browser to load.
func New(manager *Manager, fetcher ImageFetcher, logger *zap.Logger) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{
		manager: manager,
		fetcher: fetcher,
		cfg:     manager.cfg,
		logger:  logger,
	}
}

// Capture returns a PDF of pageURL. The first attempt waits for the network
// to settle, hydrates and scrolls the page and inlines its images. If that
// fails a simpler attempt runs on a fresh isolated session. ErrNoCapture is
// returned when both fail.
func (c *Capturer) Capture(ctx context.Context, pageURL string) ([]byte, error) {
	tabCtx, release, kind, err := c.manager.tab()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCapture, err)
	}
	pdf, firstErr := c.attempt(ctx, tabCtx, pageURL, true)
	release()
	if firstErr == nil {
		metrics.ObserveCapture(kind, "ok")
		return pdf, nil
	}
	metrics.ObserveCapture(kind, "failed")
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCapture, firstErr)
	}
	c.logger.Warn("Capture failed, retrying on an isolated session",
		zap.String("url", pageURL), zap.Error(firstErr))

	tabCtx, release, _, err = c.manager.isolatedTab()
	if err != nil {
		return nil, fmt.Errorf("%w: %w; retry: %w", ErrNoCapture, firstErr, err)
	}
	defer release()
	pdf, retryErr := c.attempt(ctx, tabCtx, pageURL, false)
	if retryErr != nil {
		metrics.ObserveCapture("isolated", "failed")
		return nil, fmt.Errorf("%w: %w; retry: %w", ErrNoCapture, firstErr, retryErr)
	}
	metrics.ObserveCapture("isolated", "ok")
	return pdf, nil
}

// attempt runs one capture on tabCtx. In full mode every preparation step
// must succeed; otherwise preparation is best effort and only navigation and
// printing are required.
func (c *Capturer) attempt(parent, tabCtx context.Context, pageURL string, full bool) ([]byte, error) {
	taskCtx, cancel := context.WithTimeout(tabCtx, c.cfg.NavigationTimeout+c.cfg.IdleTimeout)
	defer cancel()
	stopForward := forwardCancel(parent, cancel)
	defer stopForward()

	idle := listenNetworkIdle(taskCtx)
	if err := chromedp.Run(taskCtx,
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	prep := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"network idle", func(ctx context.Context) error { return c.waitIdle(ctx, idle) }},
		{"hydrate", c.hydrate},
		{"scroll", c.scroll},
		{"inline images", func(ctx context.Context) error { return c.inlineImages(ctx, pageURL) }},
	}
	for _, step := range prep {
		if !full && step.name == "scroll" {
			continue
		}
		if err := chromedp.Run(taskCtx, chromedp.ActionFunc(step.fn)); err != nil {
			if full {
				return nil, fmt.Errorf("%s: %w", step.name, err)
			}
			c.logger.Debug("Capture preparation step failed", zap.String("step", step.name), zap.Error(err))
		}
	}

	var pdf []byte
	if err := chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPreferCSSPageSize(true).
			Do(ctx)
		if err != nil {
			return err
		}
		pdf = data
		return nil
	})); err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}

	if c.cfg.ValidatePDF {
		if err := validatePDF(pdf); err != nil {
			return nil, fmt.Errorf("validate pdf: %w", err)
		}
	} else if len(pdf) == 0 {
		return nil, errEmptyPDF
	}
	return pdf, nil
}

// listenNetworkIdle signals once the page reports networkIdle after its
// navigation has begun.
func listenNetworkIdle(ctx context.Context) <-chan struct{} {
	idle := make(chan struct{}, 1)
	var navigating atomic.Bool
	chromedp.ListenTarget(ctx, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		switch e.Name {
		case "init":
			navigating.Store(true)
		case "networkIdle":
			if navigating.Load() {
				select {
				case idle <- struct{}{}:
				default:
				}
			}
		}
	})
	return idle
}

func (c *Capturer) waitIdle(ctx context.Context, idle <-chan struct{}) error {
	timer := time.NewTimer(c.cfg.IdleTimeout)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
		c.logger.Debug("Network did not go idle, continuing", zap.Duration("timeout", c.cfg.IdleTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// hydrate fills images lacking a source from their deferred-source
// attributes.
func (c *Capturer) hydrate(ctx context.Context) error {
	var images []lazyImage
	if err := chromedp.Evaluate(lazyImagesScript, &images).Do(ctx); err != nil {
		return err
	}
	touched := 0
	for _, img := range images {
		src, ok := hydrationSource(img)
		if !ok {
			continue
		}
		script, err := setImageSourceScript(img.Index, src)
		if err != nil {
			continue
		}
		if err := chromedp.Evaluate(script, nil).Do(ctx); err != nil {
			return err
		}
		touched++
	}
	if touched > 0 {
		c.logger.Debug("Hydrated lazy images", zap.Int("count", touched))
	}
	return nil
}

func (c *Capturer) scroll(ctx context.Context) error {
	var height float64
	if err := chromedp.Evaluate(scrollHeightScript, &height).Do(ctx); err != nil {
		return err
	}
	for _, y := range scrollPositions(int64(height), c.cfg.ScrollStep) {
		if err := chromedp.Evaluate(scrollToScript(y), nil).Do(ctx); err != nil {
			return err
		}
		if c.cfg.ScrollPause > 0 {
			if err := chromedp.Sleep(c.cfg.ScrollPause).Do(ctx); err != nil {
				return err
			}
		}
	}
	return chromedp.Evaluate(scrollToScript(0), nil).Do(ctx)
}

// inlineImages fetches each image with the page's cookies and replaces its
// source with a data URI so the printout does not depend on late loads.
func (c *Capturer) inlineImages(ctx context.Context, pageURL string) error {
	if c.fetcher == nil {
		return c.waitImages(ctx)
	}
	var images []pageImage
	if err := chromedp.Evaluate(listImagesScript, &images).Do(ctx); err != nil {
		return err
	}
	if len(images) == 0 {
		return nil
	}
	cookies, err := network.GetCookies().WithURLs([]string{pageURL}).Do(ctx)
	if err != nil {
		c.logger.Debug("Reading page cookies failed", zap.Error(err))
	}
	header := imageRequestHeader(pageURL, cookies)

	inlined := 0
	for _, img := range images {
		if !isRemote(img.Src) {
			continue
		}
		resp, err := c.fetcher.Get(ctx, img.Src, header.Clone())
		if err != nil {
			c.logger.Debug("Image fetch for inlining failed", zap.String("src", img.Src), zap.Error(err))
			continue
		}
		mediaType, ok := imageMediaType(resp.ContentType())
		if !ok {
			continue
		}
		script, err := setImageSourceScript(img.Index, dataURI(mediaType, resp.Body))
		if err != nil {
			continue
		}
		if err := chromedp.Evaluate(script, nil).Do(ctx); err != nil {
			return err
		}
		inlined++
	}
	c.logger.Debug("Inlined page images", zap.Int("inlined", inlined), zap.Int("total", len(images)))
	return c.waitImages(ctx)
}

func (c *Capturer) waitImages(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.IdleTimeout)
	defer cancel()
	var done bool
	err := chromedp.Evaluate(waitImagesScript, &done, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}).Do(waitCtx)
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		return nil
	}
	return err
}

func isRemote(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// forwardCancel cancels the task when parent is done.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
