package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/metrics"
)

const downloadChunkSize = 8192

// Download streams rawURL into dest. The whole request is retried on failure
// (no byte-range resume) with a fixed pause between attempts. dest only
// appears once a complete body has been written.
func (c *Client) Download(ctx context.Context, rawURL, dest string) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.DownloadAttempts; attempt++ {
		err := c.downloadOnce(ctx, rawURL, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("Download attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == c.cfg.DownloadAttempts {
			break
		}
		metrics.ObserveRetry("download")
		if serr := c.sleep(ctx, c.cfg.DownloadRetryDelay); serr != nil {
			return fmt.Errorf("download retry wait: %w", serr)
		}
	}
	return fmt.Errorf("download %s: %w", rawURL, lastErr)
}

func (c *Client) downloadOnce(ctx context.Context, rawURL, dest string) (err error) {
	if err := c.limiter.Wait(ctx, rawURL); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveRequest("download", rawURL, 0)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close body: %w", cerr)
		}
	}()
	metrics.ObserveRequest("download", rawURL, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = io.CopyBuffer(tmp, resp.Body, make([]byte, downloadChunkSize)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}
