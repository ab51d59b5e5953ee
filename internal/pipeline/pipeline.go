// Package pipeline turns one catalog item into one stored artifact.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/catalog"
	"github.com/JakeFAU/article-archiver/internal/extract"
	"github.com/JakeFAU/article-archiver/internal/hash/sha256"
	"github.com/JakeFAU/article-archiver/internal/httpclient"
	"github.com/JakeFAU/article-archiver/internal/metrics"
)

// MarkerName is the completion marker written last into an item directory.
const MarkerName = ".complete"

// Format selects which artifact kinds a run may produce.
type Format string

const (
	// FormatAuto captures when capture is enabled and extracts otherwise.
	FormatAuto Format = "auto"
	// FormatCapture prefers a PDF capture.
	FormatCapture Format = "capture"
	// FormatText always extracts Markdown.
	FormatText Format = "text"
)

// ParseFormat validates a format name. The original pdf and md spellings are
// accepted as aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FormatAuto):
		return FormatAuto, nil
	case string(FormatCapture), "pdf":
		return FormatCapture, nil
	case string(FormatText), "md", "markdown":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown format %q (want auto, capture or text)", s)
	}
}

// Capturer prints a page to PDF.
type Capturer interface {
	Capture(ctx context.Context, pageURL string) ([]byte, error)
}

// Fetcher retrieves a page.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (httpclient.Response, error)
}

// Extractor converts a fetched page to Markdown, storing images under outDir.
type Extractor interface {
	Extract(ctx context.Context, body []byte, pageURL, outDir string) extract.Result
}

// Store persists artifacts relative to the output root.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Resolve(path string) (string, error)
}

// Options configure a Pipeline.
type Options struct {
	Format           Format
	Capture          bool
	CompletionMarker bool
	RunID            string
}

// Marker is the JSON body of the completion marker.
type Marker struct {
	Title      string    `json:"title"`
	Link       string    `json:"link"`
	Kind       Kind      `json:"kind"`
	Artifact   string    `json:"artifact"`
	SHA256     string    `json:"sha256"`
	RunID      string    `json:"run_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Pipeline processes items one at a time.
type Pipeline struct {
	opts      Options
	capturer  Capturer
	fetcher   Fetcher
	extractor Extractor
	store     Store
	logger    *zap.Logger
	now       func() time.Time

	captureOff bool
}

// New wires a Pipeline. capturer may be nil when capture is not configured.
func New(opts Options, capturer Capturer, fetcher Fetcher, extractor Extractor, store Store, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Format == "" {
		opts.Format = FormatAuto
	}
	return &Pipeline{
		opts:      opts,
		capturer:  capturer,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// DisableCapture turns off capture for the remainder of the run.
func (p *Pipeline) DisableCapture() {
	p.captureOff = true
}

// CaptureEnabled reports whether items will be offered to the capturer.
func (p *Pipeline) CaptureEnabled() bool {
	return p.opts.Capture && p.opts.Format != FormatText && p.capturer != nil && !p.captureOff
}

// Process produces the artifact for item. It never panics on item-level
// problems; they come back as a failed Result.
func (p *Pipeline) Process(ctx context.Context, item catalog.WorkItem) Result {
	start := p.now()
	logger := p.logger.With(zap.String("slug", item.Slug), zap.String("url", item.Link))

	res := p.process(ctx, item, logger)
	res.Duration = p.now().Sub(start)
	metrics.ObserveItem(string(res.Kind), res.Duration)
	return res
}

func (p *Pipeline) process(ctx context.Context, item catalog.WorkItem, logger *zap.Logger) Result {
	if p.CaptureEnabled() {
		pdf, err := p.capturer.Capture(ctx, item.Link)
		if err == nil {
			return p.finish(ctx, item, KindCaptured, artifactPath(item, ".pdf"), "application/pdf", pdf, Result{})
		}
		logger.Warn("Capture failed, falling back to extraction", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return Result{Kind: KindFailed, Err: fmt.Errorf("process %s: %w", item.Slug, err)}
	}

	resp, err := p.fetcher.Get(ctx, item.Link, nil)
	if err != nil {
		return Result{Kind: KindFailed, Err: fmt.Errorf("fetch %s: %w", item.Link, err)}
	}

	if isPDF(resp.ContentType()) && p.opts.Format != FormatText {
		logger.Debug("Link serves a PDF, storing it directly")
		return p.finish(ctx, item, KindCaptured, artifactPath(item, ".pdf"), "application/pdf", resp.Body, Result{})
	}

	outDir, err := p.store.Resolve(item.Slug)
	if err != nil {
		return Result{Kind: KindFailed, Err: fmt.Errorf("resolve output for %s: %w", item.Slug, err)}
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = item.Link
	}
	ext := p.extractor.Extract(ctx, resp.Body, pageURL, outDir)
	if ext.PlainText {
		logger.Warn("Stored plain text, Markdown conversion failed")
	}
	doc := extract.Document(item.DisplayTitle(), ext.Markdown)
	return p.finish(ctx, item, KindExtracted, artifactPath(item, ".md"), "text/markdown; charset=utf-8", doc, Result{
		ImagesLocalized: ext.ImagesLocalized,
		ImagesFailed:    ext.ImagesFailed,
	})
}

// finish stores the artifact and, in marker mode, the completion marker.
func (p *Pipeline) finish(ctx context.Context, item catalog.WorkItem, kind Kind, rel, contentType string, data []byte, res Result) Result {
	uri, err := p.store.PutObject(ctx, rel, contentType, bytes.NewReader(data))
	if err != nil {
		res.Kind = KindFailed
		res.Err = fmt.Errorf("store %s: %w", rel, err)
		return res
	}
	res.Kind = kind
	res.Path = uri

	if p.opts.CompletionMarker {
		if err := p.writeMarker(ctx, item, kind, rel, data); err != nil {
			res.Kind = KindFailed
			res.Err = err
		}
	}
	return res
}

func (p *Pipeline) writeMarker(ctx context.Context, item catalog.WorkItem, kind Kind, artifact string, data []byte) error {
	body, err := json.Marshal(Marker{
		Title:      item.Title,
		Link:       item.Link,
		Kind:       kind,
		Artifact:   path.Base(artifact),
		SHA256:     sha256.Hex(data),
		RunID:      p.opts.RunID,
		FinishedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode completion marker: %w", err)
	}
	if _, err := p.store.PutObject(ctx, MarkerPath(item.Slug), "application/json", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("store completion marker: %w", err)
	}
	return nil
}

// MarkerPath is the store-relative path of an item's completion marker.
func MarkerPath(slug string) string {
	return path.Join(slug, MarkerName)
}

func artifactPath(item catalog.WorkItem, ext string) string {
	return path.Join(item.Slug, item.Slug+ext)
}

func isPDF(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.EqualFold(mediaType, "application/pdf")
}
