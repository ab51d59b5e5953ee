// Package extract turns a fetched article page into Markdown with its images
// stored alongside.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// Downloader stores the body of a URL at a destination path.
type Downloader interface {
	Download(ctx context.Context, rawURL, dest string) error
}

// Config tunes the extractor.
type Config struct {
	// RegionSelectors override DefaultRegionSelectors when non-empty.
	RegionSelectors []string
	// ReadabilityFallback inserts a readability rung before the body fallback.
	ReadabilityFallback bool
	// Sanitize strips scripts, handlers and unknown markup before conversion.
	Sanitize bool
	// ImageCacheSize bounds the URL to local-path cache shared across items.
	ImageCacheSize int
}

// Result describes one extraction.
type Result struct {
	Markdown        string
	Region          string
	ImagesLocalized int
	ImagesFailed    int
	// PlainText is set when Markdown conversion failed and the region's
	// text content was used instead.
	PlainText bool
}

// Extractor converts HTML pages into Markdown bodies.
type Extractor struct {
	cascade    []regionMatcher
	downloader Downloader
	policy     *bluemonday.Policy
	converter  markdownConverter
	cache      *lru.Cache[string, string]
	logger     *zap.Logger
}

// New builds an Extractor backed by downloader for image retrieval.
func New(cfg Config, downloader Downloader, logger *zap.Logger) (*Extractor, error) {
	if downloader == nil {
		return nil, fmt.Errorf("extract: downloader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		cascade:    buildCascade(cfg.RegionSelectors, cfg.ReadabilityFallback),
		downloader: downloader,
		converter:  newMarkdownConverter(),
		logger:     logger,
	}
	if cfg.Sanitize {
		e.policy = newSanitizePolicy()
	}
	if cfg.ImageCacheSize > 0 {
		cache, err := lru.New[string, string](cfg.ImageCacheSize)
		if err != nil {
			return nil, fmt.Errorf("extract: image cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Extract selects the content region of body, localizes its images under
// outDir/images and converts the region to Markdown. Problems with
// individual images or with conversion degrade the result instead of
// failing it.
func (e *Extractor) Extract(ctx context.Context, body []byte, pageURL, outDir string) Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("Failed to parse page, keeping raw text", zap.String("url", pageURL), zap.Error(err))
		return Result{Markdown: normalizeText(string(body)), Region: "raw", PlainText: true}
	}

	page, _ := url.Parse(pageURL)
	base := documentBase(doc, page)

	region, name := selectRegion(e.cascade, doc, page)
	stats := e.localizeImages(ctx, region, base, outDir)

	md, plain := e.render(region)
	e.logger.Debug("Extracted page",
		zap.String("url", pageURL),
		zap.String("region", name),
		zap.Int("images_localized", stats.localized),
		zap.Int("images_failed", stats.failed),
		zap.Bool("plain_text", plain),
	)
	return Result{
		Markdown:        md,
		Region:          name,
		ImagesLocalized: stats.localized,
		ImagesFailed:    stats.failed,
		PlainText:       plain,
	}
}

func (e *Extractor) render(region *goquery.Selection) (string, bool) {
	html, err := goquery.OuterHtml(region)
	if err == nil {
		if e.policy != nil {
			html = e.policy.Sanitize(html)
		}
		md, convErr := e.converter.ConvertString(html)
		if convErr == nil && strings.TrimSpace(md) != "" {
			return strings.TrimSpace(md) + "\n", false
		}
		err = convErr
	}
	if err != nil {
		e.logger.Warn("Markdown conversion failed, using plain text", zap.Error(err))
	}
	return normalizeText(region.Text()), true
}

// documentBase honours <base href> when present.
func documentBase(doc *goquery.Document, page *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return page
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return page
	}
	if page == nil {
		return ref
	}
	return page.ResolveReference(ref)
}

// Document prefixes the extracted body with the item's title heading.
func Document(title, markdown string) []byte {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(strings.TrimSpace(title))
	b.WriteString("\n\n")
	b.WriteString(markdown)
	if !strings.HasSuffix(markdown, "\n") {
		b.WriteString("\n")
	}
	return []byte(b.String())
}
