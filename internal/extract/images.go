package extract

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/catalog"
	"github.com/JakeFAU/article-archiver/internal/metrics"
)

// ImagesDir is the per-item subdirectory holding localized images.
const ImagesDir = "images"

// imageAttrs are checked in priority order for an image reference.
var imageAttrs = []string{"src", "data-src", "data-original", "data-lazy"}

// imageSource returns the first non-empty image reference on the element.
func imageSource(img *goquery.Selection) string {
	for _, attr := range imageAttrs {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// imageNamer hands out file names under images/, one per distinct URL.
type imageNamer struct {
	byURL  map[string]string
	byName map[string]string
}

func newImageNamer() *imageNamer {
	return &imageNamer{
		byURL:  make(map[string]string),
		byName: make(map[string]string),
	}
}

func (n *imageNamer) name(abs *url.URL) string {
	key := abs.String()
	if name, ok := n.byURL[key]; ok {
		return name
	}
	base := catalog.Slugify(path.Base(abs.Path))
	if base == "" || base == "." || base == ".." {
		base = "image"
	}
	name := base
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 2; ; i++ {
		if _, taken := n.byName[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	n.byURL[key] = name
	n.byName[name] = key
	return name
}

type imageStats struct {
	localized int
	failed    int
}

func (e *Extractor) localizeImages(ctx context.Context, region *goquery.Selection, base *url.URL, outDir string) imageStats {
	var stats imageStats
	namer := newImageNamer()
	imagesDir := filepath.Join(outDir, ImagesDir)

	region.Find("img").Each(func(_ int, img *goquery.Selection) {
		raw := imageSource(img)
		if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
			return
		}
		abs, err := resolveReference(base, raw)
		if err != nil {
			e.logger.Warn("Skipping unresolvable image", zap.String("src", raw), zap.Error(err))
			stats.failed++
			metrics.ObserveImage("failed")
			return
		}

		name := namer.name(abs)
		dest := filepath.Join(imagesDir, name)
		if err := e.fetchImage(ctx, abs.String(), dest); err != nil {
			e.logger.Warn("Failed to download image", zap.String("url", abs.String()), zap.Error(err))
			stats.failed++
			metrics.ObserveImage("failed")
			return
		}
		img.SetAttr("src", ImagesDir+"/"+name)
		stats.localized++
		metrics.ObserveImage("localized")
	})

	// Drop an images/ directory that ended up empty.
	_ = os.Remove(imagesDir)
	return stats
}

// fetchImage places the image at dest, reusing an earlier download of the
// same URL when the cache still points at a readable file.
func (e *Extractor) fetchImage(ctx context.Context, absURL, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		if prev, ok := e.cacheGet(absURL); ok && prev == dest {
			return nil
		}
	}
	if prev, ok := e.cacheGet(absURL); ok && prev != dest {
		if err := copyFile(prev, dest); err == nil {
			metrics.ObserveImage("cached")
			e.cacheAdd(absURL, dest)
			return nil
		}
	}
	if err := e.downloader.Download(ctx, absURL, dest); err != nil {
		return err
	}
	e.cacheAdd(absURL, dest)
	return nil
}

func (e *Extractor) cacheGet(key string) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	return e.cache.Get(key)
}

func (e *Extractor) cacheAdd(key, value string) {
	if e.cache == nil {
		return
	}
	e.cache.Add(key, value)
}

func resolveReference(base *url.URL, raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse image reference: %w", err)
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, fmt.Errorf("unsupported image scheme %q", abs.Scheme)
	}
	return abs, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) // #nosec G304 -- src is a previous download under the output root.
	if err != nil {
		return fmt.Errorf("open cached image: %w", err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- dst is under the output root.
	if err != nil {
		return fmt.Errorf("create image copy: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close image copy: %w", cerr)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy cached image: %w", err)
	}
	return nil
}
