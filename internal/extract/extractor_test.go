package extract

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDownloader struct {
	mu      sync.Mutex
	bodies  map[string]string
	calls   []string
	failAll bool
}

func (f *fakeDownloader) Download(_ context.Context, rawURL, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rawURL)
	body, ok := f.bodies[rawURL]
	if f.failAll || !ok {
		return errors.New("404 not found")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(body), 0o600)
}

func newTestExtractor(t *testing.T, d Downloader, cfg Config) *Extractor {
	t.Helper()
	e, err := New(cfg, d, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestNewRequiresDownloader(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestExtractRegionCascade(t *testing.T) {
	testCases := []struct {
		name   string
		html   string
		region string
		want   string
		absent string
	}{
		{
			name:   "article wins over main",
			html:   `<html><body><nav>Menu</nav><div id="main">Main text</div><article><p>Article text</p></article></body></html>`,
			region: "article",
			want:   "Article text",
			absent: "Menu",
		},
		{
			name:   "maincontent id",
			html:   `<html><body><header>Site</header><div id="maincontent"><p>Body copy</p></div></body></html>`,
			region: "div#maincontent",
			want:   "Body copy",
			absent: "Site",
		},
		{
			name:   "article class",
			html:   `<html><body><div class="article"><p>Classy</p></div><footer>Foot</footer></body></html>`,
			region: "div.article",
			want:   "Classy",
			absent: "Foot",
		},
		{
			name:   "div main as last selector",
			html:   `<html><body><aside>Side</aside><div id="main"><p>Fallback main</p></div></body></html>`,
			region: "div#main",
			want:   "Fallback main",
			absent: "Side",
		},
		{
			name:   "body fallback",
			html:   `<html><body><p>Just a body</p></body></html>`,
			region: "body",
			want:   "Just a body",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestExtractor(t, &fakeDownloader{}, Config{Sanitize: true})
			res := e.Extract(context.Background(), []byte(tc.html), "https://example.com/a", t.TempDir())
			assert.Equal(t, tc.region, res.Region)
			assert.Contains(t, res.Markdown, tc.want)
			if tc.absent != "" {
				assert.NotContains(t, res.Markdown, tc.absent)
			}
			assert.False(t, res.PlainText)
		})
	}
}

func TestExtractMarkdownStructure(t *testing.T) {
	html := `<html><body><article>
		<h2>Methods</h2>
		<p>Some <strong>bold</strong> text with a <a href="https://example.com/ref">link</a>.</p>
		<ul><li>one</li><li>two</li></ul>
		<table><tr><th>A</th><th>B</th></tr><tr><td>1</td><td>2</td></tr></table>
		<script>alert("x")</script>
	</article></body></html>`

	e := newTestExtractor(t, &fakeDownloader{}, Config{Sanitize: true})
	res := e.Extract(context.Background(), []byte(html), "https://example.com/a", t.TempDir())

	assert.Contains(t, res.Markdown, "## Methods")
	assert.Contains(t, res.Markdown, "**bold**")
	assert.Contains(t, res.Markdown, "[link](https://example.com/ref)")
	assert.Contains(t, res.Markdown, "- one")
	assert.Contains(t, res.Markdown, "| A")
	assert.NotContains(t, res.Markdown, "alert")
}

func TestExtractLocalizesImages(t *testing.T) {
	outDir := t.TempDir()
	d := &fakeDownloader{bodies: map[string]string{
		"https://example.com/static/fig1.png":    "png-1",
		"https://cdn.example.com/lazy/fig2.jpg":  "jpg-2",
		"https://example.com/other/fig1.png":     "png-other",
		"https://example.com/articles/inline.gif": "gif",
	}}
	html := `<html><body><article>
		<img src="/static/fig1.png" alt="one">
		<img data-src="https://cdn.example.com/lazy/fig2.jpg" alt="two">
		<img src="/other/fig1.png" alt="three">
		<img data-lazy="inline.gif" alt="four">
		<img src="data:image/png;base64,AAAA" alt="five">
	</article></body></html>`

	e := newTestExtractor(t, d, Config{Sanitize: true, ImageCacheSize: 8})
	res := e.Extract(context.Background(), []byte(html), "https://example.com/articles/page", outDir)

	assert.Equal(t, 4, res.ImagesLocalized)
	assert.Equal(t, 0, res.ImagesFailed)
	assert.Contains(t, res.Markdown, "](images/fig1.png)")
	assert.Contains(t, res.Markdown, "](images/fig2.jpg)")
	assert.Contains(t, res.Markdown, "](images/fig1-2.png)")
	assert.Contains(t, res.Markdown, "](images/inline.gif)")
	assert.Contains(t, res.Markdown, "data:image/png;base64,AAAA")

	for name, body := range map[string]string{
		"fig1.png":   "png-1",
		"fig2.jpg":   "jpg-2",
		"fig1-2.png": "png-other",
		"inline.gif": "gif",
	} {
		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(filepath.Join(outDir, ImagesDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, body, string(data))
	}
}

func TestExtractHonoursBaseHref(t *testing.T) {
	d := &fakeDownloader{bodies: map[string]string{
		"https://static.example.org/assets/f.png": "x",
	}}
	html := `<html><head><base href="https://static.example.org/assets/"></head>
		<body><article><img src="f.png"></article></body></html>`

	e := newTestExtractor(t, d, Config{})
	res := e.Extract(context.Background(), []byte(html), "https://example.com/page", t.TempDir())
	assert.Equal(t, 1, res.ImagesLocalized)
	assert.Equal(t, []string{"https://static.example.org/assets/f.png"}, d.calls)
}

func TestExtractImageFailureKeepsOriginalReference(t *testing.T) {
	outDir := t.TempDir()
	d := &fakeDownloader{failAll: true}
	html := `<html><body><article><p>Text survives</p><img src="https://example.com/missing.png" alt="gone"></article></body></html>`

	e := newTestExtractor(t, d, Config{Sanitize: true})
	res := e.Extract(context.Background(), []byte(html), "https://example.com/a", outDir)

	assert.Equal(t, 0, res.ImagesLocalized)
	assert.Equal(t, 1, res.ImagesFailed)
	assert.Contains(t, res.Markdown, "Text survives")
	assert.Contains(t, res.Markdown, "https://example.com/missing.png")
	_, err := os.Stat(filepath.Join(outDir, ImagesDir))
	assert.True(t, os.IsNotExist(err), "empty images dir should not be left behind")
}

func TestExtractReusesCachedImagesAcrossItems(t *testing.T) {
	d := &fakeDownloader{bodies: map[string]string{"https://example.com/logo.png": "logo"}}
	e := newTestExtractor(t, d, Config{ImageCacheSize: 4})
	html := []byte(`<html><body><article><img src="/logo.png"><img src="/logo.png"></article></body></html>`)

	first := t.TempDir()
	second := t.TempDir()
	res1 := e.Extract(context.Background(), html, "https://example.com/one", first)
	res2 := e.Extract(context.Background(), html, "https://example.com/two", second)

	assert.Equal(t, 2, res1.ImagesLocalized)
	assert.Equal(t, 2, res2.ImagesLocalized)
	assert.Len(t, d.calls, 1, "repeat image should be served from the cache")
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(second, ImagesDir, "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "logo", string(data))
}

func TestExtractRendersPlainTextWhenConversionFails(t *testing.T) {
	e := newTestExtractor(t, &fakeDownloader{}, Config{})
	e.converter = failingConverter{}
	res := e.Extract(context.Background(), []byte(`<html><body><article><p>Line one</p>

	<p>Line two</p></article></body></html>`), "https://example.com/a", t.TempDir())

	assert.True(t, res.PlainText)
	assert.Contains(t, res.Markdown, "Line one")
	assert.Contains(t, res.Markdown, "Line two")
}

func TestExtractReadabilityRung(t *testing.T) {
	paragraph := strings.Repeat("This is a long paragraph of real article content, with commas, and sentences. ", 10)
	html := `<html><head><title>T</title></head><body>
		<div class="sidebar"><a href="/x">Link farm</a></div>
		<section class="story"><p>` + paragraph + `</p><p>` + paragraph + `</p></section>
	</body></html>`

	e := newTestExtractor(t, &fakeDownloader{}, Config{ReadabilityFallback: true})
	res := e.Extract(context.Background(), []byte(html), "https://example.com/story", t.TempDir())
	assert.Equal(t, "readability", res.Region)
	assert.Contains(t, res.Markdown, "real article content")
}

func TestDocument(t *testing.T) {
	assert.Equal(t, "# Title\n\nbody\n", string(Document(" Title ", "body")))
	assert.Equal(t, "# Title\n\nbody\n", string(Document("Title", "body\n")))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a\n\nb\n", normalizeText("\n\n  a  \n\n\n\n b\n"))
	assert.Equal(t, "", normalizeText(" \n\t\n"))
}

func TestImageNamer(t *testing.T) {
	n := newImageNamer()
	u1 := mustURL(t, "https://a.example/x/fig.png")
	u2 := mustURL(t, "https://b.example/y/fig.png")
	u3 := mustURL(t, "https://a.example/")
	assert.Equal(t, "fig.png", n.name(u1))
	assert.Equal(t, "fig.png", n.name(u1))
	assert.Equal(t, "fig-2.png", n.name(u2))
	assert.Equal(t, "image", n.name(u3))
}

type failingConverter struct{}

func (failingConverter) ConvertString(string, ...converter.ConvertOptionFunc) (string, error) {
	return "", errors.New("boom")
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
