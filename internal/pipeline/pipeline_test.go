package pipeline_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/capture"
	"github.com/JakeFAU/article-archiver/internal/catalog"
	"github.com/JakeFAU/article-archiver/internal/extract"
	"github.com/JakeFAU/article-archiver/internal/httpclient"
	"github.com/JakeFAU/article-archiver/internal/pipeline"
	"github.com/JakeFAU/article-archiver/internal/storage/local"
)

type mockCapturer struct {
	mock.Mock
}

func (m *mockCapturer) Capture(ctx context.Context, pageURL string) ([]byte, error) {
	args := m.Called(ctx, pageURL)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

const articleURL = "https://example.com/articles/one"

const articleHTML = `<html><body><nav>Menu</nav><article>
<h2>Results</h2><p>Findings are here.</p>
<img src="/figures/missing.png" alt="figure">
</article></body></html>`

type harness struct {
	root      string
	store     *local.BlobStore
	client    *httpclient.Client
	transport *httpmock.MockTransport
	extractor *extract.Extractor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)

	transport := httpmock.NewMockTransport()
	client := httpclient.New(httpclient.Config{MaxRetries: 1, DownloadAttempts: 1}, zap.NewNop(),
		httpclient.WithTransport(transport),
		httpclient.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	extractor, err := extract.New(extract.Config{Sanitize: true, ImageCacheSize: 16}, client, zap.NewNop())
	require.NoError(t, err)
	return &harness{root: root, store: store, client: client, transport: transport, extractor: extractor}
}

func (h *harness) pipeline(opts pipeline.Options, capturer pipeline.Capturer) *pipeline.Pipeline {
	return pipeline.New(opts, capturer, h.client, h.extractor, h.store, zap.NewNop())
}

func htmlResponder(body string) httpmock.Responder {
	return httpmock.NewStringResponder(http.StatusOK, body).
		HeaderSet(http.Header{"Content-Type": {"text/html; charset=utf-8"}})
}

func TestProcessExtractsMarkdownAndKeepsFailedImageReference(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL, htmlResponder(articleHTML))
	h.transport.RegisterResponder(http.MethodGet, "https://example.com/figures/missing.png",
		httpmock.NewStringResponder(http.StatusNotFound, "nope"))

	item := catalog.NewWorkItem("First Article", articleURL)
	res := h.pipeline(pipeline.Options{Format: pipeline.FormatAuto}, nil).Process(context.Background(), item)

	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.KindExtracted, res.Kind)
	assert.Equal(t, 0, res.ImagesLocalized)
	assert.Equal(t, 1, res.ImagesFailed)

	// #nosec G304 -- test reads from the controlled temp directory.
	doc, err := os.ReadFile(filepath.Join(h.root, "First-Article", "First-Article.md"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "# First Article\n\n")
	assert.Contains(t, string(doc), "Findings are here.")
	assert.Contains(t, string(doc), "https://example.com/figures/missing.png")
	assert.NotContains(t, string(doc), "Menu")

	_, err = os.Stat(filepath.Join(h.root, "First-Article", extract.ImagesDir))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessLocalizesImages(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL, htmlResponder(articleHTML))
	h.transport.RegisterResponder(http.MethodGet, "https://example.com/figures/missing.png",
		httpmock.NewBytesResponder(http.StatusOK, []byte("png")))

	item := catalog.NewWorkItem("Images", articleURL)
	res := h.pipeline(pipeline.Options{}, nil).Process(context.Background(), item)

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ImagesLocalized)
	// #nosec G304 -- test reads from the controlled temp directory.
	doc, err := os.ReadFile(filepath.Join(h.root, "Images", "Images.md"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "](images/missing.png)")
	_, err = os.Stat(filepath.Join(h.root, "Images", "images", "missing.png"))
	assert.NoError(t, err)
}

func TestProcessCaptureSuccess(t *testing.T) {
	h := newHarness(t)
	capturer := &mockCapturer{}
	capturer.On("Capture", mock.Anything, articleURL).Return([]byte("%PDF-1.7 fake"), nil).Once()

	item := catalog.NewWorkItem("Captured", articleURL)
	res := h.pipeline(pipeline.Options{Capture: true}, capturer).Process(context.Background(), item)

	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.KindCaptured, res.Kind)
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(h.root, "Captured", "Captured.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 fake", string(data))
	assert.Zero(t, h.transport.GetTotalCallCount(), "capture success must not fetch the page")
	capturer.AssertExpectations(t)
}

func TestProcessCaptureFailureFallsBackToText(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL, htmlResponder(articleHTML))
	h.transport.RegisterNoResponder(httpmock.NewStringResponder(http.StatusNotFound, ""))
	capturer := &mockCapturer{}
	capturer.On("Capture", mock.Anything, articleURL).Return(nil, capture.ErrNoCapture).Once()

	item := catalog.NewWorkItem("Fallback", articleURL)
	res := h.pipeline(pipeline.Options{Capture: true}, capturer).Process(context.Background(), item)

	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.KindExtracted, res.Kind)
	assert.FileExists(t, filepath.Join(h.root, "Fallback", "Fallback.md"))
	assert.NoFileExists(t, filepath.Join(h.root, "Fallback", "Fallback.pdf"))
	capturer.AssertExpectations(t)
}

func TestProcessTextFormatNeverCaptures(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL, htmlResponder("<article>Only text</article>"))
	capturer := &mockCapturer{}

	p := h.pipeline(pipeline.Options{Capture: true, Format: pipeline.FormatText}, capturer)
	assert.False(t, p.CaptureEnabled())
	res := p.Process(context.Background(), catalog.NewWorkItem("Text", articleURL))

	assert.Equal(t, pipeline.KindExtracted, res.Kind)
	capturer.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestProcessDisableCapture(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL, htmlResponder("<article>Body</article>"))
	capturer := &mockCapturer{}

	p := h.pipeline(pipeline.Options{Capture: true}, capturer)
	require.True(t, p.CaptureEnabled())
	p.DisableCapture()
	assert.False(t, p.CaptureEnabled())

	res := p.Process(context.Background(), catalog.NewWorkItem("Disabled", articleURL))
	assert.Equal(t, pipeline.KindExtracted, res.Kind)
	capturer.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestProcessStoresServedPDFDirectly(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL,
		httpmock.NewBytesResponder(http.StatusOK, []byte("%PDF-1.4 served")).
			HeaderSet(http.Header{"Content-Type": {"application/pdf"}}))

	res := h.pipeline(pipeline.Options{}, nil).Process(context.Background(), catalog.NewWorkItem("Served", articleURL))

	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.KindCaptured, res.Kind)
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(h.root, "Served", "Served.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 served", string(data))
}

func TestProcessFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL,
		httpmock.NewStringResponder(http.StatusForbidden, "denied"))

	res := h.pipeline(pipeline.Options{}, nil).Process(context.Background(), catalog.NewWorkItem("Denied", articleURL))

	assert.Equal(t, pipeline.KindFailed, res.Kind)
	var statusErr *httpclient.StatusError
	require.True(t, errors.As(res.Err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	_, err := os.Stat(filepath.Join(h.root, "Denied"))
	assert.True(t, os.IsNotExist(err), "failed items leave no output directory")
}

func TestProcessWritesCompletionMarker(t *testing.T) {
	h := newHarness(t)
	h.transport.RegisterResponder(http.MethodGet, articleURL, htmlResponder("<article>Marked</article>"))

	p := h.pipeline(pipeline.Options{CompletionMarker: true, RunID: "run-1"}, nil)
	res := p.Process(context.Background(), catalog.NewWorkItem("Marked", articleURL))
	require.NoError(t, res.Err)

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(filepath.Join(h.root, pipeline.MarkerPath("Marked")))
	require.NoError(t, err)
	var marker pipeline.Marker
	require.NoError(t, json.Unmarshal(raw, &marker))
	assert.Equal(t, "Marked", marker.Title)
	assert.Equal(t, articleURL, marker.Link)
	assert.Equal(t, pipeline.KindExtracted, marker.Kind)
	assert.Equal(t, "Marked.md", marker.Artifact)
	assert.Equal(t, "run-1", marker.RunID)
	assert.False(t, marker.FinishedAt.IsZero())

	// #nosec G304 -- test reads from the controlled temp directory.
	md, err := os.ReadFile(filepath.Join(h.root, "Marked", "Marked.md"))
	require.NoError(t, err)
	sum := sha256.Sum256(md)
	assert.Equal(t, hex.EncodeToString(sum[:]), marker.SHA256)
}

func TestParseFormat(t *testing.T) {
	testCases := []struct {
		in      string
		want    pipeline.Format
		wantErr bool
	}{
		{"", pipeline.FormatAuto, false},
		{"AUTO", pipeline.FormatAuto, false},
		{"capture", pipeline.FormatCapture, false},
		{"pdf", pipeline.FormatCapture, false},
		{"text", pipeline.FormatText, false},
		{"md", pipeline.FormatText, false},
		{"docx", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := pipeline.ParseFormat(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
