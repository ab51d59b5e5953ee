// Package app wires the archiver's long-lived services for one run, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/capture"
	"github.com/JakeFAU/article-archiver/internal/catalog"
	"github.com/JakeFAU/article-archiver/internal/clock/system"
	"github.com/JakeFAU/article-archiver/internal/config"
	"github.com/JakeFAU/article-archiver/internal/extract"
	"github.com/JakeFAU/article-archiver/internal/httpclient"
	"github.com/JakeFAU/article-archiver/internal/id/uuid"
	"github.com/JakeFAU/article-archiver/internal/metrics"
	"github.com/JakeFAU/article-archiver/internal/pipeline"
	"github.com/JakeFAU/article-archiver/internal/runner"
	"github.com/JakeFAU/article-archiver/internal/storage/local"
)

// App holds the services built for a run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	source   *catalog.Reader
	store    *local.BlobStore
	client   *httpclient.Client
	session  *capture.Manager
	pipeline *pipeline.Pipeline
	runner   *runner.Runner
}

type options struct {
	transport http.RoundTripper
}

// Option customizes New.
type Option func(*options)

// WithHTTPTransport routes all page and image traffic through rt.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// New opens the catalog and output root and wires the pipeline. Errors here
// are fatal to the run.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	runID, err := uuid.RunID()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("run_id", runID))

	store, err := local.New(local.Config{BaseDir: cfg.Output.Root})
	if err != nil {
		return nil, fmt.Errorf("open output root: %w", err)
	}

	source, err := catalog.Open(cfg.Catalog.Path, catalog.Options{LinkHeaders: cfg.Catalog.LinkHeaders}, logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	var clientOpts []httpclient.Option
	if o.transport != nil {
		clientOpts = append(clientOpts, httpclient.WithTransport(o.transport))
	}
	client := httpclient.New(cfg.HTTPClient(), logger.Named("http"), clientOpts...)

	extractor, err := extract.New(cfg.Extractor(), client, logger.Named("extract"))
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		source: source,
		store:  store,
		client: client,
	}

	var capturer pipeline.Capturer
	var session runner.Session
	if cfg.CaptureWanted() {
		a.session = capture.NewManager(cfg.CaptureSession(), logger.Named("capture"))
		capturer = capture.New(a.session, client, logger.Named("capture"))
		session = a.session
	}

	a.pipeline = pipeline.New(pipeline.Options{
		Format:           cfg.Format(),
		Capture:          cfg.CaptureWanted(),
		CompletionMarker: cfg.Output.CompletionMarker,
		RunID:            runID,
	}, capturer, client, extractor, store, logger.Named("pipeline"))

	a.runner = runner.New(runner.Config{
		MaxItems:         cfg.Run.MaxItems,
		Delay:            cfg.Delay(),
		Capture:          cfg.CaptureWanted(),
		CompletionMarker: cfg.Output.CompletionMarker,
		RunID:            runID,
	}, source, a.pipeline, session, store, system.New(), logger.Named("runner"))

	return a, nil
}

// RunID identifies this run in logs and completion markers.
func (a *App) RunID() string {
	return a.runID
}

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run walks the catalog.
func (a *App) Run(ctx context.Context) (runner.Summary, error) {
	a.logger.Info("Starting run",
		zap.String("catalog", a.cfg.Catalog.Path),
		zap.String("output", a.store.BaseDir()),
		zap.Int("max_items", a.cfg.Run.MaxItems),
		zap.Duration("delay", a.cfg.Delay()),
		zap.String("format", string(a.cfg.Format())),
		zap.Bool("capture", a.cfg.CaptureWanted()),
		zap.Int("link_column", a.source.LinkIndex()),
	)
	return a.runner.Run(ctx)
}

// Close releases the catalog and browser and writes the metrics textfile
// when configured.
func (a *App) Close() error {
	var errs []error
	if a.session != nil {
		a.session.Close()
	}
	if err := a.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close catalog: %w", err))
	}
	if a.cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		} else {
			a.logger.Info("Wrote metrics textfile", zap.String("path", a.cfg.Metrics.Textfile))
		}
	}
	return errors.Join(errs...)
}
