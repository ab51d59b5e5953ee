// Package runner drives a catalog through the item pipeline with an item
// cap, a politeness delay and resume-by-skip.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/catalog"
	"github.com/JakeFAU/article-archiver/internal/metrics"
	"github.com/JakeFAU/article-archiver/internal/pipeline"
)

// State is the run loop's lifecycle position.
type State int32

const (
	// StateIdle is the state before Run.
	StateIdle State = iota
	// StateInitializing covers browser session startup.
	StateInitializing
	// StateIterating covers the catalog walk.
	StateIterating
	// StateDraining covers session teardown.
	StateDraining
	// StateDone is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateIterating:
		return "iterating"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Source yields catalog items until io.EOF.
type Source interface {
	Next() (catalog.WorkItem, error)
}

// Processor turns an item into an artifact.
type Processor interface {
	Process(ctx context.Context, item catalog.WorkItem) pipeline.Result
	DisableCapture()
}

// Session is the browser session owned by the run.
type Session interface {
	Start(ctx context.Context) error
	Close()
}

// Store answers whether an item already has output.
type Store interface {
	HasEntries(dir string) (bool, error)
	Exists(path string) (bool, error)
}

// Clock sleeps between items.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config holds the loop's knobs.
type Config struct {
	// MaxItems caps processed plus skipped items; 0 means no cap.
	MaxItems int
	Delay    time.Duration
	// Capture asks for the browser session to be started.
	Capture bool
	// CompletionMarker makes the skip check look for the marker file
	// instead of any directory entry.
	CompletionMarker bool
	RunID            string
}

// Summary tallies a run.
type Summary struct {
	RunID       string
	Attempted   int
	Captured    int
	Extracted   int
	Skipped     int
	Failed      int
	Interrupted bool
	Elapsed     time.Duration
}

// Runner walks the catalog sequentially.
type Runner struct {
	cfg       Config
	source    Source
	processor Processor
	session   Session
	store     Store
	clock     Clock
	logger    *zap.Logger
	state     atomic.Int32
}

// New builds a Runner. session may be nil when capture is not configured.
func New(cfg Config, source Source, processor Processor, session Session, store Store, clock Clock, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		source:    source,
		processor: processor,
		session:   session,
		store:     store,
		clock:     clock,
		logger:    logger.With(zap.String("run_id", cfg.RunID)),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.logger.Debug("Run state changed", zap.Stringer("state", s))
}

// Run processes the catalog. Item failures never abort the run; only a
// catalog read error does. The browser session is closed on every path.
func (r *Runner) Run(ctx context.Context) (summary Summary, err error) {
	start := r.clock.Now()
	summary.RunID = r.cfg.RunID

	r.setState(StateInitializing)
	r.startSession(ctx)
	defer func() {
		r.setState(StateDraining)
		if r.session != nil {
			r.session.Close()
		}
		summary.Elapsed = r.clock.Now().Sub(start)
		r.setState(StateDone)
		r.logger.Info("Run finished",
			zap.Int("attempted", summary.Attempted),
			zap.Int("captured", summary.Captured),
			zap.Int("extracted", summary.Extracted),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
			zap.Bool("interrupted", summary.Interrupted),
			zap.Duration("elapsed", summary.Elapsed),
		)
	}()

	r.setState(StateIterating)
	for {
		if r.capReached(summary.Attempted) {
			return summary, nil
		}
		if ctx.Err() != nil {
			summary.Interrupted = true
			return summary, nil
		}

		item, nextErr := r.source.Next()
		if errors.Is(nextErr, io.EOF) {
			return summary, nil
		}
		if nextErr != nil {
			return summary, fmt.Errorf("read catalog: %w", nextErr)
		}

		summary.Attempted++
		res := r.handle(ctx, item, summary.Attempted)
		summary.tally(res)

		if r.capReached(summary.Attempted) {
			return summary, nil
		}
		if sleepErr := r.clock.Sleep(ctx, r.cfg.Delay); sleepErr != nil {
			summary.Interrupted = true
			return summary, nil
		}
	}
}

func (r *Runner) startSession(ctx context.Context) {
	if !r.cfg.Capture {
		return
	}
	if r.session == nil {
		r.logger.Warn("Capture requested but no browser session is configured, using text extraction")
		r.processor.DisableCapture()
		return
	}
	if err := r.session.Start(ctx); err != nil {
		r.logger.Warn("Browser session failed to start, using text extraction for all items", zap.Error(err))
		r.processor.DisableCapture()
	}
}

func (r *Runner) capReached(n int) bool {
	return r.cfg.MaxItems > 0 && n >= r.cfg.MaxItems
}

func (r *Runner) handle(ctx context.Context, item catalog.WorkItem, index int) pipeline.Result {
	logger := r.logger.With(
		zap.Int("index", index),
		zap.Int("row", item.Row),
		zap.String("slug", item.Slug),
	)

	done, err := r.alreadyDone(item)
	if err != nil {
		logger.Warn("Could not check existing output, processing item", zap.Error(err))
	}
	if done {
		metrics.ObserveItem(string(pipeline.KindSkipped), 0)
		logger.Info("Skipping item with existing output")
		return pipeline.Result{Kind: pipeline.KindSkipped}
	}

	logger.Info("Processing item", zap.String("title", item.DisplayTitle()), zap.String("url", item.Link))
	res := r.process(ctx, item)
	if res.Kind == pipeline.KindFailed {
		logger.Warn("Item failed", zap.Object("result", res))
	} else {
		logger.Info("Item done", zap.Object("result", res))
	}
	return res
}

func (r *Runner) alreadyDone(item catalog.WorkItem) (bool, error) {
	if r.cfg.CompletionMarker {
		return r.store.Exists(pipeline.MarkerPath(item.Slug))
	}
	return r.store.HasEntries(item.Slug)
}

// process shields the loop from panics inside the pipeline.
func (r *Runner) process(ctx context.Context, item catalog.WorkItem) (res pipeline.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ObserveItem(string(pipeline.KindFailed), 0)
			res = pipeline.Result{Kind: pipeline.KindFailed, Err: fmt.Errorf("panic processing %s: %v", item.Slug, rec)}
		}
	}()
	return r.processor.Process(ctx, item)
}

func (s *Summary) tally(res pipeline.Result) {
	switch res.Kind {
	case pipeline.KindCaptured:
		s.Captured++
	case pipeline.KindExtracted:
		s.Extracted++
	case pipeline.KindSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}
