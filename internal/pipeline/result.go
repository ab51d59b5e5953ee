package pipeline

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Kind classifies how an item ended.
type Kind string

const (
	// KindCaptured means a PDF was stored for the item.
	KindCaptured Kind = "captured"
	// KindExtracted means a Markdown document was stored for the item.
	KindExtracted Kind = "extracted"
	// KindSkipped means the item already had output.
	KindSkipped Kind = "skipped"
	// KindFailed means no artifact was produced.
	KindFailed Kind = "failed"
)

// Result is the outcome of processing one catalog item.
type Result struct {
	Kind            Kind
	Path            string
	Err             error
	ImagesLocalized int
	ImagesFailed    int
	Duration        time.Duration
}

// OK reports whether an artifact exists for the item after processing.
func (r Result) OK() bool {
	return r.Kind == KindCaptured || r.Kind == KindExtracted || r.Kind == KindSkipped
}

// MarshalLogObject lets a Result be logged with zap.Object.
func (r Result) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", string(r.Kind))
	if r.Path != "" {
		enc.AddString("path", r.Path)
	}
	if r.ImagesLocalized > 0 || r.ImagesFailed > 0 {
		enc.AddInt("images_localized", r.ImagesLocalized)
		enc.AddInt("images_failed", r.ImagesFailed)
	}
	enc.AddDuration("duration", r.Duration)
	if r.Err != nil {
		zap.Error(r.Err).AddTo(enc)
	}
	return nil
}
