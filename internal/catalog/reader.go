// Package catalog reads the article catalog and turns each row into a WorkItem.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
)

// ErrNoHeader is returned when the catalog has no header row.
var ErrNoHeader = errors.New("catalog has no header row")

// DefaultLinkHeaders are the header names recognized as the link column.
var DefaultLinkHeaders = []string{"link", "url", "href"}

// WorkItem is one catalog row ready for the pipeline.
type WorkItem struct {
	Title string
	Link  string
	Slug  string
	// Row is the 1-based line of the record in the catalog file.
	Row int
}

// DisplayTitle returns the title, or the link when the title is blank.
func (w WorkItem) DisplayTitle() string {
	if strings.TrimSpace(w.Title) != "" {
		return w.Title
	}
	return w.Link
}

// NewWorkItem builds a WorkItem and derives its slug.
func NewWorkItem(title, link string) WorkItem {
	return WorkItem{
		Title: title,
		Link:  link,
		Slug:  Slug(title, link),
	}
}

// Options tunes column resolution.
type Options struct {
	LinkHeaders []string
}

// Reader yields WorkItems from a CSV catalog in file order.
type Reader struct {
	csv     *csv.Reader
	closer  io.Closer
	linkIdx int
	logger  *zap.Logger
}

// Open opens the catalog file and consumes its header row.
func Open(path string, opts Options, logger *zap.Logger) (*Reader, error) {
	f, err := os.Open(path) // #nosec G304 -- catalog path is operator supplied.
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	r, err := NewReader(f, opts, logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader wraps an io.Reader and consumes its header row.
func NewReader(src io.Reader, opts Options, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	if isBlankRow(header) {
		return nil, ErrNoHeader
	}

	headers := opts.LinkHeaders
	if len(headers) == 0 {
		headers = DefaultLinkHeaders
	}
	return &Reader{
		csv:     cr,
		linkIdx: LinkColumn(header, headers),
		logger:  logger,
	}, nil
}

// LinkColumn returns the index of the first header matching one of the
// synonyms (trimmed, case-insensitive), or 0 when none match.
func LinkColumn(header []string, synonyms []string) int {
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		for _, s := range synonyms {
			if name == strings.ToLower(strings.TrimSpace(s)) {
				return i
			}
		}
	}
	return 0
}

// LinkIndex reports the resolved link column.
func (r *Reader) LinkIndex() int {
	return r.linkIdx
}

// Next returns the next valid WorkItem. Empty and malformed rows are skipped;
// io.EOF marks the end of the catalog.
func (r *Reader) Next() (WorkItem, error) {
	for {
		row, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return WorkItem{}, io.EOF
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				r.logger.Warn("Skipping malformed catalog row", zap.Int("line", parseErr.Line), zap.Error(err))
				continue
			}
			return WorkItem{}, fmt.Errorf("read catalog row: %w", err)
		}
		if isBlankRow(row) {
			continue
		}
		line, _ := r.csv.FieldPos(0)
		item, ok := r.itemFromRow(row, line)
		if !ok {
			continue
		}
		return item, nil
	}
}

func (r *Reader) itemFromRow(row []string, line int) (WorkItem, bool) {
	if len(row) <= r.linkIdx {
		r.logger.Warn("Skipping catalog row without link column", zap.Int("line", line), zap.Int("fields", len(row)))
		return WorkItem{}, false
	}
	link := strings.TrimSpace(row[r.linkIdx])
	if link == "" {
		r.logger.Warn("Skipping catalog row with empty link", zap.Int("line", line))
		return WorkItem{}, false
	}
	u, err := url.Parse(link)
	if err != nil || u.Scheme == "" || u.Host == "" {
		r.logger.Warn("Skipping catalog row with invalid link", zap.Int("line", line), zap.String("link", link))
		return WorkItem{}, false
	}

	title := link
	if len(row) > 0 {
		title = strings.TrimSpace(row[0])
	}
	item := NewWorkItem(title, link)
	item.Row = line
	return item, true
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	if err := r.closer.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return nil
}

func isBlankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
