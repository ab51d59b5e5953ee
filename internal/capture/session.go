// Package capture prints article pages to PDF through headless Chrome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/metrics"
)

var (
	// ErrSessionClosed is returned when a tab is requested after Close.
	ErrSessionClosed = errors.New("capture session closed")
	// ErrNoCapture is returned when neither capture attempt produced a PDF.
	ErrNoCapture = errors.New("no capture produced")
)

// Config controls browser startup and page capture.
type Config struct {
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
	IdleTimeout       time.Duration
	ScrollStep        int
	ScrollPause       time.Duration
	ValidatePDF       bool
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = 800
	}
	return c
}

// Session owns one headless browser process.
type Session struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	once          sync.Once
}

func startSession(cfg Config) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &Session{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// alive reports whether the browser can still host a tab.
func (s *Session) alive() bool {
	if s == nil || s.browserCtx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(s.browserCtx, 5*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate("1", nil)) == nil
}

func (s *Session) newTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(s.browserCtx)
}

// Close stops the browser. It is safe to call more than once.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.browserCancel()
		s.allocCancel()
	})
}

// Manager hands out tabs on a shared session and falls back to isolated
// sessions when the shared one is missing or has died.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	start  func(Config) (*Session, error)

	mu     sync.Mutex
	shared *Session
	closed bool
}

// NewManager builds a Manager; call Start to launch the shared browser.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger,
		start:  startSession,
	}
}

// Start launches the shared browser session.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start capture session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSessionClosed
	}
	if m.shared != nil {
		return nil
	}
	s, err := m.start(m.cfg)
	if err != nil {
		metrics.ObserveCapture("shared", "start_failed")
		return fmt.Errorf("start capture session: %w", err)
	}
	m.shared = s
	m.logger.Info("Capture session started")
	return nil
}

// Available reports whether a shared session is running.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.shared != nil
}

// tab returns a browser tab and a release func. The tab lives on the shared
// session when it is healthy, otherwise on a throwaway isolated session.
func (m *Manager) tab() (context.Context, func(), string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, "", ErrSessionClosed
	}
	if m.shared != nil {
		if m.shared.alive() {
			tabCtx, cancel := m.shared.newTab()
			return tabCtx, cancel, "shared", nil
		}
		m.logger.Warn("Shared capture session is unusable, discarding it")
		m.shared.Close()
		m.shared = nil
	}
	return m.isolatedLocked()
}

// isolatedTab always starts a fresh browser for one tab.
func (m *Manager) isolatedTab() (context.Context, func(), string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, "", ErrSessionClosed
	}
	return m.isolatedLocked()
}

func (m *Manager) isolatedLocked() (context.Context, func(), string, error) {
	s, err := m.start(m.cfg)
	if err != nil {
		return nil, nil, "", fmt.Errorf("start isolated session: %w", err)
	}
	tabCtx, cancel := s.newTab()
	return tabCtx, func() {
		cancel()
		s.Close()
	}, "isolated", nil
}

// Close stops the shared session; later tab requests fail with
// ErrSessionClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.shared != nil {
		m.shared.Close()
		m.shared = nil
		m.logger.Info("Capture session closed")
	}
}
