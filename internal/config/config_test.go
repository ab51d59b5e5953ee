package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/article-archiver/internal/pipeline"
)

func TestLoadFileDefaults(t *testing.T) {
	t.Setenv("ARCHIVER_CATALOG_PATH", "catalog.csv")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Catalog.Path != "catalog.csv" {
		t.Fatalf("expected catalog path from env, got %q", cfg.Catalog.Path)
	}
	if cfg.Output.Root != "output" || cfg.Run.MaxItems != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.Delay(); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms delay, got %v", got)
	}
	if cfg.Format() != pipeline.FormatAuto || cfg.CaptureWanted() {
		t.Fatalf("expected auto format without capture")
	}
	httpCfg := cfg.HTTPClient()
	if httpCfg.Timeout != 30*time.Second || httpCfg.MaxRetries != 5 || httpCfg.DownloadAttempts != 3 {
		t.Fatalf("unexpected http defaults: %+v", httpCfg)
	}
	if httpCfg.BackoffInitial != 500*time.Millisecond || httpCfg.DownloadRetryDelay != time.Second {
		t.Fatalf("unexpected backoff defaults: %+v", httpCfg)
	}
	if got := cfg.CaptureSession(); got.ScrollStep != 800 || !got.ValidatePDF {
		t.Fatalf("unexpected capture defaults: %+v", got)
	}
	if got := cfg.Extractor(); !got.Sanitize || got.ImageCacheSize != 256 || len(got.RegionSelectors) == 0 {
		t.Fatalf("unexpected extract defaults: %+v", got)
	}
}

func TestLoadFileWithOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archiver.yaml")
	configYAML := `
catalog:
  path: articles.csv
  link_headers: ["pmc_link"]
output:
  root: /tmp/out
  completion_marker: true
run:
  max_items: 0
  delay_seconds: 1.5
  format: pdf
http:
  timeout_seconds: 45
  max_retries: 2
  requests_per_second: 0.5
capture:
  idle_timeout_seconds: 3
extract:
  readability_fallback: true
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Catalog.Path != "articles.csv" || len(cfg.Catalog.LinkHeaders) != 1 || cfg.Catalog.LinkHeaders[0] != "pmc_link" {
		t.Fatalf("catalog overrides not applied: %+v", cfg.Catalog)
	}
	if !cfg.Output.CompletionMarker || cfg.Run.MaxItems != 0 {
		t.Fatalf("output/run overrides not applied: %+v %+v", cfg.Output, cfg.Run)
	}
	if cfg.Format() != pipeline.FormatCapture || !cfg.Run.Capture || !cfg.CaptureWanted() {
		t.Fatalf("capture format should imply capture: %+v", cfg.Run)
	}
	if got := cfg.Delay(); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s delay, got %v", got)
	}
	if got := cfg.HTTPClient(); got.Timeout != 45*time.Second || got.RequestsPerSecond != 0.5 {
		t.Fatalf("http overrides not applied: %+v", got)
	}
	if got := cfg.CaptureSession(); got.IdleTimeout != 3*time.Second {
		t.Fatalf("capture overrides not applied: %+v", got)
	}
	if !cfg.Extractor().ReadabilityFallback || cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("extract/logging overrides not applied")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestTextFormatDisablesCaptureWanted(t *testing.T) {
	cfg := validConfig()
	cfg.Run.Format = "text"
	cfg.Run.Capture = true
	if cfg.CaptureWanted() {
		t.Fatal("text format must not start a capture session")
	}
}

func validConfig() Config {
	return Config{
		Catalog: CatalogConfig{Path: "c.csv"},
		Output:  OutputConfig{Root: "out"},
		Run:     RunConfig{Format: "auto"},
		HTTP:    HTTPConfig{TimeoutSeconds: 10, DownloadAttempts: 1},
		Capture: CaptureConfig{ScrollStep: 800},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := validConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing catalog", func(c *Config) { c.Catalog.Path = "" }, "catalog.path"},
		{"missing output", func(c *Config) { c.Output.Root = "" }, "output.root"},
		{"negative cap", func(c *Config) { c.Run.MaxItems = -1 }, "run.max_items"},
		{"negative delay", func(c *Config) { c.Run.DelaySeconds = -0.5 }, "run.delay_seconds"},
		{"bad format", func(c *Config) { c.Run.Format = "docx" }, "run.format"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }, "http.max_retries"},
		{"no download attempts", func(c *Config) { c.HTTP.DownloadAttempts = 0 }, "http.download_attempts"},
		{"negative rps", func(c *Config) { c.HTTP.RequestsPerSecond = -1 }, "http.requests_per_second"},
		{"zero scroll step", func(c *Config) { c.Capture.ScrollStep = 0 }, "capture.scroll_step"},
		{"negative cache", func(c *Config) { c.Extract.ImageCacheSize = -1 }, "extract.image_cache_size"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
