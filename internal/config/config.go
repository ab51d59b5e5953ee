// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/article-archiver/internal/capture"
	"github.com/JakeFAU/article-archiver/internal/catalog"
	"github.com/JakeFAU/article-archiver/internal/extract"
	"github.com/JakeFAU/article-archiver/internal/httpclient"
	"github.com/JakeFAU/article-archiver/internal/pipeline"
)

// EnvPrefix namespaces environment overrides, e.g. ARCHIVER_RUN_MAX_ITEMS=5.
const EnvPrefix = "ARCHIVER"

// Config captures all knobs for one run.
type Config struct {
	Catalog CatalogConfig `mapstructure:"catalog"`
	Output  OutputConfig  `mapstructure:"output"`
	Run     RunConfig     `mapstructure:"run"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Capture CaptureConfig `mapstructure:"capture"`
	Extract ExtractConfig `mapstructure:"extract"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CatalogConfig locates the input CSV.
type CatalogConfig struct {
	Path        string   `mapstructure:"path"`
	LinkHeaders []string `mapstructure:"link_headers"`
}

// OutputConfig controls where artifacts land.
type OutputConfig struct {
	Root             string `mapstructure:"root"`
	CompletionMarker bool   `mapstructure:"completion_marker"`
}

// RunConfig governs the run loop.
type RunConfig struct {
	MaxItems     int     `mapstructure:"max_items"`
	DelaySeconds float64 `mapstructure:"delay_seconds"`
	Format       string  `mapstructure:"format"`
	Capture      bool    `mapstructure:"capture"`
}

// HTTPConfig configures the retrying client.
type HTTPConfig struct {
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	UserAgent            string  `mapstructure:"user_agent"`
	MaxRetries           int     `mapstructure:"max_retries"`
	BackoffInitialMs     int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int     `mapstructure:"backoff_max_ms"`
	DownloadAttempts     int     `mapstructure:"download_attempts"`
	DownloadRetryDelayMs int     `mapstructure:"download_retry_delay_ms"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	RespectRobots        bool    `mapstructure:"respect_robots"`
	MaxBodyBytes         int     `mapstructure:"max_body_bytes"`
}

// CaptureConfig configures headless Chrome.
type CaptureConfig struct {
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`
	IdleTimeoutSeconds       int    `mapstructure:"idle_timeout_seconds"`
	ScrollStep               int    `mapstructure:"scroll_step"`
	ScrollPauseMs            int    `mapstructure:"scroll_pause_ms"`
	ExecPath                 string `mapstructure:"exec_path"`
	ValidatePDF              bool   `mapstructure:"validate_pdf"`
}

// ExtractConfig configures Markdown extraction.
type ExtractConfig struct {
	Sanitize            bool     `mapstructure:"sanitize"`
	ReadabilityFallback bool     `mapstructure:"readability_fallback"`
	ImageCacheSize      int      `mapstructure:"image_cache_size"`
	RegionSelectors     []string `mapstructure:"region_selectors"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig names an optional Prometheus textfile written at exit.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// Load unmarshals v into a Config, normalizes it and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile builds a Config from defaults, environment and an optional file.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return Load(v)
}

// BindEnv enables ARCHIVER_* environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// SetDefaults registers every key so env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.link_headers", catalog.DefaultLinkHeaders)
	v.SetDefault("output.root", "output")
	v.SetDefault("output.completion_marker", false)
	v.SetDefault("run.max_items", 10)
	v.SetDefault("run.delay_seconds", 0.1)
	v.SetDefault("run.format", string(pipeline.FormatAuto))
	v.SetDefault("run.capture", false)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", httpclient.DefaultUserAgent)
	v.SetDefault("http.max_retries", 5)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("http.download_attempts", 3)
	v.SetDefault("http.download_retry_delay_ms", 1000)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_body_bytes", 20*1024*1024)
	v.SetDefault("capture.navigation_timeout_seconds", 60)
	v.SetDefault("capture.idle_timeout_seconds", 10)
	v.SetDefault("capture.scroll_step", 800)
	v.SetDefault("capture.scroll_pause_ms", 0)
	v.SetDefault("capture.exec_path", "")
	v.SetDefault("capture.validate_pdf", true)
	v.SetDefault("extract.sanitize", true)
	v.SetDefault("extract.readability_fallback", false)
	v.SetDefault("extract.image_cache_size", 256)
	v.SetDefault("extract.region_selectors", extract.DefaultRegionSelectors)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.textfile", "")
}

func (c *Config) normalize() {
	c.Catalog.Path = strings.TrimSpace(c.Catalog.Path)
	c.Output.Root = strings.TrimSpace(c.Output.Root)
	if f, err := pipeline.ParseFormat(c.Run.Format); err == nil {
		c.Run.Format = string(f)
		if f == pipeline.FormatCapture {
			c.Run.Capture = true
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if c.Output.Root == "" {
		return fmt.Errorf("output.root is required")
	}
	if c.Run.MaxItems < 0 {
		return fmt.Errorf("run.max_items must be >= 0")
	}
	if c.Run.DelaySeconds < 0 {
		return fmt.Errorf("run.delay_seconds must be >= 0")
	}
	if _, err := pipeline.ParseFormat(c.Run.Format); err != nil {
		return fmt.Errorf("run.format: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.DownloadAttempts < 1 {
		return fmt.Errorf("http.download_attempts must be >= 1")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Capture.ScrollStep <= 0 {
		return fmt.Errorf("capture.scroll_step must be > 0")
	}
	if c.Extract.ImageCacheSize < 0 {
		return fmt.Errorf("extract.image_cache_size must be >= 0")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// Format returns the parsed run format.
func (c Config) Format() pipeline.Format {
	f, err := pipeline.ParseFormat(c.Run.Format)
	if err != nil {
		return pipeline.FormatAuto
	}
	return f
}

// CaptureWanted reports whether the browser session should be started.
func (c Config) CaptureWanted() bool {
	return c.Run.Capture && c.Format() != pipeline.FormatText
}

// Delay is the pause between items.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Run.DelaySeconds * float64(time.Second))
}

// HTTPClient maps the http section onto the client's config.
func (c Config) HTTPClient() httpclient.Config {
	return httpclient.Config{
		UserAgent:          c.HTTP.UserAgent,
		Timeout:            time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
		MaxRetries:         c.HTTP.MaxRetries,
		BackoffInitial:     time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:         time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond,
		DownloadAttempts:   c.HTTP.DownloadAttempts,
		DownloadRetryDelay: time.Duration(c.HTTP.DownloadRetryDelayMs) * time.Millisecond,
		RequestsPerSecond:  c.HTTP.RequestsPerSecond,
		RespectRobots:      c.HTTP.RespectRobots,
		MaxBodyBytes:       c.HTTP.MaxBodyBytes,
	}
}

// CaptureSession maps the capture section onto the browser config.
func (c Config) CaptureSession() capture.Config {
	return capture.Config{
		ExecPath:          c.Capture.ExecPath,
		UserAgent:         c.HTTP.UserAgent,
		NavigationTimeout: time.Duration(c.Capture.NavigationTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(c.Capture.IdleTimeoutSeconds) * time.Second,
		ScrollStep:        c.Capture.ScrollStep,
		ScrollPause:       time.Duration(c.Capture.ScrollPauseMs) * time.Millisecond,
		ValidatePDF:       c.Capture.ValidatePDF,
	}
}

// Extractor maps the extract section onto the extractor config.
func (c Config) Extractor() extract.Config {
	return extract.Config{
		RegionSelectors:     c.Extract.RegionSelectors,
		ReadabilityFallback: c.Extract.ReadabilityFallback,
		Sanitize:            c.Extract.Sanitize,
		ImageCacheSize:      c.Extract.ImageCacheSize,
	}
}
