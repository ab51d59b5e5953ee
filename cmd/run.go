package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/config"
	"github.com/JakeFAU/article-archiver/internal/logging"
	"github.com/JakeFAU/article-archiver/internal/pipeline"
	viperconfig "github.com/JakeFAU/article-archiver/pkg/config"
)

// flagKeys maps run flags onto their configuration keys.
var flagKeys = map[string]string{
	"catalog": "catalog.path",
	"out":     "output.root",
	"max":     "run.max_items",
	"delay":   "run.delay_seconds",
	"timeout": "http.timeout_seconds",
	"format":  "run.format",
	"capture": "run.capture",
}

// newRunCmd creates and configures the 'run' subcommand.
func newRunCmd(cfgFile *string) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Archives every item in the catalog",
		Long: `Reads the catalog in file order and archives each row that does not
already have output. Stops after --max items (0 for no cap), pausing --delay
seconds between items.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runArchive(cmd, v, *cfgFile)
		},
	}

	flags := cmd.Flags()
	flags.String("catalog", "", "path to the CSV catalog")
	flags.String("out", "output", "output root directory")
	flags.IntP("max", "n", 10, "maximum number of items to handle, 0 for no cap")
	flags.Float64("delay", 0.1, "seconds to wait between items")
	flags.Int("timeout", 30, "per-request timeout in seconds")
	flags.String("format", string(pipeline.FormatAuto), "output format: auto, capture or text")
	flags.Bool("capture", false, "start a headless browser and prefer PDF captures")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
	return cmd
}

func runArchive(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	used, err := viperconfig.Init(v, cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		if serr := logging.Sync(logger); serr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "logger sync failed: %v\n", serr)
		}
	}()
	if used != "" {
		logger.Info("Using config file", zap.String("path", used))
	}
	if cfg.Run.Capture && cfg.Format() == pipeline.FormatText {
		logger.Warn("Capture requested with text format, the browser will not be started")
	}

	archiver, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize archiver: %w", err)
	}
	defer func() {
		if cerr := archiver.Close(); cerr != nil {
			logger.Warn("Failed to close archiver", zap.Error(cerr))
		}
	}()

	summary, err := archiver.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d captured=%d extracted=%d skipped=%d failed=%d interrupted=%t elapsed=%s\n",
		summary.Attempted, summary.Captured, summary.Extracted, summary.Skipped, summary.Failed,
		summary.Interrupted, summary.Elapsed.Round(time.Millisecond))
	return nil
}
