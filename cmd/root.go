// Package cmd defines and implements the CLI commands for the archiver executable.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-archiver/internal/app"
	"github.com/JakeFAU/article-archiver/internal/config"
	"github.com/JakeFAU/article-archiver/internal/runner"
)

// Archiver is the slice of the application that commands drive. Tests swap
// in a fake through newApp.
type Archiver interface {
	Run(ctx context.Context) (runner.Summary, error)
	Close() error
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(cfg config.Config, logger *zap.Logger) (Archiver, error) {
	return app.New(cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Archives the articles listed in a CSV catalog.",
		Long: `archiver walks a CSV catalog of article links and stores each one under
its own directory, either as a headless-browser PDF capture or as Markdown
with localized images. Re-running skips items that already have output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./archiver.yaml, $HOME/.archiver or /etc/archiver)")
	cmd.AddCommand(newRunCmd(&cfgFile))

	return cmd
}

// Execute is the main entry point. It returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "archiver: %v\n", err)
		return 1
	}
	return 0
}
