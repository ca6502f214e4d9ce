// Package cli is the scopie command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"scopie/internal/config"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X scopie/internal/cli.Version=...".
var Version = "0.1.0-dev"

// serveFunc runs the guiding service until ctx is cancelled.
type serveFunc func(ctx context.Context, cfg *config.Config, log *slog.Logger) error

// Root holds what every command needs.
type Root struct {
	cfg     *config.Config
	log     *slog.Logger
	serveFn serveFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:     cfg,
		log:     logger,
		serveFn: runService,
	}
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return NewRoot(cfg, log).Command()
}

// Command builds the command tree bound to r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scopie",
		Short: "Scopie measures guiding drift by phase correlation",
		Long: `Scopie registers live camera frames against a reference by FFT phase
correlation and publishes the sub-pixel drift for autoguiding.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newRegisterCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newVersionCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Scopie v%s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", runtime.Version())
		},
	}
}
