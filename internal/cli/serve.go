package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(r *Root) *cobra.Command {
	var (
		addr          string
		grpcAddr      string
		feedDir       string
		autoReference bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the guiding service",
		Long: `Open the configured camera and mount, register every frame against the
reference and publish offsets over HTTP, server-sent events, websocket and gRPC.

Examples:
  # Simulated hardware on the default ports
  scopie serve

  # Guide on frames written to a directory by another capture program
  scopie serve --feed /data/capture --auto-reference`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := *r.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if feedDir != "" {
				cfg.Feed.Directory = feedDir
			}
			if autoReference {
				cfg.Registration.AutoReference = true
			}

			r.log.Info("starting server",
				"addr", cfg.Server.Addr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"feed", cfg.Feed.Directory,
				"auto_reference", cfg.Registration.AutoReference,
			)
			return r.serveFn(ctx, &cfg, r.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", ":9090", "gRPC listen address (empty disables gRPC)")
	cmd.Flags().StringVar(&feedDir, "feed", "", "directory to watch for PNG/TIFF frames")
	cmd.Flags().BoolVar(&autoReference, "auto-reference", false, "use the first frame as the guiding reference")

	return cmd
}
