package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/protocol"
)

func newBootCommand() *cobra.Command {
	var (
		metricsAddr string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot a server and serve the management protocol on stdio",
		Long: `Boot a server from its configuration, then answer management operations
read from stdin, one JSON request per line, until stdin is closed or the
process is interrupted.

The first line written to stdout announces the server:
  {"ready":{"server":"edge-1","version":"dev","pid":4242}}

Logs go to stderr.`,
		Example: `  # Boot and serve
  keel boot --config server.yaml

  # Boot with a Prometheus endpoint
  keel boot --config server.cue --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := checkStdioSafe(cfg); err != nil {
				return err
			}

			k, err := bootKernel(ctx, loader, cfg, kernel.Options{MetricsAddress: metricsAddr})
			if err != nil {
				return err
			}
			defer closeKernel(k)

			go func() {
				for err := range k.MetricsErrors() {
					log.Error().Err(err).Msg("Metrics server failed")
				}
			}()

			srv := protocol.NewServer(protocol.ServerOptions{
				Dispatcher:  k.Dispatcher(),
				Server:      k.Config().Name,
				Version:     version,
				Concurrency: concurrency,
				Logger:      k.Logger(),
			})
			log.Info().Str("server", k.Config().Name).Msg("Serving management protocol on stdio")
			if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, ctx.Err()) {
				return fmt.Errorf("protocol failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&concurrency, "concurrency", protocol.DefaultConcurrency, "maximum requests dispatched at once")

	return cmd
}

// checkStdioSafe rejects telemetry settings that would write to stdout, which
// carries the protocol.
func checkStdioSafe(cfg *config.ServerConfig) error {
	if cfg.Telemetry.Logging.Output == "stdout" {
		return errors.New("telemetry.logging.output cannot be stdout in boot mode")
	}
	if cfg.Telemetry.Tracing.Enabled && cfg.Telemetry.Tracing.Exporter == "stdout" {
		return errors.New("telemetry.tracing.exporter cannot be stdout in boot mode")
	}
	return nil
}
