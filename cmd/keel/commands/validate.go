package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/subsystems"
)

type validateReport struct {
	Server     string   `json:"server"`
	Operations int      `json:"operations"`
	Problems   []string `json:"problems,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a server configuration without booting it",
		Long: `Validate a server configuration and its boot operations.

This command checks:
  - CUE, YAML or JSON syntax and the configuration schema
  - Field constraints and operation addresses
  - The boot script, which is evaluated
  - That every boot operation names a registered operation`,
		Example: `  keel validate --config server.yaml
  keel validate --config server.cue --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ops, err := loader.BootOperations(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			reg, err := subsystems.NewRegistry(zerolog.Nop())
			if err != nil {
				return err
			}

			report := validateReport{Server: cfg.Name, Operations: len(ops)}
			for i, op := range ops {
				if _, ok := reg.Resolve(op.Address(), op.Name()); !ok {
					report.Problems = append(report.Problems, fmt.Sprintf("operation %d: no handler for %s at %s", i+1, op.Name(), op.Address()))
				}
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				for _, p := range report.Problems {
					fmt.Println(p)
				}
			}
			if len(report.Problems) > 0 {
				return fmt.Errorf("%d invalid boot operations", len(report.Problems))
			}

			log.Info().
				Str("server", report.Server).
				Int("operations", report.Operations).
				Msg("Configuration is valid")
			return nil
		},
	}

	return cmd
}
