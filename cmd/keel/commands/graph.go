package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/services"
)

type graphLevel struct {
	Level    int             `json:"level"`
	Services []services.Name `json:"services"`
}

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Boot and print the service dependency graph",
		Long: `Boot the server and print its service graph in Graphviz DOT format.
With --json, services are listed by start level instead: every service starts
after all services of lower levels.`,
		Example: `  keel graph --config server.yaml | dot -Tsvg > graph.svg
  keel graph --config server.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			k, err := bootKernel(cmd.Context(), loader, cfg, kernel.Options{})
			if err != nil {
				return err
			}
			defer closeKernel(k)

			if jsonOutput {
				levels := k.Container().Levels()
				out := make([]graphLevel, len(levels))
				for i, names := range levels {
					out[i] = graphLevel{Level: i, Services: names}
				}
				return printJSON(out)
			}
			fmt.Print(k.Container().ToDOT())
			return nil
		},
	}

	return cmd
}
