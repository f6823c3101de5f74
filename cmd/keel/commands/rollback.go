package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/protocol"
)

func newRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <entry-id>",
		Short: "Boot, then undo a journaled operation",
		Long: `Boot the server, then apply the compensating operation journaled for the
given entry. Rollbacks run in strict mode: removing a resource that does not
exist fails instead of being ignored. The rollback itself is journaled.`,
		Example: `  keel journal list --config server.yaml
  keel rollback --config server.yaml 6f1c2a90-0d55-4d4b-9a3e-2f6f1b0c7e41`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			k, err := bootKernel(ctx, loader, cfg, kernel.Options{})
			if err != nil {
				return err
			}
			defer closeKernel(k)

			out, err := k.Rollback(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(protocol.NewResponse(out.ID, out)); err != nil {
					return err
				}
			} else {
				fmt.Printf("%s %s %s: %s\n", out.ID, out.Operation.Name(), out.Operation.Address(), out.Status())
			}
			return out.Err()
		},
	}

	return cmd
}
