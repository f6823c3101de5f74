package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/stores"
)

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the operation journal",
		Long: `Inspect the journal of dispatched operations.

Every mutating operation is journaled with its outcome and, when it applied,
the compensating operation that undoes it. See "keel rollback".`,
	}

	cmd.AddCommand(newJournalListCommand())
	cmd.AddCommand(newJournalPruneCommand())

	return cmd
}

// journalPath returns --db, or the journal path of the configuration.
func journalPath(db string) (string, error) {
	if db != "" {
		return db, nil
	}
	_, cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Journal.Path == "" {
		return "", errors.New("the configuration has no journal")
	}
	return cfg.Journal.Path, nil
}

func newJournalListCommand() *cobra.Command {
	var (
		db      string
		address string
		outcome string
		mode    string
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journal entries, newest first",
		Example: `  keel journal list --config server.yaml
  keel journal list --db journal.db --address /subsystem=threads --outcome failed
  keel journal list --config server.yaml --since 1h --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path, err := journalPath(db)
			if err != nil {
				return err
			}
			filter := stores.Filter{Outcome: outcome, Mode: mode, Limit: limit}
			if address != "" {
				addr, err := model.ParseAddress(address)
				if err != nil {
					return err
				}
				filter.Address = &addr
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			store, err := kernel.OpenJournal(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECORDED\tMODE\tOUTCOME\tOPERATION\tADDRESS\tUNDO")
			for _, e := range entries {
				undo := "-"
				if e.Compensating != nil {
					undo = e.Compensating.Name()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.RecordedAt.Local().Format(time.RFC3339), e.Mode, e.Outcome,
					e.Operation.Name(), e.Operation.Address().String(), undo)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "journal database (default: the configured journal)")
	cmd.Flags().StringVar(&address, "address", "", "only entries at or below this address")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only entries with this outcome (success, failed, cancelled)")
	cmd.Flags().StringVar(&mode, "mode", "", "only entries dispatched in this mode (interactive, boot, rollback)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries recorded within this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}

func newJournalPruneCommand() *cobra.Command {
	var (
		db        string
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete old journal entries",
		Example: `  keel journal prune --config server.yaml --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			path, err := journalPath(db)
			if err != nil {
				return err
			}
			store, err := kernel.OpenJournal(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Prune(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d entries\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "journal database (default: the configured journal)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete entries older than this")

	return cmd
}
