package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/splitsync/splitsync/internal/config"
	"github.com/splitsync/splitsync/internal/document"
	"github.com/splitsync/splitsync/internal/durability"
	"github.com/splitsync/splitsync/internal/migrate"
	"github.com/splitsync/splitsync/internal/model"
	"github.com/splitsync/splitsync/internal/store"
)

// NewMigrateCommand creates the command that imports the legacy
// pre-replication store into the replicated document.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import records from the legacy store (one-shot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}

			legacy, err := store.Open(filepath.Join(cfg.DataDir, "legacy.db"))
			if err != nil {
				return fmt.Errorf("open legacy store: %w", err)
			}
			defer legacy.Close()

			st, err := store.Open(filepath.Join(cfg.DataDir, cfg.AccountID+".db"))
			if err != nil {
				return fmt.Errorf("open account store: %w", err)
			}
			defer st.Close()

			doc := document.New(cfg.DeviceID)
			adapter := durability.NewAdapter(doc, st, log)
			if err := adapter.Attach(cmd.Context()); err != nil {
				return err
			}
			defer adapter.Detach()

			m := migrate.New(legacy, doc, log)
			if reset {
				if err := m.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migration flag cleared")
			}

			res, err := m.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"imported %d expenses, %d people, %d payments (%d skipped)\n",
				res.Imported[model.Expenses],
				res.Imported[model.People],
				res.Imported[model.Payments],
				res.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "clear the completion flag and migrate again")
	return cmd
}
