package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/fleetreg/internal/infrastructure/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending store migrations and exit",
	Long: `Open the registry database at store.path, back it up to <path>.bak,
apply every pending schema migration and print the resulting version.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := sqlite.NewDB(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		version, dirty, err := db.SchemaVersion()
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("schema version %d is dirty; restore %s.bak", version, cfg.Store.Path)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", cfg.Store.Path, version)
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
