package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Prepare the configured store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck // best-effort close after migrate

		if err := s.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("store migrated", "store", cfg.StoreDriver)
		return nil
	},
}
