package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(root.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			root.logger.Info("migrations applied")
			return nil
		},
	}
}
