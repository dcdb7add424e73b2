package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger()
			defer logger.Sync()

			database, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			applied, err := database.Migrate(ctx)
			for _, name := range applied {
				logger.Info("applied migration", zap.String("name", name))
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				logger.Info("schema is up to date")
			}
			return nil
		},
	}
}
