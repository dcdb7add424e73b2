package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/config"
	"github.com/xtrntr/tradepro/internal/db"
	"github.com/xtrntr/tradepro/internal/logging"
)

type rootOptions struct {
	databaseURL string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	_ = godotenv.Load()

	cmd := &cobra.Command{
		Use:           "tradectl",
		Short:         "Operational tasks for the TradePro backend",
		SilenceUsage:  true,
	}

	defaultURL := os.Getenv("DATABASE_URL")
	if defaultURL == "" {
		defaultURL = config.Default().Database.URL
	}
	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", defaultURL, "PostgreSQL connection string (env DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newSeedCmd(opts),
		newGrantRoleCmd(opts),
		newRevokeRoleCmd(opts),
		newGenKeyCmd(),
	)
	return cmd
}

func (o *rootOptions) logger() *zap.Logger {
	logger, err := logging.New(false, o.logLevel)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (o *rootOptions) open(ctx context.Context) (*db.DB, error) {
	database, err := db.NewDB(ctx, o.databaseURL, 4)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return database, nil
}
