package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"entity-mirror.io/entity/internal/infrastructure"
	"entity-mirror.io/entity/internal/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the mirror schema and the River queue tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate()
	},
}

func migrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(ctx); err != nil {
		return err
	}
	logger.Info("Migration completed")
	return nil
}
