// Package main is the entity mirror daemon. Deployments register their
// source adapters in buildRegistry and compile their own entityd; the
// daemon itself has no idea what it mirrors.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"entity-mirror.io/entity/internal/config"
	"entity-mirror.io/entity/internal/entity"
	"entity-mirror.io/entity/internal/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "entityd",
	Short:         "Entity mirror daemon: sync engine, job queue, and HTTP API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// buildRegistry assembles the source adapters this deployment mirrors.
// Register configs and watchers here before building the binary.
func buildRegistry() *entity.Registry {
	return entity.NewRegistry()
}

// loadConfig loads configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
