package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"entity-mirror.io/entity/internal/app"
	"entity-mirror.io/entity/internal/entity"
	"entity-mirror.io/entity/internal/pkg/logger"
)

var syncCmd = &cobra.Command{
	Use:   "sync [type/id ...]",
	Short: "Run one sync pass and exit",
	Long: `Run one synchronous sync pass and exit.

With no arguments every registered type is fully synced and stale mirror
rows are pruned. With type/id arguments (e.g. "account/42 team/7") only
those references and their super entities are synced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(args)
	},
}

func runSync(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	refs, err := parseRefs(args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.Bootstrap(ctx, cfg, buildRegistry())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer application.Close()

	start := time.Now()
	if err := application.Syncer.Sync(ctx, refs...); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	logger.Info("Sync completed",
		zap.Int("refs", len(refs)),
		zap.Bool("full_sync", len(refs) == 0),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func parseRefs(args []string) ([]entity.Ref, error) {
	refs := make([]entity.Ref, 0, len(args))
	for _, arg := range args {
		typeName, idText, ok := strings.Cut(arg, "/")
		if !ok || typeName == "" {
			return nil, fmt.Errorf("invalid ref %q: want type/id", arg)
		}
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid ref %q: id must be a positive integer", arg)
		}
		refs = append(refs, entity.Ref{Type: typeName, ID: id})
	}
	return refs, nil
}
