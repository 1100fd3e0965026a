// Package app is the composition root: it wires configuration, the database
// pool, the sync engine, the job queue, and the HTTP surface together. The
// host supplies the registry; nothing here knows what the mirrored types
// are.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"entity-mirror.io/entity/internal/api/handlers"
	"entity-mirror.io/entity/internal/config"
	"entity-mirror.io/entity/internal/entity"
	"entity-mirror.io/entity/internal/infrastructure"
	"entity-mirror.io/entity/internal/jobs"
	"entity-mirror.io/entity/internal/pkg/worker"
	"entity-mirror.io/entity/internal/store"
)

// Application holds composed application dependencies.
type Application struct {
	Config    *config.Config
	Router    *gin.Engine
	DB        *infrastructure.DatabaseClients
	Store     *store.Store
	Syncer    *entity.Syncer
	FetchPool *worker.Pool
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config, registry *entity.Registry) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	st := store.New(db.Pool, storeOptions(cfg.Sync)...)

	fetchPool, err := worker.NewPool("entity-fetch", cfg.Sync.FetchConcurrency)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init fetch pool: %w", err)
	}

	syncer := entity.NewSyncer(registry, st, syncerOptions(cfg.Sync, fetchPool)...)

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewSyncAllWorker(syncer))
	river.AddWorker(workers, jobs.NewSyncRefsWorker(syncer))
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		fetchPool.Release()
		db.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	// Periodic full sync catches anything targeted syncs missed.
	if period := cfg.River.FullSyncPeriod; period > 0 {
		db.RiverClient.PeriodicJobs().Add(
			river.NewPeriodicJob(
				river.PeriodicInterval(period),
				func() (river.JobArgs, *river.InsertOpts) {
					return jobs.SyncAllArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		)
	}

	server := handlers.NewServer(st, syncer, db.RiverClient)

	return &Application{
		Config:    cfg,
		Router:    newRouter(server),
		DB:        db,
		Store:     st,
		Syncer:    syncer,
		FetchPool: fetchPool,
	}, nil
}

// Close releases everything Bootstrap acquired.
func (a *Application) Close() {
	if a.FetchPool != nil {
		a.FetchPool.Release()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func storeOptions(cfg config.SyncConfig) []store.Option {
	opts := []store.Option{
		store.WithRetry(store.RetryConfig{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
		}),
	}
	if cfg.PruneMode == "delete" {
		opts = append(opts, store.WithPruneMode(store.PruneDelete))
	}
	return opts
}

func syncerOptions(cfg config.SyncConfig, fetchPool *worker.Pool) []entity.SyncerOption {
	opts := []entity.SyncerOption{entity.WithFetchPool(fetchPool)}
	if cfg.RelationshipPolicy == "drop" {
		opts = append(opts, entity.WithRelationshipPolicy(entity.DropInactiveEdges))
	}
	return opts
}
