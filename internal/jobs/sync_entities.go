// Package jobs contains the River job definitions for the entity mirror:
// asynchronous sync passes, both targeted and full.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"entity-mirror.io/entity/internal/entity"
	"entity-mirror.io/entity/internal/pkg/logger"
)

// SyncAllArgs is a full-sync job: mirror every registered type and prune
// what vanished.
type SyncAllArgs struct{}

// Kind returns the job kind identifier for full syncs.
func (SyncAllArgs) Kind() string { return "entity_sync_all" }

// InsertOpts collapses bursts: at most one full sync is enqueued per minute.
func (SyncAllArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue: river.QueueDefault,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// SyncAllWorker runs a full sync pass.
type SyncAllWorker struct {
	river.WorkerDefaults[SyncAllArgs]
	syncer *entity.Syncer
}

// NewSyncAllWorker creates a full-sync worker.
func NewSyncAllWorker(syncer *entity.Syncer) *SyncAllWorker {
	return &SyncAllWorker{syncer: syncer}
}

// Work runs the pass. A transient database failure returns the error and
// lets River retry the whole job; the pass is idempotent.
func (w *SyncAllWorker) Work(ctx context.Context, _ *river.Job[SyncAllArgs]) error {
	if w == nil || w.syncer == nil {
		return fmt.Errorf("sync worker is not initialized")
	}

	start := time.Now()
	if err := w.syncer.Sync(ctx); err != nil {
		return fmt.Errorf("full entity sync: %w", err)
	}
	logger.Info("full entity sync completed",
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// SyncRefsArgs is a targeted sync job for a set of source references.
type SyncRefsArgs struct {
	Refs []entity.Ref `json:"refs"`
}

// Kind returns the job kind identifier for targeted syncs.
func (SyncRefsArgs) Kind() string { return "entity_sync_refs" }

// InsertOpts routes targeted syncs through the default queue.
func (SyncRefsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: river.QueueDefault}
}

// SyncRefsWorker runs a targeted sync pass.
type SyncRefsWorker struct {
	river.WorkerDefaults[SyncRefsArgs]
	syncer *entity.Syncer
}

// NewSyncRefsWorker creates a targeted-sync worker.
func NewSyncRefsWorker(syncer *entity.Syncer) *SyncRefsWorker {
	return &SyncRefsWorker{syncer: syncer}
}

// Work syncs the requested references. Vanished references are dropped by
// the pass itself, so a job never fails just because its subject was
// deleted before it ran.
func (w *SyncRefsWorker) Work(ctx context.Context, job *river.Job[SyncRefsArgs]) error {
	if w == nil || w.syncer == nil {
		return fmt.Errorf("sync worker is not initialized")
	}
	if len(job.Args.Refs) == 0 {
		return nil
	}

	if err := w.syncer.Sync(ctx, job.Args.Refs...); err != nil {
		return fmt.Errorf("sync %d refs: %w", len(job.Args.Refs), err)
	}
	logger.Debug("targeted entity sync completed",
		zap.Int("refs", len(job.Args.Refs)),
	)
	return nil
}
