package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"entity-mirror.io/entity/internal/entity"
	"entity-mirror.io/entity/internal/jobs"
	apperrors "entity-mirror.io/entity/internal/pkg/errors"
)

// syncRequest is the POST /sync body. An empty body (or empty refs) means a
// full sync of every registered type.
type syncRequest struct {
	Refs  []entity.Ref `json:"refs"`
	Async bool         `json:"async"`
}

// PostSync triggers a sync pass. Full syncs always go through the job queue
// when one is running; targeted syncs run inline unless async is requested.
func (s *Server) PostSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.BadRequest("INVALID_SYNC_REQUEST", err.Error()))
			return
		}
	}
	for _, ref := range req.Refs {
		if ref.Type == "" || ref.ID <= 0 {
			c.Error(apperrors.BadRequest("INVALID_SYNC_REQUEST",
				"each ref needs a non-empty type and a positive id"))
			return
		}
	}

	ctx := c.Request.Context()

	if len(req.Refs) == 0 {
		if s.riverClient != nil {
			if _, err := s.riverClient.Insert(ctx, jobs.SyncAllArgs{}, nil); err != nil {
				c.Error(err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"status": "enqueued", "full_sync": true})
			return
		}
		if err := s.syncer.Sync(ctx); err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "synced", "full_sync": true})
		return
	}

	if req.Async {
		if s.riverClient == nil {
			c.Error(apperrors.BadRequest("NO_JOB_QUEUE",
				"async sync requested but no job queue is running"))
			return
		}
		if _, err := s.riverClient.Insert(ctx, jobs.SyncRefsArgs{Refs: req.Refs}, nil); err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "enqueued", "refs": len(req.Refs)})
		return
	}

	if err := s.syncer.Sync(ctx, req.Refs...); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced", "refs": len(req.Refs)})
}
