// Package handlers implements the HTTP API of the entity mirror daemon:
// sync triggering, mirror reads, and group management.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"entity-mirror.io/entity/internal/entity"
	"entity-mirror.io/entity/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	store     *store.Store
	syncer    *entity.Syncer
	evaluator *entity.GroupEvaluator

	// riverClient enqueues async sync jobs. Nil means no queue is running
	// and sync requests execute inline.
	riverClient *river.Client[pgx.Tx]
}

// NewServer creates the API server.
func NewServer(st *store.Store, syncer *entity.Syncer, riverClient *river.Client[pgx.Tx]) *Server {
	return &Server{
		store:       st,
		syncer:      syncer,
		evaluator:   entity.NewGroupEvaluator(st),
		riverClient: riverClient,
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")

	v1.GET("/health", s.GetHealth)

	v1.POST("/sync", s.PostSync)

	v1.GET("/entities", s.ListEntities)
	v1.GET("/entities/:type/:id", s.GetEntity)
	v1.DELETE("/entities/:type/:id", s.DeleteEntity)
	v1.GET("/kinds", s.ListKinds)

	v1.POST("/groups", s.CreateGroup)
	v1.GET("/groups", s.ListGroups)
	v1.GET("/groups/:id", s.GetGroup)
	v1.DELETE("/groups/:id", s.DeleteGroup)
	v1.POST("/groups/:id/members", s.AddGroupMembers)
	v1.PUT("/groups/:id/members", s.OverwriteGroupMembers)
	v1.DELETE("/groups/:id/members", s.RemoveGroupMembers)
	v1.GET("/groups/:id/entities", s.GetGroupEntities)
}
