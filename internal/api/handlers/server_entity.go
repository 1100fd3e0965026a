package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"entity-mirror.io/entity/internal/entity"
	apperrors "entity-mirror.io/entity/internal/pkg/errors"
	"entity-mirror.io/entity/internal/store"
)

// ListEntities returns mirror rows, filterable by type, kind id, and active
// flag.
func (s *Server) ListEntities(c *gin.Context) {
	var filter store.EntityFilter
	if t := c.Query("type"); t != "" {
		filter.EntityType = &t
	}
	if k := c.Query("kind_id"); k != "" {
		kindID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			c.Error(apperrors.BadRequest("INVALID_KIND_ID", "kind_id must be an integer"))
			return
		}
		filter.KindID = &kindID
	}
	if a := c.Query("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			c.Error(apperrors.BadRequest("INVALID_ACTIVE", "active must be a boolean"))
			return
		}
		filter.IsActive = &active
	}

	entities, err := s.store.ListEntities(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}
	if entities == nil {
		entities = []entity.Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

// GetEntity returns the mirror row for one source reference.
func (s *Server) GetEntity(c *gin.Context) {
	ref, ok := refParam(c)
	if !ok {
		return
	}
	e, err := s.store.GetForRef(c.Request.Context(), ref)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// DeleteEntity removes the mirror row for one source reference.
func (s *Server) DeleteEntity(c *gin.Context) {
	ref, ok := refParam(c)
	if !ok {
		return
	}
	deleted, err := s.store.DeleteForRef(c.Request.Context(), ref)
	if err != nil {
		c.Error(err)
		return
	}
	if !deleted {
		c.Error(apperrors.NotFound("ENTITY_NOT_FOUND", "no entity for "+ref.String()))
		return
	}
	c.Status(http.StatusNoContent)
}

// ListKinds returns every kind row.
func (s *Server) ListKinds(c *gin.Context) {
	kinds, err := s.store.Kinds(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if kinds == nil {
		kinds = []entity.Kind{}
	}
	c.JSON(http.StatusOK, gin.H{"kinds": kinds})
}

func refParam(c *gin.Context) (entity.Ref, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.Error(apperrors.BadRequest("INVALID_ENTITY_ID", "id must be a positive integer"))
		return entity.Ref{}, false
	}
	return entity.Ref{Type: c.Param("type"), ID: id}, true
}
