package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"entity-mirror.io/entity/internal/entity"
	apperrors "entity-mirror.io/entity/internal/pkg/errors"
	"entity-mirror.io/entity/internal/store"
)

type createGroupRequest struct {
	DisplayName string `json:"display_name"`
}

// memberSpec is the wire shape of one membership rule.
type memberSpec struct {
	EntityID  *int64 `json:"entity_id"`
	KindID    *int64 `json:"sub_entity_kind_id"`
	SortOrder int    `json:"sort_order"`
}

type membersRequest struct {
	Members []memberSpec `json:"members"`
}

// CreateGroup creates a group.
func (s *Server) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest("INVALID_GROUP_REQUEST", err.Error()))
		return
	}
	g, err := s.store.CreateGroup(c.Request.Context(), req.DisplayName)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// ListGroups returns every group.
func (s *Server) ListGroups(c *gin.Context) {
	groups, err := s.store.ListGroups(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if groups == nil {
		groups = []entity.Group{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GetGroup returns one group with its membership rules.
func (s *Server) GetGroup(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		c.Error(err)
		return
	}
	memberships, err := s.store.GroupMemberships(ctx, []int64{groupID}, nil)
	if err != nil {
		c.Error(err)
		return
	}
	members := memberships[groupID]
	if members == nil {
		members = []entity.Membership{}
	}
	c.JSON(http.StatusOK, gin.H{"group": g, "members": members})
}

// DeleteGroup removes a group and its memberships.
func (s *Server) DeleteGroup(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	if err := s.store.DeleteGroup(c.Request.Context(), groupID); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddGroupMembers appends membership rules to a group.
func (s *Server) AddGroupMembers(c *gin.Context) {
	s.writeMembers(c, s.store.AddMembers)
}

// OverwriteGroupMembers atomically replaces a group's membership rules.
func (s *Server) OverwriteGroupMembers(c *gin.Context) {
	s.writeMembers(c, s.store.OverwriteMembers)
}

func (s *Server) writeMembers(c *gin.Context, write func(ctx context.Context, groupID int64, members []store.MemberSpec) error) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest("INVALID_MEMBERS_REQUEST", err.Error()))
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		c.Error(err)
		return
	}
	specs := make([]store.MemberSpec, len(req.Members))
	for i, m := range req.Members {
		specs[i] = store.MemberSpec{EntityID: m.EntityID, KindID: m.KindID, SortOrder: m.SortOrder}
	}
	if err := write(ctx, groupID, specs); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": len(specs)})
}

// RemoveGroupMembers deletes the membership rules matching the given shape.
func (s *Server) RemoveGroupMembers(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	var req memberSpec
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest("INVALID_MEMBERS_REQUEST", err.Error()))
		return
	}
	removed, err := s.store.RemoveMembers(c.Request.Context(), groupID, req.EntityID, req.KindID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// GetGroupEntities evaluates a group's membership rules into the concrete
// set of entities. The active query param is tri-state: true (default),
// false, or all.
func (s *Server) GetGroupEntities(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}

	isActive, ok := activeParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		c.Error(err)
		return
	}

	ids, err := s.evaluator.AllEntityIDs(ctx, groupID, isActive)
	if err != nil {
		c.Error(err)
		return
	}
	entities, err := s.store.EntitiesByIDs(ctx, ids)
	if err != nil {
		c.Error(err)
		return
	}
	if entities == nil {
		entities = []entity.Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

// activeParam parses the tri-state active filter: "true", "false", or
// "all". Defaults to active only.
func activeParam(c *gin.Context) (*bool, bool) {
	switch v := c.DefaultQuery("active", "true"); v {
	case "all":
		return nil, true
	default:
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.Error(apperrors.BadRequest("INVALID_ACTIVE",
				`active must be "true", "false", or "all"`))
			return nil, false
		}
		return &active, true
	}
}

func groupParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.Error(apperrors.BadRequest("INVALID_GROUP_ID", "group id must be a positive integer"))
		return 0, false
	}
	return id, true
}
