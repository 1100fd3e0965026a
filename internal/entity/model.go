// Package entity implements the entity mirror: a denormalized table of
// heterogeneous source models plus a directed super/sub relationship graph
// between them, kept in line with the live data by the Syncer.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ref is a polymorphic reference to one source model row: the registered
// type name plus the row's primary key.
type Ref struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// Kind is a coarse semantic classification of entities, coarser than the
// concrete source type. Kinds are never hard-deleted, only deactivated, so
// historical entities keep a valid reference.
type Kind struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	DisplayName string    `db:"display_name" json:"display_name"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Entity is the mirror row for one source model instance. (EntityType,
// EntityID) is unique: at most one mirror row per source instance.
type Entity struct {
	ID          int64           `db:"id" json:"id"`
	EntityType  string          `db:"entity_type" json:"entity_type"`
	EntityID    int64           `db:"entity_id" json:"entity_id"`
	KindID      int64           `db:"entity_kind_id" json:"entity_kind_id"`
	DisplayName string          `db:"display_name" json:"display_name"`
	Meta        json.RawMessage `db:"entity_meta" json:"entity_meta,omitempty"`
	IsActive    bool            `db:"is_active" json:"is_active"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Ref returns the polymorphic source reference of the mirror row.
func (e *Entity) Ref() Ref {
	return Ref{Type: e.EntityType, ID: e.EntityID}
}

// Relationship is a directed edge saying SubEntityID belongs under
// SuperEntityID. The table is entirely derived: every sync pass recomputes
// the edges for the entities it touched and prunes the stale ones.
type Relationship struct {
	ID            int64 `db:"id" json:"id"`
	SubEntityID   int64 `db:"sub_entity_id" json:"sub_entity_id"`
	SuperEntityID int64 `db:"super_entity_id" json:"super_entity_id"`
}

// Group is a named collection of membership rules evaluated on read into a
// concrete set of entity ids. Groups are application-managed; the sync
// engine never touches them.
type Group struct {
	ID          int64     `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Membership is one rule of a group. Three shapes:
//
//	EntityID set, KindID unset: the entity itself
//	EntityID unset, KindID set: all entities of the kind
//	both set: all sub-entities of the kind under the entity
type Membership struct {
	ID        int64  `db:"id" json:"id"`
	GroupID   int64  `db:"entity_group_id" json:"entity_group_id"`
	EntityID  *int64 `db:"entity_id" json:"entity_id,omitempty"`
	KindID    *int64 `db:"sub_entity_kind_id" json:"sub_entity_kind_id,omitempty"`
	SortOrder int    `db:"sort_order" json:"sort_order"`
}

// Edge is one (sub instance id, super instance id) pair reported by a
// config's SuperEntities. Both ids are source primary keys, not mirror ids.
type Edge struct {
	SubID   int64
	SuperID int64
}

// KindTuple is the (name, display name) pair a config resolves for an
// instance before the kind row id is known.
type KindTuple struct {
	Name        string
	DisplayName string
}
