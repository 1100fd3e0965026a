package entity

import "context"

// EntityUpsertResult reports what one entity upsert phase did.
type EntityUpsertResult struct {
	// ByRef maps every submitted source reference to its mirror row as it
	// exists after the phase, with primary keys populated.
	ByRef map[Ref]Entity

	// CreatedIDs and UpdatedIDs are the mirror ids inserted vs. updated.
	CreatedIDs []int64
	UpdatedIDs []int64

	// DeactivatedIDs are mirror ids flipped inactive (or deleted, per the
	// store's prune mode) because their source row vanished. Only populated
	// on full syncs.
	DeactivatedIDs []int64

	// PrevActive holds the active flag each already-existing row had before
	// the phase, keyed by source reference. Rows created by the phase are
	// absent.
	PrevActive map[Ref]bool
}

// RelationshipSyncResult reports what one relationship sync phase did.
type RelationshipSyncResult struct {
	Created int
	Deleted int
}

// SyncStore is the persistence gateway the Syncer writes through. The pgx
// implementation lives in internal/store; tests substitute an in-memory one.
// Implementations own the transaction, row-locking, and retry discipline for
// each call: one call is one atomic, retryable phase.
type SyncStore interface {
	// UnchangedKinds returns the kind rows whose (name, display_name)
	// already match the given tuples exactly. A read-only probe: matching
	// kinds need no write and therefore no lock.
	UnchangedKinds(ctx context.Context, tuples []KindTuple) (map[string]Kind, error)

	// UpsertKinds batch-upserts kind tuples keyed on name, updating the
	// display name, and returns the resulting rows by name. Inactive kinds
	// still resolve; deactivation never blocks syncing.
	UpsertKinds(ctx context.Context, tuples []KindTuple) (map[string]Kind, error)

	// UpsertEntities batch-upserts mirror rows. When syncAll is set, rows
	// whose key is absent from the submitted set are pruned (deactivated or
	// deleted, per store policy).
	UpsertEntities(ctx context.Context, rows []Entity, syncAll bool) (*EntityUpsertResult, error)

	// SyncRelationships upserts the given edges and deletes every edge in
	// scope that was not submitted. Scope is the whole table when syncAll
	// is set, otherwise the edges whose sub entity id is in scopeSubIDs.
	SyncRelationships(ctx context.Context, edges []Relationship, scopeSubIDs []int64, syncAll bool) (*RelationshipSyncResult, error)
}

// KindEntity is one (entity id, kind id) pair from the kind index query.
type KindEntity struct {
	EntityID int64 `db:"id"`
	KindID   int64 `db:"entity_kind_id"`
}

// KindSubEntity is one (super id, sub id, sub kind id) triple from the
// relationship index query.
type KindSubEntity struct {
	SuperID   int64 `db:"super_entity_id"`
	SubID     int64 `db:"sub_entity_id"`
	SubKindID int64 `db:"entity_kind_id"`
}

// GroupStore is the read gateway the group evaluator uses.
type GroupStore interface {
	// GroupMemberships returns the membership rows per group id, in
	// (sort_order, id) order, honoring the tri-state active policy: true
	// and false filter on the named entity's active flag for single-entity
	// memberships, nil disables filtering entirely.
	GroupMemberships(ctx context.Context, groupIDs []int64, isActive *bool) (map[int64][]Membership, error)

	// EntitiesOfKinds returns every (entity id, kind id) pair for the given
	// kinds, honoring the active policy.
	EntitiesOfKinds(ctx context.Context, kindIDs []int64, isActive *bool) ([]KindEntity, error)

	// SubEntitiesOfKinds returns every relationship triple whose super is
	// in superIDs and whose sub has one of the given kinds, honoring the
	// active policy for the sub entity.
	SubEntitiesOfKinds(ctx context.Context, superIDs, kindIDs []int64, isActive *bool) ([]KindSubEntity, error)
}
