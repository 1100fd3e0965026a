package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"entity-mirror.io/entity/internal/entity"
	apperrors "entity-mirror.io/entity/internal/pkg/errors"
)

const entityColumns = `id, entity_type, entity_id, entity_kind_id,
	display_name, entity_meta, is_active, created_at, updated_at`

// GetForRef returns the mirror row for one source reference.
func (s *Store) GetForRef(ctx context.Context, ref entity.Ref) (*entity.Entity, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM entities
		WHERE entity_type = $1 AND entity_id = $2`, entityColumns),
		ref.Type, ref.ID,
	)
	if err != nil {
		return nil, err
	}
	e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[entity.Entity])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("ENTITY_NOT_FOUND",
			fmt.Sprintf("no entity for %s", ref))
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteForRef removes the mirror row for one source reference, returning
// whether a row existed. Relationships and single-entity group memberships
// cascade. Escape hatch for hosts that delete source rows out of band
// between full syncs.
func (s *Store) DeleteForRef(ctx context.Context, ref entity.Ref) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM entities
		WHERE entity_type = $1 AND entity_id = $2`,
		ref.Type, ref.ID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// EntityFilter narrows ListEntities. Nil fields match everything.
type EntityFilter struct {
	EntityType *string
	KindID     *int64
	IsActive   *bool
}

// ListEntities returns mirror rows matching the filter, ordered by id.
func (s *Store) ListEntities(ctx context.Context, filter EntityFilter) ([]entity.Entity, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EntityType != nil {
		args = append(args, *filter.EntityType)
		conds = append(conds, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.KindID != nil {
		args = append(args, *filter.KindID)
		conds = append(conds, fmt.Sprintf("entity_kind_id = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conds = append(conds, fmt.Sprintf("is_active = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM entities`, entityColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.Entity])
}

// EntitiesByIDs returns mirror rows by primary key, ordered by id. Missing
// ids are silently absent from the result.
func (s *Store) EntitiesByIDs(ctx context.Context, ids []int64) ([]entity.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM entities
		WHERE id = ANY($1)
		ORDER BY id`, entityColumns), ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.Entity])
}

// SubEntityIDs returns the mirror ids directly under the given super.
func (s *Store) SubEntityIDs(ctx context.Context, superID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sub_entity_id FROM entity_relationships
		WHERE super_entity_id = $1
		ORDER BY sub_entity_id`, superID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// SuperEntityIDs returns the mirror ids directly above the given sub.
func (s *Store) SuperEntityIDs(ctx context.Context, subID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT super_entity_id FROM entity_relationships
		WHERE sub_entity_id = $1
		ORDER BY super_entity_id`, subID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// Kinds returns every kind row, ordered by name.
func (s *Store) Kinds(ctx context.Context) ([]entity.Kind, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, display_name, is_active, created_at, updated_at
		FROM entity_kinds
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.Kind])
}

// GroupMemberships returns the membership rows of the given groups keyed by
// group id, in (sort_order, id) order. The tri-state active policy depends
// on the row shape: kind-wide rows always pass, single-entity rows must
// match the flag, and entity+kind rows require an active super whenever
// filtering is on, since their expansion is filtered per sub entity.
func (s *Store) GroupMemberships(ctx context.Context, groupIDs []int64, isActive *bool) (map[int64][]entity.Membership, error) {
	if len(groupIDs) == 0 {
		return map[int64][]entity.Membership{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT m.id, m.entity_group_id, m.entity_id, m.sub_entity_kind_id, m.sort_order
		FROM entity_group_memberships m
		LEFT JOIN entities e ON e.id = m.entity_id
		WHERE m.entity_group_id = ANY($1)
		  AND ($2::boolean IS NULL
			OR m.entity_id IS NULL
			OR (m.sub_entity_kind_id IS NULL AND e.is_active = $2)
			OR (m.sub_entity_kind_id IS NOT NULL AND e.is_active))
		ORDER BY m.entity_group_id, m.sort_order, m.id`,
		groupIDs, isActive,
	)
	if err != nil {
		return nil, err
	}
	memberships, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.Membership])
	if err != nil {
		return nil, err
	}

	out := make(map[int64][]entity.Membership, len(groupIDs))
	for _, m := range memberships {
		out[m.GroupID] = append(out[m.GroupID], m)
	}
	return out, nil
}

// EntitiesOfKinds returns every (entity id, kind id) pair for the given
// kinds, honoring the active policy.
func (s *Store) EntitiesOfKinds(ctx context.Context, kindIDs []int64, isActive *bool) ([]entity.KindEntity, error) {
	if len(kindIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, entity_kind_id
		FROM entities
		WHERE entity_kind_id = ANY($1)
		  AND ($2::boolean IS NULL OR is_active = $2)`,
		kindIDs, isActive,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.KindEntity])
}

// SubEntitiesOfKinds returns every relationship triple whose super is in
// superIDs and whose sub has one of the given kinds, honoring the active
// policy for the sub entity.
func (s *Store) SubEntitiesOfKinds(ctx context.Context, superIDs, kindIDs []int64, isActive *bool) ([]entity.KindSubEntity, error) {
	if len(superIDs) == 0 || len(kindIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT r.super_entity_id, r.sub_entity_id, e.entity_kind_id
		FROM entity_relationships r
		JOIN entities e ON e.id = r.sub_entity_id
		WHERE r.super_entity_id = ANY($1)
		  AND e.entity_kind_id = ANY($2)
		  AND ($3::boolean IS NULL OR e.is_active = $3)`,
		superIDs, kindIDs, isActive,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.KindSubEntity])
}

// MemberSpec describes one membership row to write. Shapes mirror
// entity.Membership: entity only, kind only, or entity+kind.
type MemberSpec struct {
	EntityID  *int64
	KindID    *int64
	SortOrder int
}

func (m MemberSpec) validate() error {
	if m.EntityID == nil && m.KindID == nil {
		return apperrors.BadRequest("INVALID_MEMBERSHIP",
			"membership needs an entity, a kind, or both")
	}
	return nil
}

// CreateGroup creates a group.
func (s *Store) CreateGroup(ctx context.Context, displayName string) (*entity.Group, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(ctx, `
		INSERT INTO entity_groups (display_name, created_at, updated_at)
		VALUES ($1, $2, $2)
		RETURNING id, display_name, created_at, updated_at`,
		displayName, now,
	)
	if err != nil {
		return nil, err
	}
	g, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[entity.Group])
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGroup returns one group by id.
func (s *Store) GetGroup(ctx context.Context, groupID int64) (*entity.Group, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, display_name, created_at, updated_at
		FROM entity_groups
		WHERE id = $1`, groupID)
	if err != nil {
		return nil, err
	}
	g, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[entity.Group])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("GROUP_NOT_FOUND",
			fmt.Sprintf("no group with id %d", groupID))
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns every group, ordered by id.
func (s *Store) ListGroups(ctx context.Context) ([]entity.Group, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, display_name, created_at, updated_at
		FROM entity_groups
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.Group])
}

// DeleteGroup removes a group and its memberships.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM entity_groups WHERE id = $1`, groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("GROUP_NOT_FOUND",
			fmt.Sprintf("no group with id %d", groupID))
	}
	return nil
}

// AddMembers appends membership rows to a group. Duplicate rules are
// allowed; the evaluator deduplicates on read.
func (s *Store) AddMembers(ctx context.Context, groupID int64, members []MemberSpec) error {
	if len(members) == 0 {
		return nil
	}
	for _, m := range members {
		if err := m.validate(); err != nil {
			return err
		}
	}
	return s.transact(ctx, "add_members", func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range members {
			batch.Queue(`
				INSERT INTO entity_group_memberships
					(entity_group_id, entity_id, sub_entity_kind_id, sort_order)
				VALUES ($1, $2, $3, $4)`,
				groupID, m.EntityID, m.KindID, m.SortOrder)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// RemoveMembers deletes every membership row of the group matching the
// given shape, returning how many went.
func (s *Store) RemoveMembers(ctx context.Context, groupID int64, entityID, kindID *int64) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM entity_group_memberships
		WHERE entity_group_id = $1
		  AND entity_id IS NOT DISTINCT FROM $2
		  AND sub_entity_kind_id IS NOT DISTINCT FROM $3`,
		groupID, entityID, kindID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// OverwriteMembers atomically replaces a group's membership rows.
func (s *Store) OverwriteMembers(ctx context.Context, groupID int64, members []MemberSpec) error {
	for _, m := range members {
		if err := m.validate(); err != nil {
			return err
		}
	}
	return s.transact(ctx, "overwrite_members", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM entity_group_memberships
			WHERE entity_group_id = $1`, groupID); err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, m := range members {
			batch.Queue(`
				INSERT INTO entity_group_memberships
					(entity_group_id, entity_id, sub_entity_kind_id, sort_order)
				VALUES ($1, $2, $3, $4)`,
				groupID, m.EntityID, m.KindID, m.SortOrder)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
