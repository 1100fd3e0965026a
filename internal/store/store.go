package store

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"entity-mirror.io/entity/internal/entity"
)

// DB is the subset of pgxpool.Pool the store needs. Narrowed so tests can
// hand in a pool scoped to an isolated schema.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// PruneMode selects what a full sync does with mirror rows whose source row
// is gone.
type PruneMode int

const (
	// PruneDeactivate flips stale rows inactive, preserving history and
	// foreign keys. The default.
	PruneDeactivate PruneMode = iota

	// PruneDelete removes stale rows outright; relationships cascade.
	PruneDelete
)

// Store is the pgx-backed mutation gateway for the mirror tables. It
// implements entity.SyncStore and entity.GroupStore. Every sync-phase method
// is one retryable transaction that locks exactly the rows it is about to
// touch, in the same order the subsequent upsert writes them.
type Store struct {
	db    DB
	retry RetryConfig
	prune PruneMode
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the phase retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(s *Store) { s.retry = cfg.withDefaults() }
}

// WithPruneMode overrides the full-sync prune behavior.
func WithPruneMode(mode PruneMode) Option {
	return func(s *Store) { s.prune = mode }
}

// New creates a Store over a database pool.
func New(db DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		retry: DefaultRetryConfig(),
		prune: PruneDeactivate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ entity.SyncStore  = (*Store)(nil)
	_ entity.GroupStore = (*Store)(nil)
)

// Retuned row shapes for the upsert primitive.
type upsertedKind struct {
	entity.Kind
	Inserted bool `db:"inserted"`
}

type upsertedEntity struct {
	entity.Entity
	Inserted bool `db:"inserted"`
}

type upsertedRelationship struct {
	entity.Relationship
	Inserted bool `db:"inserted"`
}

var kindUpsert = upsertQuery{
	table:   "entity_kinds",
	columns: []string{"name", "display_name", "is_active", "created_at", "updated_at"},
	unique:  []string{"name"},
	update:  []string{"display_name", "updated_at"},
}

// entityUpsert rewrites every submitted row even when nothing changed: the
// sync pass needs the mirror row back for every ref to map ids and scope
// relationships, and ignoreUnchanged would drop unchanged rows from
// RETURNING. The cost is updated_at churn on no-op passes.
var entityUpsert = upsertQuery{
	table: "entities",
	columns: []string{
		"entity_type", "entity_id", "entity_kind_id",
		"display_name", "entity_meta", "is_active",
		"created_at", "updated_at",
	},
	unique: []string{"entity_type", "entity_id"},
	update: []string{"entity_kind_id", "display_name", "entity_meta", "is_active", "updated_at"},
}

var relationshipUpsert = upsertQuery{
	table:   "entity_relationships",
	columns: []string{"sub_entity_id", "super_entity_id"},
	unique:  []string{"sub_entity_id", "super_entity_id"},
	action:  actionNothing,
}

// UnchangedKinds returns kind rows whose (name, display_name) already match
// the given tuples. Read-only: stable kinds never take a write lock.
// Inactive kinds match too; kind deactivation never blocks syncing.
func (s *Store) UnchangedKinds(ctx context.Context, tuples []entity.KindTuple) (map[string]entity.Kind, error) {
	if len(tuples) == 0 {
		return map[string]entity.Kind{}, nil
	}
	names := make([]string, len(tuples))
	displays := make([]string, len(tuples))
	for i, t := range tuples {
		names[i] = t.Name
		displays[i] = t.DisplayName
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, name, display_name, is_active, created_at, updated_at
		FROM entity_kinds
		WHERE (name, display_name) IN (SELECT * FROM unnest($1::text[], $2::text[]))`,
		names, displays,
	)
	if err != nil {
		return nil, err
	}
	kinds, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.Kind])
	if err != nil {
		return nil, err
	}

	out := make(map[string]entity.Kind, len(kinds))
	for _, k := range kinds {
		out[k.Name] = k
	}
	return out, nil
}

// UpsertKinds batch-upserts kind tuples keyed on name, updating only the
// display name, and returns the rows by name.
func (s *Store) UpsertKinds(ctx context.Context, tuples []entity.KindTuple) (map[string]entity.Kind, error) {
	if len(tuples) == 0 {
		return map[string]entity.Kind{}, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(tuples))
	names := make([]string, len(tuples))
	for i, t := range tuples {
		rows[i] = []any{t.Name, t.DisplayName, true, now, now}
		names[i] = t.Name
	}
	sort.Strings(names)

	out := make(map[string]entity.Kind, len(tuples))
	err := s.transact(ctx, "upsert_kinds", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockRows(ctx, tx, `
			SELECT id FROM entity_kinds
			WHERE name = ANY($1)
			ORDER BY name
			FOR NO KEY UPDATE`, names); err != nil {
			return err
		}
		upserted, err := runUpsert[upsertedKind](ctx, tx, kindUpsert, rows)
		if err != nil {
			return err
		}
		for _, k := range upserted {
			out[k.Name] = k.Kind
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertEntities batch-upserts mirror rows. On a full sync, rows whose
// (entity_type, entity_id) key was not submitted are pruned per the store's
// PruneMode.
func (s *Store) UpsertEntities(ctx context.Context, ents []entity.Entity, syncAll bool) (*entity.EntityUpsertResult, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(ents))
	types := make([]string, len(ents))
	ids := make([]int64, len(ents))
	for i, e := range ents {
		var meta any
		if len(e.Meta) > 0 {
			meta = []byte(e.Meta)
		}
		rows[i] = []any{
			e.EntityType, e.EntityID, e.KindID,
			e.DisplayName, meta, e.IsActive,
			now, now,
		}
		types[i] = e.EntityType
		ids[i] = e.EntityID
	}
	sortRefArrays(types, ids)

	result := &entity.EntityUpsertResult{
		ByRef:      make(map[entity.Ref]entity.Entity, len(ents)),
		PrevActive: make(map[entity.Ref]bool),
	}
	err := s.transact(ctx, "upsert_entities", func(ctx context.Context, tx pgx.Tx) error {
		// Reset per attempt: a retried transaction must not see the
		// previous attempt's partial results.
		result.ByRef = make(map[entity.Ref]entity.Entity, len(ents))
		result.PrevActive = make(map[entity.Ref]bool)
		result.CreatedIDs = nil
		result.UpdatedIDs = nil
		result.DeactivatedIDs = nil

		existing, err := s.lockEntities(ctx, tx, types, ids, syncAll)
		if err != nil {
			return err
		}
		for _, row := range existing {
			result.PrevActive[entity.Ref{Type: row.EntityType, ID: row.EntityID}] = row.IsActive
		}

		upserted, err := runUpsert[upsertedEntity](ctx, tx, entityUpsert, rows)
		if err != nil {
			return err
		}
		submitted := make(map[int64]struct{}, len(upserted))
		for _, e := range upserted {
			result.ByRef[e.Ref()] = e.Entity
			submitted[e.Entity.ID] = struct{}{}
			if e.Inserted {
				result.CreatedIDs = append(result.CreatedIDs, e.Entity.ID)
			} else {
				result.UpdatedIDs = append(result.UpdatedIDs, e.Entity.ID)
			}
		}

		if !syncAll {
			return nil
		}
		var stale []int64
		for _, row := range existing {
			if _, ok := submitted[row.ID]; !ok {
				stale = append(stale, row.ID)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		pruned, err := s.pruneEntities(ctx, tx, stale, now)
		if err != nil {
			return err
		}
		result.DeactivatedIDs = pruned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lockedEntity is the row shape of the pre-upsert lock query.
type lockedEntity struct {
	ID         int64  `db:"id"`
	EntityType string `db:"entity_type"`
	EntityID   int64  `db:"entity_id"`
	IsActive   bool   `db:"is_active"`
}

// lockEntities locks (and reads the prior active state of) the rows the
// upsert is about to touch, in the upsert's own key order: the whole table
// on a full sync, else the submitted key set.
func (s *Store) lockEntities(ctx context.Context, tx pgx.Tx, types []string, ids []int64, syncAll bool) ([]lockedEntity, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if syncAll {
		rows, err = tx.Query(ctx, `
			SELECT id, entity_type, entity_id, is_active
			FROM entities
			ORDER BY entity_type, entity_id
			FOR NO KEY UPDATE`)
	} else {
		if len(ids) == 0 {
			return nil, nil
		}
		rows, err = tx.Query(ctx, `
			SELECT id, entity_type, entity_id, is_active
			FROM entities
			WHERE (entity_type, entity_id) IN (SELECT * FROM unnest($1::text[], $2::bigint[]))
			ORDER BY entity_type, entity_id
			FOR NO KEY UPDATE`, types, ids)
	}
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[lockedEntity])
}

// pruneEntities handles stale mirror rows on a full sync. Returns the ids
// whose active flag actually flipped (or, in delete mode, the deleted ids
// that were active), which feed deactivation events.
func (s *Store) pruneEntities(ctx context.Context, tx pgx.Tx, stale []int64, now time.Time) ([]int64, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if s.prune == PruneDelete {
		rows, err = tx.Query(ctx, `
			DELETE FROM entities
			WHERE id = ANY($1) AND is_active
			RETURNING id`, stale)
		if err != nil {
			return nil, err
		}
		active, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return nil, err
		}
		// Inactive stale rows go too; they just emit no event.
		if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = ANY($1)`, stale); err != nil {
			return nil, err
		}
		return active, nil
	}

	rows, err = tx.Query(ctx, `
		UPDATE entities
		SET is_active = FALSE, updated_at = $2
		WHERE id = ANY($1) AND is_active
		RETURNING id`, stale, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// SyncRelationships upserts the given edges and deletes every edge in scope
// that was not submitted. Scope is the whole table on a full sync, else the
// rows whose sub entity id is in scopeSubIDs.
func (s *Store) SyncRelationships(ctx context.Context, edges []entity.Relationship, scopeSubIDs []int64, syncAll bool) (*entity.RelationshipSyncResult, error) {
	if !syncAll && len(edges) == 0 && len(scopeSubIDs) == 0 {
		return &entity.RelationshipSyncResult{}, nil
	}

	rows := make([][]any, len(edges))
	submitted := make(map[[2]int64]struct{}, len(edges))
	for i, e := range edges {
		rows[i] = []any{e.SubEntityID, e.SuperEntityID}
		submitted[[2]int64{e.SubEntityID, e.SuperEntityID}] = struct{}{}
	}

	result := &entity.RelationshipSyncResult{}
	err := s.transact(ctx, "sync_relationships", func(ctx context.Context, tx pgx.Tx) error {
		result.Created = 0
		result.Deleted = 0

		existing, err := s.lockRelationships(ctx, tx, scopeSubIDs, syncAll)
		if err != nil {
			return err
		}

		created, err := runUpsert[upsertedRelationship](ctx, tx, relationshipUpsert, rows)
		if err != nil {
			return err
		}
		result.Created = len(created)

		var stale []int64
		for _, rel := range existing {
			if _, ok := submitted[[2]int64{rel.SubEntityID, rel.SuperEntityID}]; !ok {
				stale = append(stale, rel.ID)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM entity_relationships WHERE id = ANY($1)`, stale)
		if err != nil {
			return err
		}
		result.Deleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) lockRelationships(ctx context.Context, tx pgx.Tx, scopeSubIDs []int64, syncAll bool) ([]entity.Relationship, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if syncAll {
		rows, err = tx.Query(ctx, `
			SELECT id, sub_entity_id, super_entity_id
			FROM entity_relationships
			ORDER BY sub_entity_id, super_entity_id
			FOR NO KEY UPDATE`)
	} else {
		if len(scopeSubIDs) == 0 {
			return nil, nil
		}
		rows, err = tx.Query(ctx, `
			SELECT id, sub_entity_id, super_entity_id
			FROM entity_relationships
			WHERE sub_entity_id = ANY($1)
			ORDER BY sub_entity_id, super_entity_id
			FOR NO KEY UPDATE`, scopeSubIDs)
	}
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[entity.Relationship])
}

// lockRows runs a FOR UPDATE-style select purely for its locking side
// effect, draining the result.
func lockRows(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// sortRefArrays sorts the parallel (type, id) arrays by (type, id), keeping
// the lock query's scan order aligned with the upsert's row order.
func sortRefArrays(types []string, ids []int64) {
	idx := make([]int, len(types))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if types[i] != types[j] {
			return types[i] < types[j]
		}
		return ids[i] < ids[j]
	})
	outTypes := make([]string, len(types))
	outIDs := make([]int64, len(ids))
	for pos, i := range idx {
		outTypes[pos] = types[i]
		outIDs[pos] = ids[i]
	}
	copy(types, outTypes)
	copy(ids, outIDs)
}
