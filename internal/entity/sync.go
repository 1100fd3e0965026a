package entity

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"entity-mirror.io/entity/internal/pkg/logger"
	"entity-mirror.io/entity/internal/pkg/worker"
)

// RelationshipPolicy decides what a sync pass does with an edge whose super
// entity resolves inactive. Historical deployments disagreed, so the choice
// is explicit configuration rather than a hidden default.
type RelationshipPolicy int

const (
	// KeepInactiveEdges writes the edge regardless of either endpoint's
	// active flag. The default: the graph mirrors structure, activity is a
	// presentation concern.
	KeepInactiveEdges RelationshipPolicy = iota

	// DropInactiveEdges omits edges whose super entity resolves inactive,
	// so the pruning step removes them.
	DropInactiveEdges
)

const senderName = "entity.Syncer"

// Syncer brings the mirror tables in line with the live source data. One
// Syncer serves a whole process; individual passes share nothing but the
// database, so concurrent passes from separate processes are safe.
type Syncer struct {
	registry   *Registry
	store      SyncStore
	dispatcher *Dispatcher
	pool       *worker.Pool
	policy     RelationshipPolicy

	mu            sync.Mutex
	deferDepth    int
	suppressDepth int
	buffered      map[Ref]struct{}
	bufferedAll   bool
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithDispatcher sets the dispatcher that receives activation events.
func WithDispatcher(d *Dispatcher) SyncerOption {
	return func(s *Syncer) { s.dispatcher = d }
}

// WithFetchPool bounds parallel per-type source fetches to the given pool.
// Without a pool, fetches run sequentially.
func WithFetchPool(p *worker.Pool) SyncerOption {
	return func(s *Syncer) { s.pool = p }
}

// WithRelationshipPolicy sets the inactive-super edge policy.
func WithRelationshipPolicy(p RelationshipPolicy) SyncerOption {
	return func(s *Syncer) { s.policy = p }
}

// NewSyncer creates a Syncer over a registry and a store.
func NewSyncer(registry *Registry, store SyncStore, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		registry: registry,
		store:    store,
		buffered: make(map[Ref]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher()
	}
	return s
}

// Dispatcher returns the dispatcher activation events are delivered to.
func (s *Syncer) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// TypeNames returns the registered type names in sorted order.
func (s *Syncer) TypeNames() []string {
	return s.registry.TypeNames()
}

// Sync mirrors the given source references. With no references it syncs
// every instance of every registered type, pruning mirror rows whose source
// rows are gone. While a suppress scope is active requests are dropped;
// while a defer scope is active they are buffered and flushed as one
// consolidated pass when the scope closes.
func (s *Syncer) Sync(ctx context.Context, refs ...Ref) error {
	s.mu.Lock()
	if s.suppressDepth > 0 {
		s.mu.Unlock()
		return nil
	}
	if s.deferDepth > 0 {
		if len(refs) == 0 {
			s.bufferedAll = true
		}
		for _, ref := range refs {
			s.buffered[ref] = struct{}{}
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.runPass(ctx, refs)
}

// SyncWatching syncs the registered instances derived from a change to a
// watched instance. Used when the relationship to the mirrored model is not
// visible from the mirrored side.
func (s *Syncer) SyncWatching(ctx context.Context, changed Ref) error {
	seen := make(map[Ref]struct{})
	var refs []Ref
	for _, fn := range s.registry.WatchersOf(changed.Type) {
		derived, err := fn(ctx, changed.ID)
		if err != nil {
			return err
		}
		for _, ref := range derived {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return s.Sync(ctx, refs...)
}

// pass is the working state of one orchestrator run.
type pass struct {
	id      string
	syncAll bool

	// requested holds the source refs named by the caller, before closure.
	requested map[Ref]struct{}

	// instances holds every fetched instance by type and source id. The
	// to-sync set is exactly the key set of this map.
	instances map[string]map[int64]Instance

	// edges holds sub type -> super type -> reported id pairs.
	edges map[string]map[string][]Edge
}

func (s *Syncer) runPass(ctx context.Context, refs []Ref) error {
	p := &pass{
		id:        uuid.NewString(),
		syncAll:   len(refs) == 0,
		requested: make(map[Ref]struct{}, len(refs)),
		instances: make(map[string]map[int64]Instance),
		edges:     make(map[string]map[string][]Edge),
	}
	for _, ref := range refs {
		p.requested[ref] = struct{}{}
	}

	log := logger.With(
		zap.String("pass_id", p.id),
		zap.Bool("full_sync", p.syncAll),
	)

	if err := s.collect(ctx, p); err != nil {
		return err
	}
	if err := s.expandSupers(ctx, p); err != nil {
		return err
	}

	total := 0
	for _, byID := range p.instances {
		total += len(byID)
	}
	log.Debug("sync set closed", zap.Int("instances", total))
	if total == 0 && !p.syncAll {
		// Everything requested vanished before we could fetch it. An
		// expected race under concurrent writers, not an error.
		return nil
	}

	kinds, err := s.resolveKinds(ctx, p)
	if err != nil {
		return err
	}

	rows, inactiveSupers, err := s.buildEntities(p, kinds)
	if err != nil {
		return err
	}

	result, err := s.store.UpsertEntities(ctx, rows, p.syncAll)
	if err != nil {
		return err
	}

	relResult, err := s.syncRelationships(ctx, p, result, inactiveSupers)
	if err != nil {
		return err
	}

	log.Info("sync pass complete",
		zap.Int("entities", len(rows)),
		zap.Int("created", len(result.CreatedIDs)),
		zap.Int("updated", len(result.UpdatedIDs)),
		zap.Int("pruned", len(result.DeactivatedIDs)),
		zap.Int("relationships_created", relResult.Created),
		zap.Int("relationships_deleted", relResult.Deleted),
	)

	return s.emitActivationEvents(ctx, p, rows, result)
}

// collect resolves the initial instance set: the requested refs, or every
// instance of every registered type on a full sync.
func (s *Syncer) collect(ctx context.Context, p *pass) error {
	if p.syncAll {
		names := s.registry.TypeNames()
		results := make(map[string][]Instance, len(names))
		var mu sync.Mutex
		fetch := func(ctx context.Context, typeName string) error {
			reg, err := s.registry.lookup(typeName)
			if err != nil {
				return err
			}
			objs, err := reg.source.FetchAll(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			results[typeName] = objs
			mu.Unlock()
			return nil
		}
		if err := s.forEachType(ctx, names, fetch); err != nil {
			return err
		}
		for typeName, objs := range results {
			byID := make(map[int64]Instance, len(objs))
			for _, obj := range objs {
				byID[obj.InstanceID()] = obj
			}
			p.instances[typeName] = byID
		}
		return nil
	}

	wanted := make(map[string][]int64)
	for ref := range p.requested {
		wanted[ref.Type] = append(wanted[ref.Type], ref.ID)
	}
	// Validate every requested type before touching any source.
	for typeName := range wanted {
		if _, err := s.registry.lookup(typeName); err != nil {
			return err
		}
	}
	return s.fetchInto(ctx, p, wanted)
}

// expandSupers repeatedly resolves super entities for instances that have
// not been expanded yet, until the to-sync set is closed. Ids that vanish
// between resolution and fetch are dropped from the set; edges referencing
// them are filtered when relationship rows are built.
func (s *Syncer) expandSupers(ctx context.Context, p *pass) error {
	unexpanded := make(map[string][]Instance)
	for typeName, byID := range p.instances {
		for _, obj := range byID {
			unexpanded[typeName] = append(unexpanded[typeName], obj)
		}
	}

	for len(unexpanded) > 0 {
		discovered := make(map[string][]int64)

		names := make([]string, 0, len(unexpanded))
		for typeName := range unexpanded {
			names = append(names, typeName)
		}
		sort.Strings(names)

		for _, subType := range names {
			objs := unexpanded[subType]
			reg, err := s.registry.lookup(subType)
			if err != nil {
				return err
			}
			supers, err := reg.config.SuperEntities(ctx, objs, p.syncAll)
			if err != nil {
				return err
			}
			for superType, pairs := range supers {
				if _, err := s.registry.lookup(superType); err != nil {
					return err
				}
				byType := p.edges[subType]
				if byType == nil {
					byType = make(map[string][]Edge)
					p.edges[subType] = byType
				}
				byType[superType] = append(byType[superType], pairs...)

				for _, pair := range pairs {
					if _, ok := p.instances[subType][pair.SubID]; !ok {
						discovered[subType] = append(discovered[subType], pair.SubID)
					}
					if _, ok := p.instances[superType][pair.SuperID]; !ok {
						discovered[superType] = append(discovered[superType], pair.SuperID)
					}
				}
			}
		}

		if len(discovered) == 0 {
			return nil
		}

		before := snapshotIDs(p.instances)
		if err := s.fetchInto(ctx, p, discovered); err != nil {
			return err
		}

		unexpanded = make(map[string][]Instance)
		for typeName, byID := range p.instances {
			for id, obj := range byID {
				if _, ok := before[typeName][id]; !ok {
					unexpanded[typeName] = append(unexpanded[typeName], obj)
				}
			}
		}
	}
	return nil
}

// fetchInto fetches the given ids per type through each type's source and
// merges them into the pass instance set. Ids the source no longer returns
// are silently dropped.
func (s *Syncer) fetchInto(ctx context.Context, p *pass, wanted map[string][]int64) error {
	names := make([]string, 0, len(wanted))
	for typeName := range wanted {
		names = append(names, typeName)
	}
	sort.Strings(names)

	results := make(map[string][]Instance, len(names))
	var mu sync.Mutex
	fetch := func(ctx context.Context, typeName string) error {
		reg, err := s.registry.lookup(typeName)
		if err != nil {
			return err
		}
		ids := dedupeIDs(wanted[typeName])
		objs, err := reg.source.FetchByIDs(ctx, ids)
		if err != nil {
			return err
		}
		mu.Lock()
		results[typeName] = objs
		mu.Unlock()
		return nil
	}
	if err := s.forEachType(ctx, names, fetch); err != nil {
		return err
	}

	for typeName, objs := range results {
		byID := p.instances[typeName]
		if byID == nil {
			byID = make(map[int64]Instance, len(objs))
			p.instances[typeName] = byID
		}
		for _, obj := range objs {
			byID[obj.InstanceID()] = obj
		}
	}
	return nil
}

// forEachType runs fn per type name, in parallel when a fetch pool is
// configured.
func (s *Syncer) forEachType(ctx context.Context, names []string, fn func(ctx context.Context, typeName string) error) error {
	if s.pool == nil || len(names) < 2 {
		for _, name := range names {
			if err := fn(ctx, name); err != nil {
				return err
			}
		}
		return nil
	}
	return worker.Map(ctx, s.pool, names, fn)
}

func (s *Syncer) resolveKinds(ctx context.Context, p *pass) (map[string]Kind, error) {
	var tuples []KindTuple
	seen := make(map[string]struct{})
	for typeName, byID := range p.instances {
		reg, err := s.registry.lookup(typeName)
		if err != nil {
			return nil, err
		}
		for _, obj := range byID {
			t := reg.config.EntityKind(obj)
			if _, ok := seen[t.Name]; ok {
				continue
			}
			seen[t.Name] = struct{}{}
			tuples = append(tuples, t)
		}
	}
	return resolveKindTuples(ctx, s.store, tuples)
}

// buildEntities materializes the mirror rows for every instance in the
// closed set. It also reports which refs resolved inactive, which the
// DropInactiveEdges policy consults when building relationship rows.
func (s *Syncer) buildEntities(p *pass, kinds map[string]Kind) ([]Entity, map[Ref]bool, error) {
	var rows []Entity
	inactive := make(map[Ref]bool)
	for typeName, byID := range p.instances {
		reg, err := s.registry.lookup(typeName)
		if err != nil {
			return nil, nil, err
		}
		for id, obj := range byID {
			tuple := reg.config.EntityKind(obj)
			meta, err := reg.config.Meta(obj)
			if err != nil {
				return nil, nil, err
			}
			active := reg.config.IsActive(obj)
			if !active {
				inactive[Ref{Type: typeName, ID: id}] = true
			}
			rows = append(rows, Entity{
				EntityType:  typeName,
				EntityID:    id,
				KindID:      kinds[tuple.Name].ID,
				DisplayName: reg.config.DisplayName(obj),
				Meta:        meta,
				IsActive:    active,
			})
		}
	}
	return rows, inactive, nil
}

func (s *Syncer) syncRelationships(ctx context.Context, p *pass, result *EntityUpsertResult, inactiveSupers map[Ref]bool) (*RelationshipSyncResult, error) {
	var edges []Relationship
	for subType, byType := range p.edges {
		for superType, pairs := range byType {
			for _, pair := range pairs {
				subRef := Ref{Type: subType, ID: pair.SubID}
				superRef := Ref{Type: superType, ID: pair.SuperID}
				sub, ok := result.ByRef[subRef]
				if !ok {
					continue // sub vanished before the fetch phase
				}
				super, ok := result.ByRef[superRef]
				if !ok {
					continue // super vanished before the fetch phase
				}
				if s.policy == DropInactiveEdges && inactiveSupers[superRef] {
					continue
				}
				edges = append(edges, Relationship{
					SubEntityID:   sub.ID,
					SuperEntityID: super.ID,
				})
			}
		}
	}

	// Partial syncs only prune edges whose sub entity was explicitly
	// requested; edges of unrelated entities are never touched.
	var scope []int64
	if !p.syncAll {
		for ref := range p.requested {
			if e, ok := result.ByRef[ref]; ok {
				scope = append(scope, e.ID)
			}
		}
		sort.Slice(scope, func(i, j int) bool { return scope[i] < scope[j] })
	}

	return s.store.SyncRelationships(ctx, edges, scope, p.syncAll)
}

// emitActivationEvents diffs pre/post active flags and dispatches one batch
// event for the newly active ids and one for the newly inactive ids.
func (s *Syncer) emitActivationEvents(ctx context.Context, p *pass, rows []Entity, result *EntityUpsertResult) error {
	var activated, deactivated []int64
	for _, row := range rows {
		ref := Ref{Type: row.EntityType, ID: row.EntityID}
		after, ok := result.ByRef[ref]
		if !ok {
			continue
		}
		wasActive, existed := result.PrevActive[ref]
		switch {
		case after.IsActive && (!existed || !wasActive):
			activated = append(activated, after.ID)
		case !after.IsActive && existed && wasActive:
			deactivated = append(deactivated, after.ID)
		}
	}
	deactivated = append(deactivated, result.DeactivatedIDs...)

	var firstErr error
	if len(activated) > 0 {
		sort.Slice(activated, func(i, j int) bool { return activated[i] < activated[j] })
		event := newActivationEvent(senderName, p.id, p.syncAll, true, activated)
		if err := s.dispatcher.Dispatch(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(deactivated) > 0 {
		sort.Slice(deactivated, func(i, j int) bool { return deactivated[i] < deactivated[j] })
		event := newActivationEvent(senderName, p.id, p.syncAll, false, deactivated)
		if err := s.dispatcher.Dispatch(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func snapshotIDs(instances map[string]map[int64]Instance) map[string]map[int64]struct{} {
	out := make(map[string]map[int64]struct{}, len(instances))
	for typeName, byID := range instances {
		ids := make(map[int64]struct{}, len(byID))
		for id := range byID {
			ids[id] = struct{}{}
		}
		out[typeName] = ids
	}
	return out
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
