package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "entity-mirror.io/entity/internal/pkg/errors"
)

// fakeSyncStore is an in-memory SyncStore honoring the same contract as the
// pgx implementation: keyed upserts, prev-active capture, scoped pruning.
type fakeSyncStore struct {
	mu sync.Mutex

	kinds        map[string]Kind
	entities     map[Ref]Entity
	rels         map[[2]int64]struct{}
	nextKindID   int64
	nextEntityID int64

	unchangedCalls  int
	upsertKindCalls int
	lastScope       []int64

	failUpsertEntities error
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		kinds:    make(map[string]Kind),
		entities: make(map[Ref]Entity),
		rels:     make(map[[2]int64]struct{}),
	}
}

func (f *fakeSyncStore) UnchangedKinds(_ context.Context, tuples []KindTuple) (map[string]Kind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unchangedCalls++
	out := make(map[string]Kind)
	for _, t := range tuples {
		if k, ok := f.kinds[t.Name]; ok && k.DisplayName == t.DisplayName {
			out[t.Name] = k
		}
	}
	return out, nil
}

func (f *fakeSyncStore) UpsertKinds(_ context.Context, tuples []KindTuple) (map[string]Kind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertKindCalls++
	out := make(map[string]Kind)
	for _, t := range tuples {
		k, ok := f.kinds[t.Name]
		if !ok {
			f.nextKindID++
			k = Kind{ID: f.nextKindID, Name: t.Name, IsActive: true}
		}
		k.DisplayName = t.DisplayName
		f.kinds[t.Name] = k
		out[t.Name] = k
	}
	return out, nil
}

func (f *fakeSyncStore) UpsertEntities(_ context.Context, rows []Entity, syncAll bool) (*EntityUpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsertEntities != nil {
		return nil, f.failUpsertEntities
	}

	result := &EntityUpsertResult{
		ByRef:      make(map[Ref]Entity),
		PrevActive: make(map[Ref]bool),
	}
	submitted := make(map[Ref]struct{})
	for _, row := range rows {
		ref := Ref{Type: row.EntityType, ID: row.EntityID}
		submitted[ref] = struct{}{}
		existing, ok := f.entities[ref]
		if ok {
			result.PrevActive[ref] = existing.IsActive
			row.ID = existing.ID
			result.UpdatedIDs = append(result.UpdatedIDs, row.ID)
		} else {
			f.nextEntityID++
			row.ID = f.nextEntityID
			result.CreatedIDs = append(result.CreatedIDs, row.ID)
		}
		f.entities[ref] = row
		result.ByRef[ref] = row
	}

	if syncAll {
		for ref, e := range f.entities {
			if _, ok := submitted[ref]; ok {
				continue
			}
			if e.IsActive {
				e.IsActive = false
				f.entities[ref] = e
				result.DeactivatedIDs = append(result.DeactivatedIDs, e.ID)
			}
		}
	}
	return result, nil
}

func (f *fakeSyncStore) SyncRelationships(_ context.Context, edges []Relationship, scopeSubIDs []int64, syncAll bool) (*RelationshipSyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastScope = append([]int64(nil), scopeSubIDs...)

	submitted := make(map[[2]int64]struct{}, len(edges))
	result := &RelationshipSyncResult{}
	for _, e := range edges {
		key := [2]int64{e.SubEntityID, e.SuperEntityID}
		submitted[key] = struct{}{}
		if _, ok := f.rels[key]; !ok {
			f.rels[key] = struct{}{}
			result.Created++
		}
	}

	inScope := func(subID int64) bool {
		if syncAll {
			return true
		}
		for _, id := range scopeSubIDs {
			if id == subID {
				return true
			}
		}
		return false
	}
	for key := range f.rels {
		if _, ok := submitted[key]; ok {
			continue
		}
		if inScope(key[0]) {
			delete(f.rels, key)
			result.Deleted++
		}
	}
	return result, nil
}

func (f *fakeSyncStore) entity(t *testing.T, ref Ref) Entity {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[ref]
	require.True(t, ok, "entity %s not in store", ref)
	return e
}

func (f *fakeSyncStore) relCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rels)
}

func (f *fakeSyncStore) hasRel(sub, super int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rels[[2]int64{sub, super}]
	return ok
}

// account belongs to zero or one team; the team is discovered through super
// expansion.
type account struct {
	id     int64
	email  string
	teamID int64 // 0 means no team
	active bool
}

func (a *account) InstanceID() int64 { return a.id }

type team struct {
	id     int64
	name   string
	active bool
}

func (t *team) InstanceID() int64 { return t.id }

type accountConfig struct{ BaseConfig }

func (accountConfig) EntityKind(Instance) KindTuple {
	return KindTuple{Name: "account", DisplayName: "Account"}
}

func (accountConfig) DisplayName(obj Instance) string { return obj.(*account).email }

func (accountConfig) Meta(obj Instance) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"email": obj.(*account).email})
}

func (accountConfig) IsActive(obj Instance) bool { return obj.(*account).active }

func (accountConfig) SuperEntities(_ context.Context, objs []Instance, _ bool) (map[string][]Edge, error) {
	var edges []Edge
	for _, obj := range objs {
		a := obj.(*account)
		if a.teamID != 0 {
			edges = append(edges, Edge{SubID: a.id, SuperID: a.teamID})
		}
	}
	if len(edges) == 0 {
		return nil, nil
	}
	return map[string][]Edge{"team": edges}, nil
}

type teamConfig struct{ BaseConfig }

func (teamConfig) EntityKind(Instance) KindTuple {
	return KindTuple{Name: "team", DisplayName: "Team"}
}

func (teamConfig) DisplayName(obj Instance) string { return obj.(*team).name }

func (teamConfig) IsActive(obj Instance) bool { return obj.(*team).active }

// memorySource serves instances from a mutable map, standing in for the
// host's database tables.
type memorySource struct {
	mu   sync.Mutex
	byID map[int64]Instance
}

func newMemorySource(objs ...Instance) *memorySource {
	s := &memorySource{byID: make(map[int64]Instance)}
	for _, obj := range objs {
		s.byID[obj.InstanceID()] = obj
	}
	return s
}

func (s *memorySource) put(obj Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[obj.InstanceID()] = obj
}

func (s *memorySource) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

func (s *memorySource) FetchAll(context.Context) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instance, 0, len(s.byID))
	for _, obj := range s.byID {
		out = append(out, obj)
	}
	return out, nil
}

func (s *memorySource) FetchByIDs(_ context.Context, ids []int64) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for _, id := range ids {
		if obj, ok := s.byID[id]; ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

type fixture struct {
	registry *Registry
	store    *fakeSyncStore
	syncer   *Syncer
	accounts *memorySource
	teams    *memorySource
}

func newFixture(t *testing.T, opts ...SyncerOption) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(),
		store:    newFakeSyncStore(),
		accounts: newMemorySource(),
		teams:    newMemorySource(),
	}
	require.NoError(t, f.registry.Register("account", accountConfig{}, f.accounts))
	require.NoError(t, f.registry.Register("team", teamConfig{}, f.teams))
	f.syncer = NewSyncer(f.registry, f.store, opts...)
	return f
}

func TestSyncTargetedPullsInSupers(t *testing.T) {
	f := newFixture(t)
	f.teams.put(&team{id: 7, name: "SRE", active: true})
	f.accounts.put(&account{id: 1, email: "a@x.io", teamID: 7, active: true})
	f.accounts.put(&account{id: 2, email: "b@x.io", teamID: 7, active: true})

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx, Ref{Type: "account", ID: 1}, Ref{Type: "account", ID: 2}))

	a1 := f.store.entity(t, Ref{Type: "account", ID: 1})
	a2 := f.store.entity(t, Ref{Type: "account", ID: 2})
	tm := f.store.entity(t, Ref{Type: "team", ID: 7})

	assert.Equal(t, "a@x.io", a1.DisplayName)
	assert.JSONEq(t, `{"email":"a@x.io"}`, string(a1.Meta))
	assert.True(t, tm.IsActive)

	// Both accounts point at the team; the team, never requested, was
	// synced anyway because an edge named it.
	assert.True(t, f.store.hasRel(a1.ID, tm.ID))
	assert.True(t, f.store.hasRel(a2.ID, tm.ID))
	assert.Equal(t, 2, f.store.relCount())

	// Account and team kinds share ids across rows of the same kind.
	assert.Equal(t, a1.KindID, a2.KindID)
	assert.NotEqual(t, a1.KindID, tm.KindID)
}

func TestSyncFullPrunesVanishedEntities(t *testing.T) {
	f := newFixture(t)
	f.teams.put(&team{id: 7, name: "SRE", active: true})
	f.accounts.put(&account{id: 1, email: "a@x.io", teamID: 7, active: true})
	f.accounts.put(&account{id: 2, email: "b@x.io", teamID: 7, active: true})

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx))
	assert.Equal(t, 2, f.store.relCount())

	// Account 2 disappears from the source.
	f.accounts.remove(2)
	require.NoError(t, f.syncer.Sync(ctx))

	a2 := f.store.entity(t, Ref{Type: "account", ID: 2})
	assert.False(t, a2.IsActive, "vanished account should be deactivated")
	assert.Equal(t, 1, f.store.relCount(), "stale edge should be pruned")

	a1 := f.store.entity(t, Ref{Type: "account", ID: 1})
	assert.True(t, a1.IsActive)
}

func TestSyncTargetedScopeLeavesOtherEdgesAlone(t *testing.T) {
	f := newFixture(t)
	f.teams.put(&team{id: 7, name: "SRE", active: true})
	f.accounts.put(&account{id: 1, email: "a@x.io", teamID: 7, active: true})
	f.accounts.put(&account{id: 2, email: "b@x.io", teamID: 7, active: true})

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx))

	// Account 1 leaves the team; a targeted sync of account 1 must prune
	// its edge but never touch account 2's.
	f.accounts.put(&account{id: 1, email: "a@x.io", teamID: 0, active: true})
	require.NoError(t, f.syncer.Sync(ctx, Ref{Type: "account", ID: 1}))

	a1 := f.store.entity(t, Ref{Type: "account", ID: 1})
	a2 := f.store.entity(t, Ref{Type: "account", ID: 2})
	tm := f.store.entity(t, Ref{Type: "team", ID: 7})
	assert.False(t, f.store.hasRel(a1.ID, tm.ID))
	assert.True(t, f.store.hasRel(a2.ID, tm.ID))
	assert.Equal(t, []int64{a1.ID}, f.store.lastScope)
}

func TestSyncVanishedRefIsNotAnError(t *testing.T) {
	f := newFixture(t)

	// Ref 99 does not exist; the source returns nothing for it.
	err := f.syncer.Sync(context.Background(), Ref{Type: "account", ID: 99})
	require.NoError(t, err)
	assert.Empty(t, f.store.entities)
}

func TestSyncUnregisteredTypeFails(t *testing.T) {
	f := newFixture(t)

	err := f.syncer.Sync(context.Background(), Ref{Type: "ghost", ID: 1})
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "ENTITY_NOT_REGISTERED", appErr.Code)
}

func TestSyncEdgeToVanishedSuperIsSkipped(t *testing.T) {
	f := newFixture(t)
	// Account 1 claims team 7, but team 7 does not exist in the source.
	f.accounts.put(&account{id: 1, email: "a@x.io", teamID: 7, active: true})

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx, Ref{Type: "account", ID: 1}))

	f.store.entity(t, Ref{Type: "account", ID: 1})
	assert.Equal(t, 0, f.store.relCount())
}

func TestSyncDropInactiveEdgesPolicy(t *testing.T) {
	f := newFixture(t, WithRelationshipPolicy(DropInactiveEdges))
	f.teams.put(&team{id: 7, name: "SRE", active: false})
	f.accounts.put(&account{id: 1, email: "a@x.io", teamID: 7, active: true})

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx, Ref{Type: "account", ID: 1}))

	tm := f.store.entity(t, Ref{Type: "team", ID: 7})
	assert.False(t, tm.IsActive)
	assert.Equal(t, 0, f.store.relCount(), "edge to inactive super should be dropped")
}

func TestSyncKeepInactiveEdgesDefault(t *testing.T) {
	f := newFixture(t)
	f.teams.put(&team{id: 7, name: "SRE", active: false})
	f.accounts.put(&account{id: 1, email: "a@x.io", teamID: 7, active: true})

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx, Ref{Type: "account", ID: 1}))

	assert.Equal(t, 1, f.store.relCount(), "default policy keeps edges to inactive supers")
}

func TestSyncActivationEvents(t *testing.T) {
	f := newFixture(t)
	f.accounts.put(&account{id: 1, email: "a@x.io", active: true})
	f.accounts.put(&account{id: 2, email: "b@x.io", active: true})

	var mu sync.Mutex
	var events []*ActivationEvent
	handler := func(_ context.Context, e *ActivationEvent) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	}
	f.syncer.Dispatcher().Register(EventEntitiesActivated, handler)
	f.syncer.Dispatcher().Register(EventEntitiesDeactivated, handler)

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx))

	require.Len(t, events, 1)
	assert.Equal(t, EventEntitiesActivated, events[0].EventType)
	assert.True(t, events[0].Active)
	assert.Len(t, events[0].EntityIDs, 2)
	assert.True(t, events[0].FullSync)
	assert.NotEmpty(t, events[0].EventID)
	assert.Equal(t, "entity.Syncer", events[0].Sender)

	// Second pass with no changes emits nothing.
	events = nil
	require.NoError(t, f.syncer.Sync(ctx))
	assert.Empty(t, events)

	// Deactivating one account emits a deactivation batch.
	f.accounts.put(&account{id: 2, email: "b@x.io", active: false})
	require.NoError(t, f.syncer.Sync(ctx))

	require.Len(t, events, 1)
	assert.Equal(t, EventEntitiesDeactivated, events[0].EventType)
	a2 := f.store.entity(t, Ref{Type: "account", ID: 2})
	assert.Equal(t, []int64{a2.ID}, events[0].EntityIDs)
}

func TestSyncPrunedEntitiesFeedDeactivationEvent(t *testing.T) {
	f := newFixture(t)
	f.accounts.put(&account{id: 1, email: "a@x.io", active: true})
	f.accounts.put(&account{id: 2, email: "b@x.io", active: true})

	var events []*ActivationEvent
	f.syncer.Dispatcher().Register(EventEntitiesDeactivated, func(_ context.Context, e *ActivationEvent) error {
		events = append(events, e)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, f.syncer.Sync(ctx))

	f.accounts.remove(2)
	require.NoError(t, f.syncer.Sync(ctx))

	a2 := f.store.entity(t, Ref{Type: "account", ID: 2})
	require.Len(t, events, 1)
	assert.Equal(t, []int64{a2.ID}, events[0].EntityIDs)
}

func TestSyncStoreErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.accounts.put(&account{id: 1, email: "a@x.io", active: true})
	f.store.failUpsertEntities = fmt.Errorf("connection reset")

	err := f.syncer.Sync(context.Background(), Ref{Type: "account", ID: 1})
	require.ErrorContains(t, err, "connection reset")
}

func TestSyncWatching(t *testing.T) {
	f := newFixture(t)
	f.accounts.put(&account{id: 1, email: "a@x.io", active: true})
	f.accounts.put(&account{id: 2, email: "b@x.io", active: true})

	// Changes to a "profile" row cascade to its two accounts. The profile
	// type itself is never registered as syncable.
	require.NoError(t, f.registry.RegisterWatcher("profile", func(_ context.Context, changedID int64) ([]Ref, error) {
		require.Equal(t, int64(5), changedID)
		return []Ref{{Type: "account", ID: 1}, {Type: "account", ID: 2}}, nil
	}))

	require.NoError(t, f.syncer.SyncWatching(context.Background(), Ref{Type: "profile", ID: 5}))
	assert.Len(t, f.store.entities, 2)
}

func TestSyncWatchingNoWatchersIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.syncer.SyncWatching(context.Background(), Ref{Type: "profile", ID: 5}))
	assert.Empty(t, f.store.entities)
}
