package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGroupStore serves canned membership and kind-index data, recording how
// many queries each evaluation cost.
type fakeGroupStore struct {
	memberships map[int64][]Membership
	byKind      map[int64][]int64          // kind id -> entity ids
	subsByKind  map[int64]map[int64][]int64 // kind id -> super id -> sub ids

	entitiesOfKindsCalls    int
	subEntitiesOfKindsCalls int
}

func (f *fakeGroupStore) GroupMemberships(_ context.Context, groupIDs []int64, _ *bool) (map[int64][]Membership, error) {
	out := make(map[int64][]Membership)
	for _, id := range groupIDs {
		if rows, ok := f.memberships[id]; ok {
			out[id] = rows
		}
	}
	return out, nil
}

func (f *fakeGroupStore) EntitiesOfKinds(_ context.Context, kindIDs []int64, _ *bool) ([]KindEntity, error) {
	f.entitiesOfKindsCalls++
	var out []KindEntity
	for _, kindID := range kindIDs {
		for _, id := range f.byKind[kindID] {
			out = append(out, KindEntity{EntityID: id, KindID: kindID})
		}
	}
	return out, nil
}

func (f *fakeGroupStore) SubEntitiesOfKinds(_ context.Context, superIDs, kindIDs []int64, _ *bool) ([]KindSubEntity, error) {
	f.subEntitiesOfKindsCalls++
	var out []KindSubEntity
	for _, kindID := range kindIDs {
		for _, superID := range superIDs {
			for _, subID := range f.subsByKind[kindID][superID] {
				out = append(out, KindSubEntity{SuperID: superID, SubID: subID, SubKindID: kindID})
			}
		}
	}
	return out, nil
}

func int64p(v int64) *int64 { return &v }

func TestGroupEvaluatorThreeShapes(t *testing.T) {
	// Kind 1 = account, kind 2 = team. Entities 10,11,12 are accounts;
	// entity 20 is a team with accounts 10 and 11 under it.
	store := &fakeGroupStore{
		memberships: map[int64][]Membership{
			1: {{GroupID: 1, EntityID: int64p(12)}},                      // the entity itself
			2: {{GroupID: 2, KindID: int64p(1)}},                         // all accounts
			3: {{GroupID: 3, EntityID: int64p(20), KindID: int64p(1)}},   // accounts under team 20
		},
		byKind: map[int64][]int64{1: {10, 11, 12}},
		subsByKind: map[int64]map[int64][]int64{
			1: {20: {10, 11}},
		},
	}
	g := NewGroupEvaluator(store)
	ctx := context.Background()

	ids, err := g.AllEntityIDs(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, ids)

	ids, err = g.AllEntityIDs(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, ids)

	ids, err = g.AllEntityIDs(ctx, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, ids)
}

func TestGroupEvaluatorDeduplicatesAcrossShapes(t *testing.T) {
	store := &fakeGroupStore{
		memberships: map[int64][]Membership{
			1: {
				{GroupID: 1, EntityID: int64p(10)},
				{GroupID: 1, KindID: int64p(1)},
			},
		},
		byKind: map[int64][]int64{1: {10, 11}},
	}
	g := NewGroupEvaluator(store)

	ids, err := g.AllEntityIDs(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, ids, "entity 10 appears once despite matching two rules")
}

func TestGroupEvaluatorSharedIndexBoundsQueries(t *testing.T) {
	// Ten groups all referencing the same kind must cost one kind query,
	// not ten.
	memberships := make(map[int64][]Membership)
	groupIDs := make([]int64, 0, 10)
	for i := int64(1); i <= 10; i++ {
		memberships[i] = []Membership{{GroupID: i, KindID: int64p(1)}}
		groupIDs = append(groupIDs, i)
	}
	store := &fakeGroupStore{
		memberships: memberships,
		byKind:      map[int64][]int64{1: {10, 11}},
	}
	g := NewGroupEvaluator(store)
	ctx := context.Background()

	cache, err := g.MembershipCache(ctx, groupIDs, nil)
	require.NoError(t, err)
	index, err := g.BuildEntitiesByKind(ctx, cache, nil)
	require.NoError(t, err)

	for _, id := range groupIDs {
		assert.Equal(t, []int64{10, 11}, g.EntityIDs(id, cache, index))
	}
	assert.Equal(t, 1, store.entitiesOfKindsCalls)
	assert.Equal(t, 0, store.subEntitiesOfKindsCalls)
}

func TestGroupEvaluatorUnknownGroupIsEmpty(t *testing.T) {
	g := NewGroupEvaluator(&fakeGroupStore{memberships: map[int64][]Membership{}})
	ids, err := g.AllEntityIDs(context.Background(), 99, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGroupEvaluatorEmptySuperExpansion(t *testing.T) {
	// A kind-under-entity rule whose super has no subs of that kind
	// resolves to nothing, not an error.
	store := &fakeGroupStore{
		memberships: map[int64][]Membership{
			1: {{GroupID: 1, EntityID: int64p(20), KindID: int64p(2)}},
		},
		subsByKind: map[int64]map[int64][]int64{},
	}
	g := NewGroupEvaluator(store)
	ids, err := g.AllEntityIDs(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
