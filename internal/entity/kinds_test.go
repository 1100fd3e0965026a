package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKindTuplesUnchangedKindsSkipUpsert(t *testing.T) {
	store := newFakeSyncStore()
	ctx := context.Background()

	// Seed the store with a kind whose tuple already matches.
	_, err := store.UpsertKinds(ctx, []KindTuple{{Name: "account", DisplayName: "Account"}})
	require.NoError(t, err)
	store.upsertKindCalls = 0

	kinds, err := resolveKindTuples(ctx, store, []KindTuple{{Name: "account", DisplayName: "Account"}})
	require.NoError(t, err)
	require.Contains(t, kinds, "account")
	assert.Equal(t, 1, store.unchangedCalls)
	assert.Equal(t, 0, store.upsertKindCalls, "matching kinds must not reach the upsert")
}

func TestResolveKindTuplesUpsertsNewAndRenamed(t *testing.T) {
	store := newFakeSyncStore()
	ctx := context.Background()

	_, err := store.UpsertKinds(ctx, []KindTuple{{Name: "account", DisplayName: "Old Name"}})
	require.NoError(t, err)
	store.upsertKindCalls = 0

	kinds, err := resolveKindTuples(ctx, store, []KindTuple{
		{Name: "account", DisplayName: "Account"}, // renamed
		{Name: "team", DisplayName: "Team"},       // new
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.upsertKindCalls)
	assert.Equal(t, "Account", kinds["account"].DisplayName)
	assert.Equal(t, "Team", kinds["team"].DisplayName)
	assert.NotZero(t, kinds["team"].ID)
}

func TestResolveKindTuplesDedupesByName(t *testing.T) {
	store := newFakeSyncStore()

	kinds, err := resolveKindTuples(context.Background(), store, []KindTuple{
		{Name: "account", DisplayName: "Account"},
		{Name: "account", DisplayName: "Account"},
		{Name: "account", DisplayName: "Account"},
	})
	require.NoError(t, err)
	assert.Len(t, kinds, 1)
	assert.Equal(t, 1, store.upsertKindCalls)
}

func TestResolveKindTuplesLastDisplayNameWins(t *testing.T) {
	store := newFakeSyncStore()

	kinds, err := resolveKindTuples(context.Background(), store, []KindTuple{
		{Name: "account", DisplayName: "First"},
		{Name: "account", DisplayName: "Second"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Second", kinds["account"].DisplayName)
}

func TestResolveKindTuplesEmptyInput(t *testing.T) {
	store := newFakeSyncStore()

	kinds, err := resolveKindTuples(context.Background(), store, nil)
	require.NoError(t, err)
	assert.Empty(t, kinds)
	assert.Equal(t, 0, store.unchangedCalls)
	assert.Equal(t, 0, store.upsertKindCalls)
}
