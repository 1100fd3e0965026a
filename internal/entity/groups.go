package entity

import (
	"context"
	"sort"
)

// KindIndex holds, for one kind, every entity id of the kind plus the sub
// entity ids of the kind grouped by super entity. Built once per evaluation
// and shared across groups so total query count is bounded by the number of
// distinct kinds, not the number of groups.
type KindIndex struct {
	All     []int64
	BySuper map[int64][]int64
}

// EntitiesByKind maps kind id to its index.
type EntitiesByKind map[int64]*KindIndex

// GroupEvaluator resolves group membership rules into concrete entity id
// sets. It is read-only set algebra over the mirror tables; the sync engine
// never touches groups.
type GroupEvaluator struct {
	store GroupStore
}

// NewGroupEvaluator creates an evaluator over a group store.
func NewGroupEvaluator(store GroupStore) *GroupEvaluator {
	return &GroupEvaluator{store: store}
}

// MembershipCache fetches the membership rows for the given groups (all
// groups when groupIDs is empty), honoring the tri-state active policy.
func (g *GroupEvaluator) MembershipCache(ctx context.Context, groupIDs []int64, isActive *bool) (map[int64][]Membership, error) {
	return g.store.GroupMemberships(ctx, groupIDs, isActive)
}

// BuildEntitiesByKind builds the shared kind index for a membership cache.
// Only kinds actually referenced by a membership are queried: one pass over
// the cache decides which kinds need an "all entities" list and which need
// per-super sub-entity lists.
func (g *GroupEvaluator) BuildEntitiesByKind(ctx context.Context, cache map[int64][]Membership, isActive *bool) (EntitiesByKind, error) {
	index := make(EntitiesByKind)
	var kindsWithAll, kindsWithSupers, superIDs []int64
	seenAll := make(map[int64]struct{})
	seenSuperKind := make(map[int64]struct{})
	seenSuper := make(map[int64]struct{})

	for _, memberships := range cache {
		for _, m := range memberships {
			if m.KindID == nil {
				continue
			}
			kindID := *m.KindID
			if _, ok := index[kindID]; !ok {
				index[kindID] = &KindIndex{BySuper: make(map[int64][]int64)}
			}
			if m.EntityID != nil {
				if _, ok := seenSuperKind[kindID]; !ok {
					seenSuperKind[kindID] = struct{}{}
					kindsWithSupers = append(kindsWithSupers, kindID)
				}
				if _, ok := seenSuper[*m.EntityID]; !ok {
					seenSuper[*m.EntityID] = struct{}{}
					superIDs = append(superIDs, *m.EntityID)
				}
				// Ensure the per-super list exists even when no sub
				// entities match, so evaluation distinguishes "empty"
				// from "unknown super".
				if _, ok := index[kindID].BySuper[*m.EntityID]; !ok {
					index[kindID].BySuper[*m.EntityID] = nil
				}
			} else {
				if _, ok := seenAll[kindID]; !ok {
					seenAll[kindID] = struct{}{}
					kindsWithAll = append(kindsWithAll, kindID)
				}
			}
		}
	}

	if len(kindsWithAll) > 0 {
		pairs, err := g.store.EntitiesOfKinds(ctx, kindsWithAll, isActive)
		if err != nil {
			return nil, err
		}
		for _, pair := range pairs {
			index[pair.KindID].All = append(index[pair.KindID].All, pair.EntityID)
		}
	}

	if len(kindsWithSupers) > 0 && len(superIDs) > 0 {
		triples, err := g.store.SubEntitiesOfKinds(ctx, superIDs, kindsWithSupers, isActive)
		if err != nil {
			return nil, err
		}
		for _, t := range triples {
			idx := index[t.SubKindID]
			idx.BySuper[t.SuperID] = append(idx.BySuper[t.SuperID], t.SubID)
		}
	}

	return index, nil
}

// EntityIDs evaluates one group's memberships against a prebuilt cache and
// kind index, returning the sorted set of entity ids the group resolves to.
func (g *GroupEvaluator) EntityIDs(groupID int64, cache map[int64][]Membership, index EntitiesByKind) []int64 {
	ids := make(map[int64]struct{})
	for _, m := range cache[groupID] {
		switch {
		case m.EntityID != nil && m.KindID == nil:
			// The entity itself.
			ids[*m.EntityID] = struct{}{}
		case m.EntityID == nil && m.KindID != nil:
			// All entities of the kind.
			if idx, ok := index[*m.KindID]; ok {
				for _, id := range idx.All {
					ids[id] = struct{}{}
				}
			}
		case m.EntityID != nil && m.KindID != nil:
			// All sub entities of the kind under the entity.
			if idx, ok := index[*m.KindID]; ok {
				for _, id := range idx.BySuper[*m.EntityID] {
					ids[id] = struct{}{}
				}
			}
		}
	}

	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllEntityIDs is the single-group convenience path: it builds the caches
// for one group and evaluates it. Callers resolving many groups should build
// the caches once via MembershipCache and BuildEntitiesByKind instead.
func (g *GroupEvaluator) AllEntityIDs(ctx context.Context, groupID int64, isActive *bool) ([]int64, error) {
	cache, err := g.MembershipCache(ctx, []int64{groupID}, isActive)
	if err != nil {
		return nil, err
	}
	index, err := g.BuildEntitiesByKind(ctx, cache, isActive)
	if err != nil {
		return nil, err
	}
	return g.EntityIDs(groupID, cache, index), nil
}
