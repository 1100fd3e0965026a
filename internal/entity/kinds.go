package entity

import (
	"context"
	"sort"
)

// resolveKindTuples resolves kind tuples to durable kind rows, creating or
// updating rows as needed. Tuples are deduplicated by name; the last display
// name wins.
//
// Resolution is two-phase. Kinds whose (name, display_name) already match an
// existing row are taken from a read-only probe, so stable kinds never take
// a write lock. Only the missing or renamed remainder goes through the
// batched upsert.
func resolveKindTuples(ctx context.Context, store SyncStore, tuples []KindTuple) (map[string]Kind, error) {
	pending := make(map[string]KindTuple, len(tuples))
	for _, t := range tuples {
		pending[t.Name] = t
	}

	out := make(map[string]Kind, len(pending))
	if len(pending) > 0 {
		unchanged, err := store.UnchangedKinds(ctx, sortedTuples(pending))
		if err != nil {
			return nil, err
		}
		for name, kind := range unchanged {
			out[name] = kind
			delete(pending, name)
		}
	}

	if len(pending) > 0 {
		upserted, err := store.UpsertKinds(ctx, sortedTuples(pending))
		if err != nil {
			return nil, err
		}
		for name, kind := range upserted {
			out[name] = kind
		}
	}
	return out, nil
}

func sortedTuples(m map[string]KindTuple) []KindTuple {
	out := make([]KindTuple, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
