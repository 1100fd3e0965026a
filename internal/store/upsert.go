// Package store is the pgx-backed persistence gateway for the entity
// mirror. It owns the batched ON CONFLICT upsert primitive, the
// row-locking and retry discipline around each sync phase, and the read
// queries the group evaluator and API surface use. Nothing else in the
// repository writes to the mirror tables.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// conflictAction selects what the upsert statement does on a unique-key hit.
type conflictAction int

const (
	// actionUpdate rewrites the update columns from EXCLUDED.
	actionUpdate conflictAction = iota
	// actionNothing leaves the existing row untouched; conflicting rows are
	// not returned, which also means no write lock is taken on them.
	actionNothing
)

// upsertQuery describes one batched upsert statement. Columns exclude the
// surrogate id; created_at/updated_at are filled client-side by the caller
// so returned rows are fully materialized.
type upsertQuery struct {
	table   string
	columns []string
	unique  []string
	update  []string
	action  conflictAction

	// ignoreUnchanged skips the update (and its row lock) when the proposed
	// update-column values equal the current ones. A contention
	// optimization only: unchanged rows are then absent from RETURNING, so
	// callers needing every row back must not set it.
	ignoreUnchanged bool
}

// sql renders the statement for n submitted rows. The RETURNING clause
// reports per row whether it was an insert via the xmax system column: a
// freshly inserted row has xmax = 0, an updated one carries the replaced
// row's transaction id.
func (q upsertQuery) sql(n int) string {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(q.table))
	b.WriteString(" AS t (")
	for i, col := range q.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(col))
	}
	b.WriteString(") VALUES ")

	arg := 1
	for row := 0; row < n; row++ {
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i := range q.columns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
	}

	b.WriteString(" ON CONFLICT (")
	for i, col := range q.unique {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(col))
	}
	b.WriteString(") ")

	if q.action == actionNothing {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		for i, col := range q.update {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col))
		}
		if q.ignoreUnchanged {
			b.WriteString(" WHERE (")
			for i, col := range q.update {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "t.%s", quoteIdent(col))
			}
			b.WriteString(") IS DISTINCT FROM (")
			for i, col := range q.update {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "EXCLUDED.%s", quoteIdent(col))
			}
			b.WriteString(")")
		}
	}

	b.WriteString(" RETURNING *, (xmax = 0) AS inserted")
	return b.String()
}

// runUpsert sorts and dedupes rows by their unique-key tuple, executes the
// statement, and collects the returned rows into T. Sorting is not
// cosmetic: concurrent upserts over overlapping keys acquire their row locks
// in the same order, which is what keeps them from deadlocking.
func runUpsert[T any](ctx context.Context, tx pgx.Tx, q upsertQuery, rows [][]any) ([]T, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	keyIdx, err := columnIndexes(q.columns, q.unique)
	if err != nil {
		return nil, err
	}
	rows = sortAndDedupeRows(rows, keyIdx)

	args := make([]any, 0, len(rows)*len(q.columns))
	for _, row := range rows {
		if len(row) != len(q.columns) {
			return nil, fmt.Errorf("upsert %s: row has %d values, want %d", q.table, len(row), len(q.columns))
		}
		args = append(args, row...)
	}

	result, err := tx.Query(ctx, q.sql(len(rows)), args...)
	if err != nil {
		return nil, err
	}
	collected, err := pgx.CollectRows(result, pgx.RowToStructByNameLax[T])
	if err != nil {
		return nil, err
	}
	return collected, nil
}

// columnIndexes maps the unique columns to their positions in the column
// list.
func columnIndexes(columns, wanted []string) ([]int, error) {
	idx := make([]int, 0, len(wanted))
	for _, w := range wanted {
		found := -1
		for i, col := range columns {
			if col == w {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("unique column %q not in column list", w)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

// sortAndDedupeRows orders rows by their key tuple and keeps the last
// occurrence of each key, matching map-overwrite semantics for duplicate
// submissions.
func sortAndDedupeRows(rows [][]any, keyIdx []int) [][]any {
	sorted := make([][]any, len(rows))
	copy(sorted, rows)

	less := func(a, b []any) int {
		for _, i := range keyIdx {
			if c := compareValues(a[i], b[i]); c != 0 {
				return c
			}
		}
		return 0
	}
	// Stable so "last occurrence wins" is well defined for equal keys.
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) < 0 })

	out := sorted[:0]
	for i := 0; i < len(sorted); i++ {
		if i+1 < len(sorted) && less(sorted[i], sorted[i+1]) == 0 {
			continue
		}
		out = append(out, sorted[i])
	}
	return out
}

// compareValues orders the value types unique keys are made of.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		bv := b.(string)
		return strings.Compare(av, bv)
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case int:
		return compareValues(int64(av), int64(b.(int)))
	case time.Time:
		return av.Compare(b.(time.Time))
	case bool:
		bv := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
		return 0
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
