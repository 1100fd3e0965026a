package store

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// ApplySchema creates the mirror tables if they do not exist. Idempotent;
// safe to run at every startup.
func ApplySchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying entity schema: %w", err)
	}
	return nil
}
