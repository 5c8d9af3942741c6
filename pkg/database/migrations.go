package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreateGINIndexes creates the GIN trigram indexes that back the fuzzy
// lookup tiers of C5 (unit alias resolution) and C6 (analyte label
// matching). These rely on pg_trgm's gin_trgm_ops operator class, which
// Ent's schema DSL has no way to express, so they're applied as raw SQL
// once migrations have created the underlying tables.
func CreateGINIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE INDEX IF NOT EXISTS idx_analyte_aliases_alias_trgm
			ON analyte_aliases USING gin (alias gin_trgm_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_lab_results_parameter_name_trgm
			ON lab_results USING gin (parameter_name gin_trgm_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_unit_aliases_alias_trgm
			ON unit_aliases USING gin (alias gin_trgm_ops)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply trigram index statement: %w", err)
		}
	}

	return nil
}
