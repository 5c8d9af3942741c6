// Package catalog implements C2: the shared database capability surface
// that C5/C6/C8 build on — user-scoped transactions, trigram similarity
// lookups, and the advisory-lock primitive used by the unit normalizer's
// auto-learn step.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/labctl/labctl/pkg/identity"
)

// Store wraps a *sql.DB with the capabilities C2 exposes to the rest of
// the system.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithUserTransaction binds app.current_user_id to principal for the
// scope of fn. Thin pass-through to pkg/identity so callers only need to
// import pkg/catalog.
func (s *Store) WithUserTransaction(ctx context.Context, principal identity.Principal, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return identity.WithUserTransaction(ctx, s.db, principal, fn)
}

// AliasCandidate is one row returned by a trigram similarity search.
type AliasCandidate struct {
	AnalyteID string
	Alias     string
	Similarity float64
}

// SimilarAnalyteAliases returns up to limit analyte_aliases rows whose
// alias is trigram-similar to term, ordered by similarity descending.
// Grounded in spec.md §4.2's "(parameter_name), (analyte_aliases.alias)"
// trigram indexes.
func (s *Store) SimilarAnalyteAliases(ctx context.Context, tx *sql.Tx, term string, limit int) ([]AliasCandidate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT analyte_id, alias, similarity(alias, $1) AS sim
		FROM analyte_aliases
		WHERE alias % $1
		ORDER BY sim DESC
		LIMIT $2`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: similar analyte aliases: %w", err)
	}
	defer rows.Close()

	var out []AliasCandidate
	for rows.Next() {
		var c AliasCandidate
		if err := rows.Scan(&c.AnalyteID, &c.Alias, &c.Similarity); err != nil {
			return nil, fmt.Errorf("catalog: scan alias candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ParameterNameCandidate is one row returned by a trigram search over
// previously observed raw parameter labels.
type ParameterNameCandidate struct {
	ParameterName string
	Similarity    float64
}

// SimilarParameterNames supports the C8 fuzzy_search_parameter_names
// tool, scoped to whatever rows the caller's transaction can see (i.e.
// under RLS, the acting user's own lab_results).
func (s *Store) SimilarParameterNames(ctx context.Context, tx *sql.Tx, term string, limit int) ([]ParameterNameCandidate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT parameter_name, similarity(parameter_name, $1) AS sim
		FROM lab_results
		WHERE parameter_name % $1
		ORDER BY sim DESC
		LIMIT $2`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: similar parameter names: %w", err)
	}
	defer rows.Close()

	var out []ParameterNameCandidate
	for rows.Next() {
		var c ParameterNameCandidate
		if err := rows.Scan(&c.ParameterName, &c.Similarity); err != nil {
			return nil, fmt.Errorf("catalog: scan parameter name candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HashKey reduces an arbitrary string to the 32-bit key the advisory
// lock primitive and C5's auto-learn step key on. FNV-1a gives a stable,
// allocation-free hash with a low collision rate for this volume of
// distinct unit/alias strings.
func HashKey(s string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int32(h.Sum32())
}

// WithAdvisoryLock acquires a transaction-scoped Postgres advisory lock
// keyed by HashKey(key) inside tx, runs fn, and leaves the release to
// tx's commit or rollback — the try/finally discipline spec.md §5
// requires so a lock can never outlive the transaction that took it.
func (s *Store) WithAdvisoryLock(ctx context.Context, tx *sql.Tx, key string, fn func(ctx context.Context) error) error {
	lockKey := HashKey(key)

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("catalog: acquire advisory lock: %w", err)
	}

	// pg_advisory_xact_lock releases automatically at transaction end
	// (commit or rollback), so there is no separate unlock call — this
	// is the "finally" in the try/finally discipline, not an omission.
	return fn(ctx)
}
