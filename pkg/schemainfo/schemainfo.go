// Package schemainfo implements C4: an in-memory cache of the database's
// table/column/FK shape, invalidated by a NOTIFY invalidate_schema event,
// and the ranking function that trims it to a token budget for a given
// natural-language question.
package schemainfo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Column describes one column of a whitelisted table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// ForeignKey describes one outgoing foreign key.
type ForeignKey struct {
	Column          string
	ReferencedTable string
}

// Table describes one whitelisted table.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
}

// Snapshot is the cached shape of the database, plus its content hash.
type Snapshot struct {
	ID        string // sha256 of the sorted table/column manifest
	Tables    []Table
	FetchedAt time.Time
}

// commonColumns are suppressed from the TF overlap score — they appear in
// nearly every table and would otherwise dominate ranking regardless of
// the question's actual topic.
var commonColumns = map[string]bool{
	"id": true, "created_at": true, "updated_at": true, "user_id": true,
}

// entityAliases maps a handful of natural-language entity words to the
// tables they most likely refer to. Static, small, and meant to be
// extended as real questions reveal gaps.
var entityAliases = map[string][]string{
	"patient":  {"patients"},
	"report":   {"patient_reports"},
	"result":   {"lab_results"},
	"lab":      {"lab_results"},
	"analyte":  {"analytes", "analyte_aliases"},
	"unit":     {"unit_aliases"},
	"review":   {"match_reviews", "unit_reviews"},
	"session":  {"query_sessions", "sessions"},
}

// Cache holds the current Snapshot and an MRU ring of recently-ranked
// tables, refreshed on startup and on invalidate_schema.
type Cache struct {
	mu       sync.RWMutex
	snapshot Snapshot
	mru      []string
	ttl      time.Duration
	whitelist []string
}

// NewCache builds a Cache that only considers tables in whitelist, with
// cache entries considered stale after ttl.
func NewCache(ttl time.Duration, whitelist []string) *Cache {
	return &Cache{ttl: ttl, whitelist: whitelist}
}

// Refresh re-reads information_schema for the whitelisted tables,
// recomputes the snapshot id, and clears the MRU ring if the id changed.
func (c *Cache) Refresh(ctx context.Context, db *sql.DB) error {
	tables, err := loadTables(ctx, db, c.whitelist)
	if err != nil {
		return fmt.Errorf("schemainfo: load tables: %w", err)
	}

	id := snapshotID(tables)

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.snapshot.ID != id
	c.snapshot = Snapshot{ID: id, Tables: tables, FetchedAt: time.Now()}
	if changed {
		c.mru = nil
	}
	return nil
}

// Stale reports whether the cache should be refreshed based on its TTL.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.snapshot.FetchedAt) > c.ttl
}

// OnInvalidate should be wired to the invalidate_schema LISTEN handler;
// it forces Stale() to report true regardless of TTL.
func (c *Cache) OnInvalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.FetchedAt = time.Time{}
}

// Touch records that table was used in a ranked result, feeding the MRU
// bonus for future ranking calls.
func (c *Cache) touch(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.mru {
		if t == table {
			c.mru = append(c.mru[:i], c.mru[i+1:]...)
			break
		}
	}
	c.mru = append([]string{table}, c.mru...)
	if len(c.mru) > 16 {
		c.mru = c.mru[:16]
	}
}

func loadTables(ctx context.Context, db *sql.DB, whitelist []string) ([]Table, error) {
	placeholders := make([]string, len(whitelist))
	args := make([]any, len(whitelist))
	for i, name := range whitelist {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = name
	}

	colRows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name IN (%s)
		ORDER BY table_name, ordinal_position`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer colRows.Close()

	byTable := map[string]*Table{}
	var order []string
	for colRows.Next() {
		var tableName, colName, dataType, nullable string
		if err := colRows.Scan(&tableName, &colName, &dataType, &nullable); err != nil {
			return nil, err
		}
		t, ok := byTable[tableName]
		if !ok {
			t = &Table{Name: tableName}
			byTable[tableName] = t
			order = append(order, tableName)
		}
		t.Columns = append(t.Columns, Column{Name: colName, Type: dataType, Nullable: nullable == "YES"})
	}
	if err := colRows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tc.table_name, kcu.column_name, ccu.table_name AS referenced_table
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
		JOIN information_schema.constraint_column_usage ccu ON tc.constraint_name = ccu.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var tableName, column, referenced string
		if err := fkRows.Scan(&tableName, &column, &referenced); err != nil {
			return nil, err
		}
		if t, ok := byTable[tableName]; ok {
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{Column: column, ReferencedTable: referenced})
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	out := make([]Table, 0, len(order))
	for _, name := range order {
		out = append(out, *byTable[name])
	}
	return out, nil
}

// snapshotID hashes a canonical rendering of the manifest so identical
// shapes always produce the same id regardless of query result ordering.
func snapshotID(tables []Table) string {
	sorted := make([]Table, len(tables))
	copy(sorted, tables)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, t := range sorted {
		fmt.Fprintf(h, "table:%s\n", t.Name)
		cols := make([]Column, len(t.Columns))
		copy(cols, t.Columns)
		sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
		for _, c := range cols {
			fmt.Fprintf(h, "  col:%s:%s:%v\n", c.Name, c.Type, c.Nullable)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Budget bounds the rendered schema section.
type Budget struct {
	MaxTables      int
	MaxColumns     int
	ApproxTokenCap int
}

func DefaultBudget() Budget {
	return Budget{MaxTables: 25, MaxColumns: 60, ApproxTokenCap: 6000}
}

// Section is the ranked, trimmed schema context handed to C8's prompt.
type Section struct {
	Tables    []Table
	Truncated bool
}

// BuildSchemaSection ranks tables by entity-alias matches, literal
// table-name occurrence, column-name token overlap, FK proximity to
// already high-ranked tables, and an MRU bonus, then trims to
// budget.MaxTables tables and budget.MaxColumns columns per table.
// budget.ApproxTokenCap is not applied; the section's token size is
// not measured.
func (c *Cache) BuildSchemaSection(question string, budget Budget) Section {
	c.mu.RLock()
	snapshot := c.snapshot
	mru := append([]string(nil), c.mru...)
	c.mu.RUnlock()

	tokens := tokenize(question)
	tokenSet := map[string]bool{}
	for _, tok := range tokens {
		tokenSet[tok] = true
	}

	scores := map[string]float64{}
	for _, t := range snapshot.Tables {
		scores[t.Name] = scoreTable(t, tokenSet, mru)
	}

	// FK proximity bonus: tables with an FK to (or referenced by) an
	// already high-scoring table get a bump, computed from the
	// pre-bonus scores to avoid runaway feedback.
	base := map[string]float64{}
	for k, v := range scores {
		base[k] = v
	}
	for _, t := range snapshot.Tables {
		for _, fk := range t.ForeignKeys {
			if base[fk.ReferencedTable] > 1.0 {
				scores[t.Name] += 0.25
			}
		}
	}

	ranked := make([]Table, len(snapshot.Tables))
	copy(ranked, snapshot.Tables)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].Name], scores[ranked[j].Name]
		if si != sj {
			return si > sj
		}
		return ranked[i].Name < ranked[j].Name
	})

	truncated := len(ranked) > budget.MaxTables
	if truncated {
		ranked = ranked[:budget.MaxTables]
	}

	out := make([]Table, 0, len(ranked))
	for _, t := range ranked {
		trimmedCols := t.Columns
		colTruncated := len(trimmedCols) > budget.MaxColumns
		if colTruncated {
			trimmedCols = rankColumns(trimmedCols, tokenSet)[:budget.MaxColumns]
			truncated = true
		}
		out = append(out, Table{Name: t.Name, Columns: trimmedCols, ForeignKeys: t.ForeignKeys})
		c.touch(t.Name)
	}

	return Section{Tables: out, Truncated: truncated}
}

func scoreTable(t Table, tokens map[string]bool, mru []string) float64 {
	var score float64

	for entity, tables := range entityAliases {
		if !tokens[entity] && !tokens[entity+"s"] {
			continue
		}
		for _, name := range tables {
			if name == t.Name {
				score += 3.0
			}
		}
	}

	if tokens[t.Name] || tokens[strings.TrimSuffix(t.Name, "s")] {
		score += 2.0
	}

	for _, c := range t.Columns {
		if commonColumns[c.Name] {
			continue
		}
		for _, part := range strings.Split(c.Name, "_") {
			if tokens[part] {
				score += 0.5
			}
		}
	}

	for i, name := range mru {
		if name == t.Name {
			score += 1.0 / float64(i+1)
			break
		}
	}

	return score
}

func rankColumns(cols []Column, tokens map[string]bool) []Column {
	sorted := make([]Column, len(cols))
	copy(sorted, cols)
	sort.SliceStable(sorted, func(i, j int) bool {
		return columnScore(sorted[i], tokens) > columnScore(sorted[j], tokens)
	})
	return sorted
}

func columnScore(c Column, tokens map[string]bool) float64 {
	if commonColumns[c.Name] {
		return 0.1
	}
	var score float64
	for _, part := range strings.Split(c.Name, "_") {
		if tokens[part] {
			score += 1.0
		}
	}
	return score
}

func tokenize(question string) []string {
	lower := strings.ToLower(question)
	var out []string
	var cur strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
