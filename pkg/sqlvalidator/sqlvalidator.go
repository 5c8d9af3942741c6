// Package sqlvalidator implements C3: reducing a model-generated SQL
// statement to a safe, single, read-only form, or rejecting it with a
// structured list of violations. Layers run in order L1→L5; any failure
// short-circuits the remaining layers.
package sqlvalidator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// QueryType tags the caller's intent and selects the L2/L3 rules that apply.
type QueryType string

const (
	QueryExplore QueryType = "explore"
	QueryTable   QueryType = "table"
	QueryPlot    QueryType = "plot"
	QueryData    QueryType = "data"
)

// Limits is the per-query-type LIMIT ceiling table (SQL_VALIDATOR_*_LIMIT).
type Limits struct {
	Explore int
	Table   int
	Plot    int
	Data    int
}

// DefaultLimits matches spec.md §6's defaults (20/50/5000/50).
func DefaultLimits() Limits {
	return Limits{Explore: 20, Table: 50, Plot: 5000, Data: 50}
}

func (l Limits) ceiling(qt QueryType) int {
	switch qt {
	case QueryExplore:
		return l.Explore
	case QueryTable:
		return l.Table
	case QueryPlot:
		return l.Plot
	default:
		return l.Data
	}
}

// Complexity holds the L1 structural caps.
type Complexity struct {
	MaxJoins       int
	MaxSubqueries  int
	MaxAggregates  int
}

func DefaultComplexity() Complexity {
	return Complexity{MaxJoins: 5, MaxSubqueries: 2, MaxAggregates: 10}
}

// Config bundles everything the validator needs that isn't a per-call
// argument.
type Config struct {
	Limits     Limits
	Complexity Complexity
	// Bypass disables every layer. Local test harness only — never
	// wired to any externally reachable code path.
	Bypass bool
}

func DefaultConfig() Config {
	return Config{Limits: DefaultLimits(), Complexity: DefaultComplexity()}
}

// Violation is one structured rejection reason.
type Violation struct {
	Layer string `json:"layer"`
	Rule  string `json:"rule"`
	Detail string `json:"detail"`
}

// Result is the validator's output shape (spec.md §4.3).
type Result struct {
	Valid        bool        `json:"valid"`
	Violations   []Violation `json:"violations"`
	SQLWithLimit string      `json:"sql_with_limit"`
	Validator    ValidatorMeta `json:"validator"`
}

type ValidatorMeta struct {
	RuleVersion string `json:"rule_version"`
	Strategy    string `json:"strategy"`
}

const ruleVersion = "v1"

var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "MERGE", "TRUNCATE", "ALTER", "DROP",
	"CREATE", "REPLACE", "GRANT", "REVOKE", "COPY", "CALL", "DO",
	"VACUUM", "ANALYZE", "CLUSTER", "REFRESH", "SET", "RESET", "SHOW",
	"COMMENT", "LISTEN", "UNLISTEN", "NOTIFY",
}

var forbiddenFunctions = []string{
	"pg_sleep", "pg_read_file", "pg_read_binary_file", "pg_ls_dir",
	"pg_write_file", "pg_log_backend_memory_contexts", "lo_import",
	"lo_export", "dblink", "dblink_connect", "dblink_exec",
}

var (
	wordRe           = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	selectIntoRe     = regexp.MustCompile(`(?i)\bSELECT\b[\s\S]*?\bINTO\b`)
	lockClauseRe     = regexp.MustCompile(`(?i)\bFOR\s+(UPDATE|SHARE|NO\s+KEY\s+UPDATE|KEY\s+SHARE)\b`)
	namedPlaceholder = regexp.MustCompile(`:[A-Za-z_][A-Za-z0-9_]*`)
	dollarPlaceholder = regexp.MustCompile(`\$[0-9]+`)
	bareQuestionMark = regexp.MustCompile(`\?`)
	typecastRe       = regexp.MustCompile(`::\s*[A-Za-z_][A-Za-z0-9_]*`)
	joinRe           = regexp.MustCompile(`(?i)\bJOIN\b`)
	subqueryRe       = regexp.MustCompile(`\(\s*SELECT\b`)
	aggregateRe      = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX|ARRAY_AGG|STRING_AGG|JSONB_AGG)\s*\(`)
	limitRe          = regexp.MustCompile(`(?i)\bLIMIT\s+([0-9]+)\s*;?\s*$`)
	trailingCommentRe = regexp.MustCompile(`--[^\n]*$`)
)

// stripComments strips line (--) and block (/* */) comments so keyword
// matching isn't fooled by a comment hiding a forbidden token. It does
// not attempt to be a full SQL tokenizer — string literals containing
// "--" are a known limitation the L4 EXPLAIN check catches regardless.
func stripComments(sql string) string {
	var b strings.Builder
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			continue
		}
		if runes[i] == '/' && i+1 < len(runes) && runes[i+1] == '*' {
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// stripTrailingComment removes a trailing `--` comment that follows the
// last semicolon — these break LIMIT injection in L3 if left in place.
func stripTrailingComment(sql string) string {
	trimmed := strings.TrimRight(sql, " \t\n\r")
	if idx := strings.LastIndex(trimmed, ";"); idx >= 0 {
		tail := trimmed[idx+1:]
		if trailingCommentRe.MatchString(tail) {
			return strings.TrimRight(trimmed[:idx+1], " \t\n\r")
		}
	}
	return trailingCommentRe.ReplaceAllString(trimmed, "")
}

func hasWholeWord(haystack, word string) bool {
	for _, m := range wordRe.FindAllString(haystack, -1) {
		if strings.EqualFold(m, word) {
			return true
		}
	}
	return false
}

// checkMultipleStatements reports any non-trailing semicolon.
func checkMultipleStatements(stripped string) bool {
	trimmed := strings.TrimRight(stripped, " \t\n\r")
	idx := strings.Index(trimmed, ";")
	return idx >= 0 && idx != len(trimmed)-1
}

// l1Lexical runs the lexical/syntactic guardrails over the comment-stripped
// statement.
func l1Lexical(stripped string, complexity Complexity) []Violation {
	var violations []Violation

	trimmed := strings.TrimSpace(stripped)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		violations = append(violations, Violation{"L1", "must_select_or_with", "statement must begin with SELECT or WITH"})
	}

	for _, kw := range forbiddenKeywords {
		if hasWholeWord(stripped, kw) {
			violations = append(violations, Violation{"L1", "forbidden_keyword", kw})
		}
	}

	if selectIntoRe.MatchString(stripped) {
		violations = append(violations, Violation{"L1", "select_into", "SELECT INTO is forbidden"})
	}
	if hasWholeWord(stripped, "LOCK") {
		violations = append(violations, Violation{"L1", "lock_statement", "LOCK is forbidden"})
	}
	if lockClauseRe.MatchString(stripped) {
		violations = append(violations, Violation{"L1", "locking_clause", "FOR UPDATE/SHARE is forbidden"})
	}
	if hasWholeWord(stripped, "pg_temp") || hasWholeWord(stripped, "pg_toast") {
		violations = append(violations, Violation{"L1", "system_schema_reference", "pg_temp/pg_toast reference is forbidden"})
	}

	for _, fn := range forbiddenFunctions {
		if strings.Contains(strings.ToLower(stripped), fn) {
			violations = append(violations, Violation{"L1", "forbidden_function", fn})
		}
	}

	// Placeholders: reject $N and bare ? outside string literals, and
	// :name, but don't confuse :name with ::typecast.
	withoutCasts := typecastRe.ReplaceAllString(stripped, "")
	if namedPlaceholder.MatchString(withoutCasts) {
		violations = append(violations, Violation{"L1", "named_placeholder", "named placeholders are forbidden"})
	}
	if dollarPlaceholder.MatchString(stripped) {
		violations = append(violations, Violation{"L1", "dollar_placeholder", "$N placeholders are forbidden"})
	}
	if bareQuestionMark.MatchString(stripLiterals(stripped)) {
		violations = append(violations, Violation{"L1", "bare_placeholder", "bare ? placeholders are forbidden"})
	}

	if checkMultipleStatements(stripped) {
		violations = append(violations, Violation{"L1", "multiple_statements", "only one statement is permitted"})
	}

	if n := len(joinRe.FindAllString(stripped, -1)); n > complexity.MaxJoins {
		violations = append(violations, Violation{"L1", "too_many_joins", fmt.Sprintf("%d > %d", n, complexity.MaxJoins)})
	}
	if n := len(subqueryRe.FindAllString(stripped, -1)); n > complexity.MaxSubqueries {
		violations = append(violations, Violation{"L1", "too_many_subqueries", fmt.Sprintf("%d > %d", n, complexity.MaxSubqueries)})
	}
	if n := len(aggregateRe.FindAllString(stripped, -1)); n > complexity.MaxAggregates {
		violations = append(violations, Violation{"L1", "too_many_aggregates", fmt.Sprintf("%d > %d", n, complexity.MaxAggregates)})
	}

	return violations
}

// stripLiterals blanks out the contents of single-quoted string literals
// so placeholder scanning doesn't trip on a literal '?' inside a string.
func stripLiterals(s string) string {
	var b strings.Builder
	inLiteral := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\'' {
			if inLiteral && i+1 < len(runes) && runes[i+1] == '\'' {
				i++
				continue
			}
			inLiteral = !inLiteral
			b.WriteRune(r)
			continue
		}
		if inLiteral {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// l2PlotShape enforces the plot-query projection contract.
func l2PlotShape(stripped string) []Violation {
	var violations []Violation
	lower := strings.ToLower(stripped)

	if !regexp.MustCompile(`(?i)\bas\s+t\b`).MatchString(stripped) && !regexp.MustCompile(`(?i)[,\s]t\s*,`).MatchString(stripped) {
		violations = append(violations, Violation{"L2", "missing_t_column", "plot query must project a column named t"})
	}
	if !regexp.MustCompile(`(?i)\bas\s+y\b`).MatchString(stripped) {
		violations = append(violations, Violation{"L2", "missing_y_column", "plot query must project a column named y"})
	}
	if !strings.Contains(lower, "order by t") {
		violations = append(violations, Violation{"L2", "missing_order_by_t", "plot query must ORDER BY t ASC"})
	}
	if !regexp.MustCompile(`(?i)extract\s*\(\s*epoch\s+from`).MatchString(stripped) {
		violations = append(violations, Violation{"L2", "missing_epoch_cast", "t must be derived via EXTRACT(EPOCH FROM ...)::bigint * 1000"})
	}
	return violations
}

// l3LimitClamp ensures a trailing LIMIT exists and does not exceed the
// per-mode ceiling, rewriting or appending as needed. It returns the
// rewritten SQL alongside any violations (there are none today — this
// layer always succeeds by construction, matching spec.md's "rewrite the
// outermost LIMIT; if absent, append").
func l3LimitClamp(stripped string, ceiling int) (string, []Violation) {
	trimmed := strings.TrimRight(stripped, " \t\n\r")
	hasSemicolon := strings.HasSuffix(trimmed, ";")
	body := strings.TrimSuffix(trimmed, ";")

	if m := limitRe.FindStringSubmatchIndex(body); m != nil {
		existing, _ := strconv.Atoi(body[m[2]:m[3]])
		if existing > ceiling {
			body = body[:m[0]] + fmt.Sprintf("LIMIT %d", ceiling)
		}
	} else {
		body = body + fmt.Sprintf(" LIMIT %d", ceiling)
	}

	if hasSemicolon {
		body += ";"
	}
	return body, nil
}

// planNodeWhitelist lists the EXPLAIN (FORMAT JSON) root node types L4
// accepts.
var planNodeWhitelist = map[string]bool{
	"Seq Scan": true, "Index Scan": true, "Index Only Scan": true,
	"Bitmap Heap Scan": true, "Nested Loop": true, "Hash Join": true,
	"Merge Join": true, "Aggregate": true, "Sort": true, "Limit": true,
	"Subquery Scan": true, "CTE Scan": true, "Group": true, "Hash": true,
}

// l4DynamicReadOnly wraps sqlText in EXPLAIN (FORMAT JSON) under a 1s
// statement timeout and checks the root plan node type against the
// whitelist. tx must already be running under the caller's RLS scope —
// this function never sets its own.
func l4DynamicReadOnly(ctx context.Context, tx *sql.Tx, sqlText string) ([]Violation, error) {
	if _, err := tx.ExecContext(ctx, `SET LOCAL statement_timeout = '1s'`); err != nil {
		return nil, fmt.Errorf("sqlvalidator: set statement_timeout: %w", err)
	}

	var planJSON string
	if err := tx.QueryRowContext(ctx, `EXPLAIN (FORMAT JSON) `+sqlText).Scan(&planJSON); err != nil {
		return []Violation{{"L4", "explain_failed", err.Error()}}, nil
	}

	var plans []struct {
		Plan struct {
			NodeType string `json:"Node Type"`
		} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(planJSON), &plans); err != nil {
		return nil, fmt.Errorf("sqlvalidator: parse EXPLAIN output: %w", err)
	}
	if len(plans) == 0 {
		return []Violation{{"L4", "empty_plan", "EXPLAIN returned no plan"}}, nil
	}

	root := plans[0].Plan.NodeType
	if !planNodeWhitelist[root] {
		return []Violation{{"L4", "disallowed_root_node", root}}, nil
	}
	return nil, nil
}

// l5PatientScope requires the statement to filter by the in-scope patient
// id, either via equality or an IN list, when the caller has declared
// multi-patient ambiguity. Exploration queries are exempt.
func l5PatientScope(stripped string, patientID string, queryType QueryType) []Violation {
	if queryType == QueryExplore {
		return nil
	}
	eqRe := regexp.MustCompile(`(?i)patient_id\s*=\s*'` + regexp.QuoteMeta(patientID) + `'`)
	inListRe := regexp.MustCompile(`(?i)patient_id\s+IN\s*\(([^)]*)\)`)

	if eqRe.MatchString(stripped) {
		return nil
	}
	if m := inListRe.FindStringSubmatch(stripped); m != nil {
		if strings.Contains(m[1], "'"+patientID+"'") {
			return nil
		}
	}
	return []Violation{{"L5", "missing_patient_scope", "statement must filter by the selected patient id"}}
}

// PatientScope carries the L5 inputs; Required is false when only a
// single patient exists for the acting user (spec.md §4.8).
type PatientScope struct {
	Required  bool
	PatientID string
}

// Validate runs L1→L5 in order over sqlText, short-circuiting after the
// first layer that produces violations (later layers assume earlier ones
// passed — e.g. L4's EXPLAIN call assumes L1 already rejected write
// statements).
func Validate(ctx context.Context, tx *sql.Tx, cfg Config, sqlText string, queryType QueryType, scope PatientScope) (Result, error) {
	strategy := "full"
	if cfg.Bypass {
		return Result{
			Valid:        true,
			SQLWithLimit: stripTrailingComment(sqlText),
			Validator:    ValidatorMeta{RuleVersion: ruleVersion, Strategy: "bypass"},
		}, nil
	}

	cleaned := stripTrailingComment(sqlText)
	stripped := stripComments(cleaned)

	if violations := l1Lexical(stripped, cfg.Complexity); len(violations) > 0 {
		return Result{Valid: false, Violations: violations, Validator: ValidatorMeta{ruleVersion, strategy}}, nil
	}

	if queryType == QueryPlot {
		if violations := l2PlotShape(stripped); len(violations) > 0 {
			return Result{Valid: false, Violations: violations, Validator: ValidatorMeta{ruleVersion, strategy}}, nil
		}
	}

	ceiling := cfg.Limits.ceiling(queryType)
	withLimit, violations := l3LimitClamp(stripped, ceiling)
	if len(violations) > 0 {
		return Result{Valid: false, Violations: violations, Validator: ValidatorMeta{ruleVersion, strategy}}, nil
	}

	if tx != nil {
		l4Violations, err := l4DynamicReadOnly(ctx, tx, withLimit)
		if err != nil {
			return Result{}, err
		}
		if len(l4Violations) > 0 {
			return Result{Valid: false, Violations: l4Violations, Validator: ValidatorMeta{ruleVersion, strategy}}, nil
		}
	}

	if scope.Required && queryType != QueryExplore {
		if violations := l5PatientScope(withLimit, scope.PatientID, queryType); len(violations) > 0 {
			return Result{Valid: false, Violations: violations, Validator: ValidatorMeta{ruleVersion, strategy}}, nil
		}
	}

	return Result{
		Valid:        true,
		SQLWithLimit: withLimit,
		Validator:    ValidatorMeta{RuleVersion: ruleVersion, Strategy: strategy},
	}, nil
}
