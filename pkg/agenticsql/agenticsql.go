// Package agenticsql implements C8: the bounded tool-calling loop that
// turns a user question into a validated SQL query.
package agenticsql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/labctl/labctl/pkg/catalog"
	"github.com/labctl/labctl/pkg/llmclient"
	"github.com/labctl/labctl/pkg/schemainfo"
	"github.com/labctl/labctl/pkg/sqlvalidator"
)

// MaxIterations and Timeout are the loop's hard budgets (spec.md §4.8).
const (
	MaxIterations = 5
	Timeout       = 120 * time.Second
)

// Status is the terminal outcome logged to sql_generation_logs.
type Status string

const (
	StatusAccepted          Status = "accepted"
	StatusValidationFailed  Status = "validation_failed"
	StatusNoFinalQuery      Status = "no_final_query"
	StatusTimeout           Status = "timeout"
	StatusError             Status = "error"
)

// FinalQuery is the terminal tool's payload.
type FinalQuery struct {
	SQL          string                 `json:"sql"`
	Explanation  string                 `json:"explanation"`
	Confidence   float64                `json:"confidence"`
	QueryType    string                 `json:"query_type"`
	PlotMetadata map[string]interface{} `json:"plot_metadata,omitempty"`
	PlotTitle    string                 `json:"plot_title,omitempty"`
}

// Outcome is what Run returns to the caller.
type Outcome struct {
	Status        Status
	Final         *FinalQuery
	ValidSQL      string
	IterationCount int
	Duration      time.Duration
	Violations    []sqlvalidator.Violation
}

// ToolCall is one model-emitted tool invocation for one loop iteration.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ModelTurn is what the chat model returns for one iteration: either
// tool calls to execute, or nothing (a nudge is needed).
type ModelTurn struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// Transcript accumulates the conversation the loop drives.
type Transcript struct {
	Messages []llmclient.Message
}

func (t *Transcript) appendUser(text string)      { t.Messages = append(t.Messages, llmclient.Message{Role: "user", Text: text}) }
func (t *Transcript) appendAssistant(text string)  { t.Messages = append(t.Messages, llmclient.Message{Role: "assistant", Text: text}) }

var turnSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tool_calls": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"name", "args"},
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"args": map[string]any{"type": "object"},
				},
			},
		},
	},
	"required": []string{"tool_calls"},
}

var finalOnlySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"sql":           map[string]any{"type": "string"},
		"explanation":   map[string]any{"type": "string"},
		"confidence":    map[string]any{"type": "number"},
		"query_type":    map[string]any{"type": "string", "enum": []string{"explore", "plot", "table", "data"}},
		"plot_metadata": map[string]any{"type": "object"},
		"plot_title":    map[string]any{"type": "string"},
	},
	"required": []string{"sql", "explanation", "confidence", "query_type"},
}

// Session bundles the dependencies one Run call needs.
type Session struct {
	DB        *sql.DB
	Catalog   *catalog.Store
	LLM       llmclient.Client
	Schema    *schemainfo.Cache
	Validator sqlvalidator.Config
	Scope     sqlvalidator.PatientScope
	log       *slog.Logger
}

func NewSession(db *sql.DB, store *catalog.Store, llm llmclient.Client, schema *schemainfo.Cache, scope sqlvalidator.PatientScope) *Session {
	return &Session{
		DB: db, Catalog: store, LLM: llm, Schema: schema,
		Validator: sqlvalidator.Config{Limits: sqlvalidator.DefaultLimits(), Complexity: sqlvalidator.DefaultComplexity()},
		Scope:     scope,
		log:       slog.With("component", "agenticsql"),
	}
}

// Run drives the bounded loop for one user question and returns its
// terminal outcome. It also persists a sql_generation_logs row.
func (s *Session) Run(ctx context.Context, userHash, question, sessionID string, schemaQuestion string) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	budget := schemainfo.DefaultBudget()
	section := s.Schema.BuildSchemaSection(schemaQuestion, budget)
	schemaPrompt := renderSchemaSection(section)

	tr := &Transcript{}
	tr.appendUser(fmt.Sprintf("Schema:\n%s\n\nQuestion: %s", schemaPrompt, question))

	var outcome Outcome
	iteration := 0
	for iteration < MaxIterations {
		select {
		case <-ctx.Done():
			outcome = Outcome{Status: StatusTimeout, IterationCount: iteration, Duration: time.Since(start)}
			s.persistLog(ctx, sessionID, userHash, question, outcome)
			return outcome
		default:
		}
		iteration++

		turn, final, err := s.step(ctx, tr, false)
		if err != nil {
			s.log.Warn("model turn failed", "error", err, "iteration", iteration)
			tr.appendUser("Your previous response could not be parsed. Please try again.")
			continue
		}

		if final != nil {
			outcome = s.finalize(ctx, tr, *final, iteration, start)
			s.persistLog(ctx, sessionID, userHash, question, outcome)
			return outcome
		}

		if len(turn.ToolCalls) == 0 {
			tr.appendUser("Please continue by calling a tool or generate_final_query.")
			continue
		}

		for _, call := range turn.ToolCalls {
			result := s.executeTool(ctx, call)
			tr.appendAssistant(fmt.Sprintf("tool %s result: %s", call.Name, result))
		}
	}

	// Forced completion: restrict to generate_final_query only.
	_, final, err := s.step(ctx, tr, true)
	if err != nil || final == nil {
		outcome = Outcome{Status: StatusNoFinalQuery, IterationCount: iteration, Duration: time.Since(start)}
		s.persistLog(ctx, sessionID, userHash, question, outcome)
		return outcome
	}
	outcome = s.finalize(ctx, tr, *final, iteration, start)
	s.persistLog(ctx, sessionID, userHash, question, outcome)
	return outcome
}

// step sends the transcript and parses the model's response as either a
// tool-calling turn or a final query. forceFinal restricts the model to
// generate_final_query only (the forced-completion call).
func (s *Session) step(ctx context.Context, tr *Transcript, forceFinal bool) (*ModelTurn, *FinalQuery, error) {
	schema := turnSchema
	sysPrompt := "You are a SQL generation assistant with access to exploration tools."
	if forceFinal {
		schema = finalOnlySchema
		sysPrompt = "You must now call generate_final_query with your best answer. No further exploration is permitted."
	}

	raw, err := s.LLM.CompleteStructured(ctx, llmclient.Request{
		SystemPrompt: sysPrompt,
		Messages:     tr.Messages,
		Timeout:      30 * time.Second,
	}, schema)
	if err != nil {
		return nil, nil, err
	}

	if forceFinal {
		var fq FinalQuery
		if err := json.Unmarshal(raw, &fq); err != nil {
			return nil, nil, err
		}
		return nil, &fq, nil
	}

	var turn ModelTurn
	if err := json.Unmarshal(raw, &turn); err != nil {
		return nil, nil, err
	}
	for _, c := range turn.ToolCalls {
		if c.Name == "generate_final_query" {
			var fq FinalQuery
			if err := json.Unmarshal(c.Args, &fq); err != nil {
				return nil, nil, err
			}
			return nil, &fq, nil
		}
	}
	return &turn, nil, nil
}

// executeTool runs one exploration or display tool call. Failures are
// non-fatal — the error text becomes the tool result fed back to the
// model, per spec.md §4.8 step 2.
func (s *Session) executeTool(ctx context.Context, call ToolCall) string {
	switch call.Name {
	case "fuzzy_search_parameter_names":
		var args struct {
			Term  string `json:"term"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error: " + err.Error()
		}
		if args.Limit <= 0 || args.Limit > 50 {
			args.Limit = 50
		}
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return "error: " + err.Error()
		}
		defer tx.Rollback()
		names, err := s.Catalog.SimilarParameterNames(ctx, tx, args.Term, args.Limit)
		if err != nil {
			return "error: " + err.Error()
		}
		b, _ := json.Marshal(names)
		return string(b)

	case "fuzzy_search_analyte_names":
		var args struct {
			Term  string `json:"term"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error: " + err.Error()
		}
		if args.Limit <= 0 || args.Limit > 50 {
			args.Limit = 50
		}
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return "error: " + err.Error()
		}
		defer tx.Rollback()
		aliases, err := s.Catalog.SimilarAnalyteAliases(ctx, tx, args.Term, args.Limit)
		if err != nil {
			return "error: " + err.Error()
		}
		b, _ := json.Marshal(aliases)
		return string(b)

	case "execute_sql":
		var args struct {
			SQL       string `json:"sql"`
			Reasoning string `json:"reasoning"`
			QueryType string `json:"query_type"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error: " + err.Error()
		}
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return "error: " + err.Error()
		}
		defer tx.Rollback()
		result, err := sqlvalidator.Validate(ctx, tx, s.Validator, args.SQL, sqlvalidator.QueryType(args.QueryType), s.Scope)
		if err != nil {
			return "error: " + err.Error()
		}
		if !result.Valid {
			b, _ := json.Marshal(result.Violations)
			return "validation failed: " + string(b)
		}
		rows, err := tx.QueryContext(ctx, result.SQLWithLimit)
		if err != nil {
			return "error: " + err.Error()
		}
		defer rows.Close()
		data, err := scanRows(rows)
		if err != nil {
			return "error: " + err.Error()
		}
		b, _ := json.Marshal(data)
		return string(b)

	case "show_plot", "show_table":
		return "displayed"

	default:
		return "error: unknown tool " + call.Name
	}
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// finalize validates the candidate final query through C3, allowing a
// single retry on violation feedback (spec.md §4.8 step 3).
func (s *Session) finalize(ctx context.Context, tr *Transcript, fq FinalQuery, iteration int, start time.Time) Outcome {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{Status: StatusError, IterationCount: iteration, Duration: time.Since(start)}
	}
	defer tx.Rollback()

	result, err := sqlvalidator.Validate(ctx, tx, s.Validator, fq.SQL, sqlvalidator.QueryType(fq.QueryType), s.Scope)
	if err == nil && result.Valid {
		return Outcome{
			Status: StatusAccepted, Final: &fq, ValidSQL: result.SQLWithLimit,
			IterationCount: iteration, Duration: time.Since(start),
		}
	}

	violations := result.Violations
	tr.appendUser(fmt.Sprintf("Your final query failed validation: %v. Please emit a corrected generate_final_query.", violations))

	_, retryFinal, stepErr := s.step(ctx, tr, true)
	if stepErr != nil || retryFinal == nil {
		return Outcome{Status: StatusValidationFailed, IterationCount: iteration, Duration: time.Since(start), Violations: violations}
	}

	tx2, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{Status: StatusError, IterationCount: iteration, Duration: time.Since(start)}
	}
	defer tx2.Rollback()

	retryResult, err := sqlvalidator.Validate(ctx, tx2, s.Validator, retryFinal.SQL, sqlvalidator.QueryType(retryFinal.QueryType), s.Scope)
	if err != nil || !retryResult.Valid {
		return Outcome{Status: StatusValidationFailed, IterationCount: iteration, Duration: time.Since(start), Violations: retryResult.Violations}
	}
	return Outcome{
		Status: StatusAccepted, Final: retryFinal, ValidSQL: retryResult.SQLWithLimit,
		IterationCount: iteration, Duration: time.Since(start),
	}
}

func (s *Session) persistLog(ctx context.Context, sessionID, userHash, question string, o Outcome) {
	// Detach from the loop's deadline so a timed-out run still logs.
	ctx = context.WithoutCancel(ctx)
	metadata := map[string]any{
		"iteration_count": o.IterationCount,
		"duration_ms":     o.Duration.Milliseconds(),
	}
	var sqlHash *string
	var generatedSQL *string
	if o.Final != nil {
		h := sha256.Sum256([]byte(o.Final.SQL))
		hx := hex.EncodeToString(h[:])
		sqlHash = &hx
		generatedSQL = &o.Final.SQL
		metadata["query_type"] = o.Final.QueryType
	}
	if len(o.Violations) > 0 {
		metadata["violations"] = o.Violations
	}
	metaJSON, _ := json.Marshal(metadata)

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sql_generation_logs (log_id, session_id, status, user_hash, prompt, generated_sql, sql_hash, metadata)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7)`,
		nullIfEmpty(sessionID), string(o.Status), userHash, question, generatedSQL, sqlHash, metaJSON)
	if err != nil {
		s.log.Warn("persist sql_generation_log failed", "error", err)
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func renderSchemaSection(section schemainfo.Section) string {
	b, err := json.Marshal(section)
	if err != nil {
		return ""
	}
	return string(b)
}
