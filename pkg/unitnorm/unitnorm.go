// Package unitnorm implements C5: normalizing a raw lab-report unit
// string to its canonical UCUM form through an exact/LLM/raw tier
// pipeline, with UCUM validation and advisory-lock-guarded auto-learn.
package unitnorm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/labctl/labctl/pkg/catalog"
	"github.com/labctl/labctl/pkg/llmclient"
	"github.com/labctl/labctl/pkg/ucum"
)

// Tier identifies which stage of the pipeline produced the result.
type Tier string

const (
	TierExact Tier = "exact"
	TierLLM   Tier = "llm"
	TierRaw   Tier = "raw"
)

// Result is C5's per-unit output shape.
type Result struct {
	Canonical  string
	Tier       Tier
	Confidence *float64
}

// Config bundles C5's tunables (spec.md §6).
type Config struct {
	AutoLearnConfidence string // "high" (default), "medium", "low"
	MaxConcurrency      int    // UNIT_NORMALIZATION_MAX_CONCURRENCY, default 5
	UCUMEnabled         bool
	UCUMStrict          bool
}

func DefaultConfig() Config {
	return Config{AutoLearnConfidence: "high", MaxConcurrency: 5, UCUMEnabled: true}
}

// Normalizer is C5's entry point.
type Normalizer struct {
	store *catalog.Store
	llm   llmclient.Client
	cfg   Config
}

func New(store *catalog.Store, llm llmclient.Client, cfg Config) *Normalizer {
	return &Normalizer{store: store, llm: llm, cfg: cfg}
}

// normalizeInput applies NFKC and case/whitespace folding. Returns "" if
// the result is empty after folding.
func normalizeInput(raw string) string {
	folded := norm.NFKC.String(strings.ToLower(strings.TrimSpace(raw)))
	folded = strings.Join(strings.Fields(folded), " ")
	folded = strings.ReplaceAll(strings.ReplaceAll(folded, " /", "/"), "/ ", "/")
	return folded
}

// sanitizeForLLM whitelists letters (any script), digits, whitespace, and
// a small punctuation set including '^' for "10^9/L"-style units. Inputs
// over 100 chars are truncated with a logged warning.
func sanitizeForLLM(input string) string {
	const maxLen = 100
	allowedPunct := "^/%.*-+"

	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t':
			b.WriteRune(r)
		case strings.ContainsRune(allowedPunct, r):
			b.WriteRune(r)
		case isLetterOtherScript(r):
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxLen {
		slog.Warn("unitnorm: sanitized input exceeds max length, truncating", "max_len", maxLen)
		out = out[:maxLen]
	}
	return out
}

func isLetterOtherScript(r rune) bool {
	return r > 127 && unicode.IsLetter(r)
}

// asciiPreprocess replaces a small set of non-ASCII characters the LLM
// commonly emits with ASCII equivalents, and rejects (empties) outputs
// over 50 chars.
func asciiPreprocess(s string) string {
	replacer := strings.NewReplacer("μ", "u", "µ", "u", "Ω", "Ohm", "°", "deg")
	out := replacer.Replace(s)
	if len(out) > 50 {
		return ""
	}
	return out
}

// llmSuggestion is the structured output schema C5's LLM tier expects.
type llmSuggestion struct {
	Canonical  string `json:"canonical"`
	Confidence string `json:"confidence"` // low|medium|high
}

var unitSchema = map[string]any{
	"type":     "object",
	"required": []string{"canonical", "confidence"},
	"properties": map[string]any{
		"canonical":  map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
	},
}

// Normalize runs the full C5 pipeline for one raw unit, queuing a review
// row on low-confidence or conflicting outcomes. resultID identifies the
// lab_results row this unit belongs to, for the review queue's
// indexed-by-result_id contract.
func (n *Normalizer) Normalize(ctx context.Context, tx *sql.Tx, rawUnit, resultID, parameterName string) (Result, error) {
	if strings.TrimSpace(rawUnit) == "" {
		return Result{Canonical: "", Tier: TierRaw}, nil
	}

	normalized := normalizeInput(rawUnit)
	if normalized == "" {
		return Result{Canonical: "", Tier: TierRaw}, nil
	}

	// Exact tier.
	canonical, found, err := n.lookupAlias(ctx, tx, normalized)
	if err != nil {
		return Result{}, err
	}
	if found {
		return Result{Canonical: canonical, Tier: TierExact}, nil
	}

	// LLM tier.
	sanitized := sanitizeForLLM(normalized)
	suggestion, err := n.callLLM(ctx, sanitized)
	if err != nil {
		slog.Warn("unitnorm: llm tier failed", "raw_unit", rawUnit, "error", err)
		if qerr := n.queueReview(ctx, tx, resultID, rawUnit, normalized, nil, nil, "low_confidence", err.Error()); qerr != nil {
			slog.Warn("unitnorm: queue review failed (non-fatal)", "error", qerr)
		}
		return Result{Canonical: rawUnit, Tier: TierRaw}, nil
	}

	asciiCanonical := asciiPreprocess(suggestion.Canonical)
	if asciiCanonical == "" {
		if qerr := n.queueReview(ctx, tx, resultID, rawUnit, normalized, &suggestion.Canonical, nil, "sanitization_rejected", "empty after ascii preprocessing"); qerr != nil {
			slog.Warn("unitnorm: queue review failed (non-fatal)", "error", qerr)
		}
		return Result{Canonical: rawUnit, Tier: TierRaw}, nil
	}

	// UCUM validation.
	validated := asciiCanonical
	if n.cfg.UCUMEnabled {
		outcome := ucum.Validate(asciiCanonical)
		switch outcome.Status {
		case ucum.Valid:
			// use as-is
		case ucum.ValidWithCorrection:
			validated = outcome.Corrected
		case ucum.InvalidWithSuggestions:
			retrySuggestion, rerr := n.callLLMWithSuggestions(ctx, sanitized, outcome.Suggestions)
			if rerr != nil || retrySuggestion == "" {
				if qerr := n.queueReview(ctx, tx, resultID, rawUnit, normalized, &asciiCanonical, nil, "ucum_invalid", fmt.Sprintf("suggestions: %v", outcome.Suggestions)); qerr != nil {
					slog.Warn("unitnorm: queue review failed (non-fatal)", "error", qerr)
				}
				return Result{Canonical: rawUnit, Tier: TierRaw}, nil
			}
			validated = retrySuggestion
		default:
			if qerr := n.queueReview(ctx, tx, resultID, rawUnit, normalized, &asciiCanonical, nil, "ucum_invalid", "no suggestions available"); qerr != nil {
				slog.Warn("unitnorm: queue review failed (non-fatal)", "error", qerr)
			}
			return Result{Canonical: rawUnit, Tier: TierRaw}, nil
		}
	}

	confidence := confidenceValue(suggestion.Confidence)

	if meetsThreshold(suggestion.Confidence, n.cfg.AutoLearnConfidence) {
		conflict, cerr := n.autoLearn(ctx, tx, normalized, validated)
		if cerr != nil {
			return Result{}, cerr
		}
		if conflict {
			if qerr := n.queueReview(ctx, tx, resultID, rawUnit, normalized, &validated, nil, "alias_conflict", "existing alias maps to a different canonical"); qerr != nil {
				slog.Warn("unitnorm: queue review failed (non-fatal)", "error", qerr)
			}
			return Result{Canonical: rawUnit, Tier: TierRaw}, nil
		}
		return Result{Canonical: validated, Tier: TierLLM, Confidence: &confidence}, nil
	}

	if qerr := n.queueReview(ctx, tx, resultID, rawUnit, normalized, &validated, &confidence, "low_confidence", ""); qerr != nil {
		slog.Warn("unitnorm: queue review failed (non-fatal)", "error", qerr)
	}
	return Result{Canonical: rawUnit, Tier: TierRaw}, nil
}

func confidenceValue(label string) float64 {
	switch label {
	case "high":
		return 0.95
	case "medium":
		return 0.7
	default:
		return 0.4
	}
}

func meetsThreshold(got, threshold string) bool {
	rank := map[string]int{"low": 0, "medium": 1, "high": 2}
	return rank[got] >= rank[threshold]
}

func (n *Normalizer) lookupAlias(ctx context.Context, tx *sql.Tx, normalized string) (string, bool, error) {
	var canonical string
	err := tx.QueryRowContext(ctx, `SELECT canonical FROM unit_aliases WHERE alias = $1`, normalized).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("unitnorm: lookup alias: %w", err)
	}
	_, _ = tx.ExecContext(ctx, `UPDATE unit_aliases SET last_used_at = now() WHERE alias = $1`, normalized)
	return canonical, true, nil
}

func (n *Normalizer) callLLM(ctx context.Context, sanitized string) (llmSuggestion, error) {
	raw, err := n.llm.CompleteStructured(ctx, llmclient.Request{
		SystemPrompt: "You normalize laboratory measurement units to their canonical UCUM form.",
		Messages:     []llmclient.Message{{Role: "user", Text: sanitized}},
		Timeout:      120 * time.Second,
	}, unitSchema)
	if err != nil {
		return llmSuggestion{}, err
	}
	var s llmSuggestion
	if err := json.Unmarshal(raw, &s); err != nil {
		return llmSuggestion{}, fmt.Errorf("unitnorm: parse llm response: %w", err)
	}
	return s, nil
}

func (n *Normalizer) callLLMWithSuggestions(ctx context.Context, sanitized string, suggestions []string) (string, error) {
	prompt := fmt.Sprintf("%s\nChoose exactly one of these UCUM-valid forms: %s", sanitized, strings.Join(suggestions, ", "))
	raw, err := n.llm.CompleteStructured(ctx, llmclient.Request{
		SystemPrompt: "You normalize laboratory measurement units to their canonical UCUM form.",
		Messages:     []llmclient.Message{{Role: "user", Text: prompt}},
		Timeout:      120 * time.Second,
	}, unitSchema)
	if err != nil {
		return "", err
	}
	var s llmSuggestion
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return asciiPreprocess(s.Canonical), nil
}

// autoLearn inserts or reconciles the (alias, canonical) pair under a
// transaction-scoped advisory lock keyed by the alias hash (spec.md §4.5
// step 7). Returns conflict=true if an existing alias maps to a
// different canonical.
func (n *Normalizer) autoLearn(ctx context.Context, tx *sql.Tx, alias, canonical string) (conflict bool, err error) {
	err = n.store.WithAdvisoryLock(ctx, tx, alias, func(ctx context.Context) error {
		var existing string
		scanErr := tx.QueryRowContext(ctx, `SELECT canonical FROM unit_aliases WHERE alias = $1`, alias).Scan(&existing)
		switch scanErr {
		case sql.ErrNoRows:
			_, insErr := tx.ExecContext(ctx, `
				INSERT INTO unit_aliases (alias, canonical, source, learn_count, last_used_at)
				VALUES ($1, $2, 'llm', 1, now())`, alias, canonical)
			return insErr
		case nil:
			if existing == canonical {
				_, updErr := tx.ExecContext(ctx, `
					UPDATE unit_aliases SET learn_count = learn_count + 1, last_used_at = now() WHERE alias = $1`, alias)
				return updErr
			}
			conflict = true
			return nil
		default:
			return scanErr
		}
	})
	return conflict, err
}

func (n *Normalizer) queueReview(ctx context.Context, tx *sql.Tx, resultID, rawUnit, normalizedInput string, llmSuggestion *string, confidence *float64, issueType, issueDetails string) error {
	var existing int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM unit_reviews WHERE result_id = $1 AND status = 'pending'`, resultID).Scan(&existing); err != nil {
		return fmt.Errorf("unitnorm: check existing review: %w", err)
	}
	if existing > 0 {
		return nil // only one pending row per raw unit at a time
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO unit_reviews (unit_review_id, result_id, raw_unit, normalized_input, llm_suggestion, confidence, issue_type, issue_details, status)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, 'pending')`,
		resultID, rawUnit, normalizedInput, llmSuggestion, confidence, issueType, nullIfEmpty(issueDetails))
	if err != nil {
		return fmt.Errorf("unitnorm: insert review: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
