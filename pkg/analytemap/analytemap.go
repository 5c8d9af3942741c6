// Package analytemap implements C6: tiered mapping of a raw lab
// parameter label to a canonical analyte, LLM batch adjudication of
// ambiguous rows, and the admin approve flow for newly proposed
// analytes.
package analytemap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/labctl/labctl/pkg/catalog"
	"github.com/labctl/labctl/pkg/llmclient"
)

// Decision is the per-row tiered outcome before the LLM batch pass.
type Decision string

const (
	MatchExact       Decision = "MATCH_EXACT"
	MatchFuzzy       Decision = "MATCH_FUZZY"
	NeedsLLMReview   Decision = "NEEDS_LLM_REVIEW"
	AmbiguousFuzzy   Decision = "AMBIGUOUS_FUZZY"
	Unmapped         Decision = "UNMAPPED"

	MatchFuzzyConfirmed Decision = "MATCH_FUZZY_CONFIRMED"
	MatchLLM             Decision = "MATCH_LLM"
	ConflictFuzzyLLM      Decision = "CONFLICT_FUZZY_LLM"
	NewLLM                Decision = "NEW_LLM"
	AbstainLLM            Decision = "ABSTAIN_LLM"
)

// Thresholds bundles C6's tunables (spec.md §6).
type Thresholds struct {
	Fuzzy      float64 // T_fuzzy, default 0.70
	AutoAccept float64 // T_auto, default 0.80
	QueueLower float64 // T_queue, default 0.60
	Ambiguity  float64 // δ, default 0.05
}

func DefaultThresholds() Thresholds {
	return Thresholds{Fuzzy: 0.70, AutoAccept: 0.80, QueueLower: 0.60, Ambiguity: 0.05}
}

// NormalizeLabel implements spec.md §4.6's parameter-label normalization:
// lowercase; preserve Cyrillic codepoints; strip Latin diacritics
// (NFKD + combining marks) only when no Cyrillic is present; unify
// μ→micro; collapse non-letter/non-digit runs to single spaces.
func NormalizeLabel(label string) string {
	lower := strings.ToLower(label)
	lower = strings.ReplaceAll(lower, "μ", "micro")
	lower = strings.ReplaceAll(lower, "µ", "micro")

	if !containsCyrillic(lower) {
		decomposed := norm.NFKD.String(lower)
		var b strings.Builder
		for _, r := range decomposed {
			if unicode.Is(unicode.Mn, r) {
				continue // strip combining marks
			}
			b.WriteRune(r)
		}
		lower = b.String()
	}

	var out strings.Builder
	lastWasSpace := true
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out.WriteRune(r)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}
	return strings.TrimSpace(out.String())
}

func containsCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}

// TierResult is the outcome of Tiers A+B for one row.
type TierResult struct {
	Decision   Decision
	AnalyteID  string
	Confidence float64
	Candidates []catalog.AliasCandidate
}

// dedupByAnalyte dedups fuzzy candidates by analyte, keeping the max
// similarity per analyte, and caps to the top-2 analytes overall.
func dedupByAnalyte(candidates []catalog.AliasCandidate) []catalog.AliasCandidate {
	best := map[string]catalog.AliasCandidate{}
	for _, c := range candidates {
		if existing, ok := best[c.AnalyteID]; !ok || c.Similarity > existing.Similarity {
			best[c.AnalyteID] = c
		}
	}
	out := make([]catalog.AliasCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > 2 {
		out = out[:2]
	}
	return out
}

// RunTiers applies Tier A (exact) then Tier B (fuzzy) to one normalized
// label.
func RunTiers(ctx context.Context, store *catalog.Store, tx *sql.Tx, labelNorm string, th Thresholds) (TierResult, error) {
	var analyteID string
	err := tx.QueryRowContext(ctx, `
		SELECT analyte_id FROM analyte_aliases WHERE lower(alias) = lower($1) LIMIT 1`, labelNorm).Scan(&analyteID)
	if err == nil {
		return TierResult{Decision: MatchExact, AnalyteID: analyteID, Confidence: 1.0}, nil
	}
	if err != sql.ErrNoRows {
		return TierResult{}, fmt.Errorf("analytemap: tier A lookup: %w", err)
	}

	top5, err := store.SimilarAnalyteAliases(ctx, tx, labelNorm, 5)
	if err != nil {
		return TierResult{}, fmt.Errorf("analytemap: tier B lookup: %w", err)
	}
	candidates := dedupByAnalyte(top5)

	if len(candidates) == 0 {
		return TierResult{Decision: Unmapped}, nil
	}

	top := candidates[0]
	if top.Similarity < th.QueueLower {
		return TierResult{Decision: Unmapped, Candidates: candidates}, nil
	}

	if top.Similarity >= th.AutoAccept {
		if len(candidates) > 1 && (top.Similarity-candidates[1].Similarity) <= th.Ambiguity {
			return TierResult{Decision: AmbiguousFuzzy, AnalyteID: top.AnalyteID, Confidence: top.Similarity, Candidates: candidates}, nil
		}
		return TierResult{Decision: MatchFuzzy, AnalyteID: top.AnalyteID, Confidence: top.Similarity, Candidates: candidates}, nil
	}

	if top.Similarity >= th.QueueLower {
		return TierResult{Decision: NeedsLLMReview, AnalyteID: top.AnalyteID, Confidence: top.Similarity, Candidates: candidates}, nil
	}

	return TierResult{Decision: Unmapped, Candidates: candidates}, nil
}

// LLMRowInput is one row handed to the Tier C batch prompt.
type LLMRowInput struct {
	ResultID        string
	RawLabel        string
	Unit            string
	ReferenceHint   string
	InitialDecision Decision
	Candidates      []catalog.AliasCandidate
}

// LLMRowOutput is the structured response Tier C expects per row.
type LLMRowOutput struct {
	ResultID   string  `json:"result_id"`
	Decision   string  `json:"decision"` // MATCH|NEW|ABSTAIN
	Code       string  `json:"code,omitempty"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence"`
	Comment    string  `json:"comment"`
}

var batchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"rows": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"result_id", "decision", "confidence", "comment"},
				"properties": map[string]any{
					"result_id":  map[string]any{"type": "string"},
					"decision":   map[string]any{"type": "string", "enum": []string{"MATCH", "NEW", "ABSTAIN"}},
					"code":       map[string]any{"type": "string"},
					"name":       map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
					"comment":    map[string]any{"type": "string"},
				},
			},
		},
	},
	"required": []string{"rows"},
}

// RunLLMBatch sends all rows needing adjudication in one prompt and
// parses the structured per-row response.
func RunLLMBatch(ctx context.Context, llm llmclient.Client, schemaContext string, rows []LLMRowInput) (map[string]LLMRowOutput, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Analyte schema:\n%s\n\nRows to classify:\n", schemaContext)
	for _, r := range rows {
		fmt.Fprintf(&prompt, "- result_id=%s label=%q unit=%q reference=%q initial=%s\n",
			r.ResultID, r.RawLabel, r.Unit, r.ReferenceHint, r.InitialDecision)
	}

	raw, err := llm.CompleteStructured(ctx, llmclient.Request{
		SystemPrompt: "You map raw laboratory parameter labels to a canonical analyte catalog.",
		Messages:     []llmclient.Message{{Role: "user", Text: prompt.String()}},
		Timeout:      120 * time.Second,
	}, batchSchema)
	if err != nil {
		return nil, fmt.Errorf("analytemap: llm batch call: %w", err)
	}

	var parsed struct {
		Rows []LLMRowOutput `json:"rows"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("analytemap: parse llm batch response: %w", err)
	}

	out := make(map[string]LLMRowOutput, len(parsed.Rows))
	for _, r := range parsed.Rows {
		out[r.ResultID] = r
	}
	return out, nil
}

// MergeOutcome is the final per-row decision after merging Tier A/B with
// the Tier C LLM response, per spec.md §4.6's merge table.
type MergeOutcome struct {
	Decision           Decision
	AnalyteID          string
	AnalyteCode        string
	AnalyteName        string
	Confidence         float64
	LLMAlternativeCode string
	Comment            string
}

// Merge applies spec.md §4.6's merge table. initial.AnalyteID and
// initial.Confidence carry Tier B's top candidate when the row's initial decision is provisional
// (NEEDS_LLM_REVIEW or AMBIGUOUS_FUZZY).
func Merge(initial TierResult, llmOut LLMRowOutput, th Thresholds) MergeOutcome {
	isProvisional := initial.Decision == NeedsLLMReview || initial.Decision == AmbiguousFuzzy

	switch llmOut.Decision {
	case "MATCH":
		if isProvisional && llmOut.Code != "" && initial.AnalyteID != "" && llmOut.Code == initial.AnalyteID {
			conf := maxFloat(llmOut.Confidence, initial.Confidence, th.AutoAccept)
			return MergeOutcome{Decision: MatchFuzzyConfirmed, AnalyteID: initial.AnalyteID, Confidence: conf, Comment: llmOut.Comment}
		}
		if llmOut.Confidence > initial.Confidence {
			return MergeOutcome{Decision: MatchLLM, AnalyteCode: llmOut.Code, AnalyteName: llmOut.Name, Confidence: llmOut.Confidence, Comment: llmOut.Comment}
		}
		if isProvisional {
			return MergeOutcome{
				Decision: ConflictFuzzyLLM, AnalyteID: initial.AnalyteID, Confidence: initial.Confidence,
				LLMAlternativeCode: llmOut.Code, Comment: llmOut.Comment,
			}
		}
		return MergeOutcome{Decision: MatchLLM, AnalyteCode: llmOut.Code, AnalyteName: llmOut.Name, Confidence: llmOut.Confidence, Comment: llmOut.Comment}

	case "NEW":
		return MergeOutcome{Decision: NewLLM, AnalyteCode: llmOut.Code, AnalyteName: llmOut.Name, Confidence: llmOut.Confidence, Comment: llmOut.Comment}

	case "ABSTAIN":
		if isProvisional {
			return MergeOutcome{Decision: MatchFuzzy, AnalyteID: initial.AnalyteID, Confidence: initial.Confidence, Comment: llmOut.Comment}
		}
		return MergeOutcome{Decision: AbstainLLM, Comment: llmOut.Comment}

	default:
		return MergeOutcome{Decision: AbstainLLM, Comment: "unrecognized llm decision: " + llmOut.Decision}
	}
}

func maxFloat(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// ApproveResult reports the admin approve flow's effect counts.
type ApproveResult struct {
	BackfilledByAlias      int
	LinkedByMatchReview    int
}

// Approve promotes a pending_analytes row to analytes, seeds aliases from
// its parameter_variations, backfills matching lab_results by trigram,
// and resolves any match_reviews that referenced the pending code —
// spec.md §4.6's approve flow, run inside the caller's transaction.
func Approve(ctx context.Context, tx *sql.Tx, pendingAnalyteID string) (ApproveResult, error) {
	var proposedCode, proposedName, unit string
	var category sql.NullString
	var variationsJSON []byte
	err := tx.QueryRowContext(ctx, `
		SELECT proposed_code, proposed_name, unit, category, parameter_variations
		FROM pending_analytes WHERE pending_analyte_id = $1 FOR UPDATE`, pendingAnalyteID).
		Scan(&proposedCode, &proposedName, &unit, &category, &variationsJSON)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("analytemap: load pending analyte: %w", err)
	}

	var analyteID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO analytes (analyte_id, code, canonical_name, canonical_unit, category)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4)
		RETURNING analyte_id`, proposedCode, proposedName, unit, category).Scan(&analyteID)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("analytemap: insert analyte: %w", err)
	}

	var variations []string
	if len(variationsJSON) > 0 {
		if err := json.Unmarshal(variationsJSON, &variations); err != nil {
			return ApproveResult{}, fmt.Errorf("analytemap: parse parameter_variations: %w", err)
		}
	}
	for _, alias := range variations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO analyte_aliases (alias_id, analyte_id, alias, source)
			VALUES (gen_random_uuid()::text, $1, $2, 'manual_approved')
			ON CONFLICT (analyte_id, alias) DO NOTHING`, analyteID, alias); err != nil {
			return ApproveResult{}, fmt.Errorf("analytemap: insert seeded alias: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_analytes SET status = 'approved', updated_at = now() WHERE pending_analyte_id = $1`, pendingAnalyteID); err != nil {
		return ApproveResult{}, fmt.Errorf("analytemap: mark pending approved: %w", err)
	}

	backfillRows, err := tx.QueryContext(ctx, `
		UPDATE lab_results lr
		SET analyte_id = $1, mapping_source = 'manual_approved', mapping_confidence = similarity(lr.parameter_name, $2), mapped_at = now()
		FROM (SELECT unnest($3::text[]) AS alias) v
		WHERE lr.analyte_id IS NULL AND similarity(lr.parameter_name, v.alias) >= 0.70
		RETURNING lr.result_id`, analyteID, proposedName, pqStringArray(variations))
	if err != nil {
		return ApproveResult{}, fmt.Errorf("analytemap: backfill lab results: %w", err)
	}
	backfilled := 0
	for backfillRows.Next() {
		backfilled++
	}
	backfillRows.Close()
	if err := backfillRows.Err(); err != nil {
		return ApproveResult{}, err
	}

	linkedRows, err := tx.QueryContext(ctx, `
		UPDATE lab_results lr
		SET analyte_id = $1, mapping_source = 'manual_approved', mapped_at = now()
		FROM match_reviews mr
		WHERE mr.result_id = lr.result_id AND mr.source = 'pending_analyte'
		  AND mr.status = 'pending' AND lr.analyte_id IS NULL
		RETURNING lr.result_id`, analyteID)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("analytemap: link match reviews: %w", err)
	}
	linked := 0
	for linkedRows.Next() {
		linked++
	}
	linkedRows.Close()
	if err := linkedRows.Err(); err != nil {
		return ApproveResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE match_reviews SET status = 'resolved', resolved_at = now()
		WHERE source = 'pending_analyte' AND status = 'pending'
		  AND result_id IN (SELECT result_id FROM lab_results WHERE analyte_id = $1)`, analyteID); err != nil {
		return ApproveResult{}, fmt.Errorf("analytemap: resolve match reviews: %w", err)
	}

	return ApproveResult{BackfilledByAlias: backfilled, LinkedByMatchReview: linked}, nil
}

// RowForBatch bundles one row's Tier A/B result with the raw data Tier C
// and the write policy need. ResultID rows already mapped (analyte_id
// set) must not be included — spec.md §4.6's write policy skips them
// before reaching this stage, not inside it.
type RowForBatch struct {
	ResultID      string
	RawLabel      string
	Unit          string
	ReferenceHint string
	Tier          TierResult
}

// RowOutcome is one row's terminal state after WetRun, for callers that
// want to report per-row detail (tests, audit logging).
type RowOutcome struct {
	ResultID string
	Decision Decision
	Action   string // "written" | "queued_match_review" | "queued_abstain_review" | "proposed_new_analyte" | "skipped"
}

// BatchResult is WetRun's summary: per-bucket counters before and after
// the Tier C merge (spec.md §8 testable property #3 — the sum of all
// post-merge buckets equals the input row count), plus per-row detail.
type BatchResult struct {
	Initial  map[Decision]int
	Final    map[Decision]int
	Outcomes []RowOutcome
}

// needsLLM reports whether a row's Tier A/B decision must go through
// Tier C before a write decision can be made.
func needsLLM(d Decision) bool {
	return d == Unmapped || d == AmbiguousFuzzy || d == NeedsLLMReview
}

// WetRun is C6's per-report entry point. Rows already settled by Tier A
// (MATCH_EXACT) or an unambiguous, confident Tier B match (MATCH_FUZZY)
// are written directly. Every other row is sent through one Tier C LLM
// batch call, merged against its Tier A/B state, and written per
// spec.md §4.6's write policy table. schemaContext is the rendered
// analyte catalog (approved plain, pending tagged "[PENDING]") plus any
// category-context hints from already-mapped rows in the same report.
func WetRun(ctx context.Context, tx *sql.Tx, llm llmclient.Client, schemaContext string, rows []RowForBatch, th Thresholds) (BatchResult, error) {
	result := BatchResult{Initial: map[Decision]int{}, Final: map[Decision]int{}}

	var llmInputs []LLMRowInput
	byResultID := make(map[string]RowForBatch, len(rows))
	for _, row := range rows {
		result.Initial[row.Tier.Decision]++
		byResultID[row.ResultID] = row

		if !needsLLM(row.Tier.Decision) {
			continue
		}
		llmInputs = append(llmInputs, LLMRowInput{
			ResultID:        row.ResultID,
			RawLabel:        row.RawLabel,
			Unit:            row.Unit,
			ReferenceHint:   row.ReferenceHint,
			InitialDecision: row.Tier.Decision,
			Candidates:      row.Tier.Candidates,
		})
	}

	var llmOut map[string]LLMRowOutput
	if len(llmInputs) > 0 {
		out, err := RunLLMBatch(ctx, llm, schemaContext, llmInputs)
		if err != nil {
			// A failed batch call demotes every pending row to an
			// abstain review rather than failing the whole report
			// (spec.md §7: per-record failures don't fail a batch).
			llmOut = map[string]LLMRowOutput{}
			for _, in := range llmInputs {
				llmOut[in.ResultID] = LLMRowOutput{ResultID: in.ResultID, Decision: "ABSTAIN", Comment: fmt.Sprintf("llm batch error: %v", err)}
			}
		} else {
			llmOut = out
		}
	}

	for _, row := range rows {
		var outcome MergeOutcome
		if needsLLM(row.Tier.Decision) {
			lout, ok := llmOut[row.ResultID]
			if !ok {
				lout = LLMRowOutput{Decision: "ABSTAIN", Comment: "llm produced no row for this result_id"}
			}
			outcome = Merge(row.Tier, lout, th)
		} else {
			outcome = directOutcome(row.Tier)
		}

		result.Final[outcome.Decision]++

		action, err := applyWritePolicy(ctx, tx, row, outcome, th)
		if err != nil {
			return result, fmt.Errorf("analytemap: apply write policy for %s: %w", row.ResultID, err)
		}
		result.Outcomes = append(result.Outcomes, RowOutcome{ResultID: row.ResultID, Decision: outcome.Decision, Action: action})
	}

	return result, nil
}

// directOutcome converts a Tier A/B decision that needs no LLM pass into
// the same MergeOutcome shape the write policy consumes.
func directOutcome(tier TierResult) MergeOutcome {
	return MergeOutcome{Decision: tier.Decision, AnalyteID: tier.AnalyteID, Confidence: tier.Confidence}
}

// applyWritePolicy implements spec.md §4.6's write policy table for one
// row's merged outcome.
func applyWritePolicy(ctx context.Context, tx *sql.Tx, row RowForBatch, outcome MergeOutcome, th Thresholds) (string, error) {
	switch outcome.Decision {
	case MatchExact:
		return "written", writeMapping(ctx, tx, row.ResultID, outcome.AnalyteID, "auto_exact", 1.0)

	case MatchFuzzy:
		return "written", writeMapping(ctx, tx, row.ResultID, outcome.AnalyteID, "auto_fuzzy", outcome.Confidence)

	case MatchFuzzyConfirmed:
		return "written", writeMapping(ctx, tx, row.ResultID, outcome.AnalyteID, "auto_fuzzy_llm_confirmed", outcome.Confidence)

	case MatchLLM:
		if outcome.Confidence < th.AutoAccept {
			return "queued_match_review", queueMatchReview(ctx, tx, row.ResultID, "llm_low_confidence", row.Tier.Candidates)
		}
		analyteID, approved, err := lookupAnalyteByCode(ctx, tx, outcome.AnalyteCode)
		if err != nil {
			return "", err
		}
		if approved {
			if err := writeMapping(ctx, tx, row.ResultID, analyteID, "auto_llm", outcome.Confidence); err != nil {
				return "", err
			}
			if rowHasLowConfidenceSuggestionFor(row.Tier.Candidates, analyteID) {
				if err := insertAlias(ctx, tx, analyteID, row.RawLabel, "llm_semantic_match"); err != nil {
					return "", err
				}
			}
			return "written", nil
		}
		_, pending, err := lookupPendingByCode(ctx, tx, outcome.AnalyteCode)
		if err != nil {
			return "", err
		}
		if pending {
			return "queued_match_review", queueMatchReview(ctx, tx, row.ResultID, "pending_analyte", row.Tier.Candidates)
		}
		// Code exists in neither catalog — shouldn't occur; log and skip.
		return "skipped", nil

	case ConflictFuzzyLLM, NeedsLLMReview, AmbiguousFuzzy:
		return "queued_match_review", queueMatchReviewWithAlternative(ctx, tx, row.ResultID, "tier_c_conflict", row.Tier.Candidates, outcome.LLMAlternativeCode)

	case AbstainLLM:
		return "queued_abstain_review", queueAbstainReview(ctx, tx, row.ResultID, outcome.Comment)

	case NewLLM:
		approved, err := analyteCodeApproved(ctx, tx, outcome.AnalyteCode)
		if err != nil {
			return "", err
		}
		if approved {
			// Safety net: LLM proposed a code that already exists as an
			// approved analyte. Treat as a match instead of proposing a
			// duplicate.
			analyteID, _, lerr := lookupAnalyteByCode(ctx, tx, outcome.AnalyteCode)
			if lerr != nil {
				return "", lerr
			}
			return "written", writeMapping(ctx, tx, row.ResultID, analyteID, "auto_llm", outcome.Confidence)
		}
		return "proposed_new_analyte", upsertPendingAnalyte(ctx, tx, outcome.AnalyteCode, outcome.AnalyteName, row)

	case Unmapped:
		if len(row.Tier.Candidates) == 0 {
			return "skipped", nil
		}
		return "queued_match_review", queueMatchReview(ctx, tx, row.ResultID, "tier_b", row.Tier.Candidates)

	default:
		return "skipped", nil
	}
}

func candidatesJSON(candidates []catalog.AliasCandidate) []byte {
	if candidates == nil {
		candidates = []catalog.AliasCandidate{}
	}
	b, err := json.Marshal(candidates)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func writeMapping(ctx context.Context, tx *sql.Tx, resultID, analyteID, source string, confidence float64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE lab_results SET analyte_id = $1, mapping_source = $2, mapping_confidence = $3, mapped_at = now()
		WHERE result_id = $4`, analyteID, source, confidence, resultID)
	return err
}

func queueMatchReview(ctx context.Context, tx *sql.Tx, resultID, source string, candidates []catalog.AliasCandidate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO match_reviews (match_review_id, result_id, source, status, candidates)
		VALUES (gen_random_uuid()::text, $1, $2, 'pending', $3)
		ON CONFLICT (result_id) DO NOTHING`, resultID, source, candidatesJSON(candidates))
	return err
}

// candidateWithAlternative is the hydrated shape a conflict review's
// candidates column carries: the fuzzy candidates plus the LLM's
// disagreeing suggestion, per spec.md §4.6.
type candidateWithAlternative struct {
	catalog.AliasCandidate
	LLMAlternativeCode string `json:"llm_alternative_code,omitempty"`
}

func queueMatchReviewWithAlternative(ctx context.Context, tx *sql.Tx, resultID, source string, candidates []catalog.AliasCandidate, llmAlternative string) error {
	hydrated := make([]candidateWithAlternative, len(candidates))
	for i, c := range candidates {
		hydrated[i] = candidateWithAlternative{AliasCandidate: c}
		if i == 0 {
			hydrated[i].LLMAlternativeCode = llmAlternative
		}
	}
	b, err := json.Marshal(hydrated)
	if err != nil {
		b = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO match_reviews (match_review_id, result_id, source, status, candidates)
		VALUES (gen_random_uuid()::text, $1, $2, 'pending', $3)
		ON CONFLICT (result_id) DO NOTHING`, resultID, source, b)
	return err
}

func queueAbstainReview(ctx context.Context, tx *sql.Tx, resultID, comment string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO match_reviews (match_review_id, result_id, source, status, candidates)
		VALUES (gen_random_uuid()::text, $1, 'abstain', 'pending', $2)
		ON CONFLICT (result_id) DO NOTHING`, resultID, abstainCandidatesJSON(comment))
	return err
}

func abstainCandidatesJSON(comment string) []byte {
	b, err := json.Marshal([]map[string]string{{"comment": comment}})
	if err != nil {
		return []byte("[]")
	}
	return b
}

func lookupAnalyteByCode(ctx context.Context, tx *sql.Tx, code string) (string, bool, error) {
	if code == "" {
		return "", false, nil
	}
	var id string
	err := tx.QueryRowContext(ctx, `SELECT analyte_id FROM analytes WHERE code = $1`, code).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup analyte by code: %w", err)
	}
	return id, true, nil
}

func lookupPendingByCode(ctx context.Context, tx *sql.Tx, code string) (string, bool, error) {
	if code == "" {
		return "", false, nil
	}
	var id string
	err := tx.QueryRowContext(ctx, `SELECT pending_analyte_id FROM pending_analytes WHERE proposed_code = $1`, code).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup pending analyte by code: %w", err)
	}
	return id, true, nil
}

func analyteCodeApproved(ctx context.Context, tx *sql.Tx, code string) (bool, error) {
	_, ok, err := lookupAnalyteByCode(ctx, tx, code)
	return ok, err
}

func insertAlias(ctx context.Context, tx *sql.Tx, analyteID, alias, source string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO analyte_aliases (alias_id, analyte_id, alias, source)
		VALUES (gen_random_uuid()::text, $1, $2, $3)
		ON CONFLICT (analyte_id, alias) DO NOTHING`, analyteID, alias, source)
	return err
}

func rowHasLowConfidenceSuggestionFor(candidates []catalog.AliasCandidate, analyteID string) bool {
	for _, c := range candidates {
		if c.AnalyteID == analyteID {
			return true
		}
	}
	return false
}

// upsertPendingAnalyte keys on proposed_code: a first sighting inserts a
// fresh row with occurrence_count=1; a repeat sighting merges evidence
// and appends to parameter_variations (spec.md §8 scenario S3).
func upsertPendingAnalyte(ctx context.Context, tx *sql.Tx, code, name string, row RowForBatch) error {
	if code == "" {
		return fmt.Errorf("analytemap: new analyte proposal missing code")
	}

	var existingID string
	var evidenceJSON []byte
	var variationsJSON []byte
	err := tx.QueryRowContext(ctx, `
		SELECT pending_analyte_id, evidence, parameter_variations FROM pending_analytes
		WHERE proposed_code = $1 FOR UPDATE`, code).Scan(&existingID, &evidenceJSON, &variationsJSON)

	if err == sql.ErrNoRows {
		evidence := map[string]any{"occurrence_count": 1, "result_ids": []string{row.ResultID}}
		evJSON, _ := json.Marshal(evidence)
		variations := []string{row.RawLabel}
		varJSON, _ := json.Marshal(variations)
		_, ierr := tx.ExecContext(ctx, `
			INSERT INTO pending_analytes (pending_analyte_id, proposed_code, proposed_name, unit, confidence, evidence, parameter_variations, status)
			VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, 'pending')`,
			code, name, row.Unit, 0.5, evJSON, varJSON)
		return ierr
	}
	if err != nil {
		return fmt.Errorf("lookup existing pending analyte: %w", err)
	}

	var evidence map[string]any
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &evidence)
	}
	if evidence == nil {
		evidence = map[string]any{}
	}
	count, _ := evidence["occurrence_count"].(float64)
	evidence["occurrence_count"] = count + 1
	resultIDs, _ := evidence["result_ids"].([]any)
	evidence["result_ids"] = append(resultIDs, row.ResultID)
	evJSON, merr := json.Marshal(evidence)
	if merr != nil {
		return fmt.Errorf("merge evidence: %w", merr)
	}

	var variations []string
	if len(variationsJSON) > 0 {
		_ = json.Unmarshal(variationsJSON, &variations)
	}
	variations = append(variations, row.RawLabel)
	varJSON, merr := json.Marshal(variations)
	if merr != nil {
		return fmt.Errorf("merge parameter_variations: %w", merr)
	}

	_, uerr := tx.ExecContext(ctx, `
		UPDATE pending_analytes SET evidence = $1, parameter_variations = $2, updated_at = now()
		WHERE pending_analyte_id = $3`, evJSON, varJSON, existingID)
	return uerr
}

// pqStringArray renders a Go []string as a Postgres text[] literal for
// use with unnest() in a parameterized query.
func pqStringArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}
