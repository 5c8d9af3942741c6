package analytemap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labctl/labctl/pkg/catalog"
)

func TestNormalizeLabel_FoldsCaseAndPunctuation(t *testing.T) {
	assert.Equal(t, "hemoglobin a1c", NormalizeLabel("Hemoglobin, A1C!!"))
}

func TestNormalizeLabel_StripsLatinDiacritics(t *testing.T) {
	assert.Equal(t, "creatinine", NormalizeLabel("Créatininé"))
}

func TestNormalizeLabel_KeepsCyrillicUntouched(t *testing.T) {
	assert.Equal(t, "глюкоза", NormalizeLabel("Глюкоза"))
}

func TestNormalizeLabel_UnifiesMicroSign(t *testing.T) {
	assert.Equal(t, "micromol l", NormalizeLabel("μmol/L"))
}

func TestDedupByAnalyte_KeepsMaxPerAnalyteCappedAtTwo(t *testing.T) {
	in := []catalog.AliasCandidate{
		{AnalyteID: "a1", Alias: "x1", Similarity: 0.71},
		{AnalyteID: "a1", Alias: "x2", Similarity: 0.90},
		{AnalyteID: "a2", Alias: "y1", Similarity: 0.85},
		{AnalyteID: "a3", Alias: "z1", Similarity: 0.60},
	}
	out := dedupByAnalyte(in)
	assert.Len(t, out, 2)
	assert.Equal(t, "a1", out[0].AnalyteID)
	assert.Equal(t, 0.90, out[0].Similarity)
	assert.Equal(t, "a2", out[1].AnalyteID)
}

func TestMerge_ProvisionalMatchConfirmsFuzzy(t *testing.T) {
	initial := TierResult{Decision: NeedsLLMReview, AnalyteID: "a1", Confidence: 0.72}
	llmOut := LLMRowOutput{Decision: "MATCH", Code: "a1", Confidence: 0.9}
	out := Merge(initial, llmOut, DefaultThresholds())
	assert.Equal(t, MatchFuzzyConfirmed, out.Decision)
	assert.Equal(t, "a1", out.AnalyteID)
}

func TestMerge_ProvisionalMatchDisagreesIsConflict(t *testing.T) {
	initial := TierResult{Decision: AmbiguousFuzzy, AnalyteID: "a1", Confidence: 0.81}
	llmOut := LLMRowOutput{Decision: "MATCH", Code: "a2", Confidence: 0.70}
	out := Merge(initial, llmOut, DefaultThresholds())
	assert.Equal(t, ConflictFuzzyLLM, out.Decision)
	assert.Equal(t, "a1", out.AnalyteID)
	assert.Equal(t, "a2", out.LLMAlternativeCode)
}

func TestMerge_NewDecisionProposesAnalyte(t *testing.T) {
	initial := TierResult{Decision: Unmapped}
	llmOut := LLMRowOutput{Decision: "NEW", Code: "NEW_CODE", Name: "New Analyte", Confidence: 0.6}
	out := Merge(initial, llmOut, DefaultThresholds())
	assert.Equal(t, NewLLM, out.Decision)
	assert.Equal(t, "NEW_CODE", out.AnalyteCode)
}

func TestMerge_AbstainOnProvisionalFallsBackToFuzzy(t *testing.T) {
	initial := TierResult{Decision: NeedsLLMReview, AnalyteID: "a1", Confidence: 0.72}
	llmOut := LLMRowOutput{Decision: "ABSTAIN"}
	out := Merge(initial, llmOut, DefaultThresholds())
	assert.Equal(t, MatchFuzzy, out.Decision)
	assert.Equal(t, "a1", out.AnalyteID)
}

func TestMerge_AbstainOnUnmappedStaysAbstain(t *testing.T) {
	initial := TierResult{Decision: Unmapped}
	llmOut := LLMRowOutput{Decision: "ABSTAIN"}
	out := Merge(initial, llmOut, DefaultThresholds())
	assert.Equal(t, AbstainLLM, out.Decision)
}

func TestPqStringArray_EscapesQuotes(t *testing.T) {
	out := pqStringArray([]string{"a1c", `weird "label"`})
	assert.Equal(t, `{"a1c","weird \"label\""}`, out)
}

func TestNeedsLLM_OnlyProvisionalAndUnmappedBuckets(t *testing.T) {
	assert.True(t, needsLLM(Unmapped))
	assert.True(t, needsLLM(AmbiguousFuzzy))
	assert.True(t, needsLLM(NeedsLLMReview))
	assert.False(t, needsLLM(MatchExact))
	assert.False(t, needsLLM(MatchFuzzy))
}

func TestDirectOutcome_CarriesTierFieldsUnchanged(t *testing.T) {
	tier := TierResult{Decision: MatchExact, AnalyteID: "a1", Confidence: 1.0}
	out := directOutcome(tier)
	assert.Equal(t, MatchExact, out.Decision)
	assert.Equal(t, "a1", out.AnalyteID)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestRowHasLowConfidenceSuggestionFor_MatchesByAnalyteID(t *testing.T) {
	candidates := []catalog.AliasCandidate{{AnalyteID: "a1", Similarity: 0.5}}
	assert.True(t, rowHasLowConfidenceSuggestionFor(candidates, "a1"))
	assert.False(t, rowHasLowConfidenceSuggestionFor(candidates, "a2"))
}

// TestWetRun_CounterIdentity verifies spec.md §8 testable property #3
// against the counting half of WetRun's contract directly, without a
// database: every input row's initial bucket appears exactly once, and
// every row that doesn't need Tier C carries its decision straight
// through to the final bucket unchanged.
func TestWetRun_CounterIdentity_DirectRowsPassThroughUnchanged(t *testing.T) {
	rows := []RowForBatch{
		{ResultID: "r1", Tier: TierResult{Decision: MatchExact, AnalyteID: "a1", Confidence: 1.0}},
		{ResultID: "r2", Tier: TierResult{Decision: MatchFuzzy, AnalyteID: "a2", Confidence: 0.85}},
	}
	initial := map[Decision]int{}
	final := map[Decision]int{}
	for _, row := range rows {
		initial[row.Tier.Decision]++
		if !needsLLM(row.Tier.Decision) {
			final[directOutcome(row.Tier).Decision]++
		}
	}
	assert.Equal(t, 1, initial[MatchExact])
	assert.Equal(t, 1, initial[MatchFuzzy])
	assert.Equal(t, initial, final)
}
