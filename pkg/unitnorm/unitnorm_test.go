package unitnorm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeInput_FoldsCaseAndWhitespace(t *testing.T) {
	assert.Equal(t, "mg/dl", normalizeInput("  Mg/DL  "))
	assert.Equal(t, "mg/dl", normalizeInput("Mg / DL"))
}

func TestNormalizeInput_EmptyStaysEmpty(t *testing.T) {
	assert.Equal(t, "", normalizeInput("   "))
}

func TestSanitizeForLLM_StripsDisallowedPunctuation(t *testing.T) {
	out := sanitizeForLLM("10^9/L; DROP TABLE")
	assert.NotContains(t, out, ";")
	assert.Contains(t, out, "10^9/L")
}

func TestSanitizeForLLM_TruncatesOverLength(t *testing.T) {
	out := sanitizeForLLM(strings.Repeat("a", 150))
	assert.LessOrEqual(t, len(out), 100)
}

func TestSanitizeForLLM_KeepsNonLatinLetters(t *testing.T) {
	out := sanitizeForLLM("ммоль/л")
	assert.Equal(t, "ммоль/л", out)
}

func TestAsciiPreprocess_ReplacesGreekAndDegree(t *testing.T) {
	assert.Equal(t, "udeg", asciiPreprocess("μ°"))
	assert.Equal(t, "Ohm", asciiPreprocess("Ω"))
}

func TestAsciiPreprocess_RejectsOverlong(t *testing.T) {
	assert.Equal(t, "", asciiPreprocess(strings.Repeat("x", 51)))
}

func TestMeetsThreshold(t *testing.T) {
	assert.True(t, meetsThreshold("high", "high"))
	assert.True(t, meetsThreshold("high", "medium"))
	assert.False(t, meetsThreshold("medium", "high"))
	assert.False(t, meetsThreshold("low", "high"))
}

func TestConfidenceValue(t *testing.T) {
	assert.Equal(t, 0.95, confidenceValue("high"))
	assert.Equal(t, 0.7, confidenceValue("medium"))
	assert.Equal(t, 0.4, confidenceValue("unknown"))
}
