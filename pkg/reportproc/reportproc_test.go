package reportproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInput_RejectsUnknownMIME(t *testing.T) {
	p := &Processor{}
	err := p.ValidateInput("application/zip", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedMIME)
}

func TestValidateInput_AcceptsWhitelistedImage(t *testing.T) {
	p := &Processor{}
	err := p.ValidateInput("image/png", []byte("x"))
	assert.NoError(t, err)
}

func TestValidateInput_RejectsOverPageBudget(t *testing.T) {
	p := &Processor{pageCounter: func(pdf []byte) (int, error) { return 11, nil }}
	err := p.ValidateInput("application/pdf", []byte("x"))
	assert.ErrorIs(t, err, ErrTooManyPages)
}

func TestValidateInput_AcceptsPDFWithinBudget(t *testing.T) {
	p := &Processor{pageCounter: func(pdf []byte) (int, error) { return 3, nil }}
	err := p.ValidateInput("application/pdf", []byte("x"))
	assert.NoError(t, err)
}

func TestNormalizeOperator_MapsSynonyms(t *testing.T) {
	assert.Equal(t, "<=", normalizeOperator("le"))
	assert.Equal(t, ">=", normalizeOperator("≥"))
	assert.Equal(t, "=", normalizeOperator(""))
	assert.Equal(t, "<", normalizeOperator("lt"))
}

func TestSanitizeParameters_TrimsAndLowersSpecimen(t *testing.T) {
	in := []ExtractedParam{{ParameterName: "  HDL-C ", SpecimenType: " Serum "}}
	out := sanitizeParameters(in)
	assert.Equal(t, "HDL-C", out[0].ParameterName)
	assert.Equal(t, "serum", out[0].SpecimenType)
}

func TestChecksumOf_Deterministic(t *testing.T) {
	a := checksumOf([]byte("same bytes"))
	b := checksumOf([]byte("same bytes"))
	c := checksumOf([]byte("different"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
