package gmailingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMIME_ResolvesOctetStreamByExtension(t *testing.T) {
	assert.Equal(t, "application/pdf", normalizeMIME("application/octet-stream", "report.PDF"))
	assert.Equal(t, "image/jpeg", normalizeMIME("", "scan.jpg"))
}

func TestNormalizeMIME_PassesThroughConcreteType(t *testing.T) {
	assert.Equal(t, "image/png", normalizeMIME("image/png", "ignored.bin"))
}

func TestNormalizeMIME_UnknownExtensionFallsBackToOriginal(t *testing.T) {
	assert.Equal(t, "application/octet-stream", normalizeMIME("application/octet-stream", "mystery.xyz"))
}

func TestSplitFrom_ExtractsNameAndAddress(t *testing.T) {
	name, email := splitFrom(`"Example Lab" <results@example-lab.com>`)
	assert.Equal(t, "Example Lab", name)
	assert.Equal(t, "results@example-lab.com", email)
}

func TestSplitFrom_BareAddressHasNoName(t *testing.T) {
	name, email := splitFrom("results@example-lab.com")
	assert.Empty(t, name)
	assert.Equal(t, "results@example-lab.com", email)
}

func TestBatchOutcome_TerminalState(t *testing.T) {
	allGood := BatchOutcome{Outcomes: []AttachmentOutcome{{State: StateCompleted}, {State: StateDuplicate}}}
	assert.Equal(t, "completed", allGood.TerminalState())

	mixed := BatchOutcome{Outcomes: []AttachmentOutcome{{State: StateCompleted}, {State: StateFailed}}}
	assert.Equal(t, "partial_failure", mixed.TerminalState())

	allFailed := BatchOutcome{Outcomes: []AttachmentOutcome{{State: StateFailed}, {State: StateFailed}}}
	assert.Equal(t, "failed", allFailed.TerminalState())
}

func TestDecodeAttachmentData_DecodesBase64URL(t *testing.T) {
	// "hi" base64url-no-pad encoded.
	out, err := decodeAttachmentData("aGk")
	assert.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)
}

func TestSHA256Hex_IsDeterministic(t *testing.T) {
	a := sha256Hex([]byte("same"))
	b := sha256Hex([]byte("same"))
	c := sha256Hex([]byte("different"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
