package gmailingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeMIMEHeader_DecodesBEncodedSubject(t *testing.T) {
	// "Lab Report" base64-encoded per RFC 2047.
	assert.Equal(t, "Lab Report", decodeMIMEHeader("=?UTF-8?B?TGFiIFJlcG9ydA==?="))
}

func TestDecodeMIMEHeader_PassesThroughPlainText(t *testing.T) {
	assert.Equal(t, "Your results are ready", decodeMIMEHeader("Your results are ready"))
}

func TestChunkHeaders_SplitsIntoEvenBatchesPlusRemainder(t *testing.T) {
	headers := make([]MessageHeader, 62)
	batches := chunkHeaders(headers, 25)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], 25)
	assert.Len(t, batches[1], 25)
	assert.Len(t, batches[2], 12)
}

func TestChunkStrings_EmptyInputProducesNoBatches(t *testing.T) {
	assert.Empty(t, chunkStrings(nil, 25))
}

func TestCollapseWhitespace_TrimsAndJoins(t *testing.T) {
	assert.Equal(t, "a b c", collapseWhitespace("  a\n\tb   c  "))
}

func TestStripHTML_RemovesTagsAndUnescapesEntities(t *testing.T) {
	assert.Equal(t, " Hello & welcome ", stripHTML("<p>Hello &amp; welcome</p>"))
}

func TestValidateAttachment_RejectsOversizedFilename(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	meta := AttachmentMeta{Filename: string(long), AttachmentID: "a1", MIMEType: "application/pdf"}
	assert.NotEmpty(t, validateAttachment(meta))
}

func TestValidateAttachment_RejectsMissingAttachmentID(t *testing.T) {
	meta := AttachmentMeta{Filename: "report.pdf", MIMEType: "application/pdf"}
	assert.Equal(t, "missing attachment id", validateAttachment(meta))
}

func TestValidateAttachment_AcceptsWellFormedMeta(t *testing.T) {
	meta := AttachmentMeta{Filename: "report.pdf", AttachmentID: "a1", MIMEType: "application/pdf", Size: 1024}
	assert.Empty(t, validateAttachment(meta))
}

func TestIsOCRable_MatchesByMIMEType(t *testing.T) {
	assert.True(t, isOCRable(AttachmentMeta{MIMEType: "application/pdf"}))
	assert.True(t, isOCRable(AttachmentMeta{MIMEType: "image/heic"}))
	assert.False(t, isOCRable(AttachmentMeta{MIMEType: "application/zip"}))
}

func TestIsOCRable_FallsBackToFilenameExtension(t *testing.T) {
	assert.True(t, isOCRable(AttachmentMeta{MIMEType: "application/octet-stream", Filename: "scan.JPG"}))
	assert.False(t, isOCRable(AttachmentMeta{MIMEType: "application/octet-stream", Filename: "notes.txt"}))
}

func TestExtOf_ReturnsDottedExtension(t *testing.T) {
	assert.Equal(t, ".pdf", extOf("report.pdf"))
	assert.Equal(t, "", extOf("noext"))
}
