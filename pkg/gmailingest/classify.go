package gmailingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"google.golang.org/api/gmail/v1"

	"github.com/labctl/labctl/pkg/llmclient"
)

// DefaultMaxBodyChars caps the body classifier's extracted text. The cap
// is fixed; no environment setting overrides it.
const DefaultMaxBodyChars = 8000

const subjectBatchSize = 25
const subjectBatchConcurrency = 3
const bodyClassifyTimeout = 120 * time.Second

var ocrableMIMEs = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/heic":      true,
}

var ocrableExtensions = map[string]bool{
	"pdf": true, "png": true, "jpg": true, "jpeg": true, "heic": true,
}

// SubjectVerdict is one message's subject-classifier output.
type SubjectVerdict struct {
	MessageID  string  `json:"id"`
	IsLabLikely bool   `json:"is_lab_likely"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

var subjectBatchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"verdicts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"id", "is_lab_likely", "confidence"},
				"properties": map[string]any{
					"id":            map[string]any{"type": "string"},
					"is_lab_likely": map[string]any{"type": "boolean"},
					"confidence":    map[string]any{"type": "number"},
					"reason":        map[string]any{"type": "string"},
				},
			},
		},
	},
	"required": []string{"verdicts"},
}

// SubjectClassifier runs Stage 2's subject pass: batches of
// subjectBatchSize headers, subjectBatchConcurrency batches at once.
type SubjectClassifier struct {
	llm   llmclient.Client
	retry llmclient.RetryPolicy
	log   *slog.Logger
}

func NewSubjectClassifier(llm llmclient.Client) *SubjectClassifier {
	return &SubjectClassifier{llm: llm, retry: llmclient.RetryPolicy{Attempts: 3, BaseDelay: time.Second}, log: slog.With("component", "gmailingest.subject")}
}

// Classify partitions headers into subjectBatchSize batches and runs
// them concurrently (capped at subjectBatchConcurrency), returning one
// verdict per input header.
func (c *SubjectClassifier) Classify(ctx context.Context, headers []MessageHeader) ([]SubjectVerdict, error) {
	batches := chunkHeaders(headers, subjectBatchSize)

	var mu sync.Mutex
	var verdicts []SubjectVerdict
	var firstErr error

	p := pool.New().WithMaxGoroutines(subjectBatchConcurrency).WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		p.Go(func(ctx context.Context) error {
			v, err := c.classifyBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			verdicts = append(verdicts, v...)
			return nil
		})
	}
	_ = p.Wait()
	if firstErr != nil {
		return verdicts, firstErr
	}
	return verdicts, nil
}

func (c *SubjectClassifier) classifyBatch(ctx context.Context, batch []MessageHeader) ([]SubjectVerdict, error) {
	var b strings.Builder
	for _, h := range batch {
		fmt.Fprintf(&b, "id=%s subject=%q from=%q\n", h.MessageID, h.Subject, h.From)
	}

	var raw []byte
	var err error
	delay := c.retry.BaseDelay
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		raw, err = c.llm.CompleteStructured(ctx, llmclient.Request{
			SystemPrompt: "Classify each email as likely containing a lab/medical test report based on its subject and sender.",
			Messages:     []llmclient.Message{{Role: "user", Text: b.String()}},
			Timeout:      30 * time.Second,
		}, subjectBatchSchema)
		if err == nil {
			break
		}
		if attempt < c.retry.Attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("gmailingest: subject classify batch: %w", err)
	}

	var parsed struct {
		Verdicts []SubjectVerdict `json:"verdicts"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("gmailingest: parse subject verdicts: %w", err)
	}
	return parsed.Verdicts, nil
}

func chunkHeaders(headers []MessageHeader, size int) [][]MessageHeader {
	var out [][]MessageHeader
	for i := 0; i < len(headers); i += size {
		end := i + size
		if end > len(headers) {
			end = len(headers)
		}
		out = append(out, headers[i:end])
	}
	return out
}

// AttachmentMeta is one validated attachment's metadata.
type AttachmentMeta struct {
	AttachmentID string
	Filename     string
	MIMEType     string
	Size         int64
}

// BodyClassification is Stage 2's body-classifier output for one
// message.
type BodyClassification struct {
	MessageID          string
	Accepted           bool
	Confidence         float64
	Attachments        []AttachmentMeta
	RejectedAttachments []AttachmentMeta
	AttachmentIssues   []string
}

var bodyVerdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"is_lab_likely": map[string]any{"type": "boolean"},
		"confidence":    map[string]any{"type": "number"},
		"attachments": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"attachment_id":       map[string]any{"type": "string"},
					"is_likely_lab_report": map[string]any{"type": "boolean"},
				},
			},
		},
	},
	"required": []string{"is_lab_likely", "confidence"},
}

// BodyClassifier fetches the full message, extracts text, validates
// attachments, and either settles the decision deterministically
// (no-body-but-OCR-able-attachment) or defers to the LLM.
type BodyClassifier struct {
	svc     *gmail.Service
	limiter *Limiter
	llm     llmclient.Client
	log     *slog.Logger
}

func NewBodyClassifier(svc *gmail.Service, limiter *Limiter, llm llmclient.Client) *BodyClassifier {
	return &BodyClassifier{svc: svc, limiter: limiter, llm: llm, log: slog.With("component", "gmailingest.body")}
}

// ClassifyBatch runs the body classifier over candidates in batches of
// subjectBatchSize with subjectBatchConcurrency parallelism.
func (c *BodyClassifier) ClassifyBatch(ctx context.Context, messageIDs []string) ([]BodyClassification, error) {
	batches := chunkStrings(messageIDs, subjectBatchSize)

	var mu sync.Mutex
	var results []BodyClassification

	p := pool.New().WithMaxGoroutines(subjectBatchConcurrency).WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		p.Go(func(ctx context.Context) error {
			for _, id := range batch {
				bc, err := c.classifyOne(ctx, id)
				if err != nil {
					c.log.Warn("body classify failed", "message_id", id, "error", err)
					continue
				}
				mu.Lock()
				results = append(results, bc)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = p.Wait()
	return results, nil
}

func (c *BodyClassifier) classifyOne(ctx context.Context, messageID string) (BodyClassification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return BodyClassification{}, err
	}

	msg, err := c.svc.Users.Messages.Get("me", messageID).Format("full").Do()
	if err != nil {
		return BodyClassification{}, fmt.Errorf("gmailingest: fetch message: %w", err)
	}

	bodyText := extractBodyText(msg.Payload)
	attachments, issues := extractAttachments(msg.Payload)

	hasOCRable := false
	for _, a := range attachments {
		if isOCRable(a) {
			hasOCRable = true
			break
		}
	}

	result := BodyClassification{MessageID: messageID, AttachmentIssues: issues}

	if bodyText == "" {
		if hasOCRable {
			result.Accepted = true
			result.Confidence = 0.75
			result.Attachments = attachments
		} else {
			result.Accepted = false
			result.RejectedAttachments = attachments
		}
		return result, nil
	}

	raw, err := c.llm.CompleteStructured(ctx, llmclient.Request{
		SystemPrompt: "Decide whether this email's body describes or attaches a lab/medical test report, and which attachments are likely the report itself.",
		Messages:     []llmclient.Message{{Role: "user", Text: bodyText}},
		Timeout:      bodyClassifyTimeout,
	}, bodyVerdictSchema)
	if err != nil {
		return BodyClassification{}, fmt.Errorf("gmailingest: body classify: %w", err)
	}

	var parsed struct {
		IsLabLikely bool    `json:"is_lab_likely"`
		Confidence  float64 `json:"confidence"`
		Attachments []struct {
			AttachmentID       string `json:"attachment_id"`
			IsLikelyLabReport  bool   `json:"is_likely_lab_report"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return BodyClassification{}, fmt.Errorf("gmailingest: parse body verdict: %w", err)
	}

	decisionByID := make(map[string]bool, len(parsed.Attachments))
	for _, a := range parsed.Attachments {
		decisionByID[a.AttachmentID] = a.IsLikelyLabReport
	}

	result.Accepted = parsed.IsLabLikely
	result.Confidence = parsed.Confidence
	for _, a := range attachments {
		if decisionByID[a.AttachmentID] {
			result.Attachments = append(result.Attachments, a)
		} else {
			result.RejectedAttachments = append(result.RejectedAttachments, a)
		}
	}
	return result, nil
}

func chunkStrings(items []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// extractBodyText prefers text/plain, falls back to stripped text/html,
// decodes base64url, collapses whitespace, and truncates to
// DefaultMaxBodyChars.
func extractBodyText(payload *gmail.MessagePart) string {
	plain, htmlBody := findBodyParts(payload)

	var text string
	if plain != "" {
		text = plain
	} else if htmlBody != "" {
		text = stripHTML(htmlBody)
	}

	text = collapseWhitespace(text)
	if len(text) > DefaultMaxBodyChars {
		text = text[:DefaultMaxBodyChars]
	}
	return text
}

func findBodyParts(part *gmail.MessagePart) (plain, htmlBody string) {
	if part == nil {
		return "", ""
	}
	if part.Body != nil && part.Body.Data != "" {
		decoded := decodeBase64URL(part.Body.Data)
		switch part.MimeType {
		case "text/plain":
			plain = decoded
		case "text/html":
			htmlBody = decoded
		}
	}
	for _, child := range part.Parts {
		p, h := findBodyParts(child)
		if plain == "" {
			plain = p
		}
		if htmlBody == "" {
			htmlBody = h
		}
	}
	return plain, htmlBody
}

func decodeBase64URL(s string) string {
	b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return html.UnescapeString(htmlTagRe.ReplaceAllString(s, " "))
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// extractAttachments walks the MIME tree collecting attachment
// metadata. An attachment is rejected (and an issue recorded) if its
// filename is empty/too long/contains null bytes, its size is
// negative, or its attachment id/mime type is empty.
func extractAttachments(part *gmail.MessagePart) ([]AttachmentMeta, []string) {
	var metas []AttachmentMeta
	var issues []string
	walkAttachments(part, &metas, &issues)
	return metas, issues
}

func walkAttachments(part *gmail.MessagePart, metas *[]AttachmentMeta, issues *[]string) {
	if part == nil {
		return
	}
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		meta := AttachmentMeta{
			AttachmentID: part.Body.AttachmentId,
			Filename:     part.Filename,
			MIMEType:     part.MimeType,
			Size:         part.Body.Size,
		}
		if issue := validateAttachment(meta); issue != "" {
			*issues = append(*issues, fmt.Sprintf("%s: %s", meta.Filename, issue))
		} else {
			*metas = append(*metas, meta)
		}
	}
	for _, child := range part.Parts {
		walkAttachments(child, metas, issues)
	}
}

func validateAttachment(a AttachmentMeta) string {
	switch {
	case a.Filename == "" || len(a.Filename) > 255:
		return "invalid filename length"
	case strings.ContainsRune(a.Filename, 0):
		return "filename contains null byte"
	case a.Size < 0:
		return "negative size"
	case a.AttachmentID == "":
		return "missing attachment id"
	case a.MIMEType == "":
		return "missing mime type"
	default:
		return ""
	}
}

// isOCRable reports whether an attachment's MIME type or filename
// extension is one the vision extractor can read.
func isOCRable(a AttachmentMeta) bool {
	if ocrableMIMEs[strings.ToLower(a.MIMEType)] {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(extOf(a.Filename)), ".")
	return ocrableExtensions[ext]
}

func extOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}
