package gmailingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"google.golang.org/api/gmail/v1"

	"github.com/labctl/labctl/pkg/identity"
	"github.com/labctl/labctl/pkg/jobs"
	"github.com/labctl/labctl/pkg/reportproc"
)

// AttachmentTerminalState is the per-attachment outcome of Stage 3.
type AttachmentTerminalState string

const (
	StateCompleted AttachmentTerminalState = "completed"
	StateUpdated   AttachmentTerminalState = "updated"
	StateFailed    AttachmentTerminalState = "failed"
	StateDuplicate AttachmentTerminalState = "duplicate"
)

// downloadRetries is the total number of attachment download attempts
// Stage 3 makes while Gmail answers with a rate-limit error, doubling the
// backoff delay after each one (spec.md §4.9 stage 3 step 2).
const downloadRetries = 3

const attachmentDownloadConcurrency = 5

// AttachmentSelection is one attachment the user picked to ingest.
type AttachmentSelection struct {
	MessageID    string
	AttachmentID string
	Filename     string
	MIMEType     string
}

// AttachmentOutcome is the per-attachment Stage 3 result.
type AttachmentOutcome struct {
	MessageID    string
	AttachmentID string
	State        AttachmentTerminalState
	ReportID     string
	Err          error
}

// BatchOutcome is Stage 3's batch terminal state.
type BatchOutcome struct {
	Outcomes []AttachmentOutcome
}

// TerminalState summarizes the batch: completed if every attachment
// reached completed/updated/duplicate, partial_failure if at least one
// failed alongside at least one success, failed if all failed.
func (b BatchOutcome) TerminalState() string {
	var succeeded, failed int
	for _, o := range b.Outcomes {
		if o.State == StateFailed {
			failed++
		} else {
			succeeded++
		}
	}
	switch {
	case failed == 0:
		return "completed"
	case succeeded == 0:
		return "failed"
	default:
		return "partial_failure"
	}
}

// Ingester runs Stage 3: refresh OAuth, dedup, download, hand off to C7,
// and record provenance.
type Ingester struct {
	db        *sql.DB
	svc       *gmail.Service
	limiter   *Limiter
	reportproc *reportproc.Processor
	jobs      *jobs.Registry
	log       *slog.Logger
}

func NewIngester(db *sql.DB, svc *gmail.Service, limiter *Limiter, rp *reportproc.Processor, reg *jobs.Registry) *Ingester {
	return &Ingester{db: db, svc: svc, limiter: limiter, reportproc: rp, jobs: reg, log: slog.With("component", "gmailingest.ingest")}
}

// IngestBatch runs Stage 3 over a user's selected attachments,
// concurrently up to attachmentDownloadConcurrency, and tracks overall
// progress through the job fabric. patientID is the patient the
// extracted reports are attributed to.
func (ig *Ingester) IngestBatch(ctx context.Context, principal identity.Principal, patientID string, selections []AttachmentSelection) (BatchOutcome, error) {
	jobID, jobCtx := ig.jobs.Start(ctx, "gmail_attachment_batch")
	ig.jobs.MarkProcessing(jobID)

	var mu sync.Mutex
	outcomes := make([]AttachmentOutcome, 0, len(selections))
	done := 0

	p := pool.New().WithMaxGoroutines(attachmentDownloadConcurrency).WithContext(jobCtx)
	for _, sel := range selections {
		sel := sel
		p.Go(func(ctx context.Context) error {
			outcome := ig.ingestOne(ctx, principal, patientID, sel)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			done++
			ig.jobs.Progress(jobID, done*100/len(selections), fmt.Sprintf("processed %d/%d attachments", done, len(selections)))
			mu.Unlock()
			return nil
		})
	}
	_ = p.Wait()

	batch := BatchOutcome{Outcomes: outcomes}
	if batch.TerminalState() == "failed" {
		ig.jobs.Fail(jobID, fmt.Errorf("gmailingest: all attachments failed"))
	} else {
		ig.jobs.Complete(jobID, batch)
	}
	return batch, nil
}

func (ig *Ingester) ingestOne(ctx context.Context, principal identity.Principal, patientID string, sel AttachmentSelection) AttachmentOutcome {
	outcome := AttachmentOutcome{MessageID: sel.MessageID, AttachmentID: sel.AttachmentID}

	// Step 1: cross-batch dedup by (message_id, attachment_id).
	if existingReportID, ok, err := ig.lookupProvenance(ctx, sel.MessageID, sel.AttachmentID); err != nil {
		outcome.State, outcome.Err = StateFailed, err
		return outcome
	} else if ok {
		outcome.State, outcome.ReportID = StateDuplicate, existingReportID
		return outcome
	}

	// Step 2: download under the shared limiter, retrying 429s.
	payload, err := ig.downloadWithRetry(ctx, sel.MessageID, sel.AttachmentID)
	if err != nil {
		outcome.State, outcome.Err = StateFailed, fmt.Errorf("gmailingest: download attachment: %w", err)
		return outcome
	}

	// Step 3: checksum dedup.
	checksum := sha256Hex(payload)
	if existingReportID, ok, err := ig.lookupProvenanceByChecksum(ctx, checksum); err != nil {
		outcome.State, outcome.Err = StateFailed, err
		return outcome
	} else if ok {
		outcome.State, outcome.ReportID = StateDuplicate, existingReportID
		return outcome
	}

	// Step 4: normalize MIME.
	mimeType := normalizeMIME(sel.MIMEType, sel.Filename)

	// Step 5: hand off to C7.
	result, err := ig.reportproc.Ingest(ctx, patientID, sel.Filename, mimeType, payload)
	if err != nil {
		outcome.State, outcome.Err = StateFailed, fmt.Errorf("gmailingest: report processing: %w", err)
		return outcome
	}

	// Step 6: new-vs-updated via the timestamp-equality trick.
	if result.CreatedAt.Equal(result.UpdatedAt) {
		outcome.State = StateCompleted
	} else {
		outcome.State = StateUpdated
	}
	outcome.ReportID = result.ReportID

	// Step 7: fetch message metadata and upsert provenance.
	if err := ig.recordProvenance(ctx, result.ReportID, sel.MessageID, sel.AttachmentID, checksum); err != nil {
		ig.log.Warn("record provenance failed", "report_id", result.ReportID, "error", err)
	}

	return outcome
}

func (ig *Ingester) lookupProvenance(ctx context.Context, messageID, attachmentID string) (string, bool, error) {
	var reportID string
	err := ig.db.QueryRowContext(ctx, `SELECT report_id FROM gmail_provenances WHERE message_id = $1 AND attachment_id = $2`, messageID, attachmentID).Scan(&reportID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reportID, true, nil
}

func (ig *Ingester) lookupProvenanceByChecksum(ctx context.Context, checksum string) (string, bool, error) {
	var reportID string
	err := ig.db.QueryRowContext(ctx, `SELECT report_id FROM gmail_provenances WHERE checksum_sha256 = $1 LIMIT 1`, checksum).Scan(&reportID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reportID, true, nil
}

func (ig *Ingester) recordProvenance(ctx context.Context, reportID, messageID, attachmentID, checksum string) error {
	msg, err := ig.svc.Users.Messages.Get("me", messageID).Format("metadata").
		MetadataHeaders("Subject", "From", "Date").Do()
	if err != nil {
		return fmt.Errorf("fetch message metadata: %w", err)
	}

	var subject, fromRaw string
	var emailDate sql.NullTime
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			subject = decodeMIMEHeader(h.Value)
		case "From":
			fromRaw = decodeMIMEHeader(h.Value)
		case "Date":
			if t, err := parseHeaderDate(h.Value); err == nil {
				emailDate = sql.NullTime{Time: t, Valid: true}
			}
		}
	}
	senderName, senderEmail := splitFrom(fromRaw)

	_, err = ig.db.ExecContext(ctx, `
		INSERT INTO gmail_provenances (
			provenance_id, report_id, message_id, attachment_id,
			sender_email, sender_name, subject, email_date, checksum_sha256
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		uuid.NewString(), reportID, messageID, attachmentID,
		senderEmail, senderName, subject, emailDate, checksum,
	)
	return err
}

func (ig *Ingester) downloadWithRetry(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	delay := rateLimitBaseDelay
	var lastErr error
	for attempt := 0; attempt < downloadRetries; attempt++ {
		if err := ig.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		att, err := ig.svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Do()
		if err == nil {
			return decodeAttachmentData(att.Data)
		}
		lastErr = err
		if !isRateLimited(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func decodeAttachmentData(data string) ([]byte, error) {
	decoded := decodeBase64URL(data)
	if decoded == "" && data != "" {
		return nil, fmt.Errorf("gmailingest: empty decode of non-empty attachment data")
	}
	return []byte(decoded), nil
}

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// normalizeMIME resolves application/octet-stream (and blank) MIME
// types to a concrete type via filename extension, per spec.md §4.9
// stage 3 step 4.
func normalizeMIME(mimeType, filename string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType != "" && mimeType != "application/octet-stream" {
		return mimeType
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".heic":
		return "image/heic"
	case ".webp":
		return "image/webp"
	default:
		if mimeType != "" {
			return mimeType
		}
		return "application/octet-stream"
	}
}

func parseHeaderDate(raw string) (time.Time, error) {
	return mail.ParseDate(strings.TrimSpace(raw))
}

func splitFrom(raw string) (name, email string) {
	addr := decodeMIMEHeader(raw)
	if idx := strings.LastIndex(addr, "<"); idx >= 0 && strings.HasSuffix(addr, ">") {
		name = strings.Trim(strings.TrimSpace(addr[:idx]), `"`)
		email = addr[idx+1 : len(addr)-1]
		return name, email
	}
	return "", addr
}
