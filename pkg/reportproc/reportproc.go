// Package reportproc implements C7: turning an uploaded or Gmail-sourced
// lab report payload into persisted patient_reports/lab_results rows,
// then handing the new rows to the unit normalizer and analyte mapper.
package reportproc

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/labctl/labctl/pkg/analytemap"
	"github.com/labctl/labctl/pkg/catalog"
	"github.com/labctl/labctl/pkg/llmclient"
	"github.com/labctl/labctl/pkg/unitnorm"
)

// MaxPDFPages caps how many pages a single report upload may span.
const MaxPDFPages = 10

var allowedMIMEs = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/heic":      true,
}

// ErrUnsupportedMIME is returned for a payload whose mime type isn't on
// the input whitelist.
var ErrUnsupportedMIME = fmt.Errorf("reportproc: unsupported mime type")

// ErrTooManyPages is returned when a PDF exceeds MaxPDFPages.
var ErrTooManyPages = fmt.Errorf("reportproc: pdf exceeds page limit")

// PageCounter returns the page count of a PDF payload; swappable in
// tests to avoid a real PDF dependency.
type PageCounter func(pdf []byte) (int, error)

// ImageConverter rasterizes a PDF's pages to images for providers that
// require image input; swappable in tests.
type ImageConverter func(pdf []byte) ([][]byte, error)

// Extraction is the vision provider's fixed-schema output (spec.md
// §4.7), already schema-validated by llmclient.CompleteStructured.
type Extraction struct {
	PatientName string              `json:"patient_name"`
	PatientAge  *int                `json:"patient_age"`
	PatientDOB  string              `json:"patient_dob"`
	Gender      string              `json:"gender"`
	TestDate    string              `json:"test_date"`
	Parameters  []ExtractedParam    `json:"parameters"`
	MissingData []string            `json:"missing_data"`
}

// ExtractedParam is one row of the vision model's parameters[] array.
type ExtractedParam struct {
	ParameterName      string  `json:"parameter_name"`
	Result             string  `json:"result"`
	Unit               string  `json:"unit"`
	ReferenceInterval  RefIval `json:"reference_interval"`
	IsValueOutOfRange  bool    `json:"is_value_out_of_range"`
	NumericResult      *float64 `json:"numeric_result"`
	SpecimenType       string  `json:"specimen_type"`
}

// RefIval is a reference interval as the vision model reports it —
// either structured bounds or free text when the report doesn't use a
// simple numeric range.
type RefIval struct {
	Lower         *float64 `json:"lower"`
	LowerOperator string   `json:"lower_operator"`
	Upper         *float64 `json:"upper"`
	UpperOperator string   `json:"upper_operator"`
	Text          string   `json:"text"`
	FullText      string   `json:"full_text"`
}

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"patient_name": map[string]any{"type": "string"},
		"patient_age":  map[string]any{"type": []string{"integer", "null"}},
		"patient_dob":  map[string]any{"type": "string"},
		"gender":       map[string]any{"type": "string"},
		"test_date":    map[string]any{"type": "string"},
		"parameters": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"parameter_name", "result"},
				"properties": map[string]any{
					"parameter_name": map[string]any{"type": "string"},
					"result":         map[string]any{"type": "string"},
					"unit":           map[string]any{"type": "string"},
					"reference_interval": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"lower":          map[string]any{"type": []string{"number", "null"}},
							"lower_operator": map[string]any{"type": "string"},
							"upper":          map[string]any{"type": []string{"number", "null"}},
							"upper_operator": map[string]any{"type": "string"},
							"text":           map[string]any{"type": "string"},
							"full_text":      map[string]any{"type": "string"},
						},
					},
					"is_value_out_of_range": map[string]any{"type": "boolean"},
					"numeric_result":        map[string]any{"type": []string{"number", "null"}},
					"specimen_type":         map[string]any{"type": "string"},
				},
			},
		},
		"missing_data": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"parameters"},
}

// Processor wires extraction, sanitization, persistence and the C5/C6
// handoff into one pipeline.
type Processor struct {
	db              *sql.DB
	catalog         *catalog.Store
	llm             llmclient.Client
	unitnorm        *unitnorm.Normalizer
	unitConcurrency int
	pageCounter     PageCounter
	imageConv       ImageConverter
	log             *slog.Logger
}

// New constructs a Processor. pageCounter/imageConv may be nil when the
// caller only ever hands image payloads to Ingest. unitConcurrency caps
// how many of a single report's distinct raw units are normalized
// concurrently (spec.md §4.5 normalizeUnitsBatch, UNIT_NORMALIZATION_MAX_CONCURRENCY);
// 0 falls back to 5.
func New(db *sql.DB, store *catalog.Store, llm llmclient.Client, un *unitnorm.Normalizer, unitConcurrency int, pageCounter PageCounter, imageConv ImageConverter) *Processor {
	if unitConcurrency <= 0 {
		unitConcurrency = 5
	}
	return &Processor{
		db: db, catalog: store, llm: llm, unitnorm: un,
		unitConcurrency: unitConcurrency,
		pageCounter:     pageCounter, imageConv: imageConv,
		log: slog.With("component", "reportproc"),
	}
}

// ValidateInput enforces the mime whitelist and, for PDFs, the page cap.
func (p *Processor) ValidateInput(mimeType string, payload []byte) error {
	if !allowedMIMEs[mimeType] {
		return fmt.Errorf("%w: %s", ErrUnsupportedMIME, mimeType)
	}
	if mimeType == "application/pdf" && p.pageCounter != nil {
		n, err := p.pageCounter(payload)
		if err != nil {
			return fmt.Errorf("reportproc: count pdf pages: %w", err)
		}
		if n > MaxPDFPages {
			return fmt.Errorf("%w: %d pages", ErrTooManyPages, n)
		}
	}
	return nil
}

// Result summarizes one Ingest call's outcome.
type Result struct {
	ReportID        string
	ResultCount     int
	NormalizeFailed int
	Mapping         analytemap.BatchResult
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ParserVersion is stamped onto every patient_reports row this build of
// the processor writes, so a later parser upgrade can identify rows
// that need re-extraction.
const ParserVersion = "labctl-reportproc/1"

// Ingest runs the full C7 pipeline for one payload belonging to patientID.
func (p *Processor) Ingest(ctx context.Context, patientID, sourceFilename, mimeType string, payload []byte) (Result, error) {
	if err := p.ValidateInput(mimeType, payload); err != nil {
		return Result{}, err
	}

	images := [][]byte{payload}
	if mimeType == "application/pdf" && p.imageConv != nil {
		converted, err := p.imageConv(payload)
		if err != nil {
			return Result{}, fmt.Errorf("reportproc: convert pdf to images: %w", err)
		}
		images = converted
	}

	extraction, err := p.extract(ctx, images)
	if err != nil {
		return Result{}, fmt.Errorf("reportproc: extract: %w", err)
	}

	sanitized := sanitizeParameters(extraction.Parameters)

	checksum := checksumOf(payload)
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("reportproc: begin tx: %w", err)
	}
	defer tx.Rollback()

	reportID, createdAt, updatedAt, err := upsertReport(ctx, tx, patientID, sourceFilename, mimeType, checksum, extraction)
	if err != nil {
		return Result{}, fmt.Errorf("reportproc: upsert report: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lab_results WHERE report_id = $1`, reportID); err != nil {
		return Result{}, fmt.Errorf("reportproc: clear prior results: %w", err)
	}

	resultIDs := make([]string, 0, len(sanitized))
	for i, param := range sanitized {
		resultID, err := insertLabResult(ctx, tx, reportID, i, param)
		if err != nil {
			return Result{}, fmt.Errorf("reportproc: insert lab result: %w", err)
		}
		resultIDs = append(resultIDs, resultID)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("reportproc: commit: %w", err)
	}

	res := Result{ReportID: reportID, ResultCount: len(resultIDs), CreatedAt: createdAt, UpdatedAt: updatedAt}

	if err := p.normalizeUnits(ctx, resultIDs, sanitized); err != nil {
		p.log.Warn("unit normalization pass failed", "report_id", reportID, "error", err)
		res.NormalizeFailed = len(resultIDs)
	}

	mapping, err := p.mapAnalytes(ctx, resultIDs, sanitized)
	if err != nil {
		p.log.Warn("analyte mapping pass failed", "report_id", reportID, "error", err)
	}
	res.Mapping = mapping

	return res, nil
}

// normalizeUnits implements spec.md §4.5's normalizeUnitsBatch: units
// are deduplicated by raw string within the report (the LLM tier and
// auto-learn only need to run once per distinct raw unit), then fanned
// out under a per-report concurrency cap. A single unit's failure is
// isolated by normalizeUnitGroup and never aborts the batch.
func (p *Processor) normalizeUnits(ctx context.Context, resultIDs []string, params []ExtractedParam) error {
	if p.unitnorm == nil {
		return nil
	}

	type group struct {
		parameterName string
		resultIDs     []string
	}
	byUnit := make(map[string]*group)
	var order []string
	for i, resultID := range resultIDs {
		param := params[i]
		if param.Unit == "" {
			continue
		}
		g, ok := byUnit[param.Unit]
		if !ok {
			g = &group{parameterName: param.ParameterName}
			byUnit[param.Unit] = g
			order = append(order, param.Unit)
		}
		g.resultIDs = append(g.resultIDs, resultID)
	}

	p2 := pool.New().WithMaxGoroutines(p.unitConcurrency).WithContext(ctx)
	for _, unit := range order {
		unit := unit
		g := byUnit[unit]
		p2.Go(func(ctx context.Context) error {
			canonical, ok := p.normalizeUnitGroup(ctx, unit, g.resultIDs[0], g.parameterName)
			if !ok {
				return nil
			}
			for _, resultID := range g.resultIDs[1:] {
				if err := p.applyCanonicalUnit(ctx, resultID, canonical); err != nil {
					p.log.Warn("apply cached unit canonical failed", "result_id", resultID, "error", err)
				}
			}
			return nil
		})
	}
	_ = p2.Wait()
	return nil
}

// normalizeUnitGroup runs C5 once for a distinct raw unit string,
// applying the result to the first result_id in the group, and reports
// the canonical form so the caller can fan it out to the rest of the
// group without re-invoking the LLM tier or auto-learn.
func (p *Processor) normalizeUnitGroup(ctx context.Context, rawUnit, firstResultID, parameterName string) (string, bool) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.log.Warn("unit normalize begin tx failed", "result_id", firstResultID, "error", err)
		return "", false
	}
	defer tx.Rollback()

	unitResult, err := p.unitnorm.Normalize(ctx, tx, rawUnit, firstResultID, parameterName)
	if err != nil {
		p.log.Warn("unit normalize failed", "result_id", firstResultID, "error", err)
		return "", false
	}
	if unitResult.Canonical != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE lab_results SET unit_canonical = $1 WHERE result_id = $2`, unitResult.Canonical, firstResultID); err != nil {
			p.log.Warn("apply unit canonical failed", "result_id", firstResultID, "error", err)
			return "", false
		}
	}
	if err := tx.Commit(); err != nil {
		p.log.Warn("unit normalize commit failed", "result_id", firstResultID, "error", err)
		return "", false
	}
	return unitResult.Canonical, unitResult.Canonical != ""
}

// applyCanonicalUnit writes an already-resolved canonical unit to a
// duplicate row sharing the same raw unit string within the report,
// skipping a redundant pipeline run.
func (p *Processor) applyCanonicalUnit(ctx context.Context, resultID, canonical string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE lab_results SET unit_canonical = $1 WHERE result_id = $2`, canonical, resultID); err != nil {
		return err
	}
	return tx.Commit()
}

// mapAnalytes runs Tier A/B for every new row, then a single Tier C
// batch covering everything Tier A/B couldn't settle, and applies the
// write policy for the whole report in one transaction — spec.md
// §4.6's per-report batching, not per-row.
func (p *Processor) mapAnalytes(ctx context.Context, resultIDs []string, params []ExtractedParam) (analytemap.BatchResult, error) {
	th := analytemap.DefaultThresholds()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return analytemap.BatchResult{}, err
	}
	defer tx.Rollback()

	rows := make([]analytemap.RowForBatch, 0, len(resultIDs))
	for i, resultID := range resultIDs {
		param := params[i]
		labelNorm := analytemap.NormalizeLabel(param.ParameterName)
		tier, err := analytemap.RunTiers(ctx, p.catalog, tx, labelNorm, th)
		if err != nil {
			return analytemap.BatchResult{}, fmt.Errorf("tier lookup for %s: %w", resultID, err)
		}
		rows = append(rows, analytemap.RowForBatch{
			ResultID:      resultID,
			RawLabel:      param.ParameterName,
			Unit:          param.Unit,
			ReferenceHint: param.ReferenceInterval.FullText,
			Tier:          tier,
		})
	}

	schemaContext, err := p.schemaContext(ctx, tx)
	if err != nil {
		return analytemap.BatchResult{}, fmt.Errorf("render analyte schema context: %w", err)
	}

	batch, err := analytemap.WetRun(ctx, tx, p.llm, schemaContext, rows, th)
	if err != nil {
		return analytemap.BatchResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return analytemap.BatchResult{}, fmt.Errorf("commit mapping batch: %w", err)
	}
	return batch, nil
}

// schemaContext renders the approved + pending analyte catalog Tier C's
// prompt needs, per spec.md §4.6: "the full analyte schema (approved
// analytes tagged plain, pending analytes tagged [PENDING])".
func (p *Processor) schemaContext(ctx context.Context, tx *sql.Tx) (string, error) {
	var b strings.Builder

	rows, err := tx.QueryContext(ctx, `SELECT code, canonical_name, canonical_unit, category FROM analytes ORDER BY code`)
	if err != nil {
		return "", err
	}
	for rows.Next() {
		var code, name, unit string
		var category sql.NullString
		if err := rows.Scan(&code, &name, &unit, &category); err != nil {
			rows.Close()
			return "", err
		}
		fmt.Fprintf(&b, "%s: %s (%s) [%s]\n", code, name, unit, category.String)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	pendingRows, err := tx.QueryContext(ctx, `SELECT proposed_code, proposed_name, unit FROM pending_analytes WHERE status = 'pending' ORDER BY proposed_code`)
	if err != nil {
		return "", err
	}
	for pendingRows.Next() {
		var code, name, unit string
		if err := pendingRows.Scan(&code, &name, &unit); err != nil {
			pendingRows.Close()
			return "", err
		}
		fmt.Fprintf(&b, "%s: %s (%s) [PENDING]\n", code, name, unit)
	}
	pendingRows.Close()
	return b.String(), pendingRows.Err()
}

// extract calls the vision provider over every page image and merges
// the results, keeping the first page's patient fields (reports repeat
// them per page) and concatenating parameters/missing_data.
func (p *Processor) extract(ctx context.Context, images [][]byte) (Extraction, error) {
	var merged Extraction
	for idx, img := range images {
		raw, err := p.llm.CompleteStructured(ctx, llmclient.Request{
			SystemPrompt: "Extract structured lab result data from this report page image.",
			Images:       [][]byte{img},
			Timeout:      120 * time.Second,
		}, extractionSchema)
		if err != nil {
			return Extraction{}, fmt.Errorf("page %d: %w", idx, err)
		}
		var page Extraction
		if err := json.Unmarshal(raw, &page); err != nil {
			return Extraction{}, fmt.Errorf("page %d: parse extraction: %w", idx, err)
		}
		if idx == 0 {
			merged.PatientName, merged.PatientAge, merged.PatientDOB, merged.Gender, merged.TestDate =
				page.PatientName, page.PatientAge, page.PatientDOB, page.Gender, page.TestDate
		}
		merged.Parameters = append(merged.Parameters, page.Parameters...)
		merged.MissingData = append(merged.MissingData, page.MissingData...)
	}
	return merged, nil
}

// sanitizeParameters normalizes operator/specimen/reference-text
// formatting the vision model returns inconsistently, ahead of
// persistence. Unit canonicalization itself happens later via C5.
func sanitizeParameters(params []ExtractedParam) []ExtractedParam {
	out := make([]ExtractedParam, len(params))
	for i, p := range params {
		p.ParameterName = strings.TrimSpace(p.ParameterName)
		p.Unit = strings.TrimSpace(p.Unit)
		p.SpecimenType = strings.ToLower(strings.TrimSpace(p.SpecimenType))
		p.ReferenceInterval.LowerOperator = normalizeOperator(p.ReferenceInterval.LowerOperator)
		p.ReferenceInterval.UpperOperator = normalizeOperator(p.ReferenceInterval.UpperOperator)
		out[i] = p
	}
	return out
}

func normalizeOperator(op string) string {
	switch strings.TrimSpace(op) {
	case "<=", "≤", "le":
		return "<="
	case ">=", "≥", "ge":
		return ">="
	case "<", "lt":
		return "<"
	case ">", "gt":
		return ">"
	case "", "=", "eq":
		return "="
	default:
		return op
	}
}

func checksumOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// upsertReport creates or updates the patient_reports row keyed on
// (patient_id, checksum), per spec.md §4.7's idempotent re-ingest rule.
// The returned created_at/updated_at let a caller (e.g. C9's gmail
// hand-off) distinguish a fresh insert from an update to an existing
// report by comparing the two timestamps.
func upsertReport(ctx context.Context, tx *sql.Tx, patientID, sourceFilename, mimeType, checksum string, ex Extraction) (reportID string, createdAt, updatedAt time.Time, err error) {
	raw, merr := json.Marshal(ex)
	if merr != nil {
		raw = []byte("{}")
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO patient_reports (
			report_id, patient_id, source_filename, mime_type, checksum_sha256, parser_version,
			status, recognized_at, test_date, patient_name_snapshot, patient_gender_snapshot,
			raw_model_output, missing_data
		) VALUES (
			gen_random_uuid()::text, $1, $2, $3, $4, $5,
			'extracted', now(), NULLIF($6, '')::timestamptz, NULLIF($7, ''), NULLIF($8, ''),
			$9, $10
		)
		ON CONFLICT (patient_id, checksum_sha256) DO UPDATE SET
			source_filename = EXCLUDED.source_filename,
			mime_type = EXCLUDED.mime_type,
			parser_version = EXCLUDED.parser_version,
			status = 'extracted',
			recognized_at = now(),
			test_date = EXCLUDED.test_date,
			patient_name_snapshot = EXCLUDED.patient_name_snapshot,
			patient_gender_snapshot = EXCLUDED.patient_gender_snapshot,
			raw_model_output = EXCLUDED.raw_model_output,
			missing_data = EXCLUDED.missing_data,
			updated_at = now()
		RETURNING report_id, created_at, updated_at`,
		patientID, sourceFilename, mimeType, checksum, ParserVersion,
		ex.TestDate, ex.PatientName, ex.Gender, string(raw), missingDataJSON(ex.MissingData),
	).Scan(&reportID, &createdAt, &updatedAt)
	return reportID, createdAt, updatedAt, err
}

func missingDataJSON(missing []string) []byte {
	if missing == nil {
		missing = []string{}
	}
	b, err := json.Marshal(missing)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func insertLabResult(ctx context.Context, tx *sql.Tx, reportID string, position int, p ExtractedParam) (string, error) {
	var resultID string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO lab_results (
			result_id, report_id, position, parameter_name, result_text, unit_raw,
			reference_lower, reference_lower_operator, reference_upper, reference_upper_operator,
			reference_text, reference_full_text, out_of_range, numeric_result, specimen_type
		) VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING result_id`,
		reportID, position, p.ParameterName, p.Result, p.Unit,
		p.ReferenceInterval.Lower, p.ReferenceInterval.LowerOperator,
		p.ReferenceInterval.Upper, p.ReferenceInterval.UpperOperator,
		p.ReferenceInterval.Text, p.ReferenceInterval.FullText,
		p.IsValueOutOfRange, p.NumericResult, p.SpecimenType,
	).Scan(&resultID)
	return resultID, err
}
