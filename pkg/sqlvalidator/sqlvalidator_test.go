package sqlvalidator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// l4DynamicReadOnly requires a live connection and has no test in this
// package; these cases pass a nil *sql.Tx, which
// Validate treats as "skip L4" so L1–L3/L5 can be tested without a
// database.

func TestValidate_RejectsWriteStatement(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "DELETE FROM lab_results", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Violations)
}

func TestValidate_RejectsMultipleStatements(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT 1; SELECT 2", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_RejectsNamedPlaceholder(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM patients WHERE id = :id", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_AllowsTypecastNotConfusedWithPlaceholder(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT id::text FROM patients LIMIT 10", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidate_RejectsForbiddenFunction(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT pg_sleep(5)", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_RejectsForUpdate(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM patients FOR UPDATE", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_AppendsMissingLimit(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM patients", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Contains(t, res.SQLWithLimit, "LIMIT 50")
}

func TestValidate_ClampsOversizedLimit(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM patients LIMIT 99999", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Contains(t, res.SQLWithLimit, "LIMIT 50")
	assert.NotContains(t, res.SQLWithLimit, "99999")
}

func TestValidate_PreservesUndersizedLimit(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM patients LIMIT 5", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Contains(t, res.SQLWithLimit, "LIMIT 5")
}

func TestValidate_PlotQueryRequiresTYColumns(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT value FROM lab_results", QueryPlot, PatientScope{})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_PlotQueryAccepted(t *testing.T) {
	sql := "SELECT (EXTRACT(EPOCH FROM created_at)::bigint * 1000) AS t, numeric_result::numeric AS y " +
		"FROM lab_results ORDER BY t ASC"
	res, err := Validate(nil, nil, DefaultConfig(), sql, QueryPlot, PatientScope{})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidate_PatientScopeRequiredAndMissing(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM lab_results", QueryTable,
		PatientScope{Required: true, PatientID: "patient-1"})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_PatientScopeSatisfied(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM lab_results WHERE patient_id = 'patient-1'", QueryTable,
		PatientScope{Required: true, PatientID: "patient-1"})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidate_PatientScopeExemptForExplore(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM lab_results", QueryExplore,
		PatientScope{Required: true, PatientID: "patient-1"})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidate_BypassSkipsAllLayers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bypass = true
	res, err := Validate(nil, nil, cfg, "DELETE FROM patients", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidate_TooManyJoinsRejected(t *testing.T) {
	sql := "SELECT 1 FROM a " +
		"JOIN b ON true JOIN c ON true JOIN d ON true JOIN e ON true JOIN f ON true JOIN g ON true"
	res, err := Validate(nil, nil, DefaultConfig(), sql, QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidate_TrailingCommentStripped(t *testing.T) {
	res, err := Validate(nil, nil, DefaultConfig(), "SELECT * FROM patients; -- drop everything", QueryData, PatientScope{})
	assert.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Contains(t, res.SQLWithLimit, "LIMIT 50")
}
