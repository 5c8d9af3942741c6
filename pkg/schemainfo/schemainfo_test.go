package schemainfo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSnapshot() []Table {
	return []Table{
		{Name: "patients", Columns: []Column{{Name: "id"}, {Name: "display_name"}, {Name: "date_of_birth"}}},
		{Name: "patient_reports", Columns: []Column{{Name: "id"}, {Name: "patient_id"}, {Name: "status"}},
			ForeignKeys: []ForeignKey{{Column: "patient_id", ReferencedTable: "patients"}}},
		{Name: "lab_results", Columns: []Column{{Name: "id"}, {Name: "report_id"}, {Name: "parameter_name"}, {Name: "numeric_result"}},
			ForeignKeys: []ForeignKey{{Column: "report_id", ReferencedTable: "patient_reports"}}},
		{Name: "gmail_provenances", Columns: []Column{{Name: "id"}, {Name: "message_id"}}},
	}
}

func TestBuildSchemaSection_RanksEntityMatchesHigher(t *testing.T) {
	c := NewCache(time.Hour, []string{"patients", "patient_reports", "lab_results", "gmail_provenances"})
	c.snapshot = Snapshot{ID: "test", Tables: testSnapshot(), FetchedAt: time.Now()}

	section := c.BuildSchemaSection("show me patient lab results", DefaultBudget())
	assert.NotEmpty(t, section.Tables)
	assert.Equal(t, "lab_results", section.Tables[0].Name)
}

func TestBuildSchemaSection_TruncatesToTableBudget(t *testing.T) {
	c := NewCache(time.Hour, nil)
	tables := testSnapshot()
	c.snapshot = Snapshot{ID: "test", Tables: tables, FetchedAt: time.Now()}

	section := c.BuildSchemaSection("patient", Budget{MaxTables: 2, MaxColumns: 60, ApproxTokenCap: 6000})
	assert.Len(t, section.Tables, 2)
	assert.True(t, section.Truncated)
}

func TestBuildSchemaSection_TruncatesColumnsAndReports(t *testing.T) {
	c := NewCache(time.Hour, nil)
	c.snapshot = Snapshot{ID: "test", Tables: testSnapshot(), FetchedAt: time.Now()}

	section := c.BuildSchemaSection("patient", Budget{MaxTables: 10, MaxColumns: 1, ApproxTokenCap: 6000})
	for _, tbl := range section.Tables {
		assert.LessOrEqual(t, len(tbl.Columns), 1)
	}
	assert.True(t, section.Truncated)
}

func TestCache_Stale(t *testing.T) {
	c := NewCache(time.Millisecond, nil)
	c.snapshot = Snapshot{FetchedAt: time.Now()}
	assert.False(t, c.Stale())
	time.Sleep(5 * time.Millisecond)
	assert.True(t, c.Stale())
}

func TestCache_OnInvalidateForcesStale(t *testing.T) {
	c := NewCache(time.Hour, nil)
	c.snapshot = Snapshot{FetchedAt: time.Now()}
	assert.False(t, c.Stale())
	c.OnInvalidate()
	assert.True(t, c.Stale())
}

func TestSnapshotID_StableAcrossOrdering(t *testing.T) {
	a := []Table{{Name: "b", Columns: []Column{{Name: "x"}}}, {Name: "a", Columns: []Column{{Name: "y"}}}}
	b := []Table{{Name: "a", Columns: []Column{{Name: "y"}}}, {Name: "b", Columns: []Column{{Name: "x"}}}}
	assert.Equal(t, snapshotID(a), snapshotID(b))
}

func TestSnapshotID_ChangesWithShape(t *testing.T) {
	a := []Table{{Name: "a", Columns: []Column{{Name: "x"}}}}
	b := []Table{{Name: "a", Columns: []Column{{Name: "x"}, {Name: "y"}}}}
	assert.NotEqual(t, snapshotID(a), snapshotID(b))
}
