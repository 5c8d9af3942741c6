package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Report holds the schema definition for the Report entity (patient_reports
// table). Identified by (patient_id, checksum); re-ingesting the same bytes
// updates the row in place rather than creating a duplicate.
type Report struct {
	ent.Schema
}

func (Report) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("report_id").
			Unique().
			Immutable(),
		field.String("patient_id").
			Immutable(),
		field.String("source_filename"),
		field.String("mime_type"),
		field.String("checksum_sha256").
			Comment("SHA-256 of the raw uploaded bytes"),
		field.String("parser_version"),
		field.Enum("status").
			Values("pending", "extracted", "processed", "failed").
			Default("pending"),
		field.Time("recognized_at").
			Optional().
			Nillable(),
		field.Time("processed_at").
			Optional().
			Nillable(),
		field.Time("test_date").
			Optional().
			Nillable(),
		field.String("patient_name_snapshot").
			Optional().
			Nillable(),
		field.Time("patient_dob_snapshot").
			Optional().
			Nillable(),
		field.String("patient_gender_snapshot").
			Optional().
			Nillable(),
		field.Text("raw_model_output").
			Optional().
			Nillable().
			Comment("Opaque sanitized-but-unparsed vision model output; never piped through the system as a permissive value (see DESIGN.md)"),
		field.JSON("missing_data", []string{}).
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (Report) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("patient", Patient.Type).
			Ref("reports").
			Field("patient_id").
			Unique().
			Required().
			Immutable(),
		edge.To("lab_results", LabResult.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("gmail_provenance", GmailProvenance.Type).
			Unique().
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

func (Report) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("patient_id", "checksum_sha256").
			Unique(),
		index.Fields("status"),
	}
}

// Annotations renames the SQL table to patient_reports so it reads
// unambiguously next to patients and lab_results in migrations and RLS
// policies; Ent's default pluralization would call it "reports".
func (Report) Annotations() []ent.Annotation {
	return []ent.Annotation{
		entsql.Annotation{Table: "patient_reports"},
	}
}
