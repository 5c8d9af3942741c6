package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// LabResult holds the schema definition for the LabResult entity. Created
// verbatim from vision-model output by the report processor (C7); later
// annotated in place by the unit normalizer (C5) and analyte mapper (C6).
type LabResult struct {
	ent.Schema
}

func (LabResult) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("result_id").
			Unique().
			Immutable(),
		field.String("report_id").
			Immutable(),
		field.Int("position").
			Comment("Monotonically increasing within a report; preserves parameter order"),

		field.String("parameter_name").
			Comment("Raw label as extracted from the report"),
		field.String("result_text"),
		field.Float("numeric_result").
			Optional().
			Nillable(),
		field.String("unit_raw"),

		field.Float("reference_lower").
			Optional().
			Nillable(),
		field.String("reference_lower_operator").
			Optional().
			Nillable(),
		field.Float("reference_upper").
			Optional().
			Nillable(),
		field.String("reference_upper_operator").
			Optional().
			Nillable(),
		field.String("reference_text").
			Optional().
			Nillable(),
		field.String("reference_full_text").
			Optional().
			Nillable(),

		field.Bool("out_of_range").
			Default(false),
		field.String("specimen_type").
			Optional().
			Nillable(),

		// C6 mapping annotations
		field.String("analyte_id").
			Optional().
			Nillable(),
		field.Float("mapping_confidence").
			Optional().
			Nillable(),
		field.String("mapping_source").
			Optional().
			Nillable().
			Comment("auto_exact, auto_fuzzy, auto_fuzzy_llm_confirmed, auto_llm, manual_approved, ..."),
		field.Time("mapped_at").
			Optional().
			Nillable(),

		// C5 normalization annotation
		field.String("unit_canonical").
			Optional().
			Nillable(),

		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (LabResult) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("report", Report.Type).
			Ref("lab_results").
			Field("report_id").
			Unique().
			Required().
			Immutable(),
		edge.From("analyte", Analyte.Type).
			Ref("lab_results").
			Field("analyte_id").
			Unique(),
		edge.To("match_review", MatchReview.Type).
			Unique(),
		edge.To("unit_review", UnitReview.Type).
			Unique(),
	}
}

func (LabResult) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("report_id", "position"),
		index.Fields("parameter_name"),
		index.Fields("analyte_id"),
	}
}
