package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// UnitReview holds the schema definition for the UnitReview entity: a raw
// unit that C5 could not confidently normalize, queued for human review.
type UnitReview struct {
	ent.Schema
}

func (UnitReview) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("unit_review_id").
			Unique().
			Immutable(),
		field.String("result_id").
			Unique().
			Immutable(),
		field.String("raw_unit"),
		field.String("normalized_input").
			Optional().
			Nillable(),
		field.String("llm_suggestion").
			Optional().
			Nillable(),
		field.Float("confidence").
			Optional().
			Nillable(),
		field.String("existing_canonical").
			Optional().
			Nillable().
			Comment("Set on alias_conflict: the canonical already on file"),
		field.Enum("issue_type").
			Values("low_confidence", "alias_conflict", "sanitization_rejected", "ucum_invalid"),
		field.String("issue_details").
			Optional().
			Nillable(),
		field.Enum("status").
			Values("pending", "resolved", "skipped").
			Default("pending"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (UnitReview) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("result", LabResult.Type).
			Ref("unit_review").
			Field("result_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (UnitReview) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("result_id"),
		index.Fields("status"),
	}
}
