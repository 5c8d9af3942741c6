package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// MatchReview holds the schema definition for the MatchReview entity: an
// ambiguous or low-confidence analyte mapping queued for human review. A
// pending review blocks no further writes.
type MatchReview struct {
	ent.Schema
}

func (MatchReview) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("match_review_id").
			Unique().
			Immutable(),
		field.String("result_id").
			Unique().
			Immutable(),
		field.JSON("candidates", []map[string]interface{}{}).
			Comment("Hydrated candidate list: code, name, confidence, source"),
		field.Enum("status").
			Values("pending", "resolved", "skipped").
			Default("pending"),
		field.String("source").
			Optional().
			Nillable().
			Comment("pending_analyte, ambiguous_fuzzy, abstain, alias_conflict, ..."),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("resolved_at").
			Optional().
			Nillable(),
	}
}

func (MatchReview) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("result", LabResult.Type).
			Ref("match_review").
			Field("result_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (MatchReview) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("result_id").Unique(),
		index.Fields("status"),
	}
}
