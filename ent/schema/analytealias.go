package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AnalyteAlias holds the schema definition for the AnalyteAlias entity: a
// textual variant, in any language or script, of an analyte's name. Append
// only except that re-seeding the same (analyte, alias) pair is a no-op
// (unique constraint + ON CONFLICT DO NOTHING at the write sites).
type AnalyteAlias struct {
	ent.Schema
}

func (AnalyteAlias) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("alias_id").
			Unique().
			Immutable(),
		field.String("analyte_id").
			Immutable(),
		field.String("alias").
			Comment("Normalized form used for exact + trigram lookups"),
		field.String("display_text").
			Optional().
			Nillable(),
		field.String("language").
			Optional().
			Nillable(),
		field.Float("confidence").
			Default(1.0),
		field.Enum("source").
			Values("seed", "evidence_auto", "manual_disambiguation", "llm_semantic_match", "manual_approved").
			Default("seed"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (AnalyteAlias) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("analyte", Analyte.Type).
			Ref("aliases").
			Field("analyte_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (AnalyteAlias) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("analyte_id", "alias").Unique(),
		index.Fields("alias"),
	}
}
