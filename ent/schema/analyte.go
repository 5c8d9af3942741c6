package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Analyte holds the schema definition for the Analyte entity: a canonical
// laboratory measurand. Rows are seeded or promoted from a PendingAnalyte on
// admin approval; analytes are never deleted during normal operation.
type Analyte struct {
	ent.Schema
}

func (Analyte) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("analyte_id").
			Unique().
			Immutable(),
		field.String("code").
			Unique(),
		field.String("canonical_name"),
		field.String("canonical_unit"),
		field.String("category").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Analyte) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("aliases", AnalyteAlias.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("lab_results", LabResult.Type),
	}
}

func (Analyte) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("code").Unique(),
		index.Fields("category"),
	}
}
