package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Patient holds the schema definition for the Patient entity.
// user_id is nullable only during the auth-migration window (spec.md §3);
// new writes must always carry a user.
type Patient struct {
	ent.Schema
}

func (Patient) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("patient_id").
			Unique().
			Immutable(),
		field.String("user_id").
			Optional().
			Nillable().
			Comment("Nullable only during auth migration window"),
		field.String("display_name"),
		field.String("normalized_name").
			Comment("Lowercased, whitespace-collapsed form used for dedup lookups"),
		field.Time("date_of_birth").
			Optional().
			Nillable(),
		field.String("gender").
			Optional().
			Nillable(),
		field.Time("last_seen_report_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (Patient) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("user", User.Type).
			Ref("patients").
			Field("user_id").
			Unique(),
		edge.To("reports", Report.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

func (Patient) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("user_id"),
		index.Fields("normalized_name"),
	}
}

func (Patient) Annotations() []schema.Annotation {
	return []schema.Annotation{}
}
