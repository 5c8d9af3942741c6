package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// QuerySession holds the schema definition for a conversational thread of
// agentic SQL queries (spec.md §3 "Session (agentic)"). Named QuerySession
// to avoid colliding with the authentication UserSession.
type QuerySession struct {
	ent.Schema
}

func (QuerySession) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("query_session_id").
			Unique().
			Immutable(),
		field.String("user_id").
			Immutable(),
		field.String("selected_patient_id").
			Optional().
			Nillable(),
		field.Int("turn_counter").
			Default(0),
		field.JSON("transcript", []map[string]interface{}{}).
			Optional().
			Comment("Ordered tool-calling transcript entries"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (QuerySession) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("sql_generation_logs", SqlGenerationLog.Type).
			Annotations(entsql.OnDelete(entsql.SetNull)),
	}
}

func (QuerySession) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("user_id"),
	}
}
