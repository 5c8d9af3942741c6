package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// SqlGenerationLog holds the schema definition for the SqlGenerationLog
// entity: the audit trail of one agentic SQL generation attempt (C8).
type SqlGenerationLog struct {
	ent.Schema
}

func (SqlGenerationLog) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("log_id").
			Unique().
			Immutable(),
		field.String("session_id").
			Optional().
			Nillable(),
		field.Enum("status").
			Values("accepted", "validation_failed", "no_final_query", "timeout", "error"),
		field.String("user_hash").
			Comment("One-way hash of the user id, never the raw id"),
		field.Text("prompt"),
		field.Text("generated_sql").
			Optional().
			Nillable(),
		field.String("sql_hash").
			Optional().
			Nillable(),
		field.JSON("metadata", map[string]interface{}{}).
			Optional().
			Comment("iteration_count, duration_ms, query_type, violations, etc."),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (SqlGenerationLog) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", QuerySession.Type).
			Ref("sql_generation_logs").
			Field("session_id").
			Unique(),
	}
}

func (SqlGenerationLog) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id"),
		index.Fields("status", "created_at"),
	}
}
