package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// UserSession holds the schema definition for an authentication Session.
// Terminal once revoked or expired; a periodic sweep hard-deletes expired
// rows (see pkg/jobs).
type UserSession struct {
	ent.Schema
}

func (UserSession) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("session_id").
			Unique().
			Immutable(),
		field.String("user_id").
			Immutable(),
		field.Time("expires_at"),
		field.Time("revoked_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (UserSession) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("user", User.Type).
			Ref("sessions").
			Field("user_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (UserSession) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("expires_at"),
		index.Fields("user_id"),
	}
}

// Annotations maps the entity onto the "sessions" table. Its row-level
// security policies live in the init migration rather than in Ent (Ent
// has no first-class RLS support).
func (UserSession) Annotations() []ent.Annotation {
	return []ent.Annotation{
		entsql.Annotation{Table: "sessions"},
	}
}
