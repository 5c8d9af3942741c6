package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// User holds the schema definition for the User entity.
// The principal subject of row-level security: every tenant-scoped row
// carries a user_id that resolves back to one of these.
type User struct {
	ent.Schema
}

func (User) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("user_id").
			Unique().
			Immutable(),
		field.String("display_name"),
		field.String("primary_email").
			Unique(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (User) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("identities", Identity.Type),
		edge.To("sessions", UserSession.Type),
		edge.To("patients", Patient.Type),
	}
}

func (User) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("primary_email"),
	}
}
