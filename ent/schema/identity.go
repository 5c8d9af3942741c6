package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Identity holds the schema definition for the Identity entity.
// A user may own several identities (e.g. a direct-upload account and a
// Gmail-linked OAuth identity).
type Identity struct {
	ent.Schema
}

func (Identity) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("identity_id").
			Unique().
			Immutable(),
		field.String("user_id").
			Immutable(),
		field.String("provider").
			Comment("e.g. 'local', 'google'"),
		field.String("provider_subject").
			Comment("Provider-specific subject identifier"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Identity) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("user", User.Type).
			Ref("identities").
			Field("user_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Identity) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("provider", "provider_subject").
			Unique(),
	}
}
