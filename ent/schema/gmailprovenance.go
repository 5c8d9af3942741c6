package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// GmailProvenance holds the schema definition for the GmailProvenance
// entity: links a Gmail attachment to the report it produced. Unique on
// (message_id, attachment_id); also indexed by attachment checksum so a
// byte-identical attachment arriving under a different message is still
// recognized as a duplicate (spec.md S6).
type GmailProvenance struct {
	ent.Schema
}

func (GmailProvenance) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("provenance_id").
			Unique().
			Immutable(),
		field.String("report_id").
			Unique().
			Immutable(),
		field.String("message_id").
			Immutable(),
		field.String("attachment_id").
			Immutable(),
		field.String("sender_email").
			Optional().
			Nillable(),
		field.String("sender_name").
			Optional().
			Nillable(),
		field.String("subject").
			Optional().
			Nillable(),
		field.Time("email_date").
			Optional().
			Nillable(),
		field.String("checksum_sha256"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (GmailProvenance) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("report", Report.Type).
			Ref("gmail_provenance").
			Field("report_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (GmailProvenance) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("message_id", "attachment_id").Unique(),
		index.Fields("checksum_sha256"),
	}
}
