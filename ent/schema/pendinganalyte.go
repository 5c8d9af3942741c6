package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// PendingAnalyte holds the schema definition for the PendingAnalyte entity:
// a proposed new analyte awaiting admin review, produced by C6 Tier C's
// NEW_LLM decision.
type PendingAnalyte struct {
	ent.Schema
}

func (PendingAnalyte) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("pending_analyte_id").
			Unique().
			Immutable(),
		field.String("proposed_code").
			Unique(),
		field.String("proposed_name"),
		field.String("unit"),
		field.String("category").
			Optional().
			Nillable(),
		field.Float("confidence"),
		field.JSON("evidence", map[string]interface{}{}).
			Comment("Contains occurrence_count and the lab_results ids (result_ids) of each sighting; report ids are not recorded"),
		field.JSON("parameter_variations", []string{}).
			Optional(),
		field.Enum("status").
			Values("pending", "approved", "discarded").
			Default("pending"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (PendingAnalyte) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("proposed_code").Unique(),
		index.Fields("status"),
	}
}
