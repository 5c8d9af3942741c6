package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
)

// UnitAlias holds the schema definition for the UnitAlias entity: a learned
// or seeded mapping from a raw unit string to its canonical UCUM form. One
// canonical per alias — auto-learn either inserts a new row or increments
// learn_count on an existing one, never overwrites canonical (spec.md §8
// invariant 4).
type UnitAlias struct {
	ent.Schema
}

func (UnitAlias) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("alias").
			Unique().
			Immutable().
			Comment("The raw alias text; PRIMARY KEY per spec"),
		field.String("canonical"),
		field.Enum("source").
			Values("seed", "llm", "manual").
			Default("seed"),
		field.Int("learn_count").
			Default(0),
		field.Time("last_used_at").
			Default(time.Now),
	}
}
