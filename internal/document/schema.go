package document

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Structured record kinds produced by the codex and gamefiles connectors.
const (
	KindItem     = "item"
	KindClass    = "class"
	KindAbility  = "ability"
	KindLocation = "location"
)

// ItemRecord is the shape contract for item entries.
type ItemRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Rarity      string `json:"rarity,omitempty"`
	Level       int    `json:"level,omitempty"`
	Description string `json:"description,omitempty"`
}

// ClassRecord is the shape contract for class entries.
type ClassRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Archetype   string `json:"archetype,omitempty"`
	Description string `json:"description,omitempty"`
}

// AbilityRecord is the shape contract for ability entries.
type AbilityRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Class       string `json:"class,omitempty"`
	Description string `json:"description,omitempty"`
}

// LocationRecord is the shape contract for location entries.
type LocationRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Region      string `json:"region,omitempty"`
	Description string `json:"description,omitempty"`
}

// Allowed vocabulary for fields whose values the assistant surfaces
// verbatim. Unknown values are a validation failure, not a silent pass:
// a typoed rarity in the source data would otherwise poison retrieval
// filters forever.
var (
	allowedRarities = []string{
		"common", "uncommon", "rare", "heroic", "epic", "legendary", "artifact",
	}
	allowedArchetypes = []string{
		"fighter", "tank", "mage", "cleric", "bard", "ranger", "rogue", "summoner",
	}
)

// SchemaSet holds resolved JSON schemas for the structured record kinds.
type SchemaSet struct {
	resolved map[string]*jsonschema.Resolved
}

// NewSchemaSet derives and resolves one schema per record kind.
func NewSchemaSet() (*SchemaSet, error) {
	derive := func(kind string, schema *jsonschema.Schema, err error) (*jsonschema.Resolved, error) {
		if err != nil {
			return nil, fmt.Errorf("deriving %s schema: %w", kind, err)
		}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolving %s schema: %w", kind, err)
		}
		return resolved, nil
	}

	set := &SchemaSet{resolved: make(map[string]*jsonschema.Resolved, 4)}

	itemSchema, itemErr := jsonschema.For[ItemRecord](nil)
	classSchema, classErr := jsonschema.For[ClassRecord](nil)
	abilitySchema, abilityErr := jsonschema.For[AbilityRecord](nil)
	locationSchema, locationErr := jsonschema.For[LocationRecord](nil)

	for kind, pair := range map[string]struct {
		schema *jsonschema.Schema
		err    error
	}{
		KindItem:     {itemSchema, itemErr},
		KindClass:    {classSchema, classErr},
		KindAbility:  {abilitySchema, abilityErr},
		KindLocation: {locationSchema, locationErr},
	} {
		resolved, err := derive(kind, pair.schema, pair.err)
		if err != nil {
			return nil, err
		}
		set.resolved[kind] = resolved
	}

	return set, nil
}

// Validate checks a decoded record against the schema for its kind, then
// applies the vocabulary rules the schema cannot express.
func (s *SchemaSet) Validate(kind string, record map[string]any) error {
	resolved, ok := s.resolved[kind]
	if !ok {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	if err := resolved.Validate(record); err != nil {
		return err
	}

	switch kind {
	case KindItem:
		if r, ok := record["rarity"].(string); ok && r != "" {
			if !slices.Contains(allowedRarities, strings.ToLower(r)) {
				return fmt.Errorf("unknown rarity %q", r)
			}
		}
		if lvl, ok := record["level"].(float64); ok && lvl < 1 {
			return fmt.Errorf("level must be >= 1, got %v", lvl)
		}
	case KindClass:
		if a, ok := record["archetype"].(string); ok && a != "" {
			if !slices.Contains(allowedArchetypes, strings.ToLower(a)) {
				return fmt.Errorf("unknown archetype %q", a)
			}
		}
	}
	return nil
}
