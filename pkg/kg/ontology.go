// Package kg extracts entities and relations from text with an LLM,
// bound to an ontology, and interprets the resulting graph. Graph
// persistence is behind the Store interface; Neo4j is an external
// collaborator and may be unconfigured.
package kg

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// TypeDef names one allowed entity or edge type.
type TypeDef struct {
	Name string `json:"name"`
}

// Ontology restricts which entity and relation types the extractor may
// emit.
type Ontology struct {
	EntityTypes []TypeDef `json:"entity_types"`
	EdgeTypes   []TypeDef `json:"edge_types"`
}

// DefaultOntology is used when a graph carries no custom ontology.
func DefaultOntology() Ontology {
	return Ontology{
		EntityTypes: []TypeDef{
			{Name: "Person"}, {Name: "Organization"}, {Name: "Location"},
			{Name: "Product"}, {Name: "Event"}, {Name: "Concept"},
		},
		EdgeTypes: []TypeDef{
			{Name: "RELATED_TO"}, {Name: "PART_OF"}, {Name: "LOCATED_IN"},
			{Name: "WORKS_FOR"}, {Name: "CREATED_BY"}, {Name: "CAUSES"},
			{Name: "OWNS"}, {Name: "MENTIONS"},
		},
	}
}

func (o Ontology) entityTypeNames() []string {
	out := make([]string, 0, len(o.EntityTypes))
	for _, t := range o.EntityTypes {
		if t.Name != "" {
			out = append(out, t.Name)
		}
	}
	return out
}

func (o Ontology) edgeTypeNames() []string {
	out := make([]string, 0, len(o.EdgeTypes))
	for _, t := range o.EdgeTypes {
		if t.Name != "" {
			out = append(out, t.Name)
		}
	}
	return out
}

// typeAliases folds model-invented spellings onto canonical ontology
// names before ids are computed, so "company" and "Organization" merge.
var typeAliases = map[string]string{
	"person":       "Person",
	"people":       "Person",
	"human":        "Person",
	"organization": "Organization",
	"organisation": "Organization",
	"org":          "Organization",
	"company":      "Organization",
	"institution":  "Organization",
	"location":     "Location",
	"place":        "Location",
	"city":         "Location",
	"country":      "Location",
	"region":       "Location",
	"product":      "Product",
	"tool":         "Product",
	"software":     "Product",
	"event":        "Event",
	"concept":      "Concept",
	"idea":         "Concept",
	"topic":        "Concept",
	"term":         "Concept",
}

// CanonicalEntityType normalizes an entity type onto its canonical
// spelling. Unknown types keep their trimmed form.
func CanonicalEntityType(raw string) string {
	t := strings.TrimSpace(raw)
	if t == "" {
		return "Concept"
	}
	if canon, ok := typeAliases[strings.ToLower(t)]; ok {
		return canon
	}
	return t
}

// StableEntityID derives the deterministic entity id used across
// re-extractions of the same graph.
func StableEntityID(graphID, entityType, name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	sum := sha1.Sum([]byte(graphID + ":" + entityType + ":" + normalized))
	return "ent_" + hex.EncodeToString(sum[:])[:16]
}
