package kg

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnconfigured is returned by every operation when no graph
// database connection is configured.
var ErrUnconfigured = errors.New("knowledge graph store is not configured")

// Graph is one named knowledge graph.
type Graph struct {
	GraphID   string `json:"graph_id"`
	Name      string `json:"name"`
	AgentID   string `json:"agent_id"`
	CreatedAt string `json:"created_at"`
}

// GraphEntity is a persisted entity. ID is derived by StableEntityID
// so re-extracting the same text merges instead of duplicating.
type GraphEntity struct {
	GraphID           string         `json:"graph_id"`
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Type              string         `json:"type"`
	Summary           string         `json:"summary"`
	Attributes        map[string]any `json:"attributes"`
	SourceEntityTypes []string       `json:"source_entity_types,omitempty"`
}

// GraphRelation is a persisted edge between two entity ids.
type GraphRelation struct {
	GraphID    string         `json:"graph_id"`
	ID         string         `json:"id"`
	SourceID   string         `json:"from"`
	TargetID   string         `json:"to"`
	Name       string         `json:"label"`
	Fact       string         `json:"fact"`
	Attributes map[string]any `json:"attributes"`
}

// GraphChunk is a short text-preview node linking the graph back to a
// KB chunk; full text stays in the KB.
type GraphChunk struct {
	GraphID     string `json:"graph_id"`
	ChunkID     string `json:"chunk_id"`
	TextPreview string `json:"text_preview"`
	KBDocID     string `json:"kb_doc_id"`
	KBChunkID   string `json:"kb_chunk_id"`
	Source      string `json:"source"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Mention is one chunk evidencing an entity.
type Mention struct {
	ChunkID     string `json:"chunk_id"`
	TextPreview string `json:"text_preview"`
	KBDocID     string `json:"kb_doc_id"`
	KBChunkID   string `json:"kb_chunk_id"`
	Source      string `json:"source"`
	CreatedAt   string `json:"created_at"`
}

// GraphData is a graph rendered for clients and for interpretation.
type GraphData struct {
	GraphID string          `json:"graph_id"`
	Nodes   []GraphEntity   `json:"nodes"`
	Edges   []GraphRelation `json:"edges"`
}

// CommunitySummaries is the stored interpretation payload for a graph.
type CommunitySummaries struct {
	Summaries []CommunitySummary `json:"summaries"`
	ModelSpec string             `json:"model_spec"`
	UpdatedAt string             `json:"updated_at"`
}

// Store is the persistence boundary for knowledge graphs. The
// production implementation talks to an external Neo4j instance;
// deployments without one get UnconfiguredStore.
type Store interface {
	CreateGraph(name, agentID string) (string, error)
	ListGraphs(agentID string) ([]Graph, error)
	DeleteGraph(graphID string) (bool, error)

	UpsertEntities(entities []GraphEntity) ([]string, error)
	UpsertRelations(relations []GraphRelation) error
	UpsertChunk(chunk GraphChunk) error
	LinkMentions(graphID, chunkID string, entityIDs []string) error

	GetGraphData(graphID string, limit int) (*GraphData, error)
	QuerySubgraph(graphID, q string, limitNodes int) (*GraphData, error)
	GetEntityMentions(graphID, entityID string, limit int) ([]Mention, error)

	SetEntityInterpretation(graphID, entityID, summary string, keyFacts []string, modelSpec string) (bool, error)
	SetCommunitySummaries(graphID string, summaries CommunitySummaries) (bool, error)
	GetCommunitySummaries(graphID string) (*CommunitySummaries, error)

	Close() error
}

// UnconfiguredStore satisfies Store when no graph database is wired.
// Every call fails with ErrUnconfigured so handlers can answer 400
// with a clear message.
type UnconfiguredStore struct{}

func unconfigured(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnconfigured)
}

func (UnconfiguredStore) CreateGraph(string, string) (string, error) {
	return "", unconfigured("create graph")
}
func (UnconfiguredStore) ListGraphs(string) ([]Graph, error) { return nil, unconfigured("list graphs") }
func (UnconfiguredStore) DeleteGraph(string) (bool, error) {
	return false, unconfigured("delete graph")
}
func (UnconfiguredStore) UpsertEntities([]GraphEntity) ([]string, error) {
	return nil, unconfigured("upsert entities")
}
func (UnconfiguredStore) UpsertRelations([]GraphRelation) error {
	return unconfigured("upsert relations")
}
func (UnconfiguredStore) UpsertChunk(GraphChunk) error { return unconfigured("upsert chunk") }
func (UnconfiguredStore) LinkMentions(string, string, []string) error {
	return unconfigured("link mentions")
}
func (UnconfiguredStore) GetGraphData(string, int) (*GraphData, error) {
	return nil, unconfigured("get graph data")
}
func (UnconfiguredStore) QuerySubgraph(string, string, int) (*GraphData, error) {
	return nil, unconfigured("query subgraph")
}
func (UnconfiguredStore) GetEntityMentions(string, string, int) ([]Mention, error) {
	return nil, unconfigured("get entity mentions")
}
func (UnconfiguredStore) SetEntityInterpretation(string, string, string, []string, string) (bool, error) {
	return false, unconfigured("set entity interpretation")
}
func (UnconfiguredStore) SetCommunitySummaries(string, CommunitySummaries) (bool, error) {
	return false, unconfigured("set community summaries")
}
func (UnconfiguredStore) GetCommunitySummaries(string) (*CommunitySummaries, error) {
	return nil, unconfigured("get community summaries")
}
func (UnconfiguredStore) Close() error { return nil }

// ResolveEndpoints maps extracted relations onto entity ids,
// synthesizing placeholder entities for endpoints the extractor never
// emitted so no relation is dropped.
func ResolveEndpoints(graphID string, entities []Entity, relations []Relation) ([]GraphEntity, []GraphRelation) {
	byKey := make(map[string]string, len(entities))
	outEntities := make([]GraphEntity, 0, len(entities))
	for _, ent := range entities {
		canon := CanonicalEntityType(ent.Type)
		id := StableEntityID(graphID, canon, ent.Name)
		key := keyFor(canon, ent.Name)
		if _, ok := byKey[key]; !ok {
			byKey[key] = id
			outEntities = append(outEntities, GraphEntity{
				GraphID: graphID, ID: id, Name: ent.Name, Type: canon,
				Summary: ent.Summary, Attributes: ent.Attributes,
				SourceEntityTypes: []string{ent.Type},
			})
		}
	}

	outRelations := make([]GraphRelation, 0, len(relations))
	for _, rel := range relations {
		sourceType := CanonicalEntityType(rel.SourceType)
		targetType := CanonicalEntityType(rel.TargetType)

		sourceID, ok := byKey[keyFor(sourceType, rel.Source)]
		if !ok {
			sourceID = StableEntityID(graphID, sourceType, rel.Source)
			byKey[keyFor(sourceType, rel.Source)] = sourceID
			outEntities = append(outEntities, GraphEntity{
				GraphID: graphID, ID: sourceID, Name: rel.Source, Type: sourceType,
				Attributes: map[string]any{}, SourceEntityTypes: []string{rel.SourceType},
			})
		}
		targetID, ok := byKey[keyFor(targetType, rel.Target)]
		if !ok {
			targetID = StableEntityID(graphID, targetType, rel.Target)
			byKey[keyFor(targetType, rel.Target)] = targetID
			outEntities = append(outEntities, GraphEntity{
				GraphID: graphID, ID: targetID, Name: rel.Target, Type: targetType,
				Attributes: map[string]any{}, SourceEntityTypes: []string{rel.TargetType},
			})
		}

		outRelations = append(outRelations, GraphRelation{
			GraphID: graphID, SourceID: sourceID, TargetID: targetID,
			Name: rel.Relation, Fact: rel.Fact, Attributes: rel.Attributes,
		})
	}
	return outEntities, outRelations
}

func keyFor(entityType, name string) string {
	return strings.ToLower(entityType + ":" + name)
}
