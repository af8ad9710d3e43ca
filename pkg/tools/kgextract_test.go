package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/kg"
)

const extractionReply = `{
  "entities": [
    {"name": "Go", "type": "Concept", "summary": "a programming language", "attributes": {}}
  ],
  "relations": [
    {"source": "Go", "source_type": "Concept", "target": "Channels", "target_type": "Concept",
     "relation": "RELATED_TO", "fact": "Go provides channels", "attributes": {}}
  ]
}`

func TestKGExtractTool(t *testing.T) {
	graphs := newRecordingGraphStore()
	chat := &scriptedChat{replies: []string{extractionReply}}
	handler := kgExtractTool(&Context{
		Graphs:    graphs,
		Extractor: kg.NewExtractor(chat, "zh", nil),
		Models:    stubModels{chairman: "openai:gpt-4o"},
	})

	out, err := handler(context.Background(), testJob("kg_extract", "conv", map[string]any{
		"graph_id": "g1",
		"text":     "Go provides channels for communication between goroutines.",
	}), noProgress)
	require.NoError(t, err)

	assert.Equal(t, "kg_extract", out["type"])
	assert.Equal(t, 1, out["entities"], "only named entities count, placeholders do not")
	assert.Equal(t, 1, out["relations"])
	assert.Contains(t, out["summary"], "graph_id=g1")

	require.Len(t, graphs.chunks, 1)
	assert.True(t, strings.HasPrefix(graphs.chunks[0].ChunkID, "chunk_"))

	// the Channels endpoint was never emitted as an entity, so a
	// placeholder is synthesized to keep the relation
	require.Len(t, graphs.entities, 2)
	names := []string{graphs.entities[0].Name, graphs.entities[1].Name}
	assert.ElementsMatch(t, []string{"Go", "Channels"}, names)

	require.Len(t, graphs.relations, 1)
	rel := graphs.relations[0]
	assert.Equal(t, "RELATED_TO", rel.Name)
	assert.Equal(t, kg.StableEntityID("g1", "Concept", "Go"), rel.SourceID)
	assert.Equal(t, kg.StableEntityID("g1", "Concept", "Channels"), rel.TargetID)

	// mentions link the chunk to the named entity only
	mentions := graphs.mentions[graphs.chunks[0].ChunkID]
	assert.Equal(t, []string{kg.StableEntityID("g1", "Concept", "Go")}, mentions)
}

func TestKGExtractToolRequiresInput(t *testing.T) {
	handler := kgExtractTool(&Context{Graphs: newRecordingGraphStore()})

	out, err := handler(context.Background(), testJob("kg_extract", "", map[string]any{"text": "hi"}), noProgress)
	require.NoError(t, err)
	assert.Equal(t, "graph_id/text required", out["error"])

	out, err = handler(context.Background(), testJob("kg_extract", "", map[string]any{"graph_id": "g"}), noProgress)
	require.NoError(t, err)
	assert.Equal(t, "graph_id/text required", out["error"])
}
