package kg

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/llm"
)

func TestSplitText(t *testing.T) {
	assert.Empty(t, SplitText("   ", 1200, 120))

	chunks := SplitText("short text", 1200, 120)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0])

	long := strings.Repeat("x", 2500)
	chunks = SplitText(long, 1200, 120)
	// step 1080: windows at 0, 1080, 2160
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1200)
	assert.Len(t, chunks[2], 2500-2160)
}

func TestCanonicalEntityType(t *testing.T) {
	assert.Equal(t, "Organization", CanonicalEntityType("company"))
	assert.Equal(t, "Organization", CanonicalEntityType("ORG"))
	assert.Equal(t, "Person", CanonicalEntityType("people"))
	assert.Equal(t, "Location", CanonicalEntityType(" city "))
	assert.Equal(t, "Concept", CanonicalEntityType(""))
	assert.Equal(t, "Spaceship", CanonicalEntityType("Spaceship"), "unknown types pass through")
}

func TestStableEntityID(t *testing.T) {
	a := StableEntityID("g1", "Person", "Alice")
	b := StableEntityID("g1", "Person", "  alice ")
	c := StableEntityID("g1", "Person", "Bob")
	d := StableEntityID("g2", "Person", "Alice")

	assert.Equal(t, a, b, "name is trimmed and lowercased")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d, "graph id participates")
	assert.True(t, strings.HasPrefix(a, "ent_"))
	assert.Len(t, a, len("ent_")+16)
}

// scriptedChat replays canned replies in order.
type scriptedChat struct {
	replies []string
	calls   int
	prompts []string
}

func (s *scriptedChat) Chat(_ context.Context, _ string, messages []llm.Message, _ llm.ChatOptions) (*llm.ChatResult, error) {
	for _, m := range messages {
		s.prompts = append(s.prompts, m.Content)
	}
	if s.calls >= len(s.replies) {
		return nil, fmt.Errorf("no scripted reply")
	}
	reply := s.replies[s.calls]
	s.calls++
	return &llm.ChatResult{Content: reply}, nil
}

func TestExtractFiltersOntology(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{
		"entities": [
			{"name": "Alice", "type": "Person", "summary": "engineer"},
			{"name": "Widget", "type": "Gadget"},
			{"name": "", "type": "Person"}
		],
		"relations": [
			{"source": "Alice", "source_type": "Person", "target": "Acme", "target_type": "Organization", "relation": "WORKS_FOR", "fact": "since 2020"},
			{"source": "Alice", "source_type": "Person", "target": "Acme", "target_type": "Organization", "relation": "EMPLOYED_BY"}
		]
	}`}}
	e := NewExtractor(chat, "en", nil)

	result, err := e.Extract(context.Background(), "openrouter:gpt-4o", "Alice works at Acme.", DefaultOntology(), 0)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1, "out-of-ontology and nameless entities dropped")
	assert.Equal(t, "Alice", result.Entities[0].Name)
	require.Len(t, result.Relations, 1, "unknown relation type dropped")
	assert.Equal(t, "WORKS_FOR", result.Relations[0].Relation)
	assert.Equal(t, 1, chat.calls, "no safe-mode retry when the first pass yields results")
}

func TestExtractSafeModeRetry(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		"I refuse to answer.",
		`{"entities":[{"name":"Topic","type":"Concept"}],"relations":[]}`,
	}}
	e := NewExtractor(chat, "en", nil)

	result, err := e.Extract(context.Background(), "m", "sensitive text", DefaultOntology(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, chat.calls, "empty first pass triggers one safe-mode retry")
	require.Len(t, result.Entities, 1)
	assert.Contains(t, chat.prompts[2], "[REDACTED]", "retry prompt instructs redaction")
}

func TestExtractChunkedAggregates(t *testing.T) {
	reply := `{"entities":[{"name":"N","type":"Concept"}],"relations":[]}`
	chat := &scriptedChat{replies: []string{reply, reply, reply}}
	e := NewExtractor(chat, "en", nil)

	long := strings.Repeat("a", 2500)
	result, err := e.ExtractChunked(context.Background(), "m", long, DefaultOntology(), 0, 1200, 120)
	require.NoError(t, err)
	require.Len(t, result.Chunks, 3)
	assert.Equal(t, 0, result.Chunks[0].Index)
	assert.Equal(t, 2, result.Chunks[2].Index)
	assert.Len(t, result.Entities, 3)
}

func TestResolveEndpointsSynthesizesPlaceholders(t *testing.T) {
	entities := []Entity{{Name: "Alice", Type: "person", Attributes: map[string]any{}}}
	relations := []Relation{{
		Source: "Alice", SourceType: "Person",
		Target: "Acme", TargetType: "company",
		Relation: "WORKS_FOR",
	}}

	outEntities, outRelations := ResolveEndpoints("g1", entities, relations)
	require.Len(t, outEntities, 2, "missing endpoint synthesized")
	assert.Equal(t, "Person", outEntities[0].Type, "type canonicalized")
	assert.Equal(t, "Organization", outEntities[1].Type)
	assert.Equal(t, "Acme", outEntities[1].Name)

	require.Len(t, outRelations, 1)
	assert.Equal(t, StableEntityID("g1", "Person", "Alice"), outRelations[0].SourceID)
	assert.Equal(t, StableEntityID("g1", "Organization", "Acme"), outRelations[0].TargetID)
}

func TestBuildComponents(t *testing.T) {
	nodes := []GraphEntity{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"}}
	edges := []GraphRelation{
		{SourceID: "a", TargetID: "b"},
		{SourceID: "b", TargetID: "c"},
		{SourceID: "d", TargetID: "e"},
		{SourceID: "d", TargetID: "ghost"}, // unknown endpoint ignored
	}

	comps := BuildComponents(nodes, edges)
	require.Len(t, comps, 2)
	assert.Len(t, comps[0], 3, "largest component first")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, comps[0])
	assert.ElementsMatch(t, []string{"d", "e"}, comps[1])
}

func TestNodesByDegree(t *testing.T) {
	nodes := []GraphEntity{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	edges := []GraphRelation{
		{SourceID: "b", TargetID: "a"},
		{SourceID: "b", TargetID: "c"},
	}
	ordered := NodesByDegree(nodes, edges)
	assert.Equal(t, "b", ordered[0].ID)
}

func TestInterpretEntity(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"summary":"一位工程师。","key_facts":["在 Acme 工作"," "]}`}}
	got := InterpretEntity(context.Background(), chat, "m", GraphEntity{Name: "Alice", Type: "Person"}, []string{"Acme"}, nil)
	require.NotNil(t, got)
	assert.Equal(t, "一位工程师。", got.Summary)
	assert.Equal(t, []string{"在 Acme 工作"}, got.KeyFacts)

	assert.Nil(t, InterpretEntity(context.Background(), chat, "m", GraphEntity{Name: ""}, nil, nil))
}

func TestSummarizeCommunityFailure(t *testing.T) {
	chat := &scriptedChat{replies: []string{"not json"}}
	got := SummarizeCommunity(context.Background(), chat, "m", 0, []GraphEntity{{Name: "A"}}, nil)
	assert.Nil(t, got)
}

func TestUnconfiguredStore(t *testing.T) {
	var s Store = UnconfiguredStore{}
	_, err := s.CreateGraph("g", "")
	assert.ErrorIs(t, err, ErrUnconfigured)
	_, err = s.GetGraphData("g", 10)
	assert.ErrorIs(t, err, ErrUnconfigured)
	assert.NoError(t, s.Close())
}
