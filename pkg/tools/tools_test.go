package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/kg"
	"github.com/council-works/council/pkg/llm"
)

func noProgress(float64) error { return nil }

func testJob(jobType, conversationID string, payload map[string]any) *jobs.Job {
	return &jobs.Job{ID: "j-test", Type: jobType, ConversationID: conversationID, Payload: payload}
}

type stubSettings struct {
	model string
	pool  int
}

func (s stubSettings) KBEmbeddingModel() string { return s.model }
func (s stubSettings) KBSemanticPool() int      { return s.pool }

type stubModels struct{ chairman string }

func (s stubModels) ChairmanModel() string { return s.chairman }

type stubConversations struct {
	mu       sync.Mutex
	docIDs   map[string][]string
	appended []string
}

func (s *stubConversations) KBDocIDs(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docIDs[conversationID]
}

func (s *stubConversations) AppendKBDocID(conversationID, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docIDs == nil {
		s.docIDs = map[string][]string{}
	}
	s.docIDs[conversationID] = append(s.docIDs[conversationID], docID)
	s.appended = append(s.appended, docID)
	return nil
}

type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, _ string, texts []string, _ llm.ChatOptions) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (s *scriptedChat) Chat(_ context.Context, _ string, _ []llm.Message, _ llm.ChatOptions) (*llm.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.calls++
	return &llm.ChatResult{Content: s.replies[idx]}, nil
}

func newTestKB(t *testing.T) *kb.Store {
	t.Helper()
	store, err := kb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// recordingGraphStore captures graph writes in memory.
type recordingGraphStore struct {
	mu        sync.Mutex
	chunks    []kg.GraphChunk
	entities  []kg.GraphEntity
	relations []kg.GraphRelation
	mentions  map[string][]string
}

func newRecordingGraphStore() *recordingGraphStore {
	return &recordingGraphStore{mentions: map[string][]string{}}
}

func (s *recordingGraphStore) CreateGraph(name, agentID string) (string, error) { return "g1", nil }
func (s *recordingGraphStore) ListGraphs(string) ([]kg.Graph, error)           { return nil, nil }
func (s *recordingGraphStore) DeleteGraph(string) (bool, error)                { return false, nil }

func (s *recordingGraphStore) UpsertEntities(entities []kg.GraphEntity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		s.entities = append(s.entities, e)
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (s *recordingGraphStore) UpsertRelations(relations []kg.GraphRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, relations...)
	return nil
}

func (s *recordingGraphStore) UpsertChunk(chunk kg.GraphChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingGraphStore) LinkMentions(graphID, chunkID string, entityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentions[chunkID] = append(s.mentions[chunkID], entityIDs...)
	return nil
}

func (s *recordingGraphStore) GetGraphData(string, int) (*kg.GraphData, error) { return nil, nil }
func (s *recordingGraphStore) QuerySubgraph(string, string, int) (*kg.GraphData, error) {
	return nil, nil
}
func (s *recordingGraphStore) GetEntityMentions(string, string, int) ([]kg.Mention, error) {
	return nil, nil
}
func (s *recordingGraphStore) SetEntityInterpretation(string, string, string, []string, string) (bool, error) {
	return false, nil
}
func (s *recordingGraphStore) SetCommunitySummaries(string, kg.CommunitySummaries) (bool, error) {
	return false, nil
}
func (s *recordingGraphStore) GetCommunitySummaries(string) (*kg.CommunitySummaries, error) {
	return nil, nil
}
func (s *recordingGraphStore) Close() error { return nil }
