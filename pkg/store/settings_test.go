package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T) *SettingsStore {
	t.Helper()
	return NewSettings(t.TempDir(), "", "", nil, nil)
}

func TestSettingsDefaults(t *testing.T) {
	s := newTestSettings(t)

	settings, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "zh", settings.OutputLanguage)
	assert.Equal(t, "hybrid", settings.KBRetrievalMode)
	assert.Equal(t, 400, settings.KBSemanticPool)
	assert.Equal(t, 24, settings.KBInitialK)
	assert.Equal(t, 1, settings.RoundtableRounds)
	assert.Equal(t, 12, settings.HistoryMaxMessages)
	assert.Equal(t, "council_reports", settings.ReportKBCategory)
	assert.Contains(t, settings.ReportInstructions, "背景与目标")
	assert.Equal(t, 1, settings.JobToolLimits["kg_extract"])
	assert.Equal(t, 300, settings.JobResultTTLs["web_search"])
}

func TestSettingsUpdateClamps(t *testing.T) {
	s := newTestSettings(t)

	settings, err := s.Update(map[string]any{
		"output_language":      "EN",
		"kb_retrieval_mode":    "semantic",
		"kb_semantic_pool":     float64(999999),
		"kb_initial_k":         float64(0),
		"roundtable_rounds":    float64(7),
		"history_max_messages": float64(-3),
		"report_kb_category":   "",
		"job_tool_limits":      map[string]any{"web_search": float64(100)},
	})
	require.NoError(t, err)

	assert.Equal(t, "en", settings.OutputLanguage)
	assert.Equal(t, "semantic", settings.KBRetrievalMode)
	assert.Equal(t, 10000, settings.KBSemanticPool)
	assert.Equal(t, 1, settings.KBInitialK)
	assert.Equal(t, 3, settings.RoundtableRounds)
	assert.Equal(t, 0, settings.HistoryMaxMessages)
	assert.Equal(t, "council_reports", settings.ReportKBCategory)
	assert.Equal(t, 32, settings.JobToolLimits["web_search"])

	// unknown enum values are ignored
	settings, err = s.Update(map[string]any{"kb_retrieval_mode": "psychic"})
	require.NoError(t, err)
	assert.Equal(t, "semantic", settings.KBRetrievalMode)
}

func TestSettingsEnvDefaultsFillEmptyFields(t *testing.T) {
	s := NewSettings(t.TempDir(), "openai:text-embedding-3-small", "dashscope:gte-rerank", []string{"/watch"}, []string{"md"})

	settings, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "openai:text-embedding-3-small", settings.KBEmbeddingModel)
	assert.Equal(t, "dashscope:gte-rerank", settings.KBRerankModel)
	assert.Equal(t, []string{"/watch"}, settings.KBWatchRoots)

	// an explicit value wins over the env default
	settings, err = s.Update(map[string]any{"kb_embedding_model": "ollama:bge-m3"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:bge-m3", settings.KBEmbeddingModel)

	assert.Equal(t, "ollama:bge-m3", s.KBEmbeddingModel())
	assert.Equal(t, 400, s.KBSemanticPool())
}

func TestSettingsPersistAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings(dir, "", "", nil, nil)
	_, err := s.Update(map[string]any{"enable_fact_check": false, "web_search_results": float64(9)})
	require.NoError(t, err)

	reopened := NewSettings(dir, "", "", nil, nil)
	settings, err := reopened.Get()
	require.NoError(t, err)
	assert.False(t, settings.EnableFactCheck)
	assert.Equal(t, 9, settings.WebSearchResults)
}
