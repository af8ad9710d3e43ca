package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/api"
	"github.com/council-works/council/pkg/council"
	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/kg"
	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
)

// fakeChat scripts the LLM gateway. Providers listed in missing report
// KeyMissing and fail to chat.
type fakeChat struct {
	missing map[llm.Provider]bool
	respond func(spec string, messages []llm.Message) (string, error)
}

func (f *fakeChat) Chat(_ context.Context, spec string, messages []llm.Message, _ llm.ChatOptions) (*llm.ChatResult, error) {
	parsed := llm.ParseModelSpec(spec)
	if f.missing[parsed.Provider] {
		return nil, io.ErrUnexpectedEOF
	}
	if f.respond == nil {
		return &llm.ChatResult{Content: "ok"}, nil
	}
	content, err := f.respond(spec, messages)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResult{Content: content}, nil
}

func (f *fakeChat) KeyConfigured(provider llm.Provider) llm.KeyStatus {
	if f.missing[provider] {
		return llm.KeyMissing
	}
	return llm.KeyConfigured
}

type apiEnv struct {
	router *gin.Engine
	chat   *fakeChat
	convs  *store.Conversations
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	chat := &fakeChat{missing: map[llm.Provider]bool{}}
	agents := store.NewAgents(dir, nil, "openrouter:chairman", "openrouter:title")
	convs := store.NewConversations(dir)
	settings := store.NewSettings(dir, "", "", nil, nil)
	plugins := store.NewPlugins(dir)
	traces := store.NewTraceSink(dir)

	kbStore, err := kb.Open(filepath.Join(dir, "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kbStore.Close() })
	retriever := kb.NewRetriever(kbStore, nil, nil, nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := council.NewEngine(council.Deps{
		Chat:          chat,
		Agents:        agents,
		Conversations: convs,
		Settings:      settings,
		Traces:        traces,
		KB:            kbStore,
		Retriever:     retriever,
		Graphs:        kg.UnconfiguredStore{},
		Logger:        logger,
	})

	server := api.NewServer(api.Deps{
		Engine:    engine,
		Chat:      chat,
		Agents:    agents,
		Convs:     convs,
		Settings:  settings,
		Plugins:   plugins,
		Traces:    traces,
		KB:        kbStore,
		Retriever: retriever,
		Graphs:    kg.UnconfiguredStore{},
		Logger:    logger,
	})
	return &apiEnv{router: server.Router(), chat: chat, convs: convs}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndStatus(t *testing.T) {
	env := newAPIEnv(t)
	env.chat.missing[llm.ProviderDashScope] = true

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	providers := body["providers"].(map[string]any)
	assert.Equal(t, true, providers["openrouter"])
	assert.Equal(t, false, providers["dashscope"])
	assert.Equal(t, false, body["graph_configured"])
}

func TestAgentLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agents", map[string]any{"id": "a1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "model_spec is required")

	rec = env.do(t, http.MethodPost, "/api/agents", map[string]any{
		"id": "a1", "name": "Alpha", "model_spec": "openrouter:gpt", "seniority_years": -3,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode(t, rec)
	assert.Equal(t, true, created["enabled"])
	assert.Equal(t, 1.0, created["influence_weight"])
	assert.Equal(t, 0.0, created["seniority_years"], "negative seniority clamps to zero")

	rec = env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode(t, rec)["agents"].([]any)
	require.Len(t, agents, 1)

	rec = env.do(t, http.MethodPost, "/api/agents/models", map[string]any{"chairman_model": "apiyi:gpt-4o"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "apiyi:gpt-4o", decode(t, rec)["chairman_model"])

	rec = env.do(t, http.MethodDelete, "/api/agents/a1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/agents/a1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGeneratePersona(t *testing.T) {
	env := newAPIEnv(t)
	env.chat.respond = func(spec string, messages []llm.Message) (string, error) {
		return "你是一位新能源材料专家。", nil
	}

	rec := env.do(t, http.MethodPost, "/api/agents/persona/generate", map[string]any{"name": "电池专家"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "你是一位新能源材料专家。", body["persona"])
	assert.Equal(t, "openrouter:chairman", body["model"])

	rec = env.do(t, http.MethodPost, "/api/agents/persona/generate", map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/settings", map[string]any{
		"kb_retrieval_mode": "fts",
		"roundtable_rounds": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "fts", body["kb_retrieval_mode"])
	assert.Equal(t, 2.0, body["roundtable_rounds"])
}

func TestPluginToggle(t *testing.T) {
	env := newAPIEnv(t)

	disabled := false
	rec := env.do(t, http.MethodPost, "/api/plugins/web_search", map[string]any{"enabled": disabled})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])

	rec = env.do(t, http.MethodGet, "/api/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var found bool
	for _, raw := range decode(t, rec)["plugins"].([]any) {
		info := raw.(map[string]any)
		if info["name"] == "web_search" {
			found = true
			assert.Equal(t, false, info["enabled"])
		}
	}
	assert.True(t, found)

	rec = env.do(t, http.MethodPost, "/api/plugins/nonexistent", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKBDocumentFlow(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/kb/documents", map[string]any{
		"title": "钠电池综述", "text": "钠离子电池的正极材料包括层状氧化物与普鲁士蓝类似物。",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	docID := decode(t, rec)["doc_id"].(string)
	require.NotEmpty(t, docID)

	rec = env.do(t, http.MethodPost, "/api/kb/documents", map[string]any{"title": "empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/kb/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["documents"].([]any), 1)

	rec = env.do(t, http.MethodPost, "/api/kb/documents/"+docID+"/categories", map[string]any{
		"categories": []string{"battery"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/kb/search", map[string]any{
		"query": "正极材料", "mode": "fts",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	hits := decode(t, rec)["hits"].([]any)
	require.NotEmpty(t, hits)

	rec = env.do(t, http.MethodDelete, "/api/kb/documents/"+docID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/kb/documents/"+docID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKBBatchDocuments(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/kb/documents/batch", map[string]any{
		"documents": []map[string]any{
			{"title": "one", "text": "第一篇文档。"},
			{"title": "blank"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode(t, rec)["results"].([]any)
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].(map[string]any)["doc_id"])
	assert.NotEmpty(t, results[1].(map[string]any)["error"])
}

func TestConversationLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/mode", map[string]any{"mode": "karaoke"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/mode", map[string]any{
		"mode": "lively", "params": map[string]any{"max_messages": 12},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/report", map[string]any{
		"requirements": "只要要点。",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/chairman", map[string]any{
		"model_spec": "apiyi:gpt-4o",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "apiyi:gpt-4o", decode(t, rec)["chairman_model"])

	rec = env.do(t, http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode(t, rec)
	assert.Equal(t, "lively", conv["discussion_mode"])
	assert.Equal(t, "只要要点。", conv["report_requirements"])

	rec = env.do(t, http.MethodGet, "/api/conversations/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode(t, rec)["conversation"])

	rec = env.do(t, http.MethodDelete, "/api/conversations/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/conversations/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationKBDocsValidation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/kb/doc_ids", map[string]any{
		"doc_ids": []string{"missing-doc"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageMissingProviderKey(t *testing.T) {
	env := newAPIEnv(t)
	env.chat.missing[llm.ProviderOpenRouter] = true

	rec := env.do(t, http.MethodPost, "/api/agents", map[string]any{
		"id": "a1", "name": "Alpha", "model_spec": "openrouter:gpt",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/message", map[string]any{"content": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/message", map[string]any{
		"content": "钠离子电池的前景如何？",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	stage3 := body["stage3"].(map[string]any)
	assert.Contains(t, stage3["response"], "Missing API key(s)")

	conv, err := env.convs.Get(id)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "assistant", conv.Messages[1].Role)

	rec = env.do(t, http.MethodGet, "/api/conversations/"+id+"/trace", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInvokeUnknownMode(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/invoke", map[string]any{"mode": "sing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsUnavailableWithoutRunner(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"job_type": "web_search"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/jobs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGraphEndpointsUnconfigured(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/kg/graphs", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")

	rec = env.do(t, http.MethodPost, "/api/kg/graphs", map[string]any{"name": "g"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSLocalhostOnly(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMessageStreamEmitsEvents(t *testing.T) {
	env := newAPIEnv(t)
	env.chat.missing[llm.ProviderOpenRouter] = true

	rec := env.do(t, http.MethodPost, "/api/agents", map[string]any{
		"id": "a1", "name": "Alpha", "model_spec": "openrouter:gpt",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/api/conversations/"+id+"/message/stream", map[string]any{
		"content": "你好",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var types []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
		if v, ok := payload["type"].(string); ok {
			types = append(types, v)
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, "complete", types[len(types)-1])
}
