package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/config"
)

func testProviders(openRouterURL, ollamaURL string) *config.ProviderConfig {
	return &config.ProviderConfig{
		OpenRouterAPIKey: "test-key",
		DashScopeAPIKey:  "",
		DashScopeBaseURL: config.DefaultDashScopeBaseURL,
		APIYiAPIKey:      "apiyi-key",
		APIYiBaseURL:     openRouterURL,
		OllamaBaseURL:    ollamaURL,
	}
}

func TestKeyConfigured(t *testing.T) {
	g := NewGateway(testProviders("http://unused", "http://unused"))

	assert.Equal(t, KeyConfigured, g.KeyConfigured(ProviderOpenRouter))
	assert.Equal(t, KeyMissing, g.KeyConfigured(ProviderDashScope))
	assert.Equal(t, KeyConfigured, g.KeyConfigured(ProviderAPIYi))
	assert.Equal(t, KeyConfigured, g.KeyConfigured(ProviderOllama), "ollama is local and needs no key")
	assert.Equal(t, KeyUnknown, g.KeyConfigured(Provider("azure")))
}

func TestChatOpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer apiyi-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello there"}},
			},
		})
	}))
	defer srv.Close()

	g := NewGateway(testProviders(srv.URL, "http://unused"))
	result, err := g.Chat(context.Background(), "apiyi:gpt-4o", []Message{
		{Role: "user", Content: "hi"},
	}, ChatOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
}

func TestChatErrorStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewGateway(testProviders(srv.URL, "http://unused"))
	result, err := g.Chat(context.Background(), "apiyi:nope", nil, ChatOptions{Silent: true, Timeout: 5 * time.Second})
	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestChatUnsupportedProvider(t *testing.T) {
	g := NewGateway(testProviders("http://unused", "http://unused"))
	_, err := g.Chat(context.Background(), "azure:gpt", nil, ChatOptions{Silent: true})
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestChatOllamaNative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "local reply"},
		})
	}))
	defer srv.Close()

	g := NewGateway(testProviders("http://unused", srv.URL))
	result, err := g.Chat(context.Background(), "ollama:llama3", []Message{
		{Role: "user", Content: "hi"},
	}, ChatOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "local reply", result.Content)
}

func TestEmbedSortsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		// Return vectors out of order; the gateway must restore input order.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0.3, 0.4}},
				{"index": 0, "embedding": []float64{0.1, 0.2}},
			},
		})
	}))
	defer srv.Close()

	g := NewGateway(testProviders(srv.URL, "http://unused"))
	vectors, err := g.Embed(context.Background(), "apiyi:text-embedding-3-small",
		[]string{"first", "second"}, ChatOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDeltaSlice(t, []float64{0.1, 0.2}, vectors[0], 1e-9)
	assert.InDeltaSlice(t, []float64{0.3, 0.4}, vectors[1], 1e-9)
}

func TestEmbedOllamaPerInput(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{float64(calls)}})
	}))
	defer srv.Close()

	g := NewGateway(testProviders("http://unused", srv.URL))
	vectors, err := g.Embed(context.Background(), "ollama:nomic-embed-text",
		[]string{"a", "b", "c"}, ChatOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "ollama embeds one input per request")
	require.Len(t, vectors, 3)
	assert.Equal(t, []float64{3}, vectors[2])
}

func TestEmbedEmptyInputNoIO(t *testing.T) {
	g := NewGateway(testProviders("http://unreachable.invalid", "http://unreachable.invalid"))
	vectors, err := g.Embed(context.Background(), "apiyi:m", nil, ChatOptions{})
	require.NoError(t, err)
	assert.Empty(t, vectors)
}
