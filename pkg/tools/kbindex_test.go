package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/kb"
)

func TestKBIndexTool(t *testing.T) {
	store := newTestKB(t)
	ctx := context.Background()
	_, err := store.AddDocument(ctx, kb.Document{ID: "d1", Title: "T", Source: "s", Text: "some text to embed"})
	require.NoError(t, err)

	retriever := kb.NewRetriever(store, constEmbedder{}, nil, nil)
	handler := kbIndexTool(&Context{
		KB: store, Retriever: retriever,
		Settings: stubSettings{model: "openai:text-embedding-3-small"},
	})

	out, err := handler(ctx, testJob("kb_index", "", nil), noProgress)
	require.NoError(t, err)
	assert.Equal(t, "kb_index", out["type"])
	assert.Contains(t, out["summary"], "indexed=1 / total=1")
	assert.Contains(t, out["summary"], "openai:text-embedding-3-small")

	// payload model overrides settings
	out, err = handler(ctx, testJob("kb_index", "", map[string]any{"embedding_model": "ollama:bge-m3"}), noProgress)
	require.NoError(t, err)
	assert.Contains(t, out["summary"], "ollama:bge-m3")
}

func TestKBIndexToolRequiresModel(t *testing.T) {
	store := newTestKB(t)
	retriever := kb.NewRetriever(store, constEmbedder{}, nil, nil)
	handler := kbIndexTool(&Context{KB: store, Retriever: retriever, Settings: stubSettings{}})

	out, err := handler(context.Background(), testJob("kb_index", "", nil), noProgress)
	require.NoError(t, err)
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "KB embedding model not configured", out["error"])
}
