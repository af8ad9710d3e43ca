package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceAppendAndRead(t *testing.T) {
	sink := NewTraceSink(t.TempDir())

	require.NoError(t, sink.Append("conv-1", map[string]any{"type": "stage_start", "stage": "stage1"}))
	require.NoError(t, sink.Append("conv-1", map[string]any{"type": "stage_complete", "stage": "stage1"}))
	require.NoError(t, sink.Append("conv-2", map[string]any{"type": "stage_start", "stage": "stage0"}))

	events, err := sink.ReadEvents("conv-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "stage_start", events[0]["type"])
	assert.Equal(t, "conv-1", events[0]["conversation_id"])
	assert.NotEmpty(t, events[0]["ts"])

	// limit keeps the newest events
	events, err = sink.ReadEvents("conv-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "stage_complete", events[0]["type"])

	events, err = sink.ReadEvents("missing", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTraceRejectsUnsafeIDs(t *testing.T) {
	sink := NewTraceSink(t.TempDir())

	for _, id := range []string{"", "../escape", "a/b", `a\b`, "x..y"} {
		assert.ErrorIs(t, sink.Append(id, map[string]any{"type": "x"}), ErrBadConversationID, id)
		_, err := sink.ReadEvents(id, 0)
		assert.ErrorIs(t, err, ErrBadConversationID, id)
		_, err = sink.Delete(id)
		assert.ErrorIs(t, err, ErrBadConversationID, id)
	}
}

func TestTraceDelete(t *testing.T) {
	sink := NewTraceSink(t.TempDir())
	require.NoError(t, sink.Append("conv-1", map[string]any{"type": "x"}))

	deleted, err := sink.Delete("conv-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = sink.Delete("conv-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestExportBundle(t *testing.T) {
	dir := t.TempDir()
	convs := NewConversations(dir + "/conversations")
	traces := NewTraceSink(dir + "/traces")
	agents := NewAgents(dir, []string{"openrouter:model/a"}, "openrouter:chairman", "openrouter:title")

	_, err := convs.Create("conv-1")
	require.NoError(t, err)
	require.NoError(t, convs.AddUserMessage("conv-1", "问题"))
	require.NoError(t, traces.Append("conv-1", map[string]any{"type": "stage_start"}))

	bundle, err := Export(convs, traces, agents, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", bundle.Conversation.ID)
	assert.Len(t, bundle.Trace, 1)
	assert.Len(t, bundle.Agents, 1)
	assert.Equal(t, "openrouter:chairman", bundle.Models.ChairmanModel)
	assert.NotEmpty(t, bundle.ExportedAt)

	_, err = Export(convs, traces, agents, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
