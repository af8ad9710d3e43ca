package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConversations(t *testing.T) *Conversations {
	t.Helper()
	return NewConversations(t.TempDir())
}

func TestConversationLifecycle(t *testing.T) {
	c := newTestConversations(t)

	conv, err := c.Create("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "New Conversation", conv.Title)
	assert.Equal(t, ModeSerious, conv.DiscussionMode)
	assert.Nil(t, conv.AgentIDs, "nil roster means all enabled agents")

	require.NoError(t, c.AddUserMessage("conv-1", "你好"))
	require.NoError(t, c.AddAssistantMessage("conv-1", Message{
		Stage1: []map[string]any{{"agent_id": "agent-1", "response": "回答"}},
		Stage3: map[string]any{"response": "最终回答"},
	}))

	got, err := c.Get("conv-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "最终回答", got.Messages[1].Stage3["response"])

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].MessageCount)

	deleted, err := c.Delete("conv-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = c.Delete("conv-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = c.Get("conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChairmanOverridesAreMutuallyExclusive(t *testing.T) {
	c := newTestConversations(t)
	_, err := c.Create("conv-1")
	require.NoError(t, err)

	require.NoError(t, c.SetChairmanModel("conv-1", "openrouter:some/model"))
	conv, err := c.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "openrouter:some/model", conv.ChairmanModel)
	assert.Empty(t, conv.ChairmanAgentID)

	require.NoError(t, c.SetChairmanAgent("conv-1", "agent-2"))
	conv, err = c.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", conv.ChairmanAgentID)
	assert.Empty(t, conv.ChairmanModel, "agent override clears the model override")
}

func TestKBDocBindingDedupes(t *testing.T) {
	c := newTestConversations(t)
	_, err := c.Create("conv-1")
	require.NoError(t, err)

	require.NoError(t, c.SetKBDocIDs("conv-1", []string{"d1", " d2 ", "d1", ""}))
	assert.Equal(t, []string{"d1", "d2"}, c.KBDocIDs("conv-1"))

	require.NoError(t, c.AppendKBDocID("conv-1", "d3"))
	require.NoError(t, c.AppendKBDocID("conv-1", "d2"))
	assert.Equal(t, []string{"d1", "d2", "d3"}, c.KBDocIDs("conv-1"))

	assert.Nil(t, c.KBDocIDs("missing"))
}

func TestAgentSelectionNormalizesEmpty(t *testing.T) {
	c := newTestConversations(t)
	_, err := c.Create("conv-1")
	require.NoError(t, err)

	require.NoError(t, c.SetAgents("conv-1", []string{"agent-1"}))
	conv, err := c.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, conv.AgentIDs)

	require.NoError(t, c.SetAgents("conv-1", []string{}))
	conv, err = c.Get("conv-1")
	require.NoError(t, err)
	assert.Nil(t, conv.AgentIDs)
}

func TestDiscussionModeAndLivelyHistory(t *testing.T) {
	c := newTestConversations(t)
	_, err := c.Create("conv-1")
	require.NoError(t, err)

	require.Error(t, c.SetDiscussionMode("conv-1", "chaotic", nil))

	require.NoError(t, c.SetDiscussionMode("conv-1", ModeLively, map[string]any{"max_turns": 3}))
	require.NoError(t, c.AppendLivelyHistory("conv-1", map[string]any{"turn": 1, "action": "continue"}))

	conv, err := c.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, ModeLively, conv.DiscussionMode)
	assert.Equal(t, 3, int(conv.DiscussionParams["max_turns"].(float64)))
	require.Len(t, conv.LivelyHistory, 1)
}
