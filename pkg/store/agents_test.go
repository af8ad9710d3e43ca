package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgents(t *testing.T) *Agents {
	t.Helper()
	return NewAgents(t.TempDir(),
		[]string{"openrouter:model/a", "openrouter:model/b"},
		"openrouter:chairman", "openrouter:title")
}

func TestAgentsSeedDefaults(t *testing.T) {
	a := newTestAgents(t)

	agents, err := a.List()
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-1", agents[0].ID)
	assert.Equal(t, "Agent 1", agents[0].Name)
	assert.Equal(t, "openrouter:model/a", agents[0].ModelSpec)
	assert.True(t, agents[0].Enabled)
	assert.Equal(t, 1.0, agents[0].InfluenceWeight)

	roles, err := a.Models()
	require.NoError(t, err)
	assert.Equal(t, "openrouter:chairman", roles.ChairmanModel)
	assert.Equal(t, "openrouter:title", roles.TitleModel)
	assert.Equal(t, "openrouter:chairman", a.ChairmanModel())
}

func TestAgentsUpsertAndDelete(t *testing.T) {
	a := newTestAgents(t)

	_, err := a.Upsert(AgentConfig{
		ID: "agent-3", Name: "法务专家", ModelSpec: "dashscope:qwen-max",
		Enabled: true, InfluenceWeight: 1.5, SeniorityYears: 10,
		KBCategories: []string{"legal"},
	})
	require.NoError(t, err)

	got, err := a.Get("agent-3")
	require.NoError(t, err)
	assert.Equal(t, "法务专家", got.Name)
	assert.Equal(t, 1.5, got.InfluenceWeight)

	// replace in place
	got.Persona = "严谨"
	_, err = a.Upsert(*got)
	require.NoError(t, err)
	agents, err := a.List()
	require.NoError(t, err)
	assert.Len(t, agents, 3)

	deleted, err := a.Delete("agent-3")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = a.Delete("agent-3")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = a.Get("agent-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentsSetModels(t *testing.T) {
	a := newTestAgents(t)

	chairman := "apiyi:gpt-4o"
	roles, err := a.SetModels(&chairman, nil)
	require.NoError(t, err)
	assert.Equal(t, "apiyi:gpt-4o", roles.ChairmanModel)
	assert.Equal(t, "openrouter:title", roles.TitleModel, "nil leaves the role unchanged")
}
