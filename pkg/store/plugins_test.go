package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluginsDefaultEnabled(t *testing.T) {
	p := NewPlugins(t.TempDir())

	list := p.List()
	require.Len(t, list, 6)
	names := make([]string, 0, len(list))
	for _, info := range list {
		names = append(names, info.Name)
		assert.True(t, info.Enabled, "%s defaults to enabled", info.Name)
		assert.NotEmpty(t, info.Title)
	}
	assert.Equal(t, []string{
		"evidence_pack", "kb_index", "kg_extract", "office_ingest", "paper_search", "web_search",
	}, names)
	assert.True(t, p.Enabled("web_search"))
	assert.True(t, p.Enabled("some_external_tool"), "unknown tools stay enabled")
}

func TestPluginsPatch(t *testing.T) {
	p := NewPlugins(t.TempDir())

	off := false
	info, err := p.Patch("web_search", &off, nil)
	require.NoError(t, err)
	assert.False(t, info.Enabled)
	assert.False(t, p.Enabled("web_search"))

	info, err = p.Patch("web_search", nil, map[string]any{"max_results": 3})
	require.NoError(t, err)
	assert.False(t, info.Enabled, "config patch leaves the switch alone")
	assert.Equal(t, 3, info.Config["max_results"])

	on := true
	_, err = p.Patch("web_search", &on, nil)
	require.NoError(t, err)
	assert.True(t, p.Enabled("web_search"))

	_, err = p.Patch("unknown_tool", &on, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Patch("", &on, nil)
	assert.Error(t, err)
}
