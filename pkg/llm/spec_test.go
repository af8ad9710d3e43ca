package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseModelSpec(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		provider Provider
		model    string
	}{
		{
			name:     "explicit openrouter",
			spec:     "openrouter:openai/gpt-5.1",
			provider: ProviderOpenRouter,
			model:    "openai/gpt-5.1",
		},
		{
			name:     "dashscope",
			spec:     "dashscope:qwen-max",
			provider: ProviderDashScope,
			model:    "qwen-max",
		},
		{
			name:     "apiyi",
			spec:     "apiyi:gpt-4o",
			provider: ProviderAPIYi,
			model:    "gpt-4o",
		},
		{
			name:     "ollama",
			spec:     "ollama:llama3",
			provider: ProviderOllama,
			model:    "llama3",
		},
		{
			name:     "no provider defaults to openrouter",
			spec:     "anthropic/claude-sonnet-4.5",
			provider: ProviderOpenRouter,
			model:    "anthropic/claude-sonnet-4.5",
		},
		{
			name:     "uppercase provider is lowered",
			spec:     "DashScope:qwen-plus",
			provider: ProviderDashScope,
			model:    "qwen-plus",
		},
		{
			name:     "empty provider segment keeps raw model",
			spec:     ":model",
			provider: ProviderOpenRouter,
			model:    ":model",
		},
		{
			name:     "empty model segment keeps raw model",
			spec:     "ollama:",
			provider: ProviderOpenRouter,
			model:    "ollama:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseModelSpec(tt.spec)
			assert.Equal(t, tt.provider, got.Provider)
			assert.Equal(t, tt.model, got.Model)
		})
	}
}

func TestModelSpecString(t *testing.T) {
	spec := ModelSpec{Provider: ProviderDashScope, Model: "qwen-max"}
	assert.Equal(t, "dashscope:qwen-max", spec.String())
}

func TestProviderValid(t *testing.T) {
	for _, p := range Providers {
		assert.True(t, p.Valid())
	}
	assert.False(t, Provider("azure").Valid())
}
