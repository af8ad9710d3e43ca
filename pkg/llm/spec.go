// Package llm is the provider-agnostic gateway for chat and embedding
// calls. It parses "<provider>:<model>" specs, routes to the matching
// provider endpoint, and collapses every failure mode (transport error,
// HTTP >= 400, malformed body) into an error return so callers can
// implement partial-failure semantics. The gateway never retries;
// retries are a job-runner concern.
package llm

import "strings"

// Provider identifies a supported LLM backend.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderDashScope  Provider = "dashscope"
	ProviderAPIYi      Provider = "apiyi"
	ProviderOllama     Provider = "ollama"
)

// Providers is the closed set of recognized providers.
var Providers = []Provider{ProviderOpenRouter, ProviderDashScope, ProviderAPIYi, ProviderOllama}

// Valid reports whether p is one of the recognized providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenRouter, ProviderDashScope, ProviderAPIYi, ProviderOllama:
		return true
	}
	return false
}

// ModelSpec is a parsed "<provider>:<model>" pair.
type ModelSpec struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
}

// String renders the spec back to "<provider>:<model>" form.
func (m ModelSpec) String() string {
	return string(m.Provider) + ":" + m.Model
}

// ParseModelSpec parses a model spec of the form "<provider>:<model>".
// A spec without a provider prefix defaults to openrouter. A spec with
// an empty provider or model segment is treated as a bare openrouter
// model name, preserving the raw string.
func ParseModelSpec(spec string) ModelSpec {
	if !strings.Contains(spec, ":") {
		return ModelSpec{Provider: ProviderOpenRouter, Model: spec}
	}
	provider, model, _ := strings.Cut(spec, ":")
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return ModelSpec{Provider: ProviderOpenRouter, Model: spec}
	}
	return ModelSpec{Provider: Provider(provider), Model: model}
}

// KeyStatus is the three-valued answer to "is this provider usable?".
type KeyStatus int

const (
	// KeyUnknown means the provider name is not recognized.
	KeyUnknown KeyStatus = iota
	// KeyMissing means the provider requires an API key and none is set.
	KeyMissing
	// KeyConfigured means the provider can be called.
	KeyConfigured
)
