// Package config loads process configuration from the environment.
//
// Runtime-mutable settings (retrieval mode, pipeline toggles, job knobs)
// live in data/settings.json and are managed by pkg/store. This package
// only covers what must be known before the first request: provider
// credentials, data directory, graph connection, watch roots, and the
// job-runner pool shape.
package config

// Config is the umbrella configuration object returned by Load() and
// passed to the startup wiring in cmd/councild.
type Config struct {
	// DataDir is the root for all persisted state (conversations, traces,
	// agents.json, settings.json, plugins.json, jobs.sqlite, kb.sqlite).
	DataDir string

	Providers *ProviderConfig
	Graph     *GraphConfig
	Watch     *WatchConfig
	Runner    *RunnerConfig

	// KBEmbeddingModel and KBRerankModel are env-level defaults for the
	// corresponding settings.json fields ("<provider>:<model>" specs).
	KBEmbeddingModel string
	KBRerankModel    string

	// Seed model specs for a fresh data/agents.json.
	CouncilModels []string
	ChairmanModel string
	TitleModel    string

	// SerpAPIKey enables the Google Scholar source of paper_search.
	SerpAPIKey string
}

// ProviderConfig holds per-provider credentials and endpoints.
// An empty key means the provider is not configured; the gateway
// reports that through KeyConfigured so the pipeline can gate calls.
type ProviderConfig struct {
	OpenRouterAPIKey string

	DashScopeAPIKey  string
	DashScopeBaseURL string

	APIYiAPIKey  string
	APIYiBaseURL string

	OllamaBaseURL string
}

// GraphConfig holds the Neo4j connection parameters. The graph store is
// an external collaborator; only its interface is implemented here.
type GraphConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Configured reports whether a graph endpoint was provided at all.
func (g *GraphConfig) Configured() bool {
	return g != nil && g.URI != "" && g.Password != ""
}

// WatchConfig controls the KB folder-watch poller.
type WatchConfig struct {
	Enable          bool
	Roots           []string
	Extensions      []string
	IntervalSeconds int
	MaxFileMB       int
}
