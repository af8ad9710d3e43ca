package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Default endpoints for providers that allow overriding via env.
const (
	DefaultDashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultAPIYiBaseURL     = "https://api.apiyi.com/v1"
	DefaultOllamaBaseURL    = "http://localhost:11434"
)

// Load reads configuration from the environment. Callers are expected to
// have loaded .env beforehand (godotenv in cmd/councild).
func Load() *Config {
	dataDir := envOr("COUNCIL_DATA_DIR", "data")

	return &Config{
		DataDir: dataDir,
		Providers: &ProviderConfig{
			OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
			DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
			DashScopeBaseURL: envOr("DASHSCOPE_BASE_URL", DefaultDashScopeBaseURL),
			APIYiAPIKey:      os.Getenv("APIYI_API_KEY"),
			APIYiBaseURL:     envOr("APIYI_BASE_URL", DefaultAPIYiBaseURL),
			OllamaBaseURL:    envOr("OLLAMA_BASE_URL", DefaultOllamaBaseURL),
		},
		Graph: &GraphConfig{
			URI:      envOr("NEO4J_URI", "bolt://localhost:7687"),
			User:     envOr("NEO4J_USER", "neo4j"),
			Password: os.Getenv("NEO4J_PASSWORD"),
			Database: envOr("NEO4J_DATABASE", "neo4j"),
		},
		Watch: &WatchConfig{
			Enable:          envBool("KB_WATCH_ENABLE"),
			Roots:           envList("KB_WATCH_ROOTS", []string{filepath.Join(dataDir, "kb_watch")}),
			Extensions:      normalizeExts(envList("KB_WATCH_EXTS", []string{"txt", "md"})),
			IntervalSeconds: envIntMin("KB_WATCH_INTERVAL_SECONDS", 10, 2),
			MaxFileMB:       envIntMin("KB_WATCH_MAX_FILE_MB", 20, 1),
		},
		Runner:           DefaultRunnerConfig(),
		KBEmbeddingModel: os.Getenv("KB_EMBEDDING_MODEL"),
		KBRerankModel:    os.Getenv("KB_RERANK_MODEL"),
		SerpAPIKey:       os.Getenv("SERPAPI_KEY"),
		CouncilModels: envList("COUNCIL_MODELS", []string{
			"openrouter:openai/gpt-5.1",
			"openrouter:google/gemini-3-pro-preview",
			"openrouter:anthropic/claude-sonnet-4.5",
			"openrouter:x-ai/grok-4",
		}),
		ChairmanModel: envOr("CHAIRMAN_MODEL", "openrouter:google/gemini-3-pro-preview"),
		TitleModel:    envOr("TITLE_MODEL", "openrouter:google/gemini-2.5-flash"),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// envList splits a comma- or semicolon-separated value.
func envList(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	raw = strings.ReplaceAll(raw, ";", ",")
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envIntMin(key string, fallback, min int) int {
	v := fallback
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			v = n
		}
	}
	if v < min {
		return min
	}
	return v
}

func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	seen := make(map[string]bool)
	for _, e := range exts {
		v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
