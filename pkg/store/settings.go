package store

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// DefaultReportInstructions is the report outline used when the user
// never customized one.
const DefaultReportInstructions = "请撰写一份完整分析报告（Markdown），至少包含：\n" +
	"1) 背景与目标\n" +
	"2) 关键材料摘要（如有上传文档/网页信息）\n" +
	"3) 主要观点与分歧（引用专家名称）\n" +
	"4) 事实核查结论（如有 claims JSON，按证据归因）\n" +
	"5) 可执行结论与行动清单\n" +
	"6) 风险与不确定性\n" +
	"7) 附录：引用的 URL 与 KB[doc_id]\n"

// Settings is the runtime-tunable configuration surface persisted in
// data/settings.json.
type Settings struct {
	OutputLanguage string `json:"output_language"`

	EnableDateContext bool `json:"enable_date_context"`
	EnableWebSearch   bool `json:"enable_web_search"`
	WebSearchResults  int  `json:"web_search_results"`

	EnableAgentWebSearch  bool `json:"enable_agent_web_search"`
	AgentWebSearchResults int  `json:"agent_web_search_results"`
	EnableAgentAutoTools  bool `json:"enable_agent_auto_tools"`

	KBRetrievalMode  string `json:"kb_retrieval_mode"`
	KBEmbeddingModel string `json:"kb_embedding_model"`
	KBEnableRerank   bool   `json:"kb_enable_rerank"`
	KBRerankModel    string `json:"kb_rerank_model"`
	KBSemanticPool   int    `json:"kb_semantic_pool"`
	KBInitialK       int    `json:"kb_initial_k"`

	KBWatchEnable          bool     `json:"kb_watch_enable"`
	KBWatchRoots           []string `json:"kb_watch_roots"`
	KBWatchExts            []string `json:"kb_watch_exts"`
	KBWatchIntervalSeconds int      `json:"kb_watch_interval_seconds"`
	KBWatchMaxFileMB       int      `json:"kb_watch_max_file_mb"`
	KBWatchIndexEmbeddings bool     `json:"kb_watch_index_embeddings"`

	EnablePreprocess bool `json:"enable_preprocess"`
	EnableRoundtable bool `json:"enable_roundtable"`
	EnableFactCheck  bool `json:"enable_fact_check"`
	RoundtableRounds int  `json:"roundtable_rounds"`

	EnableReportGeneration       bool   `json:"enable_report_generation"`
	ReportInstructions           string `json:"report_instructions"`
	AutoSaveReportToKB           bool   `json:"auto_save_report_to_kb"`
	AutoBindReportToConversation bool   `json:"auto_bind_report_to_conversation"`
	ReportKBCategory             string `json:"report_kb_category"`

	EnableHistoryContext bool `json:"enable_history_context"`
	HistoryMaxMessages   int  `json:"history_max_messages"`

	JobToolLimits      map[string]int `json:"job_tool_limits"`
	JobDefaultTimeouts map[string]int `json:"job_default_timeouts"`
	JobResultTTLs      map[string]int `json:"job_result_ttls"`

	UpdatedAt string `json:"updated_at"`
}

func defaultSettings() Settings {
	return Settings{
		OutputLanguage:        "zh",
		EnableDateContext:     true,
		EnableWebSearch:       true,
		WebSearchResults:      5,
		AgentWebSearchResults: 3,

		KBRetrievalMode: "hybrid",
		KBEnableRerank:  true,
		KBSemanticPool:  400,
		KBInitialK:      24,

		KBWatchExts:            []string{"txt", "md"},
		KBWatchIntervalSeconds: 10,
		KBWatchMaxFileMB:       20,
		KBWatchIndexEmbeddings: true,

		EnablePreprocess: true,
		EnableRoundtable: true,
		EnableFactCheck:  true,
		RoundtableRounds: 1,

		EnableReportGeneration:       true,
		ReportInstructions:           DefaultReportInstructions,
		AutoSaveReportToKB:           true,
		AutoBindReportToConversation: true,
		ReportKBCategory:             "council_reports",

		EnableHistoryContext: true,
		HistoryMaxMessages:   12,

		JobToolLimits: map[string]int{
			"kg_extract": 1, "kb_index": 1, "office_ingest": 1,
			"web_search": 2, "evidence_pack": 2, "paper_search": 2,
		},
		JobDefaultTimeouts: map[string]int{
			"kg_extract": 1800, "kb_index": 1200, "office_ingest": 600,
			"web_search": 300, "evidence_pack": 480, "paper_search": 300,
		},
		JobResultTTLs: map[string]int{
			"web_search": 300, "evidence_pack": 600, "paper_search": 300,
			"kb_index": 0, "kg_extract": 0, "office_ingest": 0,
		},
		UpdatedAt: nowISO(),
	}
}

// SettingsStore persists Settings with env-level fallbacks for the
// KB model specs and watch roots.
type SettingsStore struct {
	path string
	mu   sync.Mutex

	envEmbeddingModel string
	envRerankModel    string
	envWatchRoots     []string
	envWatchExts      []string
}

// NewSettings creates the store. The env values backfill fields the
// settings file leaves empty.
func NewSettings(dataDir, envEmbeddingModel, envRerankModel string, envWatchRoots, envWatchExts []string) *SettingsStore {
	return &SettingsStore{
		path:              filepath.Join(dataDir, "settings.json"),
		envEmbeddingModel: envEmbeddingModel,
		envRerankModel:    envRerankModel,
		envWatchRoots:     envWatchRoots,
		envWatchExts:      envWatchExts,
	}
}

// Get returns the current settings, writing defaults on first use.
func (s *SettingsStore) Get() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *SettingsStore) loadLocked() (Settings, error) {
	settings := defaultSettings()
	err := readJSON(s.path, &settings)
	if os.IsNotExist(err) {
		if err := writeJSONAtomic(s.path, &settings); err != nil {
			return settings, err
		}
		return s.withEnvDefaults(settings), nil
	}
	if err != nil {
		return settings, err
	}
	return s.withEnvDefaults(clampSettings(settings)), nil
}

func (s *SettingsStore) withEnvDefaults(settings Settings) Settings {
	if settings.KBEmbeddingModel == "" {
		settings.KBEmbeddingModel = s.envEmbeddingModel
	}
	if settings.KBRerankModel == "" {
		settings.KBRerankModel = s.envRerankModel
	}
	if len(settings.KBWatchRoots) == 0 {
		settings.KBWatchRoots = s.envWatchRoots
	}
	if len(settings.KBWatchExts) == 0 {
		settings.KBWatchExts = s.envWatchExts
	}
	return settings
}

func clampSettings(settings Settings) Settings {
	if settings.OutputLanguage != "en" {
		settings.OutputLanguage = "zh"
	}
	switch settings.KBRetrievalMode {
	case "fts", "semantic", "hybrid":
	default:
		settings.KBRetrievalMode = "hybrid"
	}
	settings.WebSearchResults = clampRange(settings.WebSearchResults, 0, 20)
	settings.AgentWebSearchResults = clampRange(settings.AgentWebSearchResults, 0, 10)
	settings.KBSemanticPool = clampRange(settings.KBSemanticPool, 0, 10000)
	settings.KBInitialK = clampRange(settings.KBInitialK, 1, 200)
	settings.KBWatchIntervalSeconds = clampRange(settings.KBWatchIntervalSeconds, 2, 3600)
	settings.KBWatchMaxFileMB = clampRange(settings.KBWatchMaxFileMB, 1, 500)
	settings.RoundtableRounds = clampRange(settings.RoundtableRounds, 0, 3)
	settings.HistoryMaxMessages = clampRange(settings.HistoryMaxMessages, 0, 50)
	if strings.TrimSpace(settings.ReportInstructions) == "" {
		settings.ReportInstructions = DefaultReportInstructions
	}
	if strings.TrimSpace(settings.ReportKBCategory) == "" {
		settings.ReportKBCategory = "council_reports"
	}
	settings.JobToolLimits = clampMap(settings.JobToolLimits, 1, 32, defaultSettings().JobToolLimits)
	settings.JobDefaultTimeouts = clampMap(settings.JobDefaultTimeouts, 1, 86400, defaultSettings().JobDefaultTimeouts)
	settings.JobResultTTLs = clampMap(settings.JobResultTTLs, 0, 86400, defaultSettings().JobResultTTLs)
	return settings
}

// Update applies a partial patch keyed by the JSON field names and
// persists the result. Unknown keys are ignored.
func (s *SettingsStore) Update(patch map[string]any) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.loadLocked()
	if err != nil {
		return settings, err
	}

	if v, ok := patchString(patch, "output_language"); ok {
		switch strings.ToLower(v) {
		case "zh", "zh-cn", "cn", "chinese":
			settings.OutputLanguage = "zh"
		case "en", "english":
			settings.OutputLanguage = "en"
		}
	}
	patchBoolInto(patch, "enable_date_context", &settings.EnableDateContext)
	patchBoolInto(patch, "enable_web_search", &settings.EnableWebSearch)
	patchIntInto(patch, "web_search_results", &settings.WebSearchResults, 0, 20)
	patchBoolInto(patch, "enable_agent_web_search", &settings.EnableAgentWebSearch)
	patchIntInto(patch, "agent_web_search_results", &settings.AgentWebSearchResults, 0, 10)
	patchBoolInto(patch, "enable_agent_auto_tools", &settings.EnableAgentAutoTools)

	if v, ok := patchString(patch, "kb_retrieval_mode"); ok {
		switch strings.ToLower(v) {
		case "fts", "semantic", "hybrid":
			settings.KBRetrievalMode = strings.ToLower(v)
		}
	}
	if v, ok := patchString(patch, "kb_embedding_model"); ok {
		settings.KBEmbeddingModel = v
	}
	patchBoolInto(patch, "kb_enable_rerank", &settings.KBEnableRerank)
	if v, ok := patchString(patch, "kb_rerank_model"); ok {
		settings.KBRerankModel = v
	}
	patchIntInto(patch, "kb_semantic_pool", &settings.KBSemanticPool, 0, 10000)
	patchIntInto(patch, "kb_initial_k", &settings.KBInitialK, 1, 200)

	patchBoolInto(patch, "kb_watch_enable", &settings.KBWatchEnable)
	if v, ok := patchStringList(patch, "kb_watch_roots"); ok {
		settings.KBWatchRoots = v
	}
	if v, ok := patchStringList(patch, "kb_watch_exts"); ok {
		cleaned := make([]string, 0, len(v))
		seen := map[string]bool{}
		for _, e := range v {
			ext := strings.TrimPrefix(strings.ToLower(e), ".")
			if ext == "" || seen[ext] {
				continue
			}
			seen[ext] = true
			cleaned = append(cleaned, ext)
		}
		settings.KBWatchExts = cleaned
	}
	patchIntInto(patch, "kb_watch_interval_seconds", &settings.KBWatchIntervalSeconds, 2, 3600)
	patchIntInto(patch, "kb_watch_max_file_mb", &settings.KBWatchMaxFileMB, 1, 500)
	patchBoolInto(patch, "kb_watch_index_embeddings", &settings.KBWatchIndexEmbeddings)

	patchBoolInto(patch, "enable_preprocess", &settings.EnablePreprocess)
	patchBoolInto(patch, "enable_roundtable", &settings.EnableRoundtable)
	patchBoolInto(patch, "enable_fact_check", &settings.EnableFactCheck)
	patchIntInto(patch, "roundtable_rounds", &settings.RoundtableRounds, 0, 3)

	patchBoolInto(patch, "enable_report_generation", &settings.EnableReportGeneration)
	if v, ok := patchString(patch, "report_instructions"); ok {
		settings.ReportInstructions = v
	}
	patchBoolInto(patch, "auto_save_report_to_kb", &settings.AutoSaveReportToKB)
	patchBoolInto(patch, "auto_bind_report_to_conversation", &settings.AutoBindReportToConversation)
	if v, ok := patchString(patch, "report_kb_category"); ok {
		if v == "" {
			v = "council_reports"
		}
		settings.ReportKBCategory = v
	}

	patchBoolInto(patch, "enable_history_context", &settings.EnableHistoryContext)
	patchIntInto(patch, "history_max_messages", &settings.HistoryMaxMessages, 0, 50)

	if v, ok := patchIntMap(patch, "job_tool_limits", 1, 32); ok {
		settings.JobToolLimits = v
	}
	if v, ok := patchIntMap(patch, "job_default_timeouts", 1, 86400); ok {
		settings.JobDefaultTimeouts = v
	}
	if v, ok := patchIntMap(patch, "job_result_ttls", 0, 86400); ok {
		settings.JobResultTTLs = v
	}

	settings.UpdatedAt = nowISO()
	settings = s.withEnvDefaults(clampSettings(settings))
	if err := writeJSONAtomic(s.path, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// KBEmbeddingModel satisfies the tools dependency.
func (s *SettingsStore) KBEmbeddingModel() string {
	settings, err := s.Get()
	if err != nil {
		return ""
	}
	return settings.KBEmbeddingModel
}

// KBSemanticPool satisfies the tools dependency.
func (s *SettingsStore) KBSemanticPool() int {
	settings, err := s.Get()
	if err != nil {
		return 0
	}
	return settings.KBSemanticPool
}

func clampRange(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampMap(m map[string]int, lo, hi int, fallback map[string]int) map[string]int {
	if len(m) == 0 {
		out := make(map[string]int, len(fallback))
		for k, v := range fallback {
			out[k] = v
		}
		return out
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = clampRange(v, lo, hi)
	}
	return out
}

func patchString(patch map[string]any, key string) (string, bool) {
	v, ok := patch[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func patchBoolInto(patch map[string]any, key string, dst *bool) {
	if v, ok := patch[key]; ok {
		if b, ok := v.(bool); ok {
			*dst = b
		}
	}
}

func patchIntInto(patch map[string]any, key string, dst *int, lo, hi int) {
	v, ok := patch[key]
	if !ok {
		return
	}
	switch n := v.(type) {
	case float64:
		*dst = clampRange(int(n), lo, hi)
	case int:
		*dst = clampRange(n, lo, hi)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			*dst = clampRange(i, lo, hi)
		}
	}
}

func patchStringList(patch map[string]any, key string) ([]string, bool) {
	v, ok := patch[key]
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case string:
		raw := strings.ReplaceAll(list, ";", ",")
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				if p := strings.TrimSpace(s); p != "" {
					out = append(out, p)
				}
			}
		}
		return out, true
	case []string:
		return list, true
	}
	return nil, false
}

func patchIntMap(patch map[string]any, key string, lo, hi int) (map[string]int, bool) {
	v, ok := patch[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := map[string]int{}
	for k, item := range raw {
		name := strings.TrimSpace(k)
		if name == "" {
			continue
		}
		switch n := item.(type) {
		case float64:
			out[name] = clampRange(int(n), lo, hi)
		case int:
			out[name] = clampRange(n, lo, hi)
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				out[name] = clampRange(i, lo, hi)
			}
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
