package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// PluginState is the persisted per-tool switch and configuration.
type PluginState struct {
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config"`
}

// PluginInfo is the listing view of one tool.
type PluginInfo struct {
	Name        string         `json:"name"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config"`
	Locked      bool           `json:"locked"`
}

type pluginsFile struct {
	Plugins   map[string]PluginState `json:"plugins"`
	UpdatedAt string                 `json:"updated_at"`
}

// builtinMeta describes the builtin tools shown in the plugin list.
var builtinMeta = map[string]PluginInfo{
	"kb_index":      {Title: "KB 索引", Description: "为知识库分块预先生成 embedding，加速语义检索。"},
	"kg_extract":    {Title: "图谱抽取", Description: "从文本抽取实体/关系并写入 Neo4j 图谱。"},
	"web_search":    {Title: "网页检索", Description: "基于 DDG 的网页检索，返回标题/URL/摘要。"},
	"evidence_pack": {Title: "证据整理", Description: "网页检索 + 本会话绑定 KB（FTS）证据打包，便于后续引用。"},
	"office_ingest": {Title: "Office 导入", Description: "读取 .docx/.xlsx 文档，提取为纯文本并写入知识库（可选索引 embedding）。"},
	"paper_search":  {Title: "论文检索", Description: "arXiv / Google Scholar 论文检索，返回标题、作者、摘要与链接。"},
}

// Plugins persists tool enable/disable state and per-tool config in
// data/plugins.json. Missing entries default to enabled.
type Plugins struct {
	path string
	mu   sync.Mutex
}

// NewPlugins creates the store.
func NewPlugins(dataDir string) *Plugins {
	return &Plugins{path: filepath.Join(dataDir, "plugins.json")}
}

func (p *Plugins) load() pluginsFile {
	var data pluginsFile
	if err := readJSON(p.path, &data); err != nil {
		data = pluginsFile{}
	}
	if data.Plugins == nil {
		data.Plugins = map[string]PluginState{}
	}
	return data
}

// List describes every builtin tool with its current state, sorted by
// name.
func (p *Plugins) List() []PluginInfo {
	p.mu.Lock()
	data := p.load()
	p.mu.Unlock()

	names := make([]string, 0, len(builtinMeta))
	for name := range builtinMeta {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]PluginInfo, 0, len(names))
	for _, name := range names {
		meta := builtinMeta[name]
		info := PluginInfo{
			Name: name, Title: meta.Title, Description: meta.Description,
			Enabled: true, Config: map[string]any{},
		}
		if state, ok := data.Plugins[name]; ok {
			info.Enabled = state.Enabled
			if state.Config != nil {
				info.Config = state.Config
			}
		}
		out = append(out, info)
	}
	return out
}

// Enabled reports whether the named tool may run. Unknown tools are
// enabled so external job types stay unaffected.
func (p *Plugins) Enabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.load().Plugins[name]
	if !ok {
		return true
	}
	return state.Enabled
}

// Patch updates one tool's state; nil fields are left unchanged.
func (p *Plugins) Patch(name string, enabled *bool, config map[string]any) (*PluginInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}
	if _, ok := builtinMeta[name]; !ok {
		return nil, fmt.Errorf("plugin %s: %w", name, ErrNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.load()
	state, ok := data.Plugins[name]
	if !ok {
		state = PluginState{Enabled: true, Config: map[string]any{}}
	}
	if enabled != nil {
		state.Enabled = *enabled
	}
	if config != nil {
		state.Config = config
	}
	data.Plugins[name] = state
	data.UpdatedAt = nowISO()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(p.path, &data); err != nil {
		return nil, err
	}

	meta := builtinMeta[name]
	info := &PluginInfo{
		Name: name, Title: meta.Title, Description: meta.Description,
		Enabled: state.Enabled, Config: state.Config,
	}
	if info.Config == nil {
		info.Config = map[string]any{}
	}
	return info, nil
}
