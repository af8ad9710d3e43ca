// Package council runs the staged deliberation pipeline: optional
// document preprocess, parallel agent answers, anonymized peer
// ranking, roundtable or lively discussion, fact-check, chairman
// synthesis, and report generation. Stages run sequentially; agent
// calls within a stage fan out in parallel. A failed LLM call drops
// that agent from the stage instead of failing the turn.
package council

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/kg"
	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
	"github.com/council-works/council/pkg/tools"
)

// Per-stage call timeouts.
const (
	stage0Timeout = 90 * time.Second
	stage1Timeout = 120 * time.Second
	stage2Timeout = 180 * time.Second
	stage2BSeat   = 180 * time.Second
	stage2CSeat   = 180 * time.Second
	stage3Timeout = 240 * time.Second
	stage4Timeout = 300 * time.Second
	titleTimeout  = 30 * time.Second

	// agentWebSearchWidth caps concurrent per-agent web searches.
	agentWebSearchWidth = 3

	// maxInjectedJobs bounds job summaries folded into one turn.
	maxInjectedJobs = 4
)

// ChatGateway is the LLM surface the pipeline needs.
type ChatGateway interface {
	Chat(ctx context.Context, spec string, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResult, error)
	KeyConfigured(provider llm.Provider) llm.KeyStatus
}

// WebSearcher runs a web search. May be nil to disable web context.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]tools.WebResult, error)
}

// JobSummaries surfaces completed background-job results for prompt
// injection. May be nil when no job runner is wired.
type JobSummaries interface {
	FetchInjectableSummaries(ctx context.Context, conversationID string, limit int) ([]jobs.InjectableSummary, error)
}

// Deps are the collaborators of an Engine. Chat, Agents,
// Conversations and Settings are required; the rest degrade
// gracefully when nil.
type Deps struct {
	Chat          ChatGateway
	Agents        *store.Agents
	Conversations *store.Conversations
	Settings      *store.SettingsStore
	Traces        *store.TraceSink
	KB            *kb.Store
	Retriever     *kb.Retriever
	Graphs        kg.Store
	Jobs          JobSummaries
	Web           WebSearcher
	Logger        *slog.Logger
}

// Engine orchestrates deliberation turns over a conversation.
type Engine struct {
	chat      ChatGateway
	agents    *store.Agents
	convs     *store.Conversations
	settings  *store.SettingsStore
	traces    *store.TraceSink
	kb        *kb.Store
	retriever *kb.Retriever
	graphs    kg.Store
	jobs      JobSummaries
	web       WebSearcher
	logger    *slog.Logger

	webSem *semaphore.Weighted
}

// NewEngine wires an engine from its collaborators.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		chat:      deps.Chat,
		agents:    deps.Agents,
		convs:     deps.Conversations,
		settings:  deps.Settings,
		traces:    deps.Traces,
		kb:        deps.KB,
		retriever: deps.Retriever,
		graphs:    deps.Graphs,
		jobs:      deps.Jobs,
		web:       deps.Web,
		logger:    logger.With("component", "council"),
		webSem:    semaphore.NewWeighted(agentWebSearchWidth),
	}
}

// trace appends a conversation trace event, ignoring write failures.
func (e *Engine) trace(conversationID string, event map[string]any) {
	if e.traces == nil || conversationID == "" {
		return
	}
	if err := e.traces.Append(conversationID, event); err != nil {
		e.logger.Warn("trace append failed", "conversation_id", conversationID, "error", err)
	}
}

// VoteWeight derives an agent's ranking weight from influence and
// seniority: max(0, influence) * (1 + seniority/10).
func VoteWeight(agent store.AgentConfig) float64 {
	influence := agent.InfluenceWeight
	if influence < 0 {
		influence = 0
	}
	seniority := agent.SeniorityYears
	if seniority < 0 {
		seniority = 0
	}
	return influence * (1.0 + float64(seniority)/10.0)
}

// agentSystemMessages builds the persona and language directive that
// lead every agent prompt.
func (e *Engine) agentSystemMessages(agent *store.AgentConfig) []llm.Message {
	settings, err := e.settings.Get()
	if err != nil {
		settings = store.Settings{}
	}
	var parts []string
	if agent != nil && strings.TrimSpace(agent.Persona) != "" {
		parts = append(parts, strings.TrimSpace(agent.Persona))
	}
	switch settings.OutputLanguage {
	case "zh":
		parts = append(parts, "输出要求：全程使用简体中文回答。除非用户明确要求，否则不要输出英文。")
	case "en":
		parts = append(parts, "Output requirement: respond in English.")
	}
	if len(parts) == 0 {
		return nil
	}
	return []llm.Message{{Role: "system", Content: strings.Join(parts, "\n\n")}}
}

// queryAgent runs one chat call on behalf of an agent and traces it.
// A nil result means the agent is dropped from the stage.
func (e *Engine) queryAgent(ctx context.Context, conversationID, stage string, agent store.AgentConfig, messages []llm.Message, timeout time.Duration) *llm.ChatResult {
	started := time.Now()
	resp, err := e.chat.Chat(ctx, agent.ModelSpec, messages, llm.ChatOptions{Timeout: timeout, Silent: true})

	event := map[string]any{
		"type":  "llm_call",
		"stage": stage,
		"agent": map[string]any{
			"id":               agent.ID,
			"name":             agent.Name,
			"model_spec":       agent.ModelSpec,
			"influence_weight": agent.InfluenceWeight,
			"seniority_years":  agent.SeniorityYears,
		},
		"request":     map[string]any{"messages": messages, "timeout": timeout.Seconds()},
		"ok":          err == nil,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		event["error"] = err.Error()
	} else {
		event["response"] = resp
	}
	e.trace(conversationID, event)

	if err != nil {
		e.logger.Debug("agent call failed",
			"stage", stage, "agent_id", agent.ID, "model", agent.ModelSpec, "error", err)
		return nil
	}
	return resp
}

// conversationAgents resolves the enabled-and-selected roster. An
// empty or all-invalid selection falls back to every enabled agent.
func (e *Engine) conversationAgents(conversationID string) []store.AgentConfig {
	all, err := e.agents.List()
	if err != nil {
		return nil
	}
	var enabled []store.AgentConfig
	for _, a := range all {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}
	if conversationID == "" {
		return enabled
	}
	conv, err := e.convs.Get(conversationID)
	if err != nil || len(conv.AgentIDs) == 0 {
		return enabled
	}
	byID := make(map[string]store.AgentConfig, len(enabled))
	for _, a := range enabled {
		byID[a.ID] = a
	}
	var selected []store.AgentConfig
	for _, id := range conv.AgentIDs {
		if a, ok := byID[id]; ok {
			selected = append(selected, a)
		}
	}
	if len(selected) == 0 {
		return enabled
	}
	return selected
}

// chairmanSpec resolves the chairman model: conversation agent
// override, then conversation model override, then the global role.
// The returned agent is non-nil when the chairman maps to a roster
// agent (its persona then applies).
func (e *Engine) chairmanSpec(conversationID string) (string, *store.AgentConfig) {
	all, _ := e.agents.List()

	if conversationID != "" {
		if conv, err := e.convs.Get(conversationID); err == nil {
			if id := strings.TrimSpace(conv.ChairmanAgentID); id != "" {
				for i := range all {
					if all[i].ID == id {
						return all[i].ModelSpec, &all[i]
					}
				}
			}
			if spec := strings.TrimSpace(conv.ChairmanModel); spec != "" {
				return spec, agentForSpec(all, spec)
			}
		}
	}
	spec := e.agents.ChairmanModel()
	return spec, agentForSpec(all, spec)
}

func agentForSpec(agents []store.AgentConfig, spec string) *store.AgentConfig {
	for i := range agents {
		if agents[i].ModelSpec == spec {
			return &agents[i]
		}
	}
	return nil
}

// chairmanAgent materializes an AgentConfig for chairman-role calls
// that do not map to a roster agent.
func chairmanAgent(id, name, spec string, agent *store.AgentConfig) store.AgentConfig {
	if agent != nil {
		return *agent
	}
	return store.AgentConfig{ID: id, Name: name, ModelSpec: spec}
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSONObject salvages the first {...} block from model output.
// Returns nil when no parseable object is present.
func extractJSONObject(text string) map[string]any {
	if text == "" {
		return nil
	}
	m := jsonObjectRe.FindString(text)
	if m == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(m), &out); err != nil {
		return nil
	}
	return out
}

// truncateRunes shortens s to at most n runes, appending an ellipsis
// marker when truncated.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
