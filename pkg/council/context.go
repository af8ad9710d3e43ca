package council

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/store"
	"github.com/council-works/council/pkg/tools"
)

// buildRealtimeContext assembles the shared context block: current
// date, web-search hits, and completed-but-not-yet-injected job
// summaries. Every piece is best-effort.
func (e *Engine) buildRealtimeContext(ctx context.Context, userQuery, conversationID string) string {
	settings, err := e.settings.Get()
	if err != nil {
		return ""
	}
	var chunks []string

	if settings.EnableDateContext {
		chunks = append(chunks, "当前日期时间："+time.Now().Format("2006-01-02 15:04:05 MST"))
	}

	if settings.EnableWebSearch && settings.WebSearchResults > 0 && e.web != nil {
		results, err := e.web.Search(ctx, userQuery, settings.WebSearchResults)
		if err != nil {
			e.trace(conversationID, map[string]any{"type": "web_search_error", "error": err.Error()})
		} else {
			e.trace(conversationID, map[string]any{"type": "web_search", "query": userQuery, "results": results})
			if block := formatWebResults("网页检索结果（仅供参考，请自行甄别真伪）：", results); block != "" {
				chunks = append(chunks, block)
			}
		}
	}

	if e.jobs != nil && conversationID != "" {
		summaries, err := e.jobs.FetchInjectableSummaries(ctx, conversationID, maxInjectedJobs)
		if err != nil {
			e.trace(conversationID, map[string]any{"type": "job_inject_error", "error": err.Error()})
		} else if len(summaries) > 0 {
			lines := []string{"后台任务结果（已完成，供参考）："}
			ids := make([]string, 0, len(summaries))
			for i, s := range summaries {
				lines = append(lines, fmt.Sprintf("%d. [%s] %s", i+1, s.JobType, s.Summary))
				ids = append(ids, s.JobID)
			}
			chunks = append(chunks, strings.Join(lines, "\n"))
			e.trace(conversationID, map[string]any{"type": "job_inject", "job_ids": ids})
		}
	}

	return strings.TrimSpace(strings.Join(chunks, "\n\n"))
}

func formatWebResults(header string, results []tools.WebResult) string {
	if len(results) == 0 {
		return ""
	}
	lines := []string{header}
	for i, r := range results {
		line := fmt.Sprintf("%d. %s (%s)", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			line += " - " + r.Snippet
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// resolveKBScope applies the per-agent KB scoping policy. When the
// conversation has bound docs, those win, intersected with the
// agent's allowlist if one exists. Otherwise the agent's own doc or
// category scope applies, falling back to agent-id tagging. An empty
// non-nil doc set means nothing is searchable.
func resolveKBScope(conversationDocIDs []string, agent store.AgentConfig) (scope kb.Scope, empty bool) {
	if len(conversationDocIDs) > 0 {
		docIDs := append([]string(nil), conversationDocIDs...)
		if len(agent.KBDocIDs) > 0 {
			allow := make(map[string]bool, len(agent.KBDocIDs))
			for _, d := range agent.KBDocIDs {
				if s := strings.TrimSpace(d); s != "" {
					allow[s] = true
				}
			}
			filtered := docIDs[:0]
			for _, d := range docIDs {
				if allow[d] {
					filtered = append(filtered, d)
				}
			}
			docIDs = filtered
		}
		if len(docIDs) == 0 {
			return kb.Scope{}, true
		}
		return kb.Scope{DocIDs: docIDs}, false
	}

	if len(agent.KBDocIDs) > 0 {
		return kb.Scope{DocIDs: append([]string(nil), agent.KBDocIDs...)}, false
	}
	if len(agent.KBCategories) > 0 {
		return kb.Scope{Categories: append([]string(nil), agent.KBCategories...)}, false
	}
	return kb.Scope{AgentID: agent.ID}, false
}

// buildAgentKnowledge assembles the agent's personal context block:
// a personalized web search under the shared semaphore, scoped KB
// hits, and the agent's KG subgraph.
func (e *Engine) buildAgentKnowledge(ctx context.Context, agent store.AgentConfig, userQuery, conversationID string) string {
	settings, err := e.settings.Get()
	if err != nil {
		return ""
	}
	var parts []string

	if settings.EnableAgentWebSearch && settings.AgentWebSearchResults > 0 && e.web != nil {
		if q := strings.TrimSpace(userQuery); q != "" {
			query := strings.TrimSpace(q + " " + agent.Name)
			results, err := e.searchWithSemaphore(ctx, query, settings.AgentWebSearchResults)
			if err != nil {
				e.trace(conversationID, map[string]any{
					"type": "web_search_agent_error", "agent_id": agent.ID, "agent_name": agent.Name, "error": err.Error(),
				})
			} else {
				e.trace(conversationID, map[string]any{
					"type": "web_search_agent", "agent_id": agent.ID, "agent_name": agent.Name,
					"query": query, "results": results,
				})
				header := fmt.Sprintf("专家专属网页检索结果（Agent=%s，仅供参考）：", agent.Name)
				if block := formatWebResults(header, results); block != "" {
					parts = append(parts, block)
				}
			}
		}
	}

	if block := e.agentKBBlock(ctx, agent, userQuery, conversationID, settings); block != "" {
		parts = append(parts, block)
	}

	if agent.GraphID != "" && e.graphs != nil {
		if block := e.agentKGBlock(agent, userQuery, conversationID); block != "" {
			parts = append(parts, block)
		}
	}

	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func (e *Engine) searchWithSemaphore(ctx context.Context, query string, max int) ([]tools.WebResult, error) {
	if err := e.webSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.webSem.Release(1)
	return e.web.Search(ctx, query, max)
}

func (e *Engine) agentKBBlock(ctx context.Context, agent store.AgentConfig, userQuery, conversationID string, settings store.Settings) string {
	if e.retriever == nil {
		return ""
	}
	convDocIDs := e.convs.KBDocIDs(conversationID)
	scope, emptyScope := resolveKBScope(convDocIDs, agent)
	if emptyScope {
		return ""
	}

	rerankModel := settings.KBRerankModel
	if rerankModel == "" {
		rerankModel = e.agents.ChairmanModel()
	}
	hits, err := e.retriever.Search(ctx, kb.SearchParams{
		Query:          userQuery,
		Scope:          scope,
		Limit:          5,
		Mode:           kb.SearchMode(settings.KBRetrievalMode),
		EmbeddingModel: settings.KBEmbeddingModel,
		EnableRerank:   settings.KBEnableRerank,
		RerankModel:    rerankModel,
		SemanticPool:   settings.KBSemanticPool,
		InitialK:       settings.KBInitialK,
	})
	if err != nil {
		e.trace(conversationID, map[string]any{"type": "kb_error", "agent_id": agent.ID, "error": err.Error()})
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	lines := []string{"专家知识库命中："}
	for i, h := range hits {
		title := h.Title
		if title == "" {
			title = h.DocID
		}
		source := ""
		if h.Source != "" {
			source = " (" + h.Source + ")"
		}
		snippet := truncateRunes(strings.TrimSpace(h.Text), 500)
		lines = append(lines, fmt.Sprintf("%d. %s%s\n%s", i+1, title, source, snippet))

		var meta []string
		if len(h.Categories) > 0 {
			meta = append(meta, "categories="+strings.Join(h.Categories, ","))
		}
		if len(h.Retrieval) > 0 {
			meta = append(meta, "method="+strings.Join(h.Retrieval, ","))
		}
		if h.RerankScore != nil {
			meta = append(meta, fmt.Sprintf("rerank=%.2f", *h.RerankScore))
		}
		if len(meta) > 0 {
			lines = append(lines, "   "+strings.Join(meta, " "))
		}
	}
	e.trace(conversationID, map[string]any{
		"type": "kb_hits", "agent_id": agent.ID, "hits": hits,
		"kb_settings": map[string]any{
			"mode":            settings.KBRetrievalMode,
			"embedding_model": settings.KBEmbeddingModel,
			"enable_rerank":   settings.KBEnableRerank,
			"rerank_model":    rerankModel,
		},
	})
	return strings.Join(lines, "\n")
}

func (e *Engine) agentKGBlock(agent store.AgentConfig, userQuery, conversationID string) string {
	sub, err := e.graphs.QuerySubgraph(agent.GraphID, userQuery, 25)
	if err != nil {
		e.trace(conversationID, map[string]any{
			"type": "kg_error", "agent_id": agent.ID, "graph_id": agent.GraphID, "error": err.Error(),
		})
		return ""
	}
	if sub == nil || len(sub.Nodes) == 0 {
		return ""
	}
	e.trace(conversationID, map[string]any{
		"type": "kg_subgraph", "agent_id": agent.ID, "graph_id": agent.GraphID, "subgraph": sub,
	})

	nameByID := make(map[string]string, len(sub.Nodes))
	for _, n := range sub.Nodes {
		nameByID[n.ID] = n.Name
	}
	label := func(id string) string {
		if name := nameByID[id]; name != "" {
			return name
		}
		return id
	}

	lines := []string{fmt.Sprintf("专家知识图谱子图（graph_id=%s）：", agent.GraphID), "节点："}
	nodes := sub.Nodes
	if len(nodes) > 25 {
		nodes = nodes[:25]
	}
	for _, n := range nodes {
		lines = append(lines, fmt.Sprintf("- %s [%s]", n.Name, n.Type))
	}
	if len(sub.Edges) > 0 {
		lines = append(lines, "关系：")
		edges := sub.Edges
		if len(edges) > 40 {
			edges = edges[:40]
		}
		for _, r := range edges {
			lines = append(lines, fmt.Sprintf("- %s -[%s]-> %s", label(r.SourceID), r.Name, label(r.TargetID)))
		}
	}
	return strings.Join(lines, "\n")
}

// historyDigest collapses the last N conversation messages into a
// compact block. Assistant turns reduce to their stage3 response (or
// stage4 report, or direct text).
func (e *Engine) historyDigest(conversationID string) string {
	settings, err := e.settings.Get()
	if err != nil || !settings.EnableHistoryContext || settings.HistoryMaxMessages <= 0 {
		return ""
	}
	conv, err := e.convs.Get(conversationID)
	if err != nil || len(conv.Messages) == 0 {
		return ""
	}

	messages := conv.Messages
	if len(messages) > settings.HistoryMaxMessages {
		messages = messages[len(messages)-settings.HistoryMaxMessages:]
	}

	var lines []string
	for _, m := range messages {
		text := messageDigest(m)
		if text == "" {
			continue
		}
		role := "用户"
		if m.Role == "assistant" {
			role = "委员会"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", role, truncateRunes(text, 500)))
	}
	if len(lines) == 0 {
		return ""
	}
	return "历史对话摘要（最近在前的顺序排列）：\n" + strings.Join(lines, "\n")
}

func messageDigest(m store.Message) string {
	if m.Role != "assistant" {
		return strings.TrimSpace(m.Content)
	}
	if m.Stage3 != nil {
		if resp, ok := m.Stage3["response"].(string); ok && strings.TrimSpace(resp) != "" {
			return strings.TrimSpace(resp)
		}
	}
	if report, ok := m.Stage4.(map[string]any); ok {
		if text, ok := report["report"].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return strings.TrimSpace(m.Content)
}
