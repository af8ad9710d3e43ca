package council

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
)

// Stage0 preprocess budgets.
const (
	preprocessMaxDocs      = 12
	preprocessPerDocChars  = 8000
	preprocessTotalChars   = 24000
	preprocessListCap      = 8
	preprocessUsedDocsShow = 12
)

// Stage1Result is one agent's independent answer.
type Stage1Result struct {
	AgentID         string  `json:"agent_id"`
	AgentName       string  `json:"agent_name"`
	Model           string  `json:"model"`
	InfluenceWeight float64 `json:"influence_weight"`
	SeniorityYears  int     `json:"seniority_years"`
	Response        string  `json:"response"`
}

// Stage2Result is one agent's evaluation of the anonymized answers.
type Stage2Result struct {
	AgentID         string   `json:"agent_id"`
	AgentName       string   `json:"agent_name"`
	Model           string   `json:"model"`
	InfluenceWeight float64  `json:"influence_weight"`
	SeniorityYears  int      `json:"seniority_years"`
	VoteWeight      float64  `json:"vote_weight"`
	Ranking         string   `json:"ranking"`
	ParsedRanking   []string `json:"parsed_ranking"`
}

// LabelInfo resolves an anonymization label back to its agent.
type LabelInfo struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	ModelSpec string `json:"model_spec"`
}

// Stage3Result is the chairman's synthesized answer.
type Stage3Result struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// Stage0Preprocess summarizes the conversation's bound KB documents
// ahead of Stage1. Returns nil when disabled, nothing is bound, or
// the model output is unusable.
func (e *Engine) Stage0Preprocess(ctx context.Context, userQuery, conversationID string) map[string]any {
	settings, err := e.settings.Get()
	if err != nil || !settings.EnablePreprocess || conversationID == "" || e.kb == nil {
		return nil
	}
	docIDs := e.convs.KBDocIDs(conversationID)
	if len(docIDs) == 0 {
		return nil
	}
	if len(docIDs) > preprocessMaxDocs {
		docIDs = docIDs[:preprocessMaxDocs]
	}

	type docView struct {
		DocID  string `json:"doc_id"`
		Title  string `json:"title"`
		Source string `json:"source"`
		Text   string `json:"text"`
	}
	var docs []docView
	total := 0
	for _, docID := range docIDs {
		doc, err := e.kb.GetDocument(ctx, docID)
		if err != nil || doc == nil {
			continue
		}
		text := strings.TrimSpace(doc.Text)
		if text == "" {
			continue
		}
		if r := []rune(text); len(r) > preprocessPerDocChars {
			text = string(r[:preprocessPerDocChars])
		}
		total += len([]rune(text))
		if total > preprocessTotalChars {
			break
		}
		docs = append(docs, docView{DocID: doc.ID, Title: doc.Title, Source: doc.Source, Text: text})
	}
	if len(docs) == 0 {
		return nil
	}

	spec, agent := e.chairmanSpec(conversationID)
	system := "你是“文档预处理器”。\n" +
		"你的任务：根据用户问题与上传的文档内容，生成预处理摘要，帮助后续专家更快理解材料并提出更好的回答。\n" +
		"要求：\n" +
		"- 必须使用简体中文\n" +
		"- 输出必须是严格 JSON（不要 Markdown，不要解释文字）\n" +
		"- JSON 结构：{\"summary\":\"...\",\"outline\":[...],\"key_questions\":[...],\"suggested_subtasks\":[...],\"used_docs\":[...]}。\n" +
		"- summary 不超过 200 字；每个列表最多 8 条；used_docs 里只放 doc_id。\n"

	var sb strings.Builder
	sb.WriteString("用户问题：\n" + strings.TrimSpace(userQuery) + "\n\n上传文档（可能截断）：\n")
	usedIDs := make([]string, 0, len(docs))
	for i, d := range docs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "KB[%s]\n标题：%s\n来源：%s\n内容：\n%s", d.DocID, d.Title, d.Source, d.Text)
		usedIDs = append(usedIDs, d.DocID)
	}

	e.trace(conversationID, map[string]any{"type": "stage_start", "stage": "stage0", "doc_ids": usedIDs})

	resp := e.queryAgent(ctx, conversationID, "stage0",
		chairmanAgent("preprocess", "Preprocess", spec, agent),
		[]llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: sb.String()},
		}, stage0Timeout)

	raw := ""
	if resp != nil {
		raw = resp.Content
	}
	data := extractJSONObject(raw)
	e.trace(conversationID, map[string]any{
		"type": "stage_complete", "stage": "stage0", "ok": data != nil, "raw": raw, "data": data,
	})
	return data
}

// preprocessBlock renders Stage0 output for injection into Stage1
// prompts.
func preprocessBlock(preprocess map[string]any) string {
	if preprocess == nil {
		return ""
	}
	lines := []string{"【文档预处理摘要（供专家参考）】"}
	if summary, _ := preprocess["summary"].(string); strings.TrimSpace(summary) != "" {
		lines = append(lines, "摘要："+strings.TrimSpace(summary))
	}
	appendList := func(header string, key string, cap int) {
		items, _ := preprocess[key].([]any)
		var cleaned []string
		for _, it := range items {
			if s := strings.TrimSpace(fmt.Sprint(it)); s != "" {
				cleaned = append(cleaned, s)
			}
			if len(cleaned) >= cap {
				break
			}
		}
		if len(cleaned) == 0 {
			return
		}
		lines = append(lines, header)
		for _, s := range cleaned {
			lines = append(lines, "- "+s)
		}
	}
	appendList("关键问题：", "key_questions", preprocessListCap)
	appendList("建议拆分任务：", "suggested_subtasks", preprocessListCap)

	if used, _ := preprocess["used_docs"].([]any); len(used) > 0 {
		var ids []string
		for _, u := range used {
			if s := strings.TrimSpace(fmt.Sprint(u)); s != "" {
				ids = append(ids, s)
			}
			if len(ids) >= preprocessUsedDocsShow {
				break
			}
		}
		if len(ids) > 0 {
			lines = append(lines, "涉及文档： "+strings.Join(ids, ", "))
		}
	}
	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// Stage1Collect fans the user query out to every enabled-and-selected
// agent in parallel. Agents whose calls fail are dropped; result
// order follows roster order.
func (e *Engine) Stage1Collect(ctx context.Context, userQuery, conversationID string, preprocess map[string]any) []Stage1Result {
	agents := e.conversationAgents(conversationID)
	e.trace(conversationID, map[string]any{"type": "stage_start", "stage": "stage1"})

	contextText := e.buildRealtimeContext(ctx, userQuery, conversationID)
	preprocessText := preprocessBlock(preprocess)
	history := ""
	if conversationID != "" {
		history = e.historyDigest(conversationID)
	}

	responses := make([]*llm.ChatResult, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent store.AgentConfig) {
			defer wg.Done()
			messages := e.agentSystemMessages(&agent)
			if contextText != "" {
				messages = append(messages, llm.Message{Role: "system", Content: "可用外部信息：\n" + contextText})
			}
			if preprocessText != "" {
				messages = append(messages, llm.Message{Role: "system", Content: preprocessText})
			}
			if knowledge := e.buildAgentKnowledge(ctx, agent, userQuery, conversationID); knowledge != "" {
				messages = append(messages, llm.Message{Role: "system", Content: knowledge})
			}
			if history != "" {
				messages = append(messages, llm.Message{Role: "system", Content: history})
			}
			messages = append(messages, llm.Message{Role: "user", Content: userQuery})
			responses[i] = e.queryAgent(ctx, conversationID, "stage1", agent, messages, stage1Timeout)
		}(i, agent)
	}
	wg.Wait()

	var results []Stage1Result
	for i, agent := range agents {
		if responses[i] == nil {
			continue
		}
		results = append(results, Stage1Result{
			AgentID:         agent.ID,
			AgentName:       agent.Name,
			Model:           agent.ModelSpec,
			InfluenceWeight: agent.InfluenceWeight,
			SeniorityYears:  agent.SeniorityYears,
			Response:        responses[i].Content,
		})
	}

	e.trace(conversationID, map[string]any{
		"type": "stage_complete", "stage": "stage1",
		"agents_count": len(agents), "ok_count": len(results),
	})
	return results
}

// MissingProviders lists providers among the selected roster whose
// API keys are known to be absent.
func (e *Engine) MissingProviders(conversationID string) []string {
	seen := map[string]bool{}
	var missing []string
	for _, a := range e.conversationAgents(conversationID) {
		parsed := llm.ParseModelSpec(a.ModelSpec)
		if e.chat.KeyConfigured(parsed.Provider) != llm.KeyMissing {
			continue
		}
		p := string(parsed.Provider)
		if !seen[p] {
			seen[p] = true
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)
	return missing
}

// emptyStage1Error is the turn-level error when no agent answered.
func (e *Engine) emptyStage1Error(conversationID string) *Stage3Result {
	if missing := e.MissingProviders(conversationID); len(missing) > 0 {
		return &Stage3Result{
			Model: "error",
			Response: "No model responded successfully. Missing API key(s) for provider(s): " +
				strings.Join(missing, ", ") + ". Check your .env and try again.",
		}
	}
	return &Stage3Result{Model: "error", Response: "All models failed to respond. Please try again."}
}

// Stage2Rankings asks every agent to evaluate and rank the anonymized
// Stage1 responses. Returns the per-agent evaluations and the label
// resolution map.
func (e *Engine) Stage2Rankings(ctx context.Context, userQuery string, stage1 []Stage1Result, conversationID string) ([]Stage2Result, map[string]LabelInfo) {
	agents := e.conversationAgents(conversationID)
	e.trace(conversationID, map[string]any{"type": "stage_start", "stage": "stage2"})

	labelToAgent := make(map[string]LabelInfo, len(stage1))
	var responseBlocks []string
	for i, r := range stage1 {
		label := fmt.Sprintf("Response %c", 'A'+i)
		labelToAgent[label] = LabelInfo{AgentID: r.AgentID, AgentName: r.AgentName, ModelSpec: r.Model}
		responseBlocks = append(responseBlocks, label+":\n"+r.Response)
	}

	prompt := fmt.Sprintf(`你正在评估多个匿名回答，这些回答都在回答同一个问题。

问题：%s

以下是不同专家的回答（已匿名，使用 Response A/B/C... 代号）：

%s

你的任务：
1. 逐个评估每个回答：指出优点、缺点、关键遗漏与潜在错误。
2. 最后在你的回答末尾给出最终排名。

重要要求：
- 除“最终排名”区块外，其余内容必须使用简体中文。
- 最终排名必须严格使用如下格式（为了便于机器解析，必须是英文标签）：
  - 以一行 `+"`FINAL RANKING:`"+` 开始（全大写，带冒号）
  - 然后用编号列表从好到坏列出
  - 每行格式必须是：数字 + 点 + 空格 + 仅包含 `+"`Response X`"+`（例如：`+"`1. Response A`"+`）
  - 排名区块不要添加任何额外解释

现在请给出评估与最终排名：`, userQuery, strings.Join(responseBlocks, "\n\n"))

	responses := make([]*llm.ChatResult, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent store.AgentConfig) {
			defer wg.Done()
			messages := append(e.agentSystemMessages(&agent), llm.Message{Role: "user", Content: prompt})
			responses[i] = e.queryAgent(ctx, conversationID, "stage2", agent, messages, stage2Timeout)
		}(i, agent)
	}
	wg.Wait()

	var results []Stage2Result
	for i, agent := range agents {
		if responses[i] == nil {
			continue
		}
		fullText := responses[i].Content
		results = append(results, Stage2Result{
			AgentID:         agent.ID,
			AgentName:       agent.Name,
			Model:           agent.ModelSpec,
			InfluenceWeight: agent.InfluenceWeight,
			SeniorityYears:  agent.SeniorityYears,
			VoteWeight:      round4(VoteWeight(agent)),
			Ranking:         fullText,
			ParsedRanking:   ParseRanking(fullText),
		})
	}

	e.trace(conversationID, map[string]any{
		"type": "stage_complete", "stage": "stage2",
		"agents_count": len(agents), "ok_count": len(results),
	})
	return results, labelToAgent
}

// Stage3Synthesize has the chairman fold every prior stage into the
// final answer.
func (e *Engine) Stage3Synthesize(ctx context.Context, userQuery string, stage1 []Stage1Result, stage2 []Stage2Result, roundtable []RoundtableMessage, factCheck map[string]any, conversationID string) *Stage3Result {
	spec, agent := e.chairmanSpec(conversationID)
	e.trace(conversationID, map[string]any{"type": "stage_start", "stage": "stage3", "chairman_model": spec})

	var stage1Blocks []string
	for _, r := range stage1 {
		stage1Blocks = append(stage1Blocks, fmt.Sprintf(
			"Agent: %s (%s)\nModel: %s\nInfluence: %v, SeniorityYears: %d\nResponse: %s",
			r.AgentName, r.AgentID, r.Model, r.InfluenceWeight, r.SeniorityYears, r.Response))
	}
	var stage2Blocks []string
	for _, r := range stage2 {
		stage2Blocks = append(stage2Blocks, fmt.Sprintf(
			"Agent: %s (%s)\nModel: %s\nVoteWeight: %v\nRanking: %s",
			r.AgentName, r.AgentID, r.Model, r.VoteWeight, r.Ranking))
	}

	settings, _ := e.settings.Get()
	var prompt string
	if settings.OutputLanguage != "en" {
		var rtLines []string
		for i, m := range roundtable {
			if i >= 12 {
				break
			}
			rtLines = append(rtLines, fmt.Sprintf("- %s: %s", m.AgentName, m.Message))
		}
		rtText := strings.Join(rtLines, "\n")
		if rtText == "" {
			rtText = "（无）"
		}
		fcText := "（无）"
		if factCheck != nil {
			if raw, err := json.Marshal(factCheck); err == nil {
				fcText = string(raw)
			}
		}
		prompt = fmt.Sprintf(`你是“专家委员会”的主席。多位专家针对同一个问题给出了各自的回答，并互相进行了评审与排名。

原始问题：%s

阶段 1：各专家初稿
%s

阶段 2：互评与排名
%s

阶段 2B：圆桌讨论（可选）
%s

阶段 2C：事实核查 JSON（可选）
%s

你的任务：综合以上信息，输出一份最终结论，要求：
- 准确、完整、可操作
- 明确区分事实与推断；必要时给出不确定性与风险提示
- 优先采纳被多方认可/证据更充分的观点，但也要指出少数派的关键反例

请直接给出最终回答（使用简体中文）：`,
			userQuery, strings.Join(stage1Blocks, "\n\n"), strings.Join(stage2Blocks, "\n\n"), rtText, fcText)
	} else {
		prompt = fmt.Sprintf(`You are the Chairman of an expert council. Multiple agents have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question.
Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`,
			userQuery, strings.Join(stage1Blocks, "\n\n"), strings.Join(stage2Blocks, "\n\n"))
	}

	var messages []llm.Message
	if agent != nil {
		messages = e.agentSystemMessages(agent)
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp := e.queryAgent(ctx, conversationID, "stage3",
		chairmanAgent("chairman", "Chairman", spec, agent), messages, stage3Timeout)

	result := &Stage3Result{Model: spec, Response: "Error: Unable to generate final synthesis."}
	if resp != nil {
		result.Response = resp.Content
	}
	e.trace(conversationID, map[string]any{"type": "stage_complete", "stage": "stage3", "ok": resp != nil})
	return result
}
