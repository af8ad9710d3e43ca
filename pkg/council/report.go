package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
)

// Serious-mode iteration bounds.
const (
	iterationMin = 1
	iterationMax = 8
)

// ReportResult is the chairman's Markdown report plus where it was
// persisted, if anywhere.
type ReportResult struct {
	Model   string `json:"model"`
	Report  string `json:"report"`
	KBDocID string `json:"kb_doc_id,omitempty"`
	Rounds  int    `json:"rounds,omitempty"`
}

// ReportInputs is the stage material the report is written from.
type ReportInputs struct {
	Stage0     map[string]any
	Stage1     []Stage1Result
	Stage2     []Stage2Result
	Roundtable []RoundtableMessage
	Lively     *LivelyResult
	FactCheck  map[string]any
	Stage3     *Stage3Result

	// InstructionsOverride replaces the configured report outline for
	// this run only. Force runs the report even when report generation
	// is disabled in settings; direct invocation uses both.
	InstructionsOverride string
	Force                bool
}

// seriousIterationRounds reads the conversation's iteration count,
// clamped to [1, 8].
func seriousIterationRounds(conv *store.Conversation) int {
	rounds := iterationMin
	if conv != nil && conv.DiscussionParams != nil {
		if v, ok := conv.DiscussionParams["serious_iteration_rounds"].(float64); ok {
			rounds = int(v)
		}
	}
	if rounds < iterationMin {
		rounds = iterationMin
	}
	if rounds > iterationMax {
		rounds = iterationMax
	}
	return rounds
}

// Stage4Report writes the final Markdown report, iterating in serious
// mode, then persists and binds it per settings. Nil when report
// generation is disabled or every attempt failed.
func (e *Engine) Stage4Report(ctx context.Context, userQuery string, inputs ReportInputs, conversationID string) *ReportResult {
	settings, err := e.settings.Get()
	if err != nil {
		return nil
	}
	if !settings.EnableReportGeneration && !inputs.Force {
		return nil
	}
	spec, agent := e.chairmanSpec(conversationID)

	var conv *store.Conversation
	if conversationID != "" {
		conv, _ = e.convs.Get(conversationID)
	}

	instructions := settings.ReportInstructions
	if instructions == "" {
		instructions = store.DefaultReportInstructions
	}
	if conv != nil && strings.TrimSpace(conv.ReportRequires) != "" {
		instructions = strings.TrimSpace(conv.ReportRequires)
	}
	if strings.TrimSpace(inputs.InstructionsOverride) != "" {
		instructions = strings.TrimSpace(inputs.InstructionsOverride)
	}

	rounds := iterationMin
	if conv == nil || conv.DiscussionMode != store.ModeLively {
		rounds = seriousIterationRounds(conv)
	}

	e.trace(conversationID, map[string]any{
		"type": "stage_start", "stage": "stage4", "model": spec, "rounds": rounds,
	})

	material := reportMaterial(inputs)
	report := ""
	done := 0
	for i := 0; i < rounds; i++ {
		query := userQuery
		if i > 0 && report != "" {
			query = fmt.Sprintf("%s\n\n上一轮报告草稿：\n%s\n\n请在上述草稿的基础上继续完善与深化，保留正确的部分，补齐薄弱的部分。", userQuery, report)
		}
		system := "你是“专家委员会”的主席，负责输出最终讨论报告（Markdown）。\n\n报告要求：\n" + instructions
		user := fmt.Sprintf("用户问题：%s\n\n%s\n\n请输出完整的 Markdown 报告：", query, material)

		var messages []llm.Message
		if agent != nil {
			messages = e.agentSystemMessages(agent)
		}
		messages = append(messages,
			llm.Message{Role: "system", Content: system},
			llm.Message{Role: "user", Content: user})

		resp := e.queryAgent(ctx, conversationID, "stage4",
			chairmanAgent("report", "Report", spec, agent), messages, stage4Timeout)
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			break
		}
		report = strings.TrimSpace(resp.Content)
		done++
	}
	if report == "" {
		e.trace(conversationID, map[string]any{"type": "stage_complete", "stage": "stage4", "ok": false})
		return nil
	}

	result := &ReportResult{Model: spec, Report: report, Rounds: done}
	if settings.AutoSaveReportToKB && e.kb != nil && conv != nil {
		if docID := e.saveReportToKB(ctx, conv, report, settings); docID != "" {
			result.KBDocID = docID
		}
	}

	e.trace(conversationID, map[string]any{
		"type": "stage_complete", "stage": "stage4", "ok": true, "kb_doc_id": result.KBDocID,
	})
	return result
}

// saveReportToKB persists the report as a KB document, indexes it
// best-effort, and binds it back to the conversation per settings.
func (e *Engine) saveReportToKB(ctx context.Context, conv *store.Conversation, report string, settings store.Settings) string {
	category := settings.ReportKBCategory
	if category == "" {
		category = "council_reports"
	}

	// A conversation on default agents binds the report to whatever
	// is enabled right now.
	agentIDs := conv.AgentIDs
	if len(agentIDs) == 0 {
		for _, a := range e.conversationAgents("") {
			agentIDs = append(agentIDs, a.ID)
		}
	}

	docID := uuid.New().String()
	docID = strings.ReplaceAll(docID, "-", "")
	_, err := e.kb.AddDocument(ctx, kb.Document{
		ID:         docID,
		Title:      "讨论报告：" + conv.Title,
		Source:     "conversation:" + conv.ID,
		Text:       report,
		Categories: []string{category},
		AgentIDs:   agentIDs,
	})
	if err != nil {
		e.trace(conv.ID, map[string]any{"type": "report_save_error", "error": err.Error()})
		return ""
	}

	if model := strings.TrimSpace(settings.KBEmbeddingModel); model != "" && e.retriever != nil {
		pool := settings.KBSemanticPool * 10
		if pool < 5000 {
			pool = 5000
		}
		if _, err := e.retriever.IndexEmbeddings(ctx, model, kb.Scope{DocIDs: []string{docID}}, pool, nil); err != nil {
			e.trace(conv.ID, map[string]any{"type": "report_index_error", "error": err.Error()})
		}
	}

	if settings.AutoBindReportToConversation {
		if err := e.convs.AppendKBDocID(conv.ID, docID); err != nil {
			e.trace(conv.ID, map[string]any{"type": "report_bind_error", "error": err.Error()})
		}
	}
	return docID
}

func reportMaterial(inputs ReportInputs) string {
	var sb strings.Builder
	appendJSON := func(header string, v any) {
		if v == nil {
			return
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		sb.WriteString(header + string(raw) + "\n\n")
	}
	appendJSON("阶段0 文档预处理：\n", anyOrNil(inputs.Stage0))
	if len(inputs.Stage1) > 0 {
		appendJSON("阶段1 各专家初稿：\n", inputs.Stage1)
	}
	if len(inputs.Stage2) > 0 {
		appendJSON("阶段2 互评与排名：\n", inputs.Stage2)
	}
	if inputs.Lively != nil {
		appendJSON("阶段2B 自由讨论记录：\n", inputs.Lively)
	} else if len(inputs.Roundtable) > 0 {
		appendJSON("阶段2B 圆桌讨论：\n", inputs.Roundtable)
	}
	appendJSON("阶段2C 事实核查：\n", anyOrNil(inputs.FactCheck))
	if inputs.Stage3 != nil {
		appendJSON("阶段3 主席综合结论：\n", inputs.Stage3)
	}
	return strings.TrimSpace(sb.String())
}

// anyOrNil keeps typed-nil maps from serializing as "null" sections.
func anyOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// GenerateTitle produces a short conversation title from the first
// user message, probing the title model, then the chairman, then any
// configured agent model. Falls back to a truncated query.
func (e *Engine) GenerateTitle(ctx context.Context, userQuery, conversationID string) string {
	roles, err := e.agents.Models()
	if err != nil {
		return fallbackTitle(userQuery)
	}
	agents, _ := e.agents.List()

	settings, _ := e.settings.Get()
	var prompt string
	if settings.OutputLanguage == "en" {
		prompt = fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)
	} else {
		prompt = fmt.Sprintf(`请为下面的问题生成一个非常简短的标题（最多 3-5 个中文词语），要求简洁明确，不要引号和标点。

问题：%s

标题：`, userQuery)
	}

	var candidates []string
	seen := map[string]bool{}
	push := func(spec string) {
		spec = strings.TrimSpace(spec)
		if spec == "" || seen[spec] {
			return
		}
		if e.chat.KeyConfigured(llm.ParseModelSpec(spec).Provider) == llm.KeyMissing {
			return
		}
		seen[spec] = true
		candidates = append(candidates, spec)
	}
	push(roles.TitleModel)
	push(roles.ChairmanModel)
	for _, a := range agents {
		push(a.ModelSpec)
	}

	for _, spec := range candidates {
		agent := agentForSpec(agents, spec)
		resp := e.queryAgent(ctx, conversationID, "title",
			chairmanAgent("title", "Title", spec, agent),
			[]llm.Message{{Role: "user", Content: prompt}}, titleTimeout)
		if resp == nil {
			continue
		}
		title := strings.Trim(strings.TrimSpace(resp.Content), "\"'“”‘’")
		if title == "" {
			continue
		}
		if r := []rune(title); len(r) > 50 {
			title = string(r[:47]) + "..."
		}
		return title
	}
	return fallbackTitle(userQuery)
}

func fallbackTitle(userQuery string) string {
	title := strings.TrimSpace(userQuery)
	if title == "" {
		return "New Conversation"
	}
	if r := []rune(title); len(r) > 24 {
		title = string(r[:24]) + "..."
	}
	return title
}
