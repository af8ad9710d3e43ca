package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
)

// RoundtableMessage is one agent's contribution to a discussion
// round or a lively transcript slot.
type RoundtableMessage struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Model     string `json:"model,omitempty"`
	Role      string `json:"role,omitempty"`
	Message   string `json:"message"`
}

// kbDocMeta lists a bound document for prompt context.
type kbDocMeta struct {
	DocID  string `json:"doc_id"`
	Title  string `json:"title"`
	Source string `json:"source"`
}

func (e *Engine) boundDocMeta(ctx context.Context, conversationID string) []kbDocMeta {
	if e.kb == nil || conversationID == "" {
		return nil
	}
	docIDs := e.convs.KBDocIDs(conversationID)
	if len(docIDs) > 20 {
		docIDs = docIDs[:20]
	}
	var meta []kbDocMeta
	for _, did := range docIDs {
		doc, err := e.kb.GetDocument(ctx, did)
		if err != nil || doc == nil {
			continue
		}
		meta = append(meta, kbDocMeta{DocID: did, Title: doc.Title, Source: doc.Source})
	}
	return meta
}

// Stage2BRoundtable runs up to roundtable_rounds rounds of persona
// commentary over the Stage1/Stage2 material. Only the final round's
// messages are kept. Empty when disabled or rounds is zero.
func (e *Engine) Stage2BRoundtable(ctx context.Context, userQuery string, stage1 []Stage1Result, stage2 []Stage2Result, conversationID string) []RoundtableMessage {
	settings, err := e.settings.Get()
	if err != nil || !settings.EnableRoundtable {
		return nil
	}
	agents := e.conversationAgents(conversationID)
	if len(agents) == 0 {
		return nil
	}
	rounds := settings.RoundtableRounds
	if rounds > 3 {
		rounds = 3
	}
	if rounds <= 0 {
		return nil
	}

	e.trace(conversationID, map[string]any{"type": "stage_start", "stage": "stage2b", "rounds": rounds})

	contextText := e.buildRealtimeContext(ctx, userQuery, conversationID)
	kbMeta := e.boundDocMeta(ctx, conversationID)

	var s1Lines, s2Lines []string
	for _, r := range stage1 {
		s1Lines = append(s1Lines, fmt.Sprintf("- %s: %s", r.AgentName, r.Response))
	}
	for _, r := range stage2 {
		s2Lines = append(s2Lines, fmt.Sprintf("- %s 的评审：\n%s", r.AgentName, r.Ranking))
	}

	prompt := "你将参与一轮“专家圆桌讨论”。请以你自己的身份（使用你的专业背景/人设）发表评论，必须基于以下材料：\n" +
		"1) 其它专家的初稿与互评\n" +
		"2) 网页检索结果（若提供）\n" +
		"3) 上传的知识库文档（如有，引用时请标注 KB[doc_id]）\n\n" +
		"要求：\n" +
		"- 用简体中文\n" +
		"- 必须点名回应至少 1 位其它专家（用其 agent_name）\n" +
		"- 尽量引用“网页检索结果”的 URL 或 KB[doc_id] 作为依据（如果给了）\n" +
		"- 输出长度 150~450 字\n"

	var material strings.Builder
	fmt.Fprintf(&material, "用户问题：%s\n\n", userQuery)
	if contextText != "" {
		fmt.Fprintf(&material, "网页检索结果：\n%s\n\n", contextText)
	}
	if len(kbMeta) > 0 {
		if raw, err := json.Marshal(kbMeta); err == nil {
			fmt.Fprintf(&material, "上传文档列表：\n%s\n\n", raw)
		}
	}
	material.WriteString("阶段1初稿：\n" + strings.Join(s1Lines, "\n\n"))
	material.WriteString("\n\n阶段2互评：\n" + strings.Join(s2Lines, "\n\n"))

	var out []RoundtableMessage
	for round := 0; round < rounds; round++ {
		responses := make([]*llm.ChatResult, len(agents))
		var wg sync.WaitGroup
		for i, agent := range agents {
			wg.Add(1)
			go func(i int, agent store.AgentConfig) {
				defer wg.Done()
				messages := e.agentSystemMessages(&agent)
				if knowledge := e.buildAgentKnowledge(ctx, agent, userQuery, conversationID); knowledge != "" {
					messages = append(messages, llm.Message{Role: "system", Content: "你的可用知识库/图谱信息：\n" + knowledge})
				}
				messages = append(messages, llm.Message{Role: "user", Content: prompt + "\n\n" + material.String()})
				responses[i] = e.queryAgent(ctx, conversationID, "stage2b", agent, messages, stage2BSeat)
			}(i, agent)
		}
		wg.Wait()

		out = out[:0]
		for i, agent := range agents {
			if responses[i] == nil {
				continue
			}
			out = append(out, RoundtableMessage{
				AgentID:   agent.ID,
				AgentName: agent.Name,
				Model:     agent.ModelSpec,
				Message:   strings.TrimSpace(responses[i].Content),
			})
		}
	}

	e.trace(conversationID, map[string]any{"type": "stage_complete", "stage": "stage2b", "ok_count": len(out)})
	return out
}

// Stage2CFactCheck runs one chairman call that extracts key claims
// with evidence attribution. Nil when disabled or unparseable.
func (e *Engine) Stage2CFactCheck(ctx context.Context, userQuery string, stage1 []Stage1Result, stage2 []Stage2Result, roundtable []RoundtableMessage, conversationID string) map[string]any {
	settings, err := e.settings.Get()
	if err != nil || !settings.EnableFactCheck {
		return nil
	}

	spec, agent := e.chairmanSpec(conversationID)
	contextText := e.buildRealtimeContext(ctx, userQuery, conversationID)
	kbMeta := e.boundDocMeta(ctx, conversationID)

	system := "你是“事实核查与证据整理员”。\n" +
		"任务：根据专家初稿、互评、圆桌讨论，以及给定的网页检索结果与上传文档列表，抽取关键主张并进行证据归因。\n" +
		"要求：\n" +
		"- 必须使用简体中文\n" +
		"- 输出必须是严格 JSON（不要 Markdown，不要解释文字）\n" +
		"- JSON 结构：{\"claims\":[{\"claim\":\"...\",\"status\":\"supported|uncertain|refuted\",\"evidence\":[{\"type\":\"web|kb|other\",\"ref\":\"...\",\"note\":\"...\"}],\"confidence\":0.0}],\"open_questions\":[...]}。\n" +
		"- evidence.ref 若来自网页检索必须包含 URL；若来自上传文档必须用 KB[doc_id]。\n" +
		"- 只列最重要的 5~12 条 claims。\n"

	var user strings.Builder
	fmt.Fprintf(&user, "用户问题：%s\n\n", userQuery)
	if contextText != "" {
		fmt.Fprintf(&user, "网页检索结果：\n%s\n\n", contextText)
	} else {
		user.WriteString("网页检索结果：无\n\n")
	}
	if len(kbMeta) > 0 {
		if raw, err := json.Marshal(kbMeta); err == nil {
			fmt.Fprintf(&user, "上传文档列表：\n%s\n\n", raw)
		}
	} else {
		user.WriteString("上传文档列表：无\n\n")
	}
	appendJSON := func(header string, v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		user.WriteString(header + string(raw) + "\n\n")
	}
	appendJSON("阶段1初稿：\n", stage1)
	appendJSON("阶段2互评：\n", stage2)
	appendJSON("圆桌讨论：\n", roundtable)

	e.trace(conversationID, map[string]any{"type": "stage_start", "stage": "stage2c", "model": spec})

	resp := e.queryAgent(ctx, conversationID, "stage2c",
		chairmanAgent("factcheck", "FactCheck", spec, agent),
		[]llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user.String()},
		}, stage2CSeat)

	raw := ""
	if resp != nil {
		raw = resp.Content
	}
	data := extractJSONObject(raw)
	e.trace(conversationID, map[string]any{
		"type": "stage_complete", "stage": "stage2c", "ok": data != nil, "raw": raw, "data": data,
	})
	return data
}
