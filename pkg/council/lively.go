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

// Lively-mode defaults and caps.
const (
	livelyDefaultMaxMessages = 24
	livelyDefaultMaxTurns    = 6
	livelyWarmupChars        = 120
	livelySpeakChars         = 220

	checkpointMin = 4
	checkpointMax = 10
)

// Chairman actions and the free-flow script names.
const (
	ActionContinue = "continue"
	ActionConverge = "converge"
)

var livelyScripts = map[string]bool{"brainstorm": true, "interview": true, "groupchat": true}

// LivelyResult is the bounded free-chat transcript plus the chairman's
// final verdict.
type LivelyResult struct {
	Transcript []RoundtableMessage `json:"transcript"`
	Action     string              `json:"action"`
	Leaders    []string            `json:"leaders"`
	Script     string              `json:"script,omitempty"`
	Turns      int                 `json:"turns"`
}

// chairmanDecision is the weak chairman's strict-JSON steering output.
type chairmanDecision struct {
	Leaders     []string
	Mainline    string
	Assignments map[string]string
	NextScript  string
	Action      string
}

func parseChairmanDecision(raw string) *chairmanDecision {
	obj := extractJSONObject(raw)
	if obj == nil {
		return nil
	}
	d := &chairmanDecision{Assignments: map[string]string{}}
	if leaders, ok := obj["leaders"].([]any); ok {
		for _, l := range leaders {
			if s := strings.TrimSpace(fmt.Sprint(l)); s != "" {
				d.Leaders = append(d.Leaders, s)
			}
		}
	}
	d.Mainline, _ = obj["mainline"].(string)
	if assignments, ok := obj["assignments"].(map[string]any); ok {
		for k, v := range assignments {
			d.Assignments[k] = strings.TrimSpace(fmt.Sprint(v))
		}
	}
	if script, ok := obj["next_script"].(string); ok {
		script = strings.ToLower(strings.TrimSpace(script))
		if livelyScripts[script] {
			d.NextScript = script
		}
	}
	if action, ok := obj["action"].(string); ok {
		action = strings.ToLower(strings.TrimSpace(action))
		if action == ActionConverge {
			d.Action = ActionConverge
		} else {
			d.Action = ActionContinue
		}
	} else {
		d.Action = ActionContinue
	}
	return d
}

// checkpointEvery returns the free-flow checkpoint cadence for a
// roster of n agents: clamp(4, 10, n+1).
func checkpointEvery(n int) int {
	v := n + 1
	if v < checkpointMin {
		return checkpointMin
	}
	if v > checkpointMax {
		return checkpointMax
	}
	return v
}

// livelyParams reads max_messages/max_turns from the conversation's
// discussion params.
func livelyParams(conv *store.Conversation) (maxMessages, maxTurns int) {
	maxMessages = livelyDefaultMaxMessages
	maxTurns = livelyDefaultMaxTurns
	if conv == nil || conv.DiscussionParams == nil {
		return
	}
	if v, ok := conv.DiscussionParams["max_messages"].(float64); ok && int(v) > 0 {
		maxMessages = int(v)
	}
	if v, ok := conv.DiscussionParams["max_turns"].(float64); ok && int(v) > 0 {
		maxTurns = int(v)
	}
	return
}

// Stage2BLively runs the weak-chairman free chat over the Stage1
// material: warm-up, leader pick, leader openings, follower replies,
// then round-robin free flow punctuated by chairman checkpoints.
func (e *Engine) Stage2BLively(ctx context.Context, userQuery string, stage1 []Stage1Result, conversationID string) *LivelyResult {
	agents := e.conversationAgents(conversationID)
	if len(agents) == 0 {
		return nil
	}
	conv, err := e.convs.Get(conversationID)
	if err != nil {
		return nil
	}
	maxMessages, maxTurns := livelyParams(conv)
	cadence := checkpointEvery(len(agents))

	e.trace(conversationID, map[string]any{
		"type": "stage_start", "stage": "stage2b", "mode": "lively",
		"max_messages": maxMessages, "max_turns": maxTurns, "checkpoint_every": cadence,
	})

	result := &LivelyResult{Action: ActionContinue, Script: "groupchat"}
	sinceCheckpoint := 0

	appendAgent := func(agent store.AgentConfig, text string) {
		result.Transcript = append(result.Transcript, RoundtableMessage{
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Role:      "agent",
			Message:   truncateRunes(strings.TrimSpace(text), livelySpeakChars),
		})
		sinceCheckpoint++
	}
	appendChairman := func(text string) {
		result.Transcript = append(result.Transcript, RoundtableMessage{
			AgentID:   "chairman",
			AgentName: "主持人",
			Role:      "chairman",
			Message:   strings.TrimSpace(text),
		})
	}
	full := func() bool { return len(result.Transcript) >= maxMessages }

	var s1Lines []string
	for _, r := range stage1 {
		s1Lines = append(s1Lines, fmt.Sprintf("- %s: %s", r.AgentName, truncateRunes(r.Response, 400)))
	}
	baseMaterial := fmt.Sprintf("用户问题：%s\n\n阶段1初稿（供参考）：\n%s", userQuery, strings.Join(s1Lines, "\n"))

	// Warm-up: one short message per agent, roster order.
	warmup := e.speakAll(ctx, conversationID, agents, func(agent store.AgentConfig) string {
		return fmt.Sprintf("这是一场自由讨论的热身环节。请用不超过 %d 字发表你对问题的第一反应（一句话观点，不要展开）。\n\n%s",
			livelyWarmupChars, baseMaterial)
	}, livelyWarmupChars)
	for i, agent := range agents {
		if warmup[i] == "" {
			continue
		}
		appendAgent(agent, warmup[i])
		if full() {
			e.finishLively(conversationID, result)
			return result
		}
	}

	// Leader pick: the chairman steers but does not argue.
	decision := e.chairmanSteer(ctx, conversationID, agents, result, userQuery, "leader_pick")
	leaders := validLeaders(decision, agents)
	result.Leaders = leaderIDs(leaders)
	if decision != nil && decision.NextScript != "" && decision.NextScript != result.Script {
		e.recordScriptSwitch(conversationID, result, decision.NextScript)
	}
	appendChairman(leaderPickNote(leaders, decision))
	if decision != nil && decision.Action == ActionConverge {
		result.Action = ActionConverge
		e.finishLively(conversationID, result)
		return result
	}
	if full() {
		e.finishLively(conversationID, result)
		return result
	}

	leaderSet := map[string]bool{}
	for _, l := range leaders {
		leaderSet[l.ID] = true
	}

	// Leaders open the discussion, naming peers to respond.
	peerNames := rosterNames(agents)
	openings := e.speakAll(ctx, conversationID, leaders, func(agent store.AgentConfig) string {
		return fmt.Sprintf("你被指定为本轮讨论的意见领袖。请用不超过 %d 字抛出一个讨论框架，并明确点名 2~3 位专家回应（可选：%s）。\n\n%s%s",
			livelySpeakChars, strings.Join(peerNames, "、"), baseMaterial, transcriptBlock(result.Transcript))
	}, livelySpeakChars)
	for i, leader := range leaders {
		if openings[i] == "" {
			continue
		}
		appendAgent(leader, openings[i])
		if full() {
			e.finishLively(conversationID, result)
			return result
		}
	}

	// Followers respond; mere agreement is disallowed.
	var followers []store.AgentConfig
	for _, agent := range agents {
		if !leaderSet[agent.ID] {
			followers = append(followers, agent)
		}
	}
	replies := e.speakAll(ctx, conversationID, followers, func(agent store.AgentConfig) string {
		task := "证据、反例、替代方案、风险边界或步骤清单"
		if decision != nil {
			if t := decision.Assignments[agent.ID]; t != "" {
				task = t
			}
		}
		return fmt.Sprintf("请回应意见领袖的开场，用不超过 %d 字。不允许单纯附和：必须补充以下类别之一的内容：%s。\n\n%s%s",
			livelySpeakChars, task, baseMaterial, transcriptBlock(result.Transcript))
	}, livelySpeakChars)
	for i, follower := range followers {
		if replies[i] == "" {
			continue
		}
		appendAgent(follower, replies[i])
		if full() {
			e.finishLively(conversationID, result)
			return result
		}
	}

	// Free flow: round-robin with chairman checkpoints.
	lastSpeaker := ""
	if len(result.Transcript) > 0 {
		lastSpeaker = result.Transcript[len(result.Transcript)-1].AgentID
	}
	next := 0
	for {
		if sinceCheckpoint >= cadence {
			sinceCheckpoint = 0
			result.Turns++
			check := e.chairmanSteer(ctx, conversationID, agents, result, userQuery, "checkpoint")
			if check != nil {
				if check.NextScript != "" && check.NextScript != result.Script {
					e.recordScriptSwitch(conversationID, result, check.NextScript)
				}
				if note := strings.TrimSpace(check.Mainline); note != "" && !full() {
					appendChairman(note)
				}
				if check.Action == ActionConverge {
					result.Action = ActionConverge
					break
				}
			}
			if result.Turns >= maxTurns {
				break
			}
		}
		if full() {
			break
		}

		agent := agents[next%len(agents)]
		next++
		if agent.ID == lastSpeaker && len(agents) > 1 {
			agent = agents[next%len(agents)]
			next++
		}
		prompt := fmt.Sprintf("自由讨论环节（当前剧本：%s）。请顺着最近的发言推进讨论，用不超过 %d 字，优先回应与你观点冲突的人。\n\n%s%s",
			result.Script, livelySpeakChars, baseMaterial, transcriptBlock(result.Transcript))
		messages := append(e.agentSystemMessages(&agent), llm.Message{Role: "user", Content: prompt})
		resp := e.queryAgent(ctx, conversationID, "stage2b", agent, messages, stage2BSeat)
		if resp != nil && strings.TrimSpace(resp.Content) != "" {
			appendAgent(agent, resp.Content)
			lastSpeaker = agent.ID
		}
	}

	e.finishLively(conversationID, result)
	return result
}

func (e *Engine) finishLively(conversationID string, result *LivelyResult) {
	e.trace(conversationID, map[string]any{
		"type": "stage_complete", "stage": "stage2b", "mode": "lively",
		"messages": len(result.Transcript), "turns": result.Turns, "action": result.Action,
	})
}

// speakAll fans one prompt builder out to a set of agents and returns
// their trimmed replies in input order; failed calls yield "".
func (e *Engine) speakAll(ctx context.Context, conversationID string, agents []store.AgentConfig, buildPrompt func(store.AgentConfig) string, capRunes int) []string {
	out := make([]string, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent store.AgentConfig) {
			defer wg.Done()
			messages := append(e.agentSystemMessages(&agent), llm.Message{Role: "user", Content: buildPrompt(agent)})
			resp := e.queryAgent(ctx, conversationID, "stage2b", agent, messages, stage2BSeat)
			if resp != nil {
				out[i] = truncateRunes(strings.TrimSpace(resp.Content), capRunes)
			}
		}(i, agent)
	}
	wg.Wait()
	return out
}

// chairmanSteer asks the chairman model for a strict-JSON steering
// decision. Nil when the call or parse fails.
func (e *Engine) chairmanSteer(ctx context.Context, conversationID string, agents []store.AgentConfig, result *LivelyResult, userQuery, phase string) *chairmanDecision {
	spec, agent := e.chairmanSpec(conversationID)

	var roster []map[string]string
	for _, a := range agents {
		roster = append(roster, map[string]string{"id": a.ID, "name": a.Name})
	}
	rosterJSON, _ := json.Marshal(roster)

	system := "你是一场专家自由讨论的“弱主持人”：只引导节奏，不参与辩论。\n" +
		"输出必须是严格 JSON（不要 Markdown，不要解释文字）：\n" +
		"{\"leaders\":[\"agent_id\"],\"mainline\":\"...\",\"assignments\":{\"agent_id\":\"evidence|counter-example|alternative|risk boundary|step list\"},\"next_script\":\"brainstorm|interview|groupchat\",\"action\":\"continue|converge\"}\n" +
		"- leaders 必须从给定的 agent_id 列表中选 1~3 个。\n" +
		"- 讨论已经充分或重复时，action 用 converge。\n"

	user := fmt.Sprintf("阶段：%s\n用户问题：%s\n\n专家名单：\n%s\n%s",
		phase, userQuery, rosterJSON, transcriptBlock(result.Transcript))

	resp := e.queryAgent(ctx, conversationID, "stage2b",
		chairmanAgent("chairman", "Chairman", spec, agent),
		[]llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		}, stage2BSeat)
	if resp == nil {
		return nil
	}
	return parseChairmanDecision(resp.Content)
}

// validLeaders filters the chairman's picks to roster members,
// defaulting to the first min(2, n) agents.
func validLeaders(decision *chairmanDecision, agents []store.AgentConfig) []store.AgentConfig {
	byID := make(map[string]store.AgentConfig, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	var leaders []store.AgentConfig
	if decision != nil {
		for _, id := range decision.Leaders {
			if a, ok := byID[id]; ok {
				leaders = append(leaders, a)
			}
			if len(leaders) == 3 {
				break
			}
		}
	}
	if len(leaders) == 0 {
		n := 2
		if len(agents) < n {
			n = len(agents)
		}
		leaders = append(leaders, agents[:n]...)
	}
	return leaders
}

func leaderIDs(leaders []store.AgentConfig) []string {
	ids := make([]string, 0, len(leaders))
	for _, l := range leaders {
		ids = append(ids, l.ID)
	}
	return ids
}

func leaderPickNote(leaders []store.AgentConfig, decision *chairmanDecision) string {
	names := make([]string, 0, len(leaders))
	for _, l := range leaders {
		names = append(names, l.Name)
	}
	note := "本轮意见领袖：" + strings.Join(names, "、") + "。"
	if decision != nil && strings.TrimSpace(decision.Mainline) != "" {
		note += "讨论主线：" + strings.TrimSpace(decision.Mainline)
	}
	return note
}

func rosterNames(agents []store.AgentConfig) []string {
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	return names
}

// recordScriptSwitch updates the active script and appends the switch
// to the conversation's persistent script history.
func (e *Engine) recordScriptSwitch(conversationID string, result *LivelyResult, script string) {
	result.Script = script
	if conversationID == "" {
		return
	}
	if err := e.convs.AppendLivelyHistory(conversationID, map[string]any{
		"turn":   result.Turns,
		"script": script,
	}); err != nil {
		e.logger.Warn("lively history append failed", "conversation_id", conversationID, "error", err)
	}
}

func transcriptBlock(transcript []RoundtableMessage) string {
	if len(transcript) == 0 {
		return ""
	}
	lines := []string{"\n\n当前讨论记录："}
	for _, m := range transcript {
		lines = append(lines, fmt.Sprintf("- %s: %s", m.AgentName, m.Message))
	}
	return strings.Join(lines, "\n")
}
