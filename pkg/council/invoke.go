package council

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
)

var (
	// ErrUnknownInvokeMode marks an invocation mode outside ask/report.
	ErrUnknownInvokeMode = errors.New("unknown invoke mode")
	// ErrNoReportMaterial marks a report invocation on a conversation
	// that has no completed deliberation turn yet.
	ErrNoReportMaterial = errors.New("no deliberation material to report on")
	// ErrAgentNoResponse marks a direct ask whose agent returned
	// nothing.
	ErrAgentNoResponse = errors.New("agent did not respond")
)

// InvokeRequest asks for out-of-pipeline work on a conversation:
// mode "ask" routes a question to one agent; mode "report" rebuilds
// a report from the latest deliberation turn.
type InvokeRequest struct {
	Mode               string `json:"mode"`
	AgentID            string `json:"agent_id,omitempty"`
	Content            string `json:"content,omitempty"`
	ReportRequirements string `json:"report_requirements,omitempty"`
}

// InvokeResult is the outcome of a direct invocation.
type InvokeResult struct {
	Mode      string        `json:"mode"`
	AgentID   string        `json:"agent_id,omitempty"`
	AgentName string        `json:"agent_name,omitempty"`
	Model     string        `json:"model,omitempty"`
	Response  string        `json:"response,omitempty"`
	Report    *ReportResult `json:"report,omitempty"`
}

// Invoke runs a direct agent ask or an ad-hoc report over the
// conversation. The result is appended to the conversation as an
// assistant message.
func (e *Engine) Invoke(ctx context.Context, conversationID string, req InvokeRequest) (*InvokeResult, error) {
	conv, err := e.convs.Get(conversationID)
	if err != nil {
		return nil, err
	}
	switch req.Mode {
	case "ask":
		return e.invokeAsk(ctx, conv, req)
	case "report":
		return e.invokeReport(ctx, conv, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInvokeMode, req.Mode)
	}
}

func (e *Engine) invokeAsk(ctx context.Context, conv *store.Conversation, req InvokeRequest) (*InvokeResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("ask content must not be empty")
	}
	agent, err := e.agents.Get(req.AgentID)
	if err != nil {
		return nil, err
	}

	messages := e.agentSystemMessages(agent)
	if contextText := e.buildRealtimeContext(ctx, req.Content, conv.ID); contextText != "" {
		messages = append(messages, llm.Message{Role: "system", Content: "可用外部信息：\n" + contextText})
	}
	if knowledge := e.buildAgentKnowledge(ctx, *agent, req.Content, conv.ID); knowledge != "" {
		messages = append(messages, llm.Message{Role: "system", Content: knowledge})
	}
	if history := e.historyDigest(conv.ID); history != "" {
		messages = append(messages, llm.Message{Role: "system", Content: history})
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.Content})

	resp := e.queryAgent(ctx, conv.ID, "direct_ask", *agent, messages, stage1Timeout)
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%w: %s", ErrAgentNoResponse, agent.Name)
	}

	result := &InvokeResult{
		Mode:      "ask",
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Model:     agent.ModelSpec,
		Response:  strings.TrimSpace(resp.Content),
	}
	err = e.convs.AddAssistantMessage(conv.ID, store.Message{
		Content: result.Response,
		Metadata: map[string]any{"direct": map[string]any{
			"mode":       "ask",
			"agent_id":   agent.ID,
			"agent_name": agent.Name,
			"model":      agent.ModelSpec,
			"question":   req.Content,
		}},
	})
	if err != nil {
		e.logger.Error("direct ask persist failed", "conversation_id", conv.ID, "error", err)
	}
	return result, nil
}

func (e *Engine) invokeReport(ctx context.Context, conv *store.Conversation, req InvokeRequest) (*InvokeResult, error) {
	inputs, userQuery, ok := latestDeliberation(conv)
	if !ok {
		return nil, ErrNoReportMaterial
	}
	inputs.InstructionsOverride = req.ReportRequirements
	inputs.Force = true

	report := e.Stage4Report(ctx, userQuery, inputs, conv.ID)
	if report == nil {
		return nil, fmt.Errorf("report generation failed")
	}

	result := &InvokeResult{Mode: "report", Model: report.Model, Report: report}
	err := e.convs.AddAssistantMessage(conv.ID, store.Message{
		Stage4:   report,
		Metadata: map[string]any{"direct": map[string]any{"mode": "report", "model": report.Model}},
	})
	if err != nil {
		e.logger.Error("direct report persist failed", "conversation_id", conv.ID, "error", err)
	}
	return result, nil
}

// latestDeliberation rebuilds report inputs from the newest assistant
// message that carries stage payloads, paired with the user query
// that produced it.
func latestDeliberation(conv *store.Conversation) (ReportInputs, string, bool) {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg.Role != "assistant" || len(msg.Stage1) == 0 {
			continue
		}
		userQuery := ""
		for j := i - 1; j >= 0; j-- {
			if conv.Messages[j].Role == "user" {
				userQuery = conv.Messages[j].Content
				break
			}
		}
		inputs := ReportInputs{
			Stage0:    toMap(msg.Stage0),
			FactCheck: toMap(msg.Stage2C),
		}
		remarshal(msg.Stage1, &inputs.Stage1)
		remarshal(msg.Stage2, &inputs.Stage2)
		remarshal(msg.Stage2B, &inputs.Roundtable)
		if msg.Stage3 != nil {
			var s3 Stage3Result
			remarshal(msg.Stage3, &s3)
			inputs.Stage3 = &s3
		}
		return inputs, userQuery, true
	}
	return ReportInputs{}, "", false
}

// remarshal converts a stored JSON shape back to its typed form,
// ignoring shapes that do not fit.
func remarshal(from, to any) {
	if from == nil {
		return
	}
	raw, err := json.Marshal(from)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, to)
}
