package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/council-works/council/pkg/store"
)

// EmitFunc receives pipeline progress events for streaming. The
// payload is already JSON-shaped.
type EmitFunc func(eventType string, payload map[string]any)

// TurnResult is everything one deliberation turn produced.
type TurnResult struct {
	Stage0   map[string]any `json:"stage0"`
	Stage1   []Stage1Result `json:"stage1"`
	Stage2   []Stage2Result `json:"stage2"`
	Stage2B  any            `json:"stage2b"`
	Stage2C  map[string]any `json:"stage2c"`
	Stage3   *Stage3Result  `json:"stage3"`
	Stage4   *ReportResult  `json:"stage4"`
	Metadata map[string]any `json:"metadata"`
}

// RunTurn executes a full deliberation turn: it records the user
// message, runs stages 0-4, generates a title on the first message,
// and persists the assistant message. emit may be nil; when set it
// receives one event per stage boundary plus title_complete.
func (e *Engine) RunTurn(ctx context.Context, conversationID, content string, emit EmitFunc) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content must not be empty")
	}
	conv, err := e.convs.Get(conversationID)
	if err != nil {
		return nil, err
	}
	isFirst := len(conv.Messages) == 0
	lively := conv.DiscussionMode == store.ModeLively

	if err := e.convs.AddUserMessage(conversationID, content); err != nil {
		return nil, err
	}

	send := func(eventType string, payload map[string]any) {
		if emit == nil {
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["type"] = eventType
		emit(eventType, payload)
	}

	// Title generation overlaps the pipeline.
	titleCh := make(chan string, 1)
	if isFirst {
		go func() { titleCh <- e.GenerateTitle(ctx, content, conversationID) }()
	}

	send("stage0_start", nil)
	preprocess := e.Stage0Preprocess(ctx, content, conversationID)
	send("stage0_complete", map[string]any{"data": preprocess})

	send("stage1_start", nil)
	stage1 := e.Stage1Collect(ctx, content, conversationID, preprocess)
	send("stage1_complete", map[string]any{"data": stage1})

	result := &TurnResult{Stage0: preprocess, Stage1: stage1}

	if len(stage1) == 0 {
		result.Stage3 = e.emptyStage1Error(conversationID)
		result.Metadata = map[string]any{"preprocess": preprocess}
		send("stage3_complete", map[string]any{"data": result.Stage3})
		e.finishTurn(ctx, conversationID, result, isFirst, titleCh, send)
		return result, nil
	}

	send("stage2_start", nil)
	stage2, labelToAgent := e.Stage2Rankings(ctx, content, stage1, conversationID)
	aggregate := CalculateAggregateRankings(stage2, labelToAgent)
	result.Stage2 = stage2
	send("stage2_complete", map[string]any{
		"data": stage2,
		"metadata": map[string]any{
			"label_to_agent":     labelToAgent,
			"aggregate_rankings": aggregate,
		},
	})

	send("stage2b_start", nil)
	var (
		roundtable   []RoundtableMessage
		livelyResult *LivelyResult
	)
	if lively {
		livelyResult = e.Stage2BLively(ctx, content, stage1, conversationID)
		if livelyResult != nil {
			result.Stage2B = livelyResult
			roundtable = livelyResult.Transcript
		}
	} else {
		roundtable = e.Stage2BRoundtable(ctx, content, stage1, stage2, conversationID)
		if roundtable != nil {
			result.Stage2B = roundtable
		}
	}
	send("stage2b_complete", map[string]any{"data": result.Stage2B})

	send("stage2c_start", nil)
	factCheck := e.Stage2CFactCheck(ctx, content, stage1, stage2, roundtable, conversationID)
	result.Stage2C = factCheck
	send("stage2c_complete", map[string]any{"data": factCheck})

	send("stage3_start", nil)
	stage3 := e.Stage3Synthesize(ctx, content, stage1, stage2, roundtable, factCheck, conversationID)
	result.Stage3 = stage3
	send("stage3_complete", map[string]any{"data": stage3})

	send("stage4_start", nil)
	report := e.Stage4Report(ctx, content, ReportInputs{
		Stage0:     preprocess,
		Stage1:     stage1,
		Stage2:     stage2,
		Roundtable: roundtable,
		Lively:     livelyResult,
		FactCheck:  factCheck,
		Stage3:     stage3,
	}, conversationID)
	result.Stage4 = report
	send("stage4_complete", map[string]any{"data": report})

	metadata := map[string]any{
		"label_to_agent":     labelToAgent,
		"aggregate_rankings": aggregate,
		"preprocess":         preprocess,
		"roundtable":         result.Stage2B,
		"fact_check":         factCheck,
		"report":             report,
		"agents_snapshot":    e.agentsSnapshot(),
		"models":             e.modelRoles(),
	}
	if livelyResult != nil {
		metadata["lively"] = map[string]any{
			"action":  livelyResult.Action,
			"leaders": livelyResult.Leaders,
			"script":  livelyResult.Script,
			"turns":   livelyResult.Turns,
		}
	}
	result.Metadata = metadata

	e.finishTurn(ctx, conversationID, result, isFirst, titleCh, send)
	return result, nil
}

// finishTurn waits for title generation, persists the assistant
// message, and emits the closing events. The title wait is bounded by
// the turn context so a stuck title path cannot hang the turn.
func (e *Engine) finishTurn(ctx context.Context, conversationID string, result *TurnResult, isFirst bool, titleCh chan string, send func(string, map[string]any)) {
	if isFirst {
		select {
		case title := <-titleCh:
			if err := e.convs.SetTitle(conversationID, title); err != nil {
				e.logger.Warn("title update failed", "conversation_id", conversationID, "error", err)
			}
			send("title_complete", map[string]any{"data": map[string]any{"title": title}})
		case <-ctx.Done():
			e.logger.Warn("title generation abandoned", "conversation_id", conversationID, "error", ctx.Err())
		}
	}

	msg := store.Message{
		Stage0:   result.Stage0,
		Stage1:   toMapSlice(result.Stage1),
		Stage2:   toMapSlice(result.Stage2),
		Stage2B:  result.Stage2B,
		Stage2C:  result.Stage2C,
		Stage3:   toMap(result.Stage3),
		Stage4:   nilOrAny(result.Stage4),
		Metadata: result.Metadata,
	}
	if err := e.convs.AddAssistantMessage(conversationID, msg); err != nil {
		e.logger.Error("assistant message persist failed", "conversation_id", conversationID, "error", err)
	}
	send("complete", nil)
}

func (e *Engine) agentsSnapshot() []map[string]any {
	agents, err := e.agents.List()
	if err != nil {
		return nil
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"id":               a.ID,
			"name":             a.Name,
			"model_spec":       a.ModelSpec,
			"enabled":          a.Enabled,
			"influence_weight": a.InfluenceWeight,
			"seniority_years":  a.SeniorityYears,
		})
	}
	return out
}

func (e *Engine) modelRoles() map[string]string {
	roles, err := e.agents.Models()
	if err != nil {
		return nil
	}
	return map[string]string{
		"chairman_model": roles.ChairmanModel,
		"title_model":    roles.TitleModel,
	}
}

// toMapSlice converts typed stage records to the map shape the
// conversation store persists.
func toMapSlice[T any](items []T) []map[string]any {
	if len(items) == 0 {
		return nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func toMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// nilOrAny keeps a typed-nil pointer from persisting as JSON null.
func nilOrAny(r *ReportResult) any {
	if r == nil {
		return nil
	}
	return r
}
