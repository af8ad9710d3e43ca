package council

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/store"
	"github.com/council-works/council/pkg/tools"
)

type fakeWeb struct {
	results []tools.WebResult
	queries []string
}

func (f *fakeWeb) Search(_ context.Context, query string, _ int) ([]tools.WebResult, error) {
	f.queries = append(f.queries, query)
	return f.results, nil
}

type fakeJobs struct {
	summaries []jobs.InjectableSummary
}

func (f *fakeJobs) FetchInjectableSummaries(context.Context, string, int) ([]jobs.InjectableSummary, error) {
	return f.summaries, nil
}

func TestResolveKBScope(t *testing.T) {
	tests := []struct {
		name     string
		convDocs []string
		agent    store.AgentConfig
		wantDocs []string
		wantCats []string
		wantAID  string
		empty    bool
	}{
		{
			name:     "conversation docs win",
			convDocs: []string{"d1", "d2"},
			agent:    store.AgentConfig{ID: "a1"},
			wantDocs: []string{"d1", "d2"},
		},
		{
			name:     "agent allowlist intersects",
			convDocs: []string{"d1", "d2", "d3"},
			agent:    store.AgentConfig{ID: "a1", KBDocIDs: []string{"d2", "d9"}},
			wantDocs: []string{"d2"},
		},
		{
			name:     "empty intersection blocks search",
			convDocs: []string{"d1"},
			agent:    store.AgentConfig{ID: "a1", KBDocIDs: []string{"d9"}},
			empty:    true,
		},
		{
			name:     "agent docs without conversation docs",
			agent:    store.AgentConfig{ID: "a1", KBDocIDs: []string{"d5"}},
			wantDocs: []string{"d5"},
		},
		{
			name:     "agent categories",
			agent:    store.AgentConfig{ID: "a1", KBCategories: []string{"batteries"}},
			wantCats: []string{"batteries"},
		},
		{
			name:    "falls back to agent-id tagging",
			agent:   store.AgentConfig{ID: "a1"},
			wantAID: "a1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, empty := resolveKBScope(tt.convDocs, tt.agent)
			assert.Equal(t, tt.empty, empty)
			if tt.empty {
				return
			}
			assert.Equal(t, tt.wantDocs, scope.DocIDs)
			assert.Equal(t, tt.wantCats, scope.Categories)
			assert.Equal(t, tt.wantAID, scope.AgentID)
		})
	}
}

func TestFormatWebResults(t *testing.T) {
	assert.Empty(t, formatWebResults("头部：", nil))

	block := formatWebResults("网页检索结果：", []tools.WebResult{
		{Title: "电池技术综述", URL: "https://example.com/a", Snippet: "钠离子电池进展"},
		{Title: "无摘要", URL: "https://example.com/b"},
	})
	assert.Contains(t, block, "网页检索结果：")
	assert.Contains(t, block, "1. 电池技术综述 (https://example.com/a) - 钠离子电池进展")
	assert.Contains(t, block, "2. 无摘要 (https://example.com/b)")
}

func TestBuildRealtimeContextWebAndJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	web := &fakeWeb{results: []tools.WebResult{{Title: "结果", URL: "https://example.com", Snippet: "摘要"}}}
	jobSrc := &fakeJobs{summaries: []jobs.InjectableSummary{
		{JobID: "j1", JobType: "web_search", Summary: "检索完成，命中 5 条。"},
	}}
	engine := NewEngine(Deps{
		Chat:          env.chat,
		Agents:        env.agents,
		Conversations: env.convs,
		Settings:      env.settings,
		Web:           web,
		Jobs:          jobSrc,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := env.convs.Create("conv-1")
	require.NoError(t, err)

	block := engine.buildRealtimeContext(context.Background(), "钠离子电池", "conv-1")
	assert.Contains(t, block, "当前日期时间：")
	assert.Contains(t, block, "网页检索结果（仅供参考，请自行甄别真伪）：")
	assert.Contains(t, block, "https://example.com")
	assert.Contains(t, block, "后台任务结果（已完成，供参考）：")
	assert.Contains(t, block, "1. [web_search] 检索完成，命中 5 条。")
	assert.Equal(t, []string{"钠离子电池"}, web.queries)
}

func TestBuildRealtimeContextRespectsSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.settings.Update(map[string]any{
		"enable_date_context": false,
		"enable_web_search":   false,
	})
	require.NoError(t, err)
	web := &fakeWeb{results: []tools.WebResult{{Title: "x", URL: "https://x"}}}
	engine := NewEngine(Deps{
		Chat:          env.chat,
		Agents:        env.agents,
		Conversations: env.convs,
		Settings:      env.settings,
		Web:           web,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	block := engine.buildRealtimeContext(context.Background(), "问题", "")
	assert.Empty(t, block)
	assert.Empty(t, web.queries)
}

func TestHistoryDigest(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.convs.Create("conv-1")
	require.NoError(t, err)
	require.NoError(t, env.convs.AddUserMessage("conv-1", "第一个问题"))
	require.NoError(t, env.convs.AddAssistantMessage("conv-1", store.Message{
		Stage3: map[string]any{"model": "m", "response": "委员会的结论。"},
	}))

	digest := env.engine.historyDigest("conv-1")
	assert.Contains(t, digest, "历史对话摘要")
	assert.Contains(t, digest, "[用户] 第一个问题")
	assert.Contains(t, digest, "[委员会] 委员会的结论。")
}

func TestHistoryDigestDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.settings.Update(map[string]any{"enable_history_context": false})
	require.NoError(t, err)
	_, err = env.convs.Create("conv-1")
	require.NoError(t, err)
	require.NoError(t, env.convs.AddUserMessage("conv-1", "问题"))

	assert.Empty(t, env.engine.historyDigest("conv-1"))
}

func TestMessageDigestPrefersStage3ThenReport(t *testing.T) {
	assert.Equal(t, "结论", messageDigest(store.Message{
		Role:   "assistant",
		Stage3: map[string]any{"response": "结论"},
		Stage4: map[string]any{"report": "报告"},
	}))
	assert.Equal(t, "报告", messageDigest(store.Message{
		Role:   "assistant",
		Stage4: map[string]any{"report": "报告"},
	}))
	assert.Equal(t, "原文", messageDigest(store.Message{Role: "assistant", Content: "原文"}))
	assert.Equal(t, "问题", messageDigest(store.Message{Role: "user", Content: "问题"}))
}
