package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/council-works/council/pkg/llm"
)

// DashScopeRerankURL is the provider-native rerank endpoint, used for
// dashscope models whose name contains "rerank".
const DashScopeRerankURL = "https://dashscope.aliyuncs.com/api/v1/services/rerank/text-rerank/text-rerank"

const (
	rerankCandidateChars = 800
	rerankTimeout        = 60 * time.Second
)

// ChatClient is the slice of the LLM gateway the reranker needs.
type ChatClient interface {
	Chat(ctx context.Context, spec string, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResult, error)
}

// LLMReranker scores candidates either through DashScope's native
// rerank endpoint or through a chat model acting as judge. Any failure
// yields an empty slice so the retriever keeps its heuristic order.
type LLMReranker struct {
	chat            ChatClient
	dashScopeAPIKey string
	rerankURL       string
	httpClient      *http.Client
	logger          *slog.Logger
}

// NewLLMReranker wires a reranker. dashScopeAPIKey may be empty; the
// native path then fails over to the empty result like any other error.
func NewLLMReranker(chat ChatClient, dashScopeAPIKey string, logger *slog.Logger) *LLMReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReranker{
		chat:            chat,
		dashScopeAPIKey: dashScopeAPIKey,
		rerankURL:       DashScopeRerankURL,
		httpClient:      &http.Client{Timeout: rerankTimeout},
		logger:          logger.With("component", "kb.reranker"),
	}
}

// Rerank returns up to topK {index, score} items sorted by descending
// score. It never returns a partial ranking alongside an error.
func (r *LLMReranker) Rerank(ctx context.Context, model, query string, candidates []string, topK int) ([]RankedItem, error) {
	if len(candidates) == 0 || topK <= 0 {
		return []RankedItem{}, nil
	}
	if topK > len(candidates) {
		topK = len(candidates)
	}

	spec := llm.ParseModelSpec(model)
	if spec.Provider == llm.ProviderDashScope && strings.Contains(strings.ToLower(spec.Model), "rerank") {
		items, err := r.nativeRerank(ctx, spec.Model, query, candidates, topK)
		if err == nil {
			return items, nil
		}
		r.logger.Warn("native rerank failed", "model", model, "error", err)
		return []RankedItem{}, nil
	}

	items, err := r.judgeRerank(ctx, model, query, candidates, topK)
	if err != nil {
		r.logger.Warn("judge rerank failed", "model", model, "error", err)
		return []RankedItem{}, nil
	}
	return items, nil
}

type dashScopeRerankRequest struct {
	Model string `json:"model"`
	Input struct {
		Query     string   `json:"query"`
		Documents []string `json:"documents"`
	} `json:"input"`
	Parameters struct {
		TopN            int  `json:"top_n"`
		ReturnDocuments bool `json:"return_documents"`
	} `json:"parameters"`
}

type dashScopeRerankResponse struct {
	Output struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	} `json:"output"`
}

func (r *LLMReranker) nativeRerank(ctx context.Context, model, query string, candidates []string, topK int) ([]RankedItem, error) {
	var reqBody dashScopeRerankRequest
	reqBody.Model = model
	reqBody.Input.Query = query
	reqBody.Input.Documents = truncateAll(candidates, rerankCandidateChars)
	reqBody.Parameters.TopN = topK
	reqBody.Parameters.ReturnDocuments = false

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.rerankURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.dashScopeAPIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded dashScopeRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	items := make([]RankedItem, 0, len(decoded.Output.Results))
	for _, res := range decoded.Output.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		items = append(items, RankedItem{Index: res.Index, Score: clamp01(res.RelevanceScore)})
	}
	sortRanked(items)
	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

func (r *LLMReranker) judgeRerank(ctx context.Context, model, query string, candidates []string, topK int) ([]RankedItem, error) {
	shown := topK * 3
	if shown < 12 {
		shown = 12
	}
	if shown > len(candidates) {
		shown = len(candidates)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nCandidates:\n", query)
	for i := 0; i < shown; i++ {
		fmt.Fprintf(&sb, "[%d] %s\n", i, truncateRunes(candidates[i], rerankCandidateChars))
	}
	fmt.Fprintf(&sb,
		"\nRank the %d candidates most relevant to the query. Reply with strict JSON only:\n"+
			`{"ranking":[{"index":<candidate number>,"score":<relevance 0..1>},...]}`+"\n"+
			"Exactly %d entries, no other text.", topK, topK)

	result, err := r.chat.Chat(ctx, model, []llm.Message{
		{Role: "user", Content: sb.String()},
	}, llm.ChatOptions{Timeout: rerankTimeout, Silent: true})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Ranking []RankedItem `json:"ranking"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(result.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("parse ranking: %w", err)
	}
	if len(parsed.Ranking) == 0 {
		return nil, fmt.Errorf("empty ranking")
	}

	items := make([]RankedItem, 0, len(parsed.Ranking))
	seen := make(map[int]bool)
	for _, item := range parsed.Ranking {
		if item.Index < 0 || item.Index >= shown || seen[item.Index] {
			continue
		}
		seen[item.Index] = true
		items = append(items, RankedItem{Index: item.Index, Score: clamp01(item.Score)})
	}
	sortRanked(items)
	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

func sortRanked(items []RankedItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncateAll(texts []string, maxRunes int) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = truncateRunes(t, maxRunes)
	}
	return out
}

func truncateRunes(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}

// extractJSONObject pulls the outermost {...} from a model reply that
// may wrap JSON in prose or code fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
