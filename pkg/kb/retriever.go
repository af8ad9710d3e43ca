package kb

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/council-works/council/pkg/cache"
	"github.com/council-works/council/pkg/llm"
)

// SearchMode selects which indexes a search consults.
type SearchMode string

const (
	ModeFTS      SearchMode = "fts"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)

// Search defaults and blend weights.
const (
	MaxLimit            = 50
	DefaultSemanticPool = 2000
	semanticWeight      = 0.65
	ftsWeight           = 0.35

	queryEmbedCacheSize = 256
	queryEmbedCacheTTL  = time.Hour
	resultCacheSize     = 256
	resultCacheTTL      = 90 * time.Second

	indexWindowSize = 128
	embedBatchSize  = 32
)

// SearchParams are the knobs of a retriever search.
type SearchParams struct {
	Query          string
	Scope          Scope
	Limit          int
	Mode           SearchMode
	EmbeddingModel string
	EnableRerank   bool
	RerankModel    string
	SemanticPool   int
	InitialK       int
}

// Hit is one retrieved chunk with its scores. RerankScore is nil when
// the reranker was not applied.
type Hit struct {
	Chunk
	FTSScore      float64  `json:"fts_score"`
	SemanticScore float64  `json:"semantic_score"`
	RerankScore   *float64 `json:"rerank_score,omitempty"`
	Retrieval     []string `json:"retrieval"`
}

// Embedder produces embedding vectors for texts under a model spec.
type Embedder interface {
	Embed(ctx context.Context, spec string, texts []string, opts llm.ChatOptions) ([][]float64, error)
}

// RankedItem is a reranker verdict for candidate i.
type RankedItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Reranker reorders candidate texts for a query. An error or empty
// slice means the caller keeps its heuristic order.
type Reranker interface {
	Rerank(ctx context.Context, model, query string, candidates []string, topK int) ([]RankedItem, error)
}

// Retriever runs hybrid search over a Store.
type Retriever struct {
	store    *Store
	embedder Embedder
	reranker Reranker
	logger   *slog.Logger

	queryEmbedCache *cache.TTLCache[string, []float64]
	resultCache     *cache.TTLCache[string, []Hit]
}

// NewRetriever wires a retriever. reranker may be nil to disable
// reranking regardless of params.
func NewRetriever(store *Store, embedder Embedder, reranker Reranker, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:           store,
		embedder:        embedder,
		reranker:        reranker,
		logger:          logger.With("component", "kb.retriever"),
		queryEmbedCache: cache.New[string, []float64](queryEmbedCacheSize, queryEmbedCacheTTL),
		resultCache:     cache.New[string, []Hit](resultCacheSize, resultCacheTTL),
	}
}

func normalizeParams(p SearchParams) SearchParams {
	if p.Limit < 1 {
		p.Limit = 1
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Mode == "" {
		p.Mode = ModeHybrid
	}
	if p.SemanticPool <= 0 {
		p.SemanticPool = DefaultSemanticPool
	}
	if p.InitialK <= 0 {
		p.InitialK = p.Limit * 4
		if p.InitialK < 24 {
			p.InitialK = 24
		}
	}
	if p.InitialK < p.Limit {
		p.InitialK = p.Limit
	}
	return p
}

func (p SearchParams) cacheKey(revision int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "q=%s|l=%d|m=%s|em=%s|rr=%t|rm=%s|sp=%d|ik=%d|rev=%d",
		p.Query, p.Limit, p.Mode, p.EmbeddingModel, p.EnableRerank,
		p.RerankModel, p.SemanticPool, p.InitialK, revision)
	fmt.Fprintf(&b, "|a=%s|d=%s|c=%s",
		p.Scope.AgentID,
		strings.Join(p.Scope.DocIDs, ","),
		strings.Join(p.Scope.Categories, ","))
	return b.String()
}

// Search runs the hybrid retrieval algorithm. An empty query returns
// an empty result without touching the store.
func (r *Retriever) Search(ctx context.Context, p SearchParams) ([]Hit, error) {
	if strings.TrimSpace(p.Query) == "" {
		return []Hit{}, nil
	}
	p = normalizeParams(p)

	key := p.cacheKey(r.store.Revision())
	if hits, ok := r.resultCache.Get(key); ok {
		return hits, nil
	}

	merged := make(map[string]*Hit)

	if p.Mode == ModeFTS || p.Mode == ModeHybrid {
		if err := r.searchFTS(ctx, p, merged); err != nil {
			return nil, err
		}
	}
	if (p.Mode == ModeSemantic || p.Mode == ModeHybrid) && p.EmbeddingModel != "" {
		if err := r.searchSemantic(ctx, p, merged); err != nil {
			// Semantic failure degrades a hybrid search to FTS-only.
			if p.Mode == ModeSemantic {
				return nil, err
			}
			r.logger.Warn("semantic search failed, keeping fts results", "error", err)
		}
	}

	hits := make([]Hit, 0, len(merged))
	for _, h := range merged {
		hits = append(hits, *h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return blendedScore(hits[i]) > blendedScore(hits[j])
	})

	pool := p.InitialK
	if six := p.Limit * 6; six > pool {
		pool = six
	}
	if len(hits) > pool {
		hits = hits[:pool]
	}

	hits = r.applyRerank(ctx, p, hits)
	if len(hits) > p.Limit {
		hits = hits[:p.Limit]
	}

	r.resultCache.Set(key, hits)
	return hits, nil
}

func blendedScore(h Hit) float64 {
	return semanticWeight*h.SemanticScore + ftsWeight*ftsQuality(h.FTSScore)
}

// ftsQuality maps a raw BM25 score onto (0,1], higher is better.
func ftsQuality(raw float64) float64 {
	if raw == 0 {
		return 0
	}
	return 1 / (1 + math.Abs(raw))
}

func (r *Retriever) searchFTS(ctx context.Context, p SearchParams, merged map[string]*Hit) error {
	found, err := r.store.Search(ctx, p.Query, p.Scope, p.InitialK)
	if err != nil {
		return fmt.Errorf("fts search: %w", err)
	}
	for _, f := range found {
		merged[f.ChunkID] = &Hit{
			Chunk:     f.Chunk,
			FTSScore:  f.Score,
			Retrieval: []string{"fts"},
		}
	}
	return nil
}

func (r *Retriever) searchSemantic(ctx context.Context, p SearchParams, merged map[string]*Hit) error {
	queryVec, err := r.queryEmbedding(ctx, p.EmbeddingModel, p.Query)
	if err != nil {
		return err
	}

	chunkIDs, err := r.store.ListChunkIDs(ctx, p.Scope, p.SemanticPool)
	if err != nil {
		return fmt.Errorf("list semantic pool: %w", err)
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	top := newTopK(p.InitialK)
	for start := 0; start < len(chunkIDs); start += indexWindowSize {
		end := start + indexWindowSize
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}
		window := chunkIDs[start:end]

		vectors, err := r.store.GetChunkEmbeddings(ctx, window, p.EmbeddingModel)
		if err != nil {
			return err
		}
		missing := make([]string, 0, len(window))
		for _, id := range window {
			if _, ok := vectors[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			backfilled, err := r.backfillEmbeddings(ctx, missing, p.EmbeddingModel, nil)
			if err != nil {
				r.logger.Warn("embedding backfill failed", "count", len(missing), "error", err)
			}
			for id, vec := range backfilled {
				vectors[id] = vec
			}
		}
		for _, id := range window {
			vec, ok := vectors[id]
			if !ok {
				continue
			}
			top.push(scored{chunkID: id, score: cosine(queryVec, vec)})
		}
	}

	best := top.drain()
	ids := make([]string, len(best))
	for i, s := range best {
		ids[i] = s.chunkID
	}
	chunks, err := r.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, s := range best {
		chunk, ok := chunks[s.chunkID]
		if !ok {
			continue
		}
		if h, ok := merged[s.chunkID]; ok {
			h.SemanticScore = s.score
			h.Retrieval = append(h.Retrieval, "semantic")
			continue
		}
		merged[s.chunkID] = &Hit{
			Chunk:         chunk,
			SemanticScore: s.score,
			Retrieval:     []string{"semantic"},
		}
	}
	return nil
}

func (r *Retriever) queryEmbedding(ctx context.Context, model, query string) ([]float64, error) {
	key := model + "\x00" + query
	if vec, ok := r.queryEmbedCache.Get(key); ok {
		return vec, nil
	}
	vectors, err := r.embedder.Embed(ctx, model, []string{query}, llm.ChatOptions{})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vectors))
	}
	r.queryEmbedCache.Set(key, vectors[0])
	return vectors[0], nil
}

// backfillEmbeddings embeds chunks that have no stored vector under the
// model, persisting results as it goes. A nil cancelled callback means
// run to completion.
func (r *Retriever) backfillEmbeddings(ctx context.Context, chunkIDs []string, model string, cancelled func() bool) (map[string][]float64, error) {
	out := make(map[string][]float64, len(chunkIDs))
	chunks, err := r.store.GetChunksByIDs(ctx, chunkIDs)
	if err != nil {
		return out, err
	}

	for start := 0; start < len(chunkIDs); start += embedBatchSize {
		if cancelled != nil && cancelled() {
			return out, nil
		}
		end := start + embedBatchSize
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}
		batchIDs := make([]string, 0, end-start)
		texts := make([]string, 0, end-start)
		for _, id := range chunkIDs[start:end] {
			chunk, ok := chunks[id]
			if !ok {
				continue
			}
			batchIDs = append(batchIDs, id)
			texts = append(texts, chunk.Text)
		}
		if len(texts) == 0 {
			continue
		}
		vectors, err := r.embedder.Embed(ctx, model, texts, llm.ChatOptions{})
		if err != nil {
			return out, fmt.Errorf("embed batch: %w", err)
		}
		if len(vectors) != len(texts) {
			return out, fmt.Errorf("embed batch: expected %d vectors, got %d", len(texts), len(vectors))
		}
		persist := make(map[string][]float64, len(batchIDs))
		for i, id := range batchIDs {
			persist[id] = vectors[i]
			out[id] = vectors[i]
		}
		if _, err := r.store.SetChunkEmbeddings(ctx, persist, model); err != nil {
			return out, err
		}
	}
	return out, nil
}

// IndexResult reports an IndexEmbeddings pass.
type IndexResult struct {
	Scanned   int  `json:"scanned"`
	Embedded  int  `json:"embedded"`
	Cancelled bool `json:"cancelled"`
}

// IndexEmbeddings walks the scope backfilling missing vectors. It
// checks cancelled between windows and between embedding batches.
func (r *Retriever) IndexEmbeddings(ctx context.Context, model string, scope Scope, pool int, cancelled func() bool) (*IndexResult, error) {
	if pool <= 0 {
		pool = DefaultSemanticPool
	}
	chunkIDs, err := r.store.ListChunkIDs(ctx, scope, pool)
	if err != nil {
		return nil, err
	}

	result := &IndexResult{Scanned: len(chunkIDs)}
	for start := 0; start < len(chunkIDs); start += indexWindowSize {
		if cancelled != nil && cancelled() {
			result.Cancelled = true
			return result, nil
		}
		end := start + indexWindowSize
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}
		window := chunkIDs[start:end]

		existing, err := r.store.GetChunkEmbeddings(ctx, window, model)
		if err != nil {
			return result, err
		}
		missing := make([]string, 0, len(window))
		for _, id := range window {
			if _, ok := existing[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			continue
		}
		backfilled, err := r.backfillEmbeddings(ctx, missing, model, cancelled)
		result.Embedded += len(backfilled)
		if err != nil {
			return result, err
		}
		if cancelled != nil && cancelled() {
			result.Cancelled = true
			return result, nil
		}
	}
	return result, nil
}

func (r *Retriever) applyRerank(ctx context.Context, p SearchParams, hits []Hit) []Hit {
	if !p.EnableRerank || p.RerankModel == "" || r.reranker == nil || len(hits) == 0 {
		return hits
	}
	candidates := make([]string, len(hits))
	for i, h := range hits {
		candidates[i] = h.Text
	}
	ranked, err := r.reranker.Rerank(ctx, p.RerankModel, p.Query, candidates, p.Limit)
	if err != nil || len(ranked) == 0 {
		if err != nil {
			r.logger.Warn("rerank failed, falling back to heuristic order", "model", p.RerankModel, "error", err)
		}
		return hits
	}
	out := make([]Hit, 0, len(ranked))
	for _, item := range ranked {
		if item.Index < 0 || item.Index >= len(hits) {
			continue
		}
		h := hits[item.Index]
		score := item.Score
		h.RerankScore = &score
		out = append(out, h)
	}
	if len(out) == 0 {
		return hits
	}
	return out
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type scored struct {
	chunkID string
	score   float64
}

// topK is a size-bounded min-heap so the scorer never materializes the
// full candidate list.
type topK struct {
	items []scored
	limit int
}

func newTopK(limit int) *topK {
	return &topK{items: make([]scored, 0, limit), limit: limit}
}

func (t *topK) Len() int            { return len(t.items) }
func (t *topK) Less(i, j int) bool  { return t.items[i].score < t.items[j].score }
func (t *topK) Swap(i, j int)       { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *topK) Push(x any)          { t.items = append(t.items, x.(scored)) }
func (t *topK) Pop() any {
	last := len(t.items) - 1
	item := t.items[last]
	t.items = t.items[:last]
	return item
}

func (t *topK) push(s scored) {
	if len(t.items) < t.limit {
		heap.Push(t, s)
		return
	}
	if t.limit > 0 && s.score > t.items[0].score {
		t.items[0] = s
		heap.Fix(t, 0)
	}
}

// drain empties the heap, best first.
func (t *topK) drain() []scored {
	out := make([]scored, len(t.items))
	for i := len(t.items) - 1; i >= 0; i-- {
		out[i] = heap.Pop(t).(scored)
	}
	return out
}
