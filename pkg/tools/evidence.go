package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kb"
)

const evidenceKBTextCap = 900

// evidencePackTool combines a web search with a deterministic FTS-only
// KB lookup scoped to the conversation's bound documents. Embeddings
// and reranking are skipped on purpose so the pack is stable and fast.
func evidencePackTool(c *Context) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (map[string]any, error) {
		query := payloadString(job.Payload, "query")
		if query == "" {
			return toolError("query required"), nil
		}

		var docIDs []string
		if job.ConversationID != "" && c.Conversations != nil {
			docIDs = c.Conversations.KBDocIDs(job.ConversationID)
		}

		maxWeb := clampInt(payloadInt(job.Payload, "max_web_results", 5), 0, 20)
		maxKB := clampInt(payloadInt(job.Payload, "max_kb_chunks", 6), 1, 20)

		if err := progress(0.05); err != nil {
			return nil, err
		}
		web := []WebResult{}
		if maxWeb > 0 {
			results, err := c.Web.Search(ctx, query, maxWeb)
			if err != nil {
				return nil, fmt.Errorf("web search: %w", err)
			}
			web = results
		}
		if err := progress(0.45); err != nil {
			return nil, err
		}

		hits, err := c.KB.Search(ctx, query, kb.Scope{DocIDs: docIDs}, maxKB)
		if err != nil {
			return nil, fmt.Errorf("kb search: %w", err)
		}
		if err := progress(0.85); err != nil {
			return nil, err
		}

		kbItems := make([]map[string]any, 0, len(hits))
		for _, h := range hits {
			kbItems = append(kbItems, map[string]any{
				"chunk_id": h.ChunkID,
				"doc_id":   h.DocID,
				"title":    h.Title,
				"source":   h.Source,
				"score":    h.Score,
				"text":     truncateRunesTo(h.Text, evidenceKBTextCap),
			})
		}

		lines := []string{fmt.Sprintf("证据整理完成：网页 %d 条，KB 片段 %d 条。", len(web), len(kbItems))}
		if len(web) > 0 {
			lines = append(lines, fmt.Sprintf("- Web Top1: %s (%s)", web[0].Title, web[0].URL))
		}
		if len(hits) > 0 {
			lines = append(lines, fmt.Sprintf("- KB Top1: KB[%s] chunk=%s", hits[0].DocID, hits[0].ChunkID))
		}

		if err := progress(1.0); err != nil {
			return nil, err
		}
		scoped := docIDs
		if scoped == nil {
			scoped = []string{}
		}
		return map[string]any{
			"type":           "evidence_pack",
			"summary":        strings.Join(lines, "\n"),
			"query":          query,
			"web":            web,
			"kb":             kbItems,
			"scoped_doc_ids": scoped,
		}, nil
	}
}

func truncateRunesTo(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
