package tools

import (
	"context"
	"fmt"

	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kb"
)

// kbIndexTool backfills embeddings for the scoped slice of the KB.
// Cancellation is polled between windows via the progress callback.
func kbIndexTool(c *Context) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (map[string]any, error) {
		model := payloadString(job.Payload, "embedding_model")
		if model == "" && c.Settings != nil {
			model = c.Settings.KBEmbeddingModel()
		}
		if model == "" {
			return toolError("KB embedding model not configured"), nil
		}

		scope := kb.Scope{
			AgentID:    payloadString(job.Payload, "agent_id"),
			DocIDs:     payloadStrings(job.Payload, "doc_ids"),
			Categories: payloadStrings(job.Payload, "categories"),
		}
		pool := payloadInt(job.Payload, "pool", 5000)

		if err := progress(0.1); err != nil {
			return nil, err
		}
		out, err := c.Retriever.IndexEmbeddings(ctx, model, scope, pool, func() bool {
			return ctx.Err() != nil
		})
		if err != nil {
			return nil, fmt.Errorf("index embeddings: %w", err)
		}
		if out.Cancelled {
			return nil, jobs.ErrCancelled
		}
		if err := progress(1.0); err != nil {
			return nil, err
		}
		return map[string]any{
			"type":    "kb_index",
			"summary": fmt.Sprintf("知识库 embedding 已完成：indexed=%d / total=%d（model=%s）", out.Embedded, out.Scanned, model),
			"data":    out,
		}, nil
	}
}
