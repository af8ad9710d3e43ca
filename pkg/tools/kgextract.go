package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kg"
)

// kgExtractTool runs chunked extraction over the payload text and
// upserts the result into the named graph, one chunk at a time so a
// cancellation mid-way keeps the chunks already landed.
func kgExtractTool(c *Context) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (map[string]any, error) {
		graphID := payloadString(job.Payload, "graph_id")
		text := strings.TrimSpace(payloadString(job.Payload, "text"))
		if graphID == "" || text == "" {
			return toolError("graph_id/text required"), nil
		}

		model := payloadString(job.Payload, "model_spec")
		if model == "" && c.Models != nil {
			model = c.Models.ChairmanModel()
		}
		ontology := payloadOntology(job.Payload)

		if err := progress(0.05); err != nil {
			return nil, err
		}

		total := len(kg.SplitText(text, kg.DefaultChunkSize, kg.DefaultChunkOverlap))
		if total == 0 {
			total = 1
		}
		totalEntities := 0
		totalRelations := 0

		err := c.Extractor.ExtractChunks(ctx, model, text, ontology, kg.DefaultExtractTimeout,
			kg.DefaultChunkSize, kg.DefaultChunkOverlap, func(chunk kg.ChunkExtraction) error {
				chunkID := "chunk_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
				if err := c.Graphs.UpsertChunk(kg.GraphChunk{
					GraphID: graphID, ChunkID: chunkID, TextPreview: truncateRunesTo(chunk.Text, 300),
				}); err != nil {
					return fmt.Errorf("upsert chunk: %w", err)
				}

				// mention links only point at entities the extractor named;
				// placeholder endpoints carry no textual evidence
				mentioned, _ := kg.ResolveEndpoints(graphID, chunk.Entities, nil)
				entities, relations := kg.ResolveEndpoints(graphID, chunk.Entities, chunk.Relations)

				if len(entities) > 0 {
					if _, err := c.Graphs.UpsertEntities(entities); err != nil {
						return fmt.Errorf("upsert entities: %w", err)
					}
				}
				if len(mentioned) > 0 {
					ids := make([]string, 0, len(mentioned))
					for _, ent := range mentioned {
						ids = append(ids, ent.ID)
					}
					if err := c.Graphs.LinkMentions(graphID, chunkID, ids); err != nil {
						return fmt.Errorf("link mentions: %w", err)
					}
					totalEntities += len(mentioned)
				}
				if len(relations) > 0 {
					if err := c.Graphs.UpsertRelations(relations); err != nil {
						return fmt.Errorf("upsert relations: %w", err)
					}
					totalRelations += len(relations)
				}
				return progress(0.05 + 0.9*float64(chunk.Index+1)/float64(total))
			})
		if err != nil {
			return nil, err
		}

		if err := progress(1.0); err != nil {
			return nil, err
		}
		return map[string]any{
			"type":      "kg_extract",
			"summary":   fmt.Sprintf("图谱抽取完成：graph_id=%s，entities≈%d，relations≈%d", graphID, totalEntities, totalRelations),
			"graph_id":  graphID,
			"entities":  totalEntities,
			"relations": totalRelations,
		}, nil
	}
}

// payloadOntology decodes a custom ontology from the payload, falling
// back to the default when absent or malformed.
func payloadOntology(payload map[string]any) kg.Ontology {
	raw, ok := payload["ontology"]
	if !ok || raw == nil {
		return kg.DefaultOntology()
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return kg.DefaultOntology()
	}
	var ont kg.Ontology
	if err := json.Unmarshal(blob, &ont); err != nil || len(ont.EntityTypes) == 0 {
		return kg.DefaultOntology()
	}
	return ont
}
