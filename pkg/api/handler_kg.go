package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/council-works/council/pkg/kg"
)

const (
	defaultGraphDataLimit = 500
	interpretDataLimit    = 2000
)

// listGraphsHandler handles GET /api/kg/graphs, optionally filtered by
// ?agent_id=.
func (s *Server) listGraphsHandler(c *gin.Context) {
	graphs, err := s.graphs.ListGraphs(c.Query("agent_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	if graphs == nil {
		graphs = []kg.Graph{}
	}
	c.JSON(http.StatusOK, gin.H{"graphs": graphs})
}

type createGraphRequest struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
}

// createGraphHandler handles POST /api/kg/graphs. An owning agent
// without a graph gets bound to the new one.
func (s *Server) createGraphHandler(c *gin.Context) {
	var req createGraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, "name is required")
		return
	}

	graphID, err := s.graphs.CreateGraph(strings.TrimSpace(req.Name), strings.TrimSpace(req.AgentID))
	if err != nil {
		mapError(c, err)
		return
	}

	if agentID := strings.TrimSpace(req.AgentID); agentID != "" {
		if agent, err := s.agents.Get(agentID); err == nil && agent != nil && agent.GraphID == "" {
			agent.GraphID = graphID
			if _, err := s.agents.Upsert(*agent); err != nil {
				s.logger.Warn("bind graph to agent failed", "agent_id", agentID, "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"graph_id": graphID})
}

// getGraphHandler handles GET /api/kg/graphs/:graph_id with an
// optional ?limit= on rendered nodes.
func (s *Server) getGraphHandler(c *gin.Context) {
	limit := defaultGraphDataLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	data, err := s.graphs.GetGraphData(c.Param("graph_id"), limit)
	if err != nil {
		mapError(c, err)
		return
	}

	resp := gin.H{"graph_id": data.GraphID, "nodes": data.Nodes, "edges": data.Edges}
	if summaries, err := s.graphs.GetCommunitySummaries(c.Param("graph_id")); err == nil && summaries != nil {
		resp["community_summaries"] = summaries
	}
	c.JSON(http.StatusOK, resp)
}

// deleteGraphHandler handles DELETE /api/kg/graphs/:graph_id. Agents
// bound to the deleted graph get unbound.
func (s *Server) deleteGraphHandler(c *gin.Context) {
	graphID := c.Param("graph_id")
	removed, err := s.graphs.DeleteGraph(graphID)
	if err != nil {
		mapError(c, err)
		return
	}
	if !removed {
		notFound(c, "graph not found")
		return
	}

	if agents, err := s.agents.List(); err == nil {
		for _, agent := range agents {
			if agent.GraphID != graphID {
				continue
			}
			agent.GraphID = ""
			if _, err := s.agents.Upsert(agent); err != nil {
				s.logger.Warn("unbind deleted graph failed", "agent_id", agent.ID, "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type kgExtractRequest struct {
	GraphID   string         `json:"graph_id"`
	Text      string         `json:"text"`
	ModelSpec string         `json:"model_spec"`
	Ontology  map[string]any `json:"ontology"`
	AsyncJob  bool           `json:"async_job"`
}

// kgExtractHandler handles POST /api/kg/extract. With async_job the
// work is delegated to a kg_extract job; otherwise extraction runs
// inline, chunk by chunk, so a mid-way failure keeps what landed.
func (s *Server) kgExtractHandler(c *gin.Context) {
	var req kgExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	graphID := strings.TrimSpace(req.GraphID)
	text := strings.TrimSpace(req.Text)
	if graphID == "" || text == "" {
		badRequest(c, "graph_id and text are required")
		return
	}

	if req.AsyncJob {
		if s.runner == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job runner is not available"})
			return
		}
		payload := map[string]any{"graph_id": graphID, "text": text}
		if req.ModelSpec != "" {
			payload["model_spec"] = req.ModelSpec
		}
		if req.Ontology != nil {
			payload["ontology"] = req.Ontology
		}
		job, err := s.runner.CreateAndEnqueue(c.Request.Context(), "kg_extract", payload, "", "", 0, false)
		if err != nil {
			mapError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
		return
	}

	if s.extractor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "extractor is not available"})
		return
	}
	model := strings.TrimSpace(req.ModelSpec)
	if model == "" {
		model = s.agents.ChairmanModel()
	}

	totalEntities := 0
	totalRelations := 0
	chunks := 0
	err := s.extractor.ExtractChunks(c.Request.Context(), model, text, decodeOntology(req.Ontology),
		kg.DefaultExtractTimeout, kg.DefaultChunkSize, kg.DefaultChunkOverlap,
		func(chunk kg.ChunkExtraction) error {
			chunkID := "chunk_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
			if err := s.graphs.UpsertChunk(kg.GraphChunk{
				GraphID: graphID, ChunkID: chunkID, TextPreview: previewRunes(chunk.Text, 300),
			}); err != nil {
				return fmt.Errorf("upsert chunk: %w", err)
			}

			mentioned, _ := kg.ResolveEndpoints(graphID, chunk.Entities, nil)
			entities, relations := kg.ResolveEndpoints(graphID, chunk.Entities, chunk.Relations)
			if len(entities) > 0 {
				if _, err := s.graphs.UpsertEntities(entities); err != nil {
					return fmt.Errorf("upsert entities: %w", err)
				}
			}
			if len(mentioned) > 0 {
				ids := make([]string, 0, len(mentioned))
				for _, ent := range mentioned {
					ids = append(ids, ent.ID)
				}
				if err := s.graphs.LinkMentions(graphID, chunkID, ids); err != nil {
					return fmt.Errorf("link mentions: %w", err)
				}
				totalEntities += len(mentioned)
			}
			if len(relations) > 0 {
				if err := s.graphs.UpsertRelations(relations); err != nil {
					return fmt.Errorf("upsert relations: %w", err)
				}
				totalRelations += len(relations)
			}
			chunks++
			return nil
		})
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"graph_id":  graphID,
		"chunks":    chunks,
		"entities":  totalEntities,
		"relations": totalRelations,
	})
}

// decodeOntology reads a request-supplied ontology, falling back to
// the default when absent or malformed.
func decodeOntology(raw map[string]any) kg.Ontology {
	if raw == nil {
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

func previewRunes(s string, limit int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit])
}

type kgSubgraphRequest struct {
	GraphID    string `json:"graph_id"`
	Query      string `json:"query"`
	LimitNodes int    `json:"limit_nodes"`
}

// kgSubgraphHandler handles POST /api/kg/subgraph.
func (s *Server) kgSubgraphHandler(c *gin.Context) {
	var req kgSubgraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.GraphID) == "" || strings.TrimSpace(req.Query) == "" {
		badRequest(c, "graph_id and query are required")
		return
	}
	limit := req.LimitNodes
	if limit <= 0 {
		limit = 50
	}
	data, err := s.graphs.QuerySubgraph(req.GraphID, req.Query, limit)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

type interpretRequest struct {
	ModelSpec      string `json:"model_spec"`
	MaxNodes       int    `json:"max_nodes"`
	MaxCommunities int    `json:"max_communities"`
}

func (r *interpretRequest) normalize(chairman string) {
	if strings.TrimSpace(r.ModelSpec) == "" {
		r.ModelSpec = chairman
	}
	if r.MaxNodes <= 0 {
		r.MaxNodes = 30
	}
	if r.MaxCommunities <= 0 {
		r.MaxCommunities = 8
	}
}

// interpretProgress receives interpretation milestones; the sync
// handler ignores them while the SSE handler forwards each one.
type interpretProgress func(event string, payload map[string]any)

// interpretGraph runs the two interpretation passes: per-entity
// readings ordered by degree, then per-community theme summaries.
func (s *Server) interpretGraph(c *gin.Context, graphID string, req interpretRequest, emit interpretProgress) (map[string]any, error) {
	data, err := s.graphs.GetGraphData(graphID, interpretDataLimit)
	if err != nil {
		return nil, err
	}
	ctx := c.Request.Context()

	nameByID := make(map[string]string, len(data.Nodes))
	for _, n := range data.Nodes {
		nameByID[n.ID] = n.Name
	}
	neighbors := make(map[string][]string)
	for _, e := range data.Edges {
		if name, ok := nameByID[e.TargetID]; ok {
			neighbors[e.SourceID] = append(neighbors[e.SourceID], name)
		}
		if name, ok := nameByID[e.SourceID]; ok {
			neighbors[e.TargetID] = append(neighbors[e.TargetID], name)
		}
	}

	ranked := kg.NodesByDegree(data.Nodes, data.Edges)
	if len(ranked) > req.MaxNodes {
		ranked = ranked[:req.MaxNodes]
	}
	emit("nodes_start", map[string]any{"total": len(ranked)})

	interpreted := 0
	for i, node := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emit("node_progress", map[string]any{"index": i, "total": len(ranked), "entity": node.Name})

		var previews []string
		if mentions, err := s.graphs.GetEntityMentions(graphID, node.ID, 5); err == nil {
			for _, m := range mentions {
				previews = append(previews, m.TextPreview)
			}
		}
		reading := kg.InterpretEntity(ctx, s.chat, req.ModelSpec, node, neighbors[node.ID], previews)
		if reading == nil {
			continue
		}
		if _, err := s.graphs.SetEntityInterpretation(graphID, node.ID, reading.Summary, reading.KeyFacts, req.ModelSpec); err != nil {
			return nil, err
		}
		interpreted++
		emit("node_done", map[string]any{"entity": node.Name, "summary": reading.Summary})
	}
	emit("nodes_complete", map[string]any{"interpreted": interpreted})

	nodeByID := make(map[string]kg.GraphEntity, len(data.Nodes))
	for _, n := range data.Nodes {
		nodeByID[n.ID] = n
	}
	factsByID := make(map[string][]string)
	for _, e := range data.Edges {
		if e.Fact == "" {
			continue
		}
		factsByID[e.SourceID] = append(factsByID[e.SourceID], e.Fact)
	}

	components := kg.BuildComponents(data.Nodes, data.Edges)
	if len(components) > req.MaxCommunities {
		components = components[:req.MaxCommunities]
	}
	emit("communities_start", map[string]any{"total": len(components)})

	summaries := make([]kg.CommunitySummary, 0, len(components))
	for i, comp := range components {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emit("community_progress", map[string]any{"index": i, "total": len(components), "size": len(comp)})

		entities := make([]kg.GraphEntity, 0, len(comp))
		var facts []string
		for _, id := range comp {
			if node, ok := nodeByID[id]; ok {
				entities = append(entities, node)
			}
			facts = append(facts, factsByID[id]...)
		}
		if summary := kg.SummarizeCommunity(ctx, s.chat, req.ModelSpec, i, entities, facts); summary != nil {
			summaries = append(summaries, *summary)
		}
	}
	if len(summaries) > 0 {
		stored := kg.CommunitySummaries{Summaries: summaries, ModelSpec: req.ModelSpec}
		if _, err := s.graphs.SetCommunitySummaries(graphID, stored); err != nil {
			return nil, err
		}
	}
	emit("communities_complete", map[string]any{"summaries": len(summaries)})

	return map[string]any{
		"graph_id":             graphID,
		"nodes_interpreted":    interpreted,
		"community_summaries":  len(summaries),
		"model":                req.ModelSpec,
		"nodes_considered":     len(ranked),
		"components_considered": len(components),
	}, nil
}

// interpretGraphHandler handles POST /api/kg/graphs/:graph_id/interpret
// synchronously.
func (s *Server) interpretGraphHandler(c *gin.Context) {
	var req interpretRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err.Error())
		return
	}
	req.normalize(s.agents.ChairmanModel())

	result, err := s.interpretGraph(c, c.Param("graph_id"), req, func(string, map[string]any) {})
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// interpretGraphStreamHandler handles
// GET /api/kg/graphs/:graph_id/interpret/stream as server-sent events
// so a frontend can render per-node progress.
func (s *Server) interpretGraphStreamHandler(c *gin.Context) {
	req := interpretRequest{ModelSpec: c.Query("model_spec")}
	if n, err := strconv.Atoi(c.Query("max_nodes")); err == nil {
		req.MaxNodes = n
	}
	if n, err := strconv.Atoi(c.Query("max_communities")); err == nil {
		req.MaxCommunities = n
	}
	req.normalize(s.agents.ChairmanModel())

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	emit := func(event string, payload map[string]any) {
		blob, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, blob)
		c.Writer.Flush()
	}

	emit("start", map[string]any{"graph_id": c.Param("graph_id"), "model": req.ModelSpec})
	result, err := s.interpretGraph(c, c.Param("graph_id"), req, emit)
	if err != nil {
		emit("error", map[string]any{"error": err.Error()})
		return
	}
	emit("complete", result)
}
