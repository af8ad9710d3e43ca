package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/council-works/council/pkg/kg"
	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
)

const personaTimeout = 60 * time.Second

// statusHandler handles GET /api/status.
func (s *Server) statusHandler(c *gin.Context) {
	providers := map[string]bool{}
	for _, p := range llm.Providers {
		providers[string(p)] = s.chat.KeyConfigured(p) == llm.KeyConfigured
	}

	resp := gin.H{
		"status":    "ok",
		"providers": providers,
	}
	if s.runner != nil {
		resp["jobs"] = s.runner.Status()
	}
	if s.graphs != nil {
		_, unconfigured := s.graphs.(kg.UnconfiguredStore)
		resp["graph_configured"] = !unconfigured
	}
	c.JSON(http.StatusOK, resp)
}

// listAgentsHandler handles GET /api/agents.
func (s *Server) listAgentsHandler(c *gin.Context) {
	agents, err := s.agents.List()
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type upsertAgentRequest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	ModelSpec       string   `json:"model_spec"`
	Enabled         *bool    `json:"enabled"`
	Persona         string   `json:"persona"`
	InfluenceWeight *float64 `json:"influence_weight"`
	SeniorityYears  int      `json:"seniority_years"`
	KBDocIDs        []string `json:"kb_doc_ids"`
	KBCategories    []string `json:"kb_categories"`
	GraphID         string   `json:"graph_id"`
}

// upsertAgentHandler handles POST /api/agents.
func (s *Server) upsertAgentHandler(c *gin.Context) {
	var req upsertAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.ModelSpec) == "" {
		badRequest(c, "id and model_spec are required")
		return
	}

	agent := store.AgentConfig{
		ID:             strings.TrimSpace(req.ID),
		Name:           strings.TrimSpace(req.Name),
		ModelSpec:      strings.TrimSpace(req.ModelSpec),
		Enabled:        true,
		Persona:        req.Persona,
		SeniorityYears: req.SeniorityYears,
		KBDocIDs:       req.KBDocIDs,
		KBCategories:   req.KBCategories,
		GraphID:        strings.TrimSpace(req.GraphID),
	}
	if req.Enabled != nil {
		agent.Enabled = *req.Enabled
	}
	agent.InfluenceWeight = 1.0
	if req.InfluenceWeight != nil {
		agent.InfluenceWeight = *req.InfluenceWeight
	}
	if agent.SeniorityYears < 0 {
		agent.SeniorityYears = 0
	}

	// A brand-new agent without a graph binds to the first graph that
	// already belongs to it, if any.
	if agent.GraphID == "" && s.graphs != nil {
		if graphs, err := s.graphs.ListGraphs(agent.ID); err == nil && len(graphs) > 0 {
			agent.GraphID = graphs[0].GraphID
		}
	}

	saved, err := s.agents.Upsert(agent)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// deleteAgentHandler handles DELETE /api/agents/:id.
func (s *Server) deleteAgentHandler(c *gin.Context) {
	removed, err := s.agents.Delete(c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	if !removed {
		notFound(c, "agent not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// getModelsHandler handles GET /api/agents/models.
func (s *Server) getModelsHandler(c *gin.Context) {
	roles, err := s.agents.Models()
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, roles)
}

type setModelsRequest struct {
	ChairmanModel *string `json:"chairman_model"`
	TitleModel    *string `json:"title_model"`
}

// setModelsHandler handles POST /api/agents/models.
func (s *Server) setModelsHandler(c *gin.Context) {
	var req setModelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	roles, err := s.agents.SetModels(req.ChairmanModel, req.TitleModel)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, roles)
}

type generatePersonaRequest struct {
	Name     string `json:"name"`
	Keywords string `json:"keywords"`
}

// generatePersonaHandler handles POST /api/agents/persona/generate:
// one chairman-model call that writes a persona draft for an agent.
func (s *Server) generatePersonaHandler(c *gin.Context) {
	var req generatePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, "name is required")
		return
	}

	spec := s.agents.ChairmanModel()
	system := "你是“专家人设撰写员”。请为一位专家委员会成员撰写人设（persona）。\n" +
		"要求：\n" +
		"- 使用简体中文，第二人称（“你是……”开头）\n" +
		"- 包含专业背景、擅长领域、思考与表达风格\n" +
		"- 120~300 字，不要列表，不要标题，只输出人设正文\n"
	user := "专家名称：" + strings.TrimSpace(req.Name)
	if kw := strings.TrimSpace(req.Keywords); kw != "" {
		user += "\n关键词：" + kw
	}

	resp, err := s.chat.Chat(c.Request.Context(), spec, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.ChatOptions{Timeout: personaTimeout, Silent: true})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "persona generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"persona": strings.TrimSpace(resp.Content), "model": spec})
}
