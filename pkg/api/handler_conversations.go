package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/council-works/council/pkg/store"
)

// listConversationsHandler handles GET /api/conversations.
func (s *Server) listConversationsHandler(c *gin.Context) {
	summaries, err := s.convs.List()
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

type createConversationRequest struct {
	ID string `json:"id"`
}

// createConversationHandler handles POST /api/conversations.
func (s *Server) createConversationHandler(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err.Error())
		return
	}
	conv, err := s.convs.Create(strings.TrimSpace(req.ID))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// getConversationHandler handles GET /api/conversations/:id.
func (s *Server) getConversationHandler(c *gin.Context) {
	conv, err := s.convs.Get(c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// deleteConversationHandler handles DELETE /api/conversations/:id.
// The trace file goes with it.
func (s *Server) deleteConversationHandler(c *gin.Context) {
	removed, err := s.convs.Delete(c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	if !removed {
		notFound(c, "conversation not found")
		return
	}
	if s.traces != nil {
		if _, err := s.traces.Delete(c.Param("id")); err != nil {
			s.logger.Warn("delete trace failed", "conversation_id", c.Param("id"), "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type setConversationAgentsRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// setConversationAgentsHandler handles POST /api/conversations/:id/agents.
// Unknown agent ids are rejected up front.
func (s *Server) setConversationAgentsHandler(c *gin.Context) {
	var req setConversationAgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	for _, id := range req.AgentIDs {
		if _, err := s.agents.Get(id); err != nil {
			mapError(c, err)
			return
		}
	}
	if err := s.convs.SetAgents(c.Param("id"), req.AgentIDs); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type setChairmanRequest struct {
	AgentID   string `json:"agent_id"`
	ModelSpec string `json:"model_spec"`
}

// setChairmanHandler handles POST /api/conversations/:id/chairman.
// An agent override wins over a bare model override; either one clears
// the other, and an empty body clears both.
func (s *Server) setChairmanHandler(c *gin.Context) {
	var req setChairmanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id := c.Param("id")
	if agentID := strings.TrimSpace(req.AgentID); agentID != "" {
		if _, err := s.agents.Get(agentID); err != nil {
			mapError(c, err)
			return
		}
		if err := s.convs.SetChairmanAgent(id, agentID); err != nil {
			mapError(c, err)
			return
		}
	} else if spec := strings.TrimSpace(req.ModelSpec); spec != "" {
		if err := s.convs.SetChairmanModel(id, spec); err != nil {
			mapError(c, err)
			return
		}
	} else {
		if err := s.convs.SetChairmanAgent(id, ""); err != nil {
			mapError(c, err)
			return
		}
		if err := s.convs.SetChairmanModel(id, ""); err != nil {
			mapError(c, err)
			return
		}
	}

	conv, err := s.convs.Get(id)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chairman_agent_id": conv.ChairmanAgentID,
		"chairman_model":    conv.ChairmanModel,
	})
}

type setConversationKBDocsRequest struct {
	DocIDs []string `json:"doc_ids"`
}

// setConversationKBDocsHandler handles
// POST /api/conversations/:id/kb/doc_ids. Every id must reference an
// existing KB document.
func (s *Server) setConversationKBDocsHandler(c *gin.Context) {
	var req setConversationKBDocsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if s.kb != nil {
		for _, docID := range req.DocIDs {
			doc, err := s.kb.GetDocument(c.Request.Context(), docID)
			if err != nil {
				mapError(c, err)
				return
			}
			if doc == nil {
				notFound(c, "KB 文档不存在: "+docID)
				return
			}
		}
	}
	if err := s.convs.SetKBDocIDs(c.Param("id"), req.DocIDs); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"doc_ids": s.convs.KBDocIDs(c.Param("id"))})
}

type setReportRequirementsRequest struct {
	Requirements string `json:"requirements"`
}

// setReportRequirementsHandler handles POST /api/conversations/:id/report.
func (s *Server) setReportRequirementsHandler(c *gin.Context) {
	var req setReportRequirementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.convs.SetReportRequirements(c.Param("id"), req.Requirements); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type setDiscussionModeRequest struct {
	Mode   string         `json:"mode"`
	Params map[string]any `json:"params"`
}

// setDiscussionModeHandler handles POST /api/conversations/:id/mode.
func (s *Server) setDiscussionModeHandler(c *gin.Context) {
	var req setDiscussionModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode != store.ModeSerious && mode != store.ModeLively {
		badRequest(c, "mode must be serious or lively")
		return
	}
	if err := s.convs.SetDiscussionMode(c.Param("id"), mode, req.Params); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

// traceHandler handles GET /api/conversations/:id/trace with an
// optional ?limit= on returned events.
func (s *Server) traceHandler(c *gin.Context) {
	if _, err := s.convs.Get(c.Param("id")); err != nil {
		mapError(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.traces.ReadEvents(c.Param("id"), limit)
	if err != nil {
		mapError(c, err)
		return
	}
	if events == nil {
		events = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// exportHandler handles GET /api/conversations/:id/export: the full
// conversation plus trace, roster, and role models in one bundle.
func (s *Server) exportHandler(c *gin.Context) {
	bundle, err := store.Export(s.convs, s.traces, s.agents, c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}
