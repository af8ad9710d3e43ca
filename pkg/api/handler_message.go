package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/council-works/council/pkg/council"
)

type messageRequest struct {
	Content string `json:"content"`
}

// messageHandler handles POST /api/conversations/:id/message: one full
// deliberation turn, returned as a single JSON payload.
func (s *Server) messageHandler(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		badRequest(c, "content is required")
		return
	}

	result, err := s.engine.RunTurn(c.Request.Context(), c.Param("id"), req.Content, nil)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// messageStreamHandler handles POST /api/conversations/:id/message/stream.
// Each pipeline event goes out as one SSE data frame so the frontend
// can render stages as they land; the final frame carries the turn
// result summary from the engine's own complete event.
func (s *Server) messageStreamHandler(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		badRequest(c, "content is required")
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	emit := func(eventType string, payload map[string]any) {
		blob, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("marshal stream event failed", "event", eventType, "error", err)
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", blob)
		c.Writer.Flush()
	}

	if _, err := s.engine.RunTurn(c.Request.Context(), c.Param("id"), req.Content, emit); err != nil {
		emit("error", map[string]any{"type": "error", "error": err.Error()})
	}
}

// invokeHandler handles POST /api/conversations/:id/invoke: a direct
// single-agent ask or an ad-hoc report, outside the staged pipeline.
func (s *Server) invokeHandler(c *gin.Context) {
	var req council.InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	result, err := s.engine.Invoke(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
