package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/council-works/council/pkg/council"
	"github.com/council-works/council/pkg/kg"
	"github.com/council-works/council/pkg/store"
)

// mapError maps collaborator errors to HTTP error responses. Unknown
// errors become opaque 500s so internals never leak to clients.
func mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrBadConversationID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, kg.ErrUnconfigured):
		c.JSON(http.StatusBadRequest, gin.H{"error": "knowledge graph store is not configured"})
	case errors.Is(err, council.ErrUnknownInvokeMode),
		errors.Is(err, council.ErrNoReportMaterial):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, council.ErrAgentNoResponse):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		slog.Error("unexpected handler error", "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": msg})
}
