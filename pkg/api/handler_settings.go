package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getSettingsHandler handles GET /api/settings.
func (s *Server) getSettingsHandler(c *gin.Context) {
	settings, err := s.settings.Get()
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// updateSettingsHandler handles POST /api/settings with a partial
// patch keyed by the JSON field names. The job runner picks up the
// new limits immediately.
func (s *Server) updateSettingsHandler(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	settings, err := s.settings.Update(patch)
	if err != nil {
		mapError(c, err)
		return
	}
	if s.runner != nil {
		s.runner.Configure(settings.JobToolLimits, settings.JobDefaultTimeouts)
		s.runner.ConfigureResultTTLs(settings.JobResultTTLs)
	}
	c.JSON(http.StatusOK, settings)
}

// listPluginsHandler handles GET /api/plugins.
func (s *Server) listPluginsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": s.plugins.List()})
}

type patchPluginRequest struct {
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config"`
}

// patchPluginHandler handles POST /api/plugins/:name.
func (s *Server) patchPluginHandler(c *gin.Context) {
	var req patchPluginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	info, err := s.plugins.Patch(c.Param("name"), req.Enabled, req.Config)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
