// Package api is the HTTP surface of the council service: a gin
// router over the stores, the knowledge base, the graph store, the
// job runner, and the deliberation engine. Handlers stay thin and
// map collaborator errors through mapError.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/council-works/council/pkg/council"
	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/kg"
	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
)

// ChatGateway is the LLM slice the handlers call directly (persona
// generation, graph interpretation, key probing).
type ChatGateway interface {
	Chat(ctx context.Context, spec string, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResult, error)
	KeyConfigured(provider llm.Provider) llm.KeyStatus
}

// Deps are the server's collaborators. Engine and the file stores are
// required; KB, Graphs, Extractor and Runner degrade per endpoint.
type Deps struct {
	Engine    *council.Engine
	Chat      ChatGateway
	Agents    *store.Agents
	Convs     *store.Conversations
	Settings  *store.SettingsStore
	Plugins   *store.Plugins
	Traces    *store.TraceSink
	KB        *kb.Store
	Retriever *kb.Retriever
	Graphs    kg.Store
	Extractor *kg.Extractor
	Runner    *jobs.Runner
	Jobs      *jobs.Store
	Logger    *slog.Logger
}

// Server carries the handler state.
type Server struct {
	engine    *council.Engine
	chat      ChatGateway
	agents    *store.Agents
	convs     *store.Conversations
	settings  *store.SettingsStore
	plugins   *store.Plugins
	traces    *store.TraceSink
	kb        *kb.Store
	retriever *kb.Retriever
	graphs    kg.Store
	extractor *kg.Extractor
	runner    *jobs.Runner
	jobs      *jobs.Store
	logger    *slog.Logger

	jobSubOnce sync.Once
	jobSubsMu  sync.Mutex
	jobSubs    map[chan *jobs.Job]struct{}
}

// NewServer wires the server from its collaborators.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    deps.Engine,
		chat:      deps.Chat,
		agents:    deps.Agents,
		convs:     deps.Convs,
		settings:  deps.Settings,
		plugins:   deps.Plugins,
		traces:    deps.Traces,
		kb:        deps.KB,
		retriever: deps.Retriever,
		graphs:    deps.Graphs,
		extractor: deps.Extractor,
		runner:    deps.Runner,
		jobs:      deps.Jobs,
		logger:    logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsLocalhost(), s.requestLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v := r.Group("/api")
	{
		v.GET("/status", s.statusHandler)

		v.GET("/agents", s.listAgentsHandler)
		v.POST("/agents", s.upsertAgentHandler)
		v.DELETE("/agents/:id", s.deleteAgentHandler)
		v.GET("/agents/models", s.getModelsHandler)
		v.POST("/agents/models", s.setModelsHandler)
		v.POST("/agents/persona/generate", s.generatePersonaHandler)

		v.GET("/settings", s.getSettingsHandler)
		v.POST("/settings", s.updateSettingsHandler)

		v.GET("/plugins", s.listPluginsHandler)
		v.POST("/plugins/:name", s.patchPluginHandler)

		kbGroup := v.Group("/kb")
		{
			kbGroup.GET("/documents", s.listKBDocumentsHandler)
			kbGroup.POST("/documents", s.addKBDocumentHandler)
			// The batch route must not be captured by :doc_id.
			kbGroup.POST("/documents/batch", s.batchKBDocumentsHandler)
			kbGroup.GET("/documents/:doc_id", s.getKBDocumentHandler)
			kbGroup.DELETE("/documents/:doc_id", s.deleteKBDocumentHandler)
			kbGroup.POST("/documents/:doc_id/agents", s.setKBDocumentAgentsHandler)
			kbGroup.POST("/documents/:doc_id/categories", s.setKBDocumentCategoriesHandler)
			kbGroup.POST("/index", s.kbIndexHandler)
			kbGroup.POST("/search", s.kbSearchHandler)
		}

		kgGroup := v.Group("/kg")
		{
			kgGroup.GET("/graphs", s.listGraphsHandler)
			kgGroup.POST("/graphs", s.createGraphHandler)
			kgGroup.GET("/graphs/:graph_id", s.getGraphHandler)
			kgGroup.DELETE("/graphs/:graph_id", s.deleteGraphHandler)
			kgGroup.POST("/graphs/:graph_id/interpret", s.interpretGraphHandler)
			kgGroup.GET("/graphs/:graph_id/interpret/stream", s.interpretGraphStreamHandler)
			kgGroup.POST("/extract", s.kgExtractHandler)
			kgGroup.POST("/subgraph", s.kgSubgraphHandler)
		}

		conv := v.Group("/conversations")
		{
			conv.GET("", s.listConversationsHandler)
			conv.POST("", s.createConversationHandler)
			conv.GET("/:id", s.getConversationHandler)
			conv.DELETE("/:id", s.deleteConversationHandler)
			conv.POST("/:id/agents", s.setConversationAgentsHandler)
			conv.POST("/:id/chairman", s.setChairmanHandler)
			conv.POST("/:id/kb/doc_ids", s.setConversationKBDocsHandler)
			conv.POST("/:id/report", s.setReportRequirementsHandler)
			conv.POST("/:id/mode", s.setDiscussionModeHandler)
			conv.GET("/:id/trace", s.traceHandler)
			conv.GET("/:id/export", s.exportHandler)
			conv.POST("/:id/message", s.messageHandler)
			conv.POST("/:id/message/stream", s.messageStreamHandler)
			conv.POST("/:id/invoke", s.invokeHandler)
		}

		v.POST("/jobs", s.createJobHandler)
		v.GET("/jobs", s.listJobsHandler)
		// The events route must not be captured by :id.
		v.GET("/jobs/events", s.jobEventsHandler)
		v.GET("/jobs/:id", s.getJobHandler)
		v.POST("/jobs/:id/cancel", s.cancelJobHandler)
	}

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			s.logger.Error("request failed",
				"method", c.Request.Method, "path", c.Request.URL.Path, "status", status)
		}
	}
}
