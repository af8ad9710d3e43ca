package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/council-works/council/pkg/kb"
)

func (s *Server) kbUnavailable(c *gin.Context) bool {
	if s.kb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge base is not available"})
		return true
	}
	return false
}

// listKBDocumentsHandler handles GET /api/kb/documents.
func (s *Server) listKBDocumentsHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	docs, err := s.kb.ListDocuments(c.Request.Context())
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

type addKBDocumentRequest struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Source          string   `json:"source"`
	Text            string   `json:"text"`
	Categories      []string `json:"categories"`
	AgentIDs        []string `json:"agent_ids"`
	IndexEmbeddings bool     `json:"index_embeddings"`
}

func (s *Server) addKBDocument(c *gin.Context, req addKBDocumentRequest) (map[string]any, bool) {
	if strings.TrimSpace(req.Text) == "" {
		badRequest(c, "text is required")
		return nil, false
	}
	result, err := s.kb.AddDocument(c.Request.Context(), kb.Document{
		ID:         strings.TrimSpace(req.ID),
		Title:      strings.TrimSpace(req.Title),
		Source:     strings.TrimSpace(req.Source),
		Text:       req.Text,
		Categories: req.Categories,
		AgentIDs:   req.AgentIDs,
	})
	if err != nil {
		mapError(c, err)
		return nil, false
	}

	out := map[string]any{"doc_id": result.DocID, "chunks": result.Chunks}
	if req.IndexEmbeddings && s.retriever != nil {
		if model := s.settings.KBEmbeddingModel(); model != "" {
			idx, err := s.retriever.IndexEmbeddings(c.Request.Context(), model,
				kb.Scope{DocIDs: []string{result.DocID}}, s.indexPool(), nil)
			if err != nil {
				out["index_error"] = err.Error()
			} else {
				out["index"] = idx
			}
		}
	}
	return out, true
}

// indexPool sizes the chunk scan for embedding backfill well above
// the retrieval-time pool so whole documents get covered.
func (s *Server) indexPool() int {
	pool := s.settings.KBSemanticPool() * 10
	if pool < 5000 {
		pool = 5000
	}
	return pool
}

// addKBDocumentHandler handles POST /api/kb/documents.
func (s *Server) addKBDocumentHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	var req addKBDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	out, ok := s.addKBDocument(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, out)
}

type batchKBDocumentsRequest struct {
	Documents []addKBDocumentRequest `json:"documents"`
}

// batchKBDocumentsHandler handles POST /api/kb/documents/batch.
func (s *Server) batchKBDocumentsHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	var req batchKBDocumentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.Documents) == 0 {
		badRequest(c, "documents is empty")
		return
	}

	results := make([]map[string]any, 0, len(req.Documents))
	for _, doc := range req.Documents {
		if strings.TrimSpace(doc.Text) == "" {
			results = append(results, map[string]any{"error": "text is required"})
			continue
		}
		added, err := s.kb.AddDocument(c.Request.Context(), kb.Document{
			ID:         strings.TrimSpace(doc.ID),
			Title:      strings.TrimSpace(doc.Title),
			Source:     strings.TrimSpace(doc.Source),
			Text:       doc.Text,
			Categories: doc.Categories,
			AgentIDs:   doc.AgentIDs,
		})
		if err != nil {
			results = append(results, map[string]any{"error": err.Error()})
			continue
		}
		results = append(results, map[string]any{"doc_id": added.DocID, "chunks": added.Chunks})
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// getKBDocumentHandler handles GET /api/kb/documents/:doc_id.
func (s *Server) getKBDocumentHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	doc, err := s.kb.GetDocument(c.Request.Context(), c.Param("doc_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	if doc == nil {
		notFound(c, "document not found")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// deleteKBDocumentHandler handles DELETE /api/kb/documents/:doc_id.
func (s *Server) deleteKBDocumentHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	removed, err := s.kb.DeleteDocument(c.Request.Context(), c.Param("doc_id"))
	if err != nil {
		mapError(c, err)
		return
	}
	if !removed {
		notFound(c, "document not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type setDocAgentsRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// setKBDocumentAgentsHandler handles POST /api/kb/documents/:doc_id/agents.
func (s *Server) setKBDocumentAgentsHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	var req setDocAgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	updated, err := s.kb.SetDocumentAgents(c.Request.Context(), c.Param("doc_id"), req.AgentIDs)
	if err != nil {
		mapError(c, err)
		return
	}
	if !updated {
		notFound(c, "document not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type setDocCategoriesRequest struct {
	Categories []string `json:"categories"`
}

// setKBDocumentCategoriesHandler handles POST /api/kb/documents/:doc_id/categories.
func (s *Server) setKBDocumentCategoriesHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	var req setDocCategoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	updated, err := s.kb.SetDocumentCategories(c.Request.Context(), c.Param("doc_id"), req.Categories)
	if err != nil {
		mapError(c, err)
		return
	}
	if !updated {
		notFound(c, "document not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type kbIndexRequest struct {
	DocIDs     []string `json:"doc_ids"`
	AgentID    string   `json:"agent_id"`
	Categories []string `json:"categories"`
	Model      string   `json:"model"`
}

// kbIndexHandler handles POST /api/kb/index: a synchronous embedding
// backfill over the given scope. Long scopes belong in a kb_index job.
func (s *Server) kbIndexHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	if s.retriever == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retriever is not available"})
		return
	}
	var req kbIndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.settings.KBEmbeddingModel()
	}
	if model == "" {
		badRequest(c, "no embedding model configured")
		return
	}

	scope := kb.Scope{DocIDs: req.DocIDs, AgentID: req.AgentID, Categories: req.Categories}
	result, err := s.retriever.IndexEmbeddings(c.Request.Context(), model, scope, s.indexPool(), nil)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type kbSearchRequest struct {
	Query      string   `json:"query"`
	DocIDs     []string `json:"doc_ids"`
	AgentID    string   `json:"agent_id"`
	Categories []string `json:"categories"`
	Limit      int      `json:"limit"`
	Mode       string   `json:"mode"`
}

// kbSearchHandler handles POST /api/kb/search with the settings-level
// retrieval defaults; the request can narrow scope, limit, and mode.
func (s *Server) kbSearchHandler(c *gin.Context) {
	if s.kbUnavailable(c) {
		return
	}
	if s.retriever == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retriever is not available"})
		return
	}
	var req kbSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusOK, gin.H{"hits": []kb.Hit{}})
		return
	}

	settings, err := s.settings.Get()
	if err != nil {
		mapError(c, err)
		return
	}
	mode := settings.KBRetrievalMode
	if req.Mode != "" {
		mode = req.Mode
	}
	rerankModel := settings.KBRerankModel
	if rerankModel == "" {
		rerankModel = s.agents.ChairmanModel()
	}

	hits, err := s.retriever.Search(c.Request.Context(), kb.SearchParams{
		Query:          req.Query,
		Scope:          kb.Scope{DocIDs: req.DocIDs, AgentID: req.AgentID, Categories: req.Categories},
		Limit:          req.Limit,
		Mode:           kb.SearchMode(mode),
		EmbeddingModel: settings.KBEmbeddingModel,
		EnableRerank:   settings.KBEnableRerank,
		RerankModel:    rerankModel,
		SemanticPool:   settings.KBSemanticPool,
		InitialK:       settings.KBInitialK,
	})
	if err != nil {
		mapError(c, err)
		return
	}
	if hits == nil {
		hits = []kb.Hit{}
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits})
}
