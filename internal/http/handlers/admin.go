package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/data/repos"
	"github.com/yungbote/ragbridge-backend/internal/graph"
	"github.com/yungbote/ragbridge-backend/internal/http/response"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// AdminHandler exposes the operational surface: cache introspection and
// sweeps, collection/tenant teardown, and the graph insert hook the
// ingestion collaborator calls.
type AdminHandler struct {
	cache     *cache.Cache
	graph     *graph.Manager
	documents repos.DocumentRepo
	chunks    repos.ChunkRepo
	log       *logger.Logger
}

func NewAdminHandler(c *cache.Cache, g *graph.Manager, documents repos.DocumentRepo, chunks repos.ChunkRepo, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		cache:     c,
		graph:     g,
		documents: documents,
		chunks:    chunks,
		log:       log.With("handler", "AdminHandler"),
	}
}

// GET /api/v1/admin/cache/stats
func (h *AdminHandler) CacheStats(c *gin.Context) {
	response.RespondOK(c, h.cache.Stats(c.Request.Context()))
}

// POST /api/v1/admin/cache/invalidate
//
// Sweeps every search cache entry for the authenticated tenant. Embedding
// and reformulation entries are tenant-agnostic and stay.
func (h *AdminHandler) CacheInvalidate(c *gin.Context) {
	tenantID := tenantFrom(c)
	removed, err := h.cache.InvalidateTenant(c.Request.Context(), tenantID.String())
	if err != nil {
		response.RespondErrorStatus(c, http.StatusInternalServerError, "cache_invalidate_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"invalidated": removed})
}

// DELETE /api/v1/admin/collections/:id
//
// Tears down one collection: chunk and document rows, the collection's
// graph, and the tenant's cached search results.
func (h *AdminHandler) DeleteCollection(c *gin.Context) {
	collectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondErrorStatus(c, http.StatusBadRequest, "invalid_collection_id", err)
		return
	}
	tenantID := tenantFrom(c)
	ctx := c.Request.Context()
	dbc := dbctx.Scope{Ctx: ctx}

	chunksRemoved, err := h.chunks.DeleteByCollection(dbc, tenantID, collectionID)
	if err != nil {
		response.RespondErrorStatus(c, http.StatusInternalServerError, "delete_chunks_failed", err)
		return
	}
	docsRemoved, err := h.documents.DeleteByCollection(dbc, tenantID, collectionID)
	if err != nil {
		response.RespondErrorStatus(c, http.StatusInternalServerError, "delete_documents_failed", err)
		return
	}
	if err := h.graph.DeleteCollection(ctx, tenantID, collectionID); err != nil {
		// Rows are gone; report the partial teardown instead of pretending.
		h.log.Error("collection graph teardown failed",
			"tenant_id", tenantID, "collection_id", collectionID, "error", err)
		response.RespondErrorStatus(c, http.StatusInternalServerError, "delete_graph_failed", err)
		return
	}
	if removed, err := h.cache.InvalidateTenant(ctx, tenantID.String()); err != nil {
		h.log.Warn("cache sweep after collection delete failed", "tenant_id", tenantID, "error", err)
	} else {
		h.log.Debug("cache swept", "tenant_id", tenantID, "keys", removed)
	}

	response.RespondOK(c, gin.H{
		"deleted":           true,
		"collection_id":     collectionID,
		"chunks_removed":    chunksRemoved,
		"documents_removed": docsRemoved,
	})
}

// DELETE /api/v1/admin/tenant
//
// Removes every graph the tenant owns and sweeps its cached results.
// Relational rows stay with their collections.
func (h *AdminHandler) DeleteTenant(c *gin.Context) {
	tenantID := tenantFrom(c)
	ctx := c.Request.Context()

	if err := h.graph.DeleteTenant(ctx, tenantID); err != nil {
		response.RespondErrorStatus(c, http.StatusInternalServerError, "delete_tenant_graphs_failed", err)
		return
	}
	if _, err := h.cache.InvalidateTenant(ctx, tenantID.String()); err != nil {
		h.log.Warn("cache sweep after tenant delete failed", "tenant_id", tenantID, "error", err)
	}
	response.RespondOK(c, gin.H{"deleted": true, "tenant_id": tenantID})
}

type graphInsertReq struct {
	CollectionID uuid.UUID         `json:"collection_id"`
	DocumentID   string            `json:"document_id"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// POST /api/v1/admin/graph/insert
//
// Ingestion hook: feeds one processed document into the scope's knowledge
// graph. The ingestion pipeline itself lives outside this service.
func (h *AdminHandler) GraphInsert(c *gin.Context) {
	var req graphInsertReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondErrorStatus(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.CollectionID == uuid.Nil {
		response.RespondErrorStatus(c, http.StatusBadRequest, "missing_collection_id", errors.New("collection_id is required"))
		return
	}
	if strings.TrimSpace(req.DocumentID) == "" || strings.TrimSpace(req.Content) == "" {
		response.RespondErrorStatus(c, http.StatusBadRequest, "missing_document", errors.New("document_id and content are required"))
		return
	}
	if !h.graph.Enabled() {
		response.RespondErrorStatus(c, http.StatusBadRequest, "graph_disabled", errors.New("knowledge graph is not enabled"))
		return
	}

	tenantID := tenantFrom(c)
	if err := h.graph.Insert(c.Request.Context(), tenantID, req.CollectionID, req.DocumentID, req.Content, req.Metadata); err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"inserted": true, "document_id": req.DocumentID})
}
