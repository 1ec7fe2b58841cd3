package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/http/response"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/retrieval"
)

// Retriever is the retrieval seam the handler depends on.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID uuid.UUID, req retrieval.Request) (*retrieval.Response, error)
}

type RetrieveHandler struct {
	retriever Retriever
	log       *logger.Logger
}

func NewRetrieveHandler(retriever Retriever, log *logger.Logger) *RetrieveHandler {
	return &RetrieveHandler{retriever: retriever, log: log.With("handler", "RetrieveHandler")}
}

// retrieveReq is the wire shape. Pointer booleans distinguish "absent"
// (documented default true) from an explicit false.
type retrieveReq struct {
	Query          string            `json:"query"`
	Mode           string            `json:"mode"`
	TopK           int               `json:"top_k"`
	CollectionID   *uuid.UUID        `json:"collection_id,omitempty"`
	DocumentType   string            `json:"document_type,omitempty"`
	MetadataFilter map[string]string `json:"metadata_filter,omitempty"`

	Rerank        *bool `json:"rerank,omitempty"`
	EnableGraph   *bool `json:"enable_graph,omitempty"`
	Hierarchical  *bool `json:"hierarchical,omitempty"`
	ExpandContext *bool `json:"expand_context,omitempty"`
}

func (r *retrieveReq) toRequest() retrieval.Request {
	mode := strings.TrimSpace(r.Mode)
	if mode == "" {
		mode = domain.ModeHybrid
	}
	topK := r.TopK
	if topK == 0 {
		topK = 10
	}
	return retrieval.Request{
		Query:          r.Query,
		Mode:           mode,
		TopK:           topK,
		CollectionID:   r.CollectionID,
		DocumentType:   r.DocumentType,
		MetadataFilter: r.MetadataFilter,
		Rerank:         orDefault(r.Rerank, true),
		EnableGraph:    orDefault(r.EnableGraph, true),
		Hierarchical:   orDefault(r.Hierarchical, true),
		ExpandContext:  orDefault(r.ExpandContext, true),
	}
}

// POST /api/v1/retrieve
func (h *RetrieveHandler) Retrieve(c *gin.Context) {
	var req retrieveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondErrorStatus(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	resp, err := h.retriever.Retrieve(c.Request.Context(), tenantFrom(c), req.toRequest())
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, resp)
}

func orDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
