package domain

// Transient retrieval shapes. These are response- and cache-facing, so ids
// travel as strings: database hits carry uuid text, cached or graph-derived
// entries may carry ids minted elsewhere.

// Search modes accepted by the retrieve and chat APIs. Semantic, keyword and
// hybrid run against Postgres; graph routes the query through the knowledge
// graph for the (tenant, collection) scope.
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
	ModeHybrid   = "hybrid"
	ModeGraph    = "graph"
)

func ValidMode(mode string) bool {
	switch mode {
	case ModeSemantic, ModeKeyword, ModeHybrid, ModeGraph:
		return true
	}
	return false
}

type DocumentRef struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
}

// ContextWindow describes the neighbor range merged into a hit's
// expanded content.
type ContextWindow struct {
	OriginalIndex int `json:"original_index"`
	StartIndex    int `json:"start_index"`
	EndIndex      int `json:"end_index"`
	ChunksMerged  int `json:"chunks_merged"`
}

type Hit struct {
	ChunkID     string   `json:"chunk_id"`
	Content     string   `json:"content"`
	ChunkIndex  int      `json:"chunk_index"`
	Score       float64  `json:"score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`

	Metadata      map[string]any `json:"metadata,omitempty"`
	ChunkMetadata map[string]any `json:"chunk_metadata,omitempty"`

	Document     DocumentRef `json:"document"`
	CollectionID string      `json:"collection_id,omitempty"`

	ExpandedContent string         `json:"expanded_content,omitempty"`
	ContextWindow   *ContextWindow `json:"context_window,omitempty"`
}

// GraphSourced reports whether the hit was appended by graph fusion rather
// than produced by base search.
func (h *Hit) GraphSourced() bool {
	if h.Metadata == nil {
		return false
	}
	v, ok := h.Metadata["graph_sourced"].(bool)
	return ok && v
}

// BestScore prefers the reranker's judgment when present.
func (h *Hit) BestScore() float64 {
	if h.RerankScore != nil {
		return *h.RerankScore
	}
	return h.Score
}

// SourceReference is the response-facing projection of a hit.
type SourceReference struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// GraphReference points at an entity or relation that grounded a graph
// answer. ID may be empty when the engine has no stable identifier; the
// chat layer mints one before the reference reaches a client.
type GraphReference struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
}

// GraphContext is what a graph query contributes to retrieval: a synthesized
// narrative, the chunks that ground it, and the entities/relations it rests
// on.
type GraphContext struct {
	Narrative  string           `json:"narrative"`
	Chunks     []Hit            `json:"chunks,omitempty"`
	References []GraphReference `json:"references,omitempty"`
}
