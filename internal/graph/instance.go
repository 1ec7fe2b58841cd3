package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/embed"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
	"github.com/yungbote/ragbridge-backend/internal/rerank"
)

// Query modes supported by an instance.
const (
	QueryModeNaive  = "naive"
	QueryModeLocal  = "local"
	QueryModeGlobal = "global"
	QueryModeHybrid = "hybrid"
)

func ValidQueryMode(mode string) bool {
	switch mode {
	case QueryModeNaive, QueryModeLocal, QueryModeGlobal, QueryModeHybrid:
		return true
	}
	return false
}

const (
	graphChunkRunes   = 4800
	graphChunkOverlap = 600
	extractWorkers    = 4
	neighborDecay     = 0.5
	maxNarrativeChars = 9000
)

// registryEntry records a document the instance has indexed. The registry
// lives inside the working directory so deleting the directory forgets the
// documents with it.
type registryEntry struct {
	DocID      string            `json:"doc_id"`
	FilePath   string            `json:"file_path,omitempty"`
	Title      string            `json:"title,omitempty"`
	Chunks     int               `json:"chunks"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	InsertedAt time.Time         `json:"inserted_at"`
}

// Instance serves one (tenant, collection) scope. Retrieval knobs are fixed
// at construction; a config change requires a rebuild through the manager.
type Instance struct {
	scope      scope
	workingDir string
	generation uint64

	topK          int
	chunkTopK     int
	rerankEnabled bool

	client   *Neo4jClient
	llm      openai.Client
	embedder *embed.Service
	reranker *rerank.Service
	log      *logger.Logger

	mu        sync.Mutex
	registry  map[string]registryEntry
	dirty     bool
	finalized bool
}

func newInstance(sc scope, workingDir string, generation uint64, cfgTopK, cfgChunkTopK int, rerankEnabled bool, client *Neo4jClient, llm openai.Client, embedder *embed.Service, reranker *rerank.Service, log *logger.Logger) (*Instance, error) {
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("graph: create working dir: %w", err)
	}
	inst := &Instance{
		scope:         sc,
		workingDir:    workingDir,
		generation:    generation,
		topK:          cfgTopK,
		chunkTopK:     cfgChunkTopK,
		rerankEnabled: rerankEnabled,
		client:        client,
		llm:           llm,
		embedder:      embedder,
		reranker:      reranker,
		log:           log.With("service", "GraphInstance", "tenant_id", sc.TenantID, "collection_id", sc.CollectionID),
		registry:      map[string]registryEntry{},
	}
	if err := inst.loadRegistry(); err != nil {
		inst.log.Warn("registry load failed, starting empty", "error", err)
	}
	return inst, nil
}

func (in *Instance) registryPath() string {
	return filepath.Join(in.workingDir, "registry.json")
}

func (in *Instance) loadRegistry() error {
	raw, err := os.ReadFile(in.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []registryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, e := range entries {
		if e.DocID != "" {
			in.registry[e.DocID] = e
		}
	}
	return nil
}

// flushRegistry persists the registry. Callers hold in.mu.
func (in *Instance) flushRegistry() error {
	entries := make([]registryEntry, 0, len(in.registry))
	for _, e := range in.registry {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DocID < entries[j].DocID })
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := in.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, in.registryPath()); err != nil {
		return err
	}
	in.dirty = false
	return nil
}

// DocumentCount reports how many documents the instance has indexed.
func (in *Instance) DocumentCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.registry)
}

// Insert indexes one document: chunk, embed, extract entities and relations
// concurrently, then merge everything into Neo4j under the instance scope.
func (in *Instance) Insert(ctx context.Context, docID, content string, meta map[string]string) error {
	if in.isFinalized() {
		return fmt.Errorf("graph: instance finalized")
	}
	if strings.TrimSpace(docID) == "" {
		return fmt.Errorf("graph: doc id required")
	}
	pieces := splitContent(content, graphChunkRunes, graphChunkOverlap)
	if len(pieces) == 0 {
		return nil
	}

	started := time.Now()
	filePath := meta["file_path"]
	title := meta["title"]

	vectors, err := in.embedder.EmbedBatch(ctx, pieces)
	if err != nil {
		in.log.Warn("chunk embedding failed, inserting without vectors", "doc_id", docID, "error", err)
		vectors = make([][]float32, len(pieces))
	}

	extractions := make([]*extraction, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(extractWorkers)
	for i, piece := range pieces {
		i, piece := i, piece
		g.Go(func() error {
			ex, err := extractGraph(gctx, in.llm, piece)
			if err != nil {
				return err
			}
			extractions[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var (
		chunks    []chunkRow
		entities  []entityRow
		relations []relationRow
	)
	for i, piece := range pieces {
		ex := extractions[i]
		mentions := make([]string, 0, len(ex.Entities))
		seen := map[string]bool{}
		for _, e := range ex.Entities {
			key := normalizeEntityKey(e.Name)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			mentions = append(mentions, key)
			entities = append(entities, entityRow{
				Key:         key,
				Name:        e.Name,
				Type:        e.Type,
				Description: e.Description,
				DocID:       docID,
				FilePath:    filePath,
			})
		}
		for _, r := range ex.Relations {
			relations = append(relations, relationRow{
				SourceKey:   normalizeEntityKey(r.Source),
				TargetKey:   normalizeEntityKey(r.Target),
				Description: r.Description,
				Keywords:    r.Keywords,
				Weight:      r.Weight,
				DocID:       docID,
			})
		}
		chunks = append(chunks, chunkRow{
			Key:        fmt.Sprintf("%s#%d", docID, i),
			DocID:      docID,
			ChunkIndex: i,
			Content:    piece,
			FilePath:   filePath,
			Title:      title,
			Embedding:  vectors[i],
			Mentions:   mentions,
		})
	}

	if err := upsertGraph(ctx, in.client, in.scope, chunks, entities, relations); err != nil {
		return fmt.Errorf("graph insert: %w", err)
	}

	in.mu.Lock()
	in.registry[docID] = registryEntry{
		DocID:      docID,
		FilePath:   filePath,
		Title:      title,
		Chunks:     len(pieces),
		Metadata:   meta,
		InsertedAt: time.Now().UTC(),
	}
	in.dirty = true
	err = in.flushRegistry()
	in.mu.Unlock()
	if err != nil {
		in.log.Warn("registry flush failed", "doc_id", docID, "error", err)
	}

	in.log.Info("document indexed",
		"doc_id", docID,
		"chunks", len(pieces),
		"entities", len(entities),
		"relations", len(relations),
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// DeleteDocument removes one document's subgraph and registry entry.
func (in *Instance) DeleteDocument(ctx context.Context, docID string) error {
	if err := deleteDocumentNodes(ctx, in.client, in.scope, docID); err != nil {
		return err
	}
	in.mu.Lock()
	delete(in.registry, docID)
	in.dirty = true
	err := in.flushRegistry()
	in.mu.Unlock()
	if err != nil {
		in.log.Warn("registry flush failed", "doc_id", docID, "error", err)
	}
	return nil
}

// Query routes to the mode's engine and reports the outcome.
func (in *Instance) Query(ctx context.Context, query, mode string) (*domain.GraphContext, error) {
	if in.isFinalized() {
		return nil, fmt.Errorf("graph: instance finalized")
	}
	if !ValidQueryMode(mode) {
		mode = QueryModeHybrid
	}

	started := time.Now()
	var (
		gc  *domain.GraphContext
		err error
	)
	switch mode {
	case QueryModeNaive:
		gc, err = in.queryNaive(ctx, query)
	case QueryModeLocal:
		gc, err = in.queryLocal(ctx, query)
	case QueryModeGlobal:
		gc, err = in.queryGlobal(ctx, query)
	default:
		gc, err = in.queryHybrid(ctx, query)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.Current().ObserveGraphQuery(mode, status, time.Since(started))
	return gc, err
}

// queryNaive is plain vector retrieval over the scope's chunks with an LLM
// narrative on top. Falls back to term matching when the vector index is
// missing.
func (in *Instance) queryNaive(ctx context.Context, query string) (*domain.GraphContext, error) {
	var hits []chunkHit

	vec, err := in.embedder.Embed(ctx, query)
	if err == nil {
		hits, err = chunksByVector(ctx, in.client, in.scope, vec, in.chunkTopK)
	}
	if err != nil || len(hits) == 0 {
		terms := tokenizeTerms(query, 8)
		fallback, ferr := chunksByTerms(ctx, in.client, in.scope, terms, in.chunkTopK)
		if ferr != nil && err != nil {
			return nil, err
		}
		if len(fallback) > 0 {
			hits = fallback
		}
	}
	if len(hits) == 0 {
		return &domain.GraphContext{}, nil
	}

	chunks := in.toHits(hits)
	narrative, err := in.synthesize(ctx, query, chunkText(chunks), "")
	if err != nil {
		in.log.Warn("narrative synthesis failed", "mode", QueryModeNaive, "error", err)
		narrative = ""
	}
	return &domain.GraphContext{Narrative: narrative, Chunks: chunks}, nil
}

// queryLocal matches query keywords against entities, walks one hop with
// decayed weights, and ranks mentioned chunks by accumulated entity score.
func (in *Instance) queryLocal(ctx context.Context, query string) (*domain.GraphContext, error) {
	high, low := queryKeywords(ctx, in.llm, query)
	terms := append(append([]string{}, low...), high...)

	seeds, err := entitiesByTerms(ctx, in.client, in.scope, terms, in.topK)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return &domain.GraphContext{}, nil
	}

	// Seed scores decay by match rank; neighbors inherit half of the seed
	// score scaled by normalized edge weight.
	entityScore := map[string]float64{}
	entityInfo := map[string]entityHit{}
	seedKeys := make([]string, 0, len(seeds))
	for i, e := range seeds {
		score := 1.0 / float64(i+1)
		if score > entityScore[e.Key] {
			entityScore[e.Key] = score
		}
		entityInfo[e.Key] = e
		seedKeys = append(seedKeys, e.Key)
	}

	neighbors, err := expandNeighbors(ctx, in.client, in.scope, seedKeys, in.topK*6)
	if err != nil {
		in.log.Warn("neighbor expansion failed", "error", err)
	}
	maxWeight := 0.0
	for _, n := range neighbors {
		if n.Weight > maxWeight {
			maxWeight = n.Weight
		}
	}
	for _, n := range neighbors {
		w := 1.0
		if maxWeight > 0 {
			w = n.Weight / maxWeight
		}
		score := entityScore[n.SourceKey] * neighborDecay * w
		if score > entityScore[n.NeighborKey] {
			entityScore[n.NeighborKey] = score
		}
		if _, ok := entityInfo[n.NeighborKey]; !ok {
			entityInfo[n.NeighborKey] = n.Neighbor
		}
	}

	keys := topKeysByScore(entityScore, in.topK*2)
	mentionRows, err := chunksForEntities(ctx, in.client, in.scope, keys, 5)
	if err != nil {
		return nil, err
	}

	chunkScore := map[string]float64{}
	chunkByKey := map[string]chunkHit{}
	for _, m := range mentionRows {
		chunkScore[m.Chunk.Key] += entityScore[m.EntityKey]
		chunkByKey[m.Chunk.Key] = m.Chunk
	}
	// Normalize to [0,1] so mode scores are comparable downstream.
	maxChunk := 0.0
	for _, s := range chunkScore {
		if s > maxChunk {
			maxChunk = s
		}
	}
	ranked := topKeysByScore(chunkScore, in.chunkTopK)
	hits := make([]chunkHit, 0, len(ranked))
	for _, key := range ranked {
		ch := chunkByKey[key]
		if maxChunk > 0 {
			ch.Score = chunkScore[key] / maxChunk
		}
		hits = append(hits, ch)
	}

	chunks := in.toHits(hits)
	chunks = in.maybeRerank(ctx, query, chunks)

	refs := make([]domain.GraphReference, 0, len(keys))
	for _, key := range keys {
		info, ok := entityInfo[key]
		if !ok {
			continue
		}
		refs = append(refs, domain.GraphReference{
			Name:        info.Name,
			Description: info.Description,
			FilePath:    info.FilePath,
		})
		if len(refs) >= in.topK {
			break
		}
	}

	narrative, err := in.synthesize(ctx, query, chunkText(chunks), entityContext(keys, entityInfo))
	if err != nil {
		in.log.Warn("narrative synthesis failed", "mode", QueryModeLocal, "error", err)
		narrative = ""
	}
	return &domain.GraphContext{Narrative: narrative, Chunks: chunks, References: refs}, nil
}

// queryGlobal summarizes the scope's strongest relations. No chunks: the
// references are the relation descriptors themselves.
func (in *Instance) queryGlobal(ctx context.Context, query string) (*domain.GraphContext, error) {
	rels, err := topRelationsByWeight(ctx, in.client, in.scope, in.topK)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return &domain.GraphContext{}, nil
	}

	var sb strings.Builder
	refs := make([]domain.GraphReference, 0, len(rels))
	for _, r := range rels {
		name := r.SourceName + " -> " + r.TargetName
		fmt.Fprintf(&sb, "- %s (weight %.1f): %s\n", name, r.Weight, r.Description)
		refs = append(refs, domain.GraphReference{
			Name:        name,
			Description: r.Description,
		})
	}

	narrative, err := in.synthesize(ctx, query, "", "Key relationships in the knowledge graph:\n"+sb.String())
	if err != nil {
		in.log.Warn("narrative synthesis failed", "mode", QueryModeGlobal, "error", err)
		narrative = ""
	}
	return &domain.GraphContext{Narrative: narrative, References: refs}, nil
}

// queryHybrid unions local and global context into one synthesis.
func (in *Instance) queryHybrid(ctx context.Context, query string) (*domain.GraphContext, error) {
	var (
		local  *domain.GraphContext
		global *domain.GraphContext
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gc, err := in.queryLocal(gctx, query)
		local = gc
		return err
	})
	g.Go(func() error {
		gc, err := in.queryGlobal(gctx, query)
		global = gc
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := &domain.GraphContext{}
	seenChunk := map[string]bool{}
	for _, gc := range []*domain.GraphContext{local, global} {
		if gc == nil {
			continue
		}
		for _, ch := range gc.Chunks {
			if seenChunk[ch.ChunkID] {
				continue
			}
			seenChunk[ch.ChunkID] = true
			merged.Chunks = append(merged.Chunks, ch)
		}
	}
	seenRef := map[string]bool{}
	for _, gc := range []*domain.GraphContext{local, global} {
		if gc == nil {
			continue
		}
		for _, r := range gc.References {
			if r.Name == "" || seenRef[r.Name] {
				continue
			}
			seenRef[r.Name] = true
			merged.References = append(merged.References, r)
		}
	}
	if len(merged.Chunks) > in.chunkTopK {
		merged.Chunks = merged.Chunks[:in.chunkTopK]
	}
	if len(merged.Chunks) == 0 && len(merged.References) == 0 {
		return merged, nil
	}

	extra := ""
	if global != nil && global.Narrative != "" {
		extra = "Graph-level themes:\n" + global.Narrative
	}
	narrative, err := in.synthesize(ctx, query, chunkText(merged.Chunks), extra)
	if err != nil {
		in.log.Warn("narrative synthesis failed", "mode", QueryModeHybrid, "error", err)
		if local != nil {
			narrative = local.Narrative
		}
	}
	merged.Narrative = narrative
	return merged, nil
}

func (in *Instance) maybeRerank(ctx context.Context, query string, hits []domain.Hit) []domain.Hit {
	if !in.rerankEnabled || in.reranker == nil || len(hits) == 0 {
		return hits
	}
	return in.reranker.Rerank(ctx, query, hits, in.chunkTopK)
}

const synthesizeSystemPrompt = `You write a short grounded summary that answers the question using only the provided context. Two or three paragraphs at most. If the context does not address the question, say so briefly.`

func (in *Instance) synthesize(ctx context.Context, query, chunksBlock, extraBlock string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	if extraBlock != "" {
		sb.WriteString(truncateString(extraBlock, maxNarrativeChars/2))
		sb.WriteString("\n\n")
	}
	if chunksBlock != "" {
		sb.WriteString("Context passages:\n")
		sb.WriteString(truncateString(chunksBlock, maxNarrativeChars))
	}
	return in.llm.GenerateText(ctx, synthesizeSystemPrompt, sb.String())
}

func (in *Instance) toHits(rows []chunkHit) []domain.Hit {
	out := make([]domain.Hit, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Hit{
			ChunkID:    r.Key,
			Content:    r.Content,
			ChunkIndex: int(r.ChunkIndex),
			Score:      r.Score,
			Document: domain.DocumentRef{
				ID:       r.DocID,
				Title:    r.Title,
				Filename: r.FilePath,
			},
			CollectionID: in.scope.CollectionID,
		})
	}
	return out
}

func chunkText(hits []domain.Hit) string {
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, strings.TrimSpace(h.Content))
		if sb.Len() > maxNarrativeChars {
			break
		}
	}
	return sb.String()
}

func entityContext(keys []string, info map[string]entityHit) string {
	var sb strings.Builder
	sb.WriteString("Entities:\n")
	count := 0
	for _, key := range keys {
		e, ok := info[key]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", e.Name, e.Type, e.Description)
		count++
		if count >= 12 {
			break
		}
	}
	return sb.String()
}

func (in *Instance) isFinalized() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finalized
}

// finalize flushes pending registry state and marks the instance unusable.
// Safe to call more than once.
func (in *Instance) finalize(_ context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.finalized {
		return
	}
	if in.dirty {
		if err := in.flushRegistry(); err != nil {
			in.log.Warn("final registry flush failed", "error", err)
		}
	}
	in.finalized = true
}
