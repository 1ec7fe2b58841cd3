package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/embed"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
	"github.com/yungbote/ragbridge-backend/internal/rerank"
)

// Manager owns one Instance per (tenant, collection) scope. Instances are
// built lazily under a per-key init lock and tagged with the manager's
// generation; after Bump a stale instance is discarded on next Get and
// finalized in the background, never awaited.
type Manager struct {
	cfg      config.GraphConfig
	client   *Neo4jClient
	llm      openai.Client
	embedder *embed.Service
	reranker *rerank.Service
	log      *logger.Logger

	generation atomic.Uint64

	mu        sync.Mutex
	instances map[string]*Instance
	initLocks map[string]*sync.Mutex
}

func NewManager(cfg config.GraphConfig, client *Neo4jClient, llm openai.Client, embedder *embed.Service, reranker *rerank.Service, embeddingDim int, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		client:    client,
		llm:       llm,
		embedder:  embedder,
		reranker:  reranker,
		log:       log.With("service", "GraphManager"),
		instances: map[string]*Instance{},
		initLocks: map[string]*sync.Mutex{},
	}
	if m.Enabled() {
		client.EnsureSchema(context.Background(), embeddingDim)
	}
	return m
}

// Enabled reports whether graph features can serve requests.
func (m *Manager) Enabled() bool {
	return m != nil && m.cfg.Enabled && m.client != nil && m.client.Driver != nil
}

// Bump advances the generation. Existing instances become stale: the next
// Get for their scope rebuilds them. Called when the hosting worker
// recycles so instances never outlive the process slot that built them.
func (m *Manager) Bump() {
	m.generation.Add(1)
}

// Generation is exposed for the admin surface.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// InstanceCount reports currently cached instances.
func (m *Manager) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

func scopeKey(tenantID, collectionID uuid.UUID) string {
	return tenantID.String() + "|" + collectionID.String()
}

func (m *Manager) workingDir(tenantID, collectionID uuid.UUID) string {
	return filepath.Join(m.cfg.WorkingDir, "users", tenantID.String(), "collections", collectionID.String())
}

// Get returns the scope's instance, building it on first use. A cached
// instance from an older generation is evicted and finalized in a detached
// goroutine before the rebuild.
func (m *Manager) Get(ctx context.Context, tenantID, collectionID uuid.UUID) (*Instance, error) {
	if !m.Enabled() {
		return nil, apierr.Newf(apierr.KindUpstreamUnavailable, "graph_disabled", "graph features are not enabled")
	}
	if tenantID == uuid.Nil || collectionID == uuid.Nil {
		return nil, apierr.Newf(apierr.KindBadRequest, "invalid_scope", "tenant and collection ids are required")
	}

	key := scopeKey(tenantID, collectionID)
	gen := m.generation.Load()

	m.mu.Lock()
	if inst, ok := m.instances[key]; ok {
		if inst.generation == gen {
			m.mu.Unlock()
			return inst, nil
		}
		delete(m.instances, key)
		m.mu.Unlock()
		m.log.Info("discarding stale graph instance",
			"tenant_id", tenantID.String(),
			"collection_id", collectionID.String(),
			"instance_generation", inst.generation,
			"current_generation", gen)
		go inst.finalize(context.Background())
		m.mu.Lock()
	}
	lock, ok := m.initLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.initLocks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have built it while we waited for the lock.
	m.mu.Lock()
	if inst, ok := m.instances[key]; ok && inst.generation == gen {
		m.mu.Unlock()
		return inst, nil
	}
	m.mu.Unlock()

	sc := scope{TenantID: tenantID.String(), CollectionID: collectionID.String()}
	inst, err := newInstance(sc, m.workingDir(tenantID, collectionID), gen,
		m.cfg.TopK, m.cfg.ChunkTopK, m.cfg.RerankEnabled,
		m.client, m.llm, m.embedder, m.reranker, m.log)
	if err != nil {
		return nil, fmt.Errorf("graph: build instance: %w", err)
	}

	m.mu.Lock()
	m.instances[key] = inst
	m.mu.Unlock()
	return inst, nil
}

// Insert indexes a document into the scope's graph.
func (m *Manager) Insert(ctx context.Context, tenantID, collectionID uuid.UUID, docID, content string, meta map[string]string) error {
	inst, err := m.Get(ctx, tenantID, collectionID)
	if err != nil {
		return err
	}
	return inst.Insert(ctx, docID, content, meta)
}

// Query runs a graph query in the given mode for the scope.
func (m *Manager) Query(ctx context.Context, tenantID, collectionID uuid.UUID, query, mode string) (*domain.GraphContext, error) {
	inst, err := m.Get(ctx, tenantID, collectionID)
	if err != nil {
		return nil, err
	}
	return inst.Query(ctx, query, mode)
}

// DeleteDocument removes one document from the scope's graph.
func (m *Manager) DeleteDocument(ctx context.Context, tenantID, collectionID uuid.UUID, docID string) error {
	if !m.Enabled() {
		return nil
	}
	inst, err := m.Get(ctx, tenantID, collectionID)
	if err != nil {
		return err
	}
	return inst.DeleteDocument(ctx, docID)
}

// DeleteCollection finalizes and evicts the scope's instance, purges its
// Neo4j subgraph, and removes the working directory.
func (m *Manager) DeleteCollection(ctx context.Context, tenantID, collectionID uuid.UUID) error {
	if !m.Enabled() {
		return nil
	}
	key := scopeKey(tenantID, collectionID)

	m.mu.Lock()
	inst, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	delete(m.initLocks, key)
	m.mu.Unlock()
	if ok {
		inst.finalize(ctx)
	}

	sc := scope{TenantID: tenantID.String(), CollectionID: collectionID.String()}
	if err := deleteScopeNodes(ctx, m.client, sc); err != nil {
		return fmt.Errorf("graph: purge collection subgraph: %w", err)
	}
	if err := os.RemoveAll(m.workingDir(tenantID, collectionID)); err != nil {
		return fmt.Errorf("graph: remove working dir: %w", err)
	}
	m.log.Info("collection graph deleted",
		"tenant_id", tenantID.String(), "collection_id", collectionID.String())
	return nil
}

// DeleteTenant removes every collection graph the tenant owns.
func (m *Manager) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	if !m.Enabled() {
		return nil
	}
	prefix := tenantID.String() + "|"

	m.mu.Lock()
	var stale []*Instance
	for key, inst := range m.instances {
		if strings.HasPrefix(key, prefix) {
			stale = append(stale, inst)
			delete(m.instances, key)
			delete(m.initLocks, key)
		}
	}
	m.mu.Unlock()
	for _, inst := range stale {
		inst.finalize(ctx)
	}

	if err := deleteTenantNodes(ctx, m.client, tenantID.String()); err != nil {
		return fmt.Errorf("graph: purge tenant subgraph: %w", err)
	}
	tenantDir := filepath.Join(m.cfg.WorkingDir, "users", tenantID.String())
	if err := os.RemoveAll(tenantDir); err != nil {
		return fmt.Errorf("graph: remove tenant dir: %w", err)
	}
	m.log.Info("tenant graphs deleted", "tenant_id", tenantID.String())
	return nil
}

// Cleanup finalizes all cached instances. Called once on shutdown.
func (m *Manager) Cleanup(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = map[string]*Instance{}
	m.initLocks = map[string]*sync.Mutex{}
	m.mu.Unlock()

	for _, inst := range instances {
		inst.finalize(ctx)
	}
	if len(instances) > 0 {
		m.log.Info("graph instances finalized", "count", len(instances))
	}
}
