package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// Neo4jClient wraps the driver so instances share one connection pool.
// A nil client disables the graph layer without poisoning callers.
type Neo4jClient struct {
	Driver   neo4j.DriverWithContext
	Database string
	log      *logger.Logger
}

// NewNeo4jClient connects using the graph section of the config. Returns
// (nil, nil) when no URI is configured so the caller can treat the graph
// layer as absent.
func NewNeo4jClient(cfg config.GraphConfig, log *logger.Logger) (*Neo4jClient, error) {
	if log == nil {
		return nil, fmt.Errorf("graph: logger required")
	}
	uri := strings.TrimSpace(cfg.Neo4jURI)
	if uri == "" {
		return nil, nil
	}

	user := strings.TrimSpace(cfg.Neo4jUser)
	if user == "" {
		user = "neo4j"
	}

	auth := neo4j.BasicAuth(user, cfg.Neo4jPassword, "")
	driver, err := neo4j.NewDriverWithContext(uri, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = 50
		c.SocketConnectTimeout = 10 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("graph: init driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity: %w", err)
	}

	return &Neo4jClient{
		Driver:   driver,
		Database: strings.TrimSpace(cfg.Neo4jDatabase),
		log:      log.With("client", "Neo4j"),
	}, nil
}

func (c *Neo4jClient) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}

func (c *Neo4jClient) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.Database,
	})
}

func (c *Neo4jClient) readSession(ctx context.Context) neo4j.SessionWithContext {
	return c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: c.Database,
	})
}

// EnsureSchema creates constraints and indexes the store depends on.
// Failures are logged and swallowed: older servers reject some syntax and
// the store still works, just slower.
func (c *Neo4jClient) EnsureSchema(ctx context.Context, embeddingDim int) {
	if c == nil || c.Driver == nil {
		return
	}
	session := c.writeSession(ctx)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT kg_entity_key_unique IF NOT EXISTS FOR (e:KGEntity) REQUIRE (e.tenant_id, e.collection_id, e.key) IS UNIQUE`,
		`CREATE CONSTRAINT kg_chunk_key_unique IF NOT EXISTS FOR (ch:KGChunk) REQUIRE (ch.tenant_id, ch.collection_id, ch.key) IS UNIQUE`,
		`CREATE INDEX kg_entity_scope IF NOT EXISTS FOR (e:KGEntity) ON (e.tenant_id, e.collection_id)`,
		`CREATE INDEX kg_chunk_scope IF NOT EXISTS FOR (ch:KGChunk) ON (ch.tenant_id, ch.collection_id)`,
		`CREATE INDEX kg_chunk_doc IF NOT EXISTS FOR (ch:KGChunk) ON (ch.tenant_id, ch.collection_id, ch.doc_id)`,
	}
	if embeddingDim > 0 {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE VECTOR INDEX kg_chunk_embedding IF NOT EXISTS FOR (ch:KGChunk) ON (ch.embedding) OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			embeddingDim,
		))
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			c.log.Warn("neo4j schema init failed (continuing)", "error", err)
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}
