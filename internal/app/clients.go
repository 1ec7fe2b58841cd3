package app

import (
	"context"
	"fmt"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/graph"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
	"github.com/yungbote/ragbridge-backend/internal/platform/qdrant"
)

type Clients struct {
	Cache  *cache.Cache
	LLM    openai.Client
	Vector qdrant.VectorStore
	Neo4j  *graph.Neo4jClient
}

func wireClients(cfg *config.Config, log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	c, err := cache.New(cfg.Cache, log)
	if err != nil {
		return Clients{}, fmt.Errorf("init cache: %w", err)
	}

	llm, err := openai.NewClient(cfg.LLM, log)
	if err != nil {
		return Clients{}, fmt.Errorf("init llm client: %w", err)
	}

	// Dense candidates come from Qdrant only when configured. A store that
	// fails its readiness check downgrades to pgvector instead of blocking
	// startup.
	var vector qdrant.VectorStore
	if cfg.Vector.Provider == "qdrant" {
		store, verr := qdrant.NewVectorStore(qdrant.FromAppConfig(cfg.Vector, cfg.LLM), log)
		if verr != nil {
			log.Warn("qdrant unavailable, dense search falls back to pgvector", "error", verr)
		} else {
			vector = store
		}
	}

	neo, err := graph.NewNeo4jClient(cfg.Graph, log)
	if err != nil {
		return Clients{}, fmt.Errorf("init neo4j client: %w", err)
	}

	return Clients{
		Cache:  c,
		LLM:    llm,
		Vector: vector,
		Neo4j:  neo,
	}, nil
}

func (c *Clients) Close(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(ctx)
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
}
