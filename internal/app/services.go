package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/chat"
	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/embed"
	"github.com/yungbote/ragbridge-backend/internal/graph"
	"github.com/yungbote/ragbridge-backend/internal/judge"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/rerank"
	"github.com/yungbote/ragbridge-backend/internal/retrieval"
	"github.com/yungbote/ragbridge-backend/internal/search"
)

type Services struct {
	Embedder     *embed.Service
	Reranker     *rerank.Service
	Search       *search.Service
	Graph        *graph.Manager
	Reformulator *retrieval.ReformService
	Retrieval    *retrieval.Service
	Deep         *retrieval.DeepReasoner
	Judge        *judge.Service
	Chat         *chat.Service
}

func wireServices(db *gorm.DB, cfg *config.Config, clients Clients, r Repos, log *logger.Logger) Services {
	log.Info("Wiring services...")

	embedder := embed.New(clients.LLM, clients.Cache, cfg.LLM, log)
	reranker := rerank.New(cfg.Rerank, log)
	searcher := search.New(db, clients.Vector, cfg.Search, log)
	graphMgr := graph.NewManager(cfg.Graph, clients.Neo4j, clients.LLM, embedder, reranker, cfg.LLM.EmbeddingDimension, log)

	reform := retrieval.NewReformulator(clients.LLM, clients.Cache, log)
	retriever := retrieval.New(searcher, embedder, reranker, graphMgr, reform, clients.Cache, cfg, log)
	deep := retrieval.NewDeepReasoner(retriever, clients.LLM, cfg.Deep, log)
	jdg := judge.New(clients.LLM, cfg.Judge, log)

	chatSvc := chat.New(retriever, deep, jdg, clients.LLM, r.ChatSessions, r.ChatMessages, log)

	return Services{
		Embedder:     embedder,
		Reranker:     reranker,
		Search:       searcher,
		Graph:        graphMgr,
		Reformulator: reform,
		Retrieval:    retriever,
		Deep:         deep,
		Judge:        jdg,
		Chat:         chatSvc,
	}
}
