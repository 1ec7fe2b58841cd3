package config

import "time"

type Duration struct {
	Duration time.Duration
}

type HTTPConfig struct {
	Addr              string   `json:"addr"`
	ReadHeaderTimeout Duration `json:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`
	MaxRequestBytes   int64    `json:"max_request_bytes"`
	CORSOrigins       []string `json:"cors_origins,omitempty"`
}

type AuthConfig struct {
	// JWTSecret signs/verifies HS256 bearer tokens carrying the tenant claim.
	JWTSecret string `json:"jwt_secret"`
}

type CacheConfig struct {
	Enabled      bool     `json:"enabled"`
	RedisAddr    string   `json:"redis_addr"`
	RedisDB      int      `json:"redis_db,omitempty"`
	EmbeddingTTL Duration `json:"embedding_ttl"`
	SearchTTL    Duration `json:"search_ttl"`
	ReformTTL    Duration `json:"reform_ttl"`
}

type LLMConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model"`

	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Timeout     Duration `json:"timeout"`

	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDimension int    `json:"embedding_dimension"`
	EmbeddingBatchSize int    `json:"embedding_batch_size"`
}

type RerankConfig struct {
	Enabled   bool     `json:"enabled"`
	URL       string   `json:"url,omitempty"`
	APIKey    string   `json:"api_key,omitempty"`
	Model     string   `json:"model,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
}

type SearchConfig struct {
	// HierarchicalMultiplier widens the tier-1 document pool: the document
	// pass keeps top_k x multiplier candidates before chunk search.
	HierarchicalMultiplier int `json:"hierarchical_multiplier"`

	// Floors below which hits are dropped before reranking. Kept low on
	// purpose: the reranker is the final quality gate.
	VectorFloor  float64 `json:"vector_floor"`
	KeywordFloor float64 `json:"keyword_floor"`
}

type ContextConfig struct {
	WindowBefore int `json:"window_before"`
	WindowAfter  int `json:"window_after"`
}

type GraphConfig struct {
	Enabled       bool   `json:"enabled"`
	WorkingDir    string `json:"working_dir"`
	DefaultMode   string `json:"default_mode"`
	TopK          int    `json:"top_k"`
	ChunkTopK     int    `json:"chunk_top_k"`
	RerankEnabled bool   `json:"rerank_enabled"`

	Neo4jURI      string `json:"neo4j_uri,omitempty"`
	Neo4jUser     string `json:"neo4j_user,omitempty"`
	Neo4jPassword string `json:"neo4j_password,omitempty"`
	Neo4jDatabase string `json:"neo4j_database,omitempty"`
}

type DeepReasoningConfig struct {
	MaxSubQueries int `json:"max_sub_queries"`
	TopKPerSub    int `json:"top_k_per_sub"`
}

type JudgeConfig struct {
	Enabled bool     `json:"enabled"`
	Model   string   `json:"model,omitempty"`
	Timeout Duration `json:"timeout"`
}

type VectorProviderConfig struct {
	// Provider selects where dense chunk candidates come from: "sql"
	// (pgvector, default) or "qdrant" with SQL fallback on error.
	Provider string `json:"provider"`

	QdrantURL        string `json:"qdrant_url,omitempty"`
	QdrantAPIKey     string `json:"qdrant_api_key,omitempty"`
	QdrantCollection string `json:"qdrant_collection,omitempty"`
}

type Config struct {
	Env string `json:"env"`

	HTTP   HTTPConfig           `json:"http"`
	Auth   AuthConfig           `json:"auth"`
	Cache  CacheConfig          `json:"cache"`
	LLM    LLMConfig            `json:"llm"`
	Rerank RerankConfig         `json:"rerank"`
	Search SearchConfig         `json:"search"`
	Ctx    ContextConfig        `json:"context"`
	Graph  GraphConfig          `json:"graph"`
	Deep   DeepReasoningConfig  `json:"deep_reasoning"`
	Judge  JudgeConfig          `json:"judge"`
	Vector VectorProviderConfig `json:"vector"`
}
