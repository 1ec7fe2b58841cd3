package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/platform/envutil"
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		if strings.TrimSpace(u) == "" {
			d.Duration = 0
			return nil
		}
		dd, err := time.ParseDuration(u)
		if err != nil {
			return err
		}
		d.Duration = dd
		return nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a JSON string like \"5s\" or an int nanoseconds: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func defaultConfig() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration{Duration: 5 * time.Second},
			IdleTimeout:       Duration{Duration: 2 * time.Minute},
			ShutdownTimeout:   Duration{Duration: 15 * time.Second},
			MaxRequestBytes:   10 << 20,
		},
		Auth: AuthConfig{
			JWTSecret: "",
		},
		Cache: CacheConfig{
			Enabled:      true,
			RedisAddr:    "localhost:6379",
			EmbeddingTTL: Duration{Duration: 24 * time.Hour},
			SearchTTL:    Duration{Duration: 15 * time.Minute},
			ReformTTL:    Duration{Duration: 6 * time.Hour},
		},
		LLM: LLMConfig{
			BaseURL:            "https://api.openai.com",
			Model:              "gpt-4o-mini",
			Temperature:        0.3,
			MaxTokens:          2048,
			Timeout:            Duration{Duration: 60 * time.Second},
			EmbeddingModel:     "text-embedding-3-small",
			EmbeddingDimension: 1536,
			EmbeddingBatchSize: 100,
		},
		Rerank: RerankConfig{
			Enabled:   true,
			Model:     "rerank-english-v3.0",
			Threshold: 0,
			Timeout:   Duration{Duration: 10 * time.Second},
		},
		Search: SearchConfig{
			HierarchicalMultiplier: 3,
			VectorFloor:            0.30,
			KeywordFloor:           0.01,
		},
		Ctx: ContextConfig{
			WindowBefore: 1,
			WindowAfter:  2,
		},
		Graph: GraphConfig{
			Enabled:       true,
			WorkingDir:    "./data/graph",
			DefaultMode:   "hybrid",
			TopK:          10,
			ChunkTopK:     5,
			RerankEnabled: false,
		},
		Deep: DeepReasoningConfig{
			MaxSubQueries: 3,
			TopKPerSub:    5,
		},
		Judge: JudgeConfig{
			Enabled: true,
			Timeout: Duration{Duration: 20 * time.Second},
		},
		Vector: VectorProviderConfig{
			Provider: "sql",
		},
	}
}

// Load builds the runtime config: defaults, then an optional JSON file
// (RAG_CONFIG_PATH, or ./config/config.json when present), then env-var
// overrides for the operationally hot knobs, then validation.
func Load() (*Config, error) {
	cfg := defaultConfig()

	cfgPath := strings.TrimSpace(os.Getenv("RAG_CONFIG_PATH"))
	if cfgPath == "" {
		if wd, err := os.Getwd(); err == nil {
			p := filepath.Join(wd, "config", "config.json")
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
			}
		}
	}

	if cfgPath != "" {
		b, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, err
		}
		loaded := defaultConfig()
		if err := json.Unmarshal(b, loaded); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfgPath, err)
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Env = envutil.String("LOG_MODE", cfg.Env)
	cfg.HTTP.Addr = envutil.String("RAG_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Auth.JWTSecret = envutil.String("JWT_SECRET_KEY", cfg.Auth.JWTSecret)

	cfg.Cache.Enabled = envutil.Bool("CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.RedisAddr = envutil.String("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisDB = envutil.Int("REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.EmbeddingTTL.Duration = envutil.Duration("CACHE_EMBEDDING_TTL", cfg.Cache.EmbeddingTTL.Duration)
	cfg.Cache.SearchTTL.Duration = envutil.Duration("CACHE_SEARCH_TTL", cfg.Cache.SearchTTL.Duration)
	cfg.Cache.ReformTTL.Duration = envutil.Duration("CACHE_REFORM_TTL", cfg.Cache.ReformTTL.Duration)

	cfg.LLM.BaseURL = envutil.String("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = envutil.String("LLM_API_KEY", envutil.String("OPENAI_API_KEY", cfg.LLM.APIKey))
	cfg.LLM.Model = envutil.String("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Temperature = envutil.Float("LLM_TEMPERATURE", cfg.LLM.Temperature)
	cfg.LLM.MaxTokens = envutil.Int("LLM_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.Timeout.Duration = envutil.Duration("LLM_TIMEOUT", cfg.LLM.Timeout.Duration)
	cfg.LLM.EmbeddingModel = envutil.String("LLM_EMBEDDING_MODEL", cfg.LLM.EmbeddingModel)
	cfg.LLM.EmbeddingDimension = envutil.Int("LLM_EMBEDDING_DIMENSION", cfg.LLM.EmbeddingDimension)
	cfg.LLM.EmbeddingBatchSize = envutil.Int("LLM_EMBEDDING_BATCH_SIZE", cfg.LLM.EmbeddingBatchSize)

	cfg.Rerank.Enabled = envutil.Bool("RERANK_ENABLED", cfg.Rerank.Enabled)
	cfg.Rerank.URL = envutil.String("RERANK_URL", cfg.Rerank.URL)
	cfg.Rerank.APIKey = envutil.String("RERANK_API_KEY", cfg.Rerank.APIKey)
	cfg.Rerank.Model = envutil.String("RERANK_MODEL", cfg.Rerank.Model)
	cfg.Rerank.Threshold = envutil.Float("RERANK_THRESHOLD", cfg.Rerank.Threshold)

	cfg.Graph.Enabled = envutil.Bool("GRAPH_ENABLED", cfg.Graph.Enabled)
	cfg.Graph.WorkingDir = envutil.String("GRAPH_WORKING_DIR", cfg.Graph.WorkingDir)
	cfg.Graph.DefaultMode = envutil.String("GRAPH_DEFAULT_MODE", cfg.Graph.DefaultMode)
	cfg.Graph.Neo4jURI = envutil.String("NEO4J_URI", cfg.Graph.Neo4jURI)
	cfg.Graph.Neo4jUser = envutil.String("NEO4J_USER", cfg.Graph.Neo4jUser)
	cfg.Graph.Neo4jPassword = envutil.String("NEO4J_PASSWORD", cfg.Graph.Neo4jPassword)
	cfg.Graph.Neo4jDatabase = envutil.String("NEO4J_DATABASE", cfg.Graph.Neo4jDatabase)

	cfg.Judge.Enabled = envutil.Bool("JUDGE_ENABLED", cfg.Judge.Enabled)
	cfg.Judge.Model = envutil.String("JUDGE_MODEL", cfg.Judge.Model)
	cfg.Judge.Timeout.Duration = envutil.Duration("JUDGE_TIMEOUT", cfg.Judge.Timeout.Duration)

	cfg.Vector.Provider = envutil.String("VECTOR_PROVIDER", cfg.Vector.Provider)
	cfg.Vector.QdrantURL = envutil.String("QDRANT_URL", cfg.Vector.QdrantURL)
	cfg.Vector.QdrantAPIKey = envutil.String("QDRANT_API_KEY", cfg.Vector.QdrantAPIKey)
	cfg.Vector.QdrantCollection = envutil.String("QDRANT_COLLECTION", cfg.Vector.QdrantCollection)
}

func validate(cfg *Config) error {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.MaxRequestBytes <= 0 {
		cfg.HTTP.MaxRequestBytes = 10 << 20
	}

	if cfg.LLM.EmbeddingDimension <= 0 {
		return errors.New("llm.embedding_dimension must be positive")
	}
	if cfg.LLM.EmbeddingBatchSize <= 0 || cfg.LLM.EmbeddingBatchSize > 100 {
		cfg.LLM.EmbeddingBatchSize = 100
	}
	cfg.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.LLM.BaseURL), "/")
	if cfg.LLM.BaseURL == "" {
		return errors.New("llm.base_url is required")
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		return errors.New("llm.model is required")
	}
	if cfg.LLM.Timeout.Duration <= 0 {
		cfg.LLM.Timeout = Duration{Duration: 60 * time.Second}
	}

	if cfg.Search.HierarchicalMultiplier <= 0 {
		cfg.Search.HierarchicalMultiplier = 3
	}
	if cfg.Search.VectorFloor < 0 || cfg.Search.VectorFloor >= 1 {
		cfg.Search.VectorFloor = 0.30
	}
	if cfg.Search.KeywordFloor < 0 {
		cfg.Search.KeywordFloor = 0.01
	}

	if cfg.Ctx.WindowBefore < 0 {
		cfg.Ctx.WindowBefore = 1
	}
	if cfg.Ctx.WindowAfter < 0 {
		cfg.Ctx.WindowAfter = 2
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Graph.DefaultMode)) {
	case "local", "global", "hybrid", "naive":
		cfg.Graph.DefaultMode = strings.ToLower(strings.TrimSpace(cfg.Graph.DefaultMode))
	case "":
		cfg.Graph.DefaultMode = "hybrid"
	default:
		return fmt.Errorf("graph.default_mode %q is not one of local|global|hybrid|naive", cfg.Graph.DefaultMode)
	}
	if cfg.Graph.TopK <= 0 {
		cfg.Graph.TopK = 10
	}
	if cfg.Graph.ChunkTopK <= 0 {
		cfg.Graph.ChunkTopK = 5
	}
	if cfg.Graph.Enabled && strings.TrimSpace(cfg.Graph.WorkingDir) == "" {
		return errors.New("graph.working_dir is required when graph is enabled")
	}

	if cfg.Deep.MaxSubQueries <= 0 {
		cfg.Deep.MaxSubQueries = 3
	}
	if cfg.Deep.TopKPerSub <= 0 {
		cfg.Deep.TopKPerSub = 5
	}

	if cfg.Judge.Timeout.Duration <= 0 {
		cfg.Judge.Timeout = Duration{Duration: 20 * time.Second}
	}
	if cfg.Rerank.Timeout.Duration <= 0 {
		cfg.Rerank.Timeout = Duration{Duration: 10 * time.Second}
	}
	if cfg.Rerank.Threshold < 0 || cfg.Rerank.Threshold >= 1 {
		cfg.Rerank.Threshold = 0
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Vector.Provider)) {
	case "", "sql":
		cfg.Vector.Provider = "sql"
	case "qdrant":
		cfg.Vector.Provider = "qdrant"
		if strings.TrimSpace(cfg.Vector.QdrantURL) == "" {
			return errors.New("vector.qdrant_url is required when vector.provider=qdrant")
		}
		if strings.TrimSpace(cfg.Vector.QdrantCollection) == "" {
			return errors.New("vector.qdrant_collection is required when vector.provider=qdrant")
		}
	default:
		return fmt.Errorf("vector.provider %q is not one of sql|qdrant", cfg.Vector.Provider)
	}

	return nil
}
