package qdrant

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	appconfig "github.com/yungbote/ragbridge-backend/internal/config"
)

const defaultNamespacePrefix = "rb"

// Config is everything the adapter needs to talk to one Qdrant collection.
type Config struct {
	URL             string
	APIKey          string
	Collection      string
	NamespacePrefix string
	VectorDim       int
}

// FromAppConfig derives the adapter config from the loaded application
// config. The vector dimension comes from the embedding settings so the
// collection and the embedder cannot drift apart.
func FromAppConfig(vc appconfig.VectorProviderConfig, llm appconfig.LLMConfig) Config {
	return Config{
		URL:        strings.TrimSpace(vc.QdrantURL),
		APIKey:     strings.TrimSpace(vc.QdrantAPIKey),
		Collection: strings.TrimSpace(vc.QdrantCollection),
		VectorDim:  llm.EmbeddingDimension,
	}
}

func (c Config) prefixOrDefault() string {
	if p := strings.TrimSpace(c.NamespacePrefix); p != "" {
		return p
	}
	return defaultNamespacePrefix
}

type ConfigErrorCode string

const (
	ConfigErrorMissingURL        ConfigErrorCode = "missing_url"
	ConfigErrorInvalidURL        ConfigErrorCode = "invalid_url"
	ConfigErrorMissingCollection ConfigErrorCode = "missing_collection"
	ConfigErrorInvalidVectorDim  ConfigErrorCode = "invalid_vector_dim"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid qdrant config"
	}
	switch e.Code {
	case ConfigErrorMissingURL:
		return "QDRANT_URL is required when vector.provider=qdrant"
	case ConfigErrorInvalidURL:
		return fmt.Sprintf("QDRANT_URL=%q is not an absolute URL (want e.g. http://qdrant:6333)", e.Value)
	case ConfigErrorMissingCollection:
		return "QDRANT_COLLECTION is required when vector.provider=qdrant"
	case ConfigErrorInvalidVectorDim:
		return fmt.Sprintf("qdrant vector dimension must be positive, got %s", e.Value)
	}
	return "invalid qdrant config"
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ValidateConfig checks the adapter config before any network call is made.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return &ConfigError{Code: ConfigErrorMissingURL}
	}
	if err := checkAbsoluteURL(cfg.URL); err != nil {
		return &ConfigError{Code: ConfigErrorInvalidURL, Value: cfg.URL, Cause: err}
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return &ConfigError{Code: ConfigErrorMissingCollection}
	}
	if cfg.VectorDim <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidVectorDim, Value: strconv.Itoa(cfg.VectorDim)}
	}
	return nil
}

func checkAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("missing scheme or host")
	}
	return nil
}
