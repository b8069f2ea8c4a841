package config

import (
	"fmt"
	"log"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	EmbeddingProviderHash   = "hash"
	EmbeddingProviderOpenAI = "openai"

	RetrievalBackendMemory   = "memory"
	RetrievalBackendPgvector = "pgvector"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	// Bearer token required by the HTTP API; empty leaves it open
	APIToken string `envconfig:"API_TOKEN"`
	// Daemon address used by the cse client
	ServerURL string `envconfig:"SERVER_URL" default:"http://localhost:8080"`

	SourceDir        string   `envconfig:"SOURCE_DIR" default:"data"`
	IndexDir         string   `envconfig:"INDEX_DIR" default:"faiss_index"`
	SourceExtensions []string `envconfig:"SOURCE_EXTENSIONS" default:".pdf"`

	ChunkSize          int    `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap       int    `envconfig:"CHUNK_OVERLAP" default:"200"`
	RetrievalK         int    `envconfig:"RETRIEVAL_K" default:"3"`
	RetrievalBackend   string `envconfig:"RETRIEVAL_BACKEND" default:"memory"`
	HistoryMaxMessages int    `envconfig:"HISTORY_MAX_MESSAGES" default:"0"`

	EmbeddingProvider   string `envconfig:"EMBEDDING_PROVIDER" default:"hash"`
	EmbeddingModel      string `envconfig:"EMBEDDING_MODEL"`
	EmbeddingDimensions int    `envconfig:"EMBEDDING_DIMENSIONS"`
	OpenAIAPIKey        string `envconfig:"OPENAI_API_KEY"`

	// Read as CSE_PERPLEXITY_API_KEY, falling back to PERPLEXITY_API_KEY.
	PerplexityAPIKey  string `envconfig:"PERPLEXITY_API_KEY"`
	GenerationBaseURL string `envconfig:"GENERATION_BASE_URL" default:"https://api.perplexity.ai"`
	GenerationModel   string `envconfig:"GENERATION_MODEL" default:"sonar"`

	SessionIdleTTL time.Duration `envconfig:"SESSION_IDLE_TTL" default:"2h"`

	// Optional pgvector mirror of the index
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Optional S3 mirror of the index snapshot
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"cse-index"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Prefix    string `envconfig:"S3_PREFIX" default:"faiss_index"`

	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("CSE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate checks option combinations envconfig cannot express.
func (c *Config) Validate() error {
	switch c.EmbeddingProvider {
	case EmbeddingProviderHash:
	case EmbeddingProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return domain.NewConfigurationError("CSE_OPENAI_API_KEY is required when CSE_EMBEDDING_PROVIDER=openai", nil)
		}
	default:
		return domain.NewConfigurationError(fmt.Sprintf("unknown embedding provider %q", c.EmbeddingProvider), nil)
	}

	switch c.RetrievalBackend {
	case RetrievalBackendMemory:
	case RetrievalBackendPgvector:
		if !c.HasDatabase() {
			return domain.NewConfigurationError("CSE_DATABASE_URL is required when CSE_RETRIEVAL_BACKEND=pgvector", nil)
		}
	default:
		return domain.NewConfigurationError(fmt.Sprintf("unknown retrieval backend %q", c.RetrievalBackend), nil)
	}

	if c.RetrievalK < 1 {
		return domain.NewConfigurationError("CSE_RETRIEVAL_K must be at least 1", nil)
	}
	if c.HistoryMaxMessages < 0 {
		return domain.NewConfigurationError("CSE_HISTORY_MAX_MESSAGES cannot be negative", nil)
	}
	return nil
}

// RequireGeneration fails when the completion service cannot be reached for lack of a key.
func (c *Config) RequireGeneration() error {
	if c.PerplexityAPIKey == "" {
		return domain.NewConfigurationError("PERPLEXITY_API_KEY is not set", domain.ErrMissingAPIKey)
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

func (c *Config) UseOpenAIEmbeddings() bool {
	return c.EmbeddingProvider == EmbeddingProviderOpenAI
}
