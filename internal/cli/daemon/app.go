// Package daemon holds the csed commands: the HTTP server and index maintenance.
package daemon

import (
	"context"
	"fmt"
	"log"

	"github.com/cloo-solutions/cseassist/internal/config"
	"github.com/cloo-solutions/cseassist/internal/database"
	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/cloo-solutions/cseassist/internal/index"
	"github.com/cloo-solutions/cseassist/internal/ingest"
	"github.com/cloo-solutions/cseassist/internal/openai"
	"github.com/cloo-solutions/cseassist/internal/repository"
	"github.com/cloo-solutions/cseassist/internal/service"
	"github.com/cloo-solutions/cseassist/internal/storage"
	"github.com/cloo-solutions/cseassist/internal/telemetry"
	goopenai "github.com/sashabaranov/go-openai"
)

// app is the set of components shared by serve and the index commands.
type app struct {
	cfg      *config.Config
	kb       *service.KnowledgeBase
	provider embedding.Provider
	s3Mirror *index.S3Mirror
	chunks   *repository.ChunkRepository
	pgMirror *service.PgvectorMirror

	closers []func()
}

type appOptions struct {
	migrate bool
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// initTelemetry starts Sentry when a DSN is configured.
func initTelemetry(cfg *config.Config) func() {
	// 10% sampling in production, 100% in development
	sampleRate := 0.1
	if cfg.Environment == "development" {
		sampleRate = 1.0
	}

	shutdown, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate,
		Debug:            cfg.Debug,
	})
	if err != nil {
		log.Printf("telemetry init failed (continuing without tracing): %v", err)
		return func() {}
	}
	return shutdown
}

func newProvider(cfg *config.Config) embedding.Provider {
	if cfg.UseOpenAIEmbeddings() {
		return openai.NewClientWithConfig(openai.Config{
			APIKey:              cfg.OpenAIAPIKey,
			EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
			EmbeddingDimensions: cfg.EmbeddingDimensions,
		})
	}
	return embedding.NewHashProvider(cfg.EmbeddingDimensions)
}

func newChunker(cfg *config.Config) (*service.Chunker, error) {
	chunker, err := service.NewChunker(service.ChunkConfig{
		MaxChars: cfg.ChunkSize,
		MinChars: cfg.ChunkSize / 2,
		Overlap:  cfg.ChunkOverlap,
	})
	if err != nil {
		return nil, domain.NewConfigurationError("invalid chunking settings", err)
	}
	return chunker, nil
}

// newApp wires the knowledge base and its optional mirrors from cfg. The
// index itself is not loaded.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, provider: newProvider(cfg)}

	chunker, err := newChunker(cfg)
	if err != nil {
		return nil, err
	}
	extractor := ingest.Default().Restrict(cfg.SourceExtensions)
	if len(extractor.Extensions()) == 0 {
		return nil, domain.NewConfigurationError(
			fmt.Sprintf("no ingestor handles CSE_SOURCE_EXTENSIONS=%v", cfg.SourceExtensions), nil)
	}

	a.kb = service.NewKnowledgeBase(service.KnowledgeBaseConfig{
		SourceDir: cfg.SourceDir,
		IndexDir:  cfg.IndexDir,
	}, extractor, chunker, a.provider)

	if cfg.HasS3() {
		s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		log.Printf("S3 bucket '%s' ready", cfg.S3Bucket)

		a.s3Mirror = index.NewS3Mirror(s3Client, cfg.S3Prefix)
		a.kb.WithPublishers(a.s3Mirror).WithFetcher(a.s3Mirror)
	}

	if cfg.HasDatabase() {
		pool, err := database.NewPool(ctx, cfg.DatabaseURL, database.PoolOptions{})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		log.Println("connected to database")

		if opts.migrate {
			if err := database.Migrate(cfg.DatabaseURL, database.DefaultMigrationsSource); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		a.chunks = repository.NewChunkRepository(pool)
		a.pgMirror = service.NewPgvectorMirror(repository.NewTxRunner(pool), a.chunks)
		a.kb.WithPublishers(a.pgMirror)
		if cfg.RetrievalBackend == config.RetrievalBackendPgvector {
			a.kb.WithSearchBackend(a.chunks)
		}
	}

	return a, nil
}

func (a *app) backendName() string {
	if a.chunks != nil && a.cfg.RetrievalBackend == config.RetrievalBackendPgvector {
		return config.RetrievalBackendPgvector
	}
	return config.RetrievalBackendMemory
}
