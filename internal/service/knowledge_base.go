package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/cloo-solutions/cseassist/internal/index"
	"github.com/cloo-solutions/cseassist/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// DocumentExtractor finds and extracts the source documents of the knowledge base.
type DocumentExtractor interface {
	Extensions() []string
	Discover(dir string) ([]string, error)
	ExtractAll(ctx context.Context, paths []string) ([]domain.Document, error)
}

// VectorSearcher answers nearest-neighbour queries for an embedded query.
type VectorSearcher interface {
	SearchVector(ctx context.Context, vec []float32, k int) ([]domain.RetrievalResult, error)
}

// KnowledgeBaseConfig holds the default locations used by Ensure.
type KnowledgeBaseConfig struct {
	SourceDir string
	IndexDir  string
}

// KnowledgeBase owns the vector index of a process. The index is loaded or
// built once per index path and then shared read-only.
type KnowledgeBase struct {
	cfg        KnowledgeBaseConfig
	extractor  DocumentExtractor
	chunker    *Chunker
	provider   embedding.Provider
	publishers []index.Publisher
	fetcher    index.Fetcher
	backend    VectorSearcher

	group singleflight.Group
	// writeMu serializes loads and builds so Ensure and Rebuild never write
	// the same snapshot concurrently.
	writeMu sync.Mutex
	mu      sync.RWMutex
	ready   map[string]*index.VectorIndex
}

func NewKnowledgeBase(cfg KnowledgeBaseConfig, extractor DocumentExtractor, chunker *Chunker, provider embedding.Provider) *KnowledgeBase {
	return &KnowledgeBase{
		cfg:       cfg,
		extractor: extractor,
		chunker:   chunker,
		provider:  provider,
		ready:     make(map[string]*index.VectorIndex),
	}
}

// WithPublishers registers mirrors that receive every freshly built snapshot.
func (kb *KnowledgeBase) WithPublishers(publishers ...index.Publisher) *KnowledgeBase {
	kb.publishers = append(kb.publishers, publishers...)
	return kb
}

// WithFetcher registers a remote snapshot source consulted before a cold build.
func (kb *KnowledgeBase) WithFetcher(fetcher index.Fetcher) *KnowledgeBase {
	kb.fetcher = fetcher
	return kb
}

// WithSearchBackend routes retrieval to backend instead of the in-memory index.
func (kb *KnowledgeBase) WithSearchBackend(backend VectorSearcher) *KnowledgeBase {
	kb.backend = backend
	return kb
}

func (kb *KnowledgeBase) Config() KnowledgeBaseConfig {
	return kb.cfg
}

func (kb *KnowledgeBase) Provider() embedding.Provider {
	return kb.provider
}

// Ensure is EnsureIndex with the configured directories.
func (kb *KnowledgeBase) Ensure(ctx context.Context) (*index.VectorIndex, error) {
	return kb.EnsureIndex(ctx, kb.cfg.SourceDir, kb.cfg.IndexDir)
}

// EnsureIndex returns the index at indexPath, loading it if a snapshot exists
// and building it from sourceDir otherwise. Concurrent callers for the same
// path share a single load or build; the first caller's context governs it.
func (kb *KnowledgeBase) EnsureIndex(ctx context.Context, sourceDir, indexPath string) (*index.VectorIndex, error) {
	if idx := kb.cached(indexPath); idx != nil {
		return idx, nil
	}

	v, err, _ := kb.group.Do("ensure:"+indexPath, func() (any, error) {
		kb.writeMu.Lock()
		defer kb.writeMu.Unlock()
		if idx := kb.cached(indexPath); idx != nil {
			return idx, nil
		}
		idx, err := kb.loadOrBuild(ctx, sourceDir, indexPath)
		if err != nil {
			return nil, err
		}
		kb.store(indexPath, idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.VectorIndex), nil
}

// Rebuild ignores any persisted snapshot, builds from sourceDir and replaces
// both the snapshot and the cached index. It waits for an in-flight Ensure on
// the same knowledge base to finish first.
func (kb *KnowledgeBase) Rebuild(ctx context.Context, sourceDir, indexPath string) (*index.VectorIndex, error) {
	v, err, _ := kb.group.Do("rebuild:"+indexPath, func() (any, error) {
		kb.writeMu.Lock()
		defer kb.writeMu.Unlock()
		idx, err := kb.build(ctx, sourceDir, indexPath)
		if err != nil {
			return nil, err
		}
		kb.store(indexPath, idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.VectorIndex), nil
}

// Current returns the index for the configured path if it has been loaded.
func (kb *KnowledgeBase) Current() (*index.VectorIndex, error) {
	if idx := kb.cached(kb.cfg.IndexDir); idx != nil {
		return idx, nil
	}
	return nil, domain.ErrIndexNotReady
}

// Searcher returns the backend retrieval should query.
func (kb *KnowledgeBase) Searcher() (VectorSearcher, error) {
	idx, err := kb.Current()
	if err != nil {
		return nil, err
	}
	if kb.backend != nil {
		return kb.backend, nil
	}
	return idx, nil
}

// Publish pushes idx, stored at dir, to every registered mirror.
func (kb *KnowledgeBase) Publish(ctx context.Context, dir string, idx *index.VectorIndex) error {
	for _, p := range kb.publishers {
		if err := p.Publish(ctx, dir, idx); err != nil {
			return fmt.Errorf("failed to publish index to %s: %w", p.Name(), err)
		}
		log.Printf("knowledge base: published %d chunks to %s", idx.Len(), p.Name())
	}
	return nil
}

func (kb *KnowledgeBase) cached(indexPath string) *index.VectorIndex {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.ready[indexPath]
}

func (kb *KnowledgeBase) store(indexPath string, idx *index.VectorIndex) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.ready[indexPath] = idx
}

func (kb *KnowledgeBase) loadOrBuild(ctx context.Context, sourceDir, indexPath string) (*index.VectorIndex, error) {
	if !index.Exists(indexPath) && kb.fetcher != nil {
		found, err := kb.fetcher.Fetch(ctx, indexPath, kb.provider)
		switch {
		case err != nil:
			log.Printf("knowledge base: remote snapshot unavailable, building locally: %v", err)
			telemetry.CaptureError(ctx, err)
		case found:
			log.Printf("knowledge base: restored snapshot from mirror into %s", indexPath)
		}
	}

	if index.Exists(indexPath) {
		return kb.load(ctx, indexPath)
	}
	return kb.build(ctx, sourceDir, indexPath)
}

func (kb *KnowledgeBase) load(ctx context.Context, indexPath string) (*index.VectorIndex, error) {
	ctx, span := telemetry.StartSpan(ctx, "knowledge_base.load", telemetry.SpanAttributes{
		IndexPath: indexPath,
		Operation: "load",
	})
	defer span.End()

	idx, err := index.Load(indexPath, kb.provider)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.SetData("chunk_count", idx.Len())
	log.Printf("knowledge base: loaded %d chunks from %s (model %s)", idx.Len(), indexPath, idx.Model())

	for _, p := range kb.publishers {
		syncer, ok := p.(Syncer)
		if !ok {
			continue
		}
		inSync, err := syncer.InSync(ctx, idx)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("failed to check %s mirror: %w", p.Name(), err)
		}
		if inSync {
			continue
		}
		if err := p.Publish(ctx, indexPath, idx); err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("failed to publish index to %s: %w", p.Name(), err)
		}
		log.Printf("knowledge base: %s mirror was stale, republished %d chunks", p.Name(), idx.Len())
	}

	return idx, nil
}

func (kb *KnowledgeBase) build(ctx context.Context, sourceDir, indexPath string) (*index.VectorIndex, error) {
	ctx, span := telemetry.StartSpan(ctx, "knowledge_base.build", telemetry.SpanAttributes{
		IndexPath: indexPath,
		Operation: "build",
	})
	defer span.End()

	idx, err := kb.buildIndex(ctx, sourceDir, indexPath)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.SetData("chunk_count", idx.Len())
	return idx, nil
}

func (kb *KnowledgeBase) buildIndex(ctx context.Context, sourceDir, indexPath string) (*index.VectorIndex, error) {
	files, err := kb.discover(sourceDir)
	if err != nil {
		return nil, err
	}
	log.Printf("knowledge base: building index from %d document(s) in %s", len(files), sourceDir)

	docs, err := kb.extractor.ExtractAll(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest documents: %w", err)
	}

	chunks := kb.chunker.Split(docs)
	if len(chunks) == 0 {
		return nil, domain.NewConfigurationError(
			fmt.Sprintf("no text could be extracted from the documents in %s", sourceDir), domain.ErrNoSourceFiles)
	}

	idx, err := index.Build(ctx, chunks, kb.provider)
	if err != nil {
		return nil, err
	}

	if err := index.Persist(idx, indexPath); err != nil {
		return nil, fmt.Errorf("failed to persist index: %w", err)
	}
	log.Printf("knowledge base: indexed %d chunks into %s (model %s, %d dimensions)",
		idx.Len(), indexPath, idx.Model(), idx.Dimension())

	if err := kb.Publish(ctx, indexPath, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// discover lists the source files. A missing directory is created so the
// operator knows where to put documents, and the call still fails.
func (kb *KnowledgeBase) discover(sourceDir string) ([]string, error) {
	info, err := os.Stat(sourceDir)
	if errors.Is(err, os.ErrNotExist) {
		if mkErr := os.MkdirAll(sourceDir, 0o755); mkErr != nil {
			return nil, domain.NewConfigurationError(
				fmt.Sprintf("source directory %s does not exist and could not be created", sourceDir), mkErr)
		}
		return nil, domain.NewConfigurationError(
			fmt.Sprintf("source directory %s was empty and has been created: add %s documents and restart",
				sourceDir, strings.Join(kb.extractor.Extensions(), ", ")),
			domain.ErrSourceDirMissing)
	}
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("cannot read source directory %s", sourceDir), err)
	}
	if !info.IsDir() {
		return nil, domain.NewConfigurationError(fmt.Sprintf("source path %s is not a directory", sourceDir), nil)
	}

	files, err := kb.extractor.Discover(sourceDir)
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("cannot list source directory %s", sourceDir), err)
	}
	if len(files) == 0 {
		return nil, domain.NewConfigurationError(
			fmt.Sprintf("no %s documents found in %s", strings.Join(kb.extractor.Extensions(), ", "), sourceDir),
			domain.ErrNoSourceFiles)
	}
	return files, nil
}
