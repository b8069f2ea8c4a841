package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/cloo-solutions/cseassist/internal/index"
	"github.com/cloo-solutions/cseassist/internal/ingest"
	"github.com/cloo-solutions/cseassist/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// countingProvider wraps HashProvider, counts calls and can fail on demand.
type countingProvider struct {
	inner    *embedding.HashProvider
	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	fail     error
}

func newCountingProvider() *countingProvider {
	return &countingProvider{inner: embedding.NewHashProvider(64)}
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.fail != nil {
		return nil, p.fail
	}
	return p.inner.Embed(ctx, text)
}

func (p *countingProvider) Dimensions() int { return p.inner.Dimensions() }
func (p *countingProvider) Model() string   { return p.inner.Model() }

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Name() string { return "mock" }

func (m *MockPublisher) Publish(ctx context.Context, dir string, idx *index.VectorIndex) error {
	return m.Called(ctx, dir, idx).Error(0)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, dir string, provider embedding.Provider) (bool, error) {
	args := m.Called(ctx, dir, provider)
	return args.Bool(0), args.Error(1)
}

// memObjects is an in-memory index.ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (s *memObjects) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ string, _ map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memObjects) GetObject(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memObjects) HeadObject(_ context.Context, key string) (*storage.ObjectMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.ObjectMetadata{ContentLength: int64(len(data))}, nil
}

const (
	attributionsText = "Article L2312-8 du Code du travail. Le comité social et économique a pour mission d'assurer une expression collective des salariés. Ses attributions couvrent la gestion et l'évolution économique et financière de l'entreprise."
	cantineText      = "La cantine est ouverte de midi à quatorze heures. Le menu change chaque semaine et un plat végétarien est proposé."
	parkingText      = "Le parking du personnel se trouve derrière le bâtiment B. Les badges sont délivrés par l'accueil."
)

type kbFixture struct {
	sourceDir string
	indexDir  string
	provider  *countingProvider
	kb        *KnowledgeBase
}

func newKBFixture(t *testing.T, files map[string]string) *kbFixture {
	t.Helper()
	root := t.TempDir()
	f := &kbFixture{
		sourceDir: filepath.Join(root, "data"),
		indexDir:  filepath.Join(root, "faiss_index"),
		provider:  newCountingProvider(),
	}
	if files != nil {
		require.NoError(t, os.MkdirAll(f.sourceDir, 0o755))
		for name, content := range files {
			require.NoError(t, os.WriteFile(filepath.Join(f.sourceDir, name), []byte(content), 0o644))
		}
	}

	chunker, err := NewChunker(ChunkConfig{MaxChars: 120, Overlap: 20})
	require.NoError(t, err)
	f.kb = NewKnowledgeBase(
		KnowledgeBaseConfig{SourceDir: f.sourceDir, IndexDir: f.indexDir},
		ingest.NewRegistry(ingest.NewTextIngestor()),
		chunker,
		f.provider,
	)
	return f
}

var threeDocs = map[string]string{
	"attributions.txt": attributionsText,
	"cantine.txt":      cantineText,
	"parking.md":       parkingText,
}

func TestKnowledgeBase_BuildsPersistsAndCaches(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	ctx := context.Background()

	idx, err := f.kb.EnsureIndex(ctx, f.sourceDir, f.indexDir)
	require.NoError(t, err)
	require.Greater(t, idx.Len(), 3)
	assert.True(t, index.Exists(f.indexDir))

	calls := f.provider.calls.Load()
	again, err := f.kb.EnsureIndex(ctx, f.sourceDir, f.indexDir)
	require.NoError(t, err)
	assert.Same(t, idx, again)
	assert.Equal(t, calls, f.provider.calls.Load(), "cached index must not re-embed")

	current, err := f.kb.Current()
	require.NoError(t, err)
	assert.Same(t, idx, current)
}

func TestKnowledgeBase_LoadsExistingSnapshot(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	ctx := context.Background()
	built, err := f.kb.Ensure(ctx)
	require.NoError(t, err)

	// A fresh process: new KnowledgeBase, same directories, no source files.
	require.NoError(t, os.RemoveAll(f.sourceDir))
	g := newKBFixture(t, nil)
	g.kb.cfg = f.kb.cfg

	loaded, err := g.kb.EnsureIndex(ctx, f.sourceDir, f.indexDir)

	require.NoError(t, err)
	assert.Equal(t, built.Entries(), loaded.Entries())
	assert.Zero(t, g.provider.calls.Load())
}

func TestKnowledgeBase_SingleFlight(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	f.provider.delay = 5 * time.Millisecond
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*index.VectorIndex, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.kb.EnsureIndex(ctx, f.sourceDir, f.indexDir)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int64(results[0].Len()), f.provider.calls.Load(), "each chunk embedded exactly once")
}

func TestKnowledgeBase_MissingSourceDirIsCreated(t *testing.T) {
	f := newKBFixture(t, nil)

	idx, err := f.kb.Ensure(context.Background())

	assert.Nil(t, idx)
	assert.True(t, domain.IsConfigurationError(err))
	assert.ErrorIs(t, err, domain.ErrSourceDirMissing)
	info, statErr := os.Stat(f.sourceDir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
	assert.False(t, index.Exists(f.indexDir))
}

func TestKnowledgeBase_NoMatchingFiles(t *testing.T) {
	f := newKBFixture(t, map[string]string{"notes.docx": "ignored"})

	_, err := f.kb.Ensure(context.Background())

	assert.True(t, domain.IsConfigurationError(err))
	assert.ErrorIs(t, err, domain.ErrNoSourceFiles)
	assert.False(t, index.Exists(f.indexDir))
}

func TestKnowledgeBase_EmbeddingFailureIsFatalAndWritesNothing(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	f.provider.fail = domain.NewEmbeddingError("provider unavailable", errors.New("503"))

	_, err := f.kb.Ensure(context.Background())

	assert.True(t, domain.IsEmbeddingError(err))
	assert.False(t, index.Exists(f.indexDir))
	_, err = f.kb.Current()
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)

	// No retry: the failed build is not cached either, a later call tries again.
	f.provider.fail = nil
	_, err = f.kb.Ensure(context.Background())
	assert.NoError(t, err)
}

func TestKnowledgeBase_CorruptSnapshotIsReported(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	require.NoError(t, os.MkdirAll(f.indexDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.indexDir, index.ManifestFile), []byte("format_version: 99\n"), 0o644))

	_, err := f.kb.Ensure(context.Background())

	assert.True(t, domain.IsCorruptIndexError(err))
	assert.Zero(t, f.provider.calls.Load())
}

func TestKnowledgeBase_RebuildReplacesSnapshot(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	ctx := context.Background()
	first, err := f.kb.Ensure(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.sourceDir, "cantine.txt")))
	rebuilt, err := f.kb.Rebuild(ctx, f.sourceDir, f.indexDir)
	require.NoError(t, err)

	assert.Less(t, rebuilt.Len(), first.Len())
	current, err := f.kb.Current()
	require.NoError(t, err)
	assert.Same(t, rebuilt, current)
	for _, e := range rebuilt.Entries() {
		assert.False(t, strings.HasSuffix(e.Chunk.Source, "cantine.txt"))
	}
}

func TestKnowledgeBase_PublishesAfterBuild(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, f.indexDir, mock.AnythingOfType("*index.VectorIndex")).Return(nil)
	f.kb.WithPublishers(publisher)

	_, err := f.kb.Ensure(context.Background())

	require.NoError(t, err)
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestKnowledgeBase_PublishFailureIsFatal(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bucket gone"))
	f.kb.WithPublishers(publisher)

	_, err := f.kb.Ensure(context.Background())

	assert.ErrorContains(t, err, "bucket gone")
	_, err = f.kb.Current()
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)
}

func TestKnowledgeBase_FetchesBeforeBuilding(t *testing.T) {
	src := newKBFixture(t, threeDocs)
	built, err := src.kb.Ensure(context.Background())
	require.NoError(t, err)

	f := newKBFixture(t, nil)
	fetcher := new(MockFetcher)
	fetcher.On("Fetch", mock.Anything, f.indexDir, mock.Anything).Run(func(args mock.Arguments) {
		require.NoError(t, index.Persist(built, f.indexDir))
	}).Return(true, nil)
	f.kb.WithFetcher(fetcher)

	idx, err := f.kb.Ensure(context.Background())

	require.NoError(t, err)
	assert.Equal(t, built.Len(), idx.Len())
	assert.Zero(t, f.provider.calls.Load())
	fetcher.AssertExpectations(t)
}

func TestKnowledgeBase_FetchFailureFallsBackToBuild(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	fetcher := new(MockFetcher)
	fetcher.On("Fetch", mock.Anything, f.indexDir, mock.Anything).Return(false, errors.New("network down"))
	f.kb.WithFetcher(fetcher)

	idx, err := f.kb.Ensure(context.Background())

	require.NoError(t, err)
	assert.Positive(t, idx.Len())
}

func TestKnowledgeBase_IncompatibleRemoteSnapshotFallsBackToBuild(t *testing.T) {
	ctx := context.Background()
	mirror := index.NewS3Mirror(newMemObjects(), "snapshots")

	src := newKBFixture(t, threeDocs)
	src.provider.inner = embedding.NewHashProvider(32)
	src.kb.WithPublishers(mirror)
	published, err := src.kb.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, 32, published.Dimension())

	f := newKBFixture(t, threeDocs)
	f.kb.WithFetcher(mirror)

	idx, err := f.kb.Ensure(ctx)

	require.NoError(t, err)
	assert.Equal(t, 64, idx.Dimension())
	assert.Positive(t, f.provider.calls.Load())
	m, err := index.ReadManifest(f.indexDir)
	require.NoError(t, err)
	assert.Equal(t, 64, m.Dimension)
}

func TestKnowledgeBase_EnsureAndRebuildDoNotOverlap(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	f.provider.delay = 5 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.kb.Ensure(ctx)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.kb.Rebuild(ctx, f.sourceDir, f.indexDir)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), f.provider.peak.Load())
	current, err := f.kb.Current()
	require.NoError(t, err)
	loaded, err := index.Load(f.indexDir, f.provider)
	require.NoError(t, err)
	assert.Equal(t, current.Len(), loaded.Len())
}

func TestKnowledgeBase_BuildsFromPDF(t *testing.T) {
	root := t.TempDir()
	sourceDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(sourceDir, 0o755))
	pdf, err := os.ReadFile("../ingest/testdata/accord-cse.pdf")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "accord-cse.pdf"), pdf, 0o644))

	chunker, err := NewChunker(DefaultChunkConfig())
	require.NoError(t, err)
	provider := embedding.NewHashProvider(embedding.DefaultHashDimensions)
	kb := NewKnowledgeBase(
		KnowledgeBaseConfig{SourceDir: sourceDir, IndexDir: filepath.Join(root, "faiss_index")},
		ingest.Default().Restrict([]string{".pdf"}),
		chunker,
		provider,
	)

	idx, err := kb.Ensure(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.Len(), 1)

	results, err := NewRetriever(kb, provider, 3).Retrieve(context.Background(), "What are the CSE's attributions?")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	var found bool
	for _, r := range results {
		if strings.Contains(r.Chunk.Content, "L2312-8") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestKnowledgeBase_SearcherUsesBackend(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	_, err := f.kb.Searcher()
	assert.ErrorIs(t, err, domain.ErrIndexNotReady)

	idx, err := f.kb.Ensure(context.Background())
	require.NoError(t, err)
	s, err := f.kb.Searcher()
	require.NoError(t, err)
	assert.Same(t, idx, s)

	backend := new(MockSearcher)
	f.kb.WithSearchBackend(backend)
	s, err = f.kb.Searcher()
	require.NoError(t, err)
	assert.Same(t, backend, s)
}

type MockSyncPublisher struct {
	MockPublisher
}

func (m *MockSyncPublisher) InSync(ctx context.Context, idx *index.VectorIndex) (bool, error) {
	args := m.Called(ctx, idx)
	return args.Bool(0), args.Error(1)
}

func TestKnowledgeBase_LoadRepublishesStaleMirror(t *testing.T) {
	f := newKBFixture(t, threeDocs)
	_, err := f.kb.Ensure(context.Background())
	require.NoError(t, err)

	g := newKBFixture(t, nil)
	stale := new(MockSyncPublisher)
	stale.On("InSync", mock.Anything, mock.Anything).Return(false, nil)
	stale.On("Publish", mock.Anything, f.indexDir, mock.Anything).Return(nil)
	fresh := new(MockSyncPublisher)
	fresh.On("InSync", mock.Anything, mock.Anything).Return(true, nil)
	g.kb.WithPublishers(stale, fresh)

	_, err = g.kb.EnsureIndex(context.Background(), f.sourceDir, f.indexDir)

	require.NoError(t, err)
	stale.AssertNumberOfCalls(t, "Publish", 1)
	fresh.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}
