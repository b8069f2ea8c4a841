package index

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *MockProvider) Dimensions() int {
	return m.Called().Int(0)
}

func (m *MockProvider) Model() string {
	return m.Called().String(0)
}

func chunk(i int, content string) domain.Chunk {
	return domain.Chunk{ID: fmt.Sprintf("c%d", i), Source: "data/doc.pdf", Page: 1, Index: i, Content: content}
}

var corpus = []domain.Chunk{
	chunk(0, "Les attributions du CSE sont définies aux articles L2312-8 et suivants du Code du travail."),
	chunk(1, "La cantine propose un menu végétarien le mardi."),
	chunk(2, "Le parking du site ferme à vingt heures."),
	chunk(3, "Le CSE gère les activités sociales et culturelles."),
	chunk(4, "Les congés payés se posent dans l'outil RH."),
}

func buildCorpus(t *testing.T) (*VectorIndex, embedding.Provider) {
	t.Helper()
	provider := embedding.NewHashProvider(embedding.DefaultHashDimensions)
	idx, err := Build(context.Background(), corpus, provider)
	require.NoError(t, err)
	return idx, provider
}

func TestBuild(t *testing.T) {
	idx, provider := buildCorpus(t)

	assert.Equal(t, len(corpus), idx.Len())
	assert.Equal(t, provider.Dimensions(), idx.Dimension())
	assert.Equal(t, provider.Model(), idx.Model())
	assert.False(t, idx.BuiltAt().IsZero())
	for i, e := range idx.Entries() {
		assert.Equal(t, corpus[i], e.Chunk)
		assert.Len(t, e.Vector, idx.Dimension())
	}
}

func TestBuild_FailureReturnsNoIndex(t *testing.T) {
	ctx := context.Background()
	provider := new(MockProvider)
	provider.On("Dimensions").Return(2)
	provider.On("Model").Return("mock")
	provider.On("Embed", ctx, corpus[0].Content).Return([]float32{1, 0}, nil)
	provider.On("Embed", ctx, corpus[1].Content).Return(nil, errors.New("provider down"))

	idx, err := Build(ctx, corpus, provider)

	assert.Nil(t, idx)
	assert.True(t, domain.IsEmbeddingError(err))
	provider.AssertNotCalled(t, "Embed", ctx, corpus[2].Content)
}

func TestBuild_WrongDimensionFromProvider(t *testing.T) {
	ctx := context.Background()
	provider := new(MockProvider)
	provider.On("Dimensions").Return(3)
	provider.On("Model").Return("mock")
	provider.On("Embed", ctx, mock.Anything).Return([]float32{1, 0}, nil)

	idx, err := Build(ctx, corpus[:1], provider)

	assert.Nil(t, idx)
	assert.True(t, domain.IsEmbeddingError(err))
}

// MockBatchProvider embeds in one call.
type MockBatchProvider struct {
	MockProvider
}

func (m *MockBatchProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func TestBuild_UsesBatchProvider(t *testing.T) {
	ctx := context.Background()
	provider := new(MockBatchProvider)
	provider.On("Dimensions").Return(2)
	provider.On("Model").Return("batch")
	provider.On("EmbedBatch", ctx, []string{corpus[0].Content, corpus[1].Content}).
		Return([][]float32{{1, 0}, {0, 1}}, nil)

	idx, err := Build(ctx, corpus[:2], provider)

	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, idx.Entries()[1].Vector)
	provider.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestBuild_BatchShortAnswer(t *testing.T) {
	ctx := context.Background()
	provider := new(MockBatchProvider)
	provider.On("Dimensions").Return(2)
	provider.On("Model").Return("batch")
	provider.On("EmbedBatch", ctx, mock.Anything).Return([][]float32{{1, 0}}, nil)

	idx, err := Build(ctx, corpus[:2], provider)

	assert.Nil(t, idx)
	assert.True(t, domain.IsEmbeddingError(err))
}

func TestBuild_BatchFailure(t *testing.T) {
	ctx := context.Background()
	provider := new(MockBatchProvider)
	provider.On("Dimensions").Return(2)
	provider.On("Model").Return("batch")
	provider.On("EmbedBatch", ctx, mock.Anything).Return(nil, errors.New("connection reset"))

	idx, err := Build(ctx, corpus, provider)

	assert.Nil(t, idx)
	assert.True(t, domain.IsEmbeddingError(err))
	assert.ErrorContains(t, err, "connection reset")
}

func TestSearch_ReturnsMinKN(t *testing.T) {
	idx, provider := buildCorpus(t)
	ctx := context.Background()

	for _, k := range []int{1, 3, 5, 10} {
		results, err := idx.Search(ctx, provider, "attributions du CSE", k)
		require.NoError(t, err)
		assert.Len(t, results, min(k, idx.Len()))
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	}
}

func TestSearch_InvalidK(t *testing.T) {
	idx, provider := buildCorpus(t)

	_, err := idx.Search(context.Background(), provider, "CSE", 0)

	assert.ErrorIs(t, err, domain.ErrInvalidK)
}

func TestSearch_RelevantChunkRanksFirst(t *testing.T) {
	idx, provider := buildCorpus(t)

	results, err := idx.Search(context.Background(), provider, "What are the CSE's attributions?", 3)

	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c0", results[0].Chunk.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearch_StableUnderRepeatedCalls(t *testing.T) {
	idx, provider := buildCorpus(t)
	ctx := context.Background()

	first, err := idx.Search(ctx, provider, "activités sociales", 4)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := idx.Search(ctx, provider, "activités sociales", 4)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSearchVector_TiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	provider := new(MockProvider)
	provider.On("Dimensions").Return(2)
	provider.On("Model").Return("mock")
	chunks := []domain.Chunk{chunk(0, "a"), chunk(1, "b"), chunk(2, "c"), chunk(3, "d")}
	provider.On("Embed", ctx, "a").Return([]float32{0, 1}, nil)
	provider.On("Embed", ctx, "b").Return([]float32{1, 0}, nil)
	provider.On("Embed", ctx, "c").Return([]float32{2, 0}, nil)
	provider.On("Embed", ctx, "d").Return([]float32{3, 0}, nil)

	idx, err := Build(ctx, chunks, provider)
	require.NoError(t, err)

	results, err := idx.SearchVector(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{results[0].Chunk.ID, results[1].Chunk.ID, results[2].Chunk.ID})
	assert.InDelta(t, 1.0, results[2].Score, 1e-6)
}

func TestSearchVector_DimensionMismatch(t *testing.T) {
	idx, _ := buildCorpus(t)

	_, err := idx.SearchVector(context.Background(), []float32{1, 2}, 1)

	assert.True(t, domain.IsEmbeddingError(err))
}

func TestSearch_EmptyIndex(t *testing.T) {
	provider := embedding.NewHashProvider(8)
	idx, err := Build(context.Background(), nil, provider)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), provider, "CSE", 3)

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 1}))
}
