// Package index holds the in-memory vector index over embedded chunks and its
// on-disk snapshot format.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
)

// Entry is one embedded chunk.
type Entry struct {
	Chunk  domain.Chunk
	Vector []float32
}

// VectorIndex is an exact nearest-neighbour index. It is immutable after Build
// or Load and safe for concurrent searches.
type VectorIndex struct {
	dimension int
	model     string
	builtAt   time.Time
	entries   []Entry
}

// Build embeds every chunk with provider. Any failure aborts the build and no
// index is returned, so a partially embedded set can never be persisted.
func Build(ctx context.Context, chunks []domain.Chunk, provider embedding.Provider) (*VectorIndex, error) {
	idx := &VectorIndex{
		dimension: provider.Dimensions(),
		model:     provider.Model(),
		builtAt:   time.Now().UTC(),
		entries:   make([]Entry, 0, len(chunks)),
	}

	vectors, err := embedAll(ctx, chunks, provider)
	if err != nil {
		return nil, err
	}
	for i, c := range chunks {
		if len(vectors[i]) != idx.dimension {
			return nil, domain.NewEmbeddingError(
				fmt.Sprintf("chunk %d of %s has %d dimensions, expected %d", c.Index, c.Source, len(vectors[i]), idx.dimension), nil)
		}
		idx.entries = append(idx.entries, Entry{Chunk: c, Vector: vectors[i]})
	}

	return idx, nil
}

// embedAll uses one batched call when the provider supports it and falls back
// to a call per chunk otherwise.
func embedAll(ctx context.Context, chunks []domain.Chunk, provider embedding.Provider) ([][]float32, error) {
	if bp, ok := provider.(embedding.BatchProvider); ok && len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := bp.EmbedBatch(ctx, texts)
		if err != nil {
			if domain.IsEmbeddingError(err) {
				return nil, err
			}
			return nil, domain.NewEmbeddingError(fmt.Sprintf("failed to embed %d chunks", len(chunks)), err)
		}
		if len(vectors) != len(chunks) {
			return nil, domain.NewEmbeddingError(fmt.Sprintf("got %d vectors for %d chunks", len(vectors), len(chunks)), nil)
		}
		return vectors, nil
	}

	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := provider.Embed(ctx, c.Content)
		if err != nil {
			if domain.IsEmbeddingError(err) {
				return nil, fmt.Errorf("chunk %d of %s: %w", c.Index, c.Source, err)
			}
			return nil, domain.NewEmbeddingError(fmt.Sprintf("failed to embed chunk %d/%d", i+1, len(chunks)), err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Len returns the number of entries.
func (x *VectorIndex) Len() int {
	return len(x.entries)
}

// Dimension returns the vector length shared by every entry.
func (x *VectorIndex) Dimension() int {
	return x.dimension
}

// Model returns the embedding model the index was built with.
func (x *VectorIndex) Model() string {
	return x.model
}

// BuiltAt returns the time the entries were embedded.
func (x *VectorIndex) BuiltAt() time.Time {
	return x.builtAt
}

// Entries returns the entries in insertion order. Callers must not modify them.
func (x *VectorIndex) Entries() []Entry {
	return x.entries
}

// Search embeds query with provider and returns the k most similar chunks.
func (x *VectorIndex) Search(ctx context.Context, provider embedding.Provider, query string, k int) ([]domain.RetrievalResult, error) {
	if k < 1 {
		return nil, domain.ErrInvalidK
	}
	vec, err := provider.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return x.SearchVector(ctx, vec, k)
}

// SearchVector returns the min(k, Len()) entries with the highest cosine
// similarity to vec, best first. Equal scores keep insertion order.
func (x *VectorIndex) SearchVector(_ context.Context, vec []float32, k int) ([]domain.RetrievalResult, error) {
	if k < 1 {
		return nil, domain.ErrInvalidK
	}
	if len(vec) != x.dimension {
		return nil, domain.NewEmbeddingError(
			fmt.Sprintf("query has %d dimensions, index expects %d", len(vec), x.dimension), nil)
	}

	results := make([]domain.RetrievalResult, len(x.entries))
	for i, e := range x.entries {
		results[i] = domain.RetrievalResult{Chunk: e.Chunk, Score: float32(CosineSimilarity(vec, e.Vector))}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns 0 when either vector is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
