package service

import (
	"context"
	"log"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/cloo-solutions/cseassist/internal/telemetry"
)

// DefaultRetrievalK is the number of chunks fed into each prompt.
const DefaultRetrievalK = 3

// SearcherSource hands out the backend to query. KnowledgeBase implements it.
type SearcherSource interface {
	Searcher() (VectorSearcher, error)
}

// Retriever finds the chunks most relevant to a question.
type Retriever struct {
	source   SearcherSource
	provider embedding.Provider
	k        int
}

func NewRetriever(source SearcherSource, provider embedding.Provider, k int) *Retriever {
	if k < 1 {
		k = DefaultRetrievalK
	}
	return &Retriever{source: source, provider: provider, k: k}
}

func (r *Retriever) K() int {
	return r.k
}

// Retrieve returns up to K chunks for query. When the query cannot be embedded
// the turn continues without context: the failure is logged and no results are
// returned.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]domain.RetrievalResult, error) {
	results, err := r.Search(ctx, query, r.k)
	if err != nil {
		if domain.IsEmbeddingError(err) {
			log.Printf("retriever: answering without context: %v", err)
			telemetry.AddBreadcrumb(ctx, "retrieval", "embedding failed, empty context")
			telemetry.CaptureError(ctx, err)
			return nil, nil
		}
		return nil, err
	}
	return results, nil
}

// Search embeds query and returns the k nearest chunks. Unlike Retrieve it
// reports embedding failures.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error) {
	if k < 1 {
		return nil, domain.ErrInvalidK
	}

	ctx, span := telemetry.StartSpan(ctx, "retriever.search", telemetry.SpanAttributes{Operation: "search"})
	defer span.End()

	searcher, err := r.source.Searcher()
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	vec, err := r.provider.Embed(ctx, query)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	results, err := searcher.SearchVector(ctx, vec, k)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.SetData("result_count", len(results))
	return results, nil
}
