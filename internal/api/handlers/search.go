package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/cloo-solutions/cseassist/internal/api"
	"github.com/cloo-solutions/cseassist/internal/domain"
)

const maxSearchK = 50

// SearchService runs raw retrieval. service.Retriever implements it.
type SearchService interface {
	K() int
	Search(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error)
}

type SearchHandler struct {
	svc SearchService
}

func NewSearchHandler(svc SearchService) *SearchHandler {
	return &SearchHandler{svc: svc}
}

type SearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// SourceResponse is a retrieved chunk as returned by /search and the done event of a turn.
type SourceResponse struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Page    int     `json:"page"`
	Index   int     `json:"index"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

type SearchResponse struct {
	Query   string            `json:"query"`
	K       int               `json:"k"`
	Results []*SourceResponse `json:"results"`
}

func sourcesToResponse(results []domain.RetrievalResult) []*SourceResponse {
	out := make([]*SourceResponse, len(results))
	for i, r := range results {
		out[i] = &SourceResponse{
			ID:      r.Chunk.ID,
			Source:  r.Chunk.Source,
			Page:    r.Chunk.Page,
			Index:   r.Chunk.Index,
			Content: r.Chunk.Content,
			Score:   r.Score,
		}
	}
	return out
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		api.Error(w, http.StatusBadRequest, "query is required")
		return
	}

	k := req.K
	if k == 0 {
		k = h.svc.K()
	}
	if k < 0 || k > maxSearchK {
		api.Error(w, http.StatusBadRequest, "k must be between 1 and 50")
		return
	}

	results, err := h.svc.Search(r.Context(), query, k)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, &SearchResponse{
		Query:   query,
		K:       k,
		Results: sourcesToResponse(results),
	})
}
