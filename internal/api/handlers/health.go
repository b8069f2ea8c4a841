package handlers

import (
	"net/http"
	"time"

	"github.com/cloo-solutions/cseassist/internal/api"
	"github.com/cloo-solutions/cseassist/internal/index"
)

// IndexStatus reports the loaded index. service.KnowledgeBase implements it.
type IndexStatus interface {
	Current() (*index.VectorIndex, error)
}

// SessionCounter is implemented by session.Store.
type SessionCounter interface {
	Len() int
}

type HealthHandler struct {
	index    IndexStatus
	sessions SessionCounter
	backend  string
}

func NewHealthHandler(idx IndexStatus, sessions SessionCounter, backend string) *HealthHandler {
	return &HealthHandler{index: idx, sessions: sessions, backend: backend}
}

type IndexStatsResponse struct {
	Chunks    int    `json:"chunks"`
	Dimension int    `json:"dimension"`
	Model     string `json:"model"`
	BuiltAt   string `json:"built_at"`
	Backend   string `json:"backend"`
}

type HealthResponse struct {
	Status   string              `json:"status"`
	Index    *IndexStatsResponse `json:"index,omitempty"`
	Sessions int                 `json:"sessions"`
}

// Health answers 200 once the index is loaded and 503 before.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{Status: "ok", Sessions: h.sessions.Len()}

	idx, err := h.index.Current()
	if err != nil {
		resp.Status = "starting"
		api.Success(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Index = &IndexStatsResponse{
		Chunks:    idx.Len(),
		Dimension: idx.Dimension(),
		Model:     idx.Model(),
		BuiltAt:   idx.BuiltAt().Format(time.RFC3339),
		Backend:   h.backend,
	}
	api.Success(w, http.StatusOK, resp)
}
