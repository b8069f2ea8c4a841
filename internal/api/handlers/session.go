package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cloo-solutions/cseassist/internal/api"
	"github.com/cloo-solutions/cseassist/internal/pagination"
	"github.com/cloo-solutions/cseassist/internal/service"
	"github.com/cloo-solutions/cseassist/internal/session"
	"github.com/go-chi/chi/v5"
)

// SessionStore is implemented by session.Store.
type SessionStore interface {
	Create() *session.Conversation
	Get(id string) (*session.Conversation, error)
	Delete(id string) error
}

// ChatService is implemented by service.ChatService.
type ChatService interface {
	Ask(ctx context.Context, sessionID, question string) (*service.TurnStream, error)
}

type SessionHandler struct {
	sessions SessionStore
	chat     ChatService
}

func NewSessionHandler(sessions SessionStore, chat ChatService) *SessionHandler {
	return &SessionHandler{sessions: sessions, chat: chat}
}

type SessionResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

type MessageResponse struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type AskRequest struct {
	Content string `json:"content"`
}

// FragmentEvent is the payload of an SSE "fragment" event.
type FragmentEvent struct {
	Content string `json:"content"`
}

// DoneEvent is the payload of an SSE "done" event.
type DoneEvent struct {
	Answer  string            `json:"answer"`
	Sources []*SourceResponse `json:"sources"`
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	conv := h.sessions.Create()
	api.Success(w, http.StatusCreated, &SessionResponse{
		ID:        conv.ID(),
		CreatedAt: conv.CreatedAt().Format(time.RFC3339),
	})
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Delete(id); err != nil {
		api.HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Messages lists the stored history of a session, oldest first.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.sessions.Get(id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			api.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	messages := conv.Messages()
	items := make([]*MessageResponse, len(messages))
	for i, m := range messages {
		items[i] = &MessageResponse{
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	page, err := pagination.Page(id, items, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	api.Success(w, http.StatusOK, page)
}

// Ask runs one turn and streams the answer as Server-Sent Events. Errors found
// before the first byte is written are plain JSON error responses; later
// failures arrive as an "error" event.
func (h *SessionHandler) Ask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AskRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}

	turn, err := h.chat.Ask(r.Context(), id, req.Content)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	defer turn.Close()

	stream := api.OpenEventStream(w)
	for {
		fragment, err := turn.Recv()
		if errors.Is(err, io.EOF) {
			stream.Send("done", &DoneEvent{
				Answer:  turn.Answer(),
				Sources: sourcesToResponse(turn.Sources()),
			})
			return
		}
		if err != nil {
			log.Printf("session %s: answer stream failed: %v", id, err)
			stream.SendError(err)
			return
		}
		if err := stream.Send("fragment", &FragmentEvent{Content: fragment}); err != nil {
			// client went away; Close discards the partial answer
			return
		}
	}
}
