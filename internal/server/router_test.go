package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloo-solutions/cseassist/internal/api/handlers"
	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/cloo-solutions/cseassist/internal/index"
	"github.com/cloo-solutions/cseassist/internal/service"
	"github.com/cloo-solutions/cseassist/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cse_router_token"

type staticIndex struct {
	idx *index.VectorIndex
}

func (s staticIndex) Current() (*index.VectorIndex, error) { return s.idx, nil }

func (s staticIndex) Searcher() (service.VectorSearcher, error) { return s.idx, nil }

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, messages []domain.Message) (service.FragmentStream, error) {
	last := messages[len(messages)-1]
	return &onceStream{text: "Réponse: " + last.Content}, nil
}

type onceStream struct {
	text string
	sent bool
}

func (s *onceStream) Recv() (string, error) {
	if s.sent {
		return "", io.EOF
	}
	s.sent = true
	return s.text, nil
}

func (s *onceStream) Close() error { return nil }

func setupTestRouter(t *testing.T, token string) (http.Handler, *session.Store) {
	t.Helper()

	provider := embedding.NewHashProvider(64)
	chunks := []domain.Chunk{
		{ID: "a", Source: "accord.pdf", Page: 1, Index: 0, Content: "Le comité social et économique dispose d'heures de délégation."},
		{ID: "b", Source: "accord.pdf", Page: 2, Index: 1, Content: "Le budget des activités sociales et culturelles est fixé par accord."},
	}
	idx, err := index.Build(context.Background(), chunks, provider)
	require.NoError(t, err)

	src := staticIndex{idx: idx}
	store := session.NewStore(0)
	retriever := service.NewRetriever(src, provider, 1)
	chat := service.NewChatService(store, retriever, service.NewPromptAssembler("", service.UnboundedHistory{}), echoGenerator{})

	return NewRouter(RouterConfig{
		APIToken:       token,
		HealthHandler:  handlers.NewHealthHandler(src, store, "memory"),
		SessionHandler: handlers.NewSessionHandler(store, chat),
		SearchHandler:  handlers.NewSearchHandler(retriever),
	}), store
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestRouter_HealthIsPublic(t *testing.T) {
	router, _ := setupTestRouter(t, testToken)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), `"chunks":2`)
}

func TestRouter_RequiresToken(t *testing.T) {
	router, _ := setupTestRouter(t, testToken)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/sessions"},
		{http.MethodGet, "/sessions/x/messages"},
		{http.MethodPost, "/sessions/x/messages"},
		{http.MethodDelete, "/sessions/x"},
		{http.MethodPost, "/search"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, strings.NewReader(`{}`)))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRouter_OpenWithoutToken(t *testing.T) {
	router, _ := setupTestRouter(t, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRouter_ConversationFlow(t *testing.T) {
	router, store := setupTestRouter(t, testToken)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/sessions", nil)))
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data handlers.SessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Data.ID

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/messages",
		strings.NewReader(`{"content":"Combien d'heures de délégation ?"}`))))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: fragment")
	assert.Contains(t, w.Body.String(), "event: done")
	assert.Contains(t, w.Body.String(), `"source":"accord.pdf"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/messages", nil)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"assistant"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil)))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, store.Len())
}

func TestRouter_Search(t *testing.T) {
	router, _ := setupTestRouter(t, testToken)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/search",
		strings.NewReader(`{"query":"budget des activités sociales","k":1}`))))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"b"`)
}

func TestRouter_UnknownRoute(t *testing.T) {
	router, _ := setupTestRouter(t, testToken)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/knowledge", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "no route for /knowledge")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router, _ := setupTestRouter(t, testToken)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/search", nil)))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "GET is not allowed on /search")
}

func TestRouter_OversizeBody(t *testing.T) {
	router, _ := setupTestRouter(t, testToken)

	body := `{"query":"` + strings.Repeat("a", int(MaxBodyBytes)) + `"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(body))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRouter_OversizeChunkedBody(t *testing.T) {
	router, store := setupTestRouter(t, testToken)
	id := store.Create().ID()

	for _, target := range []string{"/search", "/sessions/" + id + "/messages"} {
		t.Run(target, func(t *testing.T) {
			body := `{"query":"` + strings.Repeat("a", int(MaxBodyBytes)) + `"}`
			req := httptest.NewRequest(http.MethodPost, target, io.NopCloser(strings.NewReader(body)))
			req.ContentLength = -1

			w := httptest.NewRecorder()
			router.ServeHTTP(w, authed(req))

			assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
			var resp struct {
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, domain.ErrCodeValidation, resp.Code)
			assert.Contains(t, resp.Error, "request body exceeds")
		})
	}
}
