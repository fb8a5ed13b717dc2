package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/docstore/memory"
	"github.com/young-artisan/storefront-chat/internal/middleware"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/internal/service"
	"github.com/young-artisan/storefront-chat/pkg/logger"
)

var (
	ava = model.Actor{ID: "cust-ava", DisplayName: "Ava", Role: model.RoleCustomer}
	bea = model.Actor{ID: "artist-bea", DisplayName: "Bea", Role: model.RoleArtist}
)

var errUnavailable = errors.New("store unavailable")

// brokenStore fails every write and health check.
type brokenStore struct {
	docstore.Store
}

func (brokenStore) CreateConversation(context.Context, model.Conversation) (string, bool, error) {
	return "", false, errUnavailable
}

func (brokenStore) CreateMessage(context.Context, string, model.Message) (string, error) {
	return "", errUnavailable
}

func (brokenStore) Ping(context.Context) error {
	return errUnavailable
}

func newTestHandler(t *testing.T, store docstore.Store) *ChatHandler {
	t.Helper()
	sessions := service.NewSessions(store, logger.Nop(), service.Options{StoreTimeout: time.Second})
	t.Cleanup(sessions.Close)
	return NewChatHandler(sessions, logger.Nop())
}

func do(t *testing.T, h http.HandlerFunc, actor model.Actor, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req = req.WithContext(middleware.WithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) ChatView {
	t.Helper()
	var v ChatView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestGetEmptyChat(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := do(t, h.Get, ava, http.MethodGet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"conversations":[]`)
	assert.Contains(t, rec.Body.String(), `"visible_messages":[]`)

	v := decodeView(t, rec)
	require.NotNil(t, v.Actor)
	assert.Equal(t, ava.ID, v.Actor.ID)
	assert.False(t, v.Open)
}

func TestOpenRejectsIncompleteArtist(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := do(t, h.Open, ava, http.MethodPost, `{"artist":{"display_name":"Nameless"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h.Open, ava, http.MethodPost, `{"artist":{"id":"cust-ava"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "self conversation")

	rec = do(t, h.Open, ava, http.MethodPost, `{"artist":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenAndSend(t *testing.T) {
	store := memory.New()
	h := newTestHandler(t, store)

	rec := do(t, h.Open, ava, http.MethodPost,
		`{"artist":{"id":"artist-bea","display_name":"Bea"},"product":{"id":"lizard","title":"Rainbow Bead Lizard"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeView(t, rec)
	require.NotNil(t, v.Draft)
	assert.True(t, v.Open)
	require.Len(t, v.Products, 1)
	assert.Equal(t, "lizard", v.Products[0].ID)

	rec = do(t, h.Send, ava, http.MethodPost, `{"text":"   "}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, "blank text sends nothing")

	rec = do(t, h.Send, ava, http.MethodPost, `{"text":"Is the lizard still available?"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	v = decodeView(t, rec)
	assert.Nil(t, v.Draft)
	require.NotEmpty(t, v.ActiveConversationID)

	require.Eventually(t, func() bool {
		v := decodeView(t, do(t, h.Get, ava, http.MethodGet, ""))
		return len(v.Conversations) == 1 && len(v.ActiveMessages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	v = decodeView(t, do(t, h.Get, ava, http.MethodGet, ""))
	assert.Equal(t, "lizard", v.ActiveMessages[0].ProductID)
	assert.Equal(t, 1, v.MessageCounts["lizard"])

	// The artist sees the same conversation.
	rec = do(t, h.Get, bea, http.MethodGet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		v := decodeView(t, do(t, h.Get, bea, http.MethodGet, ""))
		return len(v.Conversations) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendWithoutChatIsNoContent(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := do(t, h.Send, ava, http.MethodPost, `{"text":"hello"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSendValidation(t *testing.T) {
	h := newTestHandler(t, memory.New())
	require.Equal(t, http.StatusOK, do(t, h.Open, ava, http.MethodPost, `{"artist":{"id":"artist-bea"}}`).Code)

	rec := do(t, h.Send, ava, http.MethodPost, `{"text":"hi","type":"sticker"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Send, ava, http.MethodPost, `{"text":"`+strings.Repeat("a", 4001)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Send, ava, http.MethodPost, `{"text":"hi","product":{"id":"bad id!","title":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendStoreFailureKeepsDraft(t *testing.T) {
	h := newTestHandler(t, brokenStore{Store: memory.New()})
	require.Equal(t, http.StatusOK, do(t, h.Open, ava, http.MethodPost, `{"artist":{"id":"artist-bea"}}`).Code)

	rec := do(t, h.Send, ava, http.MethodPost, `{"text":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "please retry")

	v := decodeView(t, do(t, h.Get, ava, http.MethodGet, ""))
	assert.NotNil(t, v.Draft, "draft survives for a retry")
	assert.Empty(t, v.ActiveConversationID)
}

func TestSelectConversationAndProduct(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := do(t, h.SelectConversation, ava, http.MethodPut, `{"conversation_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h.SelectConversation, ava, http.MethodPut, `{"conversation_id":""}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h.SelectProduct, ava, http.MethodPut, `{"product_id":"lizard"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lizard", decodeView(t, rec).ActiveProductID)

	rec = do(t, h.SelectProduct, ava, http.MethodPut, `{"product_id":"no spaces"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.SetSessionProduct, ava, http.MethodPut, `{"product":{"id":"bracelet","title":"Daisy Bead Bracelet"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeView(t, rec)
	require.NotNil(t, v.SessionProduct)
	assert.Equal(t, "bracelet", v.SessionProduct.ID)

	rec = do(t, h.SetSessionProduct, ava, http.MethodPut, `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeView(t, rec).SessionProduct)
}

func TestCloseAndReopen(t *testing.T) {
	h := newTestHandler(t, memory.New())
	require.Equal(t, http.StatusOK, do(t, h.Open, ava, http.MethodPost, `{"artist":{"id":"artist-bea"}}`).Code)

	v := decodeView(t, do(t, h.Close, ava, http.MethodPost, ""))
	assert.False(t, v.Open)
	assert.Nil(t, v.Draft)

	v = decodeView(t, do(t, h.Reopen, ava, http.MethodPost, ""))
	assert.True(t, v.Open)
}

func TestMissingActor(t *testing.T) {
	h := newTestHandler(t, memory.New())

	rec := httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamSendsState(t *testing.T) {
	h := newTestHandler(t, memory.New())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Stream(time.Hour)(w, r.WithContext(middleware.WithActor(r.Context(), ava)))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 8)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	next := func() string {
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("no SSE event")
			return ""
		}
	}
	assert.Equal(t, "state", next())

	// A change made through another request reaches the stream.
	require.Equal(t, http.StatusOK, do(t, h.Reopen, ava, http.MethodPost, "").Code)
	assert.Equal(t, "state", next())
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(memory.New(), logger.Nop()).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(brokenStore{Store: memory.New()}, logger.Nop()).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(nil, logger.Nop()).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter(t *testing.T) {
	const secret = "router-secret"
	store := memory.New()
	sessions := service.NewSessions(store, logger.Nop(), service.Options{})
	t.Cleanup(sessions.Close)

	router := NewRouter(RouterConfig{
		JWTSecret:            secret,
		RateLimitRequests:    100,
		RateLimitWindow:      time.Minute,
		SSEHeartbeatInterval: time.Second,
	}, store, sessions, logger.Nop())

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ava.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: ava.DisplayName,
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	serve := func(method, path, body string, auth bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		if auth {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, "/api/v1/chat", "", false).Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/api/v1/chat", "", true).Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/api/v1/chat/open", `{"artist":{"id":"artist-bea"}}`, true).Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodPut, "/api/v1/chat/product", `{"product_id":""}`, true).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(http.MethodGet, "/api/v1/chat/open", "", true).Code)

	rec = serve(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicRoutesAreRateLimited(t *testing.T) {
	store := memory.New()
	sessions := service.NewSessions(store, logger.Nop(), service.Options{})
	t.Cleanup(sessions.Close)

	router := NewRouter(RouterConfig{
		JWTSecret:         "secret",
		RateLimitRequests: 1,
		RateLimitWindow:   time.Minute,
	}, store, sessions, logger.Nop())

	get := func(path string) int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusTooManyRequests, get("/ready"))
}
