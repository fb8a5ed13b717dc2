// Package handler provides HTTP handlers for the API.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/chat"
	"github.com/young-artisan/storefront-chat/internal/middleware"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/internal/service"
	"github.com/young-artisan/storefront-chat/pkg/logger"
)

// Sessions hands out the chat manager of an actor.
type Sessions interface {
	Manager(actor model.Actor) (*chat.Manager, error)
	Stream(actor model.Actor) (*chat.Manager, func(), error)
}

// ChatHandler handles chat endpoints of the signed-in actor.
type ChatHandler struct {
	sessions Sessions
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(sessions Sessions, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		sessions: sessions,
		logger:   log,
	}
}

// ChatView is the chat state plus what the UI derives from it.
type ChatView struct {
	chat.State
	Products        []model.ProductSnapshot `json:"products"`
	VisibleMessages []model.Message         `json:"visible_messages"`
	MessageCounts   map[string]int          `json:"message_counts"`
}

func newView(st chat.State) ChatView {
	v := ChatView{
		State:           st,
		Products:        st.Products(),
		VisibleMessages: st.VisibleMessages(),
		MessageCounts:   st.Counts(),
	}
	if v.Conversations == nil {
		v.Conversations = []model.Conversation{}
	}
	if v.ActiveMessages == nil {
		v.ActiveMessages = []model.Message{}
	}
	if v.Products == nil {
		v.Products = []model.ProductSnapshot{}
	}
	if v.VisibleMessages == nil {
		v.VisibleMessages = []model.Message{}
	}
	return v
}

type openRequest struct {
	Artist  model.Actor    `json:"artist"`
	Product *model.Product `json:"product,omitempty"`
}

type sendRequest struct {
	Text     string            `json:"text"`
	Type     model.MessageType `json:"type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Product  *model.Product    `json:"product,omitempty"`
}

type selectConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type selectProductRequest struct {
	ProductID string `json:"product_id"`
}

type sessionProductRequest struct {
	Product *model.Product `json:"product"`
}

// manager resolves the request's chat manager, writing the error response
// when there is none.
func (h *ChatHandler) manager(w http.ResponseWriter, r *http.Request) (*chat.Manager, bool) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return nil, false
	}
	m, err := h.sessions.Manager(actor)
	if err != nil {
		h.writeChatError(w, err)
		return nil, false
	}
	return m, true
}

// Get handles GET /api/v1/chat
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newView(m.State()))
}

// Open handles POST /api/v1/chat/open
func (h *ChatHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateProduct(req.Product); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := m.OpenConversationWith(r.Context(), req.Artist, req.Product); err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newView(m.State()))
}

// Send handles POST /api/v1/chat/messages. Nothing sent answers 204.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMetadata(req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateProduct(req.Product); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	before := m.State()
	if strings.TrimSpace(req.Text) == "" || (before.Draft == nil && before.ActiveConversationID == "") {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	err := m.SendMessage(r.Context(), chat.SendRequest{
		Text:     req.Text,
		Type:     req.Type,
		Metadata: req.Metadata,
		Product:  req.Product,
	})
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newView(m.State()))
}

// Close handles POST /api/v1/chat/close
func (h *ChatHandler) Close(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	m.CloseChat()
	writeJSON(w, http.StatusOK, newView(m.State()))
}

// Reopen handles POST /api/v1/chat/reopen
func (h *ChatHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	m.OpenChat()
	writeJSON(w, http.StatusOK, newView(m.State()))
}

// SelectConversation handles PUT /api/v1/chat/active
func (h *ChatHandler) SelectConversation(w http.ResponseWriter, r *http.Request) {
	var req selectConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := m.SelectConversation(req.ConversationID); err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newView(m.State()))
}

// SelectProduct handles PUT /api/v1/chat/product
func (h *ChatHandler) SelectProduct(w http.ResponseWriter, r *http.Request) {
	var req selectProductRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID != "" {
		if err := middleware.ValidateID("product", req.ProductID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	m.SelectProduct(req.ProductID)
	writeJSON(w, http.StatusOK, newView(m.State()))
}

// SetSessionProduct handles PUT /api/v1/chat/session-product
func (h *ChatHandler) SetSessionProduct(w http.ResponseWriter, r *http.Request) {
	var req sessionProductRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateProduct(req.Product); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	m.SetSessionProduct(req.Product)
	writeJSON(w, http.StatusOK, newView(m.State()))
}

func validateProduct(p *model.Product) error {
	if p == nil {
		return nil
	}
	if err := middleware.ValidateID("product", p.ID); err != nil {
		return err
	}
	return middleware.ValidateTitle(p.Title)
}

// writeChatError maps chat errors to status codes. Anything else is a store
// failure; the client keeps its input and may retry.
func (h *ChatHandler) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrIncompleteParticipant):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, chat.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, chat.ErrSelfConversation), errors.Is(err, chat.ErrInvalidMessageType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrUnknownConversation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrClosed), errors.Is(err, service.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "chat session unavailable")
	default:
		h.logger.Error("chat store failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, "message could not be delivered, please retry")
	}
}
