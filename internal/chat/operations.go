package chat

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/model"
)

// OpenConversationWith opens the chat with target, optionally about product.
// An existing conversation with target becomes active; otherwise a draft is
// staged. Nothing is written to the store until the first message is sent.
func (m *Manager) OpenConversationWith(ctx context.Context, target model.Actor, product *model.Product) error {
	_, span := m.tracer.Start(ctx, "chat.OpenConversationWith")
	defer span.End()
	span.SetAttributes(attribute.String("chat.target_id", target.ID))

	if !target.HasID() {
		m.logger.Warn("chat target has no identifier", zap.String("target_name", target.DisplayName))
		return ErrIncompleteParticipant
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.actor == nil {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	if m.actor.ID == target.ID {
		m.mu.Unlock()
		return ErrSelfConversation
	}

	m.sessionProduct = cloneProduct(product)
	m.open = true

	var (
		gen       uint64
		subscribe bool
		activeID  string
	)
	if conv := findWith(m.conversations, m.actor.ID, target.ID); conv != nil {
		activeID = conv.ID
		m.draft = nil
		gen, subscribe = m.activateLocked(activeID, nil)
	} else {
		m.draft = &model.DraftConversation{Artist: target, Product: cloneProduct(product)}
		gen, subscribe = m.activateLocked("", m.draft.Product)
	}
	m.notifyLocked()
	m.mu.Unlock()

	span.SetAttributes(attribute.Bool("chat.draft", activeID == ""))
	if subscribe {
		m.subscribeMessages(gen, activeID)
	}
	return nil
}

// CloseChat hides the chat and abandons any unsent draft. The active
// conversation is kept so reopening resumes it.
func (m *Manager) CloseChat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open = false
	if m.draft != nil {
		m.draft = nil
		if m.activeID == "" {
			m.activeProductID = ""
		}
	}
	m.notifyLocked()
}

// OpenChat shows the chat again without changing the selection.
func (m *Manager) OpenChat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open = true
	m.notifyLocked()
}

// SelectConversation makes id the active conversation. An empty id clears the
// selection. Any draft is discarded.
func (m *Manager) SelectConversation(id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if id != "" && findConversation(m.conversations, id) == nil {
		m.mu.Unlock()
		return ErrUnknownConversation
	}

	m.draft = nil
	gen, subscribe := m.activateLocked(id, nil)
	m.notifyLocked()
	m.mu.Unlock()

	if subscribe {
		m.subscribeMessages(gen, id)
	}
	return nil
}

// SelectProduct switches the product tab. An empty id shows every message.
func (m *Manager) SelectProduct(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activeProductID = productID
	m.notifyLocked()
}

// SetSessionProduct records the product the actor is currently looking at.
func (m *Manager) SetSessionProduct(product *model.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessionProduct = cloneProduct(product)
	m.notifyLocked()
}
