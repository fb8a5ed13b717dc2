package chat

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/metrics"
)

// SendRequest is a message to send in the current chat.
type SendRequest struct {
	Text string
	// Type defaults to text.
	Type     model.MessageType
	Metadata map[string]string
	// Product overrides the session and draft products for this message.
	Product *model.Product
}

// SendMessage sends text in the current chat. Blank text and a chat with
// neither a draft nor an active conversation are no-ops.
//
// With a draft active the conversation is created first and the draft is
// promoted only after both writes succeed; on any failure the draft stays so
// the same send can be retried. Store failures are returned to the caller.
func (m *Manager) SendMessage(ctx context.Context, req SendRequest) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil
	}
	msgType := req.Type
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	if !msgType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "chat.SendMessage")
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	actor := cloneActor(m.actor)
	draft := m.draft
	activeID := m.activeID
	product := effectiveProduct(req.Product, m.sessionProduct, draft)
	m.mu.Unlock()

	if actor == nil {
		return ErrNotAuthenticated
	}

	msg := model.Message{
		SenderID:   actor.ID,
		SenderName: actor.Name(),
		Text:       text,
		Type:       msgType,
		Metadata:   maps.Clone(req.Metadata),
	}
	if product != nil {
		msg.ProductID = product.ID
		span.SetAttributes(attribute.String("chat.product_id", product.ID))
	}

	var err error
	switch {
	case draft != nil:
		span.SetAttributes(attribute.Bool("chat.draft", true))
		err = m.sendFirst(ctx, *actor, draft, msg, product)
	case activeID != "":
		span.SetAttributes(attribute.String("chat.conversation_id", activeID))
		err = m.sendTo(ctx, activeID, msg, product)
	default:
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		m.logger.Error("send message failed",
			zap.String("actor_id", actor.ID),
			zap.String("conversation_id", activeID),
			zap.Error(err),
		)
		return err
	}

	metrics.MessagesTotal.WithLabelValues(string(msgType)).Inc()
	return nil
}

// sendFirst creates the conversation for draft, writes its first message and
// promotes the draft. If the pair already has a conversation the store hands
// back its ID and the send proceeds as a follow-up message.
func (m *Manager) sendFirst(ctx context.Context, actor model.Actor, draft *model.DraftConversation, msg model.Message, product *model.Product) error {
	rec := model.Conversation{
		ParticipantIDs: []string{actor.ID, draft.Artist.ID},
		ParticipantNames: map[string]string{
			actor.ID:        actor.Name(),
			draft.Artist.ID: draft.Artist.Name(),
		},
	}
	if product != nil {
		snap := product.Snapshot()
		rec.DiscussedProducts = map[string]model.ProductSnapshot{snap.ID: snap}
		rec.ProductContext = &snap
	}

	var (
		id      string
		created bool
	)
	err := m.storeCall(ctx, func(ctx context.Context) error {
		var err error
		id, created, err = m.store.CreateConversation(ctx, rec)
		return err
	})
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	if err := m.storeCall(ctx, func(ctx context.Context) error {
		_, err := m.store.CreateMessage(ctx, id, msg)
		return err
	}); err != nil {
		return fmt.Errorf("create first message: %w", err)
	}

	if created {
		metrics.ConversationsTotal.Inc()
	}

	// The preview is only set once the message exists. A new conversation
	// already carries the product.
	upd := conversationUpdate(msg.Text, product)
	if created {
		upd.Product = nil
	}
	if err := m.storeCall(ctx, func(ctx context.Context) error {
		return m.store.UpdateConversation(ctx, id, upd)
	}); err != nil {
		if !created {
			return fmt.Errorf("update conversation: %w", err)
		}
		// The message is stored; a retry would duplicate it.
		m.logger.Warn("conversation preview not updated",
			zap.String("conversation_id", id),
			zap.Error(err),
		)
	}

	m.promote(draft, id)
	return nil
}

// sendTo writes a follow-up message and refreshes the conversation summary.
func (m *Manager) sendTo(ctx context.Context, conversationID string, msg model.Message, product *model.Product) error {
	if err := m.storeCall(ctx, func(ctx context.Context) error {
		_, err := m.store.CreateMessage(ctx, conversationID, msg)
		return err
	}); err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	if err := m.storeCall(ctx, func(ctx context.Context) error {
		return m.store.UpdateConversation(ctx, conversationID, conversationUpdate(msg.Text, product))
	}); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// promote turns the sent draft into the active conversation, unless the draft
// was closed or replaced while the writes were in flight.
func (m *Manager) promote(draft *model.DraftConversation, id string) {
	m.mu.Lock()
	if m.draft != draft {
		m.mu.Unlock()
		m.logger.Debug("draft superseded before promotion", zap.String("conversation_id", id))
		return
	}
	tab := m.activeProductID
	m.draft = nil
	gen, subscribe := m.activateLocked(id, draft.Product)
	if tab != "" {
		m.activeProductID = tab
	}
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.Info("conversation started", zap.String("conversation_id", id))
	if subscribe {
		m.subscribeMessages(gen, id)
	}
}

// storeCall runs fn under the per-operation store timeout.
func (m *Manager) storeCall(ctx context.Context, fn func(context.Context) error) error {
	if m.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.storeTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// effectiveProduct resolves explicit > session > draft.
func effectiveProduct(explicit, session *model.Product, draft *model.DraftConversation) *model.Product {
	switch {
	case explicit != nil:
		return cloneProduct(explicit)
	case session != nil:
		return cloneProduct(session)
	case draft != nil && draft.Product != nil:
		return cloneProduct(draft.Product)
	}
	return nil
}

func conversationUpdate(text string, product *model.Product) docstore.ConversationUpdate {
	upd := docstore.ConversationUpdate{LastMessage: &text}
	if product != nil {
		snap := product.Snapshot()
		upd.Product = &snap
	}
	return upd
}
