package chat

import (
	"github.com/young-artisan/storefront-chat/internal/model"
)

// State is a point-in-time copy of everything the chat UI renders.
type State struct {
	Actor                *model.Actor             `json:"actor,omitempty"`
	Conversations        []model.Conversation     `json:"conversations"`
	ActiveConversationID string                   `json:"active_conversation_id,omitempty"`
	ActiveMessages       []model.Message          `json:"active_messages"`
	Draft                *model.DraftConversation `json:"draft,omitempty"`
	SessionProduct       *model.Product           `json:"session_product,omitempty"`
	ActiveProductID      string                   `json:"active_product_id,omitempty"`
	Open                 bool                     `json:"open"`
}

// ActiveConversation looks the active conversation up in the list. It is nil
// until the list subscription has delivered it.
func (s State) ActiveConversation() *model.Conversation {
	return findConversation(s.Conversations, s.ActiveConversationID)
}

// Products is the product tab list for the active conversation or draft.
func (s State) Products() []model.ProductSnapshot {
	var draft *model.Product
	if s.Draft != nil {
		draft = s.Draft.Product
	}
	return DiscussedProducts(s.ActiveConversation(), s.SessionProduct, draft)
}

// VisibleMessages is what the chat pane shows: the active product's thread, or
// every message when no product tab is selected.
func (s State) VisibleMessages() []model.Message {
	if s.ActiveProductID == "" {
		return s.ActiveMessages
	}
	return MessagesForProduct(s.ActiveMessages, s.ActiveProductID)
}

// Counts is the per-product message count of the active conversation.
func (s State) Counts() map[string]int {
	return MessageCounts(s.ActiveMessages)
}

func findConversation(convs []model.Conversation, id string) *model.Conversation {
	if id == "" {
		return nil
	}
	for i := range convs {
		if convs[i].ID == id {
			return &convs[i]
		}
	}
	return nil
}

// findWith returns selfID's conversation with targetID.
func findWith(convs []model.Conversation, selfID, targetID string) *model.Conversation {
	for i := range convs {
		if convs[i].HasParticipant(selfID) && convs[i].Counterpart(selfID) == targetID {
			return &convs[i]
		}
	}
	return nil
}

func cloneProduct(p *model.Product) *model.Product {
	if p == nil {
		return nil
	}
	c := *p
	if p.Artist != nil {
		a := *p.Artist
		c.Artist = &a
	}
	return &c
}

func cloneActor(a *model.Actor) *model.Actor {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func cloneConversations(convs []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.Clone()
	}
	return out
}

func cloneMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
