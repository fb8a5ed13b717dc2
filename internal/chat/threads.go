package chat

import (
	"maps"
	"slices"
	"strings"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/model"
)

// DiscussedProducts is the product tab list of a conversation: every recorded
// product, the legacy product context, and the session and draft products when
// the conversation has not recorded them yet. Newest first; products without a
// LastDiscussed stamp come last. conv, session and draft may each be nil.
func DiscussedProducts(conv *model.Conversation, session, draft *model.Product) []model.ProductSnapshot {
	seen := make(map[string]bool)
	var out []model.ProductSnapshot
	add := func(p model.ProductSnapshot) {
		if p.ID == "" || seen[p.ID] {
			return
		}
		seen[p.ID] = true
		out = append(out, p)
	}

	if conv != nil {
		for _, id := range slices.Sorted(maps.Keys(conv.DiscussedProducts)) {
			add(conv.DiscussedProducts[id])
		}
		if conv.ProductContext != nil {
			add(*conv.ProductContext)
		}
	}
	if session != nil {
		add(session.Snapshot())
	}
	if draft != nil {
		add(draft.Snapshot())
	}

	slices.SortStableFunc(out, func(a, b model.ProductSnapshot) int {
		switch {
		case a.LastDiscussed.IsZero() && b.LastDiscussed.IsZero():
			return 0
		case a.LastDiscussed.IsZero():
			return 1
		case b.LastDiscussed.IsZero():
			return -1
		}
		if c := b.LastDiscussed.Compare(a.LastDiscussed); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// DefaultProductTab picks the product tab shown when a conversation is opened:
// the session product, else the draft product, else the most recently
// discussed one. Empty when there is none.
func DefaultProductTab(conv *model.Conversation, session, draft *model.Product) string {
	if session != nil && session.ID != "" {
		return session.ID
	}
	if draft != nil && draft.ID != "" {
		return draft.ID
	}
	if products := DiscussedProducts(conv, nil, nil); len(products) > 0 {
		return products[0].ID
	}
	return ""
}

// MessagesForProduct returns the messages tagged with productID in timestamp
// order. Messages without a product never match.
func MessagesForProduct(msgs []model.Message, productID string) []model.Message {
	if productID == "" {
		return nil
	}
	var out []model.Message
	for _, msg := range msgs {
		if msg.ProductID == productID {
			out = append(out, msg)
		}
	}
	docstore.SortMessages(out)
	return out
}

// MessageCounts counts messages per product ID.
func MessageCounts(msgs []model.Message) map[string]int {
	counts := make(map[string]int)
	for _, msg := range msgs {
		if msg.ProductID != "" {
			counts[msg.ProductID]++
		}
	}
	return counts
}
