package nats

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/model"
)

// conversationRecord is the KV value of a conversation. JetStream stamps each
// revision with the server time, which the record cannot know before it is
// written; products touched by a write are listed in Pending and take the
// revision time when the entry is read back.
type conversationRecord struct {
	model.Conversation

	Pending        []string `json:"pending_stamps,omitempty"`
	ContextPending bool     `json:"context_pending,omitempty"`
}

// newRecord prepares a fresh conversation for its first write.
func newRecord(conv model.Conversation) conversationRecord {
	rec := conversationRecord{Conversation: conv.Clone()}
	rec.Pending = slices.Sorted(maps.Keys(conv.DiscussedProducts))
	rec.ContextPending = conv.ProductContext != nil
	return rec
}

// applyUpdate returns the record for the next revision of conv.
func applyUpdate(conv model.Conversation, upd docstore.ConversationUpdate) conversationRecord {
	rec := conversationRecord{Conversation: conv.Clone()}
	if upd.LastMessage != nil {
		rec.LastMessage = *upd.LastMessage
	}
	if upd.Product != nil {
		snap := *upd.Product
		snap.LastDiscussed = time.Time{}
		if rec.DiscussedProducts == nil {
			rec.DiscussedProducts = make(map[string]model.ProductSnapshot)
		}
		rec.DiscussedProducts[snap.ID] = snap
		rec.ProductContext = &snap
		rec.Pending = []string{snap.ID}
		rec.ContextPending = true
	}
	return rec
}

func encodeRecord(rec conversationRecord) ([]byte, error) {
	rec.UpdatedAt = time.Time{}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return data, nil
}

// decodeRecord reads a conversation revision written at the given server time.
func decodeRecord(data []byte, written time.Time) (model.Conversation, error) {
	var rec conversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Conversation{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}

	written = written.UTC()
	conv := rec.Conversation
	conv.UpdatedAt = written
	for _, id := range rec.Pending {
		if p, ok := conv.DiscussedProducts[id]; ok {
			p.LastDiscussed = written
			conv.DiscussedProducts[id] = p
		}
	}
	if rec.ContextPending && conv.ProductContext != nil {
		conv.ProductContext.LastDiscussed = written
	}
	return conv, nil
}
