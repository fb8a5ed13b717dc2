package model

import (
	"slices"
	"time"
)

// Conversation is a persisted chat between exactly two actors.
type Conversation struct {
	ID                string                     `json:"id"`
	PairKey           string                     `json:"pair_key"`
	ParticipantIDs    []string                   `json:"participant_ids"`
	ParticipantNames  map[string]string          `json:"participant_names"`
	LastMessage       string                     `json:"last_message"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	DiscussedProducts map[string]ProductSnapshot `json:"discussed_products,omitempty"`

	// ProductContext mirrors the most recently discussed entry of DiscussedProducts
	// for readers that predate the map.
	ProductContext *ProductSnapshot `json:"product_context,omitempty"`
}

// HasParticipant reports whether actorID takes part in the conversation.
func (c *Conversation) HasParticipant(actorID string) bool {
	return slices.Contains(c.ParticipantIDs, actorID)
}

// Counterpart returns the participant that is not actorID.
func (c *Conversation) Counterpart(actorID string) string {
	for _, id := range c.ParticipantIDs {
		if id != actorID {
			return id
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c Conversation) Clone() Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.ParticipantNames != nil {
		names := make(map[string]string, len(c.ParticipantNames))
		for k, v := range c.ParticipantNames {
			names[k] = v
		}
		c.ParticipantNames = names
	}
	if c.DiscussedProducts != nil {
		products := make(map[string]ProductSnapshot, len(c.DiscussedProducts))
		for k, v := range c.DiscussedProducts {
			products[k] = v
		}
		c.DiscussedProducts = products
	}
	if c.ProductContext != nil {
		pc := *c.ProductContext
		c.ProductContext = &pc
	}
	return c
}

// DraftConversation stages a conversation that has not been written yet.
type DraftConversation struct {
	Artist  Actor    `json:"artist"`
	Product *Product `json:"product,omitempty"`
}
