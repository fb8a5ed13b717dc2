// Package docstore defines the live document store the chat runs against.
//
// A store persists conversations and messages and answers two live queries:
// the conversations an actor takes part in, and the messages of one
// conversation. Every relevant write re-delivers the full current result set
// to each open subscription.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/young-artisan/storefront-chat/internal/model"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidConversation is returned for records without two distinct participants.
	ErrInvalidConversation = errors.New("conversation needs two distinct participants")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("document store closed")
)

// Snapshot is one delivery of a live query. Docs is the complete result set;
// a non-nil Err means the subscription failed and no further snapshots follow.
type Snapshot[T any] struct {
	Docs []T
	Err  error
}

// CancelFunc tears down a subscription. It is safe to call more than once.
type CancelFunc func()

// ConversationUpdate carries the fields a send rewrites. Nil fields are left alone;
// UpdatedAt is always stamped by the store.
type ConversationUpdate struct {
	LastMessage *string

	// Product is upserted into DiscussedProducts under its ID and becomes the
	// conversation's ProductContext. LastDiscussed is stamped by the store.
	Product *model.ProductSnapshot
}

// Store is a document store with live queries.
type Store interface {
	// SubscribeConversations streams conversations containing actorID, newest first.
	SubscribeConversations(ctx context.Context, actorID string) (<-chan Snapshot[model.Conversation], CancelFunc, error)

	// SubscribeMessages streams a conversation's messages, oldest first.
	SubscribeMessages(ctx context.Context, conversationID string) (<-chan Snapshot[model.Message], CancelFunc, error)

	// CreateConversation persists rec. When the participant pair already has a
	// conversation its ID is returned with created=false and nothing is written.
	CreateConversation(ctx context.Context, rec model.Conversation) (id string, created bool, err error)

	// CreateMessage appends msg to a conversation and returns the new message ID.
	CreateMessage(ctx context.Context, conversationID string, msg model.Message) (string, error)

	// UpdateConversation applies a partial update.
	UpdateConversation(ctx context.Context, conversationID string, upd ConversationUpdate) error

	Ping(ctx context.Context) error
	Close() error
}

// PairKey is the order-independent key of a participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ValidateConversation checks that rec names exactly two distinct participants
// and returns their pair key.
func ValidateConversation(rec model.Conversation) (string, error) {
	if len(rec.ParticipantIDs) != 2 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidConversation, len(rec.ParticipantIDs))
	}
	a, b := rec.ParticipantIDs[0], rec.ParticipantIDs[1]
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" || a == b {
		return "", ErrInvalidConversation
	}
	return PairKey(a, b), nil
}
