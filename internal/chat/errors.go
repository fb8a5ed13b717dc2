package chat

import "errors"

var (
	// ErrIncompleteParticipant is returned when the chat target has no identifier.
	ErrIncompleteParticipant = errors.New("participant has no identifier")
	// ErrNotAuthenticated is returned when no actor is signed in.
	ErrNotAuthenticated = errors.New("no signed-in actor")
	// ErrSelfConversation is returned when an actor targets themselves.
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	// ErrUnknownConversation is returned when selecting a conversation the actor is not part of.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrInvalidMessageType is returned for message types other than text and product_context.
	ErrInvalidMessageType = errors.New("invalid message type")
	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("chat manager closed")
)
