package model

import (
	"time"
)

// MessageType distinguishes user text from system-generated notices.
type MessageType string

const (
	MessageTypeText           MessageType = "text"
	MessageTypeProductContext MessageType = "product_context"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeProductContext
}

// Message is an immutable chat message within a conversation.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name"`
	Text           string            `json:"text"`
	Type           MessageType       `json:"type"`
	ProductID      string            `json:"product_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Timestamp is assigned by the store on write.
	Timestamp time.Time `json:"timestamp"`
}
