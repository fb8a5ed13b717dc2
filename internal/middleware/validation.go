package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	maxMessageLength = 4000
	maxIDLength      = 128
	maxTitleLength   = 256
	maxMetadataKeys  = 16
)

// ValidateMessageText validates message text. Blank text is allowed and sends nothing.
func ValidateMessageText(text string) error {
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return errors.New("text exceeds maximum length")
	}
	return nil
}

// ValidateID validates an actor, product or conversation identifier.
func ValidateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New(kind + " ID cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New(kind + " ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New(kind + " ID must be valid UTF-8")
	}
	return nil
}

// ValidateTitle validates a product title.
func ValidateTitle(title string) error {
	if len(title) > maxTitleLength {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// ValidateMetadata validates message metadata.
func ValidateMetadata(md map[string]string) error {
	if len(md) > maxMetadataKeys {
		return errors.New("too many metadata entries")
	}
	for k, v := range md {
		if k == "" || len(k) > maxIDLength {
			return errors.New("invalid metadata key")
		}
		if len(v) > maxMessageLength {
			return errors.New("metadata value exceeds maximum length")
		}
	}
	return nil
}
