package nats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// ConversationsBucket holds one entry per conversation, keyed by its ID.
	ConversationsBucket = "CHAT_CONVERSATIONS"

	// PairsBucket maps a participant pair to its conversation ID.
	PairsBucket = "CHAT_PAIRS"

	// MessagesStream holds every chat message.
	MessagesStream = "CHAT_MESSAGES"

	// SubjectPrefix is the prefix of all message subjects.
	SubjectPrefix = "chat.msg"
)

// Layout sizes the JetStream resources the store creates.
type Layout struct {
	Replicas int
	// MessageMaxAge bounds message retention. Zero keeps messages forever.
	MessageMaxAge time.Duration
}

// MessageSubject returns the subject carrying a conversation's messages.
func MessageSubject(conversationID string) string {
	return SubjectPrefix + "." + conversationID
}

// conversationFromSubject is the inverse of MessageSubject.
func conversationFromSubject(subject string) string {
	return strings.TrimPrefix(subject, SubjectPrefix+".")
}

// pairEntryKey turns a pair key into a valid KV key.
func pairEntryKey(pairKey string) string {
	sum := sha256.Sum256([]byte(pairKey))
	return hex.EncodeToString(sum[:])
}

// validID reports whether id is safe to use as a KV key and subject token.
func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// ensure creates the buckets and the stream when they do not exist yet.
func ensure(ctx context.Context, js jetstream.JetStream, layout Layout) (convs, pairs jetstream.KeyValue, stream jetstream.Stream, err error) {
	replicas := layout.Replicas
	if replicas < 1 {
		replicas = 1
	}

	convs, err = ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      ConversationsBucket,
		Description: "Chat conversations by ID",
		History:     5,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	pairs, err = ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      PairsBucket,
		Description: "Conversation ID by participant pair",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	stream, err = js.Stream(ctx, MessagesStream)
	if err == nil {
		return convs, pairs, stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, nil, nil, fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        MessagesStream,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      layout.MessageMaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Chat messages by conversation",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return convs, pairs, stream, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", cfg.Bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// isRevisionConflict reports whether err is a failed optimistic KV update.
func isRevisionConflict(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}
