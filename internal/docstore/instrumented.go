package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/metrics"
)

// Instrument wraps s so every call is recorded in the store metrics.
func Instrument(s Store) Store {
	return &instrumented{next: s}
}

type instrumented struct {
	next Store
}

func observe(op string, start time.Time, err error) {
	metrics.RecordStoreOp(op, time.Since(start).Seconds(), err)
}

func (s *instrumented) SubscribeConversations(ctx context.Context, actorID string) (<-chan Snapshot[model.Conversation], CancelFunc, error) {
	start := time.Now()
	ch, cancel, err := s.next.SubscribeConversations(ctx, actorID)
	observe("subscribe_conversations", start, err)
	if err != nil {
		return nil, nil, err
	}
	return ch, track("conversations", cancel), nil
}

func (s *instrumented) SubscribeMessages(ctx context.Context, conversationID string) (<-chan Snapshot[model.Message], CancelFunc, error) {
	start := time.Now()
	ch, cancel, err := s.next.SubscribeMessages(ctx, conversationID)
	observe("subscribe_messages", start, err)
	if err != nil {
		return nil, nil, err
	}
	return ch, track("messages", cancel), nil
}

func (s *instrumented) CreateConversation(ctx context.Context, rec model.Conversation) (string, bool, error) {
	start := time.Now()
	id, created, err := s.next.CreateConversation(ctx, rec)
	observe("create_conversation", start, err)
	return id, created, err
}

func (s *instrumented) CreateMessage(ctx context.Context, conversationID string, msg model.Message) (string, error) {
	start := time.Now()
	id, err := s.next.CreateMessage(ctx, conversationID, msg)
	observe("create_message", start, err)
	return id, err
}

func (s *instrumented) UpdateConversation(ctx context.Context, conversationID string, upd ConversationUpdate) error {
	start := time.Now()
	err := s.next.UpdateConversation(ctx, conversationID, upd)
	observe("update_conversation", start, err)
	return err
}

func (s *instrumented) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *instrumented) Close() error {
	return s.next.Close()
}

// track keeps the active-subscription gauge in step with cancel.
func track(kind string, cancel CancelFunc) CancelFunc {
	gauge := metrics.SubscriptionsActive.WithLabelValues(kind)
	gauge.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			gauge.Dec()
			cancel()
		})
	}
}
