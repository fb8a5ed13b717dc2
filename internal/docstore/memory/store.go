// Package memory provides an in-process live document store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/model"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the server clock. Stamps stay strictly increasing even
// when the clock stalls or runs backwards.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps conversations and messages in memory and fans snapshots out to
// subscribers on every write.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	last   time.Time
	closed bool

	conversations map[string]*model.Conversation
	pairs         map[string]string
	messages      map[string][]model.Message

	convSubs map[string]map[string]*docstore.Feed[model.Conversation] // actorID -> subID -> feed
	msgSubs  map[string]map[string]*docstore.Feed[model.Message]      // conversationID -> subID -> feed
}

var _ docstore.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		conversations: make(map[string]*model.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]model.Message),
		convSubs:      make(map[string]map[string]*docstore.Feed[model.Conversation]),
		msgSubs:       make(map[string]map[string]*docstore.Feed[model.Message]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stamp returns the next server timestamp. Caller holds mu.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// SubscribeConversations implements docstore.Store.
func (s *Store) SubscribeConversations(ctx context.Context, actorID string) (<-chan docstore.Snapshot[model.Conversation], docstore.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, docstore.ErrClosed
	}

	subID := uuid.NewString()
	feed := docstore.NewFeed[model.Conversation]()
	if s.convSubs[actorID] == nil {
		s.convSubs[actorID] = make(map[string]*docstore.Feed[model.Conversation])
	}
	s.convSubs[actorID][subID] = feed
	feed.Push(docstore.Snapshot[model.Conversation]{Docs: s.conversationsFor(actorID)})

	cancel := s.cancelFunc(ctx, func() {
		if subs, ok := s.convSubs[actorID]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(s.convSubs, actorID)
			}
		}
		feed.Close()
	})

	return feed.C(), cancel, nil
}

// SubscribeMessages implements docstore.Store.
func (s *Store) SubscribeMessages(ctx context.Context, conversationID string) (<-chan docstore.Snapshot[model.Message], docstore.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, docstore.ErrClosed
	}

	subID := uuid.NewString()
	feed := docstore.NewFeed[model.Message]()
	if s.msgSubs[conversationID] == nil {
		s.msgSubs[conversationID] = make(map[string]*docstore.Feed[model.Message])
	}
	s.msgSubs[conversationID][subID] = feed
	feed.Push(docstore.Snapshot[model.Message]{Docs: s.messagesFor(conversationID)})

	cancel := s.cancelFunc(ctx, func() {
		if subs, ok := s.msgSubs[conversationID]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(s.msgSubs, conversationID)
			}
		}
		feed.Close()
	})

	return feed.C(), cancel, nil
}

// cancelFunc runs remove under the store lock at most once, on explicit cancel
// or when ctx ends.
func (s *Store) cancelFunc(ctx context.Context, remove func()) docstore.CancelFunc {
	var once sync.Once
	do := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			remove()
		})
	}
	stop := context.AfterFunc(ctx, do)
	return func() {
		stop()
		do()
	}
}

// CreateConversation implements docstore.Store.
func (s *Store) CreateConversation(ctx context.Context, rec model.Conversation) (string, bool, error) {
	pairKey, err := docstore.ValidateConversation(rec)
	if err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, docstore.ErrClosed
	}
	if id, ok := s.pairs[pairKey]; ok {
		return id, false, nil
	}

	now := s.stamp()
	conv := rec.Clone()
	conv.ID = uuid.NewString()
	conv.PairKey = pairKey
	conv.UpdatedAt = now
	for id, p := range conv.DiscussedProducts {
		p.LastDiscussed = now
		conv.DiscussedProducts[id] = p
	}
	if conv.ProductContext != nil {
		conv.ProductContext.LastDiscussed = now
	}

	s.conversations[conv.ID] = &conv
	s.pairs[pairKey] = conv.ID
	s.publishConversation(&conv)

	return conv.ID, true, nil
}

// CreateMessage implements docstore.Store.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, msg model.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", docstore.ErrClosed
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return "", fmt.Errorf("create message in %s: %w", conversationID, docstore.ErrNotFound)
	}

	msg.ID = uuid.NewString()
	msg.ConversationID = conversationID
	msg.Timestamp = s.stamp()
	if msg.Metadata != nil {
		md := make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			md[k] = v
		}
		msg.Metadata = md
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)

	docs := s.messagesFor(conversationID)
	for _, feed := range s.msgSubs[conversationID] {
		feed.Push(docstore.Snapshot[model.Message]{Docs: docs})
	}

	return msg.ID, nil
}

// UpdateConversation implements docstore.Store.
func (s *Store) UpdateConversation(ctx context.Context, conversationID string, upd docstore.ConversationUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return docstore.ErrClosed
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("update %s: %w", conversationID, docstore.ErrNotFound)
	}

	now := s.stamp()
	if upd.LastMessage != nil {
		conv.LastMessage = *upd.LastMessage
	}
	if upd.Product != nil {
		snap := *upd.Product
		snap.LastDiscussed = now
		if conv.DiscussedProducts == nil {
			conv.DiscussedProducts = make(map[string]model.ProductSnapshot)
		}
		conv.DiscussedProducts[snap.ID] = snap
		conv.ProductContext = &snap
	}
	conv.UpdatedAt = now
	s.publishConversation(conv)

	return nil
}

// Ping implements docstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return ctx.Err()
}

// Close ends every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.convSubs {
		for _, feed := range subs {
			feed.Close()
		}
	}
	for _, subs := range s.msgSubs {
		for _, feed := range subs {
			feed.Close()
		}
	}
	s.convSubs = nil
	s.msgSubs = nil
	return nil
}

// publishConversation re-delivers the list of each participant. Caller holds mu.
func (s *Store) publishConversation(conv *model.Conversation) {
	for _, actorID := range conv.ParticipantIDs {
		subs := s.convSubs[actorID]
		if len(subs) == 0 {
			continue
		}
		docs := s.conversationsFor(actorID)
		for _, feed := range subs {
			feed.Push(docstore.Snapshot[model.Conversation]{Docs: docs})
		}
	}
}

// conversationsFor builds a fresh sorted result set. Caller holds mu.
func (s *Store) conversationsFor(actorID string) []model.Conversation {
	docs := make([]model.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(actorID) {
			docs = append(docs, conv.Clone())
		}
	}
	docstore.SortConversations(docs)
	return docs
}

// messagesFor copies a conversation's messages. Caller holds mu.
func (s *Store) messagesFor(conversationID string) []model.Message {
	src := s.messages[conversationID]
	docs := make([]model.Message, len(src))
	copy(docs, src)
	docstore.SortMessages(docs)
	return docs
}
