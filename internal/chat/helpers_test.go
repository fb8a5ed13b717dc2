package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/logger"
)

var (
	ava = model.Actor{ID: "cust-ava", DisplayName: "Ava", Role: model.RoleCustomer}
	bea = model.Actor{ID: "artist-bea", DisplayName: "Bea", Role: model.RoleArtist}
	cal = model.Actor{ID: "artist-cal", DisplayName: "Cal", Role: model.RoleArtist}

	lizard   = &model.Product{ID: "lizard", Title: "Rainbow Bead Lizard", Price: "$5.00", Image: "lizard.png"}
	bracelet = &model.Product{ID: "bracelet", Title: "Daisy Bead Bracelet", Price: "$4.00", Image: "bracelet.png"}
)

// spyStore counts writes and can fail them on demand.
type spyStore struct {
	docstore.Store

	mu                   sync.Mutex
	conversationsCreated int
	createCalls          int
	messagesCreated      int
	updates              int
	failCreate           error
	failMessage          error
	failUpdate           error
}

func newSpy(s docstore.Store) *spyStore {
	return &spyStore{Store: s}
}

func (s *spyStore) CreateConversation(ctx context.Context, rec model.Conversation) (string, bool, error) {
	s.mu.Lock()
	s.createCalls++
	fail := s.failCreate
	s.mu.Unlock()
	if fail != nil {
		return "", false, fail
	}

	id, created, err := s.Store.CreateConversation(ctx, rec)
	if err == nil && created {
		s.mu.Lock()
		s.conversationsCreated++
		s.mu.Unlock()
	}
	return id, created, err
}

func (s *spyStore) CreateMessage(ctx context.Context, conversationID string, msg model.Message) (string, error) {
	s.mu.Lock()
	fail := s.failMessage
	s.mu.Unlock()
	if fail != nil {
		return "", fail
	}

	id, err := s.Store.CreateMessage(ctx, conversationID, msg)
	if err == nil {
		s.mu.Lock()
		s.messagesCreated++
		s.mu.Unlock()
	}
	return id, err
}

func (s *spyStore) UpdateConversation(ctx context.Context, conversationID string, upd docstore.ConversationUpdate) error {
	s.mu.Lock()
	fail := s.failUpdate
	s.mu.Unlock()
	if fail != nil {
		return fail
	}

	err := s.Store.UpdateConversation(ctx, conversationID, upd)
	if err == nil {
		s.mu.Lock()
		s.updates++
		s.mu.Unlock()
	}
	return err
}

func (s *spyStore) counts() (conversations, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsCreated, s.messagesCreated
}

func (s *spyStore) setFailures(create, message, update error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate, s.failMessage, s.failUpdate = create, message, update
}

func newTestManager(t *testing.T, store docstore.Store, actor model.Actor) *Manager {
	t.Helper()
	m := NewManager(store, nil, logger.Nop(), WithStoreTimeout(time.Second), WithRetryBackoff(10*time.Millisecond))
	t.Cleanup(m.Close)
	m.SetActor(&actor)
	return m
}

// waitFor polls the manager until cond holds and returns the matching state.
func waitFor(t *testing.T, m *Manager, cond func(State) bool) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = m.State()
		return cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func hasConversations(n int) func(State) bool {
	return func(st State) bool { return len(st.Conversations) == n }
}

func hasMessages(n int) func(State) bool {
	return func(st State) bool { return len(st.ActiveMessages) == n }
}
