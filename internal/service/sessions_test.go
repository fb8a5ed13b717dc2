package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/young-artisan/storefront-chat/internal/chat"
	"github.com/young-artisan/storefront-chat/internal/docstore/memory"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var ava = model.Actor{ID: "cust-ava", DisplayName: "Ava", Role: model.RoleCustomer}

func newRegistry(t *testing.T) (*Sessions, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSessions(memory.New(), logger.Nop(), Options{IdleTTL: time.Minute, Now: clock.Now})
	t.Cleanup(s.Close)
	return s, clock
}

func TestManagerIsSharedPerActor(t *testing.T) {
	s, _ := newRegistry(t)

	m1, err := s.Manager(ava)
	require.NoError(t, err)
	m2, err := s.Manager(ava)
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	other, err := s.Manager(model.Actor{ID: "artist-bea"})
	require.NoError(t, err)
	assert.NotSame(t, m1, other)
	assert.Equal(t, 2, s.Len())

	require.Eventually(t, func() bool {
		st := m1.State()
		return st.Actor != nil && st.Actor.ID == ava.ID
	}, time.Second, 5*time.Millisecond)
}

func TestManagerRejectsAnonymous(t *testing.T) {
	s, _ := newRegistry(t)
	_, err := s.Manager(model.Actor{DisplayName: "ghost"})
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)
}

func TestProfileChangesReachManager(t *testing.T) {
	s, _ := newRegistry(t)
	m, err := s.Manager(ava)
	require.NoError(t, err)

	renamed := ava
	renamed.DisplayName = "Ava R."
	_, err = s.Manager(renamed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := m.State()
		return st.Actor != nil && st.Actor.DisplayName == "Ava R."
	}, time.Second, 5*time.Millisecond)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	s, clock := newRegistry(t)

	m, err := s.Manager(ava)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Zero(t, s.Sweep())

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Zero(t, s.Len())
	assert.ErrorIs(t, m.SelectConversation(""), chat.ErrClosed)

	fresh, err := s.Manager(ava)
	require.NoError(t, err)
	assert.NotSame(t, m, fresh)
}

func TestOpenStreamPinsSession(t *testing.T) {
	s, clock := newRegistry(t)

	_, release, err := s.Stream(ava)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Zero(t, s.Sweep())

	release()
	release()
	assert.Zero(t, s.Sweep(), "idle time restarts when the stream ends")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
}

func TestCloseEndsSessions(t *testing.T) {
	s, _ := newRegistry(t)
	m, err := s.Manager(ava)
	require.NoError(t, err)

	s.Close()
	assert.ErrorIs(t, m.SelectConversation(""), chat.ErrClosed)
	_, err = s.Manager(ava)
	assert.ErrorIs(t, err, ErrClosed)
}
