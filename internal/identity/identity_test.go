package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/young-artisan/storefront-chat/internal/model"
)

func recv(t *testing.T, ch <-chan *model.Actor) *model.Actor {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for identity change")
	}
	return nil
}

func TestSessionLoginLogout(t *testing.T) {
	s := NewSession()
	assert.Nil(t, s.Current())

	ch := s.Subscribe(t.Context())

	s.Login(model.Actor{ID: "cust-1", DisplayName: "Ava"})
	got := recv(t, ch)
	require.NotNil(t, got)
	assert.Equal(t, "cust-1", got.ID)
	assert.Equal(t, "Ava", s.Current().DisplayName)

	s.Logout()
	assert.Nil(t, recv(t, ch))
	assert.Nil(t, s.Current())
}

func TestSessionSkipsUnchangedActor(t *testing.T) {
	s := NewSignedIn(model.Actor{ID: "cust-1"})
	ch := s.Subscribe(t.Context())

	s.Login(model.Actor{ID: "cust-1"})

	select {
	case a := <-ch:
		t.Fatalf("unexpected change %v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionKeepsLatestChange(t *testing.T) {
	s := NewSession()
	ch := s.Subscribe(t.Context())

	s.Login(model.Actor{ID: "a"})
	s.Login(model.Actor{ID: "b"})

	got := recv(t, ch)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := NewSession()
	ctx, cancel := context.WithCancel(t.Context())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	s := NewSignedIn(model.Actor{ID: "a", DisplayName: "Ann"})
	s.Current().DisplayName = "changed"
	assert.Equal(t, "Ann", s.Current().DisplayName)
}
