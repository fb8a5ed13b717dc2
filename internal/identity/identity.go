// Package identity supplies the current actor and notifies on login and logout.
package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/young-artisan/storefront-chat/internal/model"
)

// Provider reports the current actor. A nil actor means nobody is signed in.
type Provider interface {
	Current() *model.Actor
	// Subscribe delivers the actor after every change until ctx ends.
	Subscribe(ctx context.Context) <-chan *model.Actor
}

// Session is a Provider whose actor is changed by Login and Logout.
type Session struct {
	mu          sync.RWMutex
	actor       *model.Actor
	subscribers map[string]chan *model.Actor
}

var _ Provider = (*Session)(nil)

// NewSession creates a signed-out session.
func NewSession() *Session {
	return &Session{subscribers: make(map[string]chan *model.Actor)}
}

// NewSignedIn creates a session already holding actor.
func NewSignedIn(actor model.Actor) *Session {
	s := NewSession()
	s.actor = &actor
	return s
}

// Current implements Provider.
func (s *Session) Current() *model.Actor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actor == nil {
		return nil
	}
	a := *s.actor
	return &a
}

// Login replaces the current actor.
func (s *Session) Login(actor model.Actor) {
	s.set(&actor)
}

// Logout clears the current actor.
func (s *Session) Logout() {
	s.set(nil)
}

func (s *Session) set(actor *model.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sameActor(s.actor, actor) {
		return
	}
	s.actor = actor
	for _, ch := range s.subscribers {
		push(ch, actor)
	}
}

// Subscribe implements Provider. Only the latest unread change is kept.
func (s *Session) Subscribe(ctx context.Context) <-chan *model.Actor {
	id := uuid.NewString()
	ch := make(chan *model.Actor, 1)

	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
		close(ch)
	})

	return ch
}

// push replaces any unread value. Caller holds the write lock.
func push(ch chan *model.Actor, actor *model.Actor) {
	var v *model.Actor
	if actor != nil {
		a := *actor
		v = &a
	}
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func sameActor(a, b *model.Actor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
