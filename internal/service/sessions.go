// Package service keeps one chat session per signed-in actor.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/chat"
	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/identity"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/logger"
	"github.com/young-artisan/storefront-chat/pkg/metrics"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session registry closed")

// Options configures the registry.
type Options struct {
	// IdleTTL evicts sessions with no open streams and no requests for this long.
	IdleTTL time.Duration
	// StoreTimeout bounds each store write of a session's manager.
	StoreTimeout time.Duration
	// Now replaces the clock used for idle tracking.
	Now func() time.Time
}

type session struct {
	identity *identity.Session
	manager  *chat.Manager
	lastSeen time.Time
	streams  int
}

// Sessions lazily creates a chat.Manager per actor and shares it between that
// actor's requests and streams.
type Sessions struct {
	store  docstore.Store
	base   *logger.Logger
	logger *logger.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
}

// NewSessions creates an empty registry on store.
func NewSessions(store docstore.Store, log *logger.Logger, opts Options) *Sessions {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sessions{
		store:    store,
		base:     log,
		logger:   log.Component("sessions"),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Manager returns the actor's manager, creating it on first use. Profile
// changes carried by actor are applied to an existing session.
func (s *Sessions) Manager(actor model.Actor) (*chat.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(actor)
	if err != nil {
		return nil, err
	}
	return sess.manager, nil
}

// Stream is like Manager but pins the session until release is called, so an
// open event stream is never evicted.
func (s *Sessions) Stream(actor model.Actor) (*chat.Manager, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(actor)
	if err != nil {
		return nil, nil, err
	}
	sess.streams++

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			sess.streams--
			sess.lastSeen = s.opts.Now()
		})
	}
	return sess.manager, release, nil
}

func (s *Sessions) getLocked(actor model.Actor) (*session, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if !actor.HasID() {
		return nil, chat.ErrNotAuthenticated
	}

	sess, ok := s.sessions[actor.ID]
	if ok {
		sess.identity.Login(actor)
		sess.lastSeen = s.opts.Now()
		return sess, nil
	}

	var opts []chat.Option
	if s.opts.StoreTimeout > 0 {
		opts = append(opts, chat.WithStoreTimeout(s.opts.StoreTimeout))
	}
	ids := identity.NewSignedIn(actor)
	m := chat.NewManager(s.store, ids, s.base.With(zap.String("actor_id", actor.ID)), opts...)
	m.Start(s.ctx)

	sess = &session{identity: ids, manager: m, lastSeen: s.opts.Now()}
	s.sessions[actor.ID] = sess
	metrics.ChatSessionsActive.Set(float64(len(s.sessions)))
	s.logger.Debug("session started", zap.String("actor_id", actor.ID))
	return sess, nil
}

// Sweep evicts idle sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	now := s.opts.Now()
	var evicted []*session
	for id, sess := range s.sessions {
		if sess.streams > 0 || now.Sub(sess.lastSeen) < s.opts.IdleTTL {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, sess)
		s.logger.Debug("session expired", zap.String("actor_id", id))
	}
	metrics.ChatSessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	for _, sess := range evicted {
		end(sess)
	}
	return len(evicted)
}

// Run sweeps every interval until ctx ends.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("evicted idle chat sessions", zap.Int("count", n))
			}
		}
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every session.
func (s *Sessions) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*session)
	metrics.ChatSessionsActive.Set(0)
	s.mu.Unlock()

	for _, sess := range all {
		end(sess)
	}
	s.cancel()
}

func end(sess *session) {
	sess.identity.Logout()
	sess.manager.Close()
}
