// Package chat coordinates one actor's conversations against a live document store.
//
// The Manager owns the conversation list, the active conversation and its
// messages, an unsent draft conversation, and the product currently under
// discussion. Lists are owned by store subscriptions: every snapshot replaces
// the local copy, and local writes only show up once the store echoes them.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/identity"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/logger"
	"github.com/young-artisan/storefront-chat/pkg/tracing"
)

const tracerName = "github.com/young-artisan/storefront-chat/internal/chat"

// Option configures a Manager.
type Option func(*Manager)

// maxRetryDelay caps the wait between subscription attempts.
const maxRetryDelay = 30 * time.Second

// WithStoreTimeout bounds every store write and the setup of each
// subscription. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) { m.storeTimeout = d }
}

// WithRetryBackoff sets the first delay before a failed subscription is
// opened again. Later attempts double it up to 30s.
func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.retryBackoff = d }
}

// WithTracer overrides the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// Manager is the conversation state machine of a single chat session.
type Manager struct {
	store        docstore.Store
	identity     identity.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
	storeTimeout time.Duration
	retryBackoff time.Duration

	// ctx scopes every subscription; cancel ends them on Close.
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes sends so a draft is promoted at most once.
	sendMu sync.Mutex

	mu              sync.Mutex
	closed          bool
	actor           *model.Actor
	conversations   []model.Conversation
	activeID        string
	messages        []model.Message
	draft           *model.DraftConversation
	sessionProduct  *model.Product
	activeProductID string
	open            bool

	convGen    uint64
	convCancel docstore.CancelFunc
	msgGen     uint64
	msgCancel  docstore.CancelFunc
	msgFailed  bool

	convRetries int
	msgRetries  int

	watchers    map[uint64]chan struct{}
	nextWatcher uint64
}

// NewManager creates a manager. Call Start to follow the identity provider, or
// drive it with SetActor.
func NewManager(store docstore.Store, ids identity.Provider, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:        store,
		identity:     ids,
		logger:       log.Component("chat"),
		tracer:       tracing.Tracer(tracerName),
		storeTimeout: 15 * time.Second,
		retryBackoff: time.Second,
		ctx:          ctx,
		cancel:       cancel,
		watchers:     make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start applies the provider's current actor and follows its changes until ctx
// ends or the manager is closed.
func (m *Manager) Start(ctx context.Context) {
	if m.identity == nil {
		return
	}
	updates := m.identity.Subscribe(ctx)
	m.SetActor(m.identity.Current())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case actor, ok := <-updates:
				if !ok {
					return
				}
				m.SetActor(actor)
			}
		}
	}()
}

// SetActor switches the signed-in actor. Both subscriptions of the previous
// actor are torn down before the new list subscription is opened; a nil actor
// leaves the manager empty.
func (m *Manager) SetActor(actor *model.Actor) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.actor != nil && actor != nil && m.actor.ID == actor.ID {
		m.actor = cloneActor(actor)
		m.notifyLocked()
		m.mu.Unlock()
		return
	}
	if m.actor == nil && actor == nil {
		m.mu.Unlock()
		return
	}

	m.stopConversationsLocked()
	m.stopMessagesLocked()
	m.actor = cloneActor(actor)
	m.conversations = nil
	m.activeID = ""
	m.messages = nil
	m.draft = nil
	m.sessionProduct = nil
	m.activeProductID = ""
	m.open = false
	m.convRetries = 0
	gen := m.convGen
	m.notifyLocked()
	m.mu.Unlock()

	if actor == nil {
		m.logger.Debug("actor signed out")
		return
	}
	m.logger.Debug("actor signed in", zap.String("actor_id", actor.ID))
	m.subscribeConversations(gen, actor.ID)
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var draft *model.DraftConversation
	if m.draft != nil {
		d := *m.draft
		d.Product = cloneProduct(d.Product)
		draft = &d
	}
	return State{
		Actor:                cloneActor(m.actor),
		Conversations:        cloneConversations(m.conversations),
		ActiveConversationID: m.activeID,
		ActiveMessages:       cloneMessages(m.messages),
		Draft:                draft,
		SessionProduct:       cloneProduct(m.sessionProduct),
		ActiveProductID:      m.activeProductID,
		Open:                 m.open,
	}
}

// Watch signals on every state change until ctx ends. Signals coalesce; read
// State after each one.
func (m *Manager) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = ch
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeWatcherLocked(id)
	})
	return ch
}

// Close tears down all subscriptions and watchers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.stopConversationsLocked()
	m.stopMessagesLocked()
	for id := range m.watchers {
		m.removeWatcherLocked(id)
	}
	m.cancel()
}

func (m *Manager) removeWatcherLocked(id uint64) {
	if ch, ok := m.watchers[id]; ok {
		delete(m.watchers, id)
		close(ch)
	}
}

func (m *Manager) notifyLocked() {
	for _, ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// stopConversationsLocked cancels the list subscription and invalidates any
// snapshot still in flight from it.
func (m *Manager) stopConversationsLocked() {
	m.convGen++
	if m.convCancel != nil {
		m.convCancel()
		m.convCancel = nil
	}
}

// stopMessagesLocked does the same for the message subscription.
func (m *Manager) stopMessagesLocked() {
	m.msgGen++
	m.msgFailed = false
	if m.msgCancel != nil {
		m.msgCancel()
		m.msgCancel = nil
	}
}

// activateLocked makes id the active conversation and picks its default
// product tab. When the active conversation changes the message subscription
// is restarted; the returned generation must then be passed to
// subscribeMessages once the lock is released.
func (m *Manager) activateLocked(id string, draftProduct *model.Product) (uint64, bool) {
	m.activeProductID = DefaultProductTab(findConversation(m.conversations, id), m.sessionProduct, draftProduct)

	if id == m.activeID && !m.msgFailed {
		return 0, false
	}
	if id != m.activeID {
		m.msgRetries = 0
	}
	m.stopMessagesLocked()
	m.activeID = id
	m.messages = nil
	return m.msgGen, id != ""
}

func (m *Manager) subscribeConversations(gen uint64, actorID string) {
	ch, cancel, err := boundedSubscribe(m, func(ctx context.Context) (<-chan docstore.Snapshot[model.Conversation], docstore.CancelFunc, error) {
		return m.store.SubscribeConversations(ctx, actorID)
	})
	if err != nil {
		m.logger.Warn("conversation subscription failed",
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
		m.mu.Lock()
		if gen == m.convGen {
			m.failConversationsLocked()
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if gen != m.convGen || m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.convCancel = cancel
	m.mu.Unlock()

	go func() {
		for snap := range ch {
			if !m.applyConversations(gen, snap) {
				return
			}
		}
		m.endConversations(gen)
	}()
}

// applyConversations installs a list snapshot. It reports false once the
// subscription is stale or failed.
func (m *Manager) applyConversations(gen uint64, snap docstore.Snapshot[model.Conversation]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.convGen {
		return false
	}
	if snap.Err != nil {
		m.logger.Warn("conversation subscription error", zap.Error(snap.Err))
		m.failConversationsLocked()
		return false
	}

	docs := cloneConversations(snap.Docs)
	docstore.SortConversations(docs)
	m.conversations = docs
	m.convRetries = 0
	if m.activeID != "" && m.activeProductID == "" {
		m.activeProductID = DefaultProductTab(findConversation(docs, m.activeID), m.sessionProduct, nil)
	}
	m.notifyLocked()
	return true
}

// endConversations handles a list stream that closed without being cancelled.
func (m *Manager) endConversations(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.convGen {
		return
	}
	m.logger.Warn("conversation subscription ended")
	m.failConversationsLocked()
}

// failConversationsLocked empties the list and schedules a new list
// subscription for the current actor. An actor change or Close in the
// meantime makes the attempt stale.
func (m *Manager) failConversationsLocked() {
	m.conversations = nil
	m.notifyLocked()
	if m.closed || m.actor == nil {
		return
	}

	m.stopConversationsLocked()
	gen, actorID := m.convGen, m.actor.ID
	delay := retryDelay(m.retryBackoff, m.convRetries)
	m.convRetries++

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.closed || gen != m.convGen
		m.mu.Unlock()
		if stale {
			return
		}
		m.logger.Debug("reopening conversation subscription", zap.String("actor_id", actorID))
		m.subscribeConversations(gen, actorID)
	})
}

func (m *Manager) subscribeMessages(gen uint64, conversationID string) {
	ch, cancel, err := boundedSubscribe(m, func(ctx context.Context) (<-chan docstore.Snapshot[model.Message], docstore.CancelFunc, error) {
		return m.store.SubscribeMessages(ctx, conversationID)
	})
	if err != nil {
		m.logger.Warn("message subscription failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		m.mu.Lock()
		if gen == m.msgGen {
			m.failMessagesLocked()
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if gen != m.msgGen || m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.msgCancel = cancel
	m.mu.Unlock()

	go func() {
		for snap := range ch {
			if !m.applyMessages(gen, snap) {
				return
			}
		}
		m.endMessages(gen)
	}()
}

func (m *Manager) applyMessages(gen uint64, snap docstore.Snapshot[model.Message]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.msgGen {
		return false
	}
	if snap.Err != nil {
		m.logger.Warn("message subscription error",
			zap.String("conversation_id", m.activeID),
			zap.Error(snap.Err),
		)
		m.failMessagesLocked()
		return false
	}

	docs := cloneMessages(snap.Docs)
	docstore.SortMessages(docs)
	m.messages = docs
	m.msgRetries = 0
	m.notifyLocked()
	return true
}

func (m *Manager) endMessages(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.msgGen {
		return
	}
	m.logger.Warn("message subscription ended", zap.String("conversation_id", m.activeID))
	m.failMessagesLocked()
}

// failMessagesLocked empties the active messages and schedules a new
// subscription for the active conversation. Until it runs, selecting the same
// conversation again subscribes at once.
func (m *Manager) failMessagesLocked() {
	m.messages = nil
	m.msgFailed = true
	m.notifyLocked()
	if m.closed || m.activeID == "" {
		return
	}

	m.stopMessagesLocked()
	m.msgFailed = true
	gen, id := m.msgGen, m.activeID
	delay := retryDelay(m.retryBackoff, m.msgRetries)
	m.msgRetries++

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.closed || gen != m.msgGen || id != m.activeID
		if !stale {
			m.msgFailed = false
		}
		m.mu.Unlock()
		if stale {
			return
		}
		m.logger.Debug("reopening message subscription", zap.String("conversation_id", id))
		m.subscribeMessages(gen, id)
	})
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	return min(base<<min(attempt, 5), maxRetryDelay)
}

type subscription[T any] struct {
	ch     <-chan docstore.Snapshot[T]
	cancel docstore.CancelFunc
	err    error
}

// boundedSubscribe opens a subscription scoped to the manager, giving up after
// the store timeout. A subscription that completes after the deadline is
// cancelled.
func boundedSubscribe[T any](m *Manager, open func(context.Context) (<-chan docstore.Snapshot[T], docstore.CancelFunc, error)) (<-chan docstore.Snapshot[T], docstore.CancelFunc, error) {
	if m.storeTimeout <= 0 {
		return open(m.ctx)
	}

	done := make(chan subscription[T], 1)
	go func() {
		ch, cancel, err := open(m.ctx)
		done <- subscription[T]{ch: ch, cancel: cancel, err: err}
	}()

	timer := time.NewTimer(m.storeTimeout)
	defer timer.Stop()

	select {
	case sub := <-done:
		return sub.ch, sub.cancel, sub.err
	case <-timer.C:
		go func() {
			if sub := <-done; sub.err == nil {
				sub.cancel()
			}
		}()
		return nil, nil, fmt.Errorf("open subscription: %w", context.DeadlineExceeded)
	}
}
