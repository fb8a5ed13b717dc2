package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/pkg/logger"
)

const (
	conversationsChannel = "chat_conversations"
	messagesChannel      = "chat_messages"
)

var errListenerLost = errors.New("postgres notification listener lost")

// watch is one live query waiting for change notifications.
type watch struct {
	kick   chan struct{}
	failed chan error
}

func newWatch() *watch {
	w := &watch{
		kick:   make(chan struct{}, 1),
		failed: make(chan error, 1),
	}
	w.poke()
	return w
}

// poke asks the watch to re-run its query. Pokes coalesce.
func (w *watch) poke() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *watch) fail(err error) {
	select {
	case w.failed <- err:
	default:
	}
}

// hub routes notifications to watches keyed by actor or conversation.
type hub struct {
	mu            sync.Mutex
	conversations map[string]map[*watch]struct{} // actorID
	messages      map[string]map[*watch]struct{} // conversationID
}

func newHub() *hub {
	return &hub{
		conversations: make(map[string]map[*watch]struct{}),
		messages:      make(map[string]map[*watch]struct{}),
	}
}

func (h *hub) add(set map[string]map[*watch]struct{}, key string, w *watch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set[key] == nil {
		set[key] = make(map[*watch]struct{})
	}
	set[key][w] = struct{}{}
}

func (h *hub) remove(set map[string]map[*watch]struct{}, key string, w *watch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ws, ok := set[key]; ok {
		delete(ws, w)
		if len(ws) == 0 {
			delete(set, key)
		}
	}
}

// dispatch wakes the watches a notification concerns. Conversation payloads
// list the participant IDs; message payloads carry the conversation ID.
func (h *hub) dispatch(channel, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch channel {
	case conversationsChannel:
		for _, actorID := range strings.Split(payload, ",") {
			for w := range h.conversations[actorID] {
				w.poke()
			}
		}
	case messagesChannel:
		for w := range h.messages[payload] {
			w.poke()
		}
	}
}

func (h *hub) each(fn func(*watch)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range []map[string]map[*watch]struct{}{h.conversations, h.messages} {
		for _, ws := range set {
			for w := range ws {
				fn(w)
			}
		}
	}
}

// listener holds a dedicated connection on LISTEN and feeds the hub. When the
// connection drops every open watch fails and the listener reconnects for
// later subscriptions.
type listener struct {
	pool    *pgxpool.Pool
	hub     *hub
	logger  *logger.Logger
	backoff time.Duration
}

// start connects synchronously so writes made after it returns are never
// missed, then serves notifications until ctx ends.
func (l *listener) start(ctx context.Context) (<-chan struct{}, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			err := l.serve(ctx, conn)
			_ = conn.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("notification listener lost", zap.Error(err))
			l.hub.each(func(w *watch) { w.fail(fmt.Errorf("%w: %v", errListenerLost, err)) })

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(l.backoff):
				}
				conn, err = l.connect(ctx)
				if err == nil {
					l.logger.Info("notification listener reconnected")
					break
				}
				l.logger.Warn("notification listener reconnect failed", zap.Error(err))
			}
		}
	}()
	return done, nil
}

func (l *listener) connect(ctx context.Context) (*pgx.Conn, error) {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	conn := pooled.Hijack()

	for _, channel := range []string{conversationsChannel, messagesChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			_ = conn.Close(context.Background())
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	return conn, nil
}

func (l *listener) serve(ctx context.Context, conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.hub.dispatch(n.Channel, n.Payload)
	}
}
