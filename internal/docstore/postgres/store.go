// Package postgres provides a live document store on PostgreSQL. Live queries
// are re-run whenever LISTEN/NOTIFY reports a change to their rows.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/logger"
)

// Config holds the connection pool settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// Store is a docstore.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	hub    *hub
	logger *logger.Logger

	stopListener context.CancelFunc
	listenerDone <-chan struct{}

	mu      sync.Mutex
	closed  bool
	cancels map[uint64]docstore.CancelFunc
	nextSub uint64
}

var _ docstore.Store = (*Store)(nil)

// Open connects, migrates the schema and starts the notification listener.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := New(ctx, pool, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("connected to postgres")
	return s, nil
}

// New runs migrations on pool and starts listening. The store closes pool on Close.
func New(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) (*Store, error) {
	log = log.Component("postgres_store")
	if err := Migrate(ctx, pool, log); err != nil {
		return nil, err
	}

	h := newHub()
	listenCtx, stop := context.WithCancel(context.Background())
	l := &listener{pool: pool, hub: h, logger: log, backoff: time.Second}
	done, err := l.start(listenCtx)
	if err != nil {
		stop()
		return nil, err
	}

	return &Store{
		pool:         pool,
		hub:          h,
		logger:       log,
		stopListener: stop,
		listenerDone: done,
		cancels:      make(map[uint64]docstore.CancelFunc),
	}, nil
}

const conversationColumns = `id, pair_key, participant_ids, participant_names, last_message,
        updated_at, discussed_products, product_context`

// SubscribeConversations implements docstore.Store.
func (s *Store) SubscribeConversations(ctx context.Context, actorID string) (<-chan docstore.Snapshot[model.Conversation], docstore.CancelFunc, error) {
	query := func(ctx context.Context) ([]model.Conversation, error) {
		return s.conversationsFor(ctx, actorID)
	}
	return subscribe(ctx, s, s.hub.conversations, actorID, query)
}

// SubscribeMessages implements docstore.Store.
func (s *Store) SubscribeMessages(ctx context.Context, conversationID string) (<-chan docstore.Snapshot[model.Message], docstore.CancelFunc, error) {
	query := func(ctx context.Context) ([]model.Message, error) {
		return s.messagesFor(ctx, conversationID)
	}
	return subscribe(ctx, s, s.hub.messages, conversationID, query)
}

// subscribe registers a watch under key and serves query results into a feed
// until cancelled, ctx ends, or the query or listener fails.
func subscribe[T any](ctx context.Context, s *Store, set map[string]map[*watch]struct{}, key string, query func(context.Context) ([]T, error)) (<-chan docstore.Snapshot[T], docstore.CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, docstore.ErrClosed
	}
	id := s.nextSub
	s.nextSub++

	w := newWatch()
	feed := docstore.NewFeed[T]()
	runCtx, stop := context.WithCancel(context.Background())
	s.hub.add(set, key, w)

	var once sync.Once
	do := func() {
		once.Do(func() {
			stop()
			s.hub.remove(set, key, w)
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			feed.Close()
		})
	}
	stopAfter := context.AfterFunc(ctx, do)
	cancel := func() {
		stopAfter()
		do()
	}
	s.cancels[id] = cancel
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case err := <-w.failed:
				feed.Push(docstore.Snapshot[T]{Err: err})
				cancel()
				return
			case <-w.kick:
				docs, err := query(runCtx)
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					s.logger.Warn("live query failed", zap.String("key", key), zap.Error(err))
					feed.Push(docstore.Snapshot[T]{Err: err})
					cancel()
					return
				}
				feed.Push(docstore.Snapshot[T]{Docs: docs})
			}
		}
	}()
	return feed.C(), cancel, nil
}

func (s *Store) conversationsFor(ctx context.Context, actorID string) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+conversationColumns+`
        FROM chat_conversations
        WHERE participant_ids @> ARRAY[$1]::text[]
        ORDER BY updated_at DESC, id`, actorID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := []model.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	docstore.SortConversations(out)
	return out, nil
}

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var conv model.Conversation
	if err := row.Scan(
		&conv.ID,
		&conv.PairKey,
		&conv.ParticipantIDs,
		&conv.ParticipantNames,
		&conv.LastMessage,
		&conv.UpdatedAt,
		&conv.DiscussedProducts,
		&conv.ProductContext,
	); err != nil {
		return model.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	for id, p := range conv.DiscussedProducts {
		p.LastDiscussed = p.LastDiscussed.UTC()
		conv.DiscussedProducts[id] = p
	}
	if conv.ProductContext != nil {
		conv.ProductContext.LastDiscussed = conv.ProductContext.LastDiscussed.UTC()
	}
	return conv, nil
}

func (s *Store) messagesFor(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id::text, conversation_id, sender_id, sender_name, body, message_type,
               product_id, metadata, created_at
        FROM chat_messages
        WHERE conversation_id = $1
        ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var (
			msg     model.Message
			msgType string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.Text,
			&msgType,
			&msg.ProductID,
			&msg.Metadata,
			&msg.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = model.MessageType(msgType)
		msg.Timestamp = msg.Timestamp.UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return out, nil
}

// CreateConversation implements docstore.Store. The unique pair_key makes a
// concurrent second insert a no-op that reads back the winner.
func (s *Store) CreateConversation(ctx context.Context, rec model.Conversation) (string, bool, error) {
	pairKey, err := docstore.ValidateConversation(rec)
	if err != nil {
		return "", false, err
	}
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}

	names, err := jsonArg(rec.ParticipantNames, "{}")
	if err != nil {
		return "", false, err
	}
	products, err := jsonArg(rec.DiscussedProducts, "{}")
	if err != nil {
		return "", false, err
	}
	var productContext any
	if rec.ProductContext != nil {
		if productContext, err = jsonArg(rec.ProductContext, ""); err != nil {
			return "", false, err
		}
	}

	var id string
	err = s.pool.QueryRow(ctx, `
        WITH ts AS (SELECT clock_timestamp() AS at)
        INSERT INTO chat_conversations
            (pair_key, participant_ids, participant_names, last_message, updated_at,
             discussed_products, product_context)
        SELECT $1, $2::text[], $3::jsonb, $4, ts.at,
               (SELECT COALESCE(jsonb_object_agg(key, value || jsonb_build_object('last_discussed', ts.at)), '{}'::jsonb)
                FROM jsonb_each($5::jsonb)),
               CASE WHEN $6::jsonb IS NULL THEN NULL
                    ELSE $6::jsonb || jsonb_build_object('last_discussed', ts.at) END
        FROM ts
        ON CONFLICT (pair_key) DO NOTHING
        RETURNING id`,
		pairKey, rec.ParticipantIDs, names, rec.LastMessage, products, productContext,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("insert conversation: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM chat_conversations WHERE pair_key = $1`, pairKey,
	).Scan(&id); err != nil {
		return "", false, fmt.Errorf("read existing conversation: %w", err)
	}
	return id, false, nil
}

// CreateMessage implements docstore.Store.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, msg model.Message) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var metadata any
	if len(msg.Metadata) > 0 {
		data, err := jsonArg(msg.Metadata, "")
		if err != nil {
			return "", err
		}
		metadata = data
	}

	var id string
	err := s.pool.QueryRow(ctx, `
        INSERT INTO chat_messages
            (conversation_id, sender_id, sender_name, body, message_type, product_id, metadata)
        SELECT id, $2, $3, $4, $5, $6, $7::jsonb
        FROM chat_conversations WHERE id = $1
        RETURNING id::text`,
		conversationID, msg.SenderID, msg.SenderName, msg.Text, string(msg.Type), msg.ProductID, metadata,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", docstore.ErrNotFound, conversationID)
	}
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// UpdateConversation implements docstore.Store in one statement, so the
// product map and the product context change together.
func (s *Store) UpdateConversation(ctx context.Context, conversationID string, upd docstore.ConversationUpdate) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var product any
	if upd.Product != nil {
		data, err := jsonArg(upd.Product, "")
		if err != nil {
			return err
		}
		product = data
	}

	tag, err := s.pool.Exec(ctx, `
        WITH ts AS (SELECT clock_timestamp() AS at)
        UPDATE chat_conversations c SET
            last_message = COALESCE($2, c.last_message),
            updated_at = ts.at,
            discussed_products = CASE WHEN $3::jsonb IS NULL THEN c.discussed_products
                ELSE c.discussed_products || jsonb_build_object($3::jsonb->>'id',
                    $3::jsonb || jsonb_build_object('last_discussed', ts.at)) END,
            product_context = CASE WHEN $3::jsonb IS NULL THEN c.product_context
                ELSE $3::jsonb || jsonb_build_object('last_discussed', ts.at) END
        FROM ts
        WHERE c.id = $1`,
		conversationID, upd.LastMessage, product,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, conversationID)
	}
	return nil
}

// Ping implements docstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

// Close ends all subscriptions, stops the listener and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := make([]docstore.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	s.stopListener()
	<-s.listenerDone
	s.pool.Close()
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

// jsonArg encodes v for a jsonb parameter, using empty for nil maps.
func jsonArg(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	if string(data) == "null" && empty != "" {
		return []byte(empty), nil
	}
	return data, nil
}
