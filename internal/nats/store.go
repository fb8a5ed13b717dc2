package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/logger"
)

// maxUpdateAttempts bounds the read-modify-write loop of UpdateConversation.
const maxUpdateAttempts = 8

var errWatchEnded = errors.New("conversation watch ended")

// Store is a docstore.Store on JetStream. Conversations live in a KV bucket
// watched for the conversation list; messages are a stream consumed in order
// for the message list.
type Store struct {
	js     jetstream.JetStream
	convs  jetstream.KeyValue
	pairs  jetstream.KeyValue
	stream jetstream.Stream
	logger *logger.Logger

	mu      sync.Mutex
	closed  bool
	subs    map[uint64]docstore.CancelFunc
	nextSub uint64
}

var _ docstore.Store = (*Store)(nil)

// NewStore ensures the JetStream resources exist and returns a store on them.
func NewStore(ctx context.Context, client *Client, layout Layout, log *logger.Logger) (*Store, error) {
	js := client.JetStream()
	convs, pairs, stream, err := ensure(ctx, js, layout)
	if err != nil {
		return nil, err
	}

	return &Store{
		js:     js,
		convs:  convs,
		pairs:  pairs,
		stream: stream,
		logger: log.Component("nats_store"),
		subs:   make(map[uint64]docstore.CancelFunc),
	}, nil
}

// SubscribeConversations implements docstore.Store. The whole bucket is
// watched and entries are filtered by participant.
func (s *Store) SubscribeConversations(ctx context.Context, actorID string) (<-chan docstore.Snapshot[model.Conversation], docstore.CancelFunc, error) {
	subCtx, stop := context.WithCancel(ctx)
	watcher, err := s.convs.WatchAll(subCtx)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("failed to watch conversations: %w", err)
	}

	feed := docstore.NewFeed[model.Conversation]()
	cancel, err := s.register(ctx, func() {
		stop()
		if err := watcher.Stop(); err != nil {
			s.logger.Debug("watcher stop", zap.Error(err))
		}
		feed.Close()
	})
	if err != nil {
		stop()
		_ = watcher.Stop()
		return nil, nil, err
	}

	go s.watchConversations(subCtx, actorID, watcher, feed)
	return feed.C(), cancel, nil
}

func (s *Store) watchConversations(ctx context.Context, actorID string, watcher jetstream.KeyWatcher, feed *docstore.Feed[model.Conversation]) {
	docs := make(map[string]model.Conversation)
	ready := false

	push := func() {
		out := make([]model.Conversation, 0, len(docs))
		for _, c := range docs {
			out = append(out, c.Clone())
		}
		docstore.SortConversations(out)
		feed.Push(docstore.Snapshot[model.Conversation]{Docs: out})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				if ctx.Err() == nil {
					s.logger.Warn("conversation watch closed", zap.String("actor_id", actorID))
					feed.Push(docstore.Snapshot[model.Conversation]{Err: errWatchEnded})
					feed.Close()
				}
				return
			}
			// A nil entry marks the end of the initial values.
			if entry == nil {
				ready = true
				push()
				continue
			}

			key := entry.Key()
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				if _, had := docs[key]; !had {
					continue
				}
				delete(docs, key)
			default:
				conv, err := decodeRecord(entry.Value(), entry.Created())
				if err != nil {
					s.logger.Warn("skipping undecodable conversation", zap.String("key", key), zap.Error(err))
					continue
				}
				if !conv.HasParticipant(actorID) {
					continue
				}
				docs[key] = conv
			}
			if ready {
				push()
			}
		}
	}
}

// SubscribeMessages implements docstore.Store with an ordered consumer on the
// conversation's subject. A snapshot is pushed whenever the consumer has
// caught up with the stream.
func (s *Store) SubscribeMessages(ctx context.Context, conversationID string) (<-chan docstore.Snapshot[model.Message], docstore.CancelFunc, error) {
	if !validID(conversationID) {
		return nil, nil, fmt.Errorf("%w: %q", docstore.ErrNotFound, conversationID)
	}
	subject := MessageSubject(conversationID)
	feed := docstore.NewFeed[model.Message]()

	_, err := s.stream.GetLastMsgForSubject(ctx, subject)
	switch {
	case errors.Is(err, jetstream.ErrMsgNotFound):
		feed.Push(docstore.Snapshot[model.Message]{Docs: []model.Message{}})
	case err != nil:
		return nil, nil, fmt.Errorf("failed to read message stream: %w", err)
	}

	consumer, err := s.js.OrderedConsumer(ctx, MessagesStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var (
		msgs    []model.Message
		lastSeq uint64
	)
	consumeCtx, err := consumer.Consume(func(m jetstream.Msg) {
		meta, err := m.Metadata()
		if err != nil {
			s.logger.Warn("message without metadata", zap.String("subject", m.Subject()), zap.Error(err))
			return
		}
		if meta.Sequence.Stream <= lastSeq {
			return
		}
		lastSeq = meta.Sequence.Stream

		msg, err := decodeMessage(m.Data(), conversationFromSubject(m.Subject()), meta)
		if err != nil {
			s.logger.Warn("skipping undecodable message", zap.Uint64("seq", lastSeq), zap.Error(err))
		} else {
			msgs = append(msgs, msg)
		}
		if meta.NumPending == 0 {
			feed.Push(docstore.Snapshot[model.Message]{Docs: slices.Clone(msgs)})
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.logger.Warn("message consumer error", zap.String("conversation_id", conversationID), zap.Error(err))
	}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	cancel, err := s.register(ctx, func() {
		consumeCtx.Stop()
		feed.Close()
	})
	if err != nil {
		consumeCtx.Stop()
		return nil, nil, err
	}
	return feed.C(), cancel, nil
}

// register tracks a subscription so Close can end it. The returned cancel
// runs teardown once, on explicit call or when ctx ends.
func (s *Store) register(ctx context.Context, teardown func()) (docstore.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}
	id := s.nextSub
	s.nextSub++

	var once sync.Once
	do := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			teardown()
		})
	}
	stop := context.AfterFunc(ctx, do)
	cancel := func() {
		stop()
		do()
	}
	s.subs[id] = cancel
	return cancel, nil
}

// CreateConversation implements docstore.Store. The pair bucket entry is
// claimed with a create-only write, so concurrent creators of the same pair
// agree on one conversation.
func (s *Store) CreateConversation(ctx context.Context, rec model.Conversation) (string, bool, error) {
	pairKey, err := docstore.ValidateConversation(rec)
	if err != nil {
		return "", false, err
	}
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	key := pairEntryKey(pairKey)
	rec.PairKey = pairKey

	id := uuid.NewString()
	if _, err := s.pairs.Create(ctx, key, []byte(id)); err != nil {
		entry, getErr := s.pairs.Get(ctx, key)
		if getErr != nil {
			return "", false, fmt.Errorf("failed to claim pair: %w", err)
		}
		id = string(entry.Value())
		return s.ensureConversation(ctx, id, rec)
	}

	rec.ID = id
	data, err := encodeRecord(newRecord(rec))
	if err != nil {
		return "", false, err
	}
	if _, err := s.convs.Create(ctx, id, data); err != nil {
		return "", false, fmt.Errorf("failed to write conversation: %w", err)
	}
	return id, true, nil
}

// ensureConversation returns the existing conversation id. A pair claimed by a
// creator that failed before writing the conversation is completed with rec.
func (s *Store) ensureConversation(ctx context.Context, id string, rec model.Conversation) (string, bool, error) {
	_, err := s.convs.Get(ctx, id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, fmt.Errorf("failed to read conversation: %w", err)
	}

	rec.ID = id
	data, err := encodeRecord(newRecord(rec))
	if err != nil {
		return "", false, err
	}
	if _, err := s.convs.Create(ctx, id, data); err != nil {
		if isRevisionConflict(err) {
			return id, false, nil
		}
		return "", false, fmt.Errorf("failed to write conversation: %w", err)
	}
	s.logger.Info("completed orphaned pair claim", zap.String("conversation_id", id))
	return id, true, nil
}

// CreateMessage implements docstore.Store. The stream sequence is the message
// ID and the stream timestamp its server time.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, msg model.Message) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if !validID(conversationID) {
		return "", fmt.Errorf("%w: %q", docstore.ErrNotFound, conversationID)
	}
	if _, err := s.convs.Get(ctx, conversationID); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: %s", docstore.ErrNotFound, conversationID)
		}
		return "", fmt.Errorf("failed to read conversation: %w", err)
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}
	ack, err := s.js.Publish(ctx, MessageSubject(conversationID), data)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// UpdateConversation implements docstore.Store as an optimistic
// read-modify-write on the entry revision.
func (s *Store) UpdateConversation(ctx context.Context, conversationID string, upd docstore.ConversationUpdate) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !validID(conversationID) {
		return fmt.Errorf("%w: %q", docstore.ErrNotFound, conversationID)
	}

	for attempt := 1; ; attempt++ {
		entry, err := s.convs.Get(ctx, conversationID)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", docstore.ErrNotFound, conversationID)
			}
			return fmt.Errorf("failed to read conversation: %w", err)
		}
		conv, err := decodeRecord(entry.Value(), entry.Created())
		if err != nil {
			return err
		}
		data, err := encodeRecord(applyUpdate(conv, upd))
		if err != nil {
			return err
		}

		_, err = s.convs.Update(ctx, conversationID, data, entry.Revision())
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) || attempt >= maxUpdateAttempts {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		s.logger.Debug("conversation update conflict, retrying",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt),
		)
	}
}

// Ping checks that JetStream answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("jetstream unavailable: %w", err)
	}
	return nil
}

// Close ends every open subscription. The client connection is left to its owner.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := make([]docstore.CancelFunc, 0, len(s.subs))
	for _, c := range s.subs {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
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

func encodeMessage(msg model.Message) ([]byte, error) {
	msg.ID = ""
	msg.ConversationID = ""
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte, conversationID string, meta *jetstream.MsgMetadata) (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.ID = strconv.FormatUint(meta.Sequence.Stream, 10)
	msg.ConversationID = conversationID
	msg.Timestamp = meta.Timestamp.UTC()
	return msg, nil
}
