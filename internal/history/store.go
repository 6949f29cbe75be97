package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/kotoba/internal/observe"
)

// DefaultWriteTimeout bounds one durable write by a background writer.
const DefaultWriteTimeout = 10 * time.Second

// Store is the conversation history cache in front of a [Backend]. It is
// safe for concurrent use. Writes to the same player serialize; different
// players never contend beyond a brief map lookup.
type Store struct {
	backend      Backend
	metrics      *observe.Metrics
	writeTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	players map[string]*player
	closed  bool
}

type player struct {
	id string

	mu      sync.RWMutex
	loaded  bool
	rec     Record
	pending bool
	writing chan struct{} // non-nil while a writer runs; closed when it exits
}

// Option configures a [Store].
type Option func(*Store)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithWriteTimeout bounds each background write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewStore returns a Store persisting to backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:      backend,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
		players:      make(map[string]*player),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// GetHistory returns the turns of a conversation, oldest first. When
// maxTurns > 0 only the most recent maxTurns are returned. An unknown player
// or conversation yields an empty slice.
func (s *Store) GetHistory(ctx context.Context, playerID, conversationID string, maxTurns int) ([]Turn, error) {
	p, err := s.load(ctx, playerID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	turns := p.rec.Conversations[conversationID]
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := cloneTurns(turns)
	if out == nil {
		out = []Turn{}
	}
	return out, nil
}

// Append adds turn to the end of a conversation. A zero Timestamp is set to
// now; timestamps are stored in UTC.
func (s *Store) Append(ctx context.Context, playerID, conversationID string, turn Turn) error {
	if conversationID == "" {
		return errors.New("history: append: conversation id is required")
	}
	p, err := s.load(ctx, playerID)
	if err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	turn.Timestamp = turn.Timestamp.UTC()
	if turn.PlayerID == "" {
		turn.PlayerID = playerID
	}
	turn = cloneTurns([]Turn{turn})[0]

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec.Conversations[conversationID] = append(p.rec.Conversations[conversationID], turn)
	p.rec.UpdatedAt = s.now().UTC()
	s.schedule(p)
	return nil
}

// Delete removes one conversation. Deleting a missing conversation is a
// no-op.
func (s *Store) Delete(ctx context.Context, playerID, conversationID string) error {
	p, err := s.load(ctx, playerID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rec.Conversations[conversationID]; !ok {
		return nil
	}
	delete(p.rec.Conversations, conversationID)
	p.rec.UpdatedAt = s.now().UTC()
	s.schedule(p)
	return nil
}

// DeleteAll removes every conversation of a player, including the durable
// record. It is idempotent.
func (s *Store) DeleteAll(ctx context.Context, playerID string) error {
	p, err := s.load(ctx, playerID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.rec.Conversations)
	p.rec.UpdatedAt = s.now().UTC()
	s.schedule(p)
	return nil
}

// Flush waits until every write scheduled before the call has been
// persisted, or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	for {
		var waits []chan struct{}
		s.mu.Lock()
		for _, p := range s.players {
			p.mu.RLock()
			if p.writing != nil {
				waits = append(waits, p.writing)
			}
			p.mu.RUnlock()
		}
		s.mu.Unlock()

		if len(waits) == 0 {
			return nil
		}
		for _, w := range waits {
			select {
			case <-w:
			case <-ctx.Done():
				return fmt.Errorf("history: flush: %w", ctx.Err())
			}
		}
	}
}

// Close flushes pending writes, drops the cache and closes the backend.
// Later calls return nil.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	flushErr := s.Flush(ctx)

	s.mu.Lock()
	clear(s.players)
	s.mu.Unlock()

	var closeErr error
	if err := s.backend.Close(); err != nil {
		closeErr = fmt.Errorf("history: close backend: %w", err)
	}
	return errors.Join(flushErr, closeErr)
}

// load returns the cached player, loading it from the backend on first use.
func (s *Store) load(ctx context.Context, playerID string) (*player, error) {
	if playerID == "" {
		return nil, errors.New("history: player id is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	p, ok := s.players[playerID]
	if !ok {
		p = &player{id: playerID}
		s.players[playerID] = p
	}
	s.mu.Unlock()

	p.mu.RLock()
	loaded := p.loaded
	p.mu.RUnlock()
	if loaded {
		return p, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p, nil
	}
	rec, err := s.backend.Load(ctx, playerID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{PlayerID: playerID}
	case err != nil:
		return nil, fmt.Errorf("history: load %s: %w", playerID, err)
	}
	if rec.Conversations == nil {
		rec.Conversations = make(map[string][]Turn)
	}
	rec.PlayerID = playerID
	p.rec = rec
	p.loaded = true
	return p, nil
}

// schedule marks p dirty and starts its writer if none is running. p.mu
// must be held for writing.
func (s *Store) schedule(p *player) {
	p.pending = true
	if p.writing != nil {
		return
	}
	done := make(chan struct{})
	p.writing = done
	go s.writer(p, done)
}

// writer persists p's latest snapshot until no write is pending.
func (s *Store) writer(p *player, done chan struct{}) {
	defer close(done)
	for {
		p.mu.Lock()
		if !p.pending {
			p.writing = nil
			p.mu.Unlock()
			return
		}
		p.pending = false
		snap := p.rec.clone()
		p.mu.Unlock()

		s.persist(snap)
	}
}

func (s *Store) persist(snap Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	var err error
	if len(snap.Conversations) == 0 {
		err = s.backend.Delete(ctx, snap.PlayerID)
	} else {
		err = s.backend.Save(ctx, snap)
	}
	if err != nil {
		s.metrics.RecordHistoryWrite(ctx, "error")
		observe.Logger(ctx).Error("history: persist record failed",
			"player_id", snap.PlayerID, "err", err)
		return
	}
	s.metrics.RecordHistoryWrite(ctx, "ok")
}
