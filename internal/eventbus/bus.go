// Package eventbus distributes subscription events to connected sessions.
//
// Publish appends each event to the durable log, which assigns its sequence,
// and then fans it out to every session whose interest matches. Fan-out never
// blocks: each session has a bounded queue that drops its oldest event when
// full and flags the session for replay.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/neomorfeo/subflow/internal/domain"
	"github.com/neomorfeo/subflow/internal/keylock"
)

// DefaultQueueSize is the per-session buffer used when none is configured.
const DefaultQueueSize = 256

var (
	// ErrSessionClosed is returned by Next after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrOverflow is returned once by Next after the session dropped events.
	ErrOverflow = errors.New("session queue overflowed")
)

// Compile-time check: Bus implements domain.EventPublisher.
var _ domain.EventPublisher = (*Bus)(nil)

// Interest selects the events a session receives.
type Interest struct {
	// All receives every subscription's events.
	All bool
	// UserID receives events for subscriptions owned by this user.
	UserID string
}

// Matches reports whether e is within the interest.
func (i Interest) Matches(e domain.DomainEvent) bool {
	return i.All || (i.UserID != "" && e.UserID == i.UserID)
}

// InterestFor returns the interest of an authenticated principal.
func InterestFor(p domain.Principal) Interest {
	if p.IsAdmin() {
		return Interest{All: true}
	}
	return Interest{UserID: p.ID}
}

// Bus is an in-process publish/subscribe hub backed by an event store.
type Bus struct {
	store     domain.EventStore
	locks     *keylock.Locks
	queueSize int
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-session queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates a bus that appends to store.
func New(store domain.EventStore, opts ...Option) *Bus {
	b := &Bus{
		store:     store,
		locks:     keylock.New(),
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
		sessions:  make(map[uint64]*Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends event to the log and delivers the sequenced event to every
// matching session. Events of one subscription are appended and delivered
// in sequence order.
func (b *Bus) Publish(ctx context.Context, event domain.DomainEvent) (domain.DomainEvent, error) {
	unlock := b.locks.Lock(event.SubscriptionID)
	defer unlock()

	stored, err := b.store.AppendEvent(ctx, event)
	if err != nil {
		return domain.DomainEvent{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if s.interest.Matches(stored) {
			s.offer(stored)
		}
	}

	b.logger.DebugContext(ctx, "event published",
		slog.String("subscription_id", stored.SubscriptionID),
		slog.Int64("sequence", stored.Sequence),
		slog.String("type", string(stored.Type)),
	)
	return stored, nil
}

// Subscribe registers a session. The caller must Close it when done.
func (b *Bus) Subscribe(interest Interest) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Session{
		id:       b.nextID,
		bus:      b,
		interest: interest,
		size:     b.queueSize,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.sessions[s.id] = s
	return s
}

// Sessions returns the number of open sessions.
func (b *Bus) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

// Session is one connection's view of the bus. Next is meant to be called
// from a single goroutine.
type Session struct {
	id       uint64
	bus      *Bus
	interest Interest
	size     int

	mu         sync.Mutex
	queue      []domain.DomainEvent
	overflowed bool
	closed     bool
	notify     chan struct{}
	done       chan struct{}
}

// Interest returns what the session receives.
func (s *Session) Interest() Interest { return s.interest }

func (s *Session) offer(e domain.DomainEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.size {
		s.queue = s.queue[1:]
		s.overflowed = true
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next queued event, blocking until one arrives. After the
// queue has dropped events it returns ErrOverflow once, so the caller can
// replay from the store.
func (s *Session) Next(ctx context.Context) (domain.DomainEvent, error) {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return domain.DomainEvent{}, ErrSessionClosed
		case s.overflowed:
			s.overflowed = false
			s.mu.Unlock()
			return domain.DomainEvent{}, ErrOverflow
		case len(s.queue) > 0:
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.DomainEvent{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Close unregisters the session. Queued events are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	s.bus.remove(s.id)
}
