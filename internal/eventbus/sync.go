package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/neomorfeo/subflow/internal/domain"
)

// ReplayStore is what the synchronizer reads to catch a session up.
type ReplayStore interface {
	ListSubscriptions(ctx context.Context, filter domain.ListFilter) ([]domain.Subscription, error)
	ReadEventsSince(ctx context.Context, subscriptionID string, after int64) ([]domain.DomainEvent, error)
}

// Cursor maps a subscription id to the last sequence a client has applied.
type Cursor map[string]int64

// Synchronizer connects sessions to the bus and replays what they missed.
type Synchronizer struct {
	bus    *Bus
	store  ReplayStore
	logger *slog.Logger
}

func NewSynchronizer(bus *Bus, store ReplayStore, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{bus: bus, store: store, logger: logger}
}

// Connect opens a stream for interest that first yields every stored event
// after cursor and then live events, each at most once and in sequence order
// per subscription.
func (s *Synchronizer) Connect(ctx context.Context, interest Interest, cursor Cursor) (*Stream, error) {
	// Subscribe before reading the store so nothing published during the
	// replay is missed. Overlap is removed by the cursor.
	session := s.bus.Subscribe(interest)

	st := &Stream{
		session: session,
		store:   s.store,
		logger:  s.logger,
		cursor:  make(Cursor, len(cursor)),
	}
	for id, seq := range cursor {
		if seq > 0 {
			st.cursor[id] = seq
		}
	}

	if err := st.catchUp(ctx); err != nil {
		session.Close()
		return nil, err
	}
	return st, nil
}

// Stream is a session plus its replay state. It is not safe for concurrent use.
type Stream struct {
	session *Session
	store   ReplayStore
	logger  *slog.Logger
	cursor  Cursor
	pending []domain.DomainEvent
}

// Next returns the next event the client has not applied yet.
func (st *Stream) Next(ctx context.Context) (domain.DomainEvent, error) {
	for {
		if len(st.pending) > 0 {
			e := st.pending[0]
			st.pending = st.pending[1:]
			if st.deliverable(e) {
				return e, nil
			}
			continue
		}

		e, err := st.session.Next(ctx)
		if errors.Is(err, ErrOverflow) {
			st.logger.WarnContext(ctx, "session overflowed, replaying from store")
			if err := st.catchUp(ctx); err != nil {
				return domain.DomainEvent{}, err
			}
			continue
		}
		if err != nil {
			return domain.DomainEvent{}, err
		}

		last := st.cursor[e.SubscriptionID]
		if e.Sequence > last+1 {
			if err := st.fillGap(ctx, e, last); err != nil {
				return domain.DomainEvent{}, err
			}
			continue
		}
		if st.deliverable(e) {
			return e, nil
		}
	}
}

// Cursor returns a copy of the last applied sequence per subscription.
func (st *Stream) Cursor() Cursor {
	return maps.Clone(st.cursor)
}

// Close releases the underlying session.
func (st *Stream) Close() {
	st.session.Close()
}

// deliverable advances the cursor if e is new.
func (st *Stream) deliverable(e domain.DomainEvent) bool {
	if e.Sequence <= st.cursor[e.SubscriptionID] {
		return false
	}
	st.cursor[e.SubscriptionID] = e.Sequence
	return true
}

// fillGap reads the events between the cursor and e from the store and queues
// them ahead of e. When the store has nothing newer, the gap is accepted.
func (st *Stream) fillGap(ctx context.Context, e domain.DomainEvent, last int64) error {
	missing, err := st.store.ReadEventsSince(ctx, e.SubscriptionID, last)
	if err != nil {
		return fmt.Errorf("reading events of %s: %w", e.SubscriptionID, err)
	}
	if len(missing) == 0 || missing[len(missing)-1].Sequence < e.Sequence {
		missing = append(missing, e)
	}
	st.pending = append(missing, st.pending...)
	return nil
}

// catchUp queues every stored event after the cursor for the subscriptions
// in the session's interest.
func (st *Stream) catchUp(ctx context.Context) error {
	ids, err := st.subscriptionIDs(ctx)
	if err != nil {
		return err
	}

	replay := make([]domain.DomainEvent, 0)
	for _, id := range ids {
		events, err := st.store.ReadEventsSince(ctx, id, st.cursor[id])
		if err != nil {
			return fmt.Errorf("reading events of %s: %w", id, err)
		}
		replay = append(replay, events...)
	}
	st.pending = append(replay, st.pending...)
	return nil
}

func (st *Stream) subscriptionIDs(ctx context.Context) ([]string, error) {
	interest := st.session.Interest()
	if !interest.All && interest.UserID == "" {
		return nil, nil
	}

	filter := domain.ListFilter{}
	if !interest.All {
		filter.UserID = interest.UserID
	}
	subs, err := st.store.ListSubscriptions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions for replay: %w", err)
	}

	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		seen[sub.ID] = struct{}{}
	}
	if interest.All {
		for id := range st.cursor {
			seen[id] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}
