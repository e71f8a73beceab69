package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/neomorfeo/subflow/internal/adapter/memory"
	"github.com/neomorfeo/subflow/internal/domain"
	"github.com/neomorfeo/subflow/internal/eventbus"
)

func seedSubscription(t *testing.T, store *memory.Store, id, userID string) {
	t.Helper()
	sub := domain.NewSubscription(id, userID, domain.Plan{Name: "Pro", Price: 1000, Currency: "usd"}, 1, time.Now())
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
}

func publishN(t *testing.T, bus *eventbus.Bus, subID, userID string, n int) {
	t.Helper()
	for range n {
		if _, err := bus.Publish(context.Background(), newEvent(subID, userID, domain.EventSubscriptionExtended)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}

func expectSequences(t *testing.T, st *eventbus.Stream, subID string, want ...int64) {
	t.Helper()
	for _, seq := range want {
		e, err := nextWithin(t, st)
		if err != nil {
			t.Fatalf("Next (want %d): %v", seq, err)
		}
		if e.SubscriptionID != subID || e.Sequence != seq {
			t.Fatalf("got %s#%d, want %s#%d", e.SubscriptionID, e.Sequence, subID, seq)
		}
	}
}

func TestConnect_ReplaysAfterCursorThenGoesLive(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "sub-a", "u-1")
	bus := eventbus.New(store)
	syncer := eventbus.NewSynchronizer(bus, store, nil)

	publishN(t, bus, "sub-a", "u-1", 9)

	st, err := syncer.Connect(context.Background(), eventbus.Interest{UserID: "u-1"}, eventbus.Cursor{"sub-a": 5})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer st.Close()

	expectSequences(t, st, "sub-a", 6, 7, 8, 9)

	publishN(t, bus, "sub-a", "u-1", 1)
	expectSequences(t, st, "sub-a", 10)

	if got := st.Cursor()["sub-a"]; got != 10 {
		t.Errorf("cursor = %d, want 10", got)
	}
}

func TestConnect_EventsPublishedDuringReplayAreNotDuplicated(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "sub-a", "u-1")
	bus := eventbus.New(store)
	syncer := eventbus.NewSynchronizer(bus, store, nil)

	publishN(t, bus, "sub-a", "u-1", 2)

	st, err := syncer.Connect(context.Background(), eventbus.Interest{All: true}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer st.Close()

	// Queued live and also visible to a later replay.
	publishN(t, bus, "sub-a", "u-1", 2)

	expectSequences(t, st, "sub-a", 1, 2, 3, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if e, err := st.Next(ctx); err == nil {
		t.Errorf("unexpected extra event %s#%d", e.SubscriptionID, e.Sequence)
	}
}

func TestStream_FillsGapsFromStore(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "sub-a", "u-1")
	bus := eventbus.New(store)
	syncer := eventbus.NewSynchronizer(bus, store, nil)

	st, err := syncer.Connect(context.Background(), eventbus.Interest{All: true}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer st.Close()

	// Appended by another node: stored but never fanned out here.
	for range 2 {
		if _, err := store.AppendEvent(context.Background(), newEvent("sub-a", "u-1", domain.EventSubscriptionExtended)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	publishN(t, bus, "sub-a", "u-1", 1)

	expectSequences(t, st, "sub-a", 1, 2, 3)
}

func TestStream_ReplaysAfterOverflow(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "sub-a", "u-1")
	bus := eventbus.New(store, eventbus.WithQueueSize(1))
	syncer := eventbus.NewSynchronizer(bus, store, nil)

	st, err := syncer.Connect(context.Background(), eventbus.Interest{UserID: "u-1"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer st.Close()

	publishN(t, bus, "sub-a", "u-1", 4)

	expectSequences(t, st, "sub-a", 1, 2, 3, 4)
}

func TestConnect_ClientReplayIsLimitedToOwnSubscriptions(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "sub-a", "u-1")
	seedSubscription(t, store, "sub-b", "u-2")
	bus := eventbus.New(store)
	syncer := eventbus.NewSynchronizer(bus, store, nil)

	publishN(t, bus, "sub-b", "u-2", 2)
	publishN(t, bus, "sub-a", "u-1", 1)

	st, err := syncer.Connect(context.Background(), eventbus.Interest{UserID: "u-1"}, eventbus.Cursor{"sub-b": 0})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer st.Close()

	expectSequences(t, st, "sub-a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if e, err := st.Next(ctx); err == nil {
		t.Errorf("client received foreign event %s#%d", e.SubscriptionID, e.Sequence)
	}
}
