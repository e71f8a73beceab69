package eventbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neomorfeo/subflow/internal/adapter/memory"
	"github.com/neomorfeo/subflow/internal/domain"
	"github.com/neomorfeo/subflow/internal/eventbus"
)

func newEvent(subID, userID string, typ domain.EventType) domain.DomainEvent {
	return domain.DomainEvent{
		SubscriptionID: subID,
		UserID:         userID,
		Type:           typ,
		Payload:        []byte(`{}`),
		EmittedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func nextWithin(t *testing.T, s interface {
	Next(context.Context) (domain.DomainEvent, error)
}) (domain.DomainEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.Next(ctx)
}

func TestPublish_AssignsSequencePerSubscription(t *testing.T) {
	bus := eventbus.New(memory.New())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		got, err := bus.Publish(ctx, newEvent("sub-a", "u-1", domain.EventSubscriptionExtended))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if got.Sequence != int64(i) {
			t.Errorf("sequence = %d, want %d", got.Sequence, i)
		}
	}

	other, err := bus.Publish(ctx, newEvent("sub-b", "u-1", domain.EventSubscriptionRequested))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if other.Sequence != 1 {
		t.Errorf("sequence of other subscription = %d, want 1", other.Sequence)
	}
}

func TestPublish_DeliversOnlyToMatchingSessions(t *testing.T) {
	bus := eventbus.New(memory.New())
	ctx := context.Background()

	admin := bus.Subscribe(eventbus.Interest{All: true})
	defer admin.Close()
	owner := bus.Subscribe(eventbus.Interest{UserID: "u-1"})
	defer owner.Close()
	stranger := bus.Subscribe(eventbus.Interest{UserID: "u-2"})
	defer stranger.Close()

	if _, err := bus.Publish(ctx, newEvent("sub-a", "u-1", domain.EventSubscriptionApproved)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, s := range map[string]*eventbus.Session{"admin": admin, "owner": owner} {
		e, err := nextWithin(t, s)
		if err != nil {
			t.Fatalf("%s: Next: %v", name, err)
		}
		if e.Type != domain.EventSubscriptionApproved {
			t.Errorf("%s: type = %q", name, e.Type)
		}
	}

	ctxShort, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := stranger.Next(ctxShort); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("stranger Next() error = %v, want deadline exceeded", err)
	}
}

func TestSession_DropsOldestOnOverflow(t *testing.T) {
	bus := eventbus.New(memory.New(), eventbus.WithQueueSize(2))
	ctx := context.Background()

	s := bus.Subscribe(eventbus.Interest{All: true})
	defer s.Close()

	for range 3 {
		if _, err := bus.Publish(ctx, newEvent("sub-a", "u-1", domain.EventSubscriptionExtended)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if _, err := nextWithin(t, s); !errors.Is(err, eventbus.ErrOverflow) {
		t.Fatalf("first Next() error = %v, want ErrOverflow", err)
	}
	for _, want := range []int64{2, 3} {
		e, err := nextWithin(t, s)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e.Sequence != want {
			t.Errorf("sequence = %d, want %d", e.Sequence, want)
		}
	}
}

func TestSession_Close(t *testing.T) {
	bus := eventbus.New(memory.New())
	s := bus.Subscribe(eventbus.Interest{All: true})
	if bus.Sessions() != 1 {
		t.Fatalf("Sessions() = %d, want 1", bus.Sessions())
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()

	s.Close()
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, eventbus.ErrSessionClosed) {
			t.Errorf("Next() error = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}

	if bus.Sessions() != 0 {
		t.Errorf("Sessions() = %d, want 0", bus.Sessions())
	}
	if _, err := bus.Publish(context.Background(), newEvent("sub-a", "u-1", domain.EventSubscriptionExtended)); err != nil {
		t.Errorf("Publish after close: %v", err)
	}
}
