// Package fsm validates subscription lifecycle events with looplab/fsm.
package fsm

import (
	"context"
	"errors"
	"fmt"

	loopfsm "github.com/looplab/fsm"

	"github.com/neomorfeo/subflow/internal/domain"
)

var _ domain.TransitionValidator = (*Validator)(nil)

// Validator checks events against domain.Transitions. looplab/fsm machines
// carry their current state, so Apply builds one per call from the shared
// event table.
type Validator struct {
	events loopfsm.Events
}

// New creates a validator for the subscription lifecycle.
func New() *Validator {
	events := make(loopfsm.Events, 0, len(domain.Transitions))
	for _, t := range domain.Transitions {
		events = append(events, loopfsm.EventDesc{
			Name: string(t.Event),
			Src:  []string{string(t.Src)},
			Dst:  string(t.Dst),
		})
	}
	return &Validator{events: events}
}

// Apply returns the status event leads to from current, or a
// *domain.TransitionError when the lifecycle has no such edge.
func (v *Validator) Apply(ctx context.Context, current domain.Status, event domain.Event) (domain.Status, error) {
	machine := loopfsm.NewFSM(string(current), v.events, nil)

	if !machine.Can(string(event)) {
		return "", &domain.TransitionError{
			Event:     event,
			Current:   current,
			Requested: domain.RequestedStatus(event),
		}
	}

	// Extend is a self-transition; looplab/fsm reports it as NoTransitionError.
	var same loopfsm.NoTransitionError
	if err := machine.Event(ctx, string(event)); err != nil && !errors.As(err, &same) {
		return "", fmt.Errorf("applying %s to %s subscription: %w", event, current, err)
	}
	return domain.Status(machine.Current()), nil
}
