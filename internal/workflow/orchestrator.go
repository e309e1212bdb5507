package workflow

import (
	"context"
	"fmt"
)

// FatalError marks a workflow definition bug, such as an Evolve that does
// not recognize an event variant. The runtime halts the instance for these
// instead of retrying; all other errors are transient and retried on the
// next trigger.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Snapshot is an instance's derived state plus the audit events that
// produced it. Values inside are treated as immutable.
type Snapshot struct {
	State  any
	Events []Event
}

// NewSnapshot returns the empty snapshot for a decider.
func NewSnapshot(d Decider) Snapshot {
	return Snapshot{State: d.InitialState()}
}

// Cycle runs one decide cycle: Decide, Translate, then fold the new events
// into the snapshot. It performs no I/O and no retries; persisting the
// returned commands and events is the caller's job. The input snapshot is
// not mutated.
func Cycle(ctx context.Context, d Decider, snap Snapshot, input any, begins bool) (Snapshot, []Command, []Event, error) {
	commands, err := d.Decide(ctx, input, snap.State)
	if err != nil {
		return Snapshot{}, nil, nil, fmt.Errorf("decide: %w", err)
	}

	events := Translate(begins, input, commands)

	state := snap.State
	for _, ev := range events {
		next, err := d.Evolve(state, ev)
		if err != nil {
			return Snapshot{}, nil, nil, &FatalError{Err: fmt.Errorf("evolve %s: %w", ev.Kind, err)}
		}
		state = next
	}

	history := make([]Event, 0, len(snap.Events)+len(events))
	history = append(history, snap.Events...)
	history = append(history, events...)

	return Snapshot{State: state, Events: history}, commands, events, nil
}
