package workflow

import (
	"context"
	"fmt"
)

// Workflow is the synchronous decider contract. Decide and Evolve must be
// pure: no I/O, no clocks, no randomness. Decide returns the ordered commands
// to issue for an input in a state; an unhandled (input, state) pair returns
// nil. Evolve folds one audit event into the state; variants that do not
// mutate state return it unchanged. An event variant Evolve does not know is
// a programmer error and must be reported, not swallowed.
type Workflow interface {
	Name() string
	InitialState() any
	Decide(input, state any) []Command
	Evolve(state any, ev Event) (any, error)
}

// AsyncWorkflow is the async decider variant: DecideAsync may suspend on
// collaborators injected at construction, while Evolve stays pure.
type AsyncWorkflow interface {
	Name() string
	InitialState() any
	DecideAsync(ctx context.Context, input, state any) ([]Command, error)
	Evolve(state any, ev Event) (any, error)
}

// Decider is the unified contract the runtime drives. Synchronous workflows
// are lifted with FromWorkflow; async ones satisfy it via FromAsync.
type Decider interface {
	Name() string
	InitialState() any
	Decide(ctx context.Context, input, state any) ([]Command, error)
	Evolve(state any, ev Event) (any, error)
}

type syncDecider struct{ w Workflow }

// FromWorkflow lifts a synchronous workflow into the runtime contract.
func FromWorkflow(w Workflow) Decider { return syncDecider{w: w} }

func (d syncDecider) Name() string       { return d.w.Name() }
func (d syncDecider) InitialState() any  { return d.w.InitialState() }
func (d syncDecider) Evolve(state any, ev Event) (any, error) {
	return d.w.Evolve(state, ev)
}

func (d syncDecider) Decide(_ context.Context, input, state any) ([]Command, error) {
	return d.w.Decide(input, state), nil
}

type asyncDecider struct{ w AsyncWorkflow }

// FromAsync lifts an async workflow into the runtime contract.
func FromAsync(w AsyncWorkflow) Decider { return asyncDecider{w: w} }

func (d asyncDecider) Name() string      { return d.w.Name() }
func (d asyncDecider) InitialState() any { return d.w.InitialState() }
func (d asyncDecider) Evolve(state any, ev Event) (any, error) {
	return d.w.Evolve(state, ev)
}

func (d asyncDecider) Decide(ctx context.Context, input, state any) ([]Command, error) {
	return d.w.DecideAsync(ctx, input, state)
}

// Translate produces the audit-event sequence for one decide cycle. It is
// identical for every workflow: the begin-append yields Began and
// InitiatedBy, every later input yields Received, and each command maps to
// its recording event in order.
func Translate(begins bool, input any, commands []Command) []Event {
	events := make([]Event, 0, len(commands)+2)
	if begins {
		events = append(events, Began(), InitiatedBy(input))
	} else {
		events = append(events, Received(input))
	}
	for _, cmd := range commands {
		switch cmd.Kind {
		case CommandSend:
			events = append(events, Sent(cmd.Message))
		case CommandPublish:
			events = append(events, Published(cmd.Message))
		case CommandSchedule:
			events = append(events, Scheduled(cmd.After, cmd.Message))
		case CommandReply:
			events = append(events, Replied(cmd.Message))
		case CommandComplete:
			events = append(events, Completed())
		}
	}
	return events
}

// Fold replays events over the decider's initial state. It is the canonical
// way to rebuild an instance snapshot from its stream.
func Fold(d Decider, events []Event) (any, error) {
	state := d.InitialState()
	for i, ev := range events {
		next, err := d.Evolve(state, ev)
		if err != nil {
			return nil, &FatalError{Err: fmt.Errorf("evolve event %d (%s): %w", i, ev.Kind, err)}
		}
		state = next
	}
	return state, nil
}

// EvolveDomain is a helper for Evolve implementations: it returns state
// unchanged for the bookkeeping variants (Began, Sent, Published, Scheduled,
// Replied, Completed) and hands InitiatedBy/Received inputs to apply. This
// keeps workflow Evolve methods down to the transitions that matter.
func EvolveDomain(state any, ev Event, apply func(state, input any) any) (any, error) {
	switch ev.Kind {
	case EventInitiatedBy, EventReceived:
		return apply(state, ev.Message), nil
	case EventBegan, EventSent, EventPublished, EventScheduled, EventReplied, EventCompleted:
		return state, nil
	default:
		return nil, fmt.Errorf("unhandled event kind %d", ev.Kind)
	}
}
