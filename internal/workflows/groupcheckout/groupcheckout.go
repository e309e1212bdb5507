// Package groupcheckout is the reference asynchronous workflow: a group of
// hotel guests checks out together, each guest settles independently, and the
// group settles as completed, failed or timed out. Decide consults an
// injected ledger, so it runs through the async decider contract.
package groupcheckout

import (
	"context"
	"fmt"

	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/workflow"
)

// WorkflowName is the registration key for this workflow type.
const WorkflowName = "group-checkout"

// GuestLedger is the collaborator DecideAsync consults when fanning out
// per-guest checkouts. Only Decide may touch it; Evolve stays pure.
type GuestLedger interface {
	OutstandingBalance(ctx context.Context, guestID string) (int64, error)
}

// StaticLedger is a fixed in-memory ledger. Unknown guests owe nothing.
type StaticLedger map[string]int64

func (l StaticLedger) OutstandingBalance(_ context.Context, guestID string) (int64, error) {
	return l[guestID], nil
}

// Inputs.
type (
	InitiateGroupCheckout struct {
		GroupID string
		Guests  []string
	}
	GuestCheckedOut struct {
		GroupID string
		GuestID string
	}
	GuestCheckoutFailed struct {
		GroupID string
		GuestID string
		Reason  string
	}
	TimeoutGroupCheckout struct{ GroupID string }
)

// Outputs.
type (
	CheckOutGuest struct {
		GroupID   string
		GuestID   string
		AmountDue int64
	}
	GroupCheckoutCompleted struct {
		GroupID   string
		Completed []string
	}
	GroupCheckoutFailed struct {
		GroupID   string
		Completed []string
		Failed    []string
	}
	GroupCheckoutTimedOut struct {
		GroupID string
		Pending []string
	}
)

// States.
type (
	Initial struct{}
	Pending struct {
		GroupID   string
		Guests    []string
		Completed []string
		Failed    []string
	}
	Finished struct{ GroupID string }
)

// Remaining lists the guests not yet settled, in initiation order.
func (p Pending) Remaining() []string {
	var out []string
	for _, g := range p.Guests {
		if !contains(p.Completed, g) && !contains(p.Failed, g) {
			out = append(out, g)
		}
	}
	return out
}

func (p Pending) settle(guestID string, failed bool) Pending {
	if !contains(p.Remaining(), guestID) {
		return p
	}
	next := p
	if failed {
		next.Failed = append(append([]string(nil), p.Failed...), guestID)
	} else {
		next.Completed = append(append([]string(nil), p.Completed...), guestID)
	}
	return next
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// GroupCheckout implements workflow.AsyncWorkflow.
type GroupCheckout struct {
	ledger GuestLedger
}

func New(ledger GuestLedger) GroupCheckout {
	if ledger == nil {
		ledger = StaticLedger{}
	}
	return GroupCheckout{ledger: ledger}
}

func (GroupCheckout) Name() string      { return WorkflowName }
func (GroupCheckout) InitialState() any { return Initial{} }

// RouteInput maps every accepted input to its group id.
func RouteInput(input any) (string, error) {
	switch in := input.(type) {
	case InitiateGroupCheckout:
		return in.GroupID, nil
	case GuestCheckedOut:
		return in.GroupID, nil
	case GuestCheckoutFailed:
		return in.GroupID, nil
	case TimeoutGroupCheckout:
		return in.GroupID, nil
	default:
		return "", fmt.Errorf("unroutable input %T", input)
	}
}

// InputSamples lists the input types for router registration.
func InputSamples() []any {
	return []any{
		InitiateGroupCheckout{}, GuestCheckedOut{}, GuestCheckoutFailed{},
		TimeoutGroupCheckout{},
	}
}

// RegisterPayloads binds the workflow's wire names for durable stores and
// the HTTP API.
func RegisterPayloads(c *stream.Codec) {
	c.MustRegister("groupcheckout.initiate", InitiateGroupCheckout{})
	c.MustRegister("groupcheckout.guest_checked_out", GuestCheckedOut{})
	c.MustRegister("groupcheckout.guest_checkout_failed", GuestCheckoutFailed{})
	c.MustRegister("groupcheckout.timeout", TimeoutGroupCheckout{})
	c.MustRegister("groupcheckout.check_out_guest", CheckOutGuest{})
	c.MustRegister("groupcheckout.completed", GroupCheckoutCompleted{})
	c.MustRegister("groupcheckout.failed", GroupCheckoutFailed{})
	c.MustRegister("groupcheckout.timed_out", GroupCheckoutTimedOut{})
}

func (w GroupCheckout) DecideAsync(ctx context.Context, input, state any) ([]workflow.Command, error) {
	switch s := state.(type) {
	case Initial:
		if in, ok := input.(InitiateGroupCheckout); ok {
			cmds := make([]workflow.Command, 0, len(in.Guests))
			for _, g := range in.Guests {
				due, err := w.ledger.OutstandingBalance(ctx, g)
				if err != nil {
					return nil, fmt.Errorf("ledger lookup for guest %s: %w", g, err)
				}
				cmds = append(cmds, workflow.Send(CheckOutGuest{
					GroupID:   in.GroupID,
					GuestID:   g,
					AmountDue: due,
				}))
			}
			return cmds, nil
		}
	case Pending:
		switch in := input.(type) {
		case GuestCheckedOut:
			return w.afterSettle(s, in.GuestID, false), nil
		case GuestCheckoutFailed:
			return w.afterSettle(s, in.GuestID, true), nil
		case TimeoutGroupCheckout:
			return []workflow.Command{
				workflow.Send(GroupCheckoutTimedOut{GroupID: s.GroupID, Pending: s.Remaining()}),
				workflow.Complete(),
			}, nil
		}
	}
	return nil, nil
}

// afterSettle emits the group settlement once the last guest resolves.
func (w GroupCheckout) afterSettle(s Pending, guestID string, failed bool) []workflow.Command {
	next := s.settle(guestID, failed)
	if len(next.Remaining()) > 0 {
		return nil
	}
	var final workflow.Command
	if len(next.Failed) > 0 {
		final = workflow.Send(GroupCheckoutFailed{
			GroupID:   next.GroupID,
			Completed: next.Completed,
			Failed:    next.Failed,
		})
	} else {
		final = workflow.Send(GroupCheckoutCompleted{
			GroupID:   next.GroupID,
			Completed: next.Completed,
		})
	}
	return []workflow.Command{final, workflow.Complete()}
}

func (GroupCheckout) Evolve(state any, ev workflow.Event) (any, error) {
	return workflow.EvolveDomain(state, ev, func(state, input any) any {
		switch s := state.(type) {
		case Initial:
			if in, ok := input.(InitiateGroupCheckout); ok {
				return Pending{GroupID: in.GroupID, Guests: in.Guests}
			}
		case Pending:
			switch in := input.(type) {
			case GuestCheckedOut:
				return finishIfDone(s.settle(in.GuestID, false))
			case GuestCheckoutFailed:
				return finishIfDone(s.settle(in.GuestID, true))
			case TimeoutGroupCheckout:
				return Finished{GroupID: s.GroupID}
			}
		}
		return state
	})
}

func finishIfDone(p Pending) any {
	if len(p.Remaining()) == 0 {
		return Finished{GroupID: p.GroupID}
	}
	return p
}
