package outbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/unistream/unistream/internal/bus"
	"github.com/unistream/unistream/internal/scheduler"
	"github.com/unistream/unistream/internal/workflow"
)

// ErrNoHandler is returned when no handler is registered for a payload type.
var ErrNoHandler = errors.New("no handler registered for message type")

// Handler executes one output message. Handlers must be idempotent under
// the execute-before-claim policy, and should be under claim-before-execute
// too since at-least-once transports can still duplicate downstream.
type Handler func(ctx context.Context, msg any) error

// Registry maps concrete output message types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[reflect.Type]Handler)}
}

// Register binds a handler to the concrete type of sample.
func (r *Registry) Register(sample any, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reflect.TypeOf(sample)] = h
}

// RegisterFor is the typed registration helper.
func RegisterFor[T any](r *Registry, h func(ctx context.Context, msg T) error) {
	var zero T
	r.Register(zero, func(ctx context.Context, msg any) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("handler for %T received %T", zero, msg)
		}
		return h(ctx, typed)
	})
}

// Dispatch routes msg to its handler.
func (r *Registry) Dispatch(ctx context.Context, msg any) error {
	r.mu.RLock()
	h, ok := r.handlers[reflect.TypeOf(msg)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %T", ErrNoHandler, msg)
	}
	return h(ctx, msg)
}

// Dispatcher executes one claimed output command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd workflow.Command) error
}

// CompositeDispatcher is the default wiring: Send and Publish go to the
// message bus, Schedule to the scheduler, Reply and any domain-specific
// target to the type-keyed registry. Complete has no side effect to execute.
type CompositeDispatcher struct {
	Bus       bus.Bus
	Scheduler scheduler.Scheduler
	Registry  *Registry
}

// Dispatch implements Dispatcher.
func (d *CompositeDispatcher) Dispatch(ctx context.Context, cmd workflow.Command) error {
	switch cmd.Kind {
	case workflow.CommandSend:
		return d.Bus.Send(ctx, cmd.Message)
	case workflow.CommandPublish:
		return d.Bus.Publish(ctx, cmd.Message)
	case workflow.CommandSchedule:
		return d.Scheduler.Schedule(ctx, cmd.After, cmd.Message)
	case workflow.CommandReply:
		return d.Registry.Dispatch(ctx, cmd.Message)
	case workflow.CommandComplete:
		return nil
	default:
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}
