package router

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/metrics"
	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/trigger"
)

// RouteFunc maps an accepted input to its target instance id. It must be
// pure and deterministic: the same message always routes to the same id.
type RouteFunc func(input any) (string, error)

// ErrNoRoute is returned when no workflow accepts the input's type.
var ErrNoRoute = errors.New("no route for input type")

type route struct {
	workflow string
	fn       RouteFunc
}

// Router turns external deliveries into Input appends on the target
// instance's stream and emits a processing trigger. It never reads streams
// and never runs a decider; duplicate external deliveries are forwarded
// as-is, downstream idempotency is the consumer's concern.
type Router struct {
	store     stream.Store
	transport trigger.Transport
	logger    *zap.Logger

	mu     sync.RWMutex
	routes map[reflect.Type]route
}

// New creates a router over a store and a trigger transport.
func New(store stream.Store, transport trigger.Transport, logger *zap.Logger) *Router {
	return &Router{
		store:     store,
		transport: transport,
		logger:    logger,
		routes:    make(map[reflect.Type]route),
	}
}

// Register binds a workflow's routing function to the input types it
// accepts. samples are example values; their concrete types are the keys.
func (r *Router) Register(workflow string, fn RouteFunc, samples ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		t := reflect.TypeOf(s)
		r.routes[t] = route{workflow: workflow, fn: fn}
	}
}

// WorkflowFor implements trigger.Resolver.
func (r *Router) WorkflowFor(input any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[reflect.TypeOf(input)]
	if !ok {
		return "", false
	}
	return rt.workflow, true
}

// Submit appends an external command input to its instance stream and
// triggers processing. It returns the target instance id.
func (r *Router) Submit(ctx context.Context, input any) (string, error) {
	return r.submit(ctx, input, stream.KindCommand)
}

// SubmitEvent is Submit for external events: facts from other systems the
// workflow reacts to, appended with Kind=Event.
func (r *Router) SubmitEvent(ctx context.Context, input any) (string, error) {
	return r.submit(ctx, input, stream.KindEvent)
}

func (r *Router) submit(ctx context.Context, input any, kind stream.Kind) (string, error) {
	r.mu.RLock()
	rt, ok := r.routes[reflect.TypeOf(input)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrNoRoute, input)
	}

	workflowID, err := rt.fn(input)
	if err != nil {
		return "", fmt.Errorf("route %T: %w", input, err)
	}
	if workflowID == "" {
		return "", fmt.Errorf("route %T: empty workflow id", input)
	}

	var msg stream.Message
	if kind == stream.KindEvent {
		msg = stream.NewInputEvent(workflowID, input)
	} else {
		msg = stream.NewInputCommand(workflowID, input)
	}

	pos, err := r.store.Append(ctx, workflowID, []stream.Message{msg})
	if err != nil {
		return "", fmt.Errorf("append input to %s: %w", workflowID, err)
	}
	metrics.InputsRouted.WithLabelValues(rt.workflow).Inc()

	if err := r.transport.Publish(ctx, trigger.Trigger{
		Workflow:   rt.workflow,
		WorkflowID: workflowID,
		From:       pos,
	}); err != nil {
		// The input is durable; the sweep will pick it up.
		r.logger.Warn("Trigger publish failed after append",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
	return workflowID, nil
}
