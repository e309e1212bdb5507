package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unistream/unistream/internal/router"
	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/trigger"
	"github.com/unistream/unistream/internal/workflow"
	"github.com/unistream/unistream/internal/workflows/groupcheckout"
	"github.com/unistream/unistream/internal/workflows/orderproc"
)

type engine struct {
	store    *stream.MemoryStore
	router   *router.Router
	consumer *Consumer
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := stream.NewMemoryStore()
	transport := trigger.NewChannelTransport(64)
	t.Cleanup(func() { transport.Close() })

	rt := router.New(store, transport, logger)
	cons := New(store, transport, Config{Parallelism: 4}, logger)

	order := orderproc.New()
	rt.Register(order.Name(), orderproc.RouteInput, orderproc.InputSamples()...)
	cons.Register(workflow.FromWorkflow(order))

	group := groupcheckout.New(nil)
	rt.Register(group.Name(), groupcheckout.RouteInput, groupcheckout.InputSamples()...)
	cons.Register(workflow.FromAsync(group))

	return &engine{store: store, router: rt, consumer: cons}
}

// feed routes one input and runs the processing cycle synchronously.
func (e *engine) feed(t *testing.T, workflowName string, input any) string {
	t.Helper()
	ctx := context.Background()
	id, err := e.router.Submit(ctx, input)
	require.NoError(t, err)
	require.NoError(t, e.consumer.Process(ctx, workflowName, id))
	return id
}

// outputCommands lists a stream's output commands in position order.
func outputCommands(t *testing.T, store stream.Store, id string) []workflow.Command {
	t.Helper()
	msgs, err := store.ReadStream(context.Background(), id, 0)
	require.NoError(t, err)
	var out []workflow.Command
	for _, m := range msgs {
		if m.IsOutputCommand() {
			cmd, err := m.Command()
			require.NoError(t, err)
			out = append(out, cmd)
		}
	}
	return out
}

func eventKinds(t *testing.T, store stream.Store, id string) []workflow.EventKind {
	t.Helper()
	msgs, err := store.ReadStream(context.Background(), id, 0)
	require.NoError(t, err)
	var kinds []workflow.EventKind
	for _, m := range msgs {
		if m.IsAuditEvent() {
			ev, err := m.Event()
			require.NoError(t, err)
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func TestOrderHappyPath(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.feed(t, orderproc.WorkflowName, orderproc.PlaceOrder{OrderID: "order-1"})
	e.feed(t, orderproc.WorkflowName, orderproc.PaymentReceived{OrderID: "order-1"})
	e.feed(t, orderproc.WorkflowName, orderproc.OrderShipped{OrderID: "order-1", Tracking: "TRACK-9"})
	e.feed(t, orderproc.WorkflowName, orderproc.OrderDelivered{OrderID: "order-1"})

	snap, err := e.consumer.Snapshot(ctx, orderproc.WorkflowName, "order-1")
	require.NoError(t, err)
	assert.Equal(t, orderproc.Delivered{OrderID: "order-1", Tracking: "TRACK-9"}, snap.State)

	cmds := outputCommands(t, e.store, "order-1")
	require.Len(t, cmds, 7)
	assert.Equal(t, workflow.Send(orderproc.ProcessPayment{OrderID: "order-1"}), cmds[0])
	assert.Equal(t, workflow.Publish(orderproc.NotifyOrderPlaced{OrderID: "order-1"}), cmds[1])
	assert.Equal(t, workflow.ScheduleIn(orderproc.PaymentWindow, orderproc.PaymentTimeout{OrderID: "order-1"}), cmds[2])
	assert.Equal(t, workflow.Send(orderproc.ShipOrder{OrderID: "order-1"}), cmds[3])
	assert.Equal(t, workflow.Publish(orderproc.NotifyOrderShipped{OrderID: "order-1", Tracking: "TRACK-9"}), cmds[4])
	assert.Equal(t, workflow.Publish(orderproc.NotifyOrderDelivered{OrderID: "order-1"}), cmds[5])
	assert.Equal(t, workflow.Complete(), cmds[6])

	kinds := eventKinds(t, e.store, "order-1")
	assert.Equal(t, 1, countKind(kinds, workflow.EventBegan))
	assert.Equal(t, 1, countKind(kinds, workflow.EventInitiatedBy))
	assert.Equal(t, 1, countKind(kinds, workflow.EventCompleted))
	// The stream begins with the first input, then Began and InitiatedBy.
	assert.Equal(t, workflow.EventBegan, kinds[0])
	assert.Equal(t, workflow.EventInitiatedBy, kinds[1])
}

func countKind(kinds []workflow.EventKind, k workflow.EventKind) int {
	var n int
	for _, kind := range kinds {
		if kind == k {
			n++
		}
	}
	return n
}

func TestOrderCancelBeforePayment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.feed(t, orderproc.WorkflowName, orderproc.PlaceOrder{OrderID: "order-2"})
	e.feed(t, orderproc.WorkflowName, orderproc.CancelOrder{OrderID: "order-2", Reason: "user"})

	snap, err := e.consumer.Snapshot(ctx, orderproc.WorkflowName, "order-2")
	require.NoError(t, err)
	assert.Equal(t, orderproc.Cancelled{OrderID: "order-2", Reason: "user"}, snap.State)

	cmds := outputCommands(t, e.store, "order-2")
	require.Len(t, cmds, 5)
	assert.Equal(t, workflow.Publish(orderproc.NotifyOrderCancelled{OrderID: "order-2", Reason: "user"}), cmds[3])
	assert.Equal(t, workflow.Complete(), cmds[4])

	// A late input after completion produces no commands and no transition.
	e.feed(t, orderproc.WorkflowName, orderproc.PaymentReceived{OrderID: "order-2"})
	snap, err = e.consumer.Snapshot(ctx, orderproc.WorkflowName, "order-2")
	require.NoError(t, err)
	assert.Equal(t, orderproc.Cancelled{OrderID: "order-2", Reason: "user"}, snap.State)
	assert.Len(t, outputCommands(t, e.store, "order-2"), 5)
}

func TestOrderPaymentTimeout(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.feed(t, orderproc.WorkflowName, orderproc.PlaceOrder{OrderID: "order-3"})
	e.feed(t, orderproc.WorkflowName, orderproc.PaymentTimeout{OrderID: "order-3"})

	snap, err := e.consumer.Snapshot(ctx, orderproc.WorkflowName, "order-3")
	require.NoError(t, err)
	assert.Equal(t, orderproc.Cancelled{OrderID: "order-3", Reason: orderproc.TimeoutReason}, snap.State)

	cmds := outputCommands(t, e.store, "order-3")
	require.Len(t, cmds, 5)
	assert.Equal(t, workflow.Publish(orderproc.NotifyOrderCancelled{OrderID: "order-3", Reason: orderproc.TimeoutReason}), cmds[3])
	assert.Equal(t, workflow.Complete(), cmds[4])
}

func TestGroupCheckoutPartialFailure(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.feed(t, groupcheckout.WorkflowName, groupcheckout.InitiateGroupCheckout{
		GroupID: "group-123", Guests: []string{"g1", "g2"},
	})
	e.feed(t, groupcheckout.WorkflowName, groupcheckout.GuestCheckedOut{GroupID: "group-123", GuestID: "g1"})
	e.feed(t, groupcheckout.WorkflowName, groupcheckout.GuestCheckoutFailed{GroupID: "group-123", GuestID: "g2", Reason: "balance"})

	snap, err := e.consumer.Snapshot(ctx, groupcheckout.WorkflowName, "group-123")
	require.NoError(t, err)
	assert.Equal(t, groupcheckout.Finished{GroupID: "group-123"}, snap.State)

	cmds := outputCommands(t, e.store, "group-123")
	require.Len(t, cmds, 4)
	assert.Equal(t, workflow.Send(groupcheckout.CheckOutGuest{GroupID: "group-123", GuestID: "g1"}), cmds[0])
	assert.Equal(t, workflow.Send(groupcheckout.CheckOutGuest{GroupID: "group-123", GuestID: "g2"}), cmds[1])
	assert.Equal(t, workflow.Send(groupcheckout.GroupCheckoutFailed{
		GroupID:   "group-123",
		Completed: []string{"g1"},
		Failed:    []string{"g2"},
	}), cmds[2])
	assert.Equal(t, workflow.Complete(), cmds[3])
}

func TestGroupCheckoutTimeout(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.feed(t, groupcheckout.WorkflowName, groupcheckout.InitiateGroupCheckout{
		GroupID: "group-124", Guests: []string{"g1", "g2", "g3"},
	})
	e.feed(t, groupcheckout.WorkflowName, groupcheckout.GuestCheckedOut{GroupID: "group-124", GuestID: "g1"})
	e.feed(t, groupcheckout.WorkflowName, groupcheckout.TimeoutGroupCheckout{GroupID: "group-124"})

	snap, err := e.consumer.Snapshot(ctx, groupcheckout.WorkflowName, "group-124")
	require.NoError(t, err)
	assert.Equal(t, groupcheckout.Finished{GroupID: "group-124"}, snap.State)

	cmds := outputCommands(t, e.store, "group-124")
	require.Len(t, cmds, 5)
	assert.Equal(t, workflow.Send(groupcheckout.GroupCheckoutTimedOut{
		GroupID: "group-124",
		Pending: []string{"g2", "g3"},
	}), cmds[3])
	assert.Equal(t, workflow.Complete(), cmds[4])
}

func TestProcessDrainsBackloggedInputs(t *testing.T) {
	// Several inputs may land before the first processing cycle; one Process
	// call drains them all, and only the first cycle records Began.
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.router.Submit(ctx, orderproc.PlaceOrder{OrderID: "order-9"})
	require.NoError(t, err)
	_, err = e.router.Submit(ctx, orderproc.PaymentReceived{OrderID: "order-9"})
	require.NoError(t, err)

	require.NoError(t, e.consumer.Process(ctx, orderproc.WorkflowName, "order-9"))

	snap, err := e.consumer.Snapshot(ctx, orderproc.WorkflowName, "order-9")
	require.NoError(t, err)
	assert.Equal(t, orderproc.Paid{OrderID: "order-9"}, snap.State)

	kinds := eventKinds(t, e.store, "order-9")
	assert.Equal(t, 1, countKind(kinds, workflow.EventBegan))
	assert.Equal(t, 1, countKind(kinds, workflow.EventInitiatedBy))
	assert.Equal(t, 1, countKind(kinds, workflow.EventReceived))
}

func TestProcessIsIdempotentPerTrigger(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.feed(t, orderproc.WorkflowName, orderproc.PlaceOrder{OrderID: "order-10"})
	before, err := e.store.ReadStream(ctx, "order-10", 0)
	require.NoError(t, err)

	// Duplicate triggers find nothing left to audit.
	require.NoError(t, e.consumer.Process(ctx, orderproc.WorkflowName, "order-10"))
	require.NoError(t, e.consumer.Process(ctx, orderproc.WorkflowName, "order-10"))

	after, err := e.store.ReadStream(ctx, "order-10", 0)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestZeroCommandInputStillAudited(t *testing.T) {
	e := newEngine(t)

	// OrderShipped in state Initial is an unexpected pair: no commands, but
	// the input must still be recorded so it is not reprocessed forever.
	id := e.feed(t, orderproc.WorkflowName, orderproc.OrderShipped{OrderID: "order-11", Tracking: "T"})

	kinds := eventKinds(t, e.store, id)
	require.Len(t, kinds, 2)
	assert.Equal(t, workflow.EventBegan, kinds[0])
	assert.Equal(t, workflow.EventInitiatedBy, kinds[1])
	assert.Empty(t, outputCommands(t, e.store, id))
}

func TestUnknownWorkflow(t *testing.T) {
	e := newEngine(t)
	err := e.consumer.Process(context.Background(), "nope", "wf-1")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

// brokenEvolve fails folding any domain input, simulating a workflow bug.
type brokenEvolve struct{}

func (brokenEvolve) Name() string      { return "broken" }
func (brokenEvolve) InitialState() any { return nil }
func (brokenEvolve) Decide(input, state any) []workflow.Command {
	return nil
}
func (brokenEvolve) Evolve(state any, ev workflow.Event) (any, error) {
	return nil, errors.New("unhandled event variant")
}

func TestFatalEvolveHaltsInstance(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := stream.NewMemoryStore()
	transport := trigger.NewChannelTransport(8)
	defer transport.Close()

	cons := New(store, transport, Config{Parallelism: 1}, logger)
	cons.Register(workflow.FromWorkflow(brokenEvolve{}))

	ctx := context.Background()
	_, err := store.Append(ctx, "wf-broken", []stream.Message{
		stream.NewInputCommand("wf-broken", "anything"),
	})
	require.NoError(t, err)

	err = cons.Process(ctx, "broken", "wf-broken")
	require.Error(t, err)

	// Further processing is refused, the stream stays readable.
	err = cons.Process(ctx, "broken", "wf-broken")
	assert.ErrorIs(t, err, ErrHalted)
	haltErr, halted := cons.Halted("wf-broken")
	assert.True(t, halted)
	assert.Error(t, haltErr)

	msgs, err := store.ReadStream(ctx, "wf-broken", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, msgs)
}

// flakyDecide fails its first decide call and then recovers, like a
// collaborator outage that clears between triggers.
type flakyDecide struct{ calls *int }

func (flakyDecide) Name() string      { return "flaky" }
func (flakyDecide) InitialState() any { return nil }
func (f flakyDecide) DecideAsync(ctx context.Context, input, state any) ([]workflow.Command, error) {
	*f.calls++
	if *f.calls == 1 {
		return nil, errors.New("ledger temporarily unavailable")
	}
	return nil, nil
}
func (flakyDecide) Evolve(state any, ev workflow.Event) (any, error) { return state, nil }

func TestTransientDecideErrorDoesNotHalt(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := stream.NewMemoryStore()
	transport := trigger.NewChannelTransport(8)
	defer transport.Close()

	calls := 0
	cons := New(store, transport, Config{Parallelism: 1}, logger)
	cons.Register(workflow.FromAsync(flakyDecide{calls: &calls}))

	ctx := context.Background()
	_, err := store.Append(ctx, "wf-flaky", []stream.Message{
		stream.NewInputCommand("wf-flaky", "anything"),
	})
	require.NoError(t, err)

	err = cons.Process(ctx, "flaky", "wf-flaky")
	require.ErrorContains(t, err, "ledger temporarily unavailable")
	_, halted := cons.Halted("wf-flaky")
	assert.False(t, halted)

	// The input is still unaudited, so the retry reprocesses it and
	// records the audit trail.
	require.NoError(t, cons.Process(ctx, "flaky", "wf-flaky"))
	kinds := eventKinds(t, store, "wf-flaky")
	require.Len(t, kinds, 2)
	assert.Equal(t, workflow.EventBegan, kinds[0])
	assert.Equal(t, workflow.EventInitiatedBy, kinds[1])
}

func TestStartProcessesTriggers(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.consumer.Start(ctx)

	_, err := e.router.Submit(ctx, orderproc.PlaceOrder{OrderID: "order-12"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := e.consumer.Snapshot(ctx, orderproc.WorkflowName, "order-12")
		if err != nil {
			return false
		}
		_, placed := snap.State.(orderproc.Placed)
		return placed
	}, 2*time.Second, 10*time.Millisecond)
}
