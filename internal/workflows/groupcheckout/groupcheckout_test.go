package groupcheckout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistream/unistream/internal/workflow"
)

func TestInitiateFansOutPerGuest(t *testing.T) {
	wf := New(StaticLedger{"g1": 120, "g2": 0})
	cmds, err := wf.DecideAsync(context.Background(),
		InitiateGroupCheckout{GroupID: "group-1", Guests: []string{"g1", "g2"}}, Initial{})
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, workflow.Send(CheckOutGuest{GroupID: "group-1", GuestID: "g1", AmountDue: 120}), cmds[0])
	assert.Equal(t, workflow.Send(CheckOutGuest{GroupID: "group-1", GuestID: "g2"}), cmds[1])
}

type failingLedger struct{}

func (failingLedger) OutstandingBalance(context.Context, string) (int64, error) {
	return 0, errors.New("ledger offline")
}

func TestInitiateSurfacesLedgerErrors(t *testing.T) {
	wf := New(failingLedger{})
	_, err := wf.DecideAsync(context.Background(),
		InitiateGroupCheckout{GroupID: "group-1", Guests: []string{"g1"}}, Initial{})
	assert.ErrorContains(t, err, "ledger offline")
}

func TestSettlementOnLastGuest(t *testing.T) {
	wf := New(nil)
	ctx := context.Background()
	pending := Pending{GroupID: "group-123", Guests: []string{"g1", "g2"}, Completed: []string{"g1"}}

	cmds, err := wf.DecideAsync(ctx, GuestCheckoutFailed{GroupID: "group-123", GuestID: "g2", Reason: "balance"}, pending)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, workflow.Send(GroupCheckoutFailed{
		GroupID:   "group-123",
		Completed: []string{"g1"},
		Failed:    []string{"g2"},
	}), cmds[0])
	assert.Equal(t, workflow.Complete(), cmds[1])
}

func TestSettlementAllCompleted(t *testing.T) {
	wf := New(nil)
	pending := Pending{GroupID: "group-2", Guests: []string{"g1", "g2"}, Completed: []string{"g2"}}

	cmds, err := wf.DecideAsync(context.Background(), GuestCheckedOut{GroupID: "group-2", GuestID: "g1"}, pending)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, workflow.Send(GroupCheckoutCompleted{
		GroupID:   "group-2",
		Completed: []string{"g2", "g1"},
	}), cmds[0])
}

func TestMidGroupSettlementIsSilent(t *testing.T) {
	wf := New(nil)
	pending := Pending{GroupID: "group-3", Guests: []string{"g1", "g2", "g3"}}

	cmds, err := wf.DecideAsync(context.Background(), GuestCheckedOut{GroupID: "group-3", GuestID: "g1"}, pending)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestTimeoutReportsPendingGuests(t *testing.T) {
	wf := New(nil)
	pending := Pending{GroupID: "group-124", Guests: []string{"g1", "g2", "g3"}, Completed: []string{"g1"}}

	cmds, err := wf.DecideAsync(context.Background(), TimeoutGroupCheckout{GroupID: "group-124"}, pending)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, workflow.Send(GroupCheckoutTimedOut{
		GroupID: "group-124",
		Pending: []string{"g2", "g3"},
	}), cmds[0])
	assert.Equal(t, workflow.Complete(), cmds[1])
}

func TestEvolveTracksSettlement(t *testing.T) {
	wf := New(nil)

	state, err := wf.Evolve(Initial{}, workflow.InitiatedBy(InitiateGroupCheckout{
		GroupID: "group-5", Guests: []string{"g1", "g2"},
	}))
	require.NoError(t, err)
	assert.Equal(t, Pending{GroupID: "group-5", Guests: []string{"g1", "g2"}}, state)

	state, err = wf.Evolve(state, workflow.Received(GuestCheckedOut{GroupID: "group-5", GuestID: "g1"}))
	require.NoError(t, err)
	p, ok := state.(Pending)
	require.True(t, ok)
	assert.Equal(t, []string{"g1"}, p.Completed)
	assert.Equal(t, []string{"g2"}, p.Remaining())

	// Duplicate settlement is ignored.
	state, err = wf.Evolve(state, workflow.Received(GuestCheckedOut{GroupID: "group-5", GuestID: "g1"}))
	require.NoError(t, err)
	assert.Equal(t, p, state)

	state, err = wf.Evolve(state, workflow.Received(GuestCheckoutFailed{GroupID: "group-5", GuestID: "g2", Reason: "balance"}))
	require.NoError(t, err)
	assert.Equal(t, Finished{GroupID: "group-5"}, state)
}

func TestEvolveTimeoutFinishes(t *testing.T) {
	wf := New(nil)
	state, err := wf.Evolve(
		Pending{GroupID: "group-6", Guests: []string{"g1"}},
		workflow.Received(TimeoutGroupCheckout{GroupID: "group-6"}))
	require.NoError(t, err)
	assert.Equal(t, Finished{GroupID: "group-6"}, state)
}

func TestRouteInput(t *testing.T) {
	id, err := RouteInput(GuestCheckedOut{GroupID: "group-7", GuestID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, "group-7", id)

	_, err = RouteInput("nope")
	assert.Error(t, err)
}
