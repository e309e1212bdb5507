// Package orderproc is the reference synchronous workflow: an order moves
// through placement, payment, shipping and delivery, with cancellation by
// user request or payment timeout. It exercises every command kind except
// async decide.
package orderproc

import (
	"fmt"
	"time"

	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/workflow"
)

// WorkflowName is the registration key for this workflow type.
const WorkflowName = "order-processing"

// PaymentWindow is the delay before an unpaid order times out.
const PaymentWindow = 15 * time.Minute

// Inputs.
type (
	PlaceOrder      struct{ OrderID string }
	PaymentReceived struct{ OrderID string }
	OrderShipped    struct {
		OrderID  string
		Tracking string
	}
	OrderDelivered struct{ OrderID string }
	CancelOrder    struct {
		OrderID string
		Reason  string
	}
	PaymentTimeout struct{ OrderID string }
	// GetOrderStatus is a query: it is answered with a Reply and never
	// mutates state.
	GetOrderStatus struct{ OrderID string }
)

// Outputs.
type (
	ProcessPayment       struct{ OrderID string }
	NotifyOrderPlaced    struct{ OrderID string }
	ShipOrder            struct{ OrderID string }
	NotifyOrderShipped   struct {
		OrderID  string
		Tracking string
	}
	NotifyOrderDelivered struct{ OrderID string }
	NotifyOrderCancelled struct {
		OrderID string
		Reason  string
	}
	OrderStatus struct {
		OrderID string
		Status  string
	}
)

// States.
type (
	Initial struct{}
	Placed  struct{ OrderID string }
	Paid    struct{ OrderID string }
	Shipped struct {
		OrderID  string
		Tracking string
	}
	Delivered struct {
		OrderID  string
		Tracking string
	}
	Cancelled struct {
		OrderID string
		Reason  string
	}
)

// TimeoutReason is the cancellation reason recorded on payment timeout.
const TimeoutReason = "Payment_Timeout"

// OrderProcessing implements workflow.Workflow.
type OrderProcessing struct{}

func New() OrderProcessing { return OrderProcessing{} }

func (OrderProcessing) Name() string      { return WorkflowName }
func (OrderProcessing) InitialState() any { return Initial{} }

// RouteInput maps every accepted input to its order id.
func RouteInput(input any) (string, error) {
	switch in := input.(type) {
	case PlaceOrder:
		return in.OrderID, nil
	case PaymentReceived:
		return in.OrderID, nil
	case OrderShipped:
		return in.OrderID, nil
	case OrderDelivered:
		return in.OrderID, nil
	case CancelOrder:
		return in.OrderID, nil
	case PaymentTimeout:
		return in.OrderID, nil
	case GetOrderStatus:
		return in.OrderID, nil
	default:
		return "", fmt.Errorf("unroutable input %T", input)
	}
}

// InputSamples lists the input types for router registration.
func InputSamples() []any {
	return []any{
		PlaceOrder{}, PaymentReceived{}, OrderShipped{}, OrderDelivered{},
		CancelOrder{}, PaymentTimeout{}, GetOrderStatus{},
	}
}

// RegisterPayloads binds the workflow's wire names for durable stores and
// the HTTP API.
func RegisterPayloads(c *stream.Codec) {
	c.MustRegister("order.place", PlaceOrder{})
	c.MustRegister("order.payment_received", PaymentReceived{})
	c.MustRegister("order.shipped", OrderShipped{})
	c.MustRegister("order.delivered", OrderDelivered{})
	c.MustRegister("order.cancel", CancelOrder{})
	c.MustRegister("order.payment_timeout", PaymentTimeout{})
	c.MustRegister("order.get_status", GetOrderStatus{})
	c.MustRegister("order.process_payment", ProcessPayment{})
	c.MustRegister("order.notify_placed", NotifyOrderPlaced{})
	c.MustRegister("order.ship", ShipOrder{})
	c.MustRegister("order.notify_shipped", NotifyOrderShipped{})
	c.MustRegister("order.notify_delivered", NotifyOrderDelivered{})
	c.MustRegister("order.notify_cancelled", NotifyOrderCancelled{})
	c.MustRegister("order.status", OrderStatus{})
}

func (OrderProcessing) Decide(input, state any) []workflow.Command {
	if q, ok := input.(GetOrderStatus); ok {
		return []workflow.Command{workflow.Reply(OrderStatus{OrderID: q.OrderID, Status: statusOf(state)})}
	}

	switch state.(type) {
	case Initial:
		if in, ok := input.(PlaceOrder); ok {
			return []workflow.Command{
				workflow.Send(ProcessPayment{OrderID: in.OrderID}),
				workflow.Publish(NotifyOrderPlaced{OrderID: in.OrderID}),
				workflow.ScheduleIn(PaymentWindow, PaymentTimeout{OrderID: in.OrderID}),
			}
		}
	case Placed:
		switch in := input.(type) {
		case PaymentReceived:
			return []workflow.Command{workflow.Send(ShipOrder{OrderID: in.OrderID})}
		case CancelOrder:
			return []workflow.Command{
				workflow.Publish(NotifyOrderCancelled{OrderID: in.OrderID, Reason: in.Reason}),
				workflow.Complete(),
			}
		case PaymentTimeout:
			return []workflow.Command{
				workflow.Publish(NotifyOrderCancelled{OrderID: in.OrderID, Reason: TimeoutReason}),
				workflow.Complete(),
			}
		}
	case Paid:
		if in, ok := input.(OrderShipped); ok {
			return []workflow.Command{
				workflow.Publish(NotifyOrderShipped{OrderID: in.OrderID, Tracking: in.Tracking}),
			}
		}
	case Shipped:
		if in, ok := input.(OrderDelivered); ok {
			return []workflow.Command{
				workflow.Publish(NotifyOrderDelivered{OrderID: in.OrderID}),
				workflow.Complete(),
			}
		}
	}
	// Terminal states and unexpected pairs: no commands.
	return nil
}

func (OrderProcessing) Evolve(state any, ev workflow.Event) (any, error) {
	return workflow.EvolveDomain(state, ev, func(state, input any) any {
		switch s := state.(type) {
		case Initial:
			if in, ok := input.(PlaceOrder); ok {
				return Placed{OrderID: in.OrderID}
			}
		case Placed:
			switch in := input.(type) {
			case PaymentReceived:
				return Paid{OrderID: in.OrderID}
			case CancelOrder:
				return Cancelled{OrderID: in.OrderID, Reason: in.Reason}
			case PaymentTimeout:
				return Cancelled{OrderID: in.OrderID, Reason: TimeoutReason}
			}
		case Paid:
			if in, ok := input.(OrderShipped); ok {
				return Shipped{OrderID: in.OrderID, Tracking: in.Tracking}
			}
		case Shipped:
			if in, ok := input.(OrderDelivered); ok {
				return Delivered{OrderID: in.OrderID, Tracking: s.Tracking}
			}
		}
		return state
	})
}

func statusOf(state any) string {
	switch state.(type) {
	case Initial:
		return "initial"
	case Placed:
		return "placed"
	case Paid:
		return "paid"
	case Shipped:
		return "shipped"
	case Delivered:
		return "delivered"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
