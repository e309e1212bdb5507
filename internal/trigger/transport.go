package trigger

import (
	"context"

	"github.com/unistream/unistream/internal/metrics"
)

// Trigger is the internal signal that tells a consumer to process an
// instance's stream. From carries the first position the emitting append
// wrote; it is advisory, the consumer always reads the full stream.
type Trigger struct {
	Workflow   string `json:"workflow"`
	WorkflowID string `json:"workflow_id"`
	From       int64  `json:"from,omitempty"`
}

// Transport delivers triggers from routers to consumers. Delivery may be
// unreliable; the periodic sweep compensates for lost signals.
type Transport interface {
	Publish(ctx context.Context, t Trigger) error
	// Triggers returns the channel consumers receive on. The transport owns
	// the channel and closes it on Close.
	Triggers() <-chan Trigger
	Close() error
}

// ChannelTransport is the in-process transport: a single buffered channel.
// When the buffer is full Publish drops the trigger rather than blocking the
// router; the sweep picks up the slack.
type ChannelTransport struct {
	ch chan Trigger
}

// NewChannelTransport creates an in-process transport with the given buffer.
func NewChannelTransport(buffer int) *ChannelTransport {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelTransport{ch: make(chan Trigger, buffer)}
}

// Publish implements Transport.
func (t *ChannelTransport) Publish(ctx context.Context, tr Trigger) error {
	select {
	case t.ch <- tr:
		metrics.TriggersPublished.WithLabelValues("channel").Inc()
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Buffer full; rely on the sweep.
	}
	return nil
}

// Triggers implements Transport.
func (t *ChannelTransport) Triggers() <-chan Trigger { return t.ch }

// Close implements Transport.
func (t *ChannelTransport) Close() error {
	close(t.ch)
	return nil
}
