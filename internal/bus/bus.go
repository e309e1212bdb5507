package bus

import (
	"context"
	"sync"
)

// Bus is the message-bus collaborator output commands are executed against.
// Send targets one recipient; Publish fans out to any subscriber. Delivery
// is at-least-once; consumers downstream must tolerate duplicates.
type Bus interface {
	Send(ctx context.Context, msg any) error
	Publish(ctx context.Context, msg any) error
}

// MemoryBus records traffic in order. It backs tests and single-process
// deployments where outputs loop straight back into the router.
type MemoryBus struct {
	mu        sync.Mutex
	sent      []any
	published []any

	// OnSend/OnPublish, when set, are invoked synchronously after recording.
	// Deployments use them to feed outputs back as new external inputs.
	OnSend    func(ctx context.Context, msg any) error
	OnPublish func(ctx context.Context, msg any) error
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

// Send implements Bus.
func (b *MemoryBus) Send(ctx context.Context, msg any) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	fn := b.OnSend
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return nil
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, msg any) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	fn := b.OnPublish
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return nil
}

// Sent returns a copy of everything delivered via Send, in order.
func (b *MemoryBus) Sent() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.sent))
	copy(out, b.sent)
	return out
}

// Published returns a copy of everything delivered via Publish, in order.
func (b *MemoryBus) Published() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.published))
	copy(out, b.published)
	return out
}
