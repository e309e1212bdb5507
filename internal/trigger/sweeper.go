package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/metrics"
	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/workflow"
)

// Resolver maps an input payload to the workflow type that accepts it. The
// router implements it from its registered routes.
type Resolver interface {
	WorkflowFor(input any) (string, bool)
}

// Sweeper periodically re-triggers instances whose streams hold inputs with
// no matching audit event yet. It is the safety net that makes unreliable
// trigger delivery acceptable.
type Sweeper struct {
	store     stream.Store
	lister    stream.Lister
	transport Transport
	resolver  Resolver
	interval  time.Duration
	logger    *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper builds a sweeper over a store that can enumerate instances.
func NewSweeper(store stream.Store, lister stream.Lister, transport Transport, resolver Resolver, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:     store,
		lister:    lister,
		transport: transport,
		resolver:  resolver,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// sweep re-triggers every instance that has unprocessed inputs.
func (s *Sweeper) sweep(ctx context.Context) {
	ids, err := s.lister.Instances(ctx)
	if err != nil {
		s.logger.Warn("Sweep could not list instances", zap.Error(err))
		return
	}
	for _, id := range ids {
		msgs, err := s.store.ReadStream(ctx, id, 0)
		if err != nil {
			s.logger.Warn("Sweep could not read stream",
				zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		pending, first := unprocessedInputs(msgs)
		if pending == 0 {
			continue
		}
		name, ok := s.resolver.WorkflowFor(first)
		if !ok {
			s.logger.Warn("Sweep found stream with unroutable input",
				zap.String("workflow_id", id))
			continue
		}
		if err := s.transport.Publish(ctx, Trigger{Workflow: name, WorkflowID: id}); err != nil {
			s.logger.Warn("Sweep re-trigger failed",
				zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		metrics.SweepRetriggers.Inc()
	}
}

// unprocessedInputs counts inputs not yet matched by a Received/InitiatedBy
// audit event and returns the payload of the first input for routing.
func unprocessedInputs(msgs []stream.Message) (int, any) {
	var inputs, audited int
	var first any
	for _, m := range msgs {
		if m.IsInput() {
			if first == nil {
				first = m.Payload
			}
			inputs++
			continue
		}
		if !m.IsAuditEvent() {
			continue
		}
		if ev, err := m.Event(); err == nil {
			if ev.Kind == workflow.EventInitiatedBy || ev.Kind == workflow.EventReceived {
				audited++
			}
		}
	}
	return inputs - audited, first
}
