package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/metrics"
	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/tracing"
	"github.com/unistream/unistream/internal/trigger"
	"github.com/unistream/unistream/internal/workflow"
)

// ErrUnknownWorkflow is returned when a trigger names an unregistered type.
var ErrUnknownWorkflow = errors.New("unknown workflow type")

// ErrHalted is returned for instances stopped by a fatal decider error.
// Their streams stay readable; processing resumes only after a restart with
// a fixed workflow definition.
var ErrHalted = errors.New("instance halted by fatal decider error")

// Config holds consumer tuning.
type Config struct {
	// Parallelism is the number of trigger workers; instances are still
	// serialized individually by the per-instance lock.
	Parallelism int `mapstructure:"consumer_parallelism"`
}

// Consumer drives deciders over instance streams. For one instance all
// processing is serialized; different instances run concurrently on the
// worker pool.
type Consumer struct {
	store     stream.Store
	transport trigger.Transport
	logger    *zap.Logger
	cfg       Config

	locks *keyedMutex

	mu       sync.RWMutex
	deciders map[string]workflow.Decider
	halted   map[string]error

	wg sync.WaitGroup
}

// New creates a consumer. Deciders are registered before Start.
func New(store stream.Store, transport trigger.Transport, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Consumer{
		store:     store,
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		deciders:  make(map[string]workflow.Decider),
		halted:    make(map[string]error),
	}
}

// Register adds a decider under its name.
func (c *Consumer) Register(d workflow.Decider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deciders[d.Name()] = d
}

// Start launches the trigger workers. They exit when the transport closes
// its channel or the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Parallelism; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tr, ok := <-c.transport.Triggers():
					if !ok {
						return
					}
					if err := c.Process(ctx, tr.Workflow, tr.WorkflowID); err != nil {
						c.logger.Warn("Trigger processing failed",
							zap.String("workflow", tr.Workflow),
							zap.String("workflow_id", tr.WorkflowID),
							zap.Error(err))
					}
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (c *Consumer) Wait() { c.wg.Wait() }

// Halted returns the fatal error recorded for an instance, if any.
func (c *Consumer) Halted(workflowID string) (error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	err, ok := c.halted[workflowID]
	return err, ok
}

func (c *Consumer) halt(workflowID string, err error) {
	c.mu.Lock()
	if _, seen := c.halted[workflowID]; !seen {
		c.halted[workflowID] = err
		metrics.InstancesHalted.Inc()
	}
	c.mu.Unlock()
	c.logger.Error("Instance halted",
		zap.String("workflow_id", workflowID), zap.Error(err))
}

// Process runs one full processing cycle for an instance: under the
// per-instance lock it rebuilds the snapshot from the stream and drains
// every input that has no audit event yet, appending each cycle's outputs
// atomically. Transient persistence failures abort the cycle; the stream
// records progress so the next trigger resumes where this one stopped.
func (c *Consumer) Process(ctx context.Context, workflowName, workflowID string) error {
	c.mu.RLock()
	d, ok := c.deciders[workflowName]
	haltErr, halted := c.halted[workflowID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowName)
	}
	if halted {
		return fmt.Errorf("%w: %s: %v", ErrHalted, workflowID, haltErr)
	}

	ctx, span := tracing.StartSpan(ctx, "consumer.process")
	defer span.End()
	started := time.Now()

	c.locks.Lock(workflowID)
	defer c.locks.Unlock(workflowID)

	status := "ok"
	defer func() {
		metrics.ConsumeCycles.WithLabelValues(workflowName, status).Inc()
		metrics.ConsumeCycleDuration.WithLabelValues(workflowName).Observe(time.Since(started).Seconds())
	}()

	msgs, err := c.store.ReadStream(ctx, workflowID, 0)
	if err != nil {
		status = "read_error"
		return fmt.Errorf("read stream %s: %w", workflowID, err)
	}

	snap, inputs, audited, began, err := rebuild(d, msgs)
	if err != nil {
		status = "fatal"
		c.halt(workflowID, err)
		return err
	}

	for i := audited; i < len(inputs); i++ {
		input := inputs[i]

		// begins is determined from the stream, never from the trigger: a
		// prior partial delivery may already have recorded Began.
		begins := !began

		newSnap, commands, events, err := workflow.Cycle(ctx, d, snap, input.Payload, begins)
		if err != nil {
			var fatal *workflow.FatalError
			if errors.As(err, &fatal) {
				status = "fatal"
				c.halt(workflowID, err)
				return err
			}
			// Transient decide failure, typically a collaborator outage. The
			// input stays unaudited so the next trigger or sweep retries it.
			status = "decide_error"
			return fmt.Errorf("decide cycle for %s: %w", workflowID, err)
		}

		batch := make([]stream.Message, 0, len(events)+len(commands))
		for _, ev := range events {
			batch = append(batch, stream.NewAuditEvent(workflowID, ev))
		}
		for _, cmd := range commands {
			batch = append(batch, stream.NewOutputCommand(workflowID, cmd))
		}

		if _, err := c.store.Append(ctx, workflowID, batch); err != nil {
			// Transient: leave the remaining inputs for the next trigger.
			status = "append_error"
			return fmt.Errorf("append cycle outputs for %s: %w", workflowID, err)
		}

		snap = newSnap
		began = true
		metrics.InputsProcessed.WithLabelValues(workflowName).Inc()
	}
	return nil
}

// Snapshot rebuilds the current state of an instance without processing
// anything. Used by the HTTP API and by tests.
func (c *Consumer) Snapshot(ctx context.Context, workflowName, workflowID string) (workflow.Snapshot, error) {
	c.mu.RLock()
	d, ok := c.deciders[workflowName]
	c.mu.RUnlock()
	if !ok {
		return workflow.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowName)
	}
	msgs, err := c.store.ReadStream(ctx, workflowID, 0)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	snap, _, _, _, err := rebuild(d, msgs)
	return snap, err
}

// rebuild folds the stream's audit events into a snapshot and collects the
// inputs. audited is how many inputs already have a Received/InitiatedBy
// event; began reports whether the stream holds a Began event.
func rebuild(d workflow.Decider, msgs []stream.Message) (snap workflow.Snapshot, inputs []stream.Message, audited int, began bool, err error) {
	events := make([]workflow.Event, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.IsInput():
			inputs = append(inputs, m)
		case m.IsAuditEvent():
			ev, evErr := m.Event()
			if evErr != nil {
				return workflow.Snapshot{}, nil, 0, false, evErr
			}
			events = append(events, ev)
			switch ev.Kind {
			case workflow.EventBegan:
				began = true
			case workflow.EventInitiatedBy, workflow.EventReceived:
				audited++
			}
		}
	}

	state, err := workflow.Fold(d, events)
	if err != nil {
		return workflow.Snapshot{}, nil, 0, false, fmt.Errorf("rebuild %s: %w", d.Name(), err)
	}
	return workflow.Snapshot{State: state, Events: events}, inputs, audited, began, nil
}
