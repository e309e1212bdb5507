package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unistream/unistream/internal/metrics"
	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/tracing"
)

// MarkPolicy decides when a pending command is flipped to processed.
type MarkPolicy string

const (
	// ClaimBeforeExecute marks first, then executes: at-most-once execution
	// under worker concurrency, at the cost of a lost invocation if the
	// process dies between mark and execute.
	ClaimBeforeExecute MarkPolicy = "claim-before-execute"
	// ExecuteBeforeClaim executes first: at-least-once execution, demands
	// strictly idempotent handlers.
	ExecuteBeforeClaim MarkPolicy = "execute-before-claim"
)

// ParseMarkPolicy validates a configured policy string.
func ParseMarkPolicy(s string) (MarkPolicy, error) {
	switch MarkPolicy(s) {
	case ClaimBeforeExecute, ExecuteBeforeClaim:
		return MarkPolicy(s), nil
	case "":
		return ClaimBeforeExecute, nil
	default:
		return "", fmt.Errorf("unknown mark policy %q", s)
	}
}

// Config holds output processor tuning.
type Config struct {
	PollInterval time.Duration `mapstructure:"output_poll_interval"`
	BatchSize    int           `mapstructure:"max_pending_commands_per_batch"`
	MarkPolicy   MarkPolicy    `mapstructure:"mark_policy"`
	// RateLimit caps handler dispatches per second; 0 means unlimited.
	RateLimit float64 `mapstructure:"dispatch_rate_limit"`
}

// Processor is the background worker that executes pending output commands.
// Any number of processors may run against the same store, in one process
// or many; MarkProcessed arbitrates so each command executes once per claim.
type Processor struct {
	store      stream.Store
	dispatcher Dispatcher
	logger     *zap.Logger
	limiter    *rate.Limiter

	mu  sync.Mutex
	cfg Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor builds an output processor.
func NewProcessor(store stream.Store, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MarkPolicy == "" {
		cfg.MarkPolicy = ClaimBeforeExecute
	}
	p := &Processor{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p
}

// Reconfigure applies hot-reloaded tunables; they take effect on the next
// poll iteration.
func (p *Processor) Reconfigure(pollInterval time.Duration, batchSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pollInterval > 0 {
		p.cfg.PollInterval = pollInterval
	}
	if batchSize > 0 {
		p.cfg.BatchSize = batchSize
	}
}

func (p *Processor) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Start launches the poll loop.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.Poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(p.config().PollInterval):
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight poll.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Poll runs one pass over the pending commands. Exported so tests and the
// HTTP API can drain synchronously.
func (p *Processor) Poll(ctx context.Context) {
	cfg := p.config()

	pending, err := p.store.PendingCommands(ctx, "")
	if err != nil {
		p.logger.Warn("Pending command poll failed", zap.Error(err))
		return
	}
	metrics.PendingCommandsSeen.Observe(float64(len(pending)))
	if len(pending) > cfg.BatchSize {
		pending = pending[:cfg.BatchSize]
	}

	for _, m := range pending {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		p.processOne(ctx, cfg, m)
	}
}

func (p *Processor) processOne(ctx context.Context, cfg Config, m stream.Message) {
	cmd, err := m.Command()
	if err != nil {
		p.logger.Error("Pending message is not a command",
			zap.String("workflow_id", m.WorkflowID),
			zap.Int64("position", m.Position), zap.Error(err))
		return
	}
	kind := cmd.Kind.String()

	if cfg.MarkPolicy == ClaimBeforeExecute {
		claimed, err := p.store.MarkProcessed(ctx, m.WorkflowID, m.Position)
		if err != nil {
			p.logger.Warn("Claim failed",
				zap.String("workflow_id", m.WorkflowID),
				zap.Int64("position", m.Position), zap.Error(err))
			return
		}
		if !claimed {
			metrics.ClaimConflicts.Inc()
			return
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}

	dispatchCtx, span := tracing.StartInstanceSpan(ctx, "outbox.dispatch", m.WorkflowID)
	started := time.Now()
	err = p.dispatcher.Dispatch(dispatchCtx, cmd)
	span.End()
	metrics.DispatchDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.CommandsDispatched.WithLabelValues(kind, "error").Inc()
		// Under claim-before-execute the command stays processed; an
		// operator resubmits through the domain if the effect mattered.
		// Under execute-before-claim it stays pending and retries next poll.
		p.logger.Error("Command dispatch failed",
			zap.String("workflow_id", m.WorkflowID),
			zap.Int64("position", m.Position),
			zap.String("command", kind),
			zap.Error(err))
		return
	}
	metrics.CommandsDispatched.WithLabelValues(kind, "ok").Inc()

	if cfg.MarkPolicy == ExecuteBeforeClaim {
		claimed, err := p.store.MarkProcessed(ctx, m.WorkflowID, m.Position)
		if err != nil {
			p.logger.Warn("Post-execute mark failed; command will re-run",
				zap.String("workflow_id", m.WorkflowID),
				zap.Int64("position", m.Position), zap.Error(err))
			return
		}
		if !claimed {
			metrics.ClaimConflicts.Inc()
		}
	}
}
