package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config tunes one breaker.
type Config struct {
	// MaxRequests caps concurrent probes while half-open.
	MaxRequests uint32
	// Interval rotates the closed-state counters; zero keeps them forever.
	Interval time.Duration
	// Timeout is how long an open breaker sheds load before probing again.
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold uint32
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns the baseline thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts are the statistics of the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker sheds load from a failing dependency: consecutive failures
// open it, an open breaker rejects calls until Timeout passes, then a limited
// number of probes decides whether it closes again.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	gen      uint64
	counts   Counts
	deadline time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, config: config, logger: logger}
	cb.restart(time.Now())
	return cb
}

// Execute runs fn unless the breaker rejects it. A panic in fn counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(gen, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(gen, err == nil)
	return err
}

// State returns the current position after applying any due transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())
	return cb.state
}

// Counts returns the current generation's statistics.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// admit decides whether a request may proceed and tags it with the current
// generation so a late outcome cannot move a newer generation's state.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(time.Now())
	switch cb.state {
	case StateOpen:
		return cb.gen, ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.config.MaxRequests {
			return cb.gen, ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return cb.gen, nil
}

func (cb *CircuitBreaker) settle(gen uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advance(now)
	if gen != cb.gen {
		// Outcome of a request admitted before the last transition.
		return
	}
	if ok {
		cb.recordSuccess(now)
	} else {
		cb.recordFailure(now)
	}
}

// advance applies any transition the clock alone causes: an expired closed
// generation rotates, an expired open breaker starts probing.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.deadline.IsZero() && now.After(cb.deadline) {
			cb.restart(now)
		}
	case StateOpen:
		if now.After(cb.deadline) {
			cb.transition(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) recordSuccess(now time.Time) {
	cb.counts.TotalSuccesses++
	switch cb.state {
	case StateClosed:
		cb.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(now time.Time) {
	cb.counts.TotalFailures++
	switch cb.state {
	case StateClosed:
		cb.counts.ConsecutiveFailures++
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.transition(StateOpen, now)
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.restart(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// restart opens a new generation: counters reset and outcomes from the
// previous generation no longer count.
func (cb *CircuitBreaker) restart(now time.Time) {
	cb.gen++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		cb.deadline = time.Time{}
		if cb.config.Interval > 0 {
			cb.deadline = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.deadline = now.Add(cb.config.Timeout)
	default:
		cb.deadline = time.Time{}
	}
}
