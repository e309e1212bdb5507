// Package health runs periodic dependency checks and serves liveness and
// readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one check run.
type Result struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	// Critical checks gate readiness; non-critical ones only report.
	Critical() bool
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	CheckName  string
	IsCritical bool
	Fn         func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
func (c CheckFunc) Critical() bool                  { return c.IsCritical }

// Manager runs registered checkers on an interval and caches results.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	checkers []Checker
	results  map[string]Result

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a manager with a 15s check interval and 5s per-check
// timeout.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		interval: 15 * time.Second,
		timeout:  5 * time.Second,
		results:  make(map[string]Result),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a checker. Register before Start.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Start runs an immediate pass then checks on the interval.
func (m *Manager) Start(ctx context.Context) {
	m.runAll(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runAll(ctx)
			}
		}
	}()
}

// Stop halts the background loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) runAll(ctx context.Context) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		started := time.Now()
		err := c.Check(checkCtx)
		cancel()

		res := Result{
			Component: c.Name(),
			Status:    StatusHealthy,
			Duration:  time.Since(started),
			Timestamp: started,
			Critical:  c.Critical(),
		}
		if err != nil {
			res.Status = StatusUnhealthy
			res.Error = err.Error()
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.Error(err))
		}
		m.mu.Lock()
		m.results[c.Name()] = res
		m.mu.Unlock()
	}
}

// Results returns the latest cached check results.
func (m *Manager) Results() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Result, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// Ready reports whether every critical check passed on its last run.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if r.Critical && r.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// LivenessHandler always returns 200 while the process serves requests.
func (m *Manager) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
}

// ReadinessHandler returns 200 when all critical checks pass, 503 otherwise,
// with the per-component results in the body.
func (m *Manager) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ready := m.Ready()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ready":      ready,
			"components": m.Results(),
		})
	})
}
