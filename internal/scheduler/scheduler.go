package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/metrics"
)

// Scheduler is the collaborator Schedule commands are handed to. It must
// re-deliver msg as a new external input after the delay, at least once;
// delivery accuracy is its own concern, the engine only guarantees that the
// Schedule command was dispatched once after being claimed.
type Scheduler interface {
	Schedule(ctx context.Context, after time.Duration, msg any) error
}

// DeliverFunc feeds a due message back into the system, normally the
// router's Submit.
type DeliverFunc func(ctx context.Context, msg any) error

// TimerScheduler is the in-process implementation: one timer goroutine per
// pending delivery. Deliveries are lost on process crash; deployments that
// need durable timers put a real scheduler behind the same interface.
type TimerScheduler struct {
	deliver DeliverFunc
	logger  *zap.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewTimerScheduler builds a scheduler delivering through deliver.
func NewTimerScheduler(deliver DeliverFunc, logger *zap.Logger) *TimerScheduler {
	return &TimerScheduler{deliver: deliver, logger: logger}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(ctx context.Context, after time.Duration, msg any) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return context.Canceled
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		time.Sleep(after)

		// The delivery context outlives the scheduling call: the command was
		// claimed already, so the message must still go out.
		if err := s.deliver(context.Background(), msg); err != nil {
			metrics.ScheduledDeliveries.WithLabelValues("error").Inc()
			s.logger.Error("Scheduled delivery failed", zap.Error(err))
			return
		}
		metrics.ScheduledDeliveries.WithLabelValues("ok").Inc()
	}()
	return nil
}

// Stop refuses new work and waits for pending deliveries to fire. Intended
// for tests; production shutdown simply abandons in-process timers.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}
