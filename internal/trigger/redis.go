package trigger

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/circuitbreaker"
	"github.com/unistream/unistream/internal/metrics"
)

const triggerChannel = "unistream:triggers"

// RedisTransport delivers triggers over Redis pub/sub so routers and
// consumers can run in separate processes. Pub/sub is fire-and-forget:
// a consumer that is down misses signals, which the sweep compensates for.
type RedisTransport struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger

	ch        chan Trigger
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisTransport subscribes to the trigger channel and starts the
// receive pump.
func NewRedisTransport(rw *circuitbreaker.RedisWrapper, buffer int, logger *zap.Logger) *RedisTransport {
	if buffer <= 0 {
		buffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		redis:  rw,
		logger: logger,
		ch:     make(chan Trigger, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.pump(ctx)
	return t
}

func (t *RedisTransport) pump(ctx context.Context) {
	defer close(t.done)
	sub := t.redis.Client().Subscribe(ctx, triggerChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var tr Trigger
			if err := json.Unmarshal([]byte(msg.Payload), &tr); err != nil {
				t.logger.Warn("Dropping malformed trigger", zap.Error(err))
				continue
			}
			select {
			case t.ch <- tr:
			default:
				t.logger.Debug("Trigger buffer full, dropping",
					zap.String("workflow_id", tr.WorkflowID))
			}
		}
	}
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, tr Trigger) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	if err := t.redis.Publish(ctx, triggerChannel, payload); err != nil {
		return err
	}
	metrics.TriggersPublished.WithLabelValues("redis").Inc()
	return nil
}

// Triggers implements Transport.
func (t *RedisTransport) Triggers() <-chan Trigger { return t.ch }

// Close implements Transport.
func (t *RedisTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
		close(t.ch)
	})
	return nil
}
