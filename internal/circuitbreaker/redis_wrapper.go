package circuitbreaker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards the Redis operations the trigger transport and bus
// depend on. Subscriptions are long-lived and are not routed through the
// breaker; publishes and stream appends are.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	instrument(cb)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

// Ping wraps Redis Ping with the circuit breaker.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
	recordRequest("redis", rw.cb.State(), err == nil)
	return err
}

// Publish wraps pub/sub publishes with the circuit breaker.
func (rw *RedisWrapper) Publish(ctx context.Context, channel string, payload any) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Publish(ctx, channel, payload).Err()
	})
	recordRequest("redis", rw.cb.State(), err == nil)
	return err
}

// XAdd wraps stream appends with the circuit breaker.
func (rw *RedisWrapper) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	var id string
	err := rw.cb.Execute(ctx, func() error {
		var addErr error
		id, addErr = rw.client.XAdd(ctx, args).Result()
		return addErr
	})
	recordRequest("redis", rw.cb.State(), err == nil)
	return id, err
}

// Client returns the underlying client for operations not covered by the
// wrapper, such as Subscribe.
func (rw *RedisWrapper) Client() *redis.Client { return rw.client }

// IsOpen reports whether the breaker is currently open.
func (rw *RedisWrapper) IsOpen() bool { return rw.cb.State() == StateOpen }

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }
