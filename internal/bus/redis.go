package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/circuitbreaker"
	"github.com/unistream/unistream/internal/stream"
)

const (
	sendStream    = "unistream:bus:send"
	publishStream = "unistream:bus:publish"
)

// RedisBus appends outgoing messages to Redis Streams. Send traffic lands
// on one stream, Publish traffic on another; downstream consumers read with
// consumer groups for at-least-once delivery.
type RedisBus struct {
	redis  *circuitbreaker.RedisWrapper
	codec  *stream.Codec
	logger *zap.Logger
}

// NewRedisBus builds a bus over a breaker-wrapped Redis client. The codec
// provides the stable wire names for the payload types.
func NewRedisBus(rw *circuitbreaker.RedisWrapper, codec *stream.Codec, logger *zap.Logger) *RedisBus {
	return &RedisBus{redis: rw, codec: codec, logger: logger}
}

func (b *RedisBus) append(ctx context.Context, streamKey string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	wireType, err := b.codec.WireName(msg)
	if err != nil {
		wireType = fmt.Sprintf("%T", msg)
	}
	id, err := b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"message_id": uuid.NewString(),
			"type":       wireType,
			"payload":    payload,
		},
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", streamKey, err)
	}
	b.logger.Debug("Bus message appended",
		zap.String("stream", streamKey), zap.String("id", id))
	return nil
}

// Send implements Bus.
func (b *RedisBus) Send(ctx context.Context, msg any) error {
	return b.append(ctx, sendStream, msg)
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, msg any) error {
	return b.append(ctx, publishStream, msg)
}
