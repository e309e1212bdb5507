package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTimerSchedulerDelivers(t *testing.T) {
	var mu sync.Mutex
	var delivered []any
	s := NewTimerScheduler(func(_ context.Context, msg any) error {
		mu.Lock()
		delivered = append(delivered, msg)
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))

	require.NoError(t, s.Schedule(context.Background(), 10*time.Millisecond, "timeout"))
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"timeout"}, delivered)
}

func TestTimerSchedulerRefusesAfterStop(t *testing.T) {
	s := NewTimerScheduler(func(context.Context, any) error { return nil }, zaptest.NewLogger(t))
	s.Stop()
	assert.Error(t, s.Schedule(context.Background(), time.Millisecond, "late"))
}

func TestTimerSchedulerLogsDeliveryFailure(t *testing.T) {
	// A failed delivery is terminal for that message; Schedule itself
	// already succeeded when the command was claimed.
	s := NewTimerScheduler(func(context.Context, any) error {
		return errors.New("router down")
	}, zaptest.NewLogger(t))
	require.NoError(t, s.Schedule(context.Background(), time.Millisecond, "x"))
	s.Stop()
}
