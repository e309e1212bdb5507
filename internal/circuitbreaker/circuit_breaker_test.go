package circuitbreaker

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	dw := NewDatabaseWrapper(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t))
	t.Cleanup(func() { dw.Close() })
	return dw, mock
}

func TestDatabaseWrapperOpensAfterRepeatedFailures(t *testing.T) {
	t.Setenv("CB_DB_FAILURE_THRESHOLD", "3")
	dw, mock := newMockWrapper(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		require.Error(t, dw.PingContext(ctx))
	}
	assert.Equal(t, StateOpen, dw.State())

	// Short-circuited: nothing reaches the pool while the breaker is open.
	err := dw.Execute(ctx, func() error {
		t.Fatal("call must be shed")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapperRecoversAfterTimeout(t *testing.T) {
	t.Setenv("CB_DB_FAILURE_THRESHOLD", "1")
	t.Setenv("CB_DB_SUCCESS_THRESHOLD", "1")
	t.Setenv("CB_DB_TIMEOUT", "30ms")
	dw, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.Error(t, dw.PingContext(ctx))
	require.Equal(t, StateOpen, dw.State())

	time.Sleep(60 * time.Millisecond)

	// The first probe after the timeout goes through and closes the breaker.
	mock.ExpectPing()
	require.NoError(t, dw.PingContext(ctx))
	assert.Equal(t, StateClosed, dw.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapperExecPassesThrough(t *testing.T) {
	dw, mock := newMockWrapper(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM workflow_messages WHERE workflow_id = $1")).
		WithArgs("wf-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	res, err := dw.ExecContext(context.Background(),
		"DELETE FROM workflow_messages WHERE workflow_id = $1", "wf-1")
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, StateClosed, dw.State())
}

func TestRedisWrapperShedsWhileOpen(t *testing.T) {
	t.Setenv("CB_REDIS_FAILURE_THRESHOLD", "2")
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	rw := NewRedisWrapper(client, zaptest.NewLogger(t))
	defer rw.Close()
	ctx := context.Background()

	require.NoError(t, rw.Ping(ctx))
	assert.False(t, rw.IsOpen())

	mr.Close()
	for i := 0; i < 2; i++ {
		require.Error(t, rw.Ping(ctx))
	}
	require.True(t, rw.IsOpen())
	assert.ErrorIs(t, rw.Publish(ctx, "unistream:triggers", "t"), ErrCircuitBreakerOpen)
}

func TestBreakerLifecycle(t *testing.T) {
	var transitions []string
	cfg := Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          25 * time.Millisecond,
		FailureThreshold: 2,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}
	cb := NewCircuitBreaker("lifecycle", cfg, zaptest.NewLogger(t))
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	require.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	require.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	require.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitBreakerOpen)

	time.Sleep(50 * time.Millisecond)

	// Two probe successes close it again.
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	require.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	require.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestHalfOpenProbeCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRequests = 1
	cfg.SuccessThreshold = 2
	cb := NewCircuitBreaker("probe-cap", cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, func() error { return errors.New("down") }))
	require.Equal(t, StateOpen, cb.State())
	time.Sleep(40 * time.Millisecond)

	// One in-flight probe is admitted while half-open, the next is shed.
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(ctx, func() error { <-release; return nil })
	}()
	require.Eventually(t, func() bool { return cb.Counts().Requests == 1 },
		time.Second, time.Millisecond)

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCountsTrackOutcomes(t *testing.T) {
	cb := NewCircuitBreaker("counts", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	require.Error(t, cb.Execute(ctx, func() error { return errors.New("x") }))
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))

	c := cb.Counts()
	assert.Equal(t, uint32(3), c.Requests)
	assert.Equal(t, uint32(2), c.TotalSuccesses)
	assert.Equal(t, uint32(1), c.TotalFailures)
	assert.Zero(t, c.ConsecutiveFailures)
}
