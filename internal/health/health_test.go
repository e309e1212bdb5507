package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReadinessFollowsCriticalChecks(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	var storeUp = true
	m.Register(CheckFunc{CheckName: "store", IsCritical: true, Fn: func(context.Context) error {
		if !storeUp {
			return errors.New("connection refused")
		}
		return nil
	}})
	m.Register(CheckFunc{CheckName: "redis", IsCritical: false, Fn: func(context.Context) error {
		return errors.New("always down")
	}})

	m.runAll(context.Background())
	assert.True(t, m.Ready(), "non-critical failures do not gate readiness")

	storeUp = false
	m.runAll(context.Background())
	assert.False(t, m.Ready())

	results := m.Results()
	require.Contains(t, results, "store")
	assert.Equal(t, StatusUnhealthy, results["store"].Status)
	assert.Equal(t, StatusUnhealthy, results["redis"].Status)
}

func TestProbeHandlers(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(CheckFunc{CheckName: "store", IsCritical: true, Fn: func(context.Context) error {
		return errors.New("down")
	}})
	m.runAll(context.Background())

	rec := httptest.NewRecorder()
	m.LivenessHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	m.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "store")
}

func TestStoreCheckerWithoutPinger(t *testing.T) {
	c := StoreChecker(nil)
	assert.NoError(t, c.Check(context.Background()))
	assert.True(t, c.Critical())
}
