package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards store-backend operations with a circuit breaker so
// a failing database sheds load instead of piling up blocked appends.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker("database", GetDatabaseConfig().ToConfig(), logger)
	instrument(cb)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// Execute runs fn under the breaker; fn may span a whole transaction.
func (dw *DatabaseWrapper) Execute(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	recordRequest("database", dw.cb.State(), err == nil)
	return err
}

// BeginTxx starts a transaction. Intended for use inside Execute so the
// breaker sees the whole unit of work as one request.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return dw.db.BeginTxx(ctx, opts)
}

// PingContext wraps connectivity checks with the circuit breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// GetContext wraps single-row scans with the circuit breaker.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return dw.Execute(ctx, func() error {
		return dw.db.GetContext(ctx, dest, query, args...)
	})
}

// SelectContext wraps multi-row scans with the circuit breaker.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return dw.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}

// ExecContext wraps statements with the circuit breaker.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := dw.Execute(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// State exposes the breaker state for health checks.
func (dw *DatabaseWrapper) State() State { return dw.cb.State() }

// Close releases the underlying pool.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
