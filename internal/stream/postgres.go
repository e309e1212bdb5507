package stream

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/circuitbreaker"
	"github.com/unistream/unistream/internal/metrics"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// PostgresStore persists streams in the workflow_messages table. Appends are
// serialized per instance with a transaction-scoped advisory lock, which
// keeps positions dense under concurrent writers across processes.
type PostgresStore struct {
	db     *circuitbreaker.DatabaseWrapper
	codec  *Codec
	logger *zap.Logger
}

// NewPostgresStore opens the connection pool and verifies connectivity.
func NewPostgresStore(cfg PostgresConfig, codec *Codec, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	raw, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxConnections)
	raw.SetMaxIdleConns(cfg.IdleConnections)
	raw.SetConnMaxLifetime(cfg.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(raw, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db, codec: codec, logger: logger}, nil
}

// NewPostgresStoreFromDB wraps an existing pool; used by tests.
func NewPostgresStoreFromDB(db *sqlx.DB, codec *Codec, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: circuitbreaker.NewDatabaseWrapper(db, logger), codec: codec, logger: logger}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS workflow_messages (
    workflow_id  text        NOT NULL,
    position     bigint      NOT NULL,
    kind         text        NOT NULL,
    direction    text        NOT NULL,
    message_type text        NOT NULL,
    message_data jsonb       NOT NULL,
    processed    boolean     NULL,
    created_at   timestamptz NOT NULL DEFAULT now(),
    processed_at timestamptz NULL,
    PRIMARY KEY (workflow_id, position)
);
CREATE INDEX IF NOT EXISTS workflow_messages_pending_idx
    ON workflow_messages (workflow_id, position)
    WHERE kind = 'command' AND direction = 'output' AND processed = false;
`

// EnsureSchema creates the table and the partial pending index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type messageRow struct {
	WorkflowID  string       `db:"workflow_id"`
	Position    int64        `db:"position"`
	Kind        string       `db:"kind"`
	Direction   string       `db:"direction"`
	MessageType string       `db:"message_type"`
	MessageData []byte       `db:"message_data"`
	Processed   sql.NullBool `db:"processed"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (s *PostgresStore) toMessage(r messageRow) (Message, error) {
	payload, err := s.codec.Decode(r.MessageType, r.MessageData)
	if err != nil {
		return Message{}, fmt.Errorf("decode %s/%d: %w", r.WorkflowID, r.Position, err)
	}
	m := Message{
		WorkflowID: r.WorkflowID,
		Position:   r.Position,
		Kind:       Kind(r.Kind),
		Direction:  Direction(r.Direction),
		Payload:    payload,
		Timestamp:  r.CreatedAt,
	}
	if r.Processed.Valid {
		p := r.Processed.Bool
		m.Processed = &p
	}
	return m, nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, workflowID string, msgs []Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, ErrEmptyBatch
	}
	for _, m := range msgs {
		if err := validate(workflowID, m); err != nil {
			return 0, err
		}
	}

	var last int64
	err := s.db.Execute(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer tx.Rollback()

		// Transaction-scoped advisory lock serializes appends per instance.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, workflowID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var next int64
		if err := tx.GetContext(ctx, &next,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM workflow_messages WHERE workflow_id = $1`,
			workflowID); err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		for _, m := range msgs {
			msgType, data, err := s.codec.Encode(m)
			if err != nil {
				return err
			}
			var processed any
			if m.IsOutputCommand() {
				processed = false
			}
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO workflow_messages
                    (workflow_id, position, kind, direction, message_type, message_data, processed)
                VALUES ($1, $2, $3, $4, $5, $6, $7)
            `, workflowID, next, string(m.Kind), string(m.Direction), msgType, data, processed); err != nil {
				return fmt.Errorf("insert position %d: %w", next, err)
			}
			next++
		}
		last = next - 1
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	metrics.MessagesAppended.WithLabelValues("postgres").Add(float64(len(msgs)))
	metrics.AppendBatchSize.Observe(float64(len(msgs)))
	return last, nil
}

// ReadStream implements Store.
func (s *PostgresStore) ReadStream(ctx context.Context, workflowID string, from int64) ([]Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT workflow_id, position, kind, direction, message_type, message_data, processed, created_at
        FROM workflow_messages
        WHERE workflow_id = $1 AND position >= $2
        ORDER BY position
    `, workflowID, from)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", workflowID, err)
	}
	return s.toMessages(rows)
}

// PendingCommands implements Store.
func (s *PostgresStore) PendingCommands(ctx context.Context, workflowID string) ([]Message, error) {
	query := `
        SELECT workflow_id, position, kind, direction, message_type, message_data, processed, created_at
        FROM workflow_messages
        WHERE kind = 'command' AND direction = 'output' AND processed = false`
	args := []any{}
	if workflowID != "" {
		query += ` AND workflow_id = $1`
		args = append(args, workflowID)
	}
	query += ` ORDER BY workflow_id, position`

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("pending commands: %w", err)
	}
	return s.toMessages(rows)
}

// MarkProcessed implements Store.
func (s *PostgresStore) MarkProcessed(ctx context.Context, workflowID string, position int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE workflow_messages
        SET processed = true, processed_at = now()
        WHERE workflow_id = $1 AND position = $2
          AND kind = 'command' AND direction = 'output' AND processed = false
    `, workflowID, position)
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%d: %w", workflowID, position, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%d: %w", workflowID, position, err)
	}
	if n == 1 {
		metrics.CommandsMarkedProcessed.WithLabelValues("postgres").Inc()
		return true, nil
	}
	return false, nil
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, workflowID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM workflow_messages WHERE workflow_id = $1)`, workflowID)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", workflowID, err)
	}
	return exists, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_messages WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", workflowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", workflowID, err)
	}
	if n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// Instances implements Lister.
func (s *PostgresStore) Instances(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT workflow_id FROM workflow_messages ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return ids, nil
}

// Ping reports backend reachability; used by the health checker.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) toMessages(rows []messageRow) ([]Message, error) {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		m, err := s.toMessage(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
