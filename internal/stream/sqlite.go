package stream

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/unistream/unistream/internal/metrics"
)

// SQLiteStore is the embedded durable backend for single-process
// deployments and local development. SQLite serializes writers at the file
// level already; the store adds an in-process mutex so concurrent appends
// never contend on SQLITE_BUSY.
type SQLiteStore struct {
	db     *sql.DB
	codec  *Codec
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSQLiteStore opens (or creates) the database file and ensures schema.
// path may be ":memory:" in tests.
func NewSQLiteStore(path string, codec *Codec, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the in-process mutex authoritative.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, codec: codec, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS workflow_messages (
            workflow_id  TEXT    NOT NULL,
            position     INTEGER NOT NULL,
            kind         TEXT    NOT NULL,
            direction    TEXT    NOT NULL,
            message_type TEXT    NOT NULL,
            message_data TEXT    NOT NULL,
            processed    INTEGER NULL,
            created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            processed_at TIMESTAMP NULL,
            PRIMARY KEY (workflow_id, position)
        );
        CREATE INDEX IF NOT EXISTS workflow_messages_pending_idx
            ON workflow_messages (workflow_id, position)
            WHERE kind = 'command' AND direction = 'output' AND processed = 0;
    `)
	if err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, workflowID string, msgs []Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, ErrEmptyBatch
	}
	for _, m := range msgs {
		if err := validate(workflowID, m); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM workflow_messages WHERE workflow_id = ?`,
		workflowID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next position: %w", err)
	}

	for _, m := range msgs {
		msgType, data, err := s.codec.Encode(m)
		if err != nil {
			return 0, err
		}
		var processed any
		if m.IsOutputCommand() {
			processed = 0
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO workflow_messages
                (workflow_id, position, kind, direction, message_type, message_data, processed)
            VALUES (?, ?, ?, ?, ?, ?, ?)
        `, workflowID, next, string(m.Kind), string(m.Direction), msgType, string(data), processed); err != nil {
			return 0, fmt.Errorf("insert position %d: %w", next, err)
		}
		next++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}

	metrics.MessagesAppended.WithLabelValues("sqlite").Add(float64(len(msgs)))
	metrics.AppendBatchSize.Observe(float64(len(msgs)))
	return next - 1, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			r    messageRow
			data string
		)
		if err := rows.Scan(&r.WorkflowID, &r.Position, &r.Kind, &r.Direction,
			&r.MessageType, &data, &r.Processed, &r.CreatedAt); err != nil {
			return nil, err
		}
		payload, err := s.codec.Decode(r.MessageType, []byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s/%d: %w", r.WorkflowID, r.Position, err)
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
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReadStream implements Store.
func (s *SQLiteStore) ReadStream(ctx context.Context, workflowID string, from int64) ([]Message, error) {
	msgs, err := s.queryMessages(ctx, `
        SELECT workflow_id, position, kind, direction, message_type, message_data, processed, created_at
        FROM workflow_messages
        WHERE workflow_id = ? AND position >= ?
        ORDER BY position
    `, workflowID, from)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", workflowID, err)
	}
	return msgs, nil
}

// PendingCommands implements Store.
func (s *SQLiteStore) PendingCommands(ctx context.Context, workflowID string) ([]Message, error) {
	query := `
        SELECT workflow_id, position, kind, direction, message_type, message_data, processed, created_at
        FROM workflow_messages
        WHERE kind = 'command' AND direction = 'output' AND processed = 0`
	args := []any{}
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY workflow_id, position`

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending commands: %w", err)
	}
	return msgs, nil
}

// MarkProcessed implements Store.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, workflowID string, position int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
        UPDATE workflow_messages
        SET processed = 1, processed_at = CURRENT_TIMESTAMP
        WHERE workflow_id = ? AND position = ?
          AND kind = 'command' AND direction = 'output' AND processed = 0
    `, workflowID, position)
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%d: %w", workflowID, position, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%d: %w", workflowID, position, err)
	}
	if n == 1 {
		metrics.CommandsMarkedProcessed.WithLabelValues("sqlite").Inc()
		return true, nil
	}
	return false, nil
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, workflowID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_messages WHERE workflow_id = ? LIMIT 1`, workflowID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", workflowID, err)
	}
	return true, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_messages WHERE workflow_id = ?`, workflowID)
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
func (s *SQLiteStore) Instances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT workflow_id FROM workflow_messages ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping reports backend reachability; used by the health checker.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database file.
func (s *SQLiteStore) Close() error { return s.db.Close() }
