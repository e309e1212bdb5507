package stream

import (
	"context"
	"errors"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrEmptyBatch is returned by Append when called with no messages.
	ErrEmptyBatch = errors.New("append batch is empty")
	// ErrStreamNotFound is returned by Delete when the instance has no stream.
	ErrStreamNotFound = errors.New("stream not found")
)

// Store is the persistence contract of the engine. Implementations must
// provide per-instance linearizable appends, dense 1-based positions, an
// atomic conditional MarkProcessed, and read-your-writes within an instance.
// The store exclusively owns positions and the processed flag.
type Store interface {
	// Append atomically assigns the next dense positions to msgs, stamps
	// them, sets Processed=false on output commands, and commits them as one
	// unit. It returns the position of the last message written.
	Append(ctx context.Context, workflowID string, msgs []Message) (int64, error)

	// ReadStream returns all messages with Position >= from, in position
	// order. from=0 reads the whole stream. A missing stream reads empty.
	ReadStream(ctx context.Context, workflowID string, from int64) ([]Message, error)

	// PendingCommands returns output commands with Processed=false, in
	// position order per instance. An empty workflowID scans every stream.
	PendingCommands(ctx context.Context, workflowID string) ([]Message, error)

	// MarkProcessed flips the processed flag of one output command from
	// false to true. It returns false without modifying storage when the
	// target is missing, not an output command, or already processed. At
	// most one concurrent caller observes true for a given position.
	MarkProcessed(ctx context.Context, workflowID string, position int64) (bool, error)

	// Exists reports whether the instance has a stream.
	Exists(ctx context.Context, workflowID string) (bool, error)

	// Delete removes the instance's entire history atomically.
	Delete(ctx context.Context, workflowID string) error
}

// Lister is implemented by stores that can enumerate instances. The trigger
// sweeper uses it to re-trigger streams with unprocessed inputs.
type Lister interface {
	Instances(ctx context.Context) ([]string, error)
}
