package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unistream/unistream/internal/workflow"
)

type testInput struct{ V string }
type testOutput struct{ V string }

func TestMemoryStoreAppendAssignsDensePositions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	last, err := s.Append(ctx, "wf-1", []Message{
		NewInputCommand("wf-1", testInput{V: "a"}),
		NewAuditEvent("wf-1", workflow.Began()),
		NewOutputCommand("wf-1", workflow.Send(testOutput{V: "b"})),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	last, err = s.Append(ctx, "wf-1", []Message{
		NewInputCommand("wf-1", testInput{V: "c"}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)

	msgs, err := s.ReadStream(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Position)
		assert.False(t, m.Timestamp.IsZero())
	}
}

func TestMemoryStoreProcessedFlagAssignment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "wf-1", []Message{
		NewInputCommand("wf-1", testInput{V: "in"}),
		NewAuditEvent("wf-1", workflow.Sent(testOutput{V: "out"})),
		NewOutputCommand("wf-1", workflow.Send(testOutput{V: "out"})),
	})
	require.NoError(t, err)

	msgs, err := s.ReadStream(ctx, "wf-1", 0)
	require.NoError(t, err)

	assert.Nil(t, msgs[0].Processed, "input carries no flag")
	assert.Nil(t, msgs[1].Processed, "audit event carries no flag")
	require.NotNil(t, msgs[2].Processed, "output command starts pending")
	assert.False(t, *msgs[2].Processed)
}

func TestMemoryStoreRejectsInvalidMessages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "wf-1", nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	withPos := NewInputCommand("wf-1", testInput{})
	withPos.Position = 7
	_, err = s.Append(ctx, "wf-1", []Message{withPos})
	assert.Error(t, err)

	flagged := NewInputCommand("wf-1", testInput{})
	processed := false
	flagged.Processed = &processed
	_, err = s.Append(ctx, "wf-1", []Message{flagged})
	assert.Error(t, err)

	_, err = s.Append(ctx, "wf-1", []Message{NewInputCommand("wf-2", testInput{})})
	assert.Error(t, err, "message stream id must match")

	badPayload := Message{WorkflowID: "wf-1", Kind: KindCommand, Direction: DirectionOutput, Payload: testOutput{}}
	_, err = s.Append(ctx, "wf-1", []Message{badPayload})
	assert.Error(t, err, "output command payload must be a workflow.Command")

	// A failed batch must not occupy positions.
	_, err = s.Append(ctx, "wf-1", []Message{NewInputCommand("wf-1", testInput{})})
	require.NoError(t, err)
	msgs, err := s.ReadStream(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Position)
}

func TestMemoryStoreReadFrom(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "wf-1", []Message{NewInputCommand("wf-1", testInput{V: "x"})})
		require.NoError(t, err)
	}

	msgs, err := s.ReadStream(ctx, "wf-1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(3), msgs[0].Position)

	msgs, err = s.ReadStream(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryStorePendingCommands(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "wf-a", []Message{
		NewOutputCommand("wf-a", workflow.Send(testOutput{V: "1"})),
		NewOutputCommand("wf-a", workflow.Publish(testOutput{V: "2"})),
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, "wf-b", []Message{
		NewOutputCommand("wf-b", workflow.Complete()),
	})
	require.NoError(t, err)

	all, err := s.PendingCommands(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := s.PendingCommands(ctx, "wf-a")
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	ok, err := s.MarkProcessed(ctx, "wf-a", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	scoped, err = s.PendingCommands(ctx, "wf-a")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, int64(2), scoped[0].Position)
}

func TestMarkProcessedSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "wf-1", []Message{
		NewInputCommand("wf-1", testInput{}),
		NewOutputCommand("wf-1", workflow.Send(testOutput{})),
	})
	require.NoError(t, err)

	// Not an output command.
	ok, err := s.MarkProcessed(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Out of range and unknown stream.
	ok, err = s.MarkProcessed(ctx, "wf-1", 99)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.MarkProcessed(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// First mark wins, the second is a no-op.
	ok, err = s.MarkProcessed(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkProcessed(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkProcessedExclusivity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "wf-1", []Message{
		NewOutputCommand("wf-1", workflow.Send(testOutput{})),
	})
	require.NoError(t, err)

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkProcessed(ctx, "wf-1", 1)
			assert.NoError(t, err)
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one caller may claim a command")
}

func TestMemoryStoreReadIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "wf-1", []Message{
		NewOutputCommand("wf-1", workflow.Send(testOutput{})),
	})
	require.NoError(t, err)

	msgs, err := s.ReadStream(ctx, "wf-1", 0)
	require.NoError(t, err)
	*msgs[0].Processed = true // mutating the copy must not leak into the store

	pending, err := s.PendingCommands(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMemoryStoreExistsDeleteInstances(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.Exists(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Append(ctx, "wf-1", []Message{NewInputCommand("wf-1", testInput{})})
	require.NoError(t, err)
	_, err = s.Append(ctx, "wf-2", []Message{NewInputCommand("wf-2", testInput{})})
	require.NoError(t, err)

	ok, err = s.Exists(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := s.Instances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1", "wf-2"}, ids)

	require.NoError(t, s.Delete(ctx, "wf-1"))
	assert.ErrorIs(t, s.Delete(ctx, "wf-1"), ErrStreamNotFound)
}

func TestMemoryStoreAppendRacingDeleteStaysVisible(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "wf-1", []Message{NewInputCommand("wf-1", testInput{V: "a"})})
	require.NoError(t, err)

	// Hold the stream lock so a concurrent append blocks after it has
	// looked the entry up, then delete the entry out from under it.
	st := s.stream("wf-1", false)
	require.NotNil(t, st)
	st.mu.Lock()

	done := make(chan error, 1)
	go func() {
		_, err := s.Append(ctx, "wf-1", []Message{NewInputCommand("wf-1", testInput{V: "b"})})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the append reach the stream lock
	require.NoError(t, s.Delete(ctx, "wf-1"))
	st.mu.Unlock()

	require.NoError(t, <-done)

	// The append must have landed on a live entry, not the deleted one.
	msgs, err := s.ReadStream(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, testInput{V: "b"}, msgs[0].Payload)
	assert.Equal(t, int64(1), msgs[0].Position)
}
