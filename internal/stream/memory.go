package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unistream/unistream/internal/metrics"
)

// MemoryStore is the reference Store implementation: one lock per instance,
// everything in process memory, defensive copies on every read. It defines
// the semantics any durable backend must reproduce and backs the engine's
// property tests.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]*memoryStream)}
}

func (s *MemoryStore) stream(workflowID string, create bool) *memoryStream {
	s.mu.RLock()
	st := s.streams[workflowID]
	s.mu.RUnlock()
	if st != nil || !create {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st = s.streams[workflowID]; st == nil {
		st = &memoryStream{}
		s.streams[workflowID] = st
	}
	return st
}

// claim returns the live stream entry with its lock held, creating the entry
// if needed. The map is rechecked under the stream lock: a concurrent Delete
// may remove the entry between lookup and lock, and writes must never land on
// an orphaned stream invisible to readers.
func (s *MemoryStore) claim(workflowID string) *memoryStream {
	for {
		st := s.stream(workflowID, true)
		st.mu.Lock()
		s.mu.RLock()
		live := s.streams[workflowID] == st
		s.mu.RUnlock()
		if live {
			return st
		}
		st.mu.Unlock()
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, workflowID string, msgs []Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, ErrEmptyBatch
	}
	for _, m := range msgs {
		if err := validate(workflowID, m); err != nil {
			return 0, err
		}
	}

	st := s.claim(workflowID)
	defer st.mu.Unlock()

	now := time.Now()
	next := int64(len(st.messages)) + 1
	for _, m := range msgs {
		m.Position = next
		m.Timestamp = now
		if m.IsOutputCommand() {
			pending := false
			m.Processed = &pending
		}
		st.messages = append(st.messages, m)
		next++
	}
	metrics.MessagesAppended.WithLabelValues("memory").Add(float64(len(msgs)))
	return next - 1, nil
}

// ReadStream implements Store.
func (s *MemoryStore) ReadStream(ctx context.Context, workflowID string, from int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.stream(workflowID, false)
	if st == nil {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Message, 0, len(st.messages))
	for _, m := range st.messages {
		if m.Position >= from {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

// PendingCommands implements Store.
func (s *MemoryStore) PendingCommands(ctx context.Context, workflowID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	if workflowID != "" {
		ids = []string{workflowID}
	} else {
		s.mu.RLock()
		for id := range s.streams {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		sort.Strings(ids)
	}

	var out []Message
	for _, id := range ids {
		st := s.stream(id, false)
		if st == nil {
			continue
		}
		st.mu.Lock()
		for _, m := range st.messages {
			if m.IsOutputCommand() && m.Processed != nil && !*m.Processed {
				out = append(out, copyMessage(m))
			}
		}
		st.mu.Unlock()
	}
	return out, nil
}

// MarkProcessed implements Store.
func (s *MemoryStore) MarkProcessed(ctx context.Context, workflowID string, position int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	st := s.stream(workflowID, false)
	if st == nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	idx := position - 1
	if idx < 0 || idx >= int64(len(st.messages)) {
		return false, nil
	}
	m := &st.messages[idx]
	if !m.IsOutputCommand() || m.Processed == nil || *m.Processed {
		return false, nil
	}
	processed := true
	m.Processed = &processed
	metrics.CommandsMarkedProcessed.WithLabelValues("memory").Inc()
	return true, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, workflowID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.stream(workflowID, false) != nil, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[workflowID]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, workflowID)
	return nil
}

// Instances implements Lister.
func (s *MemoryStore) Instances(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// copyMessage returns a message whose processed flag cannot alias store
// memory. Payloads are treated as immutable by contract and shared.
func copyMessage(m Message) Message {
	if m.Processed != nil {
		p := *m.Processed
		m.Processed = &p
	}
	return m
}
