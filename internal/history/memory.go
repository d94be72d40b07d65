package history

import (
	"context"
	"sync"
)

// MemoryStore is the default in-process archive. Records are lost on
// restart, which matches the core's no-required-persistence contract.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // insertion order, oldest first
	closed  bool
}

// NewMemoryStore creates an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Archive saves a terminal task record.
func (s *MemoryStore) Archive(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.records[rec.TaskID]; !exists {
		s.order = append(s.order, rec.TaskID)
	}
	s.records[rec.TaskID] = rec
	return nil
}

// Get retrieves a record by task id.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[taskID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// List returns records matching the options, most recent first.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
