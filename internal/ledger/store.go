package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned for an unknown decision id.
	ErrNotFound = errors.New("decision not found")
	// ErrDuplicate is returned when a decision id is appended twice.
	ErrDuplicate = errors.New("decision already recorded")
)

// Store is append-only by construction: there is no update or delete.
type Store interface {
	Append(ctx context.Context, d *Decision) error
	Get(ctx context.Context, id string) (*Decision, error)
	// List returns matches newest first.
	List(ctx context.Context, f Filter) ([]*Decision, error)
	Ping(ctx context.Context) error
}

// MemoryStore keeps decisions in process. Records are copied on the way
// in and out so callers cannot alter stored history.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Decision
	index   map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

func (s *MemoryStore) Append(_ context.Context, d *Decision) error {
	if d == nil || d.ID == "" {
		return errors.New("decision id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}
	s.index[d.ID] = len(s.records)
	s.records = append(s.records, d.Clone())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.records[i].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Decision, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		d := s.records[i]
		if !f.Match(d) {
			continue
		}
		out = append(out, d.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored decisions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
