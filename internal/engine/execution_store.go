package engine

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// ExecutionStore is the registry of live executions. An execution is
// inserted on submit and removed on its terminal transition; it is the only
// state shared between execution drivers.
type ExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*ExecutionContext
}

// NewExecutionStore creates an empty store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{execs: make(map[string]*ExecutionContext)}
}

// Insert registers ec. Ids are unique; inserting a live id is an error.
func (s *ExecutionStore) Insert(ec *ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[ec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeStore, "execution %s already registered", ec.ID)
	}
	s.execs[ec.ID] = ec
	return nil
}

// Get returns the live execution with id.
func (s *ExecutionStore) Get(id string) (*ExecutionContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ec, ok := s.execs[id]
	return ec, ok
}

// Remove drops id from the store.
func (s *ExecutionStore) Remove(id string) {
	s.mu.Lock()
	delete(s.execs, id)
	s.mu.Unlock()
}

// Len returns the number of live executions.
func (s *ExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.execs)
}

// List returns the live executions, oldest first.
func (s *ExecutionStore) List() []*ExecutionContext {
	s.mu.RLock()
	out := make([]*ExecutionContext, 0, len(s.execs))
	for _, ec := range s.execs {
		out = append(out, ec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}
