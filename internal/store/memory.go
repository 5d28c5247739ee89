package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// MemoryArchive is an in-process Archive and SecretStore. It is the default
// when no database path is configured.
type MemoryArchive struct {
	mu         sync.RWMutex
	executions map[string]*schema.ExecutionReport
	events     map[string][]*Event
	secrets    map[string][]byte
	nextID     int64
}

// NewMemoryArchive creates an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		executions: make(map[string]*schema.ExecutionReport),
		events:     make(map[string][]*Event),
		secrets:    make(map[string][]byte),
	}
}

func (m *MemoryArchive) SaveExecution(_ context.Context, report *schema.ExecutionReport) error {
	cp, err := cloneReport(report)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode execution %s: %s", report.ID, err.Error()).WithCause(err)
	}
	m.mu.Lock()
	m.executions[report.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryArchive) GetExecution(_ context.Context, id string) (*schema.ExecutionReport, error) {
	m.mu.RLock()
	r, ok := m.executions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneReport(r)
}

func (m *MemoryArchive) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.ExecutionReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.ExecutionReport
	for _, r := range m.executions {
		if !filter.Match(r) {
			continue
		}
		cp, err := cloneReport(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return SortNewestFirst(out, filter.Limit), nil
}

// AppendEvent assigns the next per-execution sequence number and stores event.
func (m *MemoryArchive) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryArchive) Events(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryArchive) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.secrets[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryArchive) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryArchive) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryArchive) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryArchive) Close() error { return nil }
