package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/org/wirebot/pkg/models"
)

// MemoryBackend keeps all state in process memory. Used for tests and for
// throwaway deployments where losing operator state on restart is acceptable.
type MemoryBackend struct {
	mu        sync.RWMutex
	operators map[int64]*models.Operator
	records   []*models.OperationRecord
	ids       map[string]struct{}
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		operators: map[int64]*models.Operator{},
		ids:       map[string]struct{}{},
	}
}

func (m *MemoryBackend) GetOperator(_ context.Context, id int64) (*models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operators[id]
	if !ok {
		return nil, fmt.Errorf("operator %d: %w", id, ErrNotFound)
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryBackend) PutOperator(_ context.Context, op *models.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.operators[op.ID] = &cp
	return nil
}

func (m *MemoryBackend) ListOperators(_ context.Context) ([]*models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Operator, 0, len(m.operators))
	for _, op := range m.operators {
		cp := *op
		out = append(out, &cp)
	}
	sortOperators(out)
	return out, nil
}

func (m *MemoryBackend) AppendRecord(_ context.Context, rec *models.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ids[rec.ID]; dup {
		return fmt.Errorf("record %s: %w", rec.ID, ErrAlreadyExists)
	}
	cp := *rec
	m.records = append(m.records, &cp)
	m.ids[rec.ID] = struct{}{}
	return nil
}

func (m *MemoryBackend) QueryRecords(_ context.Context, filter RecordFilter) ([]*models.OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRecords(m.records, filter), nil
}

func (m *MemoryBackend) PruneRecords(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	n := 0
	for _, rec := range m.records {
		if rec.Timestamp.Before(before) {
			delete(m.ids, rec.ID)
			n++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return n, nil
}

func (m *MemoryBackend) Close() error { return nil }
