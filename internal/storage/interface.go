package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/pkg/models"
)

// ErrNotFound is returned when a requested operator does not exist.
var ErrNotFound = apperr.ErrNotFound

// ErrAlreadyExists is returned when appending a record whose ID is taken.
var ErrAlreadyExists = errors.New("already exists")

// Backend persists operators and the operation log. It is the sole source of
// authorization state; the WireGuard config file is never consulted for it.
type Backend interface {
	// Operators
	GetOperator(ctx context.Context, id int64) (*models.Operator, error)
	PutOperator(ctx context.Context, op *models.Operator) error
	ListOperators(ctx context.Context) ([]*models.Operator, error)

	// Operation log
	AppendRecord(ctx context.Context, rec *models.OperationRecord) error
	QueryRecords(ctx context.Context, filter RecordFilter) ([]*models.OperationRecord, error)
	PruneRecords(ctx context.Context, before time.Time) (int, error)

	// Lifecycle
	Close() error
}

// RecordFilter specifies query parameters for operation log retrieval.
// Results are ordered newest first.
type RecordFilter struct {
	OperatorID   int64 // 0 matches every operator
	Intent       models.Intent
	Target       string
	Since        time.Time
	MutatingOnly bool
	Limit        int
	Offset       int
}

// Match reports whether rec passes every set field of the filter except paging.
func (f RecordFilter) Match(rec *models.OperationRecord) bool {
	if f.OperatorID != 0 && rec.OperatorID != f.OperatorID {
		return false
	}
	if f.Intent != "" && rec.Intent != f.Intent {
		return false
	}
	if f.Target != "" && rec.Target != f.Target {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if f.MutatingOnly && !rec.Intent.Mutating() {
		return false
	}
	return true
}

// filterRecords applies f to records held in append order and returns copies
// newest first.
func filterRecords(records []*models.OperationRecord, f RecordFilter) []*models.OperationRecord {
	var out []*models.OperationRecord
	for i := len(records) - 1; i >= 0; i-- {
		if f.Match(records[i]) {
			rec := *records[i]
			out = append(out, &rec)
		}
	}
	slices.SortStableFunc(out, func(a, b *models.OperationRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return page(out, f.Limit, f.Offset)
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortOperators(ops []*models.Operator) {
	slices.SortFunc(ops, func(a, b *models.Operator) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
