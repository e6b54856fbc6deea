// Package audit keeps the append-only operation log: one record per intent,
// with the outcome the operator was told.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/storage"
	"github.com/org/wirebot/pkg/models"
)

var operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "wirebot_operations_total",
	Help: "Operations by intent and outcome.",
}, []string{"intent", "outcome"})

func init() {
	prometheus.MustRegister(operationsTotal)
}

// Logger writes operation records.
type Logger struct {
	store storage.Backend
	log   zerolog.Logger
	now   func() time.Time
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.Backend, logger zerolog.Logger) *Logger {
	return &Logger{
		store: store,
		log:   logger.With().Str("component", "audit").Logger(),
		now:   time.Now,
	}
}

// WithClock returns a copy of the Logger that stamps records with now.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	cp := *l
	cp.now = now
	return &cp
}

// Now returns the logger's current time.
func (l *Logger) Now() time.Time { return l.now().UTC() }

// Record appends one operation record. The record is returned even when the
// append fails so the caller can still report it.
func (l *Logger) Record(ctx context.Context, operatorID int64, intent models.Intent, target string, outcome models.Outcome, detail string) (*models.OperationRecord, error) {
	rec := &models.OperationRecord{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		Intent:     intent,
		Target:     target,
		Timestamp:  l.Now(),
		Outcome:    outcome,
		Detail:     detail,
	}
	operationsTotal.WithLabelValues(string(intent), string(outcome)).Inc()
	if err := l.store.AppendRecord(ctx, rec); err != nil {
		l.log.Error().Err(err).
			Int64("operator", operatorID).
			Str("intent", string(intent)).
			Str("outcome", string(outcome)).
			Msg("failed to append operation record")
		return rec, err
	}
	l.log.Info().
		Int64("operator", operatorID).
		Str("intent", string(intent)).
		Str("target", target).
		Str("outcome", string(outcome)).
		Msg("operation")
	return rec, nil
}

// Query retrieves paginated operation records, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.RecordFilter) ([]*models.OperationRecord, error) {
	return l.store.QueryRecords(ctx, filter)
}

// Mutations returns the operator's state-changing records since the given time.
func (l *Logger) Mutations(ctx context.Context, operatorID int64, since time.Time) ([]*models.OperationRecord, error) {
	return l.store.QueryRecords(ctx, storage.RecordFilter{
		OperatorID:   operatorID,
		Since:        since,
		MutatingOnly: true,
	})
}

// Prune deletes records older than before.
func (l *Logger) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := l.store.PruneRecords(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info().Int("pruned", n).Time("before", before).Msg("operation log pruned")
	}
	return n, nil
}
