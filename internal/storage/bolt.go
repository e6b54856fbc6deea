package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/org/wirebot/pkg/models"
)

var (
	bucketOperators = []byte("operators")
	bucketRecords   = []byte("records")
	bucketRecordIDs = []byte("record_ids")
)

// Timestamps keep nanosecond precision; the default CBOR time encoding is whole seconds.
var cborEnc = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

type boltOperator struct {
	ID          int64                `cbor:"1,keyasint"`
	Handle      string               `cbor:"2,keyasint"`
	Role        models.Role          `cbor:"3,keyasint"`
	State       models.OperatorState `cbor:"4,keyasint"`
	MaxClients  int                  `cbor:"5,keyasint"`
	RateLimit   int                  `cbor:"6,keyasint"`
	RateWindow  time.Duration        `cbor:"7,keyasint"`
	Permissions models.Permissions   `cbor:"8,keyasint"`
	CreatedAt   time.Time            `cbor:"9,keyasint"`
	UpdatedAt   time.Time            `cbor:"10,keyasint"`
}

type boltRecord struct {
	ID         string         `cbor:"1,keyasint"`
	OperatorID int64          `cbor:"2,keyasint"`
	Intent     models.Intent  `cbor:"3,keyasint"`
	Target     string         `cbor:"4,keyasint"`
	Timestamp  time.Time      `cbor:"5,keyasint"`
	Outcome    models.Outcome `cbor:"6,keyasint"`
	Detail     string         `cbor:"7,keyasint"`
}

// BoltBackend stores state in a bbolt database with CBOR encoded values.
// Records are keyed by timestamp so pruning and newest-first scans walk the
// bucket in key order.
type BoltBackend struct {
	db *bbolt.DB
}

// NewBoltBackend opens (or creates) the database at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketOperators, bucketRecords, bucketRecordIDs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func operatorKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// recordKey orders records by time, then by ID for records sharing a timestamp.
func recordKey(rec *models.OperationRecord) []byte {
	k := make([]byte, 8, 8+len(rec.ID))
	binary.BigEndian.PutUint64(k, uint64(rec.Timestamp.UnixNano()))
	return append(k, rec.ID...)
}

func (b *BoltBackend) GetOperator(_ context.Context, id int64) (*models.Operator, error) {
	var op *models.Operator
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketOperators).Get(operatorKey(id))
		if data == nil {
			return fmt.Errorf("operator %d: %w", id, ErrNotFound)
		}
		var rec boltOperator
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal operator: %w", err)
		}
		op = rec.model()
		return nil
	})
	return op, err
}

func (b *BoltBackend) PutOperator(_ context.Context, op *models.Operator) error {
	data, err := cborEnc.Marshal(boltOperatorFrom(op))
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOperators).Put(operatorKey(op.ID), data)
	})
}

func (b *BoltBackend) ListOperators(_ context.Context) ([]*models.Operator, error) {
	var out []*models.Operator
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOperators).ForEach(func(_, v []byte) error {
			var rec boltOperator
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal operator: %w", err)
			}
			out = append(out, rec.model())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOperators(out)
	return out, nil
}

func (b *BoltBackend) AppendRecord(_ context.Context, rec *models.OperationRecord) error {
	data, err := cborEnc.Marshal(boltRecord(*rec))
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketRecordIDs)
		if ids.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("record %s: %w", rec.ID, ErrAlreadyExists)
		}
		key := recordKey(rec)
		if err := tx.Bucket(bucketRecords).Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(rec.ID), key)
	})
}

func (b *BoltBackend) QueryRecords(_ context.Context, filter RecordFilter) ([]*models.OperationRecord, error) {
	var out []*models.OperationRecord
	skip := filter.Offset
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var br boltRecord
			if err := cbor.Unmarshal(v, &br); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			rec := models.OperationRecord(br)
			if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
				break
			}
			if !filter.Match(&rec) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, &rec)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltBackend) PruneRecords(_ context.Context, before time.Time) (int, error) {
	n := 0
	limit := uint64(before.UnixNano())
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		ids := tx.Bucket(bucketRecordIDs)
		c := records.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k[:8]) < limit; k, _ = c.First() {
			if err := ids.Delete(k[8:]); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func boltOperatorFrom(op *models.Operator) boltOperator {
	return boltOperator{
		ID:          op.ID,
		Handle:      op.Handle,
		Role:        op.Role,
		State:       op.State,
		MaxClients:  op.Limits.MaxClients,
		RateLimit:   op.Limits.RateLimit,
		RateWindow:  op.Limits.RateWindow,
		Permissions: op.Permissions,
		CreatedAt:   op.CreatedAt,
		UpdatedAt:   op.UpdatedAt,
	}
}

func (r boltOperator) model() *models.Operator {
	return &models.Operator{
		ID:     r.ID,
		Handle: r.Handle,
		Role:   r.Role,
		State:  r.State,
		Limits: models.Limits{
			MaxClients: r.MaxClients,
			RateLimit:  r.RateLimit,
			RateWindow: r.RateWindow,
		},
		Permissions: r.Permissions,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
