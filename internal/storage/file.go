package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/org/wirebot/internal/wgconf"
	"github.com/org/wirebot/pkg/models"
)

// FileBackend persists state as a single JSON document. Every mutation rewrites
// the document with an atomic rename, so a crash leaves either the old or the
// new state on disk.
type FileBackend struct {
	path string
	mem  *MemoryBackend
}

type fileState struct {
	Operators []*models.Operator        `json:"operators"`
	Records   []*models.OperationRecord `json:"records"`
}

// NewFileBackend loads the state file at path, creating an empty state if it
// does not exist yet.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	fb := &FileBackend{path: path, mem: NewMemoryBackend()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fb, nil
	case err != nil:
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state file %s: %w", path, err)
	}
	for _, op := range st.Operators {
		fb.mem.operators[op.ID] = op
	}
	for _, rec := range st.Records {
		fb.mem.records = append(fb.mem.records, rec)
		fb.mem.ids[rec.ID] = struct{}{}
	}
	return fb, nil
}

// flush writes the current state. Callers hold mem.mu.
func (f *FileBackend) flush() error {
	st := fileState{
		Operators: make([]*models.Operator, 0, len(f.mem.operators)),
		Records:   f.mem.records,
	}
	for _, op := range f.mem.operators {
		st.Operators = append(st.Operators, op)
	}
	sortOperators(st.Operators)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := wgconf.AtomicWriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (f *FileBackend) GetOperator(ctx context.Context, id int64) (*models.Operator, error) {
	return f.mem.GetOperator(ctx, id)
}

func (f *FileBackend) PutOperator(_ context.Context, op *models.Operator) error {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	prev, had := f.mem.operators[op.ID]
	cp := *op
	f.mem.operators[op.ID] = &cp
	if err := f.flush(); err != nil {
		if had {
			f.mem.operators[op.ID] = prev
		} else {
			delete(f.mem.operators, op.ID)
		}
		return err
	}
	return nil
}

func (f *FileBackend) ListOperators(ctx context.Context) ([]*models.Operator, error) {
	return f.mem.ListOperators(ctx)
}

func (f *FileBackend) AppendRecord(_ context.Context, rec *models.OperationRecord) error {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	if _, dup := f.mem.ids[rec.ID]; dup {
		return fmt.Errorf("record %s: %w", rec.ID, ErrAlreadyExists)
	}
	cp := *rec
	f.mem.records = append(f.mem.records, &cp)
	if err := f.flush(); err != nil {
		f.mem.records = f.mem.records[:len(f.mem.records)-1]
		return err
	}
	f.mem.ids[rec.ID] = struct{}{}
	return nil
}

func (f *FileBackend) QueryRecords(ctx context.Context, filter RecordFilter) ([]*models.OperationRecord, error) {
	return f.mem.QueryRecords(ctx, filter)
}

func (f *FileBackend) PruneRecords(_ context.Context, before time.Time) (int, error) {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	var kept []*models.OperationRecord
	for _, rec := range f.mem.records {
		if !rec.Timestamp.Before(before) {
			kept = append(kept, rec)
		}
	}
	n := len(f.mem.records) - len(kept)
	if n == 0 {
		return 0, nil
	}
	prev := f.mem.records
	f.mem.records = kept
	if err := f.flush(); err != nil {
		f.mem.records = prev
		return 0, err
	}
	f.mem.ids = make(map[string]struct{}, len(kept))
	for _, rec := range kept {
		f.mem.ids[rec.ID] = struct{}{}
	}
	return n, nil
}

func (f *FileBackend) Close() error { return nil }
