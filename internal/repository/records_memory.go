package repository

import (
	"context"
	"sync"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/google/uuid"
)

// MemoryRecordRepo keeps records in insertion order for single-process runs.
type MemoryRecordRepo struct {
	mu      sync.RWMutex
	records []model.Record
	ids     map[string]struct{}
}

func NewMemoryRecordRepo(seed ...model.Record) *MemoryRecordRepo {
	r := &MemoryRecordRepo{ids: make(map[string]struct{})}
	_, _ = r.InsertMany(context.Background(), seed)
	return r
}

func (r *MemoryRecordRepo) Fetch(ctx context.Context, filter model.RecordFilter) ([]model.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Record
	for _, rec := range r.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !matchRecord(rec, filter) {
			continue
		}
		out = append(out, copyRecord(rec))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRecordRepo) InsertMany(_ context.Context, records []model.Record) ([]model.InsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]model.InsertResult, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		results[i].ID = rec.ID
		if _, dup := r.ids[rec.ID]; dup {
			results[i].Err = ErrDuplicateRecord
			continue
		}
		r.ids[rec.ID] = struct{}{}
		r.records = append(r.records, copyRecord(rec))
	}
	return results, nil
}

func (r *MemoryRecordRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func matchRecord(rec model.Record, filter model.RecordFilter) bool {
	if filter.Entity != "" && rec.Entity != filter.Entity {
		return false
	}
	for k, v := range filter.Equals {
		got, ok := rec.Fields[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

func copyRecord(rec model.Record) model.Record {
	fields := make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	return model.Record{ID: rec.ID, Entity: rec.Entity, Fields: fields}
}
