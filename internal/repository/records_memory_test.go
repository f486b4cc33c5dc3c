package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordRepo_FetchFiltersAndLimits(t *testing.T) {
	repo := NewMemoryRecordRepo(
		model.Record{ID: "1", Entity: "contact", Fields: map[string]string{"region": "eu", "name": "Ada"}},
		model.Record{ID: "2", Entity: "contact", Fields: map[string]string{"region": "us", "name": "Bob"}},
		model.Record{ID: "3", Entity: "contact", Fields: map[string]string{"region": "eu", "name": "Cy"}},
		model.Record{ID: "4", Entity: "organization", Fields: map[string]string{"region": "eu"}},
	)
	ctx := context.Background()

	got, err := repo.Fetch(ctx, model.RecordFilter{Entity: "contact", Equals: map[string]string{"region": "eu"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)

	got, err = repo.Fetch(ctx, model.RecordFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got[0].Fields["name"] = "mutated"
	again, _ := repo.Fetch(ctx, model.RecordFilter{Limit: 1})
	assert.Equal(t, "Ada", again[0].Fields["name"])
}

func TestMemoryRecordRepo_InsertManyDuplicates(t *testing.T) {
	repo := NewMemoryRecordRepo()
	results, err := repo.InsertMany(context.Background(), []model.Record{
		{ID: "x", Fields: map[string]string{"a": "1"}},
		{ID: "x", Fields: map[string]string{"a": "2"}},
		{Fields: map[string]string{"a": "3"}},
	})
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrDuplicateRecord)
	assert.NotEmpty(t, results[2].ID)
	assert.Equal(t, 2, repo.Len())
}

func TestFileObjectStore_RoundTripAndSweep(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	store, err := NewFileObjectStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	handle, err := store.Store(ctx, []byte(`[{"name":"Ada"}]`))
	require.NoError(t, err)

	data, err := store.Load(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"Ada"}]`, string(data))

	_, err = store.Load(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, service.ErrArtifactNotFound)

	n, err := store.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.Sweep(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Load(ctx, handle)
	assert.ErrorIs(t, err, service.ErrArtifactNotFound)
}
