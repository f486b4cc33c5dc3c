package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestAuditRepo(t *testing.T) *GormAuditRepo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := NewGormAuditRepo(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func TestGormAuditRepo_InsertAndList(t *testing.T) {
	repo := newTestAuditRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(24 * time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Insert(ctx, &model.AuditRecord{
			ID:              fmt.Sprintf("a%d", i),
			PrincipalID:     "alice",
			Role:            "viewer",
			Operation:       model.OperationExport,
			Classification:  model.ClassRoutine,
			RequestedFields: []string{"name", "email"},
			RecordCount:     10 * i,
			CreatedAt:       now.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Insert(ctx, &model.AuditRecord{
		ID:                "b0",
		PrincipalID:       "bob",
		Operation:         model.OperationExport,
		Classification:    model.ClassDenied,
		DeniedFields:      []string{"ssn"},
		DownloadExpiresAt: &expires,
		CreatedAt:         now,
	}))

	alice, err := repo.List(ctx, model.AuditQuery{PrincipalID: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 3)
	assert.Equal(t, "a2", alice[0].ID, "newest first")
	assert.Equal(t, []string{"name", "email"}, alice[0].RequestedFields)

	denied, err := repo.List(ctx, model.AuditQuery{Classification: model.ClassDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, []string{"ssn"}, denied[0].DeniedFields)
	require.NotNil(t, denied[0].DownloadExpiresAt)

	from := now.Add(90 * time.Second)
	recent, err := repo.List(ctx, model.AuditQuery{PrincipalID: "alice", From: &from, Limit: 5})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "a2", recent[0].ID)
}

func TestGormAuditRepo_DuplicateIDRejected(t *testing.T) {
	repo := newTestAuditRepo(t)
	ctx := context.Background()
	rec := &model.AuditRecord{ID: "dup", PrincipalID: "p", Classification: model.ClassRoutine, CreatedAt: time.Now()}
	require.NoError(t, repo.Insert(ctx, rec))
	assert.Error(t, repo.Insert(ctx, rec), "records are never overwritten")
}

func TestGormAuditRepo_Cleanup(t *testing.T) {
	repo := newTestAuditRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, &model.AuditRecord{ID: "old", CreatedAt: time.Now().Add(-400 * 24 * time.Hour)}))
	require.NoError(t, repo.Insert(ctx, &model.AuditRecord{ID: "new", CreatedAt: time.Now()}))

	n, err := repo.Cleanup(ctx, 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := repo.List(ctx, model.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)
}
