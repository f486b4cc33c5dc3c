package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"gorm.io/gorm"
)

// stringList stores []string as a JSON text column.
type stringList []string

func (s *stringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type for stringList: %T", value)
	}
	return json.Unmarshal(raw, s)
}

func (s stringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type auditRecordRow struct {
	ID                string     `gorm:"column:id;primaryKey"`
	RequestID         string     `gorm:"column:request_id"`
	PrincipalID       string     `gorm:"column:principal_id;index:idx_audit_principal_created,priority:1"`
	Role              string     `gorm:"column:role"`
	Operation         string     `gorm:"column:operation"`
	Classification    string     `gorm:"column:classification;index"`
	RequestedFields   stringList `gorm:"column:requested_fields;type:text"`
	DeniedFields      stringList `gorm:"column:denied_fields;type:text"`
	FieldCount        int        `gorm:"column:field_count"`
	RecordCount       int        `gorm:"column:record_count"`
	ArtifactBytes     int64      `gorm:"column:artifact_bytes"`
	FailureSummary    string     `gorm:"column:failure_summary"`
	JobID             string     `gorm:"column:job_id"`
	Flags             stringList `gorm:"column:flags;type:text"`
	DownloadTokenHash string     `gorm:"column:download_token_hash"`
	DownloadExpiresAt *time.Time `gorm:"column:download_expires_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;index:idx_audit_principal_created,priority:2"`
}

func (auditRecordRow) TableName() string { return "audit_records" }

// GormAuditRepo is append-only: it exposes no update path.
type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&auditRecordRow{})
}

func (r *GormAuditRepo) Insert(ctx context.Context, rec *model.AuditRecord) error {
	if rec == nil {
		return nil
	}
	row := toAuditRow(rec)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (r *GormAuditRepo) List(ctx context.Context, q model.AuditQuery) ([]*model.AuditRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if q.PrincipalID != "" {
		query = query.Where("principal_id = ?", q.PrincipalID)
	}
	if q.Operation != "" {
		query = query.Where("operation = ?", string(q.Operation))
	}
	if q.Classification != "" {
		query = query.Where("classification = ?", string(q.Classification))
	}
	if q.From != nil {
		query = query.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		query = query.Where("created_at <= ?", *q.To)
	}

	var rows []auditRecordRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	out := make([]*model.AuditRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// Cleanup removes records older than the retention window and reports how
// many were deleted.
func (r *GormAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&auditRecordRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toAuditRow(rec *model.AuditRecord) auditRecordRow {
	return auditRecordRow{
		ID:                rec.ID,
		RequestID:         rec.RequestID,
		PrincipalID:       rec.PrincipalID,
		Role:              rec.Role,
		Operation:         string(rec.Operation),
		Classification:    string(rec.Classification),
		RequestedFields:   stringList(rec.RequestedFields),
		DeniedFields:      stringList(rec.DeniedFields),
		FieldCount:        rec.FieldCount,
		RecordCount:       rec.RecordCount,
		ArtifactBytes:     rec.ArtifactBytes,
		FailureSummary:    rec.FailureSummary,
		JobID:             rec.JobID,
		Flags:             stringList(rec.Flags),
		DownloadTokenHash: rec.DownloadTokenHash,
		DownloadExpiresAt: rec.DownloadExpiresAt,
		CreatedAt:         rec.CreatedAt.UTC(),
	}
}

func (row auditRecordRow) toModel() *model.AuditRecord {
	return &model.AuditRecord{
		ID:                row.ID,
		RequestID:         row.RequestID,
		PrincipalID:       row.PrincipalID,
		Role:              row.Role,
		Operation:         model.OperationClass(row.Operation),
		Classification:    model.Classification(row.Classification),
		RequestedFields:   []string(row.RequestedFields),
		DeniedFields:      []string(row.DeniedFields),
		FieldCount:        row.FieldCount,
		RecordCount:       row.RecordCount,
		ArtifactBytes:     row.ArtifactBytes,
		FailureSummary:    row.FailureSummary,
		JobID:             row.JobID,
		Flags:             []string(row.Flags),
		DownloadTokenHash: row.DownloadTokenHash,
		DownloadExpiresAt: row.DownloadExpiresAt,
		CreatedAt:         row.CreatedAt,
	}
}
