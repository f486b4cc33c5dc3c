package model

import "time"

// Classification is the security label of an audit record. Rejections get
// their own labels so forbidden-access attempts can be searched for later.
type Classification string

const (
	ClassRoutine          Classification = "routine"
	ClassFlagged          Classification = "flagged"
	ClassPartial          Classification = "partial"
	ClassFailed           Classification = "failed"
	ClassDenied           Classification = "denied"
	ClassApprovalRequired Classification = "approval_required"
	ClassRateLimited      Classification = "rate_limited"
)

// SecurityRelevant reports whether the record is itself a security control
// and must not be dropped on write failure.
func (c Classification) SecurityRelevant() bool {
	switch c {
	case ClassDenied, ClassApprovalRequired, ClassRateLimited:
		return true
	}
	return false
}

// AuditRecord is written once per completed or rejected export/ingest attempt
// and never updated.
type AuditRecord struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id,omitempty"`
	PrincipalID       string         `json:"principal_id"`
	Role              string         `json:"role"`
	Operation         OperationClass `json:"operation"`
	Classification    Classification `json:"classification"`
	RequestedFields   []string       `json:"requested_fields,omitempty"`
	DeniedFields      []string       `json:"denied_fields,omitempty"`
	FieldCount        int            `json:"field_count"`
	RecordCount       int            `json:"record_count"`
	ArtifactBytes     int64          `json:"artifact_bytes,omitempty"`
	FailureSummary    string         `json:"failure_summary,omitempty"`
	JobID             string         `json:"job_id,omitempty"`
	Flags             []string       `json:"flags,omitempty"`
	DownloadTokenHash string         `json:"download_token_hash,omitempty"`
	DownloadExpiresAt *time.Time     `json:"download_expires_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// AuditQuery selects audit records for review. Zero values match everything;
// results are newest first.
type AuditQuery struct {
	PrincipalID    string
	Operation      OperationClass
	Classification Classification
	From           *time.Time
	To             *time.Time
	Limit          int
}

// Matches reports whether rec satisfies every set criterion of q.
func (q AuditQuery) Matches(rec *AuditRecord) bool {
	if rec == nil {
		return false
	}
	if q.PrincipalID != "" && rec.PrincipalID != q.PrincipalID {
		return false
	}
	if q.Operation != "" && rec.Operation != q.Operation {
		return false
	}
	if q.Classification != "" && rec.Classification != q.Classification {
		return false
	}
	if q.From != nil && rec.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && rec.CreatedAt.After(*q.To) {
		return false
	}
	return true
}
