package model

import "time"

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// ItemError is the failure reason for the item at Index (0-based position in
// the submitted record set).
type ItemError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchJob is a snapshot of an ingest batch. Snapshots are values; the
// tracker owns the live state.
type BatchJob struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Source          string      `json:"source,omitempty"`
	Status          BatchStatus `json:"status"`
	Total           int         `json:"total"`
	Successful      int         `json:"successful"`
	Failed          int         `json:"failed"`
	Errors          []ItemError `json:"errors,omitempty"`
	ErrorsTruncated bool        `json:"errors_truncated,omitempty"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	Flags           []string    `json:"flags,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Sealed reports whether the job has been finalized and can no longer change.
func (j BatchJob) Sealed() bool {
	return j.CompletedAt != nil
}
