package model

import "time"

// Record is one business row (contact, organization, opportunity) as the
// engine sees it: a flat set of named string values.
type Record struct {
	ID     string            `json:"id,omitempty"`
	Entity string            `json:"entity,omitempty"`
	Fields map[string]string `json:"fields"`
}

// RecordFilter narrows a repository fetch. Equals is matched field by field.
type RecordFilter struct {
	Entity string
	Equals map[string]string
	Limit  int
}

// InsertResult reports the outcome of one record passed to InsertMany.
type InsertResult struct {
	ID  string
	Err error
}

type OperationClass string

const (
	OperationExport OperationClass = "export"
	OperationIngest OperationClass = "ingest"
)

type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// ExportRequest is immutable once built by the caller.
type ExportRequest struct {
	Entity     string            `json:"entity"`
	Fields     []string          `json:"fields"`
	Filters    map[string]string `json:"filters,omitempty"`
	Format     ExportFormat      `json:"format"`
	MaxRecords int               `json:"max_records"`
}

// IngestRequest carries records in submission order; indexes reported back
// in BatchJob errors are positions in Records.
type IngestRequest struct {
	Records []Record `json:"records"`
	Source  string   `json:"source,omitempty"`
}

// OperationSummary is one entry of a principal's recent history as used by
// the anomaly detector.
type OperationSummary struct {
	Class       OperationClass `json:"class"`
	RecordCount int            `json:"record_count"`
	At          time.Time      `json:"at"`
}

// ArtifactEntry is what the token index keeps for one issued download token.
// The token itself is never stored; entries are keyed by its fingerprint.
type ArtifactEntry struct {
	Handle    string    `json:"handle"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}
