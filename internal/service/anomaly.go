package service

import (
	"context"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/GoPolymarket/batchgate/internal/pkg/metrics"
)

const (
	FlagBulkPattern  = "bulk-pattern"
	FlagBurstPattern = "burst-pattern"

	bulkWindow  = 24 * time.Hour
	burstWindow = 5 * time.Minute
)

// HistoryProvider supplies a principal's recent operations. The audit
// service implements it from the records it already keeps.
type HistoryProvider interface {
	RecentOperations(ctx context.Context, principalID string, since time.Time) ([]model.OperationSummary, error)
}

type AnomalyThresholds struct {
	BulkRecordCutoff int // operations touching more records than this count as large
	BulkThreshold    int // more large operations than this within 24h raise bulk-pattern
	BurstThreshold   int // more operations than this within 5m raise burst-pattern
}

// AnomalyDetector scans history for suspicious bulk access. Flags are
// advisory: they annotate audit records but never block an operation.
type AnomalyDetector struct {
	thresholds AnomalyThresholds
}

func NewAnomalyDetector(t AnomalyThresholds) *AnomalyDetector {
	return &AnomalyDetector{thresholds: t}
}

// Evaluate is a pure function of its inputs. ops may contain entries of any
// age and in any order; only those inside the trailing windows count.
func (d *AnomalyDetector) Evaluate(principalID string, ops []model.OperationSummary, now time.Time) []string {
	var large, recent int
	for _, op := range ops {
		age := now.Sub(op.At)
		if age < 0 {
			age = 0
		}
		if age <= bulkWindow && op.RecordCount > d.thresholds.BulkRecordCutoff {
			large++
		}
		if age <= burstWindow {
			recent++
		}
	}

	var flags []string
	if d.thresholds.BulkThreshold > 0 && large > d.thresholds.BulkThreshold {
		flags = append(flags, FlagBulkPattern)
	}
	if d.thresholds.BurstThreshold > 0 && recent > d.thresholds.BurstThreshold {
		flags = append(flags, FlagBurstPattern)
	}
	for _, f := range flags {
		metrics.AnomalyFlags.WithLabelValues(f).Inc()
	}
	if len(flags) > 0 {
		logger.Warn("anomalous access pattern", "principal_id", principalID, "flags", flags,
			"large_ops_24h", large, "ops_5m", recent)
	}
	return flags
}
