package service

import (
	"testing"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestAnomalyDetector(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	d := NewAnomalyDetector(AnomalyThresholds{BulkRecordCutoff: 1000, BulkThreshold: 3, BurstThreshold: 10})

	ops := func(n, records int, age time.Duration) []model.OperationSummary {
		out := make([]model.OperationSummary, n)
		for i := range out {
			out[i] = model.OperationSummary{Class: model.OperationExport, RecordCount: records, At: now.Add(-age)}
		}
		return out
	}

	t.Run("QuietHistory", func(t *testing.T) {
		assert.Empty(t, d.Evaluate("p", ops(3, 5000, time.Hour), now))
	})

	t.Run("BulkPattern", func(t *testing.T) {
		assert.Equal(t, []string{FlagBulkPattern}, d.Evaluate("p", ops(4, 5000, time.Hour), now))
	})

	t.Run("BulkIgnoresSmallAndOldOperations", func(t *testing.T) {
		history := append(ops(3, 5000, time.Hour), ops(5, 1000, time.Hour)...)
		history = append(history, ops(5, 5000, 25*time.Hour)...)
		assert.Empty(t, d.Evaluate("p", history, now))
	})

	t.Run("BurstPattern", func(t *testing.T) {
		assert.Equal(t, []string{FlagBurstPattern}, d.Evaluate("p", ops(11, 1, time.Minute), now))
		assert.Empty(t, d.Evaluate("p", ops(11, 1, 6*time.Minute), now))
	})

	t.Run("BothPatterns", func(t *testing.T) {
		assert.Equal(t, []string{FlagBulkPattern, FlagBurstPattern}, d.Evaluate("p", ops(11, 2000, time.Minute), now))
	})
}
