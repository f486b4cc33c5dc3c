package service

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/clock"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/GoPolymarket/batchgate/internal/pkg/metrics"
)

type RateLimitDecision struct {
	Allowed   bool                 `json:"allowed"`
	Class     model.OperationClass `json:"class"`
	Limit     int                  `json:"limit"`
	Used      int                  `json:"used"`
	Remaining int                  `json:"remaining"`
	ResetAt   time.Time            `json:"reset_at"`
}

// RateLimiter enforces per-principal daily quotas. Export and ingest have
// independent limits; a limit <= 0 disables the class.
type RateLimiter struct {
	store  CounterStore
	limits map[model.OperationClass]int
	clock  clock.Clock
}

func NewRateLimiter(store CounterStore, limits map[model.OperationClass]int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	copied := make(map[model.OperationClass]int, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &RateLimiter{store: store, limits: copied, clock: clk}
}

// CheckAndConsume allows the operation and counts it in one step, or rejects
// it when the principal already used the whole daily limit.
func (l *RateLimiter) CheckAndConsume(ctx context.Context, principalID string, class model.OperationClass) (RateLimitDecision, error) {
	limit := l.limits[class]
	now := l.clock.Now().UTC()
	day := windowDay(now)
	resetAt := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

	if limit <= 0 {
		return RateLimitDecision{Allowed: true, Class: class, ResetAt: resetAt}, nil
	}

	used, allowed, err := l.store.Consume(ctx, counterKey(principalID, class), day, limit, resetAt)
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit store: %w", err)
	}

	decision := RateLimitDecision{
		Allowed:   allowed,
		Class:     class,
		Limit:     limit,
		Used:      used,
		Remaining: max(limit-used, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		metrics.RateLimitRejects.WithLabelValues(string(class)).Inc()
		logger.FromContext(ctx).Warn("daily quota exhausted",
			"principal_id", principalID, "class", class, "limit", limit, "used", used)
	}
	return decision, nil
}

func counterKey(principalID string, class model.OperationClass) string {
	return string(class) + ":" + principalID
}

// windowDay names the UTC day a counter belongs to.
func windowDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
