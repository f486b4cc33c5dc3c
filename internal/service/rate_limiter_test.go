package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 4, 23, 50, 0, 0, time.UTC)

	t.Run("RejectsAfterLimitAndResetsNextDay", func(t *testing.T) {
		clk := clock.NewFake(start)
		l := NewRateLimiter(NewMemoryCounterStore(), map[model.OperationClass]int{model.OperationExport: 10}, clk)
		for i := 1; i <= 10; i++ {
			d, err := l.CheckAndConsume(ctx, "alice", model.OperationExport)
			require.NoError(t, err)
			require.True(t, d.Allowed, "op %d", i)
			assert.Equal(t, i, d.Used)
			assert.Equal(t, 10-i, d.Remaining)
		}
		d, err := l.CheckAndConsume(ctx, "alice", model.OperationExport)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 10, d.Used)
		assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), d.ResetAt)

		clk.Advance(15 * time.Minute)
		d, err = l.CheckAndConsume(ctx, "alice", model.OperationExport)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Used)
	})

	t.Run("ClassesAndPrincipalsAreIndependent", func(t *testing.T) {
		l := NewRateLimiter(NewMemoryCounterStore(), map[model.OperationClass]int{
			model.OperationExport: 1,
			model.OperationIngest: 1,
		}, clock.NewFake(start))

		d, _ := l.CheckAndConsume(ctx, "alice", model.OperationExport)
		assert.True(t, d.Allowed)
		d, _ = l.CheckAndConsume(ctx, "alice", model.OperationIngest)
		assert.True(t, d.Allowed)
		d, _ = l.CheckAndConsume(ctx, "bob", model.OperationExport)
		assert.True(t, d.Allowed)
		d, _ = l.CheckAndConsume(ctx, "alice", model.OperationExport)
		assert.False(t, d.Allowed)
	})

	t.Run("ZeroLimitDisablesClass", func(t *testing.T) {
		l := NewRateLimiter(NewMemoryCounterStore(), nil, clock.NewFake(start))
		for i := 0; i < 50; i++ {
			d, err := l.CheckAndConsume(ctx, "alice", model.OperationIngest)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
	})

	t.Run("ConcurrentCallersNeverOvershoot", func(t *testing.T) {
		store := NewMemoryCounterStore()
		l := NewRateLimiter(store, map[model.OperationClass]int{model.OperationExport: 25}, clock.NewFake(start))
		var allowed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.CheckAndConsume(ctx, "alice", model.OperationExport)
				if err == nil && d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(25), allowed.Load())
		assert.Equal(t, 25, store.Used("export:alice", "2026-05-04"))
	})
	t.Run("SweepDropsPastDays", func(t *testing.T) {
		store := NewMemoryCounterStore()
		clk := clock.NewFake(start)
		l := NewRateLimiter(store, map[model.OperationClass]int{model.OperationExport: 10}, clk)
		for _, id := range []string{"alice", "bob", "carol"} {
			_, err := l.CheckAndConsume(ctx, id, model.OperationExport)
			require.NoError(t, err)
		}
		assert.Equal(t, 0, store.Sweep(clk.Now()))

		clk.Advance(20 * time.Minute)
		_, err := l.CheckAndConsume(ctx, "alice", model.OperationExport)
		require.NoError(t, err)

		assert.Equal(t, 2, store.Sweep(clk.Now()))
		assert.Equal(t, 1, store.Used("export:alice", "2026-05-05"))
		assert.Equal(t, 0, store.Used("export:bob", "2026-05-04"))

		d, err := l.CheckAndConsume(ctx, "bob", model.OperationExport)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, store.Used("export:bob", "2026-05-05"))
	})

	t.Run("SweepRacingConsumeKeepsCounts", func(t *testing.T) {
		store := NewMemoryCounterStore()
		clk := clock.NewFake(start)
		l := NewRateLimiter(store, map[model.OperationClass]int{model.OperationExport: 1000}, clk)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = l.CheckAndConsume(ctx, "alice", model.OperationExport)
			}()
			go func() {
				defer wg.Done()
				store.Sweep(clk.Now())
			}()
		}
		wg.Wait()
		assert.Equal(t, 100, store.Used("export:alice", "2026-05-04"))
	})
}
