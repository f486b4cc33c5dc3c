package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func TestBounds(t *testing.T) {
	b := Bounds(120, 50)
	require.Len(t, b, 3)
	assert.Equal(t, [2]int{0, 50}, b[0])
	assert.Equal(t, [2]int{50, 100}, b[1])
	assert.Equal(t, [2]int{100, 120}, b[2])

	assert.Nil(t, Bounds(0, 50))
	assert.Len(t, Bounds(50, 50), 1)
}

func TestProcess(t *testing.T) {
	t.Run("AllSucceed", func(t *testing.T) {
		var calls atomic.Int32
		results, err := Process(context.Background(), seq(120), Options{ChunkSize: 50, MaxConcurrency: 2},
			func(ctx context.Context, index int, item int) error {
				calls.Add(1)
				return nil
			})
		require.NoError(t, err)
		require.Len(t, results, 3)
		ok, failed, errs := Summarize(results)
		assert.Equal(t, 120, ok)
		assert.Equal(t, 0, failed)
		assert.Empty(t, errs)
		assert.Equal(t, int32(120), calls.Load())
		for i, r := range results {
			assert.Equal(t, i, r.Chunk)
		}
	})

	t.Run("FailureIsIsolated", func(t *testing.T) {
		results, err := Process(context.Background(), seq(120), Options{ChunkSize: 50, MaxConcurrency: 2},
			func(ctx context.Context, index int, item int) error {
				if index == 75 {
					return errors.New("invalid email")
				}
				return nil
			})
		require.NoError(t, err)
		ok, failed, errs := Summarize(results)
		assert.Equal(t, 119, ok)
		assert.Equal(t, 1, failed)
		require.Len(t, errs, 1)
		assert.Equal(t, 75, errs[0].Index)
		assert.Equal(t, "invalid email", errs[0].Reason)
	})

	t.Run("PanicBecomesItemFailure", func(t *testing.T) {
		results, err := Process(context.Background(), seq(10), Options{ChunkSize: 3, MaxConcurrency: 4},
			func(ctx context.Context, index int, item int) error {
				if index == 4 {
					panic("boom")
				}
				return nil
			})
		require.NoError(t, err)
		ok, failed, errs := Summarize(results)
		assert.Equal(t, 9, ok)
		assert.Equal(t, 1, failed)
		assert.Equal(t, 4, errs[0].Index)
		assert.Contains(t, errs[0].Reason, "panic: boom")
	})

	t.Run("EveryItemFails", func(t *testing.T) {
		results, err := Process(context.Background(), seq(7), Options{ChunkSize: 2, MaxConcurrency: 3},
			func(ctx context.Context, index int, item int) error {
				return errors.New("nope")
			})
		require.NoError(t, err)
		ok, failed, errs := Summarize(results)
		assert.Equal(t, 0, ok)
		assert.Equal(t, 7, failed)
		assert.Len(t, errs, 7)
	})

	t.Run("ConcurrencyIsBounded", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		_, err := Process(context.Background(), seq(40), Options{ChunkSize: 5, MaxConcurrency: 3},
			func(ctx context.Context, index int, item int) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int32(3))
	})

	t.Run("SequentialWithinChunk", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[int][]int{}
		_, err := Process(context.Background(), seq(20), Options{ChunkSize: 5, MaxConcurrency: 4},
			func(ctx context.Context, index int, item int) error {
				mu.Lock()
				seen[index/5] = append(seen[index/5], index)
				mu.Unlock()
				return nil
			})
		require.NoError(t, err)
		for chunk, indexes := range seen {
			for i := 1; i < len(indexes); i++ {
				assert.Less(t, indexes[i-1], indexes[i], "chunk %d out of order", chunk)
			}
		}
	})

	t.Run("OnChunkCalledPerChunk", func(t *testing.T) {
		var mu sync.Mutex
		var got []ChunkResult
		_, err := Process(context.Background(), seq(11), Options{
			ChunkSize:      4,
			MaxConcurrency: 2,
			OnChunk: func(r ChunkResult) {
				mu.Lock()
				got = append(got, r)
				mu.Unlock()
			},
		}, func(ctx context.Context, index int, item int) error { return nil })
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("CancelledContextFailsRemainingItems", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		results, err := Process(ctx, seq(10), Options{ChunkSize: 10, MaxConcurrency: 1},
			func(ctx context.Context, index int, item int) error {
				if index == 3 {
					cancel()
				}
				return nil
			})
		require.NoError(t, err)
		ok, failed, _ := Summarize(results)
		assert.Equal(t, 4, ok)
		assert.Equal(t, 6, failed)
		assert.Equal(t, 10, ok+failed)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		_, err := Process(context.Background(), seq(3), Options{ChunkSize: -1}, func(ctx context.Context, index int, item int) error { return nil })
		assert.ErrorIs(t, err, ErrInvalidChunkSize)

		_, err = Process[int](context.Background(), seq(3), Options{}, nil)
		assert.ErrorIs(t, err, ErrNilWorker)
	})

	t.Run("EmptyItems", func(t *testing.T) {
		results, err := Process(context.Background(), nil, Options{}, func(ctx context.Context, index int, item int) error { return nil })
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}
