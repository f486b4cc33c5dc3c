package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default chunking configuration.
const (
	DefaultChunkSize      = 50
	DefaultMaxConcurrency = 4
	MaxChunkSize          = 10000
)

var (
	ErrInvalidChunkSize = errors.New("chunk size must be between 1 and 10000")
	ErrNilWorker        = errors.New("worker cannot be nil")
)

// Worker handles one item. index is the item's position in the full slice.
// A non-nil error marks the item as failed.
type Worker[T any] func(ctx context.Context, index int, item T) error

// ItemError records why the item at Index failed.
type ItemError struct {
	Index  int
	Reason string
}

// ChunkResult is the outcome of one chunk.
type ChunkResult struct {
	Chunk     int
	Start     int
	End       int
	Succeeded int
	Failed    int
	Errors    []ItemError
	Duration  time.Duration
}

func (r ChunkResult) Total() int {
	return r.Succeeded + r.Failed
}

type Options struct {
	ChunkSize      int
	MaxConcurrency int
	// OnChunk, if set, is called once per finished chunk from the goroutine
	// that ran it. It must be safe for concurrent use.
	OnChunk func(ChunkResult)
}

func (o Options) normalized() (Options, error) {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize < 1 || o.ChunkSize > MaxChunkSize {
		return o, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, o.ChunkSize)
	}
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	return o, nil
}

// Bounds returns the [start, end) pairs for total items split by chunkSize.
func Bounds(total, chunkSize int) [][2]int {
	if total <= 0 || chunkSize <= 0 {
		return nil
	}
	chunks := total / chunkSize
	if total%chunkSize > 0 {
		chunks++
	}
	bounds := make([][2]int, chunks)
	for i := range chunks {
		start := i * chunkSize
		end := min(start+chunkSize, total)
		bounds[i] = [2]int{start, end}
	}
	return bounds
}

// Process runs worker over items chunk by chunk and returns one result per
// chunk, ordered by chunk index. The only error it returns is for invalid
// options; item failures are reported inside the results.
func Process[T any](ctx context.Context, items []T, opts Options, worker Worker[T]) ([]ChunkResult, error) {
	if worker == nil {
		return nil, ErrNilWorker
	}
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}

	bounds := Bounds(len(items), opts.ChunkSize)
	results := make([]ChunkResult, len(bounds))

	// Goroutines always return nil: one chunk never cancels another.
	var g errgroup.Group
	g.SetLimit(opts.MaxConcurrency)

	for chunkIdx, b := range bounds {
		g.Go(func() error {
			res := runChunk(ctx, chunkIdx, b[0], items[b[0]:b[1]], worker)
			results[chunkIdx] = res
			if opts.OnChunk != nil {
				opts.OnChunk(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func runChunk[T any](ctx context.Context, chunkIdx, start int, chunk []T, worker Worker[T]) ChunkResult {
	began := time.Now()
	res := ChunkResult{Chunk: chunkIdx, Start: start, End: start + len(chunk)}
	for i, item := range chunk {
		index := start + i
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = safeCall(ctx, worker, index, item)
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{Index: index, Reason: err.Error()})
			continue
		}
		res.Succeeded++
	}
	res.Duration = time.Since(began)
	return res
}

func safeCall[T any](ctx context.Context, worker Worker[T], index int, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return worker(ctx, index, item)
}

// Summarize folds chunk results into totals.
func Summarize(results []ChunkResult) (succeeded, failed int, errs []ItemError) {
	for _, r := range results {
		succeeded += r.Succeeded
		failed += r.Failed
		errs = append(errs, r.Errors...)
	}
	return succeeded, failed, errs
}
