package service

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/batchgate/internal/batch"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/clock"
	"github.com/google/uuid"
)

var (
	ErrJobNotFound = errors.New("batch job not found")
	ErrJobSealed   = errors.New("batch job already finalized")
)

const (
	reasonCancelled    = "cancelled"
	reasonNotProcessed = "not processed"
)

// BatchTracker owns the lifecycle of ingest batches:
//
//	processing -> completed  (finished running, even with item failures)
//	processing -> failed     (every item failed, or a pre-flight error)
//	processing -> cancelled  (explicit cancel while still processing)
//
// A job is sealed by Finalize or Fail; sealed jobs never change again.
type BatchTracker struct {
	mu        sync.RWMutex
	jobs      map[string]*trackedJob
	clock     clock.Clock
	maxErrors int
}

type trackedJob struct {
	mu  sync.Mutex
	job model.BatchJob
}

func NewBatchTracker(clk clock.Clock, maxErrors int) *BatchTracker {
	if clk == nil {
		clk = clock.Real()
	}
	if maxErrors <= 0 {
		maxErrors = 1000
	}
	return &BatchTracker{
		jobs:      make(map[string]*trackedJob),
		clock:     clk,
		maxErrors: maxErrors,
	}
}

func (t *BatchTracker) Start(ownerID string, totalItems int, source string) model.BatchJob {
	job := model.BatchJob{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Source:    source,
		Status:    model.BatchStatusProcessing,
		Total:     totalItems,
		CreatedAt: t.clock.Now(),
	}
	t.mu.Lock()
	t.jobs[job.ID] = &trackedJob{job: job}
	t.mu.Unlock()
	return job
}

func (t *BatchTracker) lookup(jobID string) (*trackedJob, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tj, ok := t.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return tj, nil
}

// Annotate attaches advisory flags to a job that is still open.
func (t *BatchTracker) Annotate(jobID string, flags []string) error {
	tj, err := t.lookup(jobID)
	if err != nil {
		return err
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.job.Sealed() {
		return ErrJobSealed
	}
	tj.job.Flags = append(tj.job.Flags, flags...)
	return nil
}

// RecordChunk folds one chunk outcome into the job. Safe to call
// concurrently for different chunks of the same job.
func (t *BatchTracker) RecordChunk(jobID string, res batch.ChunkResult) error {
	tj, err := t.lookup(jobID)
	if err != nil {
		return err
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.job.Sealed() {
		return ErrJobSealed
	}
	tj.job.Successful += res.Succeeded
	tj.job.Failed += res.Failed
	for _, e := range res.Errors {
		t.appendError(&tj.job, model.ItemError{Index: e.Index, Reason: e.Reason})
	}
	return nil
}

func (t *BatchTracker) appendError(job *model.BatchJob, e model.ItemError) {
	if len(job.Errors) >= t.maxErrors {
		job.ErrorsTruncated = true
		return
	}
	job.Errors = append(job.Errors, e)
}

// Finalize seals the job and computes its terminal status. Items never
// reported are counted as failed so Total == Successful + Failed holds.
// Calling Finalize on a sealed job returns it unchanged.
func (t *BatchTracker) Finalize(jobID string) (model.BatchJob, error) {
	tj, err := t.lookup(jobID)
	if err != nil {
		return model.BatchJob{}, err
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.job.Sealed() {
		return snapshot(tj.job), nil
	}

	if missing := tj.job.Total - tj.job.Successful - tj.job.Failed; missing > 0 {
		tj.job.Failed += missing
		if tj.job.FailureReason == "" {
			tj.job.FailureReason = reasonNotProcessed
			if tj.job.Status == model.BatchStatusCancelled {
				tj.job.FailureReason = reasonCancelled
			}
		}
	}

	if tj.job.Status == model.BatchStatusProcessing {
		if tj.job.Total > 0 && tj.job.Successful == 0 {
			tj.job.Status = model.BatchStatusFailed
		} else {
			tj.job.Status = model.BatchStatusCompleted
		}
	}
	now := t.clock.Now()
	tj.job.CompletedAt = &now
	return snapshot(tj.job), nil
}

// Fail seals a job that could not run, e.g. a pre-flight check failed after
// the job was created. Items not yet reported count as failed.
func (t *BatchTracker) Fail(jobID, reason string) (model.BatchJob, error) {
	tj, err := t.lookup(jobID)
	if err != nil {
		return model.BatchJob{}, err
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.job.Sealed() {
		return snapshot(tj.job), ErrJobSealed
	}
	tj.job.Failed = tj.job.Total - tj.job.Successful
	tj.job.Status = model.BatchStatusFailed
	tj.job.FailureReason = reason
	now := t.clock.Now()
	tj.job.CompletedAt = &now
	return snapshot(tj.job), nil
}

// Cancel moves a processing job to cancelled. It is a compare-and-set: any
// other state leaves the job untouched and returns false.
func (t *BatchTracker) Cancel(jobID string) (bool, error) {
	tj, err := t.lookup(jobID)
	if err != nil {
		return false, err
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.job.Status != model.BatchStatusProcessing || tj.job.Sealed() {
		return false, nil
	}
	tj.job.Status = model.BatchStatusCancelled
	return true, nil
}

// Cancelled is the cooperative check workers make between items.
func (t *BatchTracker) Cancelled(jobID string) bool {
	tj, err := t.lookup(jobID)
	if err != nil {
		return false
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	return tj.job.Status == model.BatchStatusCancelled
}

func (t *BatchTracker) Get(jobID string) (model.BatchJob, error) {
	tj, err := t.lookup(jobID)
	if err != nil {
		return model.BatchJob{}, err
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	return snapshot(tj.job), nil
}

// List returns the owner's jobs, newest first.
func (t *BatchTracker) List(ownerID string) []model.BatchJob {
	t.mu.RLock()
	entries := make([]*trackedJob, 0, len(t.jobs))
	for _, tj := range t.jobs {
		entries = append(entries, tj)
	}
	t.mu.RUnlock()

	jobs := make([]model.BatchJob, 0)
	for _, tj := range entries {
		tj.mu.Lock()
		if ownerID == "" || tj.job.OwnerID == ownerID {
			jobs = append(jobs, snapshot(tj.job))
		}
		tj.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// Prune drops sealed jobs completed before the cutoff and returns how many
// were removed.
func (t *BatchTracker) Prune(olderThan time.Duration) int {
	cutoff := t.clock.Now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, tj := range t.jobs {
		tj.mu.Lock()
		stale := tj.job.Sealed() && tj.job.CompletedAt.Before(cutoff)
		tj.mu.Unlock()
		if stale {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

func snapshot(job model.BatchJob) model.BatchJob {
	out := job
	if job.Errors != nil {
		out.Errors = append([]model.ItemError(nil), job.Errors...)
	}
	if job.Flags != nil {
		out.Flags = append([]string(nil), job.Flags...)
	}
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
