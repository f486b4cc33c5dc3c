package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/GoPolymarket/batchgate/internal/batch"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/GoPolymarket/batchgate/internal/pkg/metrics"
)

var errItemCancelled = errors.New(reasonCancelled)

// Ingest validates, sanitizes and stores records chunk by chunk and returns
// the terminal job. Item failures never abort the batch; they are listed in
// the job's error detail.
func (e *Engine) Ingest(ctx context.Context, p model.Principal, req model.IngestRequest) (model.BatchJob, error) {
	flags, err := e.preflightIngest(ctx, p, req)
	if err != nil {
		return model.BatchJob{}, err
	}
	job := e.startJob(p, req, flags)
	return e.runIngest(ctx, p, job, req.Records), nil
}

// IngestAsync runs the same pre-flight checks synchronously, then processes
// chunks in the background and returns the job while it is still
// processing.
func (e *Engine) IngestAsync(ctx context.Context, p model.Principal, req model.IngestRequest) (model.BatchJob, error) {
	if err := e.reserveBackground(); err != nil {
		return model.BatchJob{}, err
	}
	flags, err := e.preflightIngest(ctx, p, req)
	if err != nil {
		e.bg.Done()
		return model.BatchJob{}, err
	}
	job := e.startJob(p, req, flags)

	runCtx := logger.ContextWithRequestID(e.baseCtx, logger.RequestIDFromContext(ctx))
	runCtx = ContextWithPrincipal(runCtx, p)
	records := append([]model.Record(nil), req.Records...)

	go func() {
		defer e.bg.Done()
		e.runIngest(runCtx, p, job, records)
	}()
	return job, nil
}

func (e *Engine) preflightIngest(ctx context.Context, p model.Principal, req model.IngestRequest) ([]string, error) {
	if len(req.Records) == 0 {
		return nil, apperrors.NewValidation("no records to ingest")
	}
	if limit := e.opts.MaxIngestRecords; limit > 0 && len(req.Records) > limit {
		return nil, apperrors.NewValidation("batch of %d records exceeds limit %d", len(req.Records), limit)
	}

	rec := baseAudit(ctx, p, model.OperationIngest)
	rec.RecordCount = len(req.Records)
	if err := e.consumeQuota(ctx, p, model.OperationIngest, rec); err != nil {
		return nil, err
	}
	return e.flagsFor(ctx, p.ID), nil
}

func (e *Engine) startJob(p model.Principal, req model.IngestRequest, flags []string) model.BatchJob {
	job := e.tracker.Start(p.ID, len(req.Records), req.Source)
	if len(flags) > 0 {
		_ = e.tracker.Annotate(job.ID, flags)
		job.Flags = flags
	}
	return job
}

func (e *Engine) runIngest(ctx context.Context, p model.Principal, job model.BatchJob, records []model.Record) model.BatchJob {
	log := logger.FromContext(ctx).With("job_id", job.ID, "principal_id", p.ID)
	log.Info("ingest started", "records", len(records))

	_, err := batch.Process(ctx, records, batch.Options{
		ChunkSize:      e.opts.ChunkSize,
		MaxConcurrency: e.opts.MaxConcurrency,
		OnChunk: func(res batch.ChunkResult) {
			metrics.ChunkDuration.Observe(res.Duration.Seconds())
			if err := e.tracker.RecordChunk(job.ID, res); err != nil {
				log.Error("chunk result dropped", "chunk", res.Chunk, "error", err)
			}
		},
	}, func(ctx context.Context, _ int, r model.Record) error {
		return e.ingestOne(ctx, job.ID, r)
	})

	var final model.BatchJob
	if err != nil {
		final, _ = e.tracker.Fail(job.ID, err.Error())
	} else {
		final, err = e.tracker.Finalize(job.ID)
		if err != nil {
			log.Error("finalize failed", "error", err)
			final, _ = e.tracker.Get(job.ID)
		}
	}

	metrics.IngestItemsTotal.WithLabelValues("succeeded").Add(float64(final.Successful))
	metrics.IngestItemsTotal.WithLabelValues("failed").Add(float64(final.Failed))

	rec := baseAudit(ctx, p, model.OperationIngest)
	rec.JobID = final.ID
	rec.RecordCount = final.Total
	rec.Flags = final.Flags
	rec.FieldCount = fieldCount(records)
	switch {
	case final.Status == model.BatchStatusFailed:
		rec.Classification = model.ClassFailed
	case final.Failed > 0 || final.Status == model.BatchStatusCancelled:
		rec.Classification = model.ClassPartial
	case len(final.Flags) > 0:
		rec.Classification = model.ClassFlagged
	default:
		rec.Classification = model.ClassRoutine
	}
	rec.FailureSummary = failureSummary(final)
	e.recordAudit(ctx, rec)

	log.Info("ingest finished",
		"status", final.Status,
		"successful", final.Successful,
		"failed", final.Failed,
	)
	return final
}

func (e *Engine) ingestOne(ctx context.Context, jobID string, r model.Record) error {
	if e.tracker.Cancelled(jobID) {
		return errItemCancelled
	}
	clean, err := e.prepareRecord(r)
	if err != nil {
		return err
	}
	// A call-level error leaves the write's outcome unknown; if the next
	// attempt finds the id taken, the earlier write committed.
	var uncertain bool
	return withRetry(ctx, e.opts.ItemRetries, e.opts.RetryBackoff, func() error {
		results, err := e.repo.InsertMany(ctx, []model.Record{clean})
		if err != nil {
			uncertain = true
			return err
		}
		if len(results) != 1 {
			return fmt.Errorf("record store returned %d results for 1 record", len(results))
		}
		if uncertain && errors.Is(results[0].Err, ErrDuplicateRecord) {
			return nil
		}
		return results[0].Err
	})
}

// prepareRecord cleanses every field and rejects the record on any detected
// threat or invalid value. Records without an id get one here so every
// store attempt writes the same row.
func (e *Engine) prepareRecord(r model.Record) (model.Record, error) {
	if len(r.Fields) == 0 {
		return model.Record{}, errors.New("record has no fields")
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := model.Record{ID: r.ID, Entity: r.Entity, Fields: make(map[string]string, len(r.Fields))}
	for _, raw := range names {
		name := normalizeName(raw)
		if name == "" {
			return model.Record{}, errors.New("empty field name")
		}
		clean, threats := e.sanitizer.Sanitize(name, r.Fields[raw])
		if len(threats) > 0 {
			return model.Record{}, fmt.Errorf("%s: rejected content (%s)", name, joinThreats(threats))
		}
		if err := e.sanitizer.Validate(name, clean); err != nil {
			return model.Record{}, err
		}
		out.Fields[name] = clean
	}
	for _, req := range e.opts.RequiredFields {
		if out.Fields[normalizeName(req)] == "" {
			return model.Record{}, fmt.Errorf("%s: required", normalizeName(req))
		}
	}
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	return out, nil
}

func joinThreats(threats []Threat) string {
	parts := make([]string, len(threats))
	for i, t := range threats {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func fieldCount(records []model.Record) int {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r.Fields {
			seen[normalizeName(k)] = struct{}{}
		}
	}
	return len(seen)
}

func failureSummary(job model.BatchJob) string {
	if job.Failed == 0 && job.FailureReason == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d items failed", job.Failed, job.Total)
	if job.FailureReason != "" {
		fmt.Fprintf(&b, " (%s)", job.FailureReason)
	}
	if len(job.Errors) > 0 {
		first := job.Errors[0]
		for _, e := range job.Errors[1:] {
			if e.Index < first.Index {
				first = e
			}
		}
		fmt.Fprintf(&b, "; first at index %d: %s", first.Index, first.Reason)
	}
	return b.String()
}
