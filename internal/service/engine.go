package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/pkg/clock"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
)

// RecordRepository is the record store the engine reads from and writes to.
// InsertMany reports one result per input record, in input order.
type RecordRepository interface {
	Fetch(ctx context.Context, filter model.RecordFilter) ([]model.Record, error)
	InsertMany(ctx context.Context, records []model.Record) ([]model.InsertResult, error)
}

var (
	// ErrDuplicateRecord is returned by record stores for an id that is
	// already taken.
	ErrDuplicateRecord = errors.New("record id already exists")
	// ErrRecordRejected wraps constraint failures a store will keep returning
	// for the same record.
	ErrRecordRejected = errors.New("record rejected by store")
	ErrEngineClosed   = errors.New("engine closed")
)

// IdentityProvider resolves the principal of the current request.
type IdentityProvider interface {
	CurrentPrincipal(ctx context.Context) (model.Principal, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, rec *model.AuditRecord) error
}

type EngineOptions struct {
	ChunkSize        int
	MaxConcurrency   int
	MaxIngestRecords int
	MaxExportRecords int
	ItemRetries      int
	RetryBackoff     time.Duration
	RequiredFields   []string
}

func EngineOptionsFromConfig(cfg *config.Config) EngineOptions {
	return EngineOptions{
		ChunkSize:        cfg.Batch.ChunkSize,
		MaxConcurrency:   cfg.Batch.MaxConcurrency,
		MaxIngestRecords: cfg.Batch.MaxIngestRecords,
		MaxExportRecords: cfg.Export.MaxRecords,
		ItemRetries:      cfg.Batch.ItemRetries,
		RetryBackoff:     cfg.Batch.RetryBackoff(),
		RequiredFields:   cfg.Batch.RequiredFields,
	}
}

type EngineDeps struct {
	Repo      RecordRepository
	Limiter   *RateLimiter
	Policy    *FieldPolicy
	Sanitizer *Sanitizer
	Anomaly   *AnomalyDetector
	History   HistoryProvider
	Tracker   *BatchTracker
	Audit     AuditRecorder
	Issuer    *ArtifactIssuer
	Clock     clock.Clock
}

// Engine is the public surface for bulk export and ingest. Every rejection
// happens before any record is read or written.
type Engine struct {
	repo      RecordRepository
	limiter   *RateLimiter
	policy    *FieldPolicy
	sanitizer *Sanitizer
	anomaly   *AnomalyDetector
	history   HistoryProvider
	tracker   *BatchTracker
	audit     AuditRecorder
	issuer    *ArtifactIssuer
	clock     clock.Clock
	opts      EngineOptions

	mu      sync.Mutex // guards closed and bg.Add
	closed  bool
	bg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewEngine(deps EngineDeps, opts EngineOptions) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if opts.ItemRetries <= 0 {
		opts.ItemRetries = 1
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		repo:      deps.Repo,
		limiter:   deps.Limiter,
		policy:    deps.Policy,
		sanitizer: deps.Sanitizer,
		anomaly:   deps.Anomaly,
		history:   deps.History,
		tracker:   deps.Tracker,
		audit:     deps.Audit,
		issuer:    deps.Issuer,
		clock:     deps.Clock,
		opts:      opts,
		baseCtx:   baseCtx,
		stop:      stop,
	}
}

// GetBatchStatus is a read; repeated calls on a terminal job return the same
// snapshot.
func (e *Engine) GetBatchStatus(jobID string) (model.BatchJob, error) {
	job, err := e.tracker.Get(jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return model.BatchJob{}, apperrors.NewNotFound("batch job not found")
		}
		return model.BatchJob{}, apperrors.Wrap(err)
	}
	return job, nil
}

// CancelBatch returns false without error when the job is already terminal.
func (e *Engine) CancelBatch(jobID string) (bool, error) {
	ok, err := e.tracker.Cancel(jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return false, apperrors.NewNotFound("batch job not found")
		}
		return false, apperrors.Wrap(err)
	}
	if ok {
		logger.Info("batch cancellation requested", "job_id", jobID)
	}
	return ok, nil
}

// ResolveDownload answers unknown and expired tokens with the same error.
func (e *Engine) ResolveDownload(ctx context.Context, token string) ([]byte, error) {
	data, err := e.issuer.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			return nil, apperrors.NewNotFound("download not found")
		}
		logger.LogError(ctx, err, "artifact resolve failed")
		return nil, apperrors.NewSystem("artifact storage unavailable", err)
	}
	return data, nil
}

// Shutdown stops accepting background work and waits for running async
// batches, or until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		return ctx.Err()
	}
}

// reserveBackground registers one background run, or reports that the engine
// is shutting down.
func (e *Engine) reserveBackground() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return apperrors.NewSystem("engine is shutting down", ErrEngineClosed)
	}
	e.bg.Add(1)
	return nil
}

func (e *Engine) flagsFor(ctx context.Context, principalID string) []string {
	if e.anomaly == nil || e.history == nil {
		return nil
	}
	now := e.clock.Now()
	ops, err := e.history.RecentOperations(ctx, principalID, now.Add(-bulkWindow))
	if err != nil {
		logger.FromContext(ctx).Warn("operation history unavailable, skipping anomaly scan",
			"principal_id", principalID, "error", err)
		return nil
	}
	return e.anomaly.Evaluate(principalID, ops, now)
}

// consumeQuota returns a RateLimitExceeded error, already audited, when the
// principal is out of quota for class.
func (e *Engine) consumeQuota(ctx context.Context, p model.Principal, class model.OperationClass, rec *model.AuditRecord) error {
	decision, err := e.limiter.CheckAndConsume(ctx, p.ID, class)
	if err != nil {
		logger.LogError(ctx, err, "rate limit check failed", "principal_id", p.ID)
		return apperrors.NewSystem("rate limiter unavailable", err)
	}
	if decision.Allowed {
		return nil
	}
	rec.Classification = model.ClassRateLimited
	rec.FailureSummary = "daily limit reached"
	e.recordAudit(ctx, rec)
	return apperrors.NewRateLimited(string(class), decision.Limit, decision.Used).
		WithDetail("reset_at", decision.ResetAt)
}

// recordAudit never fails the caller. Security-relevant write failures are
// escalated inside the audit service.
func (e *Engine) recordAudit(ctx context.Context, rec *model.AuditRecord) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, rec); err != nil {
		logger.LogError(ctx, err, "audit record failed",
			"principal_id", rec.PrincipalID, "classification", rec.Classification)
	}
}

// withRetry runs fn up to attempts times with linear backoff. Permanent
// errors are returned after the first attempt.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || permanent(err) {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return err
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrDuplicateRecord) ||
		errors.Is(err, ErrRecordRejected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		apperrors.Is(err, apperrors.ErrValidation)
}

func baseAudit(ctx context.Context, p model.Principal, op model.OperationClass) *model.AuditRecord {
	return &model.AuditRecord{
		RequestID:   logger.RequestIDFromContext(ctx),
		PrincipalID: p.ID,
		Role:        p.Role,
		Operation:   op,
	}
}
