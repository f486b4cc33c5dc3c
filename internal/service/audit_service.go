package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/clock"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/GoPolymarket/batchgate/internal/pkg/metrics"
	"github.com/google/uuid"
)

var ErrAuditClosed = errors.New("audit service closed")

// AuditService records one immutable entry per export/ingest attempt.
// Security-relevant records (denials, approval holds, quota rejections) are
// written synchronously with retries; everything else goes through a
// buffered channel drained by a single consumer. Every record is also kept in
// an in-memory ring and appended to a daily JSONL file.
type AuditService struct {
	logChan chan *model.AuditRecord
	done    chan struct{}

	fileMu  sync.Mutex
	logFile *os.File
	encoder *json.Encoder

	buffer  *auditBuffer
	history *operationHistory
	repo    AuditRepo
	clock   clock.Clock

	retryAttempts int
	retryDelay    time.Duration

	closeMu sync.RWMutex
	closed  bool
}

type AuditRepo interface {
	Insert(ctx context.Context, rec *model.AuditRecord) error
	List(ctx context.Context, q model.AuditQuery) ([]*model.AuditRecord, error)
}

type AuditOptions struct {
	LogDir        string
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration
	Repo          AuditRepo
	Clock         clock.Clock
}

func NewAuditService(opts AuditOptions) (*AuditService, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}

	svc := &AuditService{
		logChan:       make(chan *model.AuditRecord, opts.BufferSize),
		done:          make(chan struct{}),
		buffer:        newAuditBuffer(opts.BufferSize),
		history:       newOperationHistory(),
		repo:          opts.Repo,
		clock:         opts.Clock,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
	}

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
			return nil, err
		}
		filename := filepath.Join(opts.LogDir, "audit-"+opts.Clock.Now().Format("2006-01-02")+".jsonl")
		f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		svc.logFile = f
		svc.encoder = json.NewEncoder(f)
	}

	go svc.processLogs()

	return svc, nil
}

// Record stamps rec with an id and time and hands it to the sinks. For
// security-relevant classifications the returned error reports that no
// durable sink accepted the record; the record stays in the ring either way.
func (s *AuditService) Record(ctx context.Context, rec *model.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	if rec.RequestID == "" {
		rec.RequestID = logger.RequestIDFromContext(ctx)
	}

	s.buffer.Add(rec)
	if !rec.Classification.SecurityRelevant() {
		s.history.Add(rec.PrincipalID, model.OperationSummary{
			Class:       rec.Operation,
			RecordCount: rec.RecordCount,
			At:          rec.CreatedAt,
		})
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.escalate(ctx, rec, ErrAuditClosed)
		return ErrAuditClosed
	}

	if rec.Classification.SecurityRelevant() {
		if err := s.persist(ctx, rec); err != nil {
			s.escalate(ctx, rec, err)
			return err
		}
		return nil
	}

	select {
	case s.logChan <- rec:
	default:
		// queue full: write inline rather than drop
		logger.FromContext(ctx).Warn("audit queue full, writing inline", "audit_id", rec.ID)
		if err := s.persist(ctx, rec); err != nil {
			s.escalate(ctx, rec, err)
			return err
		}
	}
	return nil
}

// List prefers the repository and falls back to the in-memory ring.
func (s *AuditService) List(ctx context.Context, q model.AuditQuery) ([]*model.AuditRecord, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, q)
		if err == nil {
			return records, nil
		}
		logger.LogError(ctx, err, "audit repo list failed, serving from buffer")
	}
	return s.buffer.List(q), nil
}

// RecentOperations implements HistoryProvider for the anomaly detector.
// Only operations that actually ran are counted.
func (s *AuditService) RecentOperations(_ context.Context, principalID string, since time.Time) ([]model.OperationSummary, error) {
	return s.history.Since(principalID, since), nil
}

// PruneHistory evicts principals whose recent operations all aged out and
// returns how many were evicted.
func (s *AuditService) PruneHistory() int {
	return s.history.Prune(s.clock.Now())
}

func (s *AuditService) processLogs() {
	defer close(s.done)
	for rec := range s.logChan {
		if err := s.persist(context.Background(), rec); err != nil {
			s.escalate(context.Background(), rec, err)
		}
	}
}

// persist writes to the repository with retries, then to the JSONL file. The
// file counts as the durable sink only when no repository is configured.
func (s *AuditService) persist(ctx context.Context, rec *model.AuditRecord) error {
	var repoErr error
	if s.repo != nil {
		for attempt := 1; attempt <= s.retryAttempts; attempt++ {
			if repoErr = s.repo.Insert(ctx, rec); repoErr == nil {
				break
			}
			if attempt < s.retryAttempts && s.retryDelay > 0 {
				select {
				case <-ctx.Done():
					attempt = s.retryAttempts
				case <-time.After(s.retryDelay):
				}
			}
		}
	}

	fileErr := s.appendFile(rec)
	if fileErr != nil {
		logger.LogError(ctx, fileErr, "failed to append audit file", "audit_id", rec.ID)
	}

	switch {
	case s.repo != nil && repoErr != nil:
		return fmt.Errorf("audit repo insert after %d attempts: %w", s.retryAttempts, repoErr)
	case s.repo == nil && fileErr != nil:
		return fmt.Errorf("audit file append: %w", fileErr)
	}
	return nil
}

func (s *AuditService) appendFile(rec *model.AuditRecord) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.encoder == nil {
		return nil
	}
	return s.encoder.Encode(rec)
}

func (s *AuditService) escalate(ctx context.Context, rec *model.AuditRecord, err error) {
	metrics.AuditWriteFailures.WithLabelValues(string(rec.Classification)).Inc()
	logger.LogError(ctx, err, "audit record not persisted",
		"audit_id", rec.ID,
		"principal_id", rec.PrincipalID,
		"operation", rec.Operation,
		"classification", rec.Classification,
	)
}

// Close drains the queue and closes the file. Records after Close are kept
// in memory only.
func (s *AuditService) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.logChan)
	s.closeMu.Unlock()

	<-s.done

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
		s.encoder = nil
	}
}

type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditRecord
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditRecord, 0, maxSize),
	}
}

func (b *auditBuffer) Add(rec *model.AuditRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, rec)
		return
	}
	b.records[b.nextIndex] = rec
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

func (b *auditBuffer) List(q model.AuditQuery) []*model.AuditRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := q.Limit
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.AuditRecord, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		rec := b.records[idx]
		if !q.Matches(rec) {
			continue
		}
		results = append(results, rec)
		if len(results) >= limit {
			break
		}
	}
	return results
}

// operationHistory keeps the last day of operations per principal.
type operationHistory struct {
	mu  sync.Mutex
	ops map[string][]model.OperationSummary
}

const historyRetention = 24 * time.Hour

func newOperationHistory() *operationHistory {
	return &operationHistory{ops: make(map[string][]model.OperationSummary)}
}

func (h *operationHistory) Add(principalID string, op model.OperationSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := op.At.Add(-historyRetention)
	kept := h.ops[principalID][:0]
	for _, existing := range h.ops[principalID] {
		if !existing.At.Before(cutoff) {
			kept = append(kept, existing)
		}
	}
	h.ops[principalID] = append(kept, op)
}

// Prune drops operations older than the retention window and forgets
// principals with nothing left.
func (h *operationHistory) Prune(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := now.Add(-historyRetention)
	removed := 0
	for id, ops := range h.ops {
		kept := ops[:0]
		for _, op := range ops {
			if !op.At.Before(cutoff) {
				kept = append(kept, op)
			}
		}
		if len(kept) == 0 {
			delete(h.ops, id)
			removed++
			continue
		}
		h.ops[id] = kept
	}
	return removed
}

func (h *operationHistory) Since(principalID string, since time.Time) []model.OperationSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.OperationSummary, 0)
	for _, op := range h.ops[principalID] {
		if !op.At.Before(since) {
			out = append(out, op)
		}
	}
	return out
}
