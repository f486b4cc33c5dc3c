package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/batchgate/internal/batch"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/GoPolymarket/batchgate/internal/pkg/metrics"
)

type ExportResult struct {
	Token       string             `json:"token"`
	ExpiresAt   time.Time          `json:"expires_at"`
	RecordCount int                `json:"record_count"`
	Bytes       int64              `json:"bytes"`
	Fields      []string           `json:"fields"`
	Flags       []string           `json:"flags,omitempty"`
	Neutralized int                `json:"neutralized_values,omitempty"`
	Audit       *model.AuditRecord `json:"audit"`
}

// Export authorizes the requested fields for the principal's role, reads the
// matching records, projects and cleanses them and hands back a download
// token for the serialized payload.
func (e *Engine) Export(ctx context.Context, p model.Principal, req model.ExportRequest) (*ExportResult, error) {
	req, err := e.normalizeExport(req)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	rec := baseAudit(ctx, p, model.OperationExport)
	rec.RequestedFields = req.Fields
	rec.FieldCount = len(req.Fields)

	if err := e.consumeQuota(ctx, p, model.OperationExport, rec); err != nil {
		metrics.ExportsTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	res := e.policy.Resolve(p.Role, append(append([]string{}, req.Fields...), filterFields(req.Filters)...))
	if len(res.Denied) > 0 {
		rec.Classification = model.ClassDenied
		rec.DeniedFields = res.Denied
		rec.FailureSummary = "requested fields not exportable"
		e.recordAudit(ctx, rec)
		metrics.ExportsTotal.WithLabelValues("denied").Inc()
		logger.FromContext(ctx).Warn("export denied", "principal_id", p.ID, "role", p.Role, "denied_fields", res.Denied)
		return nil, apperrors.NewAuthorization(res.Denied)
	}
	if len(res.ApprovalRequired) > 0 {
		rec.Classification = model.ClassApprovalRequired
		rec.DeniedFields = res.ApprovalRequired
		rec.FailureSummary = "fields require approval"
		e.recordAudit(ctx, rec)
		metrics.ExportsTotal.WithLabelValues("approval_required").Inc()
		return nil, apperrors.NewApprovalRequired(res.ApprovalRequired)
	}

	flags := e.flagsFor(ctx, p.ID)
	rec.Flags = flags

	var records []model.Record
	err = withRetry(ctx, e.opts.ItemRetries, e.opts.RetryBackoff, func() error {
		var fetchErr error
		records, fetchErr = e.repo.Fetch(ctx, model.RecordFilter{
			Entity: req.Entity,
			Equals: req.Filters,
			Limit:  req.MaxRecords,
		})
		return fetchErr
	})
	if err != nil {
		rec.Classification = model.ClassFailed
		rec.FailureSummary = "record fetch failed"
		e.recordAudit(ctx, rec)
		metrics.ExportsTotal.WithLabelValues("failed").Inc()
		logger.LogError(ctx, err, "export fetch failed", "principal_id", p.ID)
		return nil, apperrors.NewSystem("record store unavailable", err)
	}
	if len(records) > req.MaxRecords {
		records = records[:req.MaxRecords]
	}

	rows, neutralized, failed := e.project(ctx, p.Role, req.Fields, records)

	payload, err := encodeExport(req.Format, req.Fields, rows)
	if err != nil {
		rec.Classification = model.ClassFailed
		rec.FailureSummary = "payload encoding failed"
		e.recordAudit(ctx, rec)
		metrics.ExportsTotal.WithLabelValues("failed").Inc()
		return nil, apperrors.New(apperrors.ErrInternal, "export encoding failed", err)
	}

	issued, err := e.issuer.Issue(ctx, payload)
	if err != nil {
		rec.Classification = model.ClassFailed
		rec.RecordCount = len(rows)
		rec.FailureSummary = "artifact storage failed"
		e.recordAudit(ctx, rec)
		metrics.ExportsTotal.WithLabelValues("failed").Inc()
		logger.LogError(ctx, err, "artifact issue failed", "principal_id", p.ID)
		return nil, apperrors.NewSystem("artifact storage unavailable", err)
	}

	expires := issued.ExpiresAt
	rec.RecordCount = len(rows)
	rec.ArtifactBytes = issued.Size
	rec.DownloadTokenHash = issued.Fingerprint
	rec.DownloadExpiresAt = &expires
	switch {
	case failed > 0:
		rec.Classification = model.ClassPartial
		rec.FailureSummary = fmt.Sprintf("%d records could not be projected", failed)
	case len(flags) > 0:
		rec.Classification = model.ClassFlagged
	default:
		rec.Classification = model.ClassRoutine
	}
	e.recordAudit(ctx, rec)
	metrics.ExportsTotal.WithLabelValues("success").Inc()

	logger.FromContext(ctx).Info("export issued",
		"principal_id", p.ID,
		"records", len(rows),
		"bytes", issued.Size,
		"format", req.Format,
		"flags", flags,
	)

	return &ExportResult{
		Token:       issued.Token,
		ExpiresAt:   issued.ExpiresAt,
		RecordCount: len(rows),
		Bytes:       issued.Size,
		Fields:      req.Fields,
		Flags:       flags,
		Neutralized: neutralized,
		Audit:       rec,
	}, nil
}

func (e *Engine) normalizeExport(req model.ExportRequest) (model.ExportRequest, error) {
	fields := make([]string, 0, len(req.Fields))
	seen := make(map[string]struct{}, len(req.Fields))
	for _, f := range req.Fields {
		f = normalizeName(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return req, apperrors.NewValidation("at least one field is required")
	}
	req.Fields = fields

	switch req.Format {
	case "":
		req.Format = model.ExportFormatJSON
	case model.ExportFormatJSON, model.ExportFormatCSV:
	default:
		return req, apperrors.NewValidation("unsupported export format %q", req.Format)
	}

	if req.MaxRecords < 0 {
		return req, apperrors.NewValidation("max_records must not be negative")
	}
	limit := e.opts.MaxExportRecords
	if req.MaxRecords == 0 {
		req.MaxRecords = limit
	}
	if limit > 0 && req.MaxRecords > limit {
		return req, apperrors.NewValidation("max_records %d exceeds limit %d", req.MaxRecords, limit)
	}

	if len(req.Filters) > 0 {
		filters := make(map[string]string, len(req.Filters))
		for k, v := range req.Filters {
			filters[normalizeName(k)] = v
		}
		req.Filters = filters
	}
	return req, nil
}

// project builds one output row per record containing only fields the role
// may export, each value cleansed for export. Rows of records whose
// projection failed are dropped.
func (e *Engine) project(ctx context.Context, role string, fields []string, records []model.Record) ([]map[string]string, int, int) {
	rows := make([]map[string]string, len(records))
	var neutralized atomic.Int64

	results, err := batch.Process(ctx, records, batch.Options{
		ChunkSize:      e.opts.ChunkSize,
		MaxConcurrency: e.opts.MaxConcurrency,
	}, func(_ context.Context, i int, r model.Record) error {
		row := make(map[string]string, len(fields))
		values := lowerKeys(r.Fields)
		for _, f := range fields {
			if !e.policy.IsExportable(role, f) {
				continue
			}
			clean, threats := e.sanitizer.SanitizeForExport(f, values[f])
			if len(threats) > 0 {
				neutralized.Add(1)
			}
			row[f] = clean
		}
		rows[i] = row
		return nil
	})
	if err != nil {
		logger.LogError(ctx, err, "export projection failed")
		return nil, 0, len(records)
	}

	_, failed, _ := batch.Summarize(results)
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		if row != nil {
			out = append(out, row)
		}
	}
	if n := neutralized.Load(); n > 0 {
		logger.FromContext(ctx).Warn("neutralized stored values during export", "values", n)
	}
	return out, int(neutralized.Load()), failed
}

func encodeExport(format model.ExportFormat, fields []string, rows []map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case model.ExportFormatCSV:
		w := csv.NewWriter(&buf)
		if err := w.Write(fields); err != nil {
			return nil, err
		}
		line := make([]string, len(fields))
		for _, row := range rows {
			for i, f := range fields {
				line[i] = row[f]
			}
			if err := w.Write(line); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
	default:
		if err := json.NewEncoder(&buf).Encode(rows); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func filterFields(filters map[string]string) []string {
	out := make([]string, 0, len(filters))
	for k := range filters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[normalizeName(k)] = v
	}
	return out
}
