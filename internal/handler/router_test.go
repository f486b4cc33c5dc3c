package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/middleware"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/repository"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	repo   *repository.MemoryRecordRepo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Auth.AdminKey = "admin-secret"
	cfg.Limits.QPS = 0
	cfg.Principals = []config.PrincipalConfig{
		{ID: "alice", Role: "viewer", APIKey: "sk-alice"},
		{ID: "bob", Role: "viewer", APIKey: "sk-bob"},
	}
	cfg.Permissions = []config.PermissionConfig{
		{Role: "viewer", Exportable: []string{"name", "email"}, Denied: []string{"ssn"}},
	}

	repo := repository.NewMemoryRecordRepo(
		model.Record{ID: "c1", Entity: "contact", Fields: map[string]string{"name": "Ada", "email": "ada@example.com", "ssn": "111-22-3333"}},
		model.Record{ID: "c2", Entity: "contact", Fields: map[string]string{"name": "Bob", "email": "bob@example.com", "ssn": "444-55-6666"}},
	)
	audit, err := service.NewAuditService(service.AuditOptions{BufferSize: 100})
	require.NoError(t, err)
	t.Cleanup(audit.Close)

	tracker := service.NewBatchTracker(nil, 100)
	engine := service.NewEngine(service.EngineDeps{
		Repo:      repo,
		Limiter:   service.NewRateLimiter(service.NewMemoryCounterStore(), map[model.OperationClass]int{model.OperationExport: 10, model.OperationIngest: 10}, nil),
		Policy:    service.FieldPolicyFromConfig(cfg.Permissions),
		Sanitizer: service.NewSanitizer(map[string]string{"email": "email"}),
		Anomaly:   service.NewAnomalyDetector(service.AnomalyThresholds{BulkRecordCutoff: 1000, BulkThreshold: 3, BurstThreshold: 10}),
		History:   audit,
		Tracker:   tracker,
		Audit:     audit,
		Issuer:    service.NewArtifactIssuer(service.NewMemoryObjectStore(), service.NewMemoryTokenIndex(), nil, nil, time.Hour),
	}, service.EngineOptionsFromConfig(cfg))

	router := NewRouter(RouterDeps{
		Config:      cfg,
		Directory:   service.NewPrincipalDirectory(cfg, nil),
		Engine:      engine,
		Tracker:     tracker,
		Audit:       audit,
		Idempotency: middleware.NewInMemIdempotencyStore(time.Hour),
	})
	return &testServer{router: router, repo: repo}
}

func (s *testServer) do(method, path, apiKey string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(middleware.HeaderAPIKey, apiKey)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestExportAndDownload(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/exports", "sk-alice", model.ExportRequest{
		Entity: "contact",
		Fields: []string{"name", "email"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Token       string `json:"token"`
		DownloadURL string `json:"download_url"`
		RecordCount int    `json:"record_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.RecordCount)
	require.NotEmpty(t, resp.Token)

	rec = s.do(http.MethodGet, resp.DownloadURL, "sk-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "ada@example.com")
	assert.NotContains(t, rec.Body.String(), "111-22-3333")

	rec = s.do(http.MethodGet, "/v1/downloads/not-a-token", "sk-alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportDeniedField(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/exports", "sk-alice", model.ExportRequest{Fields: []string{"name", "ssn"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTHORIZATION_DENIED")
	assert.Contains(t, rec.Body.String(), "ssn")

	rec = s.do(http.MethodPost, "/v1/exports", "", model.ExportRequest{Fields: []string{"name"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBatchSubmitStatusAndOwnership(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/batches", "sk-alice", model.IngestRequest{
		Source: "crm-sync",
		Records: []model.Record{
			{Entity: "contact", Fields: map[string]string{"name": "Cy", "email": "cy@example.com"}},
			{Entity: "contact", Fields: map[string]string{"name": "Di", "email": "not-an-email"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var job model.BatchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.BatchStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Successful)
	assert.Equal(t, 1, job.Failed)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, 1, job.Errors[0].Index)
	assert.Equal(t, 3, s.repo.Len())

	rec = s.do(http.MethodGet, "/v1/batches/"+job.ID, "sk-bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other principals cannot see the job")

	rec = s.do(http.MethodGet, "/v1/batches/"+job.ID, "sk-alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodDelete, "/v1/batches/"+job.ID, "sk-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"`+job.ID+`","cancelled":false}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/batches", "sk-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []model.BatchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)
}

func TestBatchSubmitValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/batches", "sk-alice", model.IngestRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader("{"))
	req.Header.Set(middleware.HeaderAPIKey, "sk-alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAuditList(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodPost, "/v1/exports", "sk-alice", model.ExportRequest{Fields: []string{"ssn"}})

	rec := s.do(http.MethodGet, "/v1/admin/audit", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/audit?classification=denied&principal_id=alice", nil)
	req.Header.Set(middleware.HeaderAdminKey, "admin-secret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var records []model.AuditRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, []string{"ssn"}, records[0].DeniedFields)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/audit?from=yesterday", nil)
	req.Header.Set(middleware.HeaderAdminKey, "admin-secret")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchStreamSendsFinalSnapshot(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/v1/batches", "sk-alice", model.IngestRequest{
		Records: []model.Record{{Entity: "contact", Fields: map[string]string{"name": "Ed"}}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var job model.BatchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/batches/" + job.ID + "/stream"
	header := http.Header{}
	header.Set(middleware.HeaderAPIKey, "sk-alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got model.BatchJob
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stream closes after the sealed snapshot: %v", err)
}
