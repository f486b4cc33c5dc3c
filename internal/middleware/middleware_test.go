package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirectory(qps float64, burst int) *service.PrincipalDirectory {
	cfg := config.Default()
	cfg.Limits.QPS = qps
	cfg.Limits.Burst = burst
	cfg.Principals = []config.PrincipalConfig{{ID: "u1", Role: "viewer", APIKey: "sk-u1"}}
	return service.NewPrincipalDirectory(cfg, nil)
}

func newRouter(dir *service.PrincipalDirectory, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestContext(), ErrorHandler(), AuthMiddleware(dir), RateLimitMiddleware(dir))
	r.Use(extra...)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	r := newRouter(testDirectory(0, 0))
	r.GET("/whoami", func(c *gin.Context) {
		p, _ := service.PrincipalFromContext(c.Request.Context())
		c.String(http.StatusOK, p.ID)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_FAILED")
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderAPIKey, "sk-wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderAPIKey, "sk-u1")
	req.Header.Set(HeaderRequestID, "req-7")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
	assert.Equal(t, "req-7", rec.Header().Get(HeaderRequestID))
}

func TestRateLimitMiddleware(t *testing.T) {
	r := newRouter(testDirectory(0.001, 2))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(HeaderAPIKey, "sk-u1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	var calls atomic.Int32
	r := newRouter(testDirectory(0, 0), IdempotencyMiddleware(NewInMemIdempotencyStore(0)))
	r.POST("/v1/batches", func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(http.StatusCreated, gin.H{"call": n})
	})

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
		req.Header.Set(HeaderAPIKey, "sk-u1")
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	first := send("k1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := send("k1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.Equal(t, int32(1), calls.Load())

	send("k2")
	send("")
	assert.Equal(t, int32(3), calls.Load())
}

func TestAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Auth.AdminKey = "root"
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/admin", AdminMiddleware(cfg), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set(HeaderAdminKey, "root")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
