package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-ID"

// maxLoggedBody caps request bodies copied into debug logs.
const maxLoggedBody = 4096

// RequestContext assigns the request id, threads it through the request
// context for every later log line and writes one access log entry when the
// request finishes.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		c.Header(HeaderRequestID, reqID)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), reqID))

		var reqBody []byte
		debug := logger.Get().Enabled(c.Request.Context(), slog.LevelDebug)
		if debug && c.Request.Body != nil && c.Request.Method != "GET" {
			reqBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), c.Request.Body))
		}

		c.Next()

		fields := []any{
			"method", c.Request.Method,
			"path", redactPath(c.Request.URL.Path),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if p, ok := PrincipalFrom(c); ok {
			fields = append(fields, "principal_id", p.ID)
		}
		log := logger.FromContext(c.Request.Context())
		log.Info("request", fields...)
		if debug && len(reqBody) > 0 {
			log.Debug("request body", "body", redactBody(reqBody))
		}
	}
}

// redactPath hides download tokens, which are bearer credentials.
func redactPath(path string) string {
	const prefix = "/v1/downloads/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return prefix + "***"
	}
	return path
}

func redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxLoggedBody {
		return "[truncated]"
	}
	redacted, ok := redactJSON(body)
	if !ok {
		return "[redacted]"
	}
	return string(redacted)
}

func redactJSON(body []byte) ([]byte, bool) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactValue(v *interface{}) {
	switch raw := (*v).(type) {
	case map[string]interface{}:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []interface{}:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

// Record values inside ingest payloads are business data and are masked
// wholesale under "fields".
func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "api_key",
		"admin_key",
		"token",
		"password",
		"ssn",
		"fields":
		return true
	default:
		return false
	}
}
