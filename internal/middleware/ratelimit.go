package middleware

import (
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware is the per-principal burst guard. Daily quotas are
// enforced by the engine, not here.
func RateLimitMiddleware(dir *service.PrincipalDirectory) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized", nil))
			c.Abort()
			return
		}

		limiter := dir.LimiterFor(principal.ID)
		if limiter == nil {
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			_ = c.Error(apperrors.New(apperrors.ErrRateLimited, "request rate exceeded", nil).
				WithDetail("retry_after", "1s"))
			c.Abort()
			return
		}

		c.Next()
	}
}
