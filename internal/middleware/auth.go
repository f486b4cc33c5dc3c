package middleware

import (
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey        = "X-API-Key"
	ContextPrincipalKey = "principal"
)

// AuthMiddleware resolves the caller's principal once per request and makes
// it available on both the gin and the request context.
func AuthMiddleware(dir *service.PrincipalDirectory) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "missing API key", nil))
			c.Abort()
			return
		}

		principal, ok := dir.Lookup(c.Request.Context(), apiKey)
		if !ok {
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "invalid API key", nil))
			c.Abort()
			return
		}

		c.Set(ContextPrincipalKey, principal)
		c.Request = c.Request.WithContext(service.ContextWithPrincipal(c.Request.Context(), principal))
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (model.Principal, bool) {
	v, ok := c.Get(ContextPrincipalKey)
	if !ok {
		return model.Principal{}, false
	}
	p, ok := v.(model.Principal)
	return p, ok
}
