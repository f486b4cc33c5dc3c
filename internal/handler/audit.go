package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	svc *service.AuditService
}

func NewAuditHandler(svc *service.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// List serves the security review query. Admin only.
func (h *AuditHandler) List(c *gin.Context) {
	q := model.AuditQuery{
		PrincipalID:    c.Query("principal_id"),
		Operation:      model.OperationClass(c.Query("operation")),
		Classification: model.Classification(c.Query("classification")),
		Limit:          100,
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			q.Limit = parsed
		}
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.NewValidation("from: %v", err))
			return
		}
		q.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.NewValidation("to: %v", err))
			return
		}
		q.To = &t
	}

	records, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, records)
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}
