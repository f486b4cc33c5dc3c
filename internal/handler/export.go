package handler

import (
	"encoding/json"
	"net/http"

	"github.com/GoPolymarket/batchgate/internal/middleware"
	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type ExportHandler struct {
	engine *service.Engine
}

func NewExportHandler(engine *service.Engine) *ExportHandler {
	return &ExportHandler{engine: engine}
}

type exportResponse struct {
	*service.ExportResult
	DownloadURL string `json:"download_url"`
}

func (h *ExportHandler) Create(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}

	var req model.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewValidation("invalid export request: %v", err))
		return
	}

	res, err := h.engine.Export(c.Request.Context(), p, req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, exportResponse{
		ExportResult: res,
		DownloadURL:  "/v1/downloads/" + res.Token,
	})
}

// Download streams the artifact behind a live token. Unknown and expired
// tokens are indistinguishable to the caller.
func (h *ExportHandler) Download(c *gin.Context) {
	data, err := h.engine.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.Error(err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Content-Disposition", `attachment; filename="`+artifactFilename(data)+`"`)
	c.Data(http.StatusOK, artifactContentType(data), data)
}

func artifactContentType(data []byte) string {
	if json.Valid(data) {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

func artifactFilename(data []byte) string {
	if json.Valid(data) {
		return "export.json"
	}
	return "export.csv"
}

// principalOrAbort resolves the principal or records an auth error.
func principalOrAbort(c *gin.Context) (model.Principal, bool) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized: missing principal", nil))
	}
	return p, ok
}
