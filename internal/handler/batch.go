package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamPollInterval = 500 * time.Millisecond
	streamWriteTimeout = 10 * time.Second
	streamPingPeriod   = 15 * time.Second
)

type BatchHandler struct {
	engine   *service.Engine
	tracker  *service.BatchTracker
	upgrader websocket.Upgrader
}

func NewBatchHandler(engine *service.Engine, tracker *service.BatchTracker) *BatchHandler {
	return &BatchHandler{
		engine:   engine,
		tracker:  tracker,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

// Submit runs an ingest batch. With ?async=true it answers 202 with the
// processing job and the caller polls or streams its status.
func (h *BatchHandler) Submit(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}

	var req model.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewValidation("invalid batch request: %v", err))
		return
	}

	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		job, err := h.engine.IngestAsync(c.Request.Context(), p, req)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, job)
		return
	}

	job, err := h.engine.Ingest(c.Request.Context(), p, req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *BatchHandler) List(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.tracker.List(p.ID))
}

func (h *BatchHandler) Get(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *BatchHandler) Cancel(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	cancelled, err := h.engine.CancelBatch(job.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": job.ID, "cancelled": cancelled})
}

// Stream pushes job snapshots over a websocket whenever progress changes and
// closes once the job is sealed.
func (h *BatchHandler) Stream(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.LogError(c.Request.Context(), err, "websocket upgrade failed", "job_id", job.ID)
		return
	}
	defer conn.Close()

	// drain client frames so close and pong are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	var last *model.BatchJob
	for {
		current, err := h.engine.GetBatchStatus(job.ID)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job expired"),
				time.Now().Add(streamWriteTimeout))
			return
		}
		if last == nil || progressed(*last, current) {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(current); err != nil {
				return
			}
			last = &current
		}
		if current.Sealed() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(current.Status)),
				time.Now().Add(streamWriteTimeout))
			return
		}

		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}

// ownedJob loads the job named in the path. Jobs of other principals are
// reported as missing.
func (h *BatchHandler) ownedJob(c *gin.Context) (model.BatchJob, bool) {
	p, ok := principalOrAbort(c)
	if !ok {
		return model.BatchJob{}, false
	}
	job, err := h.engine.GetBatchStatus(c.Param("id"))
	if err != nil {
		c.Error(err)
		return model.BatchJob{}, false
	}
	if job.OwnerID != p.ID {
		c.Error(apperrors.NewNotFound("batch not found"))
		return model.BatchJob{}, false
	}
	return job, true
}

func progressed(prev, cur model.BatchJob) bool {
	return prev.Status != cur.Status ||
		prev.Successful != cur.Successful ||
		prev.Failed != cur.Failed ||
		prev.Sealed() != cur.Sealed()
}
