package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/shadowtwin/api/middleware"
	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/service/events"
	"github.com/feichai0017/shadowtwin/internal/service/orchestrator"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

const (
	maxCallbackBytes = 64 << 20
	defaultLogLimit  = 100
	streamKeepAlive  = 25 * time.Second
)

type JobHandler struct {
	service   *orchestrator.Service
	bus       *events.Bus
	logger    logger.Logger
	keepAlive time.Duration
}

func NewJobHandler(service *orchestrator.Service, bus *events.Bus, log logger.Logger) *JobHandler {
	return &JobHandler{
		service:   service,
		bus:       bus,
		logger:    log.Named("jobs"),
		keepAlive: streamKeepAlive,
	}
}

// Callback 接收 worker 回调
func (h *JobHandler) Callback(c *gin.Context) {
	jobID := c.Param("jobId")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBytes))
	if err != nil {
		handleError(c, h.logger, http.StatusRequestEntityTooLarge, "Callback body too large", err)
		return
	}

	out, err := h.service.HandleCallback(c.Request.Context(), jobID, body, orchestrator.Credentials{
		Header: c.GetHeader(middleware.HeaderCallbackToken),
		Bearer: orchestrator.BearerToken(c.GetHeader("Authorization")),
	})
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Callback rejected", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetStatus 获取任务状态
func (h *JobHandler) GetStatus(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			handleError(c, h.logger, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	view, err := h.service.Status(c.Request.Context(), c.Param("jobId"), middleware.UserEmail(c), limit)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Stream 推送当前用户的任务更新 (SSE)
func (h *JobHandler) Stream(c *gin.Context) {
	user := middleware.UserEmail(c)
	sub := h.bus.Subscribe(user)
	defer sub.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.send(c, ev)
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (h *JobHandler) send(c *gin.Context, ev models.JobUpdateEvent) {
	c.SSEvent(ev.Type, ev)
	c.Writer.Flush()
}
