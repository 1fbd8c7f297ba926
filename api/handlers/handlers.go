package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/shadowtwin/internal/adapters"
	"github.com/feichai0017/shadowtwin/internal/service/events"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/internal/service/orchestrator"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

type Handlers struct {
	Job    *JobHandler
	Source *SourceHandler
	Health *HealthHandler
}

// ErrorResponse 统一错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHandlers(
	service *orchestrator.Service,
	bus *events.Bus,
	registry *adapters.Registry,
	rdb *redis.Client,
	gatherer prometheus.Gatherer,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Job:    NewJobHandler(service, bus, log),
		Source: NewSourceHandler(registry, log),
		Health: NewHealthHandler(rdb, gatherer),
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrMissingJobID),
		errors.Is(err, orchestrator.ErrMissingToken),
		errors.Is(err, orchestrator.ErrInvalidPayload),
		errors.Is(err, adapters.ErrUnsupportedMediaType):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleError 统一错误处理. Client errors are logged at debug so scanners do
// not flood the logs.
func handleError(c *gin.Context, log logger.Logger, status int, message string, err error) {
	log = logger.FromContext(c.Request.Context(), log)
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Debug(message, fields...)
	}

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, response)
}
