package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/shadowtwin/internal/adapters"
	"github.com/feichai0017/shadowtwin/internal/utils/validator"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

type SourceHandler struct {
	registry  *adapters.Registry
	validator *validator.SourceValidator
	logger    logger.Logger
}

func NewSourceHandler(registry *adapters.Registry, log logger.Logger) *SourceHandler {
	log = log.Named("sources")
	return &SourceHandler{
		registry:  registry,
		validator: validator.NewSourceValidator(log, nil),
		logger:    log,
	}
}

// NormalizeRequest 源文件规范化请求
type NormalizeRequest struct {
	SourceID  string `json:"sourceId"`
	Name      string `json:"name"`
	ParentID  string `json:"parentId"`
	MediaType string `json:"mediaType" binding:"required"`
	Content   string `json:"content"`
	URL       string `json:"url"`
}

// NormalizeFailure carries the raw artifact reference when the input was
// stored but could not be normalized.
type NormalizeFailure struct {
	ErrorResponse
	RawOriginRef string `json:"rawOriginRef"`
}

// Normalize 规范化源文件为 canonical markdown
func (h *SourceHandler) Normalize(c *gin.Context) {
	var req NormalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid request", err)
		return
	}

	// 验证输入
	if res := h.validator.Validate(req.Name, req.MediaType, []byte(req.Content)); !res.IsValid {
		c.AbortWithStatusJSON(http.StatusBadRequest, res)
		return
	}

	adapter, err := h.registry.For(req.MediaType)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Unsupported media type", err)
		return
	}

	out, err := adapter.Normalize(c.Request.Context(), adapters.Input{
		SourceID:  req.SourceID,
		Name:      req.Name,
		ParentID:  req.ParentID,
		MediaType: req.MediaType,
		Content:   []byte(req.Content),
		URL:       req.URL,
	})
	if err != nil {
		if out != nil && out.RawOriginRef != "" {
			h.logger.Warn("Normalization failed after raw was stored",
				logger.String("sourceId", req.SourceID),
				logger.String("rawOriginRef", out.RawOriginRef),
				logger.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, NormalizeFailure{
				ErrorResponse: ErrorResponse{Error: err.Error(), Message: "Normalization failed"},
				RawOriginRef:  out.RawOriginRef,
			})
			return
		}
		handleError(c, h.logger, http.StatusUnprocessableEntity, "Normalization failed", err)
		return
	}

	c.JSON(http.StatusOK, out)
}
