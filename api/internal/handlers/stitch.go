package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"revoice/api/internal/service"
	"revoice/shared/timeline"
)

// StitchHandler handles direct stitch invocations over audio already in
// object storage, without the synthesis pipeline.
type StitchHandler struct {
	service *service.TaskService
	logger  *zap.Logger
}

// NewStitchHandler creates a new stitch handler.
func NewStitchHandler(service *service.TaskService, logger *zap.Logger) *StitchHandler {
	return &StitchHandler{
		service: service,
		logger:  logger,
	}
}

// Stitch handles POST /api/v1/stitch.
func (h *StitchHandler) Stitch(c *gin.Context) {
	var req service.StitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	resp, err := h.service.Stitch(c.Request.Context(), req)
	if err != nil {
		var verr *timeline.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   verr.Error(),
			})
			return
		}
		h.logger.Error("Failed to queue stitch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"task_id":         resp.TaskID,
		"final_audio_ref": resp.FinalAudioRef,
		"message":         resp.Message,
	})
}

// GetSynthesisTask handles GET /api/v1/synthesis/:task_id.
func (h *StitchHandler) GetSynthesisTask(c *gin.Context) {
	synthTaskID := c.Param("task_id")
	if synthTaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "missing task_id",
		})
		return
	}

	st, err := h.service.GetSynthesisTask(c.Request.Context(), synthTaskID)
	if err != nil {
		if err == service.ErrTaskNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "synthesis task not found",
			})
			return
		}
		h.logger.Error("Failed to get synthesis task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    st,
	})
}
