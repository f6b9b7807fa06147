package handlers

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"revoice/api/internal/models"
	"revoice/api/internal/service"
	"revoice/shared/timeline"
)

// TaskHandler handles task-related requests.
type TaskHandler struct {
	service *service.TaskService
	logger  *zap.Logger
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(service *service.TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

// CreateTaskRequest represents the multipart form fields for creating a task.
// The source audio is uploaded as the "audio" file part; per-speaker voice
// samples are uploaded as "sample_<speaker_id>" file parts.
type CreateTaskRequest struct {
	Segments string `form:"segments" binding:"required"`
	Quality  string `form:"quality" binding:"omitempty"`
}

// CreateTaskData contains the task creation data.
type CreateTaskData struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// CreateTask handles POST /api/v1/tasks.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", err.Error())
		return
	}

	audio, err := c.FormFile("audio")
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1003, "audio upload failed", err.Error())
		return
	}

	var segments []service.SegmentInput
	if err := json.Unmarshal([]byte(req.Segments), &segments); err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", "segments: "+err.Error())
		return
	}

	voiceSamples := make(map[string]*multipart.FileHeader)
	if form, err := c.MultipartForm(); err == nil {
		for field, files := range form.File {
			if !strings.HasPrefix(field, "sample_") || len(files) == 0 {
				continue
			}
			voiceSamples[strings.TrimPrefix(field, "sample_")] = files[0]
		}
	}

	if req.Quality == "" {
		req.Quality = "high"
	}

	task, err := h.service.CreateTask(c.Request.Context(), audio, segments, voiceSamples, req.Quality)
	if err != nil {
		var verr *timeline.ValidationError
		if errors.As(err, &verr) {
			h.respondError(c, http.StatusBadRequest, 1001, "invalid request", verr.Error())
			return
		}
		h.logger.Error("Failed to create task", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal server error", err.Error())
		return
	}

	h.respondSuccess(c, CreateTaskData{
		TaskID:    task.ID.String(),
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt.Format("2006-01-02T15:04:05Z"),
	})
}

// GetTask handles GET /api/v1/tasks/:task_id.
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", "invalid task_id")
		return
	}

	task, steps, err := h.service.GetTaskWithSteps(c.Request.Context(), taskID)
	if err != nil {
		if err == service.ErrTaskNotFound {
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
			return
		}
		h.logger.Error("Failed to get task", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal server error", err.Error())
		return
	}

	// The DB status stays "queued" until a step records progress. For API
	// consumers, treat queued tasks with recorded steps as synthesizing.
	effectiveStatus := task.Status
	if task.Status == models.TaskStatusQueued && len(steps) > 0 {
		effectiveStatus = models.TaskStatusSynthesizing
	}

	stepResponses := make([]map[string]interface{}, len(steps))
	for i, step := range steps {
		stepResp := map[string]interface{}{
			"step":       step.Step,
			"status":     string(step.Status),
			"started_at": nil,
			"ended_at":   nil,
		}
		if step.StartedAt != nil {
			stepResp["started_at"] = step.StartedAt.Format("2006-01-02T15:04:05Z")
		}
		if step.EndedAt != nil {
			stepResp["ended_at"] = step.EndedAt.Format("2006-01-02T15:04:05Z")
		}
		stepResponses[i] = stepResp
	}

	h.respondSuccess(c, map[string]interface{}{
		"task_id":    task.ID.String(),
		"status":     string(effectiveStatus),
		"progress":   task.Progress,
		"error":      task.Error,
		"created_at": task.CreatedAt.Format("2006-01-02T15:04:05Z"),
		"updated_at": task.UpdatedAt.Format("2006-01-02T15:04:05Z"),
		"steps":      stepResponses,
	})
}

// GetTaskResult handles GET /api/v1/tasks/:task_id/result.
func (h *TaskHandler) GetTaskResult(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", "invalid task_id")
		return
	}

	result, err := h.service.GetTaskResult(c.Request.Context(), taskID)
	if err != nil {
		if err == service.ErrTaskNotFound {
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
			return
		}
		if err == service.ErrTaskNotCompleted {
			h.respondError(c, http.StatusBadRequest, 1002, "task not completed", "")
			return
		}
		h.logger.Error("Failed to get task result", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal server error", err.Error())
		return
	}

	h.respondSuccess(c, result)
}

// GetTaskDownload handles GET /api/v1/tasks/:task_id/download.
func (h *TaskHandler) GetTaskDownload(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", "invalid task_id")
		return
	}

	downloadType := c.DefaultQuery("type", "output")
	url, err := h.service.GetDownloadURL(c.Request.Context(), taskID, downloadType)
	if err != nil {
		if err == service.ErrTaskNotFound {
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
			return
		}
		if err == service.ErrTaskNotCompleted {
			h.respondError(c, http.StatusBadRequest, 1002, "task not completed", "")
			return
		}
		h.logger.Error("Failed to get download URL", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal server error", err.Error())
		return
	}

	h.respondSuccess(c, map[string]interface{}{
		"download_url": url,
		"expires_in":   3600,
	})
}

// ListTasks handles GET /api/v1/tasks.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	status := c.Query("status")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	tasks, total, err := h.service.ListTasks(c.Request.Context(), status, page, pageSize)
	if err != nil {
		h.logger.Error("Failed to list tasks", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal server error", err.Error())
		return
	}

	taskList := make([]map[string]interface{}, len(tasks))
	for i, task := range tasks {
		taskList[i] = map[string]interface{}{
			"task_id":    task.ID.String(),
			"status":     string(task.Status),
			"progress":   task.Progress,
			"created_at": task.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	h.respondSuccess(c, map[string]interface{}{
		"tasks":     taskList,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// CancelTask handles POST /api/v1/tasks/:task_id/cancel.
func (h *TaskHandler) CancelTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", "invalid task_id")
		return
	}

	if err := h.service.CancelTask(c.Request.Context(), taskID); err != nil {
		if err == service.ErrTaskNotFound {
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
			return
		}
		if err == service.ErrTaskNotCompleted {
			h.respondError(c, http.StatusBadRequest, 1002, "task already terminal", "")
			return
		}
		h.logger.Error("Failed to cancel task", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal server error", err.Error())
		return
	}

	h.respondSuccess(c, nil)
}

// DeleteTask handles DELETE /api/v1/tasks/:task_id.
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", "invalid task_id")
		return
	}

	if err := h.service.DeleteTask(c.Request.Context(), taskID); err != nil {
		if err == service.ErrTaskNotFound {
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
			return
		}
		h.logger.Error("Failed to delete task", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal server error", err.Error())
		return
	}

	h.respondSuccess(c, nil)
}

// respondSuccess sends a success response.
func (h *TaskHandler) respondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

// respondError sends an error response.
func (h *TaskHandler) respondError(c *gin.Context, statusCode, code int, message, details string) {
	c.JSON(statusCode, gin.H{
		"code":    code,
		"message": message,
		"data":    details,
	})
}
