package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"revoice/api/internal/models"
	"revoice/shared/timeline"
)

// StitchRequest is a client-facing stitch invocation over audio already in
// object storage. Segment times are in seconds.
type StitchRequest struct {
	OriginalAudioRef string                  `json:"original_audio_ref" binding:"required"`
	Segments         []timeline.Segment      `json:"segments" binding:"required"`
	ReplacementMap   timeline.ReplacementMap `json:"replacement_map"`
	OutputRef        string                  `json:"output_ref,omitempty"`
}

// StitchResponse acknowledges a queued stitch and names the ref the output
// will be written to.
type StitchResponse struct {
	TaskID        string `json:"task_id"`
	FinalAudioRef string `json:"final_audio_ref"`
	Message       string `json:"message"`
}

// Stitch validates a stitch request atomically and queues it for the worker.
// Validation failures reject the whole request before any work is enqueued.
func (s *TaskService) Stitch(ctx context.Context, req StitchRequest) (*StitchResponse, error) {
	if _, err := timeline.Resolve(req.Segments, req.ReplacementMap); err != nil {
		return nil, err
	}

	exists, err := s.storage.ObjectExists(ctx, req.OriginalAudioRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check original audio: %w", err)
	}
	if !exists {
		return nil, &timeline.ValidationError{Index: -1, Reason: fmt.Sprintf("original audio %q not found", req.OriginalAudioRef)}
	}

	taskID := uuid.New()
	outputRef := req.OutputRef
	if outputRef == "" {
		outputRef = fmt.Sprintf("stitched/%s/output.wav", taskID)
	}

	now := time.Now()
	query := `
		INSERT INTO tasks (id, status, progress, source_audio_key, output_audio_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, query,
		taskID, models.TaskStatusQueued, 0, req.OriginalAudioRef, outputRef, now, now,
	); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	stitchMsg := map[string]interface{}{
		"task_id":    taskID.String(),
		"step":       "stitch",
		"attempt":    1,
		"trace_id":   uuid.New().String(),
		"created_at": now.Format(time.RFC3339),
		"payload": map[string]interface{}{
			"task_id":      taskID.String(),
			"original_key": req.OriginalAudioRef,
			"segments":     req.Segments,
			"replacements": req.ReplacementMap,
			"output_key":   outputRef,
		},
	}
	if err := s.publisher.Publish(ctx, "task.stitch", stitchMsg); err != nil {
		return nil, fmt.Errorf("failed to publish stitch task: %w", err)
	}

	return &StitchResponse{
		TaskID:        taskID.String(),
		FinalAudioRef: outputRef,
		Message:       "stitch queued",
	}, nil
}
