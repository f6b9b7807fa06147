package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"revoice/api/internal/models"
)

// DefaultTaskOrchestrator implements task state transitions and initial message dispatch.
// It owns the task state machine entrypoint so the API layer can remain focused on validation
// and persistence.
type DefaultTaskOrchestrator struct {
	publisher QueuePublisher
	repo      TaskRepository
}

// NewTaskOrchestrator builds a DefaultTaskOrchestrator.
func NewTaskOrchestrator(publisher QueuePublisher, repo TaskRepository) *DefaultTaskOrchestrator {
	return &DefaultTaskOrchestrator{
		publisher: publisher,
		repo:      repo,
	}
}

// StartTask initializes the task state machine by publishing the first step and updating the status.
func (o *DefaultTaskOrchestrator) StartTask(ctx context.Context, task *models.Task, quality string) error {
	now := time.Now()
	synthesizeMsg := map[string]interface{}{
		"task_id":    task.ID.String(),
		"step":       "synthesize",
		"attempt":    1,
		"trace_id":   uuid.New().String(),
		"created_at": now.Format(time.RFC3339),
		"payload": map[string]interface{}{
			"task_id": task.ID.String(),
			"quality": quality,
		},
	}

	if err := o.publisher.Publish(ctx, "task.synthesize", synthesizeMsg); err != nil {
		return fmt.Errorf("publish initial step: %w", err)
	}

	if err := o.repo.UpdateStatus(ctx, task.ID, models.TaskStatusQueued, now); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	task.Status = models.TaskStatusQueued
	task.UpdatedAt = now
	return nil
}

// CancelTask asks the worker to retire a task's synthesis members. The
// worker deletes the ledger entries, which fails any pending batch join.
func (o *DefaultTaskOrchestrator) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	now := time.Now()
	cancelMsg := map[string]interface{}{
		"task_id":    taskID.String(),
		"step":       "cancel",
		"attempt":    1,
		"trace_id":   uuid.New().String(),
		"created_at": now.Format(time.RFC3339),
		"payload": map[string]interface{}{
			"task_id": taskID.String(),
		},
	}

	if err := o.publisher.Publish(ctx, "task.cancel", cancelMsg); err != nil {
		return fmt.Errorf("publish cancel step: %w", err)
	}
	return nil
}
