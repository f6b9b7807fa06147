package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"revoice/api/internal/database"
	"revoice/api/internal/models"
	"revoice/api/internal/orchestrator"
	"revoice/api/internal/queue"
	"revoice/api/internal/storage"
	"revoice/shared/timeline"
)

var (
	// ErrTaskNotFound is returned when the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotCompleted is returned when a result is requested before the task has completed.
	ErrTaskNotCompleted = errors.New("task not completed")
)

// TaskService handles task business logic.
type TaskService struct {
	db           *database.DB
	storage      *storage.Service
	publisher    *queue.Publisher
	orchestrator orchestrator.TaskOrchestrator
}

// NewTaskService creates a new task service.
func NewTaskService(db *database.DB, storage *storage.Service, publisher *queue.Publisher, orch orchestrator.TaskOrchestrator) *TaskService {
	return &TaskService{
		db:           db,
		storage:      storage,
		publisher:    publisher,
		orchestrator: orch,
	}
}

// SegmentInput is one diarized segment as submitted by the client.
// Times are in milliseconds from the start of the track.
type SegmentInput struct {
	SpeakerID  string  `json:"speaker_id" binding:"required"`
	StartMs    int     `json:"start_ms"`
	EndMs      int     `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text,omitempty"`
}

func toTimelineSegments(inputs []SegmentInput) []timeline.Segment {
	segments := make([]timeline.Segment, 0, len(inputs))
	for _, in := range inputs {
		segments = append(segments, timeline.Segment{
			SpeakerID:  in.SpeakerID,
			Start:      float64(in.StartMs) / 1000,
			End:        float64(in.EndMs) / 1000,
			Confidence: in.Confidence,
			Text:       in.Text,
		})
	}
	return segments
}

// CreateTask creates a new task, uploads the source audio and per-speaker
// voice samples, persists the segment timeline and starts the pipeline.
func (s *TaskService) CreateTask(ctx context.Context, audio *multipart.FileHeader, segments []SegmentInput, voiceSamples map[string]*multipart.FileHeader, quality string) (*models.Task, error) {
	if err := timeline.Validate(toTimelineSegments(segments)); err != nil {
		return nil, err
	}

	taskID := uuid.New()

	audioKey := fmt.Sprintf("audio/%s/source%s", taskID, filepath.Ext(audio.Filename))
	src, err := audio.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	contentType := audio.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	if err := s.storage.PutObject(ctx, audioKey, src, audio.Size, contentType); err != nil {
		return nil, fmt.Errorf("failed to upload audio: %w", err)
	}

	sampleKeys := make(map[string]string, len(voiceSamples))
	for speakerID, sample := range voiceSamples {
		key := fmt.Sprintf("samples/%s/%s%s", taskID, speakerID, filepath.Ext(sample.Filename))
		f, err := sample.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open voice sample for %s: %w", speakerID, err)
		}
		if err := s.storage.PutObject(ctx, key, f, sample.Size, "audio/wav"); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to upload voice sample for %s: %w", speakerID, err)
		}
		f.Close()
		sampleKeys[speakerID] = key
	}

	task := &models.Task{
		ID:             taskID,
		Status:         models.TaskStatusCreated,
		Progress:       0,
		SourceAudioKey: audioKey,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	query := `
		INSERT INTO tasks (id, status, progress, source_audio_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, query,
		task.ID, task.Status, task.Progress, task.SourceAudioKey,
		task.CreatedAt, task.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	segQuery := `
		INSERT INTO segments (id, task_id, idx, speaker_id, start_ms, end_ms, confidence, text, voice_sample_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for idx, in := range segments {
		var text, sampleKey sql.NullString
		if in.Text != "" {
			text = sql.NullString{String: in.Text, Valid: true}
		}
		if key, ok := sampleKeys[in.SpeakerID]; ok {
			sampleKey = sql.NullString{String: key, Valid: true}
		}
		if _, err := s.db.ExecContext(ctx, segQuery,
			uuid.New(), taskID, idx, in.SpeakerID, in.StartMs, in.EndMs, in.Confidence,
			text, sampleKey, time.Now(), time.Now(),
		); err != nil {
			return nil, fmt.Errorf("failed to create segment %d: %w", idx, err)
		}
	}

	if err := s.orchestrator.StartTask(ctx, task, quality); err != nil {
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	return task, nil
}

// GetTaskWithSteps retrieves a task with its steps.
func (s *TaskService) GetTaskWithSteps(ctx context.Context, taskID uuid.UUID) (*models.Task, []models.TaskStep, error) {
	var task models.Task
	query := `
		SELECT id, status, progress, error, source_audio_key, output_audio_key, created_at, updated_at
		FROM tasks WHERE id = $1
	`
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&task.ID, &task.Status, &task.Progress, &task.Error,
		&task.SourceAudioKey, &task.OutputAudioKey, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrTaskNotFound
		}
		return nil, nil, fmt.Errorf("failed to get task: %w", err)
	}

	stepsQuery := `
		SELECT id, task_id, step, status, attempt, started_at, ended_at, error, metrics_json, created_at, updated_at
		FROM task_steps WHERE task_id = $1 ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, stepsQuery, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get task steps: %w", err)
	}
	defer rows.Close()

	var steps []models.TaskStep
	for rows.Next() {
		var step models.TaskStep
		if err := rows.Scan(
			&step.ID, &step.TaskID, &step.Step, &step.Status, &step.Attempt,
			&step.StartedAt, &step.EndedAt, &step.Error, &step.MetricsJSON,
			&step.CreatedAt, &step.UpdatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}

	return &task, steps, nil
}

// GetTaskResult retrieves the result of a completed task.
func (s *TaskService) GetTaskResult(ctx context.Context, taskID uuid.UUID) (map[string]interface{}, error) {
	task, _, err := s.GetTaskWithSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status != models.TaskStatusCompleted {
		return nil, ErrTaskNotCompleted
	}

	segmentsQuery := `
		SELECT id, task_id, idx, speaker_id, start_ms, end_ms, confidence, text, voice_sample_key, synth_task_id, clip_key, created_at, updated_at
		FROM segments WHERE task_id = $1 ORDER BY idx
	`
	rows, err := s.db.QueryContext(ctx, segmentsQuery, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get segments: %w", err)
	}
	defer rows.Close()

	var segments []map[string]interface{}
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(
			&seg.ID, &seg.TaskID, &seg.Idx, &seg.SpeakerID, &seg.StartMs, &seg.EndMs, &seg.Confidence,
			&seg.Text, &seg.VoiceSampleKey, &seg.SynthTaskID, &seg.ClipKey,
			&seg.CreatedAt, &seg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}

		segResp := map[string]interface{}{
			"idx":        seg.Idx,
			"speaker_id": seg.SpeakerID,
			"start_ms":   seg.StartMs,
			"end_ms":     seg.EndMs,
			"confidence": seg.Confidence,
		}
		if seg.Text != nil {
			segResp["text"] = *seg.Text
		}
		if seg.ClipKey != nil {
			clipURL, err := s.storage.PresignedGetURL(ctx, *seg.ClipKey, time.Hour)
			if err != nil {
				return nil, fmt.Errorf("failed to generate clip URL: %w", err)
			}
			segResp["clip_url"] = clipURL
		}
		segments = append(segments, segResp)
	}

	result := map[string]interface{}{
		"task_id":    task.ID.String(),
		"status":     string(task.Status),
		"segments":   segments,
		"created_at": task.CreatedAt.Format(time.RFC3339),
	}

	if task.OutputAudioKey != nil {
		outputURL, err := s.storage.PresignedGetURL(ctx, *task.OutputAudioKey, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("failed to generate output URL: %w", err)
		}
		result["output_audio_url"] = outputURL
	}

	return result, nil
}

// GetDownloadURL generates a presigned download URL for the stitched output
// or the original source audio.
func (s *TaskService) GetDownloadURL(ctx context.Context, taskID uuid.UUID, downloadType string) (string, error) {
	task, _, err := s.GetTaskWithSteps(ctx, taskID)
	if err != nil {
		return "", err
	}

	var key string
	switch downloadType {
	case "output":
		if task.OutputAudioKey == nil {
			return "", ErrTaskNotCompleted
		}
		key = *task.OutputAudioKey
	case "source":
		key = task.SourceAudioKey
	default:
		return "", fmt.Errorf("invalid download type: %s", downloadType)
	}

	url, err := s.storage.PresignedGetURL(ctx, key, time.Hour)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return url, nil
}

// ListTasks lists tasks with pagination.
func (s *TaskService) ListTasks(ctx context.Context, status string, page, pageSize int) ([]models.Task, int, error) {
	offset := (page - 1) * pageSize

	var query string
	var countQuery string
	var args []interface{}

	if status != "" {
		query = `SELECT id, status, progress, error, source_audio_key, output_audio_key, created_at, updated_at
		         FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		countQuery = `SELECT COUNT(*) FROM tasks WHERE status = $1`
		args = []interface{}{status, pageSize, offset}
	} else {
		query = `SELECT id, status, progress, error, source_audio_key, output_audio_key, created_at, updated_at
		         FROM tasks ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		countQuery = `SELECT COUNT(*) FROM tasks`
		args = []interface{}{pageSize, offset}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var task models.Task
		if err := rows.Scan(
			&task.ID, &task.Status, &task.Progress, &task.Error,
			&task.SourceAudioKey, &task.OutputAudioKey, &task.CreatedAt, &task.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, total, nil
}

// CancelTask asks the worker to abandon in-flight synthesis for a task.
func (s *TaskService) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	var status models.TaskStatus
	if err := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = $1", taskID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return ErrTaskNotFound
		}
		return fmt.Errorf("failed to get task: %w", err)
	}
	if status == models.TaskStatusCompleted || status == models.TaskStatusFailed || status == models.TaskStatusCancelled {
		return ErrTaskNotCompleted
	}
	return s.orchestrator.CancelTask(ctx, taskID)
}

// DeleteTask cancels a task if still running and deletes it with its associated data.
func (s *TaskService) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	var status models.TaskStatus
	if err := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = $1", taskID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return ErrTaskNotFound
		}
		return fmt.Errorf("failed to get task: %w", err)
	}

	if status != models.TaskStatusCompleted && status != models.TaskStatusFailed && status != models.TaskStatusCancelled {
		if err := s.orchestrator.CancelTask(ctx, taskID); err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
	}

	// Cascade deletes steps and segments.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", taskID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// GetSynthesisTask returns the persisted snapshot of one synthesis task.
func (s *TaskService) GetSynthesisTask(ctx context.Context, synthTaskID string) (*models.SynthesisTask, error) {
	var st models.SynthesisTask
	query := `
		SELECT id, status, progress, output_ref, error_code, error, created_at, updated_at
		FROM synthesis_tasks WHERE id = $1
	`
	err := s.db.QueryRowContext(ctx, query, synthTaskID).Scan(
		&st.ID, &st.Status, &st.Progress, &st.OutputRef, &st.ErrorCode, &st.Error,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get synthesis task: %w", err)
	}
	return &st, nil
}
