package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"revoice/shared/timeline"
	"revoice/worker/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StitchProcessor resolves the segment timeline against the replacement map
// and runs the stitching engine, recording the output key on the task.
type StitchProcessor struct {
	deps Deps
}

func NewStitchProcessor(deps Deps) *StitchProcessor {
	return &StitchProcessor{deps: deps}
}

func (p *StitchProcessor) Name() string {
	return "stitch"
}

func (p *StitchProcessor) Process(ctx context.Context, taskID uuid.UUID, msg models.TaskMessage) error {
	payloadBytes, _ := json.Marshal(msg.Payload)
	var payload models.StitchPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.OriginalKey == "" {
		return fmt.Errorf("stitch payload missing original_key")
	}
	if payload.OutputKey == "" {
		payload.OutputKey = fmt.Sprintf("stitched/%s/output.wav", taskID)
	}

	// Reject the whole request before touching any audio.
	entries, err := timeline.Resolve(payload.Segments, payload.Replacements)
	if err != nil {
		return fmt.Errorf("invalid stitch request: %w", err)
	}
	if exists, err := p.deps.Storage.ObjectExists(ctx, payload.OriginalKey); err != nil {
		return fmt.Errorf("failed to check original track: %w", err)
	} else if !exists {
		return fmt.Errorf("original track %s does not exist", payload.OriginalKey)
	}

	result, err := p.deps.Engine.Stitch(ctx, payload.OriginalKey, entries, payload.OutputKey)
	if err != nil {
		return fmt.Errorf("stitch failed: %w", err)
	}

	for _, warning := range result.Warnings {
		p.deps.Logger.Warn("Stitch reconciliation warning",
			zap.String("task_id", taskID.String()),
			zap.Int("segment_idx", warning.SegmentIndex),
			zap.String("warning", warning.Message),
		)
	}

	if err := p.recordStitchMetrics(ctx, taskID, msg.Attempt, result); err != nil {
		p.deps.Logger.Warn("Failed to record stitch metrics",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}

	if err := p.completeTask(ctx, taskID, result.OutputKey); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	p.deps.Logger.Info("Task stitched",
		zap.String("task_id", taskID.String()),
		zap.String("output_key", result.OutputKey),
		zap.Int("clips_applied", result.ClipsApplied),
		zap.Duration("duration", result.Duration),
	)
	return nil
}

// recordStitchMetrics attaches the engine result, warnings included, to the
// step row so operators can inspect reconciliation decisions later.
func (p *StitchProcessor) recordStitchMetrics(ctx context.Context, taskID uuid.UUID, attempt int, result interface{}) error {
	metricsJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	query := `UPDATE task_steps SET metrics_json = $1, updated_at = $2 WHERE task_id = $3 AND step = $4 AND attempt = $5`
	_, err = p.deps.DB.ExecContext(ctx, query, string(metricsJSON), time.Now(), taskID, p.Name(), attempt)
	return err
}

func (p *StitchProcessor) completeTask(ctx context.Context, taskID uuid.UUID, outputKey string) error {
	query := `UPDATE tasks SET status = 'completed', progress = 100, output_audio_key = $1, updated_at = $2 WHERE id = $3`
	_, err := p.deps.DB.ExecContext(ctx, query, outputKey, time.Now(), taskID)
	return err
}
