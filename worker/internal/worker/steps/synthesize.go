package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"revoice/shared/timeline"
	"revoice/worker/internal/batch"
	"revoice/worker/internal/ledger"
	"revoice/worker/internal/models"
	"revoice/worker/internal/synth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// segmentRow mirrors one segments table row.
type segmentRow struct {
	ID             uuid.UUID
	Idx            int
	SpeakerID      string
	StartMs        int
	EndMs          int
	Confidence     float64
	Text           string
	VoiceSampleKey string
	ClipKey        string
}

// SynthesizeProcessor fans segment texts out to the synthesis service,
// waits for every clip to resolve, records the produced clip keys, and
// hands the task to the stitch step.
type SynthesizeProcessor struct {
	deps Deps
}

func NewSynthesizeProcessor(deps Deps) *SynthesizeProcessor {
	return &SynthesizeProcessor{deps: deps}
}

func (p *SynthesizeProcessor) Name() string {
	return "synthesize"
}

func (p *SynthesizeProcessor) Process(ctx context.Context, taskID uuid.UUID, msg models.TaskMessage) error {
	payloadBytes, _ := json.Marshal(msg.Payload)
	var payload models.SynthesizePayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	sourceKey, outputKey, err := p.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	segments, err := p.loadSegments(ctx, taskID)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("task %s has no segments", taskID)
	}

	pending := pendingSegments(segments)
	p.deps.Logger.Info("Processing synthesis batch",
		zap.String("task_id", taskID.String()),
		zap.Int("segments", len(segments)),
		zap.Int("pending", len(pending)),
	)

	if len(pending) > 0 {
		if err := p.synthesizePending(ctx, taskID, payload, segments, pending); err != nil {
			return err
		}
	}

	return p.publishStitch(ctx, taskID, sourceKey, outputKey, segments)
}

// pendingSegments selects segments that need a clip: they carry text and do
// not have one yet. Re-delivered messages skip already-synthesized segments.
func pendingSegments(segments []segmentRow) []*segmentRow {
	var pending []*segmentRow
	for i := range segments {
		if segments[i].Text != "" && segments[i].ClipKey == "" {
			pending = append(pending, &segments[i])
		}
	}
	return pending
}

func (p *SynthesizeProcessor) synthesizePending(ctx context.Context, taskID uuid.UUID, payload models.SynthesizePayload, segments []segmentRow, pending []*segmentRow) error {
	requests := make([]batch.Request, 0, len(pending))
	for _, seg := range pending {
		sampleURL, err := p.deps.Storage.PresignedGetURL(ctx, seg.VoiceSampleKey, time.Hour)
		if err != nil {
			return fmt.Errorf("failed to presign voice sample %s: %w", seg.VoiceSampleKey, err)
		}
		requests = append(requests, batch.Request{
			Key: strconv.Itoa(seg.Idx),
			Synthesis: synth.SynthesisRequest{
				Text:            seg.Text,
				VoiceSample:     sampleURL,
				Quality:         payload.Quality,
				PreserveAccent:  true,
				PreserveEmotion: true,
			},
		})
	}

	batchID, err := p.deps.Coordinator.RunBatch(ctx, requests)
	if err != nil {
		return fmt.Errorf("failed to submit synthesis batch: %w", err)
	}

	memberIDs, err := p.deps.Coordinator.TaskIDs(batchID)
	if err != nil {
		return err
	}
	for _, seg := range pending {
		if synthID, ok := memberIDs[strconv.Itoa(seg.Idx)]; ok {
			if err := p.recordSynthTaskID(ctx, seg.ID, synthID); err != nil {
				p.deps.Logger.Warn("Failed to record synthesis task id",
					zap.String("segment_id", seg.ID.String()), zap.Error(err))
			}
		}
	}

	results, err := p.deps.Coordinator.Join(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to join synthesis batch: %w", err)
	}

	for _, seg := range pending {
		task, ok := results[strconv.Itoa(seg.Idx)]
		if !ok {
			continue
		}
		if task.Status != ledger.StatusCompleted {
			// Keep-original policy: a failed member leaves its segment
			// without a clip instead of failing the whole task.
			p.deps.Logger.Warn("Segment synthesis failed, keeping original audio",
				zap.String("task_id", taskID.String()),
				zap.Int("segment_idx", seg.Idx),
				zap.String("error_code", task.ErrorCode),
				zap.String("error", task.ErrorMessage),
			)
			continue
		}

		clipKey := fmt.Sprintf("synth/%s/clip_%04d.wav", taskID, seg.Idx)
		if err := p.storeClip(ctx, task, clipKey); err != nil {
			p.deps.Logger.Warn("Failed to store synthesized clip, keeping original audio",
				zap.String("task_id", taskID.String()),
				zap.Int("segment_idx", seg.Idx),
				zap.Error(err),
			)
			continue
		}
		if err := p.recordClipKey(ctx, seg.ID, clipKey); err != nil {
			return fmt.Errorf("failed to record clip key: %w", err)
		}
		seg.ClipKey = clipKey
	}

	// The remote service no longer needs the resolved tasks.
	for _, task := range results {
		if err := p.deps.SynthClient.Remove(ctx, task.ID); err != nil {
			p.deps.Logger.Debug("Failed to remove remote synthesis task",
				zap.String("synth_task_id", task.ID), zap.Error(err))
		}
	}

	return nil
}

// storeClip downloads one synthesis result and persists it in object storage.
func (p *SynthesizeProcessor) storeClip(ctx context.Context, task ledger.Task, clipKey string) error {
	body, err := p.deps.SynthClient.FetchResult(ctx, task.OutputRef)
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read result audio: %w", err)
	}
	return p.deps.Storage.PutObject(ctx, clipKey, bytes.NewReader(data), int64(len(data)), "audio/wav")
}

// publishStitch builds the timeline and replacement map from the segment
// rows and enqueues the stitch step. Failed segments appear as empty
// placeholders so later clips stay aligned with their occurrences.
func (p *SynthesizeProcessor) publishStitch(ctx context.Context, taskID uuid.UUID, sourceKey, outputKey string, segments []segmentRow) error {
	tl := make([]timeline.Segment, len(segments))
	replacements := make(timeline.ReplacementMap)
	for i, seg := range segments {
		tl[i] = timeline.Segment{
			SpeakerID:  seg.SpeakerID,
			Start:      float64(seg.StartMs) / 1000,
			End:        float64(seg.EndMs) / 1000,
			Confidence: seg.Confidence,
			Text:       seg.Text,
		}
		replacements[seg.SpeakerID] = append(replacements[seg.SpeakerID], seg.ClipKey)
	}

	stitchMsg := models.TaskMessage{
		TaskID:    taskID.String(),
		Step:      "stitch",
		Attempt:   1,
		TraceID:   uuid.New().String(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Payload: map[string]interface{}{
			"task_id":      taskID.String(),
			"original_key": sourceKey,
			"segments":     tl,
			"replacements": replacements,
			"output_key":   outputKey,
		},
	}
	if err := p.deps.Publisher.Publish(ctx, "task.stitch", stitchMsg); err != nil {
		return fmt.Errorf("failed to publish stitch step: %w", err)
	}

	return p.updateTaskProgress(ctx, taskID, "stitching", 60)
}

func (p *SynthesizeProcessor) loadTask(ctx context.Context, taskID uuid.UUID) (sourceKey, outputKey string, err error) {
	query := `SELECT source_audio_key, COALESCE(output_audio_key, '') FROM tasks WHERE id = $1`
	if err := p.deps.DB.QueryRowContext(ctx, query, taskID).Scan(&sourceKey, &outputKey); err != nil {
		return "", "", fmt.Errorf("failed to load task: %w", err)
	}
	if outputKey == "" {
		outputKey = fmt.Sprintf("stitched/%s/output.wav", taskID)
	}
	return sourceKey, outputKey, nil
}

func (p *SynthesizeProcessor) loadSegments(ctx context.Context, taskID uuid.UUID) ([]segmentRow, error) {
	query := `
		SELECT id, idx, speaker_id, start_ms, end_ms, confidence,
		       COALESCE(text, ''), COALESCE(voice_sample_key, ''), COALESCE(clip_key, '')
		FROM segments
		WHERE task_id = $1
		ORDER BY idx ASC
	`
	rows, err := p.deps.DB.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	defer rows.Close()

	var segments []segmentRow
	for rows.Next() {
		var seg segmentRow
		if err := rows.Scan(&seg.ID, &seg.Idx, &seg.SpeakerID, &seg.StartMs, &seg.EndMs,
			&seg.Confidence, &seg.Text, &seg.VoiceSampleKey, &seg.ClipKey); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (p *SynthesizeProcessor) recordSynthTaskID(ctx context.Context, segmentID uuid.UUID, synthTaskID string) error {
	query := `UPDATE segments SET synth_task_id = $1, updated_at = $2 WHERE id = $3`
	_, err := p.deps.DB.ExecContext(ctx, query, synthTaskID, time.Now(), segmentID)
	return err
}

func (p *SynthesizeProcessor) recordClipKey(ctx context.Context, segmentID uuid.UUID, clipKey string) error {
	query := `UPDATE segments SET clip_key = $1, updated_at = $2 WHERE id = $3`
	_, err := p.deps.DB.ExecContext(ctx, query, clipKey, time.Now(), segmentID)
	return err
}

func (p *SynthesizeProcessor) updateTaskProgress(ctx context.Context, taskID uuid.UUID, status string, progress int) error {
	query := `UPDATE tasks SET status = $1, progress = $2, updated_at = $3 WHERE id = $4`
	_, err := p.deps.DB.ExecContext(ctx, query, status, progress, time.Now(), taskID)
	return err
}
