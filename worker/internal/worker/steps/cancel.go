package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"revoice/worker/internal/ledger"
	"revoice/worker/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CancelProcessor retires a task's synthesis members: ledger entries are
// deleted so pending batch joins fail fast, and the remote service is asked
// to drop its copies best-effort.
type CancelProcessor struct {
	deps Deps
}

func NewCancelProcessor(deps Deps) *CancelProcessor {
	return &CancelProcessor{deps: deps}
}

func (p *CancelProcessor) Name() string {
	return "cancel"
}

func (p *CancelProcessor) Process(ctx context.Context, taskID uuid.UUID, msg models.TaskMessage) error {
	payloadBytes, _ := json.Marshal(msg.Payload)
	var payload models.CancelPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	synthIDs := payload.SynthTaskIDs
	if len(synthIDs) == 0 {
		ids, err := p.loadSynthTaskIDs(ctx, taskID)
		if err != nil {
			return err
		}
		synthIDs = ids
	}

	for _, synthID := range synthIDs {
		if err := p.deps.Ledger.Delete(ctx, synthID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			p.deps.Logger.Warn("Failed to delete ledger entry",
				zap.String("synth_task_id", synthID), zap.Error(err))
		}
		if err := p.deps.SynthClient.Remove(ctx, synthID); err != nil {
			p.deps.Logger.Debug("Failed to remove remote synthesis task",
				zap.String("synth_task_id", synthID), zap.Error(err))
		}
	}

	if err := p.markCancelled(ctx, taskID); err != nil {
		return fmt.Errorf("failed to mark task cancelled: %w", err)
	}

	p.deps.Logger.Info("Task cancelled",
		zap.String("task_id", taskID.String()),
		zap.Int("synthesis_tasks", len(synthIDs)),
	)
	return nil
}

func (p *CancelProcessor) loadSynthTaskIDs(ctx context.Context, taskID uuid.UUID) ([]string, error) {
	query := `SELECT synth_task_id FROM segments WHERE task_id = $1 AND synth_task_id IS NOT NULL`
	rows, err := p.deps.DB.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load synthesis task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan synthesis task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *CancelProcessor) markCancelled(ctx context.Context, taskID uuid.UUID) error {
	query := `UPDATE tasks SET status = 'cancelled', updated_at = $1 WHERE id = $2 AND status NOT IN ('completed', 'failed')`
	_, err := p.deps.DB.ExecContext(ctx, query, time.Now(), taskID)
	return err
}
