package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"revoice/worker/internal/ledger"
	"revoice/worker/internal/synth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBatchNotFound is returned for unknown batch ids.
var ErrBatchNotFound = errors.New("batch not found")

// Request is one synthesis request in a batch. Key identifies the member in
// the join result; it defaults to the request's index.
type Request struct {
	Key       string
	Synthesis synth.SynthesisRequest
}

// Submitter is the slice of the synthesis client the coordinator needs.
type Submitter interface {
	Submit(ctx context.Context, req synth.SynthesisRequest) (string, error)
}

// Watcher starts lifecycle polling for a submitted task.
type Watcher interface {
	Watch(ctx context.Context, taskID string)
}

// Coordinator fans synthesis requests out through the adapter, tracks each
// member in the ledger, and joins a batch once every member is terminal.
type Coordinator struct {
	submitter Submitter
	ledger    *ledger.Ledger
	watcher   Watcher
	logger    *zap.Logger

	mu      sync.Mutex
	batches map[string]map[string]string // batchID -> member key -> task id
}

// New creates a coordinator.
func New(submitter Submitter, lg *ledger.Ledger, watcher Watcher, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		submitter: submitter,
		ledger:    lg,
		watcher:   watcher,
		logger:    logger,
		batches:   make(map[string]map[string]string),
	}
}

// RunBatch submits every request, records each task in the ledger, and
// starts polling them. A member whose submission is rejected still joins
// the batch as an immediately-failed task, so Join reports it alongside the
// rest instead of losing it.
func (c *Coordinator) RunBatch(ctx context.Context, requests []Request) (string, error) {
	if len(requests) == 0 {
		return "", fmt.Errorf("batch must contain at least one request")
	}

	batchID := uuid.New().String()
	members := make(map[string]string, len(requests))

	for i, req := range requests {
		key := req.Key
		if key == "" {
			key = strconv.Itoa(i)
		}
		if _, dup := members[key]; dup {
			return "", fmt.Errorf("duplicate batch member key %q", key)
		}

		taskID, err := c.submitter.Submit(ctx, req.Synthesis)
		if err != nil {
			// Give the rejected member a local identity so the join
			// still accounts for it.
			taskID = uuid.New().String()
			if _, cerr := c.ledger.Create(ctx, taskID); cerr != nil {
				return "", fmt.Errorf("failed to record rejected member %q: %w", key, cerr)
			}
			if _, terr := c.ledger.Transition(ctx, taskID, ledger.StatusFailed, ledger.Fields{
				ErrorCode:    ledger.ErrCodeAdapterError,
				ErrorMessage: err.Error(),
			}); terr != nil {
				return "", fmt.Errorf("failed to fail rejected member %q: %w", key, terr)
			}
			c.logger.Warn("batch member submission rejected",
				zap.String("batch_id", batchID),
				zap.String("member_key", key),
				zap.Error(err),
			)
			members[key] = taskID
			continue
		}

		if _, err := c.ledger.Create(ctx, taskID); err != nil {
			return "", fmt.Errorf("failed to record member %q: %w", key, err)
		}
		c.watcher.Watch(ctx, taskID)
		members[key] = taskID
	}

	c.mu.Lock()
	c.batches[batchID] = members
	c.mu.Unlock()

	c.logger.Info("batch submitted",
		zap.String("batch_id", batchID),
		zap.Int("members", len(members)),
	)
	return batchID, nil
}

// TaskIDs returns the member key to task id mapping for a batch.
func (c *Coordinator) TaskIDs(batchID string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
	}
	out := make(map[string]string, len(members))
	for k, v := range members {
		out[k] = v
	}
	return out, nil
}

// Join blocks until every member of the batch is terminal and returns the
// final task snapshots keyed by member key. A member that failed is
// reported in the map, not as a batch error; a member deleted while the
// join is pending fails the whole join with ErrTaskCancelled.
func (c *Coordinator) Join(ctx context.Context, batchID string) (map[string]ledger.Task, error) {
	members, err := c.TaskIDs(batchID)
	if err != nil {
		return nil, err
	}

	result := make(map[string]ledger.Task, len(members))
	for key, taskID := range members {
		task, err := c.ledger.AwaitTerminal(ctx, taskID)
		if err != nil {
			if errors.Is(err, ledger.ErrTaskCancelled) || errors.Is(err, ledger.ErrNotFound) {
				return nil, fmt.Errorf("batch %s member %q: %w", batchID, key, ledger.ErrTaskCancelled)
			}
			return nil, fmt.Errorf("batch %s member %q: %w", batchID, key, err)
		}
		result[key] = task
	}

	c.mu.Lock()
	delete(c.batches, batchID)
	c.mu.Unlock()

	return result, nil
}
