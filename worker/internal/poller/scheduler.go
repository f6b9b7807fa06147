package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"revoice/worker/internal/ledger"
	"revoice/worker/internal/synth"

	"go.uber.org/zap"
)

// StatusClient is the slice of the synthesis client the scheduler needs.
type StatusClient interface {
	Status(ctx context.Context, taskID string) (*synth.TaskStatus, error)
}

// Options tunes the polling loop. Zero values fall back to defaults.
type Options struct {
	// Interval between status queries. Defaults to 2s.
	Interval time.Duration
	// Timeout is the total polling deadline per task. Defaults to 5m.
	Timeout time.Duration
	// MaxTransientErrors bounds consecutive failed status queries before
	// the task is marked failed. Defaults to 5.
	MaxTransientErrors int
}

// Scheduler drives one polling goroutine per watched synthesis task and
// reflects observed progress into the ledger. Terminal outcomes stop the
// loop; so does the task disappearing from the ledger.
type Scheduler struct {
	client StatusClient
	ledger *ledger.Ledger
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(client StatusClient, lg *ledger.Ledger, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxTransientErrors <= 0 {
		opts.MaxTransientErrors = 5
	}
	return &Scheduler{
		client: client,
		ledger: lg,
		opts:   opts,
		logger: logger,
	}
}

// Watch starts polling the given task in a new goroutine. The task must
// already exist in the ledger.
func (s *Scheduler) Watch(ctx context.Context, taskID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poll(ctx, taskID)
	}()
}

// Wait blocks until all watch goroutines have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) poll(ctx context.Context, taskID string) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	deadlineCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	transientErrors := 0

	for {
		select {
		case <-deadlineCtx.Done():
			if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				s.fail(ctx, taskID, ledger.ErrCodeTimedOut,
					fmt.Sprintf("no terminal state after %v", s.opts.Timeout))
			}
			return
		case <-ticker.C:
			status, err := s.client.Status(deadlineCtx, taskID)
			if err != nil {
				if errors.Is(err, synth.ErrUnavailable) {
					transientErrors++
					s.logger.Warn("synthesis status query failed",
						zap.String("synth_task_id", taskID),
						zap.Int("consecutive_failures", transientErrors),
						zap.Error(err),
					)
					if transientErrors >= s.opts.MaxTransientErrors {
						s.fail(ctx, taskID, ledger.ErrCodeAdapterError,
							fmt.Sprintf("%d consecutive status failures: %v", transientErrors, err))
						return
					}
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				// Unknown task or malformed response: no retry will fix it.
				s.fail(ctx, taskID, ledger.ErrCodeAdapterError, err.Error())
				return
			}
			transientErrors = 0

			if done := s.apply(ctx, taskID, status); done {
				return
			}
		}
	}
}

// apply reflects one observed status into the ledger. It reports whether
// polling should stop.
func (s *Scheduler) apply(ctx context.Context, taskID string, status *synth.TaskStatus) bool {
	switch status.Status {
	case "pending":
		return false
	case "processing":
		_, err := s.ledger.Transition(ctx, taskID, ledger.StatusProcessing, ledger.Fields{
			Progress: status.Progress,
		})
		return s.stopOnLedgerError(taskID, err)
	case "completed":
		_, err := s.ledger.Transition(ctx, taskID, ledger.StatusCompleted, ledger.Fields{
			OutputRef: status.OutputPath,
		})
		if err != nil && !s.ledgerGone(err) {
			s.logger.Warn("failed to record completion",
				zap.String("synth_task_id", taskID), zap.Error(err))
		}
		return true
	case "failed":
		msg := status.Error
		if msg == "" {
			msg = "synthesis failed"
		}
		s.fail(ctx, taskID, ledger.ErrCodeSynthesisFailed, msg)
		return true
	default:
		s.fail(ctx, taskID, ledger.ErrCodeAdapterError,
			fmt.Sprintf("unknown status %q", status.Status))
		return true
	}
}

func (s *Scheduler) fail(ctx context.Context, taskID, code, message string) {
	_, err := s.ledger.Transition(ctx, taskID, ledger.StatusFailed, ledger.Fields{
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if err != nil && !s.ledgerGone(err) {
		s.logger.Warn("failed to record failure",
			zap.String("synth_task_id", taskID), zap.Error(err))
	}
}

// stopOnLedgerError stops polling when the task was deleted out from
// under us or already reached a terminal state through another path.
func (s *Scheduler) stopOnLedgerError(taskID string, err error) bool {
	if err == nil {
		return false
	}
	if s.ledgerGone(err) {
		s.logger.Debug("stopping poll for retired task", zap.String("synth_task_id", taskID))
		return true
	}
	s.logger.Warn("ledger transition failed",
		zap.String("synth_task_id", taskID), zap.Error(err))
	return false
}

func (s *Scheduler) ledgerGone(err error) bool {
	return errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrInvalidTransition)
}
