package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLedger() *Ledger {
	return New(zap.NewNop())
}

func TestCreateAndGet(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	task, err := l.Create(ctx, "ext-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	got, err := l.Get("ext-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != "ext-1" {
		t.Fatalf("unexpected task id %q", got.ID)
	}

	if _, err := l.Create(ctx, "ext-1"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetUnknownTask(t *testing.T) {
	l := newTestLedger()
	if _, err := l.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionRejectsTerminalMoves(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.Create(ctx, "ext-1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := l.Transition(ctx, "ext-1", StatusProcessing, Fields{Progress: 40}); err != nil {
		t.Fatalf("transition to processing failed: %v", err)
	}
	task, err := l.Transition(ctx, "ext-1", StatusCompleted, Fields{OutputRef: "out.wav"})
	if err != nil {
		t.Fatalf("transition to completed failed: %v", err)
	}
	if task.Progress != 100 {
		t.Fatalf("completed task should report full progress, got %d", task.Progress)
	}

	if _, err := l.Transition(ctx, "ext-1", StatusProcessing, Fields{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := l.Transition(ctx, "ext-1", StatusFailed, Fields{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from completed to failed, got %v", err)
	}
}

func TestTransitionUnknownTask(t *testing.T) {
	l := newTestLedger()
	if _, err := l.Transition(context.Background(), "missing", StatusProcessing, Fields{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAwaitTerminalUnblocksOnCompletion(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.Create(ctx, "ext-1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result := make(chan Task, 1)
	errs := make(chan error, 1)
	go func() {
		task, err := l.AwaitTerminal(ctx, "ext-1")
		if err != nil {
			errs <- err
			return
		}
		result <- task
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := l.Transition(ctx, "ext-1", StatusCompleted, Fields{OutputRef: "out.wav"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	select {
	case task := <-result:
		if task.Status != StatusCompleted || task.OutputRef != "out.wav" {
			t.Fatalf("unexpected awaited task: %+v", task)
		}
	case err := <-errs:
		t.Fatalf("await failed: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("await did not unblock")
	}
}

func TestAwaitTerminalFailsOnDelete(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.Create(ctx, "ext-1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := l.AwaitTerminal(ctx, "ext-1")
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := l.Delete(ctx, "ext-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrTaskCancelled) {
			t.Fatalf("expected ErrTaskCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("await did not fail after delete")
	}
}

func TestAwaitTerminalAfterTerminalReturnsImmediately(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.Create(ctx, "ext-1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := l.Transition(ctx, "ext-1", StatusFailed, Fields{ErrorCode: ErrCodeTimedOut, ErrorMessage: "deadline exceeded"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	task, err := l.AwaitTerminal(ctx, "ext-1")
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if task.ErrorCode != ErrCodeTimedOut {
		t.Fatalf("expected timed_out error code, got %q", task.ErrorCode)
	}
}

func TestDeleteUnknownTask(t *testing.T) {
	l := newTestLedger()
	if err := l.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
