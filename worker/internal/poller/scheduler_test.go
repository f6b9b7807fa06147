package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"revoice/worker/internal/ledger"
	"revoice/worker/internal/synth"

	"go.uber.org/zap"
)

// scriptedClient returns its responses in order, repeating the last one.
type scriptedClient struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	status *synth.TaskStatus
	err    error
}

func (c *scriptedClient) Status(ctx context.Context, taskID string) (*synth.TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	r := c.responses[idx]
	return r.status, r.err
}

func testOptions() Options {
	return Options{
		Interval:           5 * time.Millisecond,
		Timeout:            time.Second,
		MaxTransientErrors: 3,
	}
}

func mustCreate(t *testing.T, lg *ledger.Ledger, taskID string) {
	t.Helper()
	if _, err := lg.Create(context.Background(), taskID); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
}

func TestWatchCompletesTask(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	mustCreate(t, lg, "t1")

	client := &scriptedClient{responses: []response{
		{status: &synth.TaskStatus{Status: "pending"}},
		{status: &synth.TaskStatus{Status: "processing", Progress: 50}},
		{status: &synth.TaskStatus{Status: "completed", Progress: 100, OutputPath: "output/t1.wav"}},
	}}

	s := New(client, lg, testOptions(), zap.NewNop())
	s.Watch(context.Background(), "t1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := lg.AwaitTerminal(ctx, "t1")
	if err != nil {
		t.Fatalf("AwaitTerminal returned error: %v", err)
	}
	if task.Status != ledger.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.OutputRef != "output/t1.wav" {
		t.Errorf("expected output ref recorded, got %q", task.OutputRef)
	}
	if task.Progress != 100 {
		t.Errorf("expected progress 100, got %d", task.Progress)
	}
	s.Wait()
}

func TestWatchRecordsServiceFailure(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	mustCreate(t, lg, "t1")

	client := &scriptedClient{responses: []response{
		{status: &synth.TaskStatus{Status: "processing", Progress: 10}},
		{status: &synth.TaskStatus{Status: "failed", Error: "vocoder crashed"}},
	}}

	s := New(client, lg, testOptions(), zap.NewNop())
	s.Watch(context.Background(), "t1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := lg.AwaitTerminal(ctx, "t1")
	if err != nil {
		t.Fatalf("AwaitTerminal returned error: %v", err)
	}
	if task.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.ErrorCode != ledger.ErrCodeSynthesisFailed {
		t.Errorf("expected error code %s, got %s", ledger.ErrCodeSynthesisFailed, task.ErrorCode)
	}
	if task.ErrorMessage != "vocoder crashed" {
		t.Errorf("expected service error preserved, got %q", task.ErrorMessage)
	}
	s.Wait()
}

func TestWatchTimesOut(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	mustCreate(t, lg, "t1")

	client := &scriptedClient{responses: []response{
		{status: &synth.TaskStatus{Status: "pending"}},
	}}

	opts := testOptions()
	opts.Timeout = 30 * time.Millisecond
	s := New(client, lg, opts, zap.NewNop())
	s.Watch(context.Background(), "t1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := lg.AwaitTerminal(ctx, "t1")
	if err != nil {
		t.Fatalf("AwaitTerminal returned error: %v", err)
	}
	if task.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.ErrorCode != ledger.ErrCodeTimedOut {
		t.Errorf("expected error code %s, got %s", ledger.ErrCodeTimedOut, task.ErrorCode)
	}
	s.Wait()
}

func TestWatchSurvivesTransientErrors(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	mustCreate(t, lg, "t1")

	client := &scriptedClient{responses: []response{
		{err: synth.ErrUnavailable},
		{err: synth.ErrUnavailable},
		{status: &synth.TaskStatus{Status: "completed", OutputPath: "output/t1.wav"}},
	}}

	s := New(client, lg, testOptions(), zap.NewNop())
	s.Watch(context.Background(), "t1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := lg.AwaitTerminal(ctx, "t1")
	if err != nil {
		t.Fatalf("AwaitTerminal returned error: %v", err)
	}
	if task.Status != ledger.StatusCompleted {
		t.Errorf("expected completed after transient errors, got %s", task.Status)
	}
	s.Wait()
}

func TestWatchGivesUpAfterRepeatedErrors(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	mustCreate(t, lg, "t1")

	client := &scriptedClient{responses: []response{
		{err: synth.ErrUnavailable},
	}}

	s := New(client, lg, testOptions(), zap.NewNop())
	s.Watch(context.Background(), "t1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := lg.AwaitTerminal(ctx, "t1")
	if err != nil {
		t.Fatalf("AwaitTerminal returned error: %v", err)
	}
	if task.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.ErrorCode != ledger.ErrCodeAdapterError {
		t.Errorf("expected error code %s, got %s", ledger.ErrCodeAdapterError, task.ErrorCode)
	}
	s.Wait()
}

func TestWatchStopsWhenTaskDeleted(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	mustCreate(t, lg, "t1")

	client := &scriptedClient{responses: []response{
		{status: &synth.TaskStatus{Status: "processing", Progress: 10}},
	}}

	s := New(client, lg, testOptions(), zap.NewNop())
	s.Watch(context.Background(), "t1")

	time.Sleep(20 * time.Millisecond)
	if err := lg.Delete(context.Background(), "t1"); err != nil {
		t.Fatalf("failed to delete task: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll goroutine did not stop after task deletion")
	}
}
