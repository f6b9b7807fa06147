package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"revoice/worker/internal/ledger"
	"revoice/worker/internal/synth"

	"go.uber.org/zap"
)

// fakeSubmitter assigns sequential task ids and can reject specific texts.
type fakeSubmitter struct {
	mu     sync.Mutex
	next   int
	reject map[string]error
	ids    []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, req synth.SynthesisRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reject[req.Text]; ok {
		return "", err
	}
	f.next++
	id := fmt.Sprintf("synth-%d", f.next)
	f.ids = append(f.ids, id)
	return id, nil
}

// fakeWatcher records watched ids and optionally resolves them.
type fakeWatcher struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	resolve func(lg *ledger.Ledger, taskID string)
	watched []string
}

func (f *fakeWatcher) Watch(ctx context.Context, taskID string) {
	f.mu.Lock()
	f.watched = append(f.watched, taskID)
	f.mu.Unlock()
	if f.resolve != nil {
		go f.resolve(f.ledger, taskID)
	}
}

func completeImmediately(lg *ledger.Ledger, taskID string) {
	lg.Transition(context.Background(), taskID, ledger.StatusCompleted, ledger.Fields{
		OutputRef: "output/" + taskID + ".wav",
	})
}

func TestRunBatchAndJoin(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	watcher := &fakeWatcher{ledger: lg, resolve: completeImmediately}
	c := New(&fakeSubmitter{}, lg, watcher, zap.NewNop())

	batchID, err := c.RunBatch(context.Background(), []Request{
		{Key: "seg-0", Synthesis: synth.SynthesisRequest{Text: "one"}},
		{Key: "seg-1", Synthesis: synth.SynthesisRequest{Text: "two"}},
	})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tasks, err := c.Join(ctx, batchID)
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 members, got %d", len(tasks))
	}
	for key, task := range tasks {
		if task.Status != ledger.StatusCompleted {
			t.Errorf("member %s: expected completed, got %s", key, task.Status)
		}
		if task.OutputRef == "" {
			t.Errorf("member %s: missing output ref", key)
		}
	}
	if len(watcher.watched) != 2 {
		t.Errorf("expected 2 watched tasks, got %d", len(watcher.watched))
	}
}

func TestRunBatchDefaultsKeysToIndex(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	watcher := &fakeWatcher{ledger: lg, resolve: completeImmediately}
	c := New(&fakeSubmitter{}, lg, watcher, zap.NewNop())

	batchID, err := c.RunBatch(context.Background(), []Request{
		{Synthesis: synth.SynthesisRequest{Text: "one"}},
		{Synthesis: synth.SynthesisRequest{Text: "two"}},
	})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}

	ids, err := c.TaskIDs(batchID)
	if err != nil {
		t.Fatalf("TaskIDs returned error: %v", err)
	}
	for _, key := range []string{"0", "1"} {
		if _, ok := ids[key]; !ok {
			t.Errorf("expected member key %q, got %v", key, ids)
		}
	}
}

func TestJoinReportsMemberFailureInMap(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	watcher := &fakeWatcher{ledger: lg, resolve: func(l *ledger.Ledger, taskID string) {
		l.Transition(context.Background(), taskID, ledger.StatusFailed, ledger.Fields{
			ErrorCode:    ledger.ErrCodeSynthesisFailed,
			ErrorMessage: "bad voice sample",
		})
	}}
	c := New(&fakeSubmitter{}, lg, watcher, zap.NewNop())

	batchID, err := c.RunBatch(context.Background(), []Request{
		{Key: "seg-0", Synthesis: synth.SynthesisRequest{Text: "one"}},
	})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tasks, err := c.Join(ctx, batchID)
	if err != nil {
		t.Fatalf("member failure must not fail the join, got %v", err)
	}
	task := tasks["seg-0"]
	if task.Status != ledger.StatusFailed {
		t.Errorf("expected failed member, got %s", task.Status)
	}
	if task.ErrorCode != ledger.ErrCodeSynthesisFailed {
		t.Errorf("expected error code %s, got %s", ledger.ErrCodeSynthesisFailed, task.ErrorCode)
	}
}

func TestRejectedSubmissionJoinsAsFailed(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	watcher := &fakeWatcher{ledger: lg, resolve: completeImmediately}
	submitter := &fakeSubmitter{reject: map[string]error{
		"bad": fmt.Errorf("text too long: %w", synth.ErrInvalidRequest),
	}}
	c := New(submitter, lg, watcher, zap.NewNop())

	batchID, err := c.RunBatch(context.Background(), []Request{
		{Key: "good", Synthesis: synth.SynthesisRequest{Text: "one"}},
		{Key: "bad", Synthesis: synth.SynthesisRequest{Text: "bad"}},
	})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tasks, err := c.Join(ctx, batchID)
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if tasks["good"].Status != ledger.StatusCompleted {
		t.Errorf("expected good member completed, got %s", tasks["good"].Status)
	}
	if tasks["bad"].Status != ledger.StatusFailed {
		t.Errorf("expected bad member failed, got %s", tasks["bad"].Status)
	}
	if tasks["bad"].ErrorCode != ledger.ErrCodeAdapterError {
		t.Errorf("expected adapter error code, got %s", tasks["bad"].ErrorCode)
	}
}

func TestJoinFailsWhenMemberDeleted(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	watcher := &fakeWatcher{ledger: lg}
	c := New(&fakeSubmitter{}, lg, watcher, zap.NewNop())

	batchID, err := c.RunBatch(context.Background(), []Request{
		{Key: "seg-0", Synthesis: synth.SynthesisRequest{Text: "one"}},
	})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}

	ids, _ := c.TaskIDs(batchID)
	joinErr := make(chan error, 1)
	go func() {
		_, err := c.Join(context.Background(), batchID)
		joinErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := lg.Delete(context.Background(), ids["seg-0"]); err != nil {
		t.Fatalf("failed to delete member: %v", err)
	}

	select {
	case err := <-joinErr:
		if !errors.Is(err, ledger.ErrTaskCancelled) {
			t.Fatalf("expected ErrTaskCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("join did not return after member deletion")
	}
}

func TestJoinUnknownBatch(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	c := New(&fakeSubmitter{}, lg, &fakeWatcher{ledger: lg}, zap.NewNop())

	if _, err := c.Join(context.Background(), "nope"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestRunBatchRejectsEmpty(t *testing.T) {
	lg := ledger.New(zap.NewNop())
	c := New(&fakeSubmitter{}, lg, &fakeWatcher{ledger: lg}, zap.NewNop())

	if _, err := c.RunBatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}
