// Package ledger tracks voice-synthesis task records and mediates their state
// transitions. It is the only mutable shared state in the pipeline; all
// mutations go through Transition and Delete, which are atomic per task.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a synthesis task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Error codes carried by failed tasks.
const (
	ErrCodeSynthesisFailed = "synthesis_failed"
	ErrCodeTimedOut        = "timed_out"
	ErrCodeAdapterError    = "adapter_error"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned for transitions out of a terminal state.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrAlreadyExists is returned when creating a task id twice.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrTaskCancelled is returned to waiters when the awaited task is deleted.
	ErrTaskCancelled = errors.New("task cancelled")
)

// Task is a synthesis task record. The id is assigned by the external
// synthesis service; the ledger records it rather than minting its own.
type Task struct {
	ID           string    `json:"task_id"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progress"`
	OutputRef    string    `json:"output_ref,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fields carries the mutable attributes written by a transition.
type Fields struct {
	Progress     int
	OutputRef    string
	ErrorCode    string
	ErrorMessage string
}

// Store persists task snapshots so other services can observe synthesis
// progress. Persistence is write-through and best-effort: a store failure is
// logged, never blocks a transition.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, taskID string) error
}

type record struct {
	task Task
	// done is closed when the task reaches a terminal state; cancelled is
	// closed when the task is deleted while non-terminal.
	done      chan struct{}
	cancelled chan struct{}
}

// Ledger is an in-memory task ledger with an optional write-through store.
type Ledger struct {
	mu     sync.Mutex
	tasks  map[string]*record
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithStore attaches a write-through snapshot store.
func WithStore(store Store) Option {
	return func(l *Ledger) {
		l.store = store
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates an empty ledger.
func New(logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		tasks:  make(map[string]*record),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create registers a new pending task under the externally assigned id.
func (l *Ledger) Create(ctx context.Context, taskID string) (Task, error) {
	if taskID == "" {
		return Task{}, fmt.Errorf("create: empty task id")
	}

	l.mu.Lock()
	if _, ok := l.tasks[taskID]; ok {
		l.mu.Unlock()
		return Task{}, fmt.Errorf("create %s: %w", taskID, ErrAlreadyExists)
	}
	now := l.now()
	rec := &record{
		task: Task{
			ID:        taskID,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	l.tasks[taskID] = rec
	task := rec.task
	l.mu.Unlock()

	l.persist(ctx, task)
	return task, nil
}

// Get returns the current snapshot of a task.
func (l *Ledger) Get(taskID string) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("get %s: %w", taskID, ErrNotFound)
	}
	return rec.task, nil
}

// List returns snapshots of all tracked tasks.
func (l *Ledger) List() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	tasks := make([]Task, 0, len(l.tasks))
	for _, rec := range l.tasks {
		tasks = append(tasks, rec.task)
	}
	return tasks
}

// Transition moves a task to a new status. Moves out of a terminal state are
// rejected with ErrInvalidTransition. Transitions into Completed or Failed
// wake all AwaitTerminal callers for the task.
func (l *Ledger) Transition(ctx context.Context, taskID string, status Status, fields Fields) (Task, error) {
	l.mu.Lock()
	rec, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return Task{}, fmt.Errorf("transition %s: %w", taskID, ErrNotFound)
	}
	if rec.task.Status.Terminal() {
		from := rec.task.Status
		l.mu.Unlock()
		return Task{}, fmt.Errorf("transition %s from %s to %s: %w", taskID, from, status, ErrInvalidTransition)
	}

	rec.task.Status = status
	rec.task.Progress = fields.Progress
	rec.task.UpdatedAt = l.now()
	if fields.OutputRef != "" {
		rec.task.OutputRef = fields.OutputRef
	}
	rec.task.ErrorCode = fields.ErrorCode
	rec.task.ErrorMessage = fields.ErrorMessage
	if status == StatusCompleted {
		rec.task.Progress = 100
	}
	if status.Terminal() {
		close(rec.done)
	}
	task := rec.task
	l.mu.Unlock()

	l.persist(ctx, task)
	return task, nil
}

// Delete removes a task and releases its resources. Waiters blocked on the
// task fail with ErrTaskCancelled. Deleting an unknown id is a NotFound error.
func (l *Ledger) Delete(ctx context.Context, taskID string) error {
	l.mu.Lock()
	rec, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("delete %s: %w", taskID, ErrNotFound)
	}
	delete(l.tasks, taskID)
	if !rec.task.Status.Terminal() {
		close(rec.cancelled)
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.DeleteTask(ctx, taskID); err != nil {
			l.logger.Warn("Failed to delete task snapshot", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

// AwaitTerminal blocks until the task reaches Completed or Failed, the task
// is deleted (ErrTaskCancelled), or the context ends.
func (l *Ledger) AwaitTerminal(ctx context.Context, taskID string) (Task, error) {
	l.mu.Lock()
	rec, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return Task{}, fmt.Errorf("await %s: %w", taskID, ErrNotFound)
	}
	done, cancelled := rec.done, rec.cancelled
	l.mu.Unlock()

	select {
	case <-done:
		// Read through the record, not the map: the task may have been
		// deleted after reaching its terminal state.
		l.mu.Lock()
		task := rec.task
		l.mu.Unlock()
		return task, nil
	case <-cancelled:
		return Task{}, fmt.Errorf("await %s: %w", taskID, ErrTaskCancelled)
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (l *Ledger) persist(ctx context.Context, task Task) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveTask(ctx, task); err != nil {
		l.logger.Warn("Failed to save task snapshot",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
			zap.Error(err),
		)
	}
}
