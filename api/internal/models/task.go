package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusCreated      TaskStatus = "created"
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusSynthesizing TaskStatus = "synthesizing"
	TaskStatusStitching    TaskStatus = "stitching"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// Task represents one voice replacement task over an original audio track.
type Task struct {
	ID             uuid.UUID  `json:"task_id" db:"id"`
	Status         TaskStatus `json:"status" db:"status"`
	Progress       int        `json:"progress" db:"progress"`
	Error          *string    `json:"error,omitempty" db:"error"`
	SourceAudioKey string     `json:"-" db:"source_audio_key"`
	OutputAudioKey *string    `json:"-" db:"output_audio_key"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// TaskStepStatus represents the status of a task step.
type TaskStepStatus string

const (
	TaskStepStatusPending   TaskStepStatus = "pending"
	TaskStepStatusRunning   TaskStepStatus = "running"
	TaskStepStatusSucceeded TaskStepStatus = "succeeded"
	TaskStepStatusFailed    TaskStepStatus = "failed"
)

// TaskStep represents a step in a task.
type TaskStep struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	TaskID      uuid.UUID      `json:"task_id" db:"task_id"`
	Step        string         `json:"step" db:"step"`
	Status      TaskStepStatus `json:"status" db:"status"`
	Attempt     int            `json:"attempt" db:"attempt"`
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
	Error       *string        `json:"error,omitempty" db:"error"`
	MetricsJSON *string        `json:"metrics_json,omitempty" db:"metrics_json"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// Segment represents one diarized speaker segment of a task.
type Segment struct {
	ID             uuid.UUID `json:"id" db:"id"`
	TaskID         uuid.UUID `json:"task_id" db:"task_id"`
	Idx            int       `json:"idx" db:"idx"`
	SpeakerID      string    `json:"speaker_id" db:"speaker_id"`
	StartMs        int       `json:"start_ms" db:"start_ms"`
	EndMs          int       `json:"end_ms" db:"end_ms"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	Text           *string   `json:"text,omitempty" db:"text"`
	VoiceSampleKey *string   `json:"voice_sample_key,omitempty" db:"voice_sample_key"`
	SynthTaskID    *string   `json:"synth_task_id,omitempty" db:"synth_task_id"`
	ClipKey        *string   `json:"clip_key,omitempty" db:"clip_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// SynthesisTask is the persisted snapshot of one synthesis task, written
// through by the worker's ledger.
type SynthesisTask struct {
	ID        string    `json:"task_id" db:"id"`
	Status    string    `json:"status" db:"status"`
	Progress  int       `json:"progress" db:"progress"`
	OutputRef *string   `json:"output_ref,omitempty" db:"output_ref"`
	ErrorCode *string   `json:"error_code,omitempty" db:"error_code"`
	Error     *string   `json:"error,omitempty" db:"error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
