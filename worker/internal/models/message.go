package models

import "revoice/shared/timeline"

// TaskMessage represents a task message from RabbitMQ.
type TaskMessage struct {
	TaskID    string                 `json:"task_id"`
	Step      string                 `json:"step"`
	Attempt   int                    `json:"attempt"`
	TraceID   string                 `json:"trace_id"`
	CreatedAt string                 `json:"created_at"`
	Payload   map[string]interface{} `json:"payload"`
}

// SynthesizePayload represents the payload for the synthesize step.
type SynthesizePayload struct {
	TaskID  string `json:"task_id"`
	Quality string `json:"quality,omitempty"`
}

// StitchPayload represents the payload for the stitch step.
type StitchPayload struct {
	TaskID       string                  `json:"task_id"`
	OriginalKey  string                  `json:"original_key"`
	Segments     []timeline.Segment      `json:"segments"`
	Replacements timeline.ReplacementMap `json:"replacements"`
	OutputKey    string                  `json:"output_key"`
}

// CancelPayload represents the payload for the cancel step.
type CancelPayload struct {
	TaskID       string   `json:"task_id"`
	SynthTaskIDs []string `json:"synth_task_ids"`
}
