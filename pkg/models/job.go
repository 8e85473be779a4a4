package models

import "time"

// JobRecord is one processing attempt of an upload event
type JobRecord struct {
	VideoID      string     `json:"video_id" db:"video_id"`
	AttemptID    string     `json:"attempt_id" db:"attempt_id"`
	OwnerID      string     `json:"owner_id" db:"owner_id"`
	InputKey     string     `json:"input_key" db:"input_key"`
	Status       string     `json:"status" db:"status"`
	OutputPrefix string     `json:"output_prefix,omitempty" db:"output_prefix"`
	DurationSec  float64    `json:"duration_sec" db:"duration_sec"`
	ErrorMsg     string     `json:"error_msg,omitempty" db:"error_msg"`
	WorkerID     string     `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// JobStatus constants
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusSkipped    = "skipped"
	JobStatusFailed     = "failed"
)
