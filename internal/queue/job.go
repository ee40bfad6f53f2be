package queue

import (
	"encoding/json"
	"time"
)

type State string

const (
	// StateDelayed: scheduled for a future run_at, still cancellable.
	StateDelayed State = "delayed"
	// StateWaiting: due immediately (zero delay), cancellable until claimed.
	StateWaiting State = "waiting"
	// StateActive: claimed by a worker, executing. Cannot be cancelled.
	StateActive    State = "active"
	StateCompleted State = "completed"
	// StateFailed: retries exhausted (or job type unknown). Dead-lettered,
	// kept visible for operators.
	StateFailed State = "failed"
)

// Job is a unit of delayed work. Delivery is at-least-once: a handler may
// see the same logical job twice, so handlers must be idempotent.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	RunAt        time.Time       `json:"run_at"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	State        State           `json:"state"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedOn  *time.Time      `json:"processed_on,omitempty"`
	FinishedOn   *time.Time      `json:"finished_on,omitempty"`
}

// Cancellable reports whether the job has not yet been picked up by a worker.
func (j *Job) Cancellable() bool {
	return j.State == StateDelayed || j.State == StateWaiting
}
