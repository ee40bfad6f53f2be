package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence backend for one named queue. The production
// implementation lives in redis_store.go; memstore.go backs the tests.
type Store interface {
	// Put writes (or overwrites) the job record and indexes it for
	// delivery when its state is delayed/waiting.
	Put(ctx context.Context, j *Job) error
	// Get returns nil, nil when the job is unknown (or aged out).
	Get(ctx context.Context, id string) (*Job, error)
	// Claim atomically moves up to limit due jobs to active and returns
	// them. A job is handed to exactly one claimer.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// Requeue puts an active job back on the delayed index for a retry.
	Requeue(ctx context.Context, j *Job, runAt time.Time) error
	// Complete finalizes the job; the record is retained for a grace
	// period so status queries keep working after execution.
	Complete(ctx context.Context, j *Job) error
	// Fail dead-letters the job. Failed jobs are never dropped silently.
	Fail(ctx context.Context, j *Job, reason string) error
	// Cancel removes the job iff it is still delayed/waiting. Unknown or
	// already-running jobs return false, nil.
	Cancel(ctx context.Context, id string) (bool, error)
	// Reclaim finds jobs claimed before the cutoff whose claimer never
	// reported back (a crashed worker) and puts them back on the due
	// index, dead-lettering those with no attempts left. Returns the
	// re-queued jobs.
	Reclaim(ctx context.Context, before time.Time) ([]*Job, error)
	// ListFailed returns the dead-letter set for operator inspection.
	ListFailed(ctx context.Context) ([]*Job, error)
}

// reclaimReason marks jobs dead-lettered because every attempt was lost
// to a worker crash rather than a handler error.
const reclaimReason = "worker lost before completion"

// Queue is a persistent, at-least-once delayed-execution primitive.
type Queue struct {
	Name  string
	Store Store
}

func New(name string, store Store) *Queue {
	return &Queue{Name: name, Store: store}
}

// Enqueue stores a job of jobType to run at runAt with the given retry
// budget and returns its id. A runAt in the past enqueues the job as
// waiting, due immediately.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, runAt time.Time, attempts int) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if attempts < 1 {
		attempts = 1
	}
	now := time.Now().UTC()
	state := StateDelayed
	if !runAt.After(now) {
		runAt = now
		state = StateWaiting
	}
	j := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Queue:     q.Name,
		Payload:   body,
		RunAt:     runAt.UTC(),
		Attempts:  attempts,
		State:     state,
		CreatedAt: now,
	}
	if err := q.Store.Put(ctx, j); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return j.ID, nil
}

// Cancel removes a not-yet-running job. Safe to call on unknown or
// already-executed ids; those report false.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	return q.Store.Cancel(ctx, id)
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.Store.Get(ctx, id)
}

func (q *Queue) ListFailed(ctx context.Context) ([]*Job, error) {
	return q.Store.ListFailed(ctx)
}
