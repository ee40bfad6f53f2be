package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, q *Queue, handlers map[string]Handler) context.CancelFunc {
	t.Helper()
	return runWorker(t, &Worker{
		Queue:       q,
		Handlers:    handlers,
		Backoff:     Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Poll:        5 * time.Millisecond,
		Concurrency: 2,
	})
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel
}

func waitState(t *testing.T, q *Queue, id string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := q.Get(context.Background(), id)
		require.NoError(t, err)
		if j != nil && j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", id, want)
	return nil
}

func TestWorkerCompletesJob(t *testing.T) {
	ctx := context.Background()
	q := New("cart", NewMemStore())

	var ran atomic.Int32
	startWorker(t, q, map[string]Handler{
		"cart:expire": func(ctx context.Context, j *Job) error {
			ran.Add(1)
			return nil
		},
	})

	id, err := q.Enqueue(ctx, "cart:expire", testPayload{Name: "ok"}, time.Now(), 3)
	require.NoError(t, err)

	j := waitState(t, q, id, StateCompleted)
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, 1, j.AttemptsMade)
	assert.NotNil(t, j.FinishedOn)
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	q := New("cart", NewMemStore())

	var calls atomic.Int32
	startWorker(t, q, map[string]Handler{
		"cart:expire": func(ctx context.Context, j *Job) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})

	id, err := q.Enqueue(ctx, "cart:expire", testPayload{}, time.Now(), 5)
	require.NoError(t, err)

	j := waitState(t, q, id, StateCompleted)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, j.AttemptsMade)
}

func TestWorkerDeadLettersAfterAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	q := New("cart", NewMemStore())

	var calls atomic.Int32
	startWorker(t, q, map[string]Handler{
		"cart:expire": func(ctx context.Context, j *Job) error {
			calls.Add(1)
			return errors.New("permanent")
		},
	})

	id, err := q.Enqueue(ctx, "cart:expire", testPayload{}, time.Now(), 2)
	require.NoError(t, err)

	j := waitState(t, q, id, StateFailed)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "permanent", j.LastError)

	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
}

func TestWorkerDropsUnknownJobType(t *testing.T) {
	ctx := context.Background()
	q := New("cart", NewMemStore())

	var ran atomic.Int32
	startWorker(t, q, map[string]Handler{
		"cart:expire": func(ctx context.Context, j *Job) error {
			ran.Add(1)
			return nil
		},
	})

	// configuration defect: no handler, must fail immediately, no retry
	id, err := q.Enqueue(ctx, "cart:unknown", testPayload{}, time.Now(), 5)
	require.NoError(t, err)

	j := waitState(t, q, id, StateFailed)
	assert.Equal(t, 1, j.AttemptsMade)
	assert.Contains(t, j.LastError, "unknown job type")
	assert.Equal(t, int32(0), ran.Load())
}

func TestWorkerRedeliversJobAbandonedByDeadWorker(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	q := New("cart", store)

	id, err := q.Enqueue(ctx, "cart:expire", testPayload{}, time.Now().Add(-time.Second), 3)
	require.NoError(t, err)

	// a previous worker claimed the job and died before reporting back
	claimed, err := store.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var ran atomic.Int32
	runWorker(t, &Worker{
		Queue: q,
		Handlers: map[string]Handler{
			"cart:expire": func(ctx context.Context, j *Job) error {
				ran.Add(1)
				return nil
			},
		},
		Backoff:     Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Poll:        5 * time.Millisecond,
		Concurrency: 1,
		Visibility:  10 * time.Millisecond,
	})

	j := waitState(t, q, id, StateCompleted)
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, 2, j.AttemptsMade)
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	ctx := context.Background()
	q := New("cart", NewMemStore())

	startWorker(t, q, map[string]Handler{
		"cart:expire": func(ctx context.Context, j *Job) error {
			panic("handler bug")
		},
	})

	id, err := q.Enqueue(ctx, "cart:expire", testPayload{}, time.Now(), 1)
	require.NoError(t, err)

	j := waitState(t, q, id, StateFailed)
	assert.Contains(t, j.LastError, "handler panic")
}
