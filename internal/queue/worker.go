package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler must return nil only when the job's effects are durably applied;
// any error triggers a retry per the job's backoff budget.
type Handler func(ctx context.Context, j *Job) error

// defaultVisibility bounds how long a claimed job may sit unreported
// before it is treated as lost to a dead worker and re-delivered.
const defaultVisibility = 5 * time.Minute

// Worker polls one queue for due jobs and dispatches them to handlers by
// exact job-type string. Handlers run concurrently, decoupled from any
// request-handling path.
type Worker struct {
	Queue       *Queue
	Handlers    map[string]Handler
	Backoff     Backoff
	Poll        time.Duration
	Concurrency int
	// Visibility must exceed the slowest handler's runtime, or an
	// in-flight job gets delivered twice.
	Visibility time.Duration
}

// Run blocks until ctx is done. In-flight jobs finish before return.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.Poll
	if poll <= 0 {
		poll = time.Second
	}
	conc := w.Concurrency
	if conc <= 0 {
		conc = 1
	}
	vis := w.Visibility
	if vis <= 0 {
		vis = defaultVisibility
	}

	jobs := make(chan *Job, conc)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < conc; i++ {
		g.Go(func() error {
			for j := range jobs {
				w.dispatch(gctx, j)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			now := time.Now().UTC()
			reclaimed, err := w.Queue.Store.Reclaim(gctx, now.Add(-vis))
			if err != nil {
				log.Printf("queue %s: reclaim: %v", w.Queue.Name, err)
			} else if len(reclaimed) > 0 {
				log.Printf("queue %s: reclaimed %d job(s) from a dead worker", w.Queue.Name, len(reclaimed))
			}
			claimed, err := w.Queue.Store.Claim(gctx, now, conc)
			if err != nil {
				log.Printf("queue %s: claim: %v", w.Queue.Name, err)
				continue
			}
			for _, j := range claimed {
				select {
				case jobs <- j:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	return g.Wait()
}

func (w *Worker) dispatch(ctx context.Context, j *Job) {
	h, ok := w.Handlers[j.Type]
	if !ok {
		// Configuration defect, not a transient failure: drop as failed,
		// never retry.
		log.Printf("queue %s: no handler registered for job type %q, dropping job %s", w.Queue.Name, j.Type, j.ID)
		if err := w.Queue.Store.Fail(ctx, j, fmt.Sprintf("unknown job type %q", j.Type)); err != nil {
			log.Printf("queue %s: fail job %s: %v", w.Queue.Name, j.ID, err)
		}
		return
	}

	err := w.run(ctx, h, j)
	if err == nil {
		if err := w.Queue.Store.Complete(ctx, j); err != nil {
			log.Printf("queue %s: complete job %s: %v", w.Queue.Name, j.ID, err)
		}
		return
	}

	if j.AttemptsMade >= j.Attempts {
		log.Printf("queue %s: job %s (%s) failed after %d attempts: %v", w.Queue.Name, j.ID, j.Type, j.AttemptsMade, err)
		if err := w.Queue.Store.Fail(ctx, j, err.Error()); err != nil {
			log.Printf("queue %s: fail job %s: %v", w.Queue.Name, j.ID, err)
		}
		return
	}

	delay := w.Backoff.Delay(j.AttemptsMade)
	j.LastError = err.Error()
	log.Printf("queue %s: job %s (%s) attempt %d/%d failed, retrying in %s: %v", w.Queue.Name, j.ID, j.Type, j.AttemptsMade, j.Attempts, delay, err)
	if err := w.Queue.Store.Requeue(ctx, j, time.Now().UTC().Add(delay)); err != nil {
		log.Printf("queue %s: requeue job %s: %v", w.Queue.Name, j.ID, err)
	}
}

func (w *Worker) run(ctx context.Context, h Handler, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j)
}
