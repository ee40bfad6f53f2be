// Package scheduler is a façade over the named work queues. Job types are
// "<queue>:<action>" strings; the prefix routes to a queue, the full string
// dispatches to exactly one registered handler. Handlers are registered in
// one place at startup (cmd/worker) and verified against the known job-type
// constants, never discovered dynamically.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/go-cart-reservations.git/internal/queue"
)

// JobRef identifies a scheduled job well enough to cancel it later: the
// owning entity persists both the queue name and the id.
type JobRef struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

// JobStatus is the normalized view callers branch on. Only IsDelayed or
// IsScheduled jobs can still be cancelled.
type JobStatus struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	IsDelayed   bool       `json:"isDelayed"`
	IsScheduled bool       `json:"isScheduled"`
	IsActive    bool       `json:"isActive"`
	IsCompleted bool       `json:"isCompleted"`
	IsFailed    bool       `json:"isFailed"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedOn *time.Time `json:"processedOn,omitempty"`
	FinishedOn  *time.Time `json:"finishedOn,omitempty"`
}

type Scheduler struct {
	queues   map[string]*queue.Queue
	handlers map[string]queue.Handler
}

func New(queues ...*queue.Queue) *Scheduler {
	m := make(map[string]*queue.Queue, len(queues))
	for _, q := range queues {
		m[q.Name] = q
	}
	return &Scheduler{queues: m, handlers: make(map[string]queue.Handler)}
}

// QueueOf extracts the routing key from a "<queue>:<action>" job type.
func QueueOf(jobType string) string {
	name, _, _ := strings.Cut(jobType, ":")
	return name
}

// Register binds jobType to a handler. Exactly one handler per type.
func (s *Scheduler) Register(jobType string, h queue.Handler) error {
	if _, ok := s.queues[QueueOf(jobType)]; !ok {
		return fmt.Errorf("register %s: unknown queue %q", jobType, QueueOf(jobType))
	}
	if _, dup := s.handlers[jobType]; dup {
		return fmt.Errorf("register %s: handler already registered", jobType)
	}
	s.handlers[jobType] = h
	return nil
}

// CheckRegistry verifies at startup that every known job type has a
// handler, so a missing registration fails fast instead of dead-lettering
// jobs at execution time.
func (s *Scheduler) CheckRegistry(jobTypes []string) error {
	var missing []string
	for _, t := range jobTypes {
		if _, ok := s.handlers[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no handler registered for job types: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ScheduleJob enqueues payload to run at runAt (clamped to now when in the
// past) with an exponential-backoff budget of attempts tries. The returned
// ref must be persisted on the owning entity to allow cancellation.
func (s *Scheduler) ScheduleJob(ctx context.Context, jobType string, payload any, runAt time.Time, attempts int) (JobRef, error) {
	queueName := QueueOf(jobType)
	q, ok := s.queues[queueName]
	if !ok {
		return JobRef{}, fmt.Errorf("schedule %s: unknown queue %q", jobType, queueName)
	}
	id, err := q.Enqueue(ctx, jobType, payload, runAt, attempts)
	if err != nil {
		return JobRef{}, err
	}
	return JobRef{Queue: queueName, ID: id}, nil
}

// CancelJob removes a pending job. Returns false when the job is unknown
// or already active/completed/failed; callers treat that as "the job may
// already be running or have run", not as an error.
func (s *Scheduler) CancelJob(ctx context.Context, ref JobRef) bool {
	q, ok := s.queues[ref.Queue]
	if !ok {
		return false
	}
	removed, err := q.Cancel(ctx, ref.ID)
	if err != nil {
		log.Printf("scheduler: cancel %s/%s: %v", ref.Queue, ref.ID, err)
		return false
	}
	return removed
}

// GetJobStatus returns the job's normalized status, or nil when unknown.
// An empty queueName searches every known queue (for callers that only
// persisted the id).
func (s *Scheduler) GetJobStatus(ctx context.Context, id, queueName string) (*JobStatus, error) {
	if queueName != "" {
		q, ok := s.queues[queueName]
		if !ok {
			return nil, fmt.Errorf("unknown queue %q", queueName)
		}
		j, err := q.Get(ctx, id)
		if err != nil || j == nil {
			return nil, err
		}
		return toStatus(j), nil
	}
	for _, name := range s.queueNames() {
		j, err := s.queues[name].Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return toStatus(j), nil
		}
	}
	return nil, nil
}

// ListFailed aggregates the dead-letter sets of all queues.
func (s *Scheduler) ListFailed(ctx context.Context) ([]*queue.Job, error) {
	var out []*queue.Job
	for _, name := range s.queueNames() {
		jobs, err := s.queues[name].ListFailed(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
	}
	return out, nil
}

// Workers builds one Worker per queue sharing the handler registry.
func (s *Scheduler) Workers(poll time.Duration, concurrency int, backoff queue.Backoff) []*queue.Worker {
	out := make([]*queue.Worker, 0, len(s.queues))
	for _, name := range s.queueNames() {
		out = append(out, &queue.Worker{
			Queue:       s.queues[name],
			Handlers:    s.handlers,
			Backoff:     backoff,
			Poll:        poll,
			Concurrency: concurrency,
		})
	}
	return out
}

func (s *Scheduler) queueNames() []string {
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toStatus(j *queue.Job) *JobStatus {
	return &JobStatus{
		ID:          j.ID,
		Type:        j.Type,
		Status:      string(j.State),
		IsDelayed:   j.State == queue.StateDelayed,
		IsScheduled: j.Cancellable(),
		IsActive:    j.State == queue.StateActive,
		IsCompleted: j.State == queue.StateCompleted,
		IsFailed:    j.State == queue.StateFailed,
		Attempts:    j.AttemptsMade,
		CreatedAt:   j.CreatedAt,
		ProcessedOn: j.ProcessedOn,
		FinishedOn:  j.FinishedOn,
	}
}
