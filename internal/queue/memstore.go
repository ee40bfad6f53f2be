package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests. Semantics mirror
// RedisStore: the delayed index hands each due job to exactly one claimer.
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	delayed map[string]time.Time // id -> run_at, only while cancellable
	active  map[string]time.Time // id -> claim time, until the claimer reports back
	failed  []string
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:    make(map[string]*Job),
		delayed: make(map[string]time.Time),
		active:  make(map[string]time.Time),
	}
}

func (s *MemStore) Put(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	if j.Cancellable() {
		s.delayed[j.ID] = j.RunAt
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) Claim(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for id, runAt := range s.delayed {
		if !runAt.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		return s.delayed[due[a]].Before(s.delayed[due[b]])
	})
	if len(due) > limit {
		due = due[:limit]
	}

	started := time.Now().UTC()
	out := make([]*Job, 0, len(due))
	for _, id := range due {
		delete(s.delayed, id)
		s.active[id] = now
		j := s.jobs[id]
		j.State = StateActive
		j.AttemptsMade++
		t := started
		j.ProcessedOn = &t
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) Requeue(_ context.Context, j *Job, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, j.ID)
	j.State = StateDelayed
	j.RunAt = runAt.UTC()
	cp := *j
	s.jobs[j.ID] = &cp
	s.delayed[j.ID] = cp.RunAt
	return nil
}

func (s *MemStore) Complete(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, j.ID)
	done := time.Now().UTC()
	j.State = StateCompleted
	j.FinishedOn = &done
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemStore) Fail(_ context.Context, j *Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, j.ID)
	done := time.Now().UTC()
	j.State = StateFailed
	j.LastError = reason
	j.FinishedOn = &done
	cp := *j
	s.jobs[j.ID] = &cp
	s.failed = append(s.failed, j.ID)
	return nil
}

func (s *MemStore) Cancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delayed[id]; !ok {
		return false, nil
	}
	delete(s.delayed, id)
	delete(s.jobs, id)
	return true, nil
}

func (s *MemStore) Reclaim(_ context.Context, before time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []*Job
	for id, claimedAt := range s.active {
		if !claimedAt.Before(before) {
			continue
		}
		delete(s.active, id)
		j, ok := s.jobs[id]
		if !ok {
			continue
		}
		if j.AttemptsMade >= j.Attempts {
			done := now
			j.State = StateFailed
			j.LastError = reclaimReason
			j.FinishedOn = &done
			s.failed = append(s.failed, id)
			continue
		}
		j.State = StateWaiting
		j.RunAt = now
		s.delayed[id] = j.RunAt
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) ListFailed(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.failed))
	for _, id := range s.failed {
		if j, ok := s.jobs[id]; ok {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}
