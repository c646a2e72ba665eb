// Package queue persists accepted async work so a worker can pick it up even
// across process restarts. The dispatcher writes the accepted instance and a
// job row; a worker claims jobs and drives the pending -> complete|error leg.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrNotFound is returned when no job matches the requestId.
var ErrNotFound = errors.New("job not found")

// Job is one unit of queued background work, keyed by the instance it serves.
type Job struct {
	RequestID   string
	Status      string
	Attempts    int
	ScheduledAt time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Store persists jobs. Enqueue is idempotent per requestId.
type Store interface {
	Enqueue(ctx context.Context, requestID string) error
	// Claim atomically moves up to limit pending jobs to running and returns
	// them in schedule order.
	Claim(ctx context.Context, limit int) ([]*Job, error)
	MarkDone(ctx context.Context, requestID string) error
	MarkFailed(ctx context.Context, requestID, reason string) error
}

// MemoryStore is the in-memory Store used in tests and single-process runs.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Enqueue(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[requestID]; exists {
		return nil
	}
	now := s.clock().UTC()
	s.jobs[requestID] = &Job{
		RequestID:   requestID,
		Status:      StatusPending,
		ScheduledAt: now,
		UpdatedAt:   now,
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ScheduledAt.Equal(pending[j].ScheduledAt) {
			return pending[i].RequestID < pending[j].RequestID
		}
		return pending[i].ScheduledAt.Before(pending[j].ScheduledAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := s.clock().UTC()
	claimed := make([]*Job, 0, len(pending))
	for _, job := range pending {
		job.Status = StatusRunning
		job.Attempts++
		job.UpdatedAt = now
		cp := *job
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkDone(_ context.Context, requestID string) error {
	return s.setStatus(requestID, StatusDone, "")
}

func (s *MemoryStore) MarkFailed(_ context.Context, requestID, reason string) error {
	return s.setStatus(requestID, StatusFailed, reason)
}

func (s *MemoryStore) setStatus(requestID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[requestID]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.LastError = reason
	job.UpdatedAt = s.clock().UTC()
	return nil
}

// Get returns a snapshot of one job, for tests and introspection.
func (s *MemoryStore) Get(requestID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[requestID]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}
