package instance

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func cloneInstance(i *Instance) *Instance {
	copied := *i
	copied.ResultData = append([]byte(nil), i.ResultData...)
	if i.Error != nil {
		e := *i.Error
		copied.Error = &e
	}
	return &copied
}

func (s *MemoryStore) Insert(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.RequestID] = cloneInstance(inst)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) Apply(_ context.Context, requestID string, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[requestID]
	if !ok {
		return ErrNotFound
	}
	if inst.State != tr.From {
		return ErrConflict
	}
	inst.State = tr.To
	inst.ResultLocation = tr.ResultLocation
	inst.ResultData = append([]byte(nil), tr.ResultData...)
	inst.ResultMime = tr.ResultMime
	inst.Error = tr.Error
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) StampPoll(_ context.Context, requestID string, now time.Time, window time.Duration) (*Instance, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[requestID]
	if !ok || inst.Expired(now) {
		return nil, 0, ErrNotFound
	}
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	if inst.LastPolledAt > cutoff {
		remaining := time.Duration(inst.LastPolledAt-cutoff) * time.Millisecond
		return nil, remaining, ErrRateLimited
	}
	inst.LastPolledAt = nowMs
	return cloneInstance(inst), 0, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, inst := range s.instances {
		if inst.Expired(now) {
			delete(s.instances, id)
			n++
		}
	}
	return n, nil
}
