package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryJobStore keeps jobs in a map for the lifetime of the process.
type InMemoryJobStore struct {
	jobs  map[string]Job
	mutex sync.RWMutex
	now   func() time.Time
}

// NewInMemoryJobStore creates an empty in-memory store
func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs: make(map[string]Job),
		now:  time.Now,
	}
}

// Create adds a job to the store
func (s *InMemoryJobStore) Create(_ context.Context, job Job) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = job
	return nil
}

// Get retrieves a job from the store
func (s *InMemoryJobStore) Get(_ context.Context, id string) (Job, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// Finish moves a processing job to a final status
func (s *InMemoryJobStore) Finish(_ context.Context, id string, status Status, resultRef string) (Job, error) {
	if !status.Final() {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status.Final() {
		return job, ErrAlreadyFinal
	}

	job.Status = status
	job.ResultReference = resultRef
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return job, nil
}

// Size returns the number of jobs held
func (s *InMemoryJobStore) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.jobs)
}
