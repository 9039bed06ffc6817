package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned when creating a job whose id is taken.
	ErrExists = errors.New("job already exists")
	// ErrAlreadyFinal is returned by Finish when the job already reached a
	// final status. The stored job is left untouched.
	ErrAlreadyFinal = errors.New("job already in a final status")
	// ErrInvalidStatus is returned by Finish for non-final target statuses.
	ErrInvalidStatus = errors.New("invalid job status")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Final reports whether no further transition is accepted from s.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one submitted image processing request.
type Job struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	ResultReference string    `json:"resultReference,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// JobStore owns job records. Implementations must be safe for concurrent use.
//
// A job moves processing -> {completed, failed} at most once: the first
// Finish wins and later calls return ErrAlreadyFinal.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Finish(ctx context.Context, id string, status Status, resultRef string) (Job, error)
}
