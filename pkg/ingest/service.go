// Package ingest accepts image jobs, hands them to the broker and records
// their completion.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"imagecrypt/pkg/messaging"
	"imagecrypt/pkg/store"
)

var (
	// ErrValidation marks client errors; nothing is written or published.
	ErrValidation = errors.New("validation failed")

	ErrMissingImage  = fmt.Errorf("%w: no image file provided", ErrValidation)
	ErrMissingKey    = fmt.Errorf("%w: no encryption key provided", ErrValidation)
	ErrMissingFields = fmt.Errorf("%w: missing required fields", ErrValidation)

	// ErrImageNotFound is returned by Image while the job is unknown, not yet
	// completed, or its processed image cannot be read from the file store.
	ErrImageNotFound = errors.New("processed image not found")
)

// Publisher sends a message body to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// FileStore persists uploads where the workers can read them. Open only
// serves files inside the store.
type FileStore interface {
	Save(name string, r io.Reader) (string, error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
}

// Dependencies wires a Service.
type Dependencies struct {
	Store      store.JobStore
	Publisher  Publisher
	Files      FileStore
	RoutingKey string
	Logger     *slog.Logger

	// NewID and Now default to uuid.NewString and time.Now.
	NewID func() string
	Now   func() time.Time
}

// Service implements job submission, status lookup and completion.
type Service struct {
	store      store.JobStore
	publisher  Publisher
	files      FileStore
	routingKey string
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// NewService creates a Service
func NewService(deps Dependencies) *Service {
	s := &Service{
		store:      deps.Store,
		publisher:  deps.Publisher,
		files:      deps.Files,
		routingKey: deps.RoutingKey,
		logger:     deps.Logger,
		newID:      deps.NewID,
		now:        deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("module", "ingest")
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SubmitRequest is one upload. Content is nil when no file was sent.
type SubmitRequest struct {
	Filename  string
	Content   io.Reader
	Key       string
	Operation string
	Mode      string
}

// Submit stores the upload, records the job as processing and publishes the
// dispatch message.
//
// The job is recorded before publishing so that a fast worker callback always
// finds it. If the publish fails the upload is removed, the job is marked
// failed and the error is returned.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (store.Job, error) {
	if req.Content == nil || req.Filename == "" {
		return store.Job{}, ErrMissingImage
	}
	if req.Key == "" {
		return store.Job{}, ErrMissingKey
	}
	if req.Operation == "" {
		req.Operation = messaging.DefaultOperation
	}
	if req.Mode == "" {
		req.Mode = messaging.DefaultMode
	}

	jobID := s.newID()
	logger := s.logger.With("job_id", jobID, "operation", "submit")

	path, err := s.files.Save(jobID+filepath.Ext(req.Filename), req.Content)
	if err != nil {
		return store.Job{}, fmt.Errorf("failed to save upload: %w", err)
	}

	job := store.Job{ID: jobID, Status: store.StatusProcessing, CreatedAt: s.now().UTC()}
	if err := s.store.Create(ctx, job); err != nil {
		s.removeUpload(ctx, logger, path)
		return store.Job{}, fmt.Errorf("failed to record job: %w", err)
	}

	body, err := messaging.DispatchMessage{
		JobID:     jobID,
		FilePath:  path,
		Key:       req.Key,
		Operation: req.Operation,
		Mode:      req.Mode,
	}.Encode()
	if err == nil {
		err = s.publisher.Publish(ctx, s.routingKey, body)
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to queue job", "outcome", "failure", "error", err)
		s.removeUpload(ctx, logger, path)
		// the request context may already be gone; the job must not stay processing
		if _, ferr := s.store.Finish(context.WithoutCancel(ctx), jobID, store.StatusFailed, ""); ferr != nil {
			logger.ErrorContext(ctx, "failed to mark job failed", "error", ferr)
		}
		return store.Job{}, fmt.Errorf("failed to queue job %s: %w", jobID, err)
	}

	logger.InfoContext(ctx, "job queued",
		"outcome", "success",
		"mode", req.Mode,
		"job_operation", req.Operation,
	)
	return job, nil
}

func (s *Service) removeUpload(ctx context.Context, logger *slog.Logger, path string) {
	if err := s.files.Remove(path); err != nil {
		logger.WarnContext(ctx, "failed to remove upload", "path", path, "error", err)
	}
}

// Status returns the job with the given id or store.ErrNotFound.
func (s *Service) Status(ctx context.Context, jobID string) (store.Job, error) {
	return s.store.Get(ctx, jobID)
}

// NotifyResult tells the caller what a completion notice did.
type NotifyResult struct {
	Job store.Job
	// Known is false when no job has the notice's id.
	Known bool
	// Applied is true when this notice moved the job to its final status.
	Applied bool
}

// Notify applies a completion notice. The first final status wins; notices
// for unknown or already finished jobs succeed without changing anything.
func (s *Service) Notify(ctx context.Context, n messaging.CompletionNotice) (NotifyResult, error) {
	if n.JobID == "" || n.Status == "" {
		return NotifyResult{}, ErrMissingFields
	}
	status := store.Status(n.Status)
	if !status.Final() {
		return NotifyResult{}, fmt.Errorf("%w: unsupported status %q", ErrValidation, n.Status)
	}

	logger := s.logger.With("job_id", n.JobID, "operation", "notify", "status", n.Status)

	job, err := s.store.Finish(ctx, n.JobID, status, n.ResultReference)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.WarnContext(ctx, "completion for unknown job", "outcome", "ignored")
		return NotifyResult{}, nil
	case errors.Is(err, store.ErrAlreadyFinal):
		logger.InfoContext(ctx, "job already final", "outcome", "ignored", "current", job.Status)
		return NotifyResult{Job: job, Known: true}, nil
	case err != nil:
		return NotifyResult{}, fmt.Errorf("failed to update job %s: %w", n.JobID, err)
	}

	logger.InfoContext(ctx, "job finished", "outcome", "success")
	return NotifyResult{Job: job, Known: true, Applied: true}, nil
}

// Image opens the processed image of a completed job. The caller closes it.
func (s *Service) Image(ctx context.Context, jobID string) (io.ReadCloser, error) {
	job, err := s.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Status != store.StatusCompleted || job.ResultReference == "" {
		return nil, ErrImageNotFound
	}

	f, err := s.files.Open(job.ResultReference)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrOutsideStore) {
		s.logger.WarnContext(ctx, "processed image unavailable",
			"job_id", jobID, "operation", "image", "outcome", "not_found", "error", err)
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open image for job %s: %w", jobID, err)
	}
	return f, nil
}
