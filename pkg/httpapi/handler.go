// Package httpapi exposes the ingestion service and the completion receiver
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"imagecrypt/pkg/ingest"
	"imagecrypt/pkg/messaging"
	"imagecrypt/pkg/store"
)

const (
	DefaultMaxUploadBytes = 32 << 20

	maxNoticeBytes  = 1 << 20
	multipartMemory = 8 << 20
)

// Service is the business logic behind the handlers.
type Service interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (store.Job, error)
	Status(ctx context.Context, jobID string) (store.Job, error)
	Notify(ctx context.Context, n messaging.CompletionNotice) (ingest.NotifyResult, error)
	Image(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// Handler serves the job API.
type Handler struct {
	svc            Service
	logger         *slog.Logger
	maxUploadBytes int64
}

// NewHandler creates a Handler. maxUploadBytes <= 0 uses DefaultMaxUploadBytes.
func NewHandler(svc Service, logger *slog.Logger, maxUploadBytes int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{svc: svc, logger: logger.With("module", "httpapi"), maxUploadBytes: maxUploadBytes}
}

// Router returns the mux router wrapped in the request id, recovery and
// access log middleware.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/api/process", h.process).Methods(http.MethodPost)
	r.HandleFunc("/api/status/update", h.notify).Methods(http.MethodPost)
	r.HandleFunc("/api/status/{jobId}", h.status).Methods(http.MethodGet)
	r.HandleFunc("/api/notify", h.notify).Methods(http.MethodPost)
	r.HandleFunc("/api/images/{jobId}", h.image).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// wrapped outside mux so unmatched routes are logged too
	return requestIDMiddleware(recoverMiddleware(h.logger)(loggingMiddleware(h.logger)(r)))
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type processResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	err := r.ParseMultipartForm(multipartMemory)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeMessage(w, http.StatusRequestEntityTooLarge, "Image file too large")
		return
	case err != nil && !errors.Is(err, http.ErrNotMultipart):
		writeMessage(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	req := ingest.SubmitRequest{
		Key:       formValue(r, "key"),
		Operation: formValue(r, "operation"),
		Mode:      formValue(r, "mode"),
	}
	file, header, err := r.FormFile("image")
	if err == nil {
		defer file.Close()
		req.Filename = header.Filename
		req.Content = file
	}

	job, err := h.svc.Submit(r.Context(), req)
	switch {
	case errors.Is(err, ingest.ErrMissingImage):
		writeMessage(w, http.StatusBadRequest, "No image file provided")
	case errors.Is(err, ingest.ErrMissingKey):
		writeMessage(w, http.StatusBadRequest, "No encryption key provided")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "failed to submit job",
			"request_id", requestIDFromContext(r.Context()), "error", err)
		writeMessage(w, http.StatusInternalServerError, "Error processing image")
	default:
		writeJSON(w, http.StatusOK, processResponse{JobID: job.ID, Message: "Image processing started"})
	}
}

func formValue(r *http.Request, name string) string {
	if r.MultipartForm == nil {
		return ""
	}
	if v := r.MultipartForm.Value[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

type statusResponse struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	ImageID   *string   `json:"imageId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := h.svc.Status(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to get job status",
			"request_id", requestIDFromContext(r.Context()), "job_id", jobID, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Error retrieving job status")
		return
	}

	resp := statusResponse{JobID: job.ID, Status: string(job.Status), CreatedAt: job.CreatedAt}
	// the image is fetched by job id from /api/images/{jobId}
	if job.Status == store.StatusCompleted && job.ResultReference != "" {
		id := job.ID
		resp.ImageID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) image(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	img, err := h.svc.Image(r.Context(), jobID)
	if errors.Is(err, ingest.ErrImageNotFound) {
		writeMessage(w, http.StatusNotFound, "Image not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to open processed image",
			"request_id", requestIDFromContext(r.Context()), "job_id", jobID, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Error retrieving image")
		return
	}
	defer img.Close()

	w.Header().Set("Content-Type", "image/bmp")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, img); err != nil {
		h.logger.WarnContext(r.Context(), "failed to stream processed image",
			"request_id", requestIDFromContext(r.Context()), "job_id", jobID, "error", err)
	}
}

func (h *Handler) notify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNoticeBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	notice, err := messaging.DecodeNotice(body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.svc.Notify(r.Context(), notice)
	switch {
	case errors.Is(err, ingest.ErrMissingFields):
		writeMessage(w, http.StatusBadRequest, "Missing required fields")
	case errors.Is(err, ingest.ErrValidation):
		writeMessage(w, http.StatusBadRequest, "Invalid status")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "failed to apply notification",
			"request_id", requestIDFromContext(r.Context()), "job_id", notice.JobID, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Error processing notification")
	case !res.Known:
		writeMessage(w, http.StatusOK, "Notification received, job unknown")
	case !res.Applied:
		writeMessage(w, http.StatusOK, "Notification received, job already final")
	default:
		writeMessage(w, http.StatusOK, "Notification received and processed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
