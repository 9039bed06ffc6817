// Package client talks to the imagecrypt API: it submits images and polls
// job status until the job is final.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Status for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrRequestFailed is returned for any other non-200 answer.
	ErrRequestFailed = errors.New("request failed")
	// ErrInvalidInterval is returned by Wait for a non-positive poll interval.
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Job is the status document returned by the API.
type Job struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	ImageID   *string   `json:"imageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Final reports whether the job reached completed or failed.
func (j Job) Final() bool {
	return j.Status == "completed" || j.Status == "failed"
}

// SubmitOptions are the non-file fields of an upload.
type SubmitOptions struct {
	Key       string
	Operation string
	Mode      string
}

// Client is an API client. The zero value is not usable; call New.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the API at baseURL
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Submit uploads an image and returns the new job id.
func (c *Client) Submit(ctx context.Context, filename string, image io.Reader, opts SubmitOptions) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{"key": opts.Key, "operation": opts.Operation, "mode": opts.Mode}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return "", err
		}
	}
	fw, err := mw.CreateFormFile("image", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, image); err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/process", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Status returns the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := c.do(req, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Wait polls Status every interval until the job is final or ctx is done.
// onPoll, if set, sees every intermediate state. When ctx ends first, the
// last state seen is returned with ctx.Err().
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration, onPoll func(Job)) (Job, error) {
	if interval <= 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Job
	for {
		job, err := c.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		last = job
		if onPoll != nil {
			onPoll(job)
		}
		if job.Final() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &msg)
		if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodGet {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %d %s", ErrRequestFailed, resp.StatusCode, msg.Message)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: invalid response: %v", ErrRequestFailed, err)
	}
	return nil
}
