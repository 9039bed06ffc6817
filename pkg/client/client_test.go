package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/process", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "secret", r.FormValue("key"))
		assert.Equal(t, "encrypt", r.FormValue("operation"))
		assert.Equal(t, "CBC", r.FormValue("mode"))

		f, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "a.png", header.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "pixels", string(data))

		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "job-1", "message": "Image processing started"})
	}))
	defer srv.Close()

	id, err := New(srv.URL+"/", nil).Submit(context.Background(), "/tmp/a.png", strings.NewReader("pixels"),
		SubmitOptions{Key: "secret", Operation: "encrypt", Mode: "CBC"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestSubmit_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "No encryption key provided"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Submit(context.Background(), "a.png", strings.NewReader("x"), SubmitOptions{})
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "No encryption key provided")
}

func TestStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Job not found"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWait(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status/job-1", r.URL.Path)
		status := "processing"
		if polls.Add(1) >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "job-1", "status": status, "imageId": nil})
	}))
	defer srv.Close()

	var seen []string
	job, err := New(srv.URL, nil).Wait(context.Background(), "job-1", time.Millisecond, func(j Job) {
		seen = append(seen, j.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, []string{"processing", "processing", "completed"}, seen)
}

func TestWait_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "job-1", "status": "processing"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	job, err := New(srv.URL, nil).Wait(ctx, "job-1", 10*time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "processing", job.Status)
}

func TestWait_DeadlineDuringPoll(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) > 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "job-1", "status": "processing"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	job, err := New(srv.URL, nil).Wait(ctx, "job-1", time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "processing", job.Status)
}

func TestWait_InvalidInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		_, err := New("http://127.0.0.1:1", nil).Wait(context.Background(), "job-1", interval, nil)
		assert.ErrorIs(t, err, ErrInvalidInterval)
	}
}

func TestStatus_EscapesJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status/a%2Fb%20c", r.URL.EscapedPath())
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "a/b c", "status": "processing"})
	}))
	defer srv.Close()

	job, err := New(srv.URL, nil).Status(context.Background(), "a/b c")
	require.NoError(t, err)
	assert.Equal(t, "a/b c", job.JobID)
}

func TestStatus_TransportErrorKeepsCause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New("http://127.0.0.1:1", nil).Status(ctx, "job-1")
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, context.Canceled)
}
