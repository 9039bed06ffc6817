package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCommand_Wait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/process":
			assert.Equal(t, "secret", r.FormValue("key"))
			assert.Equal(t, "CBC", r.FormValue("mode"))
			_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "job-7"})
		case "/api/status/job-7":
			_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "job-7", "status": "completed"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	image := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(image, []byte("pixels"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--api", srv.URL, "submit", image, "--key", "secret", "--mode", "CBC", "--wait", "--interval", "1ms"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Job queued: job-7")
	assert.Contains(t, out.String(), "status: completed")
}

func TestSubmitCommand_RequiresKey(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"submit", "a.png"})

	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": "job-1", "status": "processing", "imageId": nil})
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--api", srv.URL, "status", "job-1"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Status:  processing")
	assert.NotContains(t, out.String(), "Image:")
}

func TestSubmitCommand_RejectsNonPositiveInterval(t *testing.T) {
	var uploads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		uploads.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "job-7"})
	}))
	defer srv.Close()

	image := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(image, []byte("pixels"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--api", srv.URL, "submit", image, "--key", "secret", "--wait", "--interval", "0s"})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--interval")
	assert.Zero(t, uploads.Load(), "nothing is uploaded")
}
