package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecrypt/pkg/callback"
	"imagecrypt/pkg/httpapi"
	"imagecrypt/pkg/ingest"
	"imagecrypt/pkg/messaging"
	"imagecrypt/pkg/processor"
	"imagecrypt/pkg/queue"
	"imagecrypt/pkg/queue/queuetest"
	"imagecrypt/pkg/store"
	"imagecrypt/pkg/worker"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedRunner blocks every run until the test sends its result on release.
type gatedRunner struct {
	started chan messaging.DispatchMessage
	release chan error
	stop    chan struct{}
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		started: make(chan messaging.DispatchMessage, 16),
		release: make(chan error),
		stop:    make(chan struct{}),
	}
}

func (r *gatedRunner) Run(_ context.Context, msg messaging.DispatchMessage) (processor.Result, error) {
	select {
	case r.started <- msg:
	case <-r.stop:
		return processor.Result{}, processor.ErrProcessFailed
	}
	select {
	case err := <-r.release:
		if err != nil {
			return processor.Result{}, err
		}
		out := processor.OutputPath(msg.FilePath)
		if err := os.WriteFile(out, []byte("processed "+msg.JobID), 0o644); err != nil {
			return processor.Result{}, err
		}
		return processor.Result{OutputPath: out}, nil
	case <-r.stop:
		return processor.Result{}, processor.ErrProcessFailed
	}
}

type pipeline struct {
	broker *queuetest.Broker
	store  *store.InMemoryJobStore
	api    *httptest.Server
	apiMQ  *queue.RabbitMQ
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{broker: queuetest.NewBroker(), store: store.NewInMemoryJobStore()}
	p.apiMQ = p.connect(t)
	require.NoError(t, p.apiMQ.DeclareTopology())

	files, err := ingest.NewDiskFileStore(t.TempDir())
	require.NoError(t, err)
	svc := ingest.NewService(ingest.Dependencies{
		Store:      p.store,
		Publisher:  p.apiMQ,
		Files:      files,
		RoutingKey: queue.DefaultRoutingKey,
		Logger:     quiet(),
	})
	p.api = httptest.NewServer(httpapi.NewHandler(svc, quiet(), 0).Router())
	t.Cleanup(p.api.Close)
	return p
}

func (p *pipeline) connect(t *testing.T) *queue.RabbitMQ {
	t.Helper()
	mq, err := queue.Connect(context.Background(), queue.Config{DeadLetterQueue: queue.DefaultDeadLetterQueue},
		queue.WithDialer(p.broker.Dial),
		queue.WithLogger(quiet()),
	)
	require.NoError(t, err)
	t.Cleanup(mq.Close)
	return mq
}

// startWorker runs a dispatcher on its own broker connection until the test
// ends.
func (p *pipeline) startWorker(t *testing.T, runner processor.Runner, notifier worker.Notifier, cfg worker.Config) {
	t.Helper()
	mq := p.connect(t)
	d := worker.NewDispatcher(worker.Dependencies{
		Consumer:  mq,
		Publisher: mq,
		Runner:    runner,
		Notifier:  notifier,
		Config:    cfg,
		Logger:    quiet(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

// startGated runs a dispatcher with a gatedRunner that is released when the
// test ends, before the dispatcher is stopped.
func (p *pipeline) startGated(t *testing.T, notifier worker.Notifier, cfg worker.Config) *gatedRunner {
	t.Helper()
	runner := newGatedRunner()
	p.startWorker(t, runner, notifier, cfg)
	t.Cleanup(func() { close(runner.stop) })
	return runner
}

func (p *pipeline) notifier() worker.Notifier {
	return callback.New(p.api.URL+"/api/notify", callback.WithLogger(quiet()))
}

func (p *pipeline) submit(t *testing.T, filename, key, operation, mode string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("key", key))
	require.NoError(t, mw.WriteField("operation", operation))
	require.NoError(t, mw.WriteField("mode", mode))
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("\x89PNG fake image"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(p.api.URL+"/api/process", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.JobID)
	return body.JobID
}

func (p *pipeline) status(t *testing.T, jobID string) string {
	t.Helper()
	resp, err := http.Get(p.api.URL + "/api/status/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Status
}

func waitStarted(t *testing.T, r *gatedRunner) messaging.DispatchMessage {
	t.Helper()
	select {
	case msg := <-r.started:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not invoked")
		return messaging.DispatchMessage{}
	}
}

func TestPipeline_EncryptCompletes(t *testing.T) {
	p := newPipeline(t)
	runner := p.startGated(t, p.notifier(), worker.Config{})

	jobID := p.submit(t, "a.png", "secret", "encrypt", "CBC")
	assert.Equal(t, "processing", p.status(t, jobID))

	msg := waitStarted(t, runner)
	assert.Equal(t, jobID, msg.JobID)
	assert.Equal(t, "secret", msg.Key)
	assert.Equal(t, "encrypt", msg.Operation)
	assert.Equal(t, "CBC", msg.Mode)
	assert.Equal(t, ".png", filepath.Ext(msg.FilePath))
	assert.Equal(t, "processing", p.status(t, jobID))

	runner.release <- nil

	require.Eventually(t, func() bool {
		return p.status(t, jobID) == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		acked, _, _ := p.broker.Stats()
		return acked == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, p.broker.Ready(queue.DefaultQueue))

	resp, err := http.Get(p.api.URL + "/api/images/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/bmp", resp.Header.Get("Content-Type"))
	image, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "processed "+jobID, string(image))
}

func TestPipeline_PrefetchOneProcessesSequentially(t *testing.T) {
	p := newPipeline(t)
	runner := p.startGated(t, p.notifier(), worker.Config{})

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, p.submit(t, "a.png", "k", "encrypt", "ECB"))
	}

	for i, id := range ids {
		msg := waitStarted(t, runner)
		assert.Equal(t, id, msg.JobID, "FIFO order")
		// the remaining messages are still on the broker, not buffered by the consumer
		assert.Len(t, p.broker.Ready(queue.DefaultQueue), len(ids)-i-1)
		runner.release <- nil
	}

	for _, id := range ids {
		id := id
		require.Eventually(t, func() bool { return p.status(t, id) == "completed" }, 5*time.Second, 20*time.Millisecond)
	}
	assert.Equal(t, 1, p.broker.MaxUnacked())
}

func TestPipeline_NonzeroExitIsRedelivered(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	program := filepath.Join(t.TempDir(), "image_processor")
	require.NoError(t, os.WriteFile(program, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	p := newPipeline(t)
	p.startWorker(t,
		processor.NewExec(processor.Config{Program: program}, quiet()),
		p.notifier(),
		worker.Config{},
	)

	jobID := p.submit(t, "a.png", "k", "decrypt", "ECB")

	require.Eventually(t, func() bool {
		_, requeued, _ := p.broker.Stats()
		return requeued >= 2
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "processing", p.status(t, jobID))

	_, _, rejected := p.broker.Stats()
	assert.Zero(t, rejected)
}

func TestPipeline_CallbackFailureKeepsJobProcessing(t *testing.T) {
	p := newPipeline(t)

	var callbacks sync.WaitGroup
	callbacks.Add(2)
	var calls atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			callbacks.Done()
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	runner := p.startGated(t, callback.New(down.URL, callback.WithLogger(quiet())), worker.Config{})

	jobID := p.submit(t, "a.png", "k", "encrypt", "ECB")

	waitStarted(t, runner)
	runner.release <- nil
	msg := waitStarted(t, runner)
	assert.Equal(t, jobID, msg.JobID, "redelivered after the failed callback")
	runner.release <- nil
	callbacks.Wait()

	assert.Equal(t, "processing", p.status(t, jobID))
	_, requeued, _ := p.broker.Stats()
	assert.GreaterOrEqual(t, requeued, 1)
}

func TestPipeline_DeadLetter(t *testing.T) {
	p := newPipeline(t)
	runner := p.startGated(t, p.notifier(), worker.Config{MaxDeliveries: 2})

	jobID := p.submit(t, "a.png", "k", "encrypt", "ECB")
	for i := 0; i < 2; i++ {
		waitStarted(t, runner)
		runner.release <- processor.ErrProcessFailed
	}

	require.Eventually(t, func() bool { return p.status(t, jobID) == "failed" }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(p.broker.Ready(queue.DefaultDeadLetterQueue)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, p.broker.Ready(queue.DefaultQueue))
}
