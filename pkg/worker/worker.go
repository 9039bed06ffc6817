// Package worker consumes dispatch messages, runs the image processor for
// each one and reports the outcome to the API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"imagecrypt/pkg/messaging"
	"imagecrypt/pkg/processor"
	"imagecrypt/pkg/queue"
	"imagecrypt/pkg/store"
)

// Consumer delivers queue messages to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, queueName string, prefetch int, handler queue.Handler) error
}

// Publisher is used to move poison messages to the dead-letter queue.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Notifier reports a finished job to the completion receiver.
type Notifier interface {
	Notify(ctx context.Context, n messaging.CompletionNotice) error
}

// prefetch is fixed: a dispatcher never holds more than one unsettled
// message.
const prefetch = 1

// Config controls consumption.
type Config struct {
	Queue string

	// MaxDeliveries > 0 dead-letters a job after that many failed runs in
	// this process. Zero requeues failures forever.
	MaxDeliveries        int
	DeadLetterRoutingKey string
}

// Dependencies wires a Dispatcher.
type Dependencies struct {
	Consumer  Consumer
	Publisher Publisher
	Runner    processor.Runner
	Notifier  Notifier
	Config    Config
	Logger    *slog.Logger
}

// Dispatcher processes one message at a time.
type Dispatcher struct {
	consumer  Consumer
	publisher Publisher
	runner    processor.Runner
	notifier  Notifier
	config    Config
	logger    *slog.Logger

	mutex    sync.Mutex
	failures map[string]int
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(deps Dependencies) *Dispatcher {
	cfg := deps.Config
	if cfg.Queue == "" {
		cfg.Queue = queue.DefaultQueue
	}
	if cfg.MaxDeliveries > 0 && cfg.DeadLetterRoutingKey == "" {
		cfg.DeadLetterRoutingKey = queue.DefaultDeadLetterRoutingKey
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		consumer:  deps.Consumer,
		publisher: deps.Publisher,
		runner:    deps.Runner,
		notifier:  deps.Notifier,
		config:    cfg,
		logger:    logger.With("module", "worker"),
		failures:  make(map[string]int),
	}
}

// Run consumes until ctx is cancelled or the broker channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "starting dispatcher",
		"queue", d.config.Queue,
		"prefetch", prefetch,
		"max_deliveries", d.config.MaxDeliveries,
	)
	err := d.consumer.Consume(ctx, d.config.Queue, prefetch, d.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle runs one delivery and decides how it is settled:
//
//   - undecodable payloads are discarded
//   - processor failures are requeued, or dead-lettered once MaxDeliveries
//     is reached
//   - successes are acked only after the completion callback went through;
//     a failed callback requeues the message
func (d *Dispatcher) Handle(ctx context.Context, delivery queue.Delivery) queue.Decision {
	msg, err := messaging.DecodeDispatch(delivery.Body)
	if err != nil {
		d.logger.ErrorContext(ctx, "discarding malformed message",
			"operation", "dispatch",
			"outcome", "discarded",
			"message_id", delivery.MessageID,
			"error", err,
		)
		return queue.Discard
	}

	logger := d.logger.With("job_id", msg.JobID, "operation", "dispatch", "redelivered", delivery.Redelivered)
	logger.InfoContext(ctx, "processing job", "job", msg)

	start := time.Now()
	res, err := d.runner.Run(ctx, msg)
	if err != nil {
		return d.handleFailure(ctx, logger, delivery, msg, err)
	}
	d.clearFailures(msg.JobID)

	notice := messaging.CompletionNotice{
		JobID:           msg.JobID,
		Status:          string(store.StatusCompleted),
		ResultReference: res.OutputPath,
	}
	if err := d.notifier.Notify(ctx, notice); err != nil {
		logger.ErrorContext(ctx, "completion callback failed, requeueing",
			"outcome", "requeued",
			"error", err,
		)
		return queue.Requeue
	}

	logger.InfoContext(ctx, "job completed",
		"outcome", "success",
		"exit_code", res.ExitCode,
		"duration", time.Since(start).String(),
	)
	return queue.Ack
}

func (d *Dispatcher) handleFailure(ctx context.Context, logger *slog.Logger, delivery queue.Delivery, msg messaging.DispatchMessage, runErr error) queue.Decision {
	if d.config.MaxDeliveries <= 0 {
		logger.WarnContext(ctx, "processing failed, requeueing", "outcome", "requeued", "error", runErr)
		return queue.Requeue
	}

	failures := d.recordFailure(msg.JobID)
	if failures < d.config.MaxDeliveries {
		logger.WarnContext(ctx, "processing failed, requeueing",
			"outcome", "requeued",
			"failures", failures,
			"max_deliveries", d.config.MaxDeliveries,
			"error", runErr,
		)
		return queue.Requeue
	}

	if err := d.publisher.Publish(ctx, d.config.DeadLetterRoutingKey, delivery.Body); err != nil {
		logger.ErrorContext(ctx, "failed to dead-letter job, requeueing",
			"outcome", "requeued",
			"error", err,
		)
		return queue.Requeue
	}
	d.clearFailures(msg.JobID)

	notice := messaging.CompletionNotice{JobID: msg.JobID, Status: string(store.StatusFailed)}
	if err := d.notifier.Notify(ctx, notice); err != nil {
		logger.WarnContext(ctx, "failure callback failed", "error", err)
	}

	logger.ErrorContext(ctx, "job dead-lettered",
		"outcome", "dead_lettered",
		"failures", failures,
		"error", fmt.Errorf("giving up after %d failures: %w", failures, runErr),
	)
	return queue.Ack
}

func (d *Dispatcher) recordFailure(jobID string) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.failures[jobID]++
	return d.failures[jobID]
}

func (d *Dispatcher) clearFailures(jobID string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.failures, jobID)
}
