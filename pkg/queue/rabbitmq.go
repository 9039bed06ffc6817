package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"imagecrypt/pkg/retry"
)

const (
	DefaultExchange             = "image_processing"
	DefaultQueue                = "image_processing_queue"
	DefaultRoutingKey           = "image.process"
	DefaultDeadLetterQueue      = "image_processing_dead"
	DefaultDeadLetterRoutingKey = "image.dead"

	DefaultConnectAttempts = 10
	DefaultConnectDelay    = 5 * time.Second
	DefaultPublishTimeout  = 5 * time.Second
)

var (
	// ErrBrokerUnavailable is returned by Connect once every attempt failed.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrChannelClosed is returned when the channel or connection is gone.
	ErrChannelClosed = errors.New("broker channel closed")
	// ErrPublishFailed is returned when a publish is refused or unconfirmed.
	ErrPublishFailed = errors.New("publish failed")
)

// Config describes the broker endpoint and topology.
type Config struct {
	URL string

	Exchange   string
	Queue      string
	RoutingKey string

	// DeadLetterQueue is declared and bound on DeadLetterRoutingKey when set.
	DeadLetterQueue      string
	DeadLetterRoutingKey string

	ConnectAttempts int
	ConnectDelay    time.Duration
	PublishTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.RoutingKey == "" {
		c.RoutingKey = DefaultRoutingKey
	}
	if c.DeadLetterQueue != "" && c.DeadLetterRoutingKey == "" {
		c.DeadLetterRoutingKey = DefaultDeadLetterRoutingKey
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = DefaultConnectDelay
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	return c
}

// Option customizes Connect.
type Option func(*options)

type options struct {
	dial   Dialer
	sleep  retry.Sleeper
	logger *slog.Logger
}

// WithDialer replaces the AMQP dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dial = d }
}

// WithSleeper replaces the wait between connection attempts.
func WithSleeper(s retry.Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// RabbitMQ holds one broker connection and the channel used for publishing.
type RabbitMQ struct {
	cfg    Config
	conn   Connection
	logger *slog.Logger

	// pubMu serializes use of the publish channel.
	pubMu   sync.Mutex
	channel Channel
}

// Connect dials the broker, retrying with a fixed delay, and opens a
// publish channel in confirm mode. Exhausting the attempts returns an error
// wrapping ErrBrokerUnavailable; callers treat it as fatal.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*RabbitMQ, error) {
	cfg = cfg.withDefaults()
	o := options{dial: DialAMQP, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("module", "queue")

	policy := retry.Constant(cfg.ConnectAttempts, cfg.ConnectDelay)
	policy.Sleep = o.sleep
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.WarnContext(ctx, "failed to connect to broker, retrying",
			"attempt", attempt,
			"max_attempts", cfg.ConnectAttempts,
			"retry_in", delay.String(),
			"error", err,
		)
	}

	var conn Connection
	err := policy.Do(ctx, func(context.Context, int) error {
		c, err := o.dial(cfg.URL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Enable publish confirmations
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publish confirmations: %w", err)
	}

	logger.InfoContext(ctx, "connected to broker", "exchange", cfg.Exchange, "queue", cfg.Queue)
	return &RabbitMQ{
		cfg:     cfg,
		conn:    conn,
		channel: channel,
		logger:  logger,
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (r *RabbitMQ) Config() Config {
	return r.cfg
}

// DeclareTopology declares the durable topic exchange, the work queue and its
// binding, plus the dead-letter queue when configured. Declaring again with
// identical parameters is a no-op on the broker.
func (r *RabbitMQ) DeclareTopology() error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	return declareTopology(r.channel, r.cfg)
}

func declareTopology(ch Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	bindings := map[string]string{cfg.Queue: cfg.RoutingKey}
	if cfg.DeadLetterQueue != "" {
		bindings[cfg.DeadLetterQueue] = cfg.DeadLetterRoutingKey
	}
	for name, key := range bindings {
		if _, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", name, cfg.Exchange, err)
		}
	}
	return nil
}

// Publish sends one persistent JSON message to the exchange and waits for
// the broker confirm. Calls are serialized; there is no rollback once the
// broker accepted the message.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if r.conn.IsClosed() || r.channel.IsClosed() {
		return ErrChannelClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		r.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	// nil when the channel is not in confirm mode
	if confirm == nil {
		return nil
	}

	select {
	case <-confirm.Done():
		if !confirm.Acked() {
			return fmt.Errorf("%w: broker nacked message", ErrPublishFailed)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for confirm: %v", ErrPublishFailed, ctx.Err())
	}
}

// Close closes the publish channel and the connection.
func (r *RabbitMQ) Close() {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
