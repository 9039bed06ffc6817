package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Decision tells the consume loop how to settle a delivery.
type Decision int

const (
	// Ack removes the message from the queue.
	Ack Decision = iota
	// Requeue nacks the message back onto the queue for redelivery.
	Requeue
	// Discard rejects the message without requeueing it.
	Discard
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Delivery is one message handed to a Handler.
type Delivery struct {
	Body        []byte
	MessageID   string
	RoutingKey  string
	Redelivered bool
	DeliveryTag uint64
}

// Handler processes one delivery and decides how it is settled.
type Handler func(ctx context.Context, d Delivery) Decision

// Consume registers a manual-ack consumer on queueName with the given
// prefetch and invokes handler for each delivery, one at a time. The handler
// runs with a context that is not cancelled by ctx, so an in-flight message
// is always finished and settled. Consume returns when ctx is done or the
// delivery channel closes.
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, prefetch int, handler Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}

	channel, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer channel.Close()

	// Set prefetch count
	if err := channel.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// Register consumer
	msgs, err := channel.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	r.logger.InfoContext(ctx, "consuming", "queue", queueName, "prefetch", prefetch)

	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrChannelClosed
			}
			decision := handler(handlerCtx, Delivery{
				Body:        msg.Body,
				MessageID:   msg.MessageId,
				RoutingKey:  msg.RoutingKey,
				Redelivered: msg.Redelivered,
				DeliveryTag: msg.DeliveryTag,
			})
			if err := settle(msg, decision); err != nil {
				return fmt.Errorf("failed to %s message %d: %w", decision, msg.DeliveryTag, err)
			}
		}
	}
}

func settle(msg amqp.Delivery, decision Decision) error {
	switch decision {
	case Ack:
		return msg.Ack(false)
	case Discard:
		return msg.Reject(false)
	default:
		return msg.Nack(false, true)
	}
}
