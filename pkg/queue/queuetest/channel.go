package queuetest

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type consumer struct {
	queue   string
	limit   int
	unacked int
	out     chan amqp.Delivery
}

type pending struct {
	consumer *consumer
	msg      *message
}

type channel struct {
	conn   *connection
	broker *Broker

	closed   bool
	done     chan struct{}
	prefetch int
	confirm  bool

	unacked map[uint64]pending
}

func (ch *channel) doneChan() chan struct{} {
	if ch.done == nil {
		ch.done = make(chan struct{})
	}
	return ch.done
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	want := exchange{kind: kind, durable: durable}
	if have, ok := b.exchanges[name]; ok && have != want {
		return preconditionFailed("inequivalent arg 'type' for exchange '%s'", name)
	}
	b.exchanges[name] = want
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if ok && q.durable != durable {
		return amqp.Queue{}, preconditionFailed("inequivalent arg 'durable' for queue '%s'", name)
	}
	if !ok {
		q = &queueState{durable: durable}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready)}, nil
}

func (ch *channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no queue '%s'", name)}
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no exchange '%s'", exchangeName)}
	}
	bd := binding{queue: name, key: key, exchange: exchangeName}
	for _, existing := range b.bindings {
		if existing == bd {
			return nil
		}
	}
	b.bindings = append(b.bindings, bd)
	return nil
}

func (ch *channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *channel) Confirm(bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// PublishWithDeferredConfirmWithContext routes synchronously. Every publish
// is accepted, so no confirmation is handed back.
func (ch *channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; exchangeName != "" && !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no exchange '%s'", exchangeName)}
	}
	body := append([]byte(nil), msg.Body...)
	b.route(&message{body: body, messageID: msg.MessageId, exchange: exchangeName, routingKey: key})
	return nil, nil
}

func (ch *channel) Consume(queueName, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, fmt.Errorf("queuetest: auto-ack consumers are not supported")
	}
	if _, ok := b.queues[queueName]; !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no queue '%s'", queueName)}
	}
	if ch.unacked == nil {
		ch.unacked = make(map[uint64]pending)
	}
	c := &consumer{queue: queueName, limit: ch.prefetch, out: make(chan amqp.Delivery)}
	go ch.pump(c, ch.doneChan())
	return c.out, nil
}

// pump hands messages to one consumer, holding back while it has limit
// deliveries outstanding.
func (ch *channel) pump(c *consumer, done chan struct{}) {
	b := ch.broker
	defer close(c.out)

	for {
		b.mu.Lock()
		for !ch.closed && !ch.canDeliver(c) {
			b.cond.Wait()
		}
		if ch.closed {
			b.mu.Unlock()
			return
		}

		q := b.queues[c.queue]
		m := q.ready[0]
		q.ready = q.ready[1:]

		b.nextTag++
		tag := b.nextTag
		ch.unacked[tag] = pending{consumer: c, msg: m}
		c.unacked++
		if c.unacked > b.maxUnacked {
			b.maxUnacked = c.unacked
		}
		b.deliveries[string(m.body)]++

		d := amqp.Delivery{
			Acknowledger: ch,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.messageID,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			Exchange:     m.exchange,
			RoutingKey:   m.routingKey,
			Body:         m.body,
		}
		b.mu.Unlock()

		select {
		case c.out <- d:
		case <-done:
			// Close already returned the message to the queue.
			return
		}
	}
}

// canDeliver must be called with the broker lock held.
func (ch *channel) canDeliver(c *consumer) bool {
	q, ok := ch.broker.queues[c.queue]
	if !ok || len(q.ready) == 0 {
		return false
	}
	return c.limit <= 0 || c.unacked < c.limit
}

func (ch *channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close returns every unacked delivery to the front of its queue, marked as
// redelivered.
func (ch *channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closed = true
	close(ch.doneChan())

	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		p.consumer.unacked--
		b.requeue(p)
	}
	b.cond.Broadcast()
	return nil
}

// requeue must be called with the broker lock held.
func (b *Broker) requeue(p pending) {
	q, ok := b.queues[p.consumer.queue]
	if !ok {
		return
	}
	m := *p.msg
	m.redelivered = true
	q.ready = append([]*message{&m}, q.ready...)
	b.cond.Broadcast()
}

// settle must be called with the broker lock held.
func (ch *channel) settle(tag uint64) (pending, error) {
	if ch.closed {
		return pending{}, amqp.ErrClosed
	}
	p, ok := ch.unacked[tag]
	if !ok {
		return pending{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)
	p.consumer.unacked--
	ch.broker.cond.Broadcast()
	return p, nil
}

// Ack implements amqp.Acknowledger.
func (ch *channel) Ack(tag uint64, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := ch.settle(tag); err != nil {
		return err
	}
	b.acked++
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *channel) Nack(tag uint64, _ bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := ch.settle(tag)
	if err != nil {
		return err
	}
	if requeue {
		b.requeued++
		b.requeue(p)
		return nil
	}
	b.rejected++
	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}
