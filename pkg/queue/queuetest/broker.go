// Package queuetest provides an in-memory broker implementing the queue
// package's Connection and Channel interfaces. It models topic routing,
// per-consumer prefetch, manual ack/nack/reject and requeue, and can refuse
// connections to simulate an outage.
package queuetest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"imagecrypt/pkg/queue"
)

// ErrRefused is returned by Dial while the broker simulates an outage.
var ErrRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

type exchange struct {
	kind    string
	durable bool
}

type binding struct {
	queue, key, exchange string
}

type message struct {
	body        []byte
	messageID   string
	exchange    string
	routingKey  string
	redelivered bool
}

type queueState struct {
	durable bool
	ready   []*message
}

// Broker is an in-memory stand-in for RabbitMQ. The zero value is not usable;
// call NewBroker.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	refuse      int
	unavailable bool
	dials       int

	conns []*connection

	exchanges map[string]exchange
	queues    map[string]*queueState
	bindings  []binding

	nextTag    uint64
	maxUnacked int
	acked      int
	requeued   int
	rejected   int
	deliveries map[string]int
}

// NewBroker returns an empty broker accepting connections.
func NewBroker() *Broker {
	b := &Broker{
		exchanges:  make(map[string]exchange),
		queues:     make(map[string]*queueState),
		deliveries: make(map[string]int),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// RefuseDials makes the next n dial attempts fail.
func (b *Broker) RefuseDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = n
}

// SetUnavailable makes every dial fail until reset.
func (b *Broker) SetUnavailable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = down
}

// Dial implements queue.Dialer.
func (b *Broker) Dial(string) (queue.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.unavailable {
		return nil, ErrRefused
	}
	if b.refuse > 0 {
		b.refuse--
		return nil, ErrRefused
	}
	conn := &connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// Disconnect closes every connection handed out so far, as a broker restart
// would. Unacked deliveries return to their queues.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Dials returns the number of dial attempts seen.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// HasExchange reports whether an exchange of the given kind was declared.
func (b *Broker) HasExchange(name, kind string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ok && ex.kind == kind && ex.durable
}

// HasQueue reports whether a durable queue was declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// IsBound reports whether queue is bound to exchange under key.
func (b *Broker) IsBound(queueName, exchangeName, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd == (binding{queue: queueName, key: key, exchange: exchangeName}) {
			return true
		}
	}
	return false
}

// Bindings returns the number of distinct bindings.
func (b *Broker) Bindings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}

// Inject routes a message as if published by another client.
func (b *Broker) Inject(exchangeName, key string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route(&message{body: body, exchange: exchangeName, routingKey: key})
}

// Ready returns the bodies waiting in a queue, in delivery order.
func (b *Broker) Ready(queueName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.body)
	}
	return out
}

// MaxUnacked is the highest number of unsettled deliveries any single
// consumer held at once.
func (b *Broker) MaxUnacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxUnacked
}

// Stats returns settlement counters.
func (b *Broker) Stats() (acked, requeued, rejected int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked, b.requeued, b.rejected
}

// Deliveries returns how many times a body was handed to a consumer.
func (b *Broker) Deliveries(body []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliveries[string(body)]
}

// route must be called with b.mu held.
func (b *Broker) route(m *message) {
	if m.exchange == "" {
		if q, ok := b.queues[m.routingKey]; ok {
			q.ready = append(q.ready, m)
			b.cond.Broadcast()
		}
		return
	}
	for _, bd := range b.bindings {
		if bd.exchange != m.exchange || !topicMatch(bd.key, m.routingKey) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			cp := *m
			q.ready = append(q.ready, &cp)
		}
	}
	b.cond.Broadcast()
}

// topicMatch implements AMQP topic patterns: "*" matches one word and "#"
// matches zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if matchWords(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(k) > 0 && matchWords(p[1:], k[1:])
	default:
		return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
	}
}

type connection struct {
	broker   *Broker
	closed   bool
	channels []*channel
}

func (c *connection) Channel() (queue.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{conn: c, broker: b}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *connection) Close() error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	b.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

func preconditionFailed(format string, args ...any) error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf(format, args...)}
}
