// Package amqpbroker adapts github.com/rabbitmq/amqp091-go to the
// container package's Connection/Channel/Admin interfaces. It owns all
// direct dependence on the wire client; nothing outside this package
// imports amqp091-go.
package amqpbroker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qijun4tian/amqp-container/internal/container"
)

// QueueSpec describes one queue's declaration arguments, used both to
// declare it and to detect a mismatch against what the broker reports.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Connection dials one AMQP091 connection and hands out channels wrapped
// in container.Channel.
type Connection struct {
	conn *amqp.Connection
}

// Dial connects to url (an amqp:// or amqps:// URI).
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return &Connection{conn: conn}, nil
}

func classifyDialError(err error) error {
	if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == amqp.AccessRefused {
		return fmt.Errorf("amqpbroker: dial: %w: %v", container.ErrAuthenticationFailed, err)
	}
	return fmt.Errorf("amqpbroker: dial: %w", err)
}

func (c *Connection) Channel() (container.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpbroker: open channel: %w", err)
	}
	return &channelAdapter{ch: ch}, nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

type channelAdapter struct {
	ch *amqp.Channel
}

func (a *channelAdapter) Qos(prefetchCount int) error {
	return a.ch.Qos(prefetchCount, 0, false)
}

func (a *channelAdapter) Consume(queue, consumerTag string, noLocal, exclusive bool) (<-chan container.Delivery, error) {
	deliveries, err := a.ch.Consume(queue, consumerTag, false, exclusive, noLocal, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan container.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- container.Delivery{
				DeliveryTag: d.DeliveryTag,
				Body:        d.Body,
				Headers:     d.Headers,
				RoutingKey:  d.RoutingKey,
				Exchange:    d.Exchange,
				ConsumerTag: d.ConsumerTag,
				Redelivered: d.Redelivered,
			}
		}
	}()
	return out, nil
}

func (a *channelAdapter) Ack(tag uint64, multiple bool) error    { return a.ch.Ack(tag, multiple) }
func (a *channelAdapter) Reject(tag uint64, requeue bool) error  { return a.ch.Reject(tag, requeue) }
func (a *channelAdapter) Nack(tag uint64, multiple, requeue bool) error {
	return a.ch.Nack(tag, multiple, requeue)
}
func (a *channelAdapter) TxSelect() error   { return a.ch.Tx() }
func (a *channelAdapter) TxCommit() error   { return a.ch.TxCommit() }
func (a *channelAdapter) TxRollback() error { return a.ch.TxRollback() }
func (a *channelAdapter) Cancel(consumerTag string) error {
	return a.ch.Cancel(consumerTag, false)
}
func (a *channelAdapter) Close() error { return a.ch.Close() }

func (a *channelAdapter) NotifyClose() <-chan error {
	src := a.ch.NotifyClose(make(chan *amqp.Error, 1))
	out := make(chan error, 1)
	go func() {
		defer close(out)
		if amqpErr, ok := <-src; ok {
			out <- amqpErr
		}
	}()
	return out
}

func (a *channelAdapter) NotifyCancel() <-chan string {
	return a.ch.NotifyCancel(make(chan string, 1))
}

// Admin wraps a dedicated management channel used to declare and probe
// queue topology out of band from any one worker's consuming channel.
type Admin struct {
	conn    *Connection
	queues  []QueueSpec
	timeout time.Duration
}

func NewAdmin(conn *Connection, queues []QueueSpec) *Admin {
	return &Admin{conn: conn, queues: queues, timeout: 10 * time.Second}
}

// Initialize (re)declares every configured queue.
func (a *Admin) Initialize(ctx context.Context) error {
	ch, err := a.conn.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqpbroker: admin channel: %w", err)
	}
	defer ch.Close()

	for _, q := range a.queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args); err != nil {
			return fmt.Errorf("amqpbroker: declare queue %s: %w", q.Name, err)
		}
	}
	return nil
}

// QueueProperties passively inspects a queue (QueueDeclarePassive) and
// reports whether it exists. It does not compare the queue's arguments
// with the configured QueueSpec: Mismatched is always false.
func (a *Admin) QueueProperties(ctx context.Context, name string) (container.QueueProperties, error) {
	ch, err := a.conn.conn.Channel()
	if err != nil {
		return container.QueueProperties{}, fmt.Errorf("amqpbroker: admin channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return container.QueueProperties{Name: name, Exists: false}, nil
	}

	// QueueDeclarePassive does not echo back durable/auto-delete/args, so
	// no mismatch is reported from here.
	return container.QueueProperties{Name: name, Exists: true, Mismatched: false}, nil
}
