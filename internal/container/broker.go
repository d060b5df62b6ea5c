package container

import "context"

// Delivery is one broker message as handed to a worker. It is the only
// broker-shaped type the container package exposes; concrete adapters
// (internal/amqpbroker) translate real client library types into it.
type Delivery struct {
	DeliveryTag uint64
	Body        []byte
	Headers     map[string]interface{}
	RoutingKey  string
	Exchange    string
	ConsumerTag string
	Redelivered bool
}

// Channel is the subset of an AMQP-family channel the container drives. A
// worker owns exactly one Channel for its lifetime; it is never shared.
type Channel interface {
	Qos(prefetchCount int) error
	Consume(queue, consumerTag string, noLocal, exclusive bool) (<-chan Delivery, error)
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	Nack(tag uint64, multiple, requeue bool) error
	TxSelect() error
	TxCommit() error
	TxRollback() error
	Cancel(consumerTag string) error
	Close() error
	// NotifyClose reports broker- or network-initiated channel closure.
	NotifyClose() <-chan error
	// NotifyCancel reports broker-initiated consumer cancellation
	// (e.g. the queue was deleted out from under the consumer).
	NotifyCancel() <-chan string
}

// Connection opens channels against the broker. One worker opens one
// channel per Start; the connection itself may be shared across workers.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// QueueProperties reports what the admin interface observed about a queue.
type QueueProperties struct {
	Name       string
	Exists     bool
	Mismatched bool
}

// Admin is the out-of-band broker management interface used to redeclare
// topology and probe queue existence before a worker starts consuming.
type Admin interface {
	Initialize(ctx context.Context) error
	QueueProperties(ctx context.Context, name string) (QueueProperties, error)
}
