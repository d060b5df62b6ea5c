package container

import "context"

// Message is the listener-visible view of a delivered message.
type Message struct {
	Body        []byte
	Headers     map[string]interface{}
	DeliveryTag uint64
	RoutingKey  string
	Exchange    string
	ConsumerTag string
	Redelivered bool
}

func messageFromDelivery(d Delivery) *Message {
	return &Message{
		Body:        d.Body,
		Headers:     d.Headers,
		DeliveryTag: d.DeliveryTag,
		RoutingKey:  d.RoutingKey,
		Exchange:    d.Exchange,
		ConsumerTag: d.ConsumerTag,
		Redelivered: d.Redelivered,
	}
}

// Listener processes one message. Returning ImmediateAcknowledge(err) acks
// the batch and ends it early; returning RejectAndDontRequeue(err) forces a
// reject without requeue; any other error triggers the container's default
// requeue/rollback policy and, outside a transaction manager, a restart.
type Listener interface {
	OnMessage(ctx context.Context, msg *Message) error
}

// ChannelAwareListener is consulted instead of Listener when the listener
// needs the raw channel, e.g. to publish a reply on the same connection.
type ChannelAwareListener interface {
	OnMessageChannel(ctx context.Context, msg *Message, ch Channel) error
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(ctx context.Context, msg *Message) error

func (f ListenerFunc) OnMessage(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// ListenerContainerAware lets a listener declare which queues it expects to
// be fed from. Start fails fast if the container's configured queue set
// differs.
type ListenerContainerAware interface {
	ExpectedQueueNames() []string
}

// Invoker is the terminal or intermediate step of the interception chain:
// it receives the channel and message and returns the listener's outcome.
type Invoker func(ctx context.Context, ch Channel, msg *Message) error

// Middleware wraps an Invoker, e.g. to add retry or an explicit transaction
// boundary. Middlewares compose in the order they are supplied to
// WithMiddlewares: the first middleware is outermost.
type Middleware func(next Invoker) Invoker

func chainMiddlewares(mws []Middleware, final Invoker) Invoker {
	inv := final
	for i := len(mws) - 1; i >= 0; i-- {
		inv = mws[i](inv)
	}
	return inv
}

func buildInvoker(listener Listener, mws []Middleware) Invoker {
	final := func(ctx context.Context, ch Channel, msg *Message) error {
		if cal, ok := listener.(ChannelAwareListener); ok {
			return cal.OnMessageChannel(ctx, msg, ch)
		}
		return listener.OnMessage(ctx, msg)
	}
	return chainMiddlewares(mws, final)
}
