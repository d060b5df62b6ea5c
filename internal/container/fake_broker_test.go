package container

import (
	"context"
	"sync"
)

// fakeBroker is a minimal in-memory stand-in for an AMQP-family broker,
// shared by every channel the tests open against one fakeConnection.
// It tracks delivery tags and records every ack/reject/nack so tests can
// assert on terminal message disposition without a real broker.
type fakeBroker struct {
	mu         sync.Mutex
	nextTag    uint64
	acked      []uint64
	rejected   []rejectRecord
	nacked     []nackRecord
	txCommits  int
	txRollback int
	consumers  map[string]chan Delivery
}

type rejectRecord struct {
	Tag     uint64
	Requeue bool
}

type nackRecord struct {
	Tag      uint64
	Multiple bool
	Requeue  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{consumers: make(map[string]chan Delivery)}
}

func (b *fakeBroker) nextDeliveryTag() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTag++
	return b.nextTag
}

// publish hands a delivery directly to whatever consumer is registered for
// queue. Tests call this after Start so the consumer's Consume channel
// already exists.
func (b *fakeBroker) publish(queue string, body []byte) {
	b.mu.Lock()
	ch, ok := b.consumers[queue]
	b.mu.Unlock()
	if !ok {
		return
	}
	ch <- Delivery{DeliveryTag: b.nextDeliveryTag(), Body: body, RoutingKey: queue}
}

type fakeConnection struct {
	broker *fakeBroker
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{broker: newFakeBroker()}
}

func (c *fakeConnection) Channel() (Channel, error) {
	return &fakeChannel{broker: c.broker, closeCh: make(chan error, 1), cancelCh: make(chan string, 1)}, nil
}

func (c *fakeConnection) Close() error { return nil }

type fakeChannel struct {
	broker   *fakeBroker
	mu       sync.Mutex
	tags     []string
	closeCh  chan error
	cancelCh chan string
	closed   bool
}

func (f *fakeChannel) Qos(prefetchCount int) error { return nil }

func (f *fakeChannel) Consume(queue, consumerTag string, noLocal, exclusive bool) (<-chan Delivery, error) {
	ch := make(chan Delivery, 16)
	f.broker.mu.Lock()
	f.broker.consumers[queue] = ch
	f.broker.mu.Unlock()

	f.mu.Lock()
	f.tags = append(f.tags, consumerTag)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.acked = append(f.broker.acked, tag)
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.rejected = append(f.broker.rejected, rejectRecord{Tag: tag, Requeue: requeue})
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.nacked = append(f.broker.nacked, nackRecord{Tag: tag, Multiple: multiple, Requeue: requeue})
	return nil
}

func (f *fakeChannel) TxSelect() error { return nil }
func (f *fakeChannel) TxCommit() error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.txCommits++
	return nil
}
func (f *fakeChannel) TxRollback() error {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	f.broker.txRollback++
	return nil
}

func (f *fakeChannel) Cancel(consumerTag string) error { return nil }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return nil
}

func (f *fakeChannel) NotifyClose() <-chan error   { return f.closeCh }
func (f *fakeChannel) NotifyCancel() <-chan string { return f.cancelCh }

// fakeAdmin reports every configured queue as already present and matching,
// so QueueRedeclarer/BlockingQueueConsumer proceed without a declare round
// trip unless a test overrides missing/mismatched.
type fakeAdmin struct {
	mu         sync.Mutex
	missing    map[string]bool
	mismatched map[string]bool
	initCalls  int
	initErr    error
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{missing: map[string]bool{}, mismatched: map[string]bool{}}
}

func (a *fakeAdmin) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCalls++
	if a.initErr != nil {
		return a.initErr
	}
	for q := range a.missing {
		delete(a.missing, q)
	}
	return nil
}

func (a *fakeAdmin) QueueProperties(ctx context.Context, name string) (QueueProperties, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.missing[name] {
		return QueueProperties{Name: name, Exists: false}, nil
	}
	return QueueProperties{Name: name, Exists: true, Mismatched: a.mismatched[name]}, nil
}
