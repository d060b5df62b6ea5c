package container

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEventBus captures every published event for assertions.
type recordingEventBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingEventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingEventBus) snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

func (b *recordingEventBus) countOf(kind func(Event) bool) int {
	n := 0
	for _, ev := range b.snapshot() {
		if kind(ev) {
			n++
		}
	}
	return n
}

// recordingListener appends every delivered message body, optionally
// failing on a configured 1-based message index.
type recordingListener struct {
	mu       sync.Mutex
	bodies   []string
	failOn   int
	failWith func(err error) error
	seen     int
}

func (l *recordingListener) OnMessage(ctx context.Context, msg *Message) error {
	l.mu.Lock()
	l.seen++
	idx := l.seen
	l.bodies = append(l.bodies, string(msg.Body))
	l.mu.Unlock()

	if l.failOn != 0 && idx == l.failOn {
		return l.failWith(nil)
	}
	return nil
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bodies)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

// TestContainerSimpleAck is scenario S1: every message is processed
// successfully and acked, with no rejects and no restarts.
func TestContainerSimpleAck(t *testing.T) {
	conn := newFakeConnection()
	listener := &recordingListener{}
	bus := &recordingEventBus{}

	c, err := NewContainer(Config{
		ConcurrentMin:  1,
		ConcurrentMax:  1,
		PrefetchCount:  1,
		TxSize:         1,
		ReceiveTimeout: 20 * time.Millisecond,
		QueueNames:     []string{"orders"},
	}, conn, nil, listener, WithEventBus(bus))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))

	conn.broker.publish("orders", []byte("one"))
	conn.broker.publish("orders", []byte("two"))
	conn.broker.publish("orders", []byte("three"))

	waitFor(t, time.Second, func() bool { return listener.count() == 3 })
	waitFor(t, time.Second, func() bool {
		conn.broker.mu.Lock()
		defer conn.broker.mu.Unlock()
		return len(conn.broker.acked) == 3
	})

	require.NoError(t, c.Stop())

	assert.Equal(t, []string{"one", "two", "three"}, listener.bodies)
	assert.Empty(t, conn.broker.rejected)

	restarts := bus.countOf(func(ev Event) bool {
		_, ok := ev.(AsyncConsumerRestartedEvent)
		return ok
	})
	assert.Zero(t, restarts, "a clean run must not restart any worker")
}

// TestContainerRejectAndDontRequeueDoesNotRestart is scenario S3: a
// listener that always returns RejectAndDontRequeue must see every message
// rejected without requeue, and the worker must never restart.
func TestContainerRejectAndDontRequeueDoesNotRestart(t *testing.T) {
	conn := newFakeConnection()
	listener := &recordingListener{
		failOn:   1,
		failWith: func(error) error { return RejectAndDontRequeue(assertErr{}) },
	}
	bus := &recordingEventBus{}

	c, err := NewContainer(Config{
		ConcurrentMin:          1,
		ConcurrentMax:          1,
		PrefetchCount:          1,
		TxSize:                 1,
		ReceiveTimeout:         20 * time.Millisecond,
		QueueNames:             []string{"orders"},
		DefaultRequeueRejected: true,
	}, conn, nil, listener, WithEventBus(bus))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	conn.broker.publish("orders", []byte("bad"))

	waitFor(t, time.Second, func() bool {
		conn.broker.mu.Lock()
		defer conn.broker.mu.Unlock()
		return len(conn.broker.rejected) == 1
	})

	// Give any erroneous restart a chance to happen before asserting it didn't.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop())

	conn.broker.mu.Lock()
	rejected := append([]rejectRecord(nil), conn.broker.rejected...)
	conn.broker.mu.Unlock()

	require.Len(t, rejected, 1)
	assert.False(t, rejected[0].Requeue)

	restarts := bus.countOf(func(ev Event) bool {
		_, ok := ev.(AsyncConsumerRestartedEvent)
		return ok
	})
	assert.Zero(t, restarts, "RejectAndDontRequeue must not trigger a worker restart")
}

// TestContainerGenericErrorRestartsWorker is scenario S2's restart half:
// a plain listener error is rejected with requeue per policy and the
// worker restarts exactly once.
func TestContainerGenericErrorRestartsWorker(t *testing.T) {
	conn := newFakeConnection()
	listener := &recordingListener{
		failOn:   1,
		failWith: func(error) error { return assertErr{} },
	}
	bus := &recordingEventBus{}

	c, err := NewContainer(Config{
		ConcurrentMin:          1,
		ConcurrentMax:          1,
		PrefetchCount:          1,
		TxSize:                 1,
		ReceiveTimeout:         20 * time.Millisecond,
		QueueNames:             []string{"orders"},
		DefaultRequeueRejected: true,
	}, conn, nil, listener, WithEventBus(bus))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	conn.broker.publish("orders", []byte("bad"))

	waitFor(t, time.Second, func() bool {
		return bus.countOf(func(ev Event) bool {
			_, ok := ev.(AsyncConsumerRestartedEvent)
			return ok
		}) == 1
	})

	require.NoError(t, c.Stop())

	conn.broker.mu.Lock()
	rejected := append([]rejectRecord(nil), conn.broker.rejected...)
	conn.broker.mu.Unlock()

	require.Len(t, rejected, 1)
	assert.True(t, rejected[0].Requeue)
}

func TestContainerStartIsNotReentrant(t *testing.T) {
	conn := newFakeConnection()
	listener := &recordingListener{}

	c, err := NewContainer(Config{
		ConcurrentMin: 1,
		ConcurrentMax: 1,
		QueueNames:    []string{"orders"},
	}, conn, nil, listener)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	require.NoError(t, c.Stop())
}

// TestContainerScaleDownRetiresWorkerGoroutine guards against a worker
// cancelled by SetConcurrentMax spinning forever just because the
// container as a whole is still running: its goroutine must drain and
// exit, releasing the active count, without being restarted.
func TestContainerScaleDownRetiresWorkerGoroutine(t *testing.T) {
	conn := newFakeConnection()
	listener := &recordingListener{}

	c, err := NewContainer(Config{
		ConcurrentMin:  1,
		ConcurrentMax:  2,
		ReceiveTimeout: 10 * time.Millisecond,
		QueueNames:     []string{"orders"},
	}, conn, nil, listener)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	c.SetConcurrentMin(2)
	waitFor(t, time.Second, func() bool { return c.workerCount() == 2 })
	waitFor(t, time.Second, func() bool { return c.active.Count() == 2 })

	c.SetConcurrentMax(1)
	waitFor(t, time.Second, func() bool { return c.workerCount() == 1 })
	waitFor(t, time.Second, func() bool { return c.active.Count() == 1 })

	require.NoError(t, c.Stop())
}

func TestContainerStopIsIdempotent(t *testing.T) {
	conn := newFakeConnection()
	listener := &recordingListener{}

	c, err := NewContainer(Config{
		ConcurrentMin: 1,
		ConcurrentMax: 1,
		QueueNames:    []string{"orders"},
	}, conn, nil, listener)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}
