package container

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type consumerState int32

const (
	stateNew consumerState = iota
	stateDeclaring
	stateConsuming
	stateCancelling
	stateStopped
)

// BlockingQueueConsumer is one worker's broker-facing state: its channel,
// one consumer tag per queue, an in-memory delivery queue, and the set of
// unacked delivery tags for the current batch. Only the owning
// WorkerRunner goroutine calls NextMessage/CommitIfNecessary/
// RollbackOnExceptionIfNecessary; BasicCancel may be called from another
// goroutine (the container, during scale-down or shutdown).
type BlockingQueueConsumer struct {
	cfg    *Config
	conn   Connection
	admin  Admin
	queues []string

	ch   Channel
	tags map[string]string

	deliveries <-chan Delivery
	cancelCh   <-chan string
	closeCh    <-chan error
	stopMerge  chan struct{}
	mergeOnce  sync.Once

	deliveryTags []uint64

	state        int32
	cancelled    atomic.Bool
	normalCancel atomic.Bool

	mu sync.Mutex
}

func newBlockingQueueConsumer(cfg *Config, conn Connection, admin Admin, queues []string) *BlockingQueueConsumer {
	return &BlockingQueueConsumer{
		cfg:       cfg,
		conn:      conn,
		admin:     admin,
		queues:    append([]string(nil), queues...),
		stopMerge: make(chan struct{}),
	}
}

func (c *BlockingQueueConsumer) setState(s consumerState) { atomic.StoreInt32(&c.state, int32(s)) }
func (c *BlockingQueueConsumer) getState() consumerState  { return consumerState(atomic.LoadInt32(&c.state)) }

// Channel returns the worker's broker channel, for ChannelAwareListener.
func (c *BlockingQueueConsumer) Channel() Channel { return c.ch }

func (c *BlockingQueueConsumer) isCancelled() bool { return c.cancelled.Load() }

// hasPending reports whether the in-memory delivery queue still holds
// buffered deliveries the broker has already pushed but the worker has not
// yet drained.
func (c *BlockingQueueConsumer) hasPending() bool {
	return len(c.deliveries) > 0
}

// Start opens a channel, declares queues per the retry policy, and issues
// basicConsume for every reachable queue. It returns QueuesNotAvailableError
// if none of the configured queues could be verified.
func (c *BlockingQueueConsumer) Start(ctx context.Context) error {
	c.setState(stateDeclaring)

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("blockingqueueconsumer: open channel: %w", err)
	}
	c.ch = ch

	if c.cfg.ChannelTransacted {
		if err := ch.TxSelect(); err != nil {
			return fmt.Errorf("blockingqueueconsumer: tx select: %w", err)
		}
	}

	if err := ch.Qos(c.cfg.effectivePrefetch()); err != nil {
		return fmt.Errorf("blockingqueueconsumer: qos: %w", err)
	}

	available, err := c.declareQueues(ctx)
	if err != nil {
		return err
	}
	if len(available) == 0 {
		return &QueuesNotAvailableError{Queues: c.queues}
	}

	if err := c.startConsuming(available); err != nil {
		return err
	}

	c.setState(stateConsuming)
	return nil
}

// declareQueues probes every configured queue, retrying per-queue up to
// DeclarationRetries. If a strict subset is reachable it keeps retrying the
// whole set every RetryDeclarationInterval until all queues are declared or
// ctx is cancelled (the worker was stopped).
func (c *BlockingQueueConsumer) declareQueues(ctx context.Context) ([]string, error) {
	if c.admin == nil {
		return c.queues, nil
	}

	reachable := make(map[string]bool, len(c.queues))
	for _, q := range c.queues {
		ok, err := c.probeQueue(ctx, q)
		if err != nil {
			return nil, err
		}
		reachable[q] = ok
	}

	if allReachable(c.queues, reachable) {
		return c.queues, nil
	}
	if !anyReachable(reachable) {
		return nil, nil
	}

	ticker := time.NewTicker(c.cfg.RetryDeclarationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return reachableQueues(c.queues, reachable), nil
		case <-ticker.C:
			for _, q := range c.queues {
				ok, err := c.probeQueue(ctx, q)
				if err != nil {
					return nil, err
				}
				reachable[q] = ok
			}
			if allReachable(c.queues, reachable) {
				return c.queues, nil
			}
		}
	}
}

func (c *BlockingQueueConsumer) probeQueue(ctx context.Context, queue string) (bool, error) {
	for attempt := 0; attempt < c.cfg.DeclarationRetries; attempt++ {
		props, err := c.admin.QueueProperties(ctx, queue)
		if err == nil && props.Exists {
			if props.Mismatched && c.cfg.MismatchedQueuesFatal {
				return false, &MismatchedQueuesError{Queue: queue}
			}
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(c.cfg.FailedDeclarationRetryInterval):
		}
	}
	return false, nil
}

func allReachable(queues []string, reachable map[string]bool) bool {
	for _, q := range queues {
		if !reachable[q] {
			return false
		}
	}
	return true
}

func anyReachable(reachable map[string]bool) bool {
	for _, ok := range reachable {
		if ok {
			return true
		}
	}
	return false
}

func reachableQueues(queues []string, reachable map[string]bool) []string {
	out := make([]string, 0, len(queues))
	for _, q := range queues {
		if reachable[q] {
			out = append(out, q)
		}
	}
	return out
}

// startConsuming issues basicConsume per reachable queue and fans the
// resulting delivery channels into one buffered queue sized to the
// effective prefetch, so the broker's prefetch window can fill without
// back-pressuring the client library's I/O callback.
func (c *BlockingQueueConsumer) startConsuming(available []string) error {
	bufSize := c.cfg.effectivePrefetch()
	if bufSize < 1 {
		bufSize = 1
	}
	merged := make(chan Delivery, bufSize)
	c.tags = make(map[string]string, len(available))

	for _, q := range available {
		tag := defaultConsumerTag(q)
		if c.cfg.ConsumerTagStrategy != nil {
			tag = c.cfg.ConsumerTagStrategy(q)
		}
		deliveries, err := c.ch.Consume(q, tag, c.cfg.NoLocal, c.cfg.Exclusive)
		if err != nil {
			return fmt.Errorf("blockingqueueconsumer: consume %s: %w", q, err)
		}
		c.tags[q] = tag

		go c.pump(deliveries, merged)
	}

	c.deliveries = merged
	c.cancelCh = c.ch.NotifyCancel()
	c.closeCh = c.ch.NotifyClose()
	return nil
}

func (c *BlockingQueueConsumer) pump(src <-chan Delivery, dst chan<- Delivery) {
	for {
		select {
		case d, ok := <-src:
			if !ok {
				return
			}
			select {
			case dst <- d:
			case <-c.stopMerge:
				return
			}
		case <-c.stopMerge:
			return
		}
	}
}

func defaultConsumerTag(queue string) string {
	return fmt.Sprintf("%s-%s", queue, uuid.NewString()[:8])
}

// NextMessage waits up to timeout for a delivery. A (nil, nil) return means
// the wait timed out; a non-nil error means the broker cancelled the
// consumer or the channel closed.
func (c *BlockingQueueConsumer) NextMessage(timeout time.Duration) (*Delivery, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrConsumerCancelled
		}
		c.deliveryTags = append(c.deliveryTags, d.DeliveryTag)
		return &d, nil

	case _, ok := <-c.cancelCh:
		if !ok {
			c.cancelCh = nil
			return nil, nil
		}
		return nil, ErrConsumerCancelled

	case err, ok := <-c.closeCh:
		if !ok {
			c.closeCh = nil
			return nil, nil
		}
		return nil, &ShutdownSignalError{Normal: c.normalCancel.Load(), Cause: err}

	case <-timeoutCh:
		return nil, nil
	}
}

// ClearDeliveryTags drops tag bookkeeping without acking or rejecting,
// used under an external TxManager where the outer transaction owns the
// physical rollback.
func (c *BlockingQueueConsumer) ClearDeliveryTags() {
	c.deliveryTags = c.deliveryTags[:0]
}

// CommitIfNecessary acks every pending delivery tag (a single multi-ack)
// and, if locallyTx, commits the channel transaction. It reports whether
// any message was processed in the batch just finished.
func (c *BlockingQueueConsumer) CommitIfNecessary(locallyTx bool) (bool, error) {
	processed := len(c.deliveryTags) > 0

	if c.cfg.AckMode != AckNone && processed {
		last := c.deliveryTags[len(c.deliveryTags)-1]
		if err := c.ch.Ack(last, true); err != nil {
			return processed, fmt.Errorf("blockingqueueconsumer: ack: %w", err)
		}
	}
	c.deliveryTags = c.deliveryTags[:0]

	if locallyTx && c.cfg.ChannelTransacted {
		if err := c.ch.TxCommit(); err != nil {
			return processed, fmt.Errorf("blockingqueueconsumer: tx commit: %w", err)
		}
	}
	return processed, nil
}

// RollbackOnExceptionIfNecessary classifies cause. ImmediateAcknowledge
// leaves pending delivery tags untouched so the caller's following
// CommitIfNecessary call acks them and, if the channel is locally
// transacted, commits in the same step; acking here instead would leave
// the ack inside a transaction nothing ever commits. Otherwise every
// pending tag is rejected per the requeue policy (RejectAndDontRequeue
// always forces requeue=false), except under AckNone, where no reject is
// sent and the tags are only cleared. If the channel is locally transacted and no
// external TxManager owns it, the channel transaction is rolled back; with
// an external manager, only local bookkeeping is cleared and the outer
// transaction rolls back physically.
func (c *BlockingQueueConsumer) RollbackOnExceptionIfNecessary(cause error) error {
	if isImmediateAcknowledge(cause) {
		return nil
	}

	requeue := c.cfg.DefaultRequeueRejected
	if isRejectAndDontRequeue(cause) {
		requeue = false
	}

	if c.cfg.AckMode != AckNone {
		for _, tag := range c.deliveryTags {
			if err := c.ch.Reject(tag, requeue); err != nil {
				log.Printf("blockingqueueconsumer: reject %d (requeue=%v) failed: %v", tag, requeue, err)
			}
		}
	}
	c.deliveryTags = c.deliveryTags[:0]

	if c.cfg.TxManager == nil && c.cfg.ChannelTransacted {
		if err := c.ch.TxRollback(); err != nil {
			return fmt.Errorf("blockingqueueconsumer: tx rollback: %w", err)
		}
	}
	return nil
}

// BasicCancel marks normal_cancel, issues basicCancel for every consumer
// tag, and leaves the channel open so the delivery queue can still drain;
// Close() performs the physical channel close.
func (c *BlockingQueueConsumer) BasicCancel(normal bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.normalCancel.Store(normal)
	c.cancelled.Store(true)
	c.setState(stateCancelling)

	if c.ch == nil {
		return nil
	}
	var firstErr error
	for _, tag := range c.tags {
		if err := c.ch.Cancel(tag); err != nil {
			log.Printf("blockingqueueconsumer: cancel %s failed: %v", tag, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close stops the delivery pumps and closes the channel. Safe to call more
// than once.
func (c *BlockingQueueConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mergeOnce.Do(func() { close(c.stopMerge) })
	c.setState(stateStopped)
	if c.ch != nil {
		return c.ch.Close()
	}
	return nil
}
