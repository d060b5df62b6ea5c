package container

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// WorkerRunner drives one BlockingQueueConsumer through its receive/ack/
// restart loop for as long as the owning Container is active. It is
// created fresh on every (re)start; a worker that needs to restart gets a
// brand new WorkerRunner that inherits the previous one's back-off
// execution so retry pacing survives the restart.
type WorkerRunner struct {
	id        string
	container *Container
	consumer  *BlockingQueueConsumer
	backoff   Execution

	startOnce sync.Once
	startCh   chan struct{}
	startErr  error

	aborted bool

	// lastReceive/lastAlert track the idle-event clock. Both are touched
	// only by this worker's own goroutine (afterBatch/Run), never
	// concurrently, so no synchronization is needed.
	lastReceive time.Time
	lastAlert   time.Time
}

func newWorkerRunner(id string, container *Container, consumer *BlockingQueueConsumer, backoff Execution) *WorkerRunner {
	return &WorkerRunner{
		id:        id,
		container: container,
		consumer:  consumer,
		backoff:   backoff,
		startCh:   make(chan struct{}),
	}
}

func (r *WorkerRunner) signalStarted(err error) {
	r.startOnce.Do(func() {
		r.startErr = err
		close(r.startCh)
	})
}

// AwaitStart blocks until the worker has either begun consuming or failed
// to start, or timeout elapses.
func (r *WorkerRunner) AwaitStart(timeout time.Duration) error {
	select {
	case <-r.startCh:
		return r.startErr
	case <-time.After(timeout):
		return errors.New("container: timed out waiting for consumer to start")
	}
}

// Run is the worker's entire lifetime: it owns the consumer from Start
// through the final Close, and never returns until the worker has either
// aborted for good or handed off to a successor via finalize.
func (r *WorkerRunner) Run(ctx context.Context) {
	defer r.finalize()

	if !r.container.isActive() {
		r.markAborted()
		return
	}

	if r.container.redeclarer != nil && r.container.cfg.AutoDeclare {
		if err := r.container.redeclarer.EnsureDeclared(ctx, r.consumer.queues); err != nil {
			r.onStartupError(ctx, err)
			return
		}
	}

	if err := r.consumer.Start(ctx); err != nil {
		r.onStartupError(ctx, err)
		return
	}

	r.lastReceive = time.Now()
	r.signalStarted(nil)
	r.receiveLoop(ctx)
}

func (r *WorkerRunner) onStartupError(ctx context.Context, err error) {
	var qerr *QueuesNotAvailableError
	if errors.As(err, &qerr) {
		if r.container.cfg.MissingQueuesFatal {
			r.markFatal(err)
			return
		}
		r.container.events.Publish(ListenerContainerConsumerFailedEvent{Reason: "queues not available", Cause: err, Fatal: false})
		r.handleStartupFailureWait(ctx)
		return
	}

	var fatalStart *FatalListenerStartupError
	if errors.As(err, &fatalStart) && errors.Is(fatalStart, ErrAuthenticationFailed) {
		if r.container.cfg.PossibleAuthFailureFatal {
			r.markFatal(err)
			return
		}
		r.container.events.Publish(ListenerContainerConsumerFailedEvent{Reason: "possible auth failure", Cause: err, Fatal: false})
		r.handleStartupFailureWait(ctx)
		return
	}

	r.container.events.Publish(ListenerContainerConsumerFailedEvent{Reason: "startup failed", Cause: err, Fatal: false})
	r.handleStartupFailureWait(ctx)
}

func (r *WorkerRunner) handleStartupFailureWait(ctx context.Context) {
	delay, ok := r.backoff.Next()
	if !ok {
		r.container.stopSingleOwner()
		return
	}
	r.sleepInterruptible(ctx, delay)
}

func (r *WorkerRunner) sleepInterruptible(ctx context.Context, delay time.Duration) {
	const tick = 200 * time.Millisecond
	deadline := time.Now().Add(delay)
	for time.Now().Before(deadline) {
		if !r.container.isActive() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
	}
}

func (r *WorkerRunner) markFatal(err error) {
	r.aborted = true
	r.container.recordFatalStartupErr(err)
	r.signalStarted(err)
}

func (r *WorkerRunner) markAborted() {
	r.aborted = true
}

// shouldContinue gates on this worker's own membership, not just the
// container's overall state: once this worker has been cancelled (scale-
// down, SetConcurrentMax, or a queue-set change), it must drain whatever is
// already buffered and then exit, even while the container as a whole
// keeps running with other workers.
func (r *WorkerRunner) shouldContinue() bool {
	return (r.container.isActive() && !r.consumer.isCancelled()) || r.consumer.hasPending()
}

func (r *WorkerRunner) receiveLoop(ctx context.Context) {
	for r.shouldContinue() {
		_, err := r.receiveAndExecute(ctx)
		if err != nil {
			if isRejectAndDontRequeue(err) {
				continue
			}
			r.onLoopError(ctx, err)
			return
		}
	}
}

func (r *WorkerRunner) receiveAndExecute(ctx context.Context) (bool, error) {
	if r.container.cfg.TxManager != nil {
		return r.receiveAndExecuteWithExternalTx(ctx)
	}
	return r.receiveAndExecuteLocal(ctx)
}

func (r *WorkerRunner) receiveAndExecuteLocal(ctx context.Context) (bool, error) {
	receivedOK := false

	for i := 0; i < r.container.cfg.TxSize; i++ {
		msg, err := r.consumer.NextMessage(r.container.cfg.ReceiveTimeout)
		if err != nil {
			r.afterBatch(receivedOK)
			return receivedOK, err
		}
		if msg == nil {
			break
		}
		receivedOK = true

		invokeErr := r.container.invoke(ctx, r.consumer.Channel(), messageFromDelivery(*msg))
		if invokeErr != nil {
			if isImmediateAcknowledge(invokeErr) {
				// Leaves the tag pending; the CommitIfNecessary call below
				// acks it and, if locally transacted, commits it in one step.
				_ = r.consumer.RollbackOnExceptionIfNecessary(invokeErr)
				break
			}
			if err := r.consumer.RollbackOnExceptionIfNecessary(invokeErr); err != nil {
				log.Printf("container: worker %s rollback failed: %v", r.id, err)
			}
			r.afterBatch(receivedOK)
			return receivedOK, invokeErr
		}
	}

	if _, err := r.consumer.CommitIfNecessary(r.container.cfg.ChannelTransacted); err != nil {
		r.afterBatch(receivedOK)
		return receivedOK, err
	}

	r.afterBatch(receivedOK)
	return receivedOK, nil
}

func (r *WorkerRunner) receiveAndExecuteWithExternalTx(ctx context.Context) (bool, error) {
	ch := r.consumer.Channel()
	r.container.cfg.TxManager.RegisterChannel(ch)
	defer r.container.cfg.TxManager.UnregisterChannel(ch)

	receivedOK := false

	for i := 0; i < r.container.cfg.TxSize; i++ {
		msg, err := r.consumer.NextMessage(r.container.cfg.ReceiveTimeout)
		if err != nil {
			r.afterBatch(receivedOK)
			return receivedOK, err
		}
		if msg == nil {
			break
		}
		receivedOK = true

		invokeErr := r.container.invoke(ctx, ch, messageFromDelivery(*msg))
		if invokeErr != nil {
			if isImmediateAcknowledge(invokeErr) {
				r.consumer.ClearDeliveryTags()
				break
			}
			// Physical rollback belongs to the external transaction; only
			// local bookkeeping is cleared here.
			r.consumer.ClearDeliveryTags()
			r.afterBatch(receivedOK)
			return receivedOK, invokeErr
		}
	}

	r.consumer.ClearDeliveryTags()
	r.afterBatch(receivedOK)
	return receivedOK, nil
}

func (r *WorkerRunner) afterBatch(receivedOK bool) {
	if r.container.cfg.ConcurrentMax > r.container.cfg.ConcurrentMin {
		add, remove := r.container.scaling.OnBatch(receivedOK, time.Now(), r.container.workerCount())
		if add {
			r.container.considerAdd()
		}
		if remove {
			r.container.considerRemove(r.id)
		}
	}

	if r.container.cfg.IdleEventInterval > 0 {
		now := time.Now()
		if receivedOK {
			r.lastReceive = now
		} else {
			sinceReceive := now.Sub(r.lastReceive)
			sinceAlert := now.Sub(r.lastAlert)
			if sinceReceive >= r.container.cfg.IdleEventInterval && sinceAlert >= r.container.cfg.IdleEventInterval {
				r.lastAlert = now
				r.container.events.Publish(ListenerContainerIdleEvent{
					IdleTime: sinceReceive,
					Queues:   r.container.cfg.QueueNames,
				})
			}
		}
	}
}

func (r *WorkerRunner) onLoopError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		r.markAborted()

	case isQueuesNotAvailable(err):
		if r.container.cfg.MissingQueuesFatal {
			r.markFatal(err)
		} else {
			r.container.events.Publish(ListenerContainerConsumerFailedEvent{Reason: "queues not available", Cause: err, Fatal: false})
			r.handleStartupFailureWait(ctx)
		}

	case isFatalListenerError(err):
		r.markFatal(err)

	case errors.Is(err, ErrAuthenticationFailed):
		if r.container.cfg.PossibleAuthFailureFatal {
			r.markFatal(err)
		} else {
			r.container.events.Publish(ListenerContainerConsumerFailedEvent{Reason: "possible auth failure", Cause: err, Fatal: false})
			r.handleStartupFailureWait(ctx)
		}

	case isNormalShutdown(err):
		// Expected during Stop(); the worker simply restarts or exits via finalize.

	case isExclusiveUseClosed(err):
		log.Printf("container: worker %s lost exclusive consumer: %v", r.id, err)

	case isUnrecoverable(err):
		r.markFatal(err)

	default:
		log.Printf("container: worker %s loop error, restarting: %v", r.id, err)
	}
}

func (r *WorkerRunner) finalize() {
	r.signalStarted(nil)
	r.container.active.Release()

	if r.container.cfg.TxManager != nil {
		r.container.cfg.TxManager.UnregisterChannel(nil)
	}

	r.container.events.Publish(AsyncConsumerStoppedEvent{ConsumerID: r.id})

	if err := r.consumer.Close(); err != nil {
		log.Printf("container: worker %s close failed: %v", r.id, err)
	}

	if r.aborted {
		if r.container.winStoppingForAbort() {
			r.container.stopSingleOwner()
			r.container.drainAbortEvents()
		}
		return
	}

	r.container.restartWorker(r.id)
}
