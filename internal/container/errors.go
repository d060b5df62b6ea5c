package container

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed marks a broker failure that looks like a
	// credential problem rather than transient unavailability.
	ErrAuthenticationFailed = errors.New("container: possible authentication failure")
	// ErrConsumerCancelled is returned by NextMessage when the broker
	// cancelled the worker's consumer tag.
	ErrConsumerCancelled = errors.New("container: broker cancelled the consumer")
	// ErrAlreadyStarted is returned by Start on a container that is
	// already starting or running.
	ErrAlreadyStarted = errors.New("container: already started")
)

// QueuesNotAvailableError is raised by a worker's startup when none of its
// configured queues could be verified on the broker after every retry.
type QueuesNotAvailableError struct {
	Queues []string
}

func (e *QueuesNotAvailableError) Error() string {
	return fmt.Sprintf("container: queues not available: %v", e.Queues)
}

func isQueuesNotAvailable(err error) bool {
	var t *QueuesNotAvailableError
	return errors.As(err, &t)
}

// MismatchedQueuesError is raised when a queue exists with arguments that
// differ from its configured declaration and mismatch-checking is
// mandatory.
type MismatchedQueuesError struct {
	Queue string
}

func (e *MismatchedQueuesError) Error() string {
	return fmt.Sprintf("container: queue %q arguments mismatch broker declaration", e.Queue)
}

// FatalListenerStartupError marks a startup failure that should stop the
// container instead of triggering a restart.
type FatalListenerStartupError struct {
	Cause error
}

func (e *FatalListenerStartupError) Error() string {
	return fmt.Sprintf("container: fatal listener startup: %v", e.Cause)
}

func (e *FatalListenerStartupError) Unwrap() error { return e.Cause }

// FatalListenerExecutionError marks a processing failure that should stop
// the container, e.g. a listener invoked through reflection that does not
// implement the expected method.
type FatalListenerExecutionError struct {
	Cause error
}

func (e *FatalListenerExecutionError) Error() string {
	return fmt.Sprintf("container: fatal listener execution: %v", e.Cause)
}

func (e *FatalListenerExecutionError) Unwrap() error { return e.Cause }

func isFatalListenerError(err error) bool {
	var s *FatalListenerStartupError
	if errors.As(err, &s) {
		return true
	}
	var x *FatalListenerExecutionError
	return errors.As(err, &x)
}

// ImmediateAcknowledgeError, thrown by a listener, forces the current batch
// to ack immediately and end without processing further messages.
type ImmediateAcknowledgeError struct {
	Cause error
}

// ImmediateAcknowledge wraps cause (which may be nil) so a listener can
// force an early, successful end to the current batch.
func ImmediateAcknowledge(cause error) error { return &ImmediateAcknowledgeError{Cause: cause} }

func (e *ImmediateAcknowledgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("container: immediate acknowledge: %v", e.Cause)
	}
	return "container: immediate acknowledge"
}

func (e *ImmediateAcknowledgeError) Unwrap() error { return e.Cause }

func isImmediateAcknowledge(err error) bool {
	var t *ImmediateAcknowledgeError
	return errors.As(err, &t)
}

// RejectAndDontRequeueError, thrown by a listener, forces the message to be
// rejected without requeue regardless of DefaultRequeueRejected.
type RejectAndDontRequeueError struct {
	Cause error
}

// RejectAndDontRequeue wraps cause (which may be nil) so a listener can
// force a reject-without-requeue regardless of the default policy.
func RejectAndDontRequeue(cause error) error { return &RejectAndDontRequeueError{Cause: cause} }

func (e *RejectAndDontRequeueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("container: reject and don't requeue: %v", e.Cause)
	}
	return "container: reject and don't requeue"
}

func (e *RejectAndDontRequeueError) Unwrap() error { return e.Cause }

func isRejectAndDontRequeue(err error) bool {
	var t *RejectAndDontRequeueError
	return errors.As(err, &t)
}

// ShutdownSignalError wraps a broker-initiated channel or connection
// shutdown. Normal is true for an orderly, container-requested close.
type ShutdownSignalError struct {
	Normal bool
	Cause  error
}

func (e *ShutdownSignalError) Error() string {
	return fmt.Sprintf("container: broker shutdown (normal=%v): %v", e.Normal, e.Cause)
}

func (e *ShutdownSignalError) Unwrap() error { return e.Cause }

func isNormalShutdown(err error) bool {
	var t *ShutdownSignalError
	if errors.As(err, &t) {
		return t.Normal
	}
	return false
}

// ExclusiveUseError wraps a channel close caused by another consumer
// already holding exclusive rights on the queue.
type ExclusiveUseError struct {
	Cause error
}

func (e *ExclusiveUseError) Error() string {
	return fmt.Sprintf("container: exclusive consumer already in use: %v", e.Cause)
}

func (e *ExclusiveUseError) Unwrap() error { return e.Cause }

func isExclusiveUseClosed(err error) bool {
	var t *ExclusiveUseError
	return errors.As(err, &t)
}

// UnrecoverableError marks a process-level failure that must abort the
// worker and stop the whole container.
type UnrecoverableError struct {
	Cause error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("container: unrecoverable error: %v", e.Cause)
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }

func isUnrecoverable(err error) bool {
	var t *UnrecoverableError
	return errors.As(err, &t)
}
