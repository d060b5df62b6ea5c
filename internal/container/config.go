package container

import (
	"errors"
	"time"
)

// AckMode selects how a worker settles a delivered message with the broker.
type AckMode int

const (
	// AckAuto acknowledges each processed batch explicitly (basic.ack).
	AckAuto AckMode = iota
	// AckManual behaves like AckAuto; the listener never sees raw acks and
	// the container still issues them after a successful batch.
	AckManual
	// AckNone configures the broker to auto-ack on delivery; the container
	// never calls Ack/Reject/Nack for these messages.
	AckNone
)

// ConsumerTagStrategy builds a consumer tag for a queue. When nil, the
// container generates one from the queue name and a random suffix.
type ConsumerTagStrategy func(queue string) string

// ShardRouter maps a message to a shard id. Left nil by default. The
// container stores it but never calls it: all workers form one implicit
// shard whether or not it is set.
type ShardRouter func(msg *Message) int

// Config holds the container's tunables. Treat it as immutable once passed
// to NewContainer, except for ConcurrentMin/ConcurrentMax and QueueNames,
// which are mutated only through Container's setter methods under its
// worker-set lock.
type Config struct {
	ConcurrentMin int
	ConcurrentMax int

	PrefetchCount int
	TxSize        int

	ReceiveTimeout       time.Duration
	ShutdownTimeout      time.Duration
	ConsumerStartTimeout time.Duration

	StartConsumerMinInterval time.Duration
	StopConsumerMinInterval  time.Duration

	ConsecutiveActiveTrigger int
	ConsecutiveIdleTrigger   int

	AckMode           AckMode
	ChannelTransacted bool
	TxManager         TxManager

	DefaultRequeueRejected    bool
	AlwaysRequeueOnTxRollback bool

	Exclusive bool
	NoLocal   bool

	MissingQueuesFatal       bool
	MismatchedQueuesFatal    bool
	PossibleAuthFailureFatal bool

	QueueNames []string

	RecoveryBackoff BackOffPolicy

	AutoDeclare bool

	ConsumerTagStrategy ConsumerTagStrategy

	IdleEventInterval time.Duration

	ForceCloseChannel bool

	DeclarationRetries             int
	FailedDeclarationRetryInterval time.Duration
	RetryDeclarationInterval       time.Duration

	// ShardRouter is carried as configuration only; the container does not
	// call it.
	ShardRouter ShardRouter

	// ResetBackoffOnQueuesChanged is accepted but has no effect: QueuesChanged
	// starts every replacement worker with a fresh back-off execution whether
	// it is true or false (default false). Back-off pacing does not survive a
	// queue-set change.
	ResetBackoffOnQueuesChanged bool
}

func (c *Config) setDefaults() {
	if c.ConcurrentMin <= 0 {
		c.ConcurrentMin = 1
	}
	if c.ConcurrentMax < c.ConcurrentMin {
		c.ConcurrentMax = c.ConcurrentMin
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 1
	}
	if c.TxSize <= 0 {
		c.TxSize = 1
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ConsumerStartTimeout <= 0 {
		c.ConsumerStartTimeout = 60 * time.Second
	}
	if c.ConsecutiveActiveTrigger <= 0 {
		c.ConsecutiveActiveTrigger = 10
	}
	if c.ConsecutiveIdleTrigger <= 0 {
		c.ConsecutiveIdleTrigger = 10
	}
	if c.RecoveryBackoff == nil {
		c.RecoveryBackoff = NewFixedBackOff(5 * time.Second)
	}
	if len(c.QueueNames) == 0 {
		c.QueueNames = []string{"default"}
	}
	if c.DeclarationRetries <= 0 {
		c.DeclarationRetries = 3
	}
	if c.FailedDeclarationRetryInterval <= 0 {
		c.FailedDeclarationRetryInterval = 5 * time.Second
	}
	if c.RetryDeclarationInterval <= 0 {
		c.RetryDeclarationInterval = 60 * time.Second
	}
}

func (c *Config) effectivePrefetch() int {
	if c.TxSize > c.PrefetchCount {
		return c.TxSize
	}
	return c.PrefetchCount
}

// Validate rejects configurations that can never run correctly.
func (c *Config) Validate() error {
	if c.ConcurrentMin < 1 {
		return errors.New("container: concurrent_min must be >= 1")
	}
	if c.ConcurrentMax < c.ConcurrentMin {
		return errors.New("container: concurrent_max must be >= concurrent_min")
	}
	if c.Exclusive && (c.ConcurrentMin != 1 || c.ConcurrentMax != 1) {
		return errors.New("container: exclusive consumers require concurrent_min = concurrent_max = 1")
	}
	if c.AckMode == AckNone && c.TxManager != nil {
		return errors.New("container: auto-ack with an external transaction manager is not allowed")
	}
	if len(c.QueueNames) == 0 {
		return errors.New("container: at least one queue name is required")
	}
	return nil
}
