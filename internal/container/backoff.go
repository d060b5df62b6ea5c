package container

import "time"

// Execution yields successive recovery delays for one worker slot. Next
// returns (0, false) once the policy is exhausted, instructing the caller
// to stop retrying rather than sleep again.
type Execution interface {
	Next() (time.Duration, bool)
}

// BackOffPolicy creates a fresh Execution whenever a worker starts cleanly
// for the first time. Restarts of the same worker slot keep using the same
// Execution so elapsed delays grow per policy (see Container.restartWorker).
type BackOffPolicy interface {
	Start() Execution
}

// FixedBackOff yields a constant interval, optionally bounded to
// MaxAttempts (0 means unlimited).
type FixedBackOff struct {
	Interval    time.Duration
	MaxAttempts int
}

// NewFixedBackOff returns an unlimited-attempt fixed-interval policy.
func NewFixedBackOff(interval time.Duration) *FixedBackOff {
	return &FixedBackOff{Interval: interval}
}

// NewBoundedBackOff returns a fixed-interval policy that stops after
// maxAttempts, causing the container to transition to STOPPED.
func NewBoundedBackOff(interval time.Duration, maxAttempts int) *FixedBackOff {
	return &FixedBackOff{Interval: interval, MaxAttempts: maxAttempts}
}

func (p *FixedBackOff) Start() Execution {
	return &fixedExecution{policy: p}
}

type fixedExecution struct {
	policy   *FixedBackOff
	attempts int
}

func (e *fixedExecution) Next() (time.Duration, bool) {
	if e.policy.MaxAttempts > 0 && e.attempts >= e.policy.MaxAttempts {
		return 0, false
	}
	e.attempts++
	return e.policy.Interval, true
}
