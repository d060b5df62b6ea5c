package container

import (
	"sync"
	"time"
)

// ScalingController implements the elastic concurrency hysteresis: a
// worker that received a message resets its idle streak and, after enough
// consecutive active batches, requests another worker be added; a worker
// that timed out without a message resets its active streak and, after
// enough consecutive idle batches, cancels itself. Both directions are
// damped by a minimum interval so rapid alternation cannot flap the pool.
type ScalingController struct {
	cfg *Config

	mu                sync.Mutex
	consecutiveActive int
	consecutiveIdle   int
	lastStarted       time.Time
	lastStopped       time.Time
}

func NewScalingController(cfg *Config) *ScalingController {
	return &ScalingController{cfg: cfg}
}

// OnBatch records the outcome of one NextMessage/execute batch for a
// worker and reports whether the pool should add or remove a worker.
// remove, when true, means the CALLING worker is the one to cancel.
func (s *ScalingController) OnBatch(receivedOK bool, now time.Time, workerCount int) (add, remove bool) {
	if s.cfg.ConcurrentMax <= s.cfg.ConcurrentMin {
		return false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if receivedOK {
		s.consecutiveIdle = 0
		s.consecutiveActive++
		if s.consecutiveActive >= s.cfg.ConsecutiveActiveTrigger {
			s.consecutiveActive = 0
			if workerCount < s.cfg.ConcurrentMax &&
				now.Sub(s.lastStarted) >= s.cfg.StartConsumerMinInterval {
				s.lastStarted = now
				return true, false
			}
		}
		return false, false
	}

	s.consecutiveActive = 0
	s.consecutiveIdle++
	if s.consecutiveIdle >= s.cfg.ConsecutiveIdleTrigger &&
		workerCount > s.cfg.ConcurrentMin &&
		now.Sub(s.lastStopped) >= s.cfg.StopConsumerMinInterval {
		s.consecutiveIdle = 0
		s.lastStopped = now
		return false, true
	}
	return false, false
}
