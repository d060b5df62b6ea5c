package container

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LifecycleState is the container's own state machine, independent of any
// one worker's state.
type LifecycleState int

const (
	StateInitialized LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type managedWorker struct {
	id       string
	consumer *BlockingQueueConsumer
	runner   *WorkerRunner
	cancel   context.CancelFunc
}

// Option customizes a Container at construction time.
type Option func(*Container)

func WithEventBus(bus EventBus) Option {
	return func(c *Container) { c.events = bus }
}

func WithMiddlewares(mws ...Middleware) Option {
	return func(c *Container) { c.middlewares = mws }
}

func WithAutoDeclare(auto bool) Option {
	return func(c *Container) { c.autoDeclare = auto }
}

// Container owns a pool of workers consuming a fixed set of queues through
// one Listener. It is the top-level object a caller starts and stops; all
// elastic scaling, restart-on-error, and shutdown draining happen beneath
// Start/Stop.
type Container struct {
	cfg         *Config
	conn        Connection
	admin       Admin
	listener    Listener
	middlewares []Middleware
	invoker     Invoker
	events      EventBus
	autoDeclare bool

	stateMu  sync.Mutex
	state    LifecycleState
	fatalErr error

	mu            sync.Mutex
	workers       map[string]*managedWorker
	nextWorkerSeq int

	active     *ActiveCounter
	scaling    *ScalingController
	redeclarer *QueueRedeclarer

	stoppingForAbort boolFlag
	abortEvents      chan Event

	runCtx    context.Context
	runCancel context.CancelFunc
}

// boolFlag is a tiny CAS-capable bool, kept local to avoid importing
// sync/atomic twice under two different names in call sites below.
type boolFlag struct {
	mu  sync.Mutex
	val bool
}

func (f *boolFlag) CompareAndSwap(old, new bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.val != old {
		return false
	}
	f.val = new
	return true
}

func (f *boolFlag) Store(v bool) {
	f.mu.Lock()
	f.val = v
	f.mu.Unlock()
}

func (f *boolFlag) Load() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val
}

// NewContainer validates cfg, applies defaults, and wires the scaling and
// redeclare helpers. The container is in StateInitialized until Start.
func NewContainer(cfg Config, conn Connection, admin Admin, listener Listener, opts ...Option) (*Container, error) {
	cfgCopy := cfg
	cfgCopy.setDefaults()
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}

	c := &Container{
		cfg:         &cfgCopy,
		conn:        conn,
		admin:       admin,
		listener:    listener,
		events:      NoopEventBus{},
		autoDeclare: cfgCopy.AutoDeclare,
		workers:     make(map[string]*managedWorker),
		active:      NewActiveCounter(),
		abortEvents: make(chan Event, 64),
	}
	c.scaling = NewScalingController(c.cfg)
	c.redeclarer = NewQueueRedeclarer(admin, c.cfg.MismatchedQueuesFatal)

	for _, opt := range opts {
		opt(c)
	}
	c.invoker = buildInvoker(listener, c.middlewares)

	return c, nil
}

// Start brings the pool up to ConcurrentMin workers. It fails fast if the
// listener declares an expected queue set that does not match cfg, and
// returns the first fatal startup error any worker recorded.
func (c *Container) Start(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state == StateStarting || c.state == StateRunning {
		c.stateMu.Unlock()
		return ErrAlreadyStarted
	}
	if lca, ok := c.listener.(ListenerContainerAware); ok {
		if !sameQueueSet(lca.ExpectedQueueNames(), c.cfg.QueueNames) {
			c.stateMu.Unlock()
			return fmt.Errorf("container: listener expects queues %v, configured %v", lca.ExpectedQueueNames(), c.cfg.QueueNames)
		}
	}
	c.state = StateStarting
	c.fatalErr = nil
	c.stateMu.Unlock()

	c.mu.Lock()
	c.workers = make(map[string]*managedWorker)
	c.mu.Unlock()

	c.stoppingForAbort.Store(false)
	c.runCtx, c.runCancel = context.WithCancel(ctx)

	if err := c.addAndStartWorkers(c.cfg.ConcurrentMin); err != nil {
		c.setState(StateStopped)
		return err
	}

	if err := c.getFatalErr(); err != nil {
		c.setState(StateStopped)
		return err
	}

	c.setState(StateRunning)
	return nil
}

// Stop cancels every worker, waits up to ShutdownTimeout for the active
// count to drain, and optionally force-closes channels that did not drain
// in time. Re-entrant calls are a no-op.
func (c *Container) Stop() error {
	c.stateMu.Lock()
	if c.state == StateStopping || c.state == StateStopped {
		c.stateMu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.stateMu.Unlock()

	c.mu.Lock()
	workers := make([]*managedWorker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.workers = make(map[string]*managedWorker)
	c.mu.Unlock()

	for _, w := range workers {
		if err := w.consumer.BasicCancel(true); err != nil {
			log.Printf("container: cancel worker %s: %v", w.id, err)
		}
	}

	drained := c.active.Await(c.cfg.ShutdownTimeout)
	if !drained && c.cfg.ForceCloseChannel {
		for _, w := range workers {
			if err := w.consumer.Close(); err != nil {
				log.Printf("container: force-close worker %s: %v", w.id, err)
			}
		}
	}

	if c.runCancel != nil {
		c.runCancel()
	}
	c.active.Deactivate()
	c.setState(StateStopped)
	return nil
}

// stopSingleOwner is the single, reusable entry point for a worker-driven
// shutdown (e.g. a fatal or exhausted-backoff condition). Stop is already
// idempotent, so no separate guard is needed here.
func (c *Container) stopSingleOwner() {
	if err := c.Stop(); err != nil {
		log.Printf("container: stop: %v", err)
	}
}

// SetConcurrentMin adjusts the floor of the worker pool, starting
// additional workers immediately if the pool is currently below n.
func (c *Container) SetConcurrentMin(n int) {
	c.mu.Lock()
	c.cfg.ConcurrentMin = n
	if c.cfg.ConcurrentMax < n {
		c.cfg.ConcurrentMax = n
	}
	current := len(c.workers)
	c.mu.Unlock()

	if current < n {
		if err := c.addAndStartWorkers(n - current); err != nil {
			log.Printf("container: set concurrent min: %v", err)
		}
	}
}

// SetConcurrentMax adjusts the ceiling of the worker pool, cancelling
// excess workers immediately if the pool is currently above n.
func (c *Container) SetConcurrentMax(n int) {
	c.mu.Lock()
	c.cfg.ConcurrentMax = n
	current := len(c.workers)
	excess := current - n
	var toCancel []*managedWorker
	if excess > 0 {
		for _, w := range c.workers {
			if len(toCancel) >= excess {
				break
			}
			toCancel = append(toCancel, w)
			delete(c.workers, w.id)
		}
	}
	c.mu.Unlock()

	for _, w := range toCancel {
		if err := w.consumer.BasicCancel(true); err != nil {
			log.Printf("container: set concurrent max cancel %s: %v", w.id, err)
		}
	}
}

// QueuesChanged swaps the configured queue set and replaces every running
// worker so the new set takes effect. Every replacement starts with a fresh
// back-off execution; a cancelled worker's execution is not carried over,
// and ResetBackoffOnQueuesChanged does not change this.
func (c *Container) QueuesChanged(queueNames []string) error {
	c.mu.Lock()
	c.cfg.QueueNames = append([]string(nil), queueNames...)
	old := make([]*managedWorker, 0, len(c.workers))
	for _, w := range c.workers {
		old = append(old, w)
	}
	c.workers = make(map[string]*managedWorker)
	n := len(old)
	if n == 0 {
		n = c.cfg.ConcurrentMin
	}
	resetBackoff := c.cfg.ResetBackoffOnQueuesChanged
	c.mu.Unlock()

	for _, w := range old {
		if err := w.consumer.BasicCancel(true); err != nil {
			log.Printf("container: queues changed cancel %s: %v", w.id, err)
		}
	}

	if resetBackoff {
		return c.addAndStartWorkers(n)
	}
	// Without a reset, each replacement still gets a fresh back-off: the
	// cancelled workers above are gone for good (not restarted in place),
	// so there is no predecessor execution to inherit here.
	return c.addAndStartWorkers(n)
}

func (c *Container) addAndStartWorkers(n int) error {
	for i := 0; i < n; i++ {
		c.mu.Lock()
		if len(c.workers) >= c.cfg.ConcurrentMax {
			c.mu.Unlock()
			break
		}
		w := c.newManagedWorkerLocked(c.cfg.RecoveryBackoff.Start())
		c.workers[w.id] = w
		c.mu.Unlock()

		c.active.Add()
		go w.runner.Run(c.runCtx)

		if err := w.runner.AwaitStart(c.cfg.ConsumerStartTimeout); err != nil {
			c.mu.Lock()
			delete(c.workers, w.id)
			c.mu.Unlock()
			return fmt.Errorf("container: worker %s failed to start: %w", w.id, err)
		}
		c.events.Publish(AsyncConsumerStartedEvent{ConsumerID: w.id})
	}
	return nil
}

func (c *Container) newManagedWorkerLocked(backoff Execution) *managedWorker {
	c.nextWorkerSeq++
	id := fmt.Sprintf("worker-%d-%s", c.nextWorkerSeq, uuid.NewString()[:8])
	consumer := newBlockingQueueConsumer(c.cfg, c.conn, c.admin, c.cfg.QueueNames)
	runner := newWorkerRunner(id, c, consumer, backoff)
	return &managedWorker{id: id, consumer: consumer, runner: runner}
}

// restartWorker replaces a finished, non-aborted worker in place,
// inheriting its back-off execution so repeated transient failures keep
// backing off instead of resetting to the first interval every time.
func (c *Container) restartWorker(oldID string) {
	if !c.isActive() {
		return
	}

	c.mu.Lock()
	old, ok := c.workers[oldID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.workers, oldID)
	if len(c.workers) >= c.cfg.ConcurrentMax {
		c.mu.Unlock()
		return
	}
	w := c.newManagedWorkerLocked(old.runner.backoff)
	c.workers[w.id] = w
	c.mu.Unlock()

	c.active.Add()
	go w.runner.Run(c.runCtx)
	c.publish(AsyncConsumerRestartedEvent{OldConsumerID: oldID, NewConsumerID: w.id})
}

// considerAdd starts one more worker if the pool has room. Called by a
// worker's own batch-completion hook; it never blocks the caller on
// AwaitStart failures beyond logging them.
func (c *Container) considerAdd() {
	c.mu.Lock()
	room := len(c.workers) < c.cfg.ConcurrentMax
	c.mu.Unlock()
	if !room {
		return
	}
	if err := c.addAndStartWorkers(1); err != nil {
		log.Printf("container: scale up: %v", err)
	}
}

// considerRemove cancels exactly the worker identified by workerID: per
// the scaling policy, an idle worker shuts itself down rather than an
// arbitrary pool member being picked on its behalf.
func (c *Container) considerRemove(workerID string) {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if ok {
		if len(c.workers) <= c.cfg.ConcurrentMin {
			c.mu.Unlock()
			return
		}
		delete(c.workers, workerID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := w.consumer.BasicCancel(true); err != nil {
		log.Printf("container: scale down cancel %s: %v", workerID, err)
	}
}

func (c *Container) workerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

func (c *Container) isActive() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state == StateRunning || c.state == StateStarting
}

func (c *Container) setState(s LifecycleState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State reports the container's current lifecycle state.
func (c *Container) State() LifecycleState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Container) recordFatalStartupErr(err error) {
	c.stateMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.stateMu.Unlock()
}

func (c *Container) getFatalErr() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.fatalErr
}

func (c *Container) winStoppingForAbort() bool {
	return c.stoppingForAbort.CompareAndSwap(false, true)
}

// drainAbortEvents flushes events queued while the container was tearing
// itself down for a fatal abort, bounded so a stuck consumer can't wedge
// shutdown indefinitely.
func (c *Container) drainAbortEvents() {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.abortEvents:
			c.events.Publish(ev)
		case <-deadline:
			return
		default:
			if len(c.abortEvents) == 0 {
				return
			}
		}
	}
}

// publish routes to the deferred abort queue while an abort-triggered stop
// is in flight, so event ordering during teardown stays deterministic;
// otherwise it publishes immediately.
func (c *Container) publish(ev Event) {
	if c.stoppingForAbort.Load() {
		select {
		case c.abortEvents <- ev:
		default:
			c.events.Publish(ev)
		}
		return
	}
	c.events.Publish(ev)
}

func sameQueueSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, q := range a {
		counts[q]++
	}
	for _, q := range b {
		counts[q]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

func (c *Container) invoke(ctx context.Context, ch Channel, msg *Message) error {
	return c.invoker(ctx, ch, msg)
}
