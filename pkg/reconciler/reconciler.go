package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/events"
	"github.com/cuemby/keel/pkg/lock"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

var (
	// ErrRootNotFound is returned for operations on a root the reconciler does not hold
	ErrRootNotFound = errors.New("root not found")
	// ErrRootExists is returned when adding a root whose id is already taken
	ErrRootExists = errors.New("root already exists")
	// ErrRootRemoved is reported to queued actions of a root that was removed
	ErrRootRemoved = errors.New("root removed")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("reconciler stopped")
	// ErrCommitFailed wraps committer errors. The local root keeps the change.
	ErrCommitFailed = errors.New("commit failed")
)

// Committer makes root changes durable. It is called after the new root has
// replaced the old one and before the next action of the same root is admitted.
type Committer interface {
	CommitRoot(ctx context.Context, root *model.EntityHolder) error
	DeleteRoot(ctx context.Context, id string) error
}

// Config holds reconciler settings
type Config struct {
	// Interval between admission passes when nothing else triggers one
	Interval time.Duration
	// AdmissionRate bounds admissions per second across all roots; zero means unlimited
	AdmissionRate  rate.Limit
	AdmissionBurst int
	// ActionTimeout bounds a single change action; zero means no timeout
	ActionTimeout time.Duration
	// Interceptors wrap every admitted action, the first one outermost
	Interceptors []action.Interceptor
	// Locker guards each root across processes; nil means NoopLocker
	Locker    lock.Locker
	LockTTL   time.Duration
	Broker    *events.Broker
	Committer Committer
	Clock     clock.PassiveClock
}

// Outcome is delivered once per submitted action
type Outcome struct {
	Result  action.Result
	Root    *model.EntityHolder
	Changed []*model.EntityHolder
	// Err is set when the reconciler dropped the action, for example because
	// its root was removed, or when the new root could not be committed
	// (ErrCommitFailed). The action's own failure is in Result.Err.
	Err error
}

type pending struct {
	action    action.ChangeAction
	submitted time.Time
	done      chan Outcome
}

// engine holds one root and the actions queued against it
type engine struct {
	id         string
	root       atomic.Pointer[model.EntityHolder]
	queue      []*pending
	inFlight   bool
	deferredBy string
	logger     zerolog.Logger
}

// Reconciler serializes change actions per root, folds their model updates
// into the root and republishes it
type Reconciler struct {
	config  Config
	limiter *rate.Limiter
	locker  lock.Locker
	clock   clock.PassiveClock
	logger  zerolog.Logger

	lockDegraded atomic.Bool

	mu      sync.Mutex
	engines map[string]*engine
	stopped bool

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.AdmissionRate <= 0 {
		cfg.AdmissionRate = rate.Inf
	}
	if cfg.AdmissionBurst <= 0 {
		cfg.AdmissionBurst = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		config:  cfg,
		limiter: rate.NewLimiter(cfg.AdmissionRate, cfg.AdmissionBurst),
		locker:  locker,
		clock:   clk,
		logger:  log.WithComponent("reconciler"),
		engines: make(map[string]*engine),
		ctx:     ctx,
		cancel:  cancel,
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	metrics.RegisterComponent(metrics.ComponentReconciler, true, "")
	go r.run()
}

// Stop stops the loop and cancels the context of in-flight actions. Their
// completions are still applied. Call Drain first for a graceful shutdown.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()

		close(r.stopCh)
		r.cancel()
		metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
	})
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(r.ctx)
		case <-r.kickCh:
			r.Reconcile(r.ctx)
		case <-r.stopCh:
			return
		}
	}
}

// kick requests an early admission pass
func (r *Reconciler) kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// AddRoot starts managing root and commits it
func (r *Reconciler) AddRoot(ctx context.Context, root *model.EntityHolder) error {
	r.mu.Lock()
	if _, exists := r.engines[root.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRootExists, root.ID())
	}
	r.engines[root.ID()] = r.newEngine(root)
	r.mu.Unlock()

	if err := r.commit(ctx, root); err != nil {
		r.mu.Lock()
		delete(r.engines, root.ID())
		r.mu.Unlock()
		return err
	}

	r.publish(&events.Event{
		Type:     events.EventRootAdded,
		RootID:   root.ID(),
		EntityID: root.ID(),
		Message:  "root added",
	})
	return nil
}

// Restore replaces every held root with roots without committing them. It is
// used to load state that is already durable. Queued actions of replaced
// roots are dropped.
func (r *Reconciler) Restore(roots []*model.EntityHolder) {
	r.mu.Lock()
	var dropped []Outcome
	var channels []chan Outcome
	for _, e := range r.engines {
		for _, p := range e.queue {
			channels = append(channels, p.done)
			dropped = append(dropped, Outcome{Root: e.root.Load(), Err: ErrRootRemoved})
		}
		e.queue = nil
	}
	r.engines = make(map[string]*engine, len(roots))
	for _, root := range roots {
		r.engines[root.ID()] = r.newEngine(root)
	}
	r.mu.Unlock()

	for i, ch := range channels {
		ch <- dropped[i]
	}
	r.logger.Info().Int("roots", len(roots)).Msg("Restored roots")
}

// RemoveRoot stops managing root id. Queued actions are dropped; an in-flight
// action completes against a root that is gone and is discarded.
func (r *Reconciler) RemoveRoot(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.engines[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRootNotFound, id)
	}
	delete(r.engines, id)
	queue := e.queue
	e.queue = nil
	r.mu.Unlock()

	for _, p := range queue {
		p.done <- Outcome{Root: e.root.Load(), Err: ErrRootRemoved}
	}

	if r.config.Committer != nil {
		if err := r.config.Committer.DeleteRoot(ctx, id); err != nil {
			return fmt.Errorf("failed to delete root %s: %w", id, err)
		}
	}

	r.publish(&events.Event{
		Type:     events.EventRootRemoved,
		RootID:   id,
		EntityID: id,
		Message:  "root removed",
	})
	return nil
}

// Root returns the current tree of root id
func (r *Reconciler) Root(id string) (*model.EntityHolder, bool) {
	r.mu.Lock()
	e, ok := r.engines[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.root.Load(), true
}

// Roots returns the current trees in id order
func (r *Reconciler) Roots() []*model.EntityHolder {
	r.mu.Lock()
	engines := r.sortedEngines()
	r.mu.Unlock()

	roots := make([]*model.EntityHolder, 0, len(engines))
	for _, e := range engines {
		roots = append(roots, e.root.Load())
	}
	return roots
}

// Pending returns the number of queued actions of root id, excluding the one in flight
func (r *Reconciler) Pending(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		return len(e.queue)
	}
	return 0
}

// InFlight reports whether root id has an action executing
func (r *Reconciler) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		return e.inFlight
	}
	return false
}

// Submit queues a change action against root id. Actions of one root are
// admitted in submission order, one at a time. The returned channel receives
// exactly one Outcome.
func (r *Reconciler) Submit(rootID string, a action.ChangeAction) (<-chan Outcome, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	e, ok := r.engines[rootID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, rootID)
	}
	p := &pending{
		action:    a,
		submitted: r.clock.Now(),
		done:      make(chan Outcome, 1),
	}
	e.queue = append(e.queue, p)
	r.mu.Unlock()

	change := a.Change()
	metrics.ChangeActionsSubmitted.WithLabelValues(string(change.Kind)).Inc()
	e.logger.Debug().Str("change", change.String()).Msg("Change action queued")

	r.kick()
	return p.done, nil
}

// Reconcile runs one admission pass over all roots
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	r.mu.Lock()
	engines := r.sortedEngines()
	r.mu.Unlock()

	for _, e := range engines {
		if ctx.Err() != nil {
			return
		}
		r.admit(ctx, e)
	}
}

// Drain waits until no action is in flight or ctx is done
func (r *Reconciler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit starts the head action of e if nothing holds it back
func (r *Reconciler) admit(ctx context.Context, e *engine) {
	r.mu.Lock()
	if r.stopped || r.engines[e.id] != e || len(e.queue) == 0 {
		r.mu.Unlock()
		return
	}
	if e.inFlight {
		r.mu.Unlock()
		metrics.ChangeActionsDeferred.WithLabelValues(metrics.DeferInFlight).Inc()
		return
	}

	root := e.root.Load()
	if blocker, blocked := action.Blocking(root, r.config.Interceptors...); blocked {
		head := e.queue[0].action.Change()
		first := e.deferredBy != blocker.Name()
		e.deferredBy = blocker.Name()
		r.mu.Unlock()

		metrics.ChangeActionsDeferred.WithLabelValues(blocker.Name()).Inc()
		if first {
			e.logger.Info().Str("interceptor", blocker.Name()).Str("change", head.String()).Msg("Change action deferred, no execution budget")
			r.publish(&events.Event{
				Type:     events.EventChangeDeferred,
				RootID:   e.id,
				EntityID: head.ID,
				Trigger:  string(head.Trigger),
				Message:  head.Summary,
				Metadata: map[string]string{"interceptor": blocker.Name()},
			})
		}
		return
	}

	// The admission token is only reserved here. It goes back to the limiter
	// if the root lock is refused.
	now := r.clock.Now()
	admission := r.limiter.ReserveN(now, 1)
	if !admission.OK() || admission.DelayFrom(now) > 0 {
		admission.CancelAt(now)
		r.mu.Unlock()
		metrics.ChangeActionsDeferred.WithLabelValues(metrics.DeferAdmission).Inc()
		return
	}

	// Reserve the root while the lock is taken outside the mutex
	e.inFlight = true
	e.deferredBy = ""
	r.mu.Unlock()

	unlock, ok, err := r.locker.TryLock(ctx, e.id, r.config.LockTTL)
	if err != nil || !ok {
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to acquire root lock")
			metrics.UpdateComponent(metrics.ComponentLock, false, err.Error())
			r.lockDegraded.Store(true)
		}
		metrics.ChangeActionsDeferred.WithLabelValues(metrics.DeferLocked).Inc()
		admission.CancelAt(now)
		r.mu.Lock()
		e.inFlight = false
		r.mu.Unlock()
		return
	}

	if r.lockDegraded.CompareAndSwap(true, false) {
		metrics.UpdateComponent(metrics.ComponentLock, true, "")
	}

	r.mu.Lock()
	if r.engines[e.id] != e || len(e.queue) == 0 {
		// removed while the lock was taken
		e.inFlight = false
		r.mu.Unlock()
		r.release(e, unlock)
		return
	}
	p := e.queue[0]
	e.queue = e.queue[1:]
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(e, p, unlock)
}

// execute runs the wrapped action and hands the result to complete
func (r *Reconciler) execute(e *engine, p *pending, unlock lock.UnlockFunc) {
	defer r.wg.Done()

	change := p.action.Change()
	metrics.ChangeActionsInFlight.Inc()
	defer metrics.ChangeActionsInFlight.Dec()

	ctx := r.ctx
	if r.config.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ActionTimeout)
		defer cancel()
	}

	e.logger.Debug().Str("change", change.String()).Msg("Change action admitted")
	timer := metrics.NewTimer()
	wrapped := action.Chain(p.action, r.config.Interceptors...)
	res := action.Run(ctx, wrapped)
	timer.ObserveDurationVec(metrics.ChangeActionDuration, string(change.Kind))

	r.complete(e, p, res, unlock)
}

// complete folds the updates of res into the then-current root. The root stays
// reserved until the new root is committed and published.
func (r *Reconciler) complete(e *engine, p *pending, res action.Result, unlock lock.UnlockFunc) {
	defer r.kick()

	resultLabel := metrics.ResultSuccess
	if res.Failed() {
		resultLabel = metrics.ResultFailure
	}
	metrics.ChangeActionsCompleted.WithLabelValues(string(res.Change.Kind), string(res.Change.Trigger), resultLabel).Inc()

	r.mu.Lock()
	if r.engines[e.id] != e {
		r.mu.Unlock()
		e.logger.Info().Str("change", res.Change.String()).Msg("Change action completed after its root was removed, discarding")
		r.release(e, unlock)
		p.done <- Outcome{Result: res, Root: e.root.Load(), Err: ErrRootRemoved}
		return
	}
	newRoot, changed := action.ApplyAll(e.root.Load(), res.Updates)
	if len(changed) > 0 {
		e.root.Store(newRoot)
	}
	r.mu.Unlock()

	metrics.ModelUpdatesTotal.WithLabelValues("applied").Add(float64(len(changed)))
	metrics.ModelUpdatesTotal.WithLabelValues("noop").Add(float64(len(res.Updates) - len(changed)))

	var commitErr error
	if len(changed) > 0 {
		if commitErr = r.commit(context.Background(), newRoot); commitErr != nil {
			metrics.RootCommitFailures.Inc()
			e.logger.Error().Err(commitErr).Uint64("version", newRoot.Version()).Msg("Failed to commit root")
		}
	}

	if res.Failed() {
		e.logger.Warn().Err(res.Err).Str("change", res.Change.String()).Msg("Change action failed")
		r.publish(&events.Event{
			Type:     events.EventChangeFailed,
			RootID:   e.id,
			EntityID: res.Change.ID,
			Trigger:  string(res.Change.Trigger),
			Message:  res.Err.Error(),
			Changed:  changedIDs(changed),
		})
	}
	if len(changed) > 0 {
		r.publish(&events.Event{
			Type:     events.EventModelUpdated,
			RootID:   e.id,
			EntityID: res.Change.ID,
			Trigger:  string(res.Change.Trigger),
			Message:  res.Change.Summary,
			Changed:  changedIDs(changed),
			Metadata: map[string]string{"version": fmt.Sprintf("%d", newRoot.Version())},
		})
	}

	e.logger.Debug().
		Str("change", res.Change.String()).
		Int("updates", len(res.Updates)).
		Int("changed", len(changed)).
		Dur("latency", r.clock.Since(p.submitted)).
		Msg("Change action completed")

	r.release(e, unlock)
	p.done <- Outcome{Result: res, Root: newRoot, Changed: changed, Err: commitErr}
}

// release frees the root lock and the in-flight reservation
func (r *Reconciler) release(e *engine, unlock lock.UnlockFunc) {
	if err := unlock(context.Background()); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to release root lock")
	}
	r.mu.Lock()
	e.inFlight = false
	r.mu.Unlock()
}

func (r *Reconciler) commit(ctx context.Context, root *model.EntityHolder) error {
	if r.config.Committer == nil {
		return nil
	}
	if err := r.config.Committer.CommitRoot(ctx, root); err != nil {
		return fmt.Errorf("%w: root %s: %w", ErrCommitFailed, root.ID(), err)
	}
	return nil
}

func (r *Reconciler) publish(event *events.Event) {
	if r.config.Broker != nil {
		r.config.Broker.Publish(event)
	}
}

func (r *Reconciler) newEngine(root *model.EntityHolder) *engine {
	e := &engine{
		id:     root.ID(),
		logger: log.WithRootID(r.logger, root.ID()),
	}
	e.root.Store(root)
	return e
}

// sortedEngines must be called with r.mu held
func (r *Reconciler) sortedEngines() []*engine {
	engines := make([]*engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].id < engines[j].id })
	return engines
}

func changedIDs(changed []*model.EntityHolder) []string {
	ids := make([]string, 0, len(changed))
	for _, holder := range changed {
		ids = append(ids, holder.ID())
	}
	return ids
}
