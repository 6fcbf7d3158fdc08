// Package scheduler runs the cooperative monitoring loop: one ticker,
// per-monitor urgency, bounded concurrent passes.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/engine"
	"tpsl_engine/internal/monitor"
	"tpsl_engine/pkg/concurrency"
	apperrors "tpsl_engine/pkg/errors"
	"tpsl_engine/pkg/telemetry"
)

const (
	// loadFactor widens non-critical intervals when the monitor count
	// crosses LoadThreshold; execFactor does the same during execution
	// mode. CRITICAL is never widened.
	loadFactor = 2
	execFactor = 2

	// concurrencySpread is how far the adaptive pass budget may move from
	// the configured base in either direction.
	concurrencySpread = 5

	flushTimeout = 10 * time.Second
)

// Flusher is the persistence surface the scheduler drives: batched saves
// for dirty passes, immediate ones for critical passes and closures.
type Flusher interface {
	MarkDirty()
	Flush(ctx context.Context, reason string) error
}

// Options configures a Scheduler.
type Options struct {
	Registry *engine.Registry
	Runner   *monitor.Runner
	Caches   *cache.Manager
	Prices   core.IPriceSource
	Store    Flusher
	Logger   core.ILogger
	Clock    core.Clock

	Intervals        Intervals
	TickInterval     time.Duration
	BaseConcurrency  int
	PassCeiling      time.Duration
	ExecutionModeTTL time.Duration
	LoadThreshold    int
	DrainTimeout     time.Duration

	// OnClosed is invoked with the pass-holder lock held once a pass
	// reports closure; the engine removes the monitor and folds counters.
	OnClosed func(e *engine.Entry, res monitor.Result)
}

// Scheduler wakes due monitors and runs their passes through a worker pool,
// bounded by an adaptive global semaphore and one lock per monitor.
type Scheduler struct {
	reg      *engine.Registry
	runner   *monitor.Runner
	caches   *cache.Manager
	prices   core.IPriceSource
	store    Flusher
	logger   core.ILogger
	clock    core.Clock
	pool     *concurrency.WorkerPool
	onClosed func(e *engine.Entry, res monitor.Result)

	intervals     Intervals
	tickInterval  time.Duration
	passCeiling   time.Duration
	execTTL       time.Duration
	loadThreshold int
	drainTimeout  time.Duration

	// sem is sized to the ceiling; the scheduler parks (ceiling - target)
	// permits itself and moves the parked count as CRITICAL pressure
	// changes. reserved is touched only by the tick goroutine.
	sem        *semaphore.Weighted
	minPasses  int64
	basePasses int64
	maxPasses  int64
	reserved   int64

	loaded   atomic.Bool
	lastTick atomic.Int64

	execMu        sync.Mutex
	execOn        bool
	execUntil     time.Time
	execListeners []func(on bool)

	ctx        context.Context
	cancel     context.CancelFunc
	passCtx    context.Context
	passCancel context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
	draining   atomic.Bool
}

// New creates a scheduler. The worker pool is owned by the scheduler and
// sized to the pass ceiling so the semaphore, not the pool queue, is the
// effective bound.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Intervals == (Intervals{}) {
		opts.Intervals = DefaultIntervals()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.BaseConcurrency <= 0 {
		opts.BaseConcurrency = 15
	}
	if opts.PassCeiling <= 0 {
		opts.PassCeiling = 90 * time.Second
	}
	if opts.ExecutionModeTTL <= 0 {
		opts.ExecutionModeTTL = 180 * time.Second
	}
	if opts.LoadThreshold <= 0 {
		opts.LoadThreshold = 100
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}

	base := int64(opts.BaseConcurrency)
	min := base - concurrencySpread
	if min < 1 {
		min = 1
	}
	max := base + concurrencySpread

	ctx, cancel := context.WithCancel(context.Background())
	passCtx, passCancel := context.WithCancel(context.Background())

	s := &Scheduler{
		reg:           opts.Registry,
		runner:        opts.Runner,
		caches:        opts.Caches,
		prices:        opts.Prices,
		store:         opts.Store,
		logger:        opts.Logger.WithField("component", "scheduler"),
		clock:         opts.Clock,
		onClosed:      opts.OnClosed,
		intervals:     opts.Intervals,
		tickInterval:  opts.TickInterval,
		passCeiling:   opts.PassCeiling,
		execTTL:       opts.ExecutionModeTTL,
		loadThreshold: opts.LoadThreshold,
		drainTimeout:  opts.DrainTimeout,
		sem:           semaphore.NewWeighted(max),
		minPasses:     min,
		basePasses:    base,
		maxPasses:     max,
		ctx:           ctx,
		cancel:        cancel,
		passCtx:       passCtx,
		passCancel:    passCancel,
	}

	s.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "monitor_passes",
		MaxWorkers:  int(max),
		MaxCapacity: int(max) * 4,
		NonBlocking: true,
	}, opts.Logger)

	// Park permits down to the configured base until the first tick
	// retunes from real CRITICAL pressure.
	for i := base; i < max; i++ {
		if s.sem.TryAcquire(1) {
			s.reserved++
		}
	}

	return s
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Starting scheduler",
		"tick", s.tickInterval,
		"base_concurrency", s.basePasses,
		"pass_ceiling", s.passCeiling)
	s.lastTick.Store(s.clock.Now().UnixNano())
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop stops accepting passes, waits for in-flight ones up to the drain
// timeout, then flushes persistence best effort.
func (s *Scheduler) Stop() error {
	if !s.started.Load() {
		return nil
	}
	s.logger.Info("Stopping scheduler")
	s.draining.Store(true)
	s.cancel()
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.logger.Warn("Pass drain timed out, abandoning stragglers", "timeout", s.drainTimeout)
	}
	s.passCancel()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.store.Flush(ctx, "shutdown"); err != nil {
			s.logger.Error("Shutdown flush failed", "error", err)
			return err
		}
	}
	return nil
}

// SetExecutionMode toggles the trade-placement window: cache TTLs shrink,
// non-critical intervals widen, registered listeners fire. Turning it on
// refreshes the TTL; it auto-expires on a later tick.
func (s *Scheduler) SetExecutionMode(on bool) {
	s.SetExecutionModeFor(on, 0)
}

// SetExecutionModeFor is SetExecutionMode with a caller-chosen TTL.
// ttl <= 0 falls back to the configured one.
func (s *Scheduler) SetExecutionModeFor(on bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.execTTL
	}
	s.execMu.Lock()
	changed := s.execOn != on
	s.execOn = on
	if on {
		s.execUntil = s.clock.Now().Add(ttl)
	}
	listeners := append([]func(bool){}, s.execListeners...)
	s.execMu.Unlock()

	if changed {
		s.applyExecutionMode(on, listeners)
	}
}

// OnExecutionMode registers a listener for mode changes; the engine uses
// this to raise per-account exchange concurrency.
func (s *Scheduler) OnExecutionMode(fn func(on bool)) {
	s.execMu.Lock()
	s.execListeners = append(s.execListeners, fn)
	s.execMu.Unlock()
}

// ExecutionModeActive reports the current mode.
func (s *Scheduler) ExecutionModeActive() bool {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.execOn
}

// HealthCheck fails when the tick loop has stalled.
func (s *Scheduler) HealthCheck() func() error {
	return func() error {
		if !s.started.Load() {
			return fmt.Errorf("scheduler not started")
		}
		last := time.Unix(0, s.lastTick.Load())
		if age := s.clock.Now().Sub(last); age > 10*s.tickInterval {
			return fmt.Errorf("scheduler tick stalled for %s", age)
		}
		return nil
	}
}

// Stats reports loop and pool counters for the ops surface.
func (s *Scheduler) Stats() map[string]interface{} {
	stats := s.pool.Stats()
	stats["monitors"] = s.reg.Len()
	stats["execution_mode"] = s.ExecutionModeActive()
	stats["under_load"] = s.loaded.Load()
	return stats
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.clock.Now())
		}
	}
}

type dueMonitor struct {
	entry   *engine.Entry
	urgency core.Urgency
	due     time.Time
}

// tick classifies every monitor, retunes the pass budget, then dispatches
// the due ones in urgency order. Entries whose pass is still running are
// skipped; their lock is held by the worker.
func (s *Scheduler) tick(now time.Time) {
	s.lastTick.Store(now.UnixNano())
	entries := s.reg.Entries()

	var due []dueMonitor
	critical := 0
	perAccount := make(map[core.Account]int)
	if s.caches != nil {
		for _, a := range s.caches.Accounts() {
			perAccount[a] = 0
		}
	}

	for _, e := range entries {
		if !e.TryLock() {
			continue
		}
		rec := e.Rec
		if rec.Phase == core.PhaseClosed {
			e.Unlock()
			continue
		}
		perAccount[rec.Account]++
		u := s.classify(rec, now)
		rec.Urgency = u
		if u == core.UrgencyCritical {
			critical++
		}

		if !now.Before(rec.NextDueAt) {
			due = append(due, dueMonitor{entry: e, urgency: u, due: rec.NextDueAt})
			continue // lock travels with the dispatch
		}
		// Rising urgency pulls the deadline in; it is never pushed out
		// before the next pass.
		if deadline := now.Add(s.effectiveInterval(u)); deadline.Before(rec.NextDueAt) {
			rec.NextDueAt = deadline
		}
		e.Unlock()
	}

	s.retune(critical)
	loaded := len(entries) > s.loadThreshold
	if s.loaded.Swap(loaded) != loaded {
		s.logger.Info("Load shedding changed", "enabled", loaded, "monitors", len(entries))
		if s.caches != nil {
			s.caches.SetUnderLoad(loaded)
		}
	}
	s.expireExecutionMode(now)

	m := telemetry.GetGlobalMetrics()
	m.SetCriticalMonitors(int64(critical))
	for acct, n := range perAccount {
		m.SetActiveMonitors(string(acct), int64(n))
	}

	sort.Slice(due, func(i, j int) bool {
		ri, rj := urgencyRank(due[i].urgency), urgencyRank(due[j].urgency)
		if ri != rj {
			return ri < rj
		}
		return due[i].due.Before(due[j].due)
	})

	for i, d := range due {
		if s.draining.Load() {
			s.unlockRemaining(due[i:])
			return
		}
		if !s.sem.TryAcquire(1) {
			// Budget exhausted; the monitor stays due for the next tick.
			d.entry.Unlock()
			continue
		}
		e := d.entry
		if err := s.pool.Submit(func() { s.runPass(e) }); err != nil {
			s.sem.Release(1)
			e.Unlock()
			s.logger.Warn("Dispatch pool saturated", "waiting", s.pool.WaitingTasks())
			s.unlockRemaining(due[i+1:])
			return
		}
	}
}

func (s *Scheduler) unlockRemaining(due []dueMonitor) {
	for _, d := range due {
		d.entry.Unlock()
	}
}

// runPass executes one monitor pass on a pool worker. The entry lock and a
// semaphore permit are held on entry and released here.
func (s *Scheduler) runPass(e *engine.Entry) {
	defer s.sem.Release(1)
	defer e.Unlock()

	rec := e.Rec
	critical := rec.Urgency == core.UrgencyCritical
	ctx, cancel := context.WithTimeout(s.passCtx, s.passCeiling)
	defer cancel()

	start := s.clock.Now()
	res, err := s.runner.RunPass(ctx, rec, critical)
	now := s.clock.Now()
	telemetry.GetGlobalMetrics().RecordPass(ctx, string(rec.Account), float64(now.Sub(start).Milliseconds()))

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			s.logger.Warn("Monitor pass exceeded ceiling",
				"key", rec.Key, "ceiling", s.passCeiling, "error", err)
			u := core.UrgencyUrgent
			if s.classify(rec, now) == core.UrgencyCritical {
				u = core.UrgencyCritical
			}
			rec.Urgency = u
			rec.NextDueAt = now.Add(s.effectiveInterval(u))
			return
		}
		s.logger.Error("Monitor pass failed",
			"key", rec.Key,
			"category", apperrors.Classify(err).String(),
			"error", err)
		s.reschedule(rec, now)
		return
	}

	e.Commit()

	if res.Closed {
		if s.onClosed != nil {
			s.onClosed(e, res)
		}
		if s.store != nil {
			fctx, fcancel := context.WithTimeout(s.passCtx, flushTimeout)
			if ferr := s.store.Flush(fctx, "monitor_closed"); ferr != nil {
				s.logger.Error("Closure flush failed", "key", rec.Key, "error", ferr)
			}
			fcancel()
		}
		return
	}

	if s.store != nil {
		if res.Critical {
			fctx, fcancel := context.WithTimeout(s.passCtx, flushTimeout)
			if ferr := s.store.Flush(fctx, "critical"); ferr != nil {
				s.logger.Error("Critical flush failed", "key", rec.Key, "error", ferr)
			}
			fcancel()
		} else if res.Dirty {
			s.store.MarkDirty()
		}
	}

	s.reschedule(rec, now)
}

func (s *Scheduler) reschedule(rec *core.MonitorRecord, now time.Time) {
	u := s.classify(rec, now)
	rec.Urgency = u
	rec.NextDueAt = now.Add(s.effectiveInterval(u))
}

// effectiveInterval applies load and execution-mode widening to every
// bucket except CRITICAL.
func (s *Scheduler) effectiveInterval(u core.Urgency) time.Duration {
	d := s.intervals.For(u)
	if u == core.UrgencyCritical {
		return d
	}
	if s.loaded.Load() {
		d *= loadFactor
	}
	if s.ExecutionModeActive() {
		d *= execFactor
	}
	return d
}

// targetPasses maps CRITICAL pressure onto the adaptive budget.
func (s *Scheduler) targetPasses(critical int) int64 {
	t := s.minPasses + int64(critical)
	if t > s.maxPasses {
		t = s.maxPasses
	}
	return t
}

// retune parks or frees semaphore permits so the usable budget equals
// targetPasses. Called only from the tick goroutine.
func (s *Scheduler) retune(critical int) {
	want := s.maxPasses - s.targetPasses(critical)
	for s.reserved < want {
		if !s.sem.TryAcquire(1) {
			return // permits busy with passes; catch up next tick
		}
		s.reserved++
	}
	for s.reserved > want {
		s.sem.Release(1)
		s.reserved--
	}
}

func (s *Scheduler) applyExecutionMode(on bool, listeners []func(bool)) {
	s.logger.Info("Execution mode changed", "enabled", on, "ttl", s.execTTL)
	telemetry.GetGlobalMetrics().SetExecutionMode(on)
	if s.caches != nil {
		for _, a := range s.caches.Accounts() {
			s.caches.SetExecutionMode(a, on)
		}
	}
	for _, fn := range listeners {
		fn(on)
	}
}

func (s *Scheduler) expireExecutionMode(now time.Time) {
	s.execMu.Lock()
	expired := s.execOn && now.After(s.execUntil)
	if expired {
		s.execOn = false
	}
	listeners := append([]func(bool){}, s.execListeners...)
	s.execMu.Unlock()

	if expired {
		s.logger.Info("Execution mode expired", "ttl", s.execTTL)
		s.applyExecutionMode(false, listeners)
	}
}
