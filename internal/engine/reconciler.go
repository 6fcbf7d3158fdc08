package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/orderlink"
)

// missingRounds is how many consecutive reconciliation rounds a record's
// position must be absent from the venue before the record is marked for
// tear-down. One stale snapshot is never a closure.
const missingRounds = 2

// reconcileTimeout bounds one reconciliation pass.
const reconcileTimeout = 30 * time.Second

// ReconcilerOptions configures the background venue sweep.
type ReconcilerOptions struct {
	Registry *Registry
	Caches   *cache.Manager
	Links    *orderlink.Registry
	Store    Flusher
	Logger   core.ILogger
	Clock    core.Clock

	Interval time.Duration

	// AdoptPositions synthesizes records for open positions the registry
	// does not know. Off by default; orphans are only logged.
	AdoptPositions bool

	// ProtectForeignOrders keeps adoption away from exit orders that do
	// not carry this bot's link prefixes.
	ProtectForeignOrders bool
}

// Reconciler enforces the registry-versus-venue invariant in the
// background: every open position has a record, and every non-closed
// record has a position. It is the only path besides PlaceTrade that may
// create records.
type Reconciler struct {
	reg            *Registry
	caches         *cache.Manager
	links          *orderlink.Registry
	store          Flusher
	logger         core.ILogger
	clock          core.Clock
	interval       time.Duration
	adopt          bool
	protectForeign bool

	// absent counts consecutive rounds each key's position was missing.
	// Touched only under mu.
	absent map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	statusMu sync.RWMutex
	lastRun  time.Time
	lastErr  error
}

// NewReconciler creates the sweep.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		reg:            opts.Registry,
		caches:         opts.Caches,
		links:          opts.Links,
		store:          opts.Store,
		logger:         opts.Logger.WithField("component", "reconciler"),
		clock:          opts.Clock,
		interval:       opts.Interval,
		adopt:          opts.AdoptPositions,
		protectForeign: opts.ProtectForeignOrders,
		absent:         make(map[string]int),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.interval, "adopt", r.adopt)
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, reconcileTimeout)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// TriggerManual runs one reconciliation pass immediately.
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}

// Reconcile performs a single pass over every account's cached view. An
// account whose refresh fails is skipped whole: absence counters for its
// records do not advance, because an API error is not a missing position.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var firstErr error
	for _, acct := range r.caches.Accounts() {
		ac := r.caches.For(acct)
		if ac == nil {
			continue
		}
		snap, err := ac.Snapshot(ctx, false)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh %s view: %w", acct, err)
			}
			continue
		}
		r.reconcileAccount(acct, snap, now)
	}

	// Records retired since the last round leave no counter behind.
	for key := range r.absent {
		if _, ok := r.reg.Get(key); !ok {
			delete(r.absent, key)
		}
	}

	r.statusMu.Lock()
	r.lastRun = now
	r.lastErr = firstErr
	r.statusMu.Unlock()
	return firstErr
}

func (r *Reconciler) reconcileAccount(acct core.Account, snap cache.Snapshot, now time.Time) {
	open := make(map[string]core.Position)
	for _, p := range snap.Positions {
		if p.Size.IsPositive() {
			open[core.MonitorKey(p.Symbol, p.Side, acct)] = p
		}
	}

	// Venue has a position the registry does not know.
	for key, pos := range open {
		if _, ok := r.reg.Get(key); ok {
			continue
		}
		if !r.adopt {
			r.logger.Warn("Open position has no monitor",
				"key", key, "size", pos.Size.String())
			continue
		}
		r.adoptPosition(acct, pos, snap, now)
	}

	// Registry has a record the venue shows no position for. Give it
	// missingRounds rounds, then let the next pass run tear-down.
	for _, ent := range r.reg.Entries() {
		rec := ent.Committed()
		if rec == nil || rec.Account != acct || rec.Phase == core.PhaseClosed {
			continue
		}
		if _, ok := open[ent.Key]; ok {
			delete(r.absent, ent.Key)
			continue
		}
		r.absent[ent.Key]++
		if r.absent[ent.Key] < missingRounds {
			continue
		}
		if r.markForTeardown(ent, now) {
			delete(r.absent, ent.Key)
		}
	}
}

// markForTeardown sets the closure counter to its target under the pass
// lock and pulls the monitor's deadline in, so the next pass finalizes.
// A held lock means a pass is reading the venue right now; its own view
// wins this round and the mark retries next round.
func (r *Reconciler) markForTeardown(ent *Entry, now time.Time) bool {
	if !ent.TryLock() {
		return false
	}
	defer ent.Unlock()

	rec := ent.Rec
	if rec.Phase == core.PhaseClosed {
		return true
	}
	rec.ClosedConfirmations = missingRounds
	if now.Before(rec.NextDueAt) {
		rec.NextDueAt = now
	}
	rec.Touch(now)
	ent.Commit()

	r.logger.Warn("Position missing from venue, marking monitor for tear-down",
		"key", ent.Key, "rounds", missingRounds)
	if r.store != nil {
		r.store.MarkDirty()
	}
	return true
}

// adoptPosition synthesizes a record for a position the engine does not
// know, recovering whatever exit ladder the book still shows. Nothing is
// invented: without adoptable exit orders the record tracks the position
// through closure and never places a stop it was not told about.
func (r *Reconciler) adoptPosition(acct core.Account, pos core.Position, snap cache.Snapshot, now time.Time) {
	key := core.MonitorKey(pos.Symbol, pos.Side, acct)
	rec := &core.MonitorRecord{
		Key:           key,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Account:       acct,
		Approach:      core.ApproachConservative,
		TargetSize:    pos.Size,
		CurrentSize:   pos.Size,
		LastKnownSize: pos.Size,
		RemainingSize: pos.Size,
		AvgEntryPrice: pos.AvgPrice,
		TPOrders:      make(map[int]*core.TPDescriptor),
		Phase:         core.PhaseMonitoring,
		Urgency:       core.UrgencyActive,
		NextDueAt:     now,
		LastEventTs:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if pos.AvgPrice.IsPositive() {
		// Seed the venue's cost basis as one synthetic fill so later entry
		// fills keep the weighted average honest.
		rec.Fills = []core.Fill{{Qty: pos.Size, Price: pos.AvgPrice, Ts: now}}
	}

	adopted := r.adoptExitOrders(rec, snap)

	if _, err := r.reg.Register(rec); err != nil {
		r.logger.Debug("Adoption lost the race to a concurrent registration", "key", key)
		return
	}
	r.logger.Info("Adopted orphan position",
		"key", key,
		"size", pos.Size.String(),
		"avg_price", pos.AvgPrice.String(),
		"exit_orders", adopted)
	if r.store != nil {
		r.store.MarkDirty()
	}
}

// adoptExitOrders maps the book's live reduce-only orders onto the
// record: limit exits become the TP ladder in trigger order, the first
// conditional stop becomes the SL. Returns how many orders were adopted.
func (r *Reconciler) adoptExitOrders(rec *core.MonitorRecord, snap cache.Snapshot) int {
	var tps []core.Order
	adopted := 0
	for _, o := range snap.OrdersFor(rec.Symbol) {
		if !o.Status.IsLive() {
			continue
		}
		if r.protectForeign && !orderlink.IsOurs(o.OrderLinkID) {
			continue
		}
		kind, _, ok := orderlink.ClassifyOrder(o, rec.Side)
		if !ok {
			continue
		}
		switch kind {
		case orderlink.KindTP:
			tps = append(tps, o)
		case orderlink.KindSL:
			if rec.SLOrder != nil {
				continue
			}
			rec.SLOrder = &core.SLDescriptor{
				OrderDescriptor: core.OrderDescriptor{
					OrderID:     o.OrderID,
					OrderLinkID: o.OrderLinkID,
					OrderType:   o.OrderType,
					Status:      o.Status,
					Qty:         o.Qty,
				},
				TriggerPrice: o.TriggerPrice,
			}
			r.reserve(o.OrderLinkID)
			adopted++
		}
	}

	// TP1 is the first trigger price reached: lowest for Buy, highest for
	// Sell.
	sort.Slice(tps, func(a, b int) bool {
		if rec.Side == core.SideBuy {
			return tps[a].Price.LessThan(tps[b].Price)
		}
		return tps[a].Price.GreaterThan(tps[b].Price)
	})
	if len(tps) > 4 {
		tps = tps[:4]
	}
	for j, o := range tps {
		idx := j + 1
		rec.TPOrders[idx] = &core.TPDescriptor{
			OrderDescriptor: core.OrderDescriptor{
				OrderID:     o.OrderID,
				OrderLinkID: o.OrderLinkID,
				OrderType:   core.OrderTypeLimit,
				Status:      o.Status,
				Qty:         o.Qty,
				Price:       o.Price,
				FilledQty:   o.CumExecQty,
			},
			TPPercent:    core.ConservativeTPPercents[idx-1].Mul(decimal.New(100, 0)),
			TriggerPrice: o.Price,
		}
		r.reserve(o.OrderLinkID)
		adopted++
	}
	return adopted
}

func (r *Reconciler) reserve(linkID string) {
	if r.links != nil {
		r.links.Reserve(linkID)
	}
}

// HealthCheck fails when reconciliation has stalled or its last round
// errored. A round that has not happened yet after boot is healthy.
func (r *Reconciler) HealthCheck() func() error {
	return func() error {
		r.statusMu.RLock()
		defer r.statusMu.RUnlock()
		if r.lastRun.IsZero() {
			return nil
		}
		if age := r.clock.Now().Sub(r.lastRun); age > 3*r.interval {
			return fmt.Errorf("reconciliation stalled for %s", age.Round(time.Second))
		}
		if r.lastErr != nil {
			return fmt.Errorf("last reconciliation failed: %w", r.lastErr)
		}
		return nil
	}
}
