// Package monitor runs the per-record monitoring pass: fill detection from
// position deltas, phase transitions, exit-order rebalancing, and closure
// tear-down. One pass is the atomic unit of work for one record; the caller
// holds the record's mutex for its duration.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/events"
	"tpsl_engine/internal/orderlink"

	"github.com/shopspring/decimal"
)

// closedConfirmTarget is how many consecutive passes must observe a flat
// position before tear-down runs. One bad read is never a closure.
const closedConfirmTarget = 2

// Options wires a Runner.
type Options struct {
	Clients map[core.Account]core.IExchangeClient
	Caches  *cache.Manager
	Links   *orderlink.Registry
	Emitter *events.Emitter
	Logger  core.ILogger
	Clock   core.Clock

	// FeeRate and SafetyMargin shape the breakeven trigger and the closing
	// fee estimate.
	FeeRate      decimal.Decimal
	SafetyMargin decimal.Decimal

	// ProtectForeignOrders limits cancels to orders carrying this bot's
	// link prefixes.
	ProtectForeignOrders bool

	// KeepEntryLimitsOnTP1 leaves unfilled entry limits working after the
	// first take-profit. The default sweeps them.
	KeepEntryLimitsOnTP1 bool
}

// Result tells the caller what a pass did. The scheduler turns Dirty and
// Critical into persistence flushes and Closed into registry removal.
type Result struct {
	Dirty        bool
	Critical     bool
	Closed       bool
	PnL          *core.PnLSummary
	ObservedSize decimal.Decimal
}

// Runner executes monitor passes. It is stateless across records except for
// the instrument-filter cache; all per-position state lives on the record.
type Runner struct {
	clients        map[core.Account]core.IExchangeClient
	caches         *cache.Manager
	links          *orderlink.Registry
	emitter        *events.Emitter
	logger         core.ILogger
	clock          core.Clock
	feeRate        decimal.Decimal
	safetyMargin   decimal.Decimal
	protectForeign bool
	keepLimits     bool

	instMu      sync.RWMutex
	instruments map[string]core.InstrumentInfo
}

// NewRunner creates a pass runner.
func NewRunner(opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.FeeRate.IsZero() {
		opts.FeeRate = decimal.New(6, -4)
	}
	if opts.SafetyMargin.IsZero() {
		opts.SafetyMargin = decimal.New(2, -4)
	}
	return &Runner{
		clients:        opts.Clients,
		caches:         opts.Caches,
		links:          opts.Links,
		emitter:        opts.Emitter,
		logger:         opts.Logger.WithField("component", "monitor"),
		clock:          opts.Clock,
		feeRate:        opts.FeeRate,
		safetyMargin:   opts.SafetyMargin,
		protectForeign: opts.ProtectForeignOrders,
		keepLimits:     opts.KeepEntryLimitsOnTP1,
	}
}

// RunPass executes one monitor pass for the record. critical requests a
// fresh venue view regardless of cache TTLs. The returned error means the
// pass could not classify what it saw and changed nothing; the next tick
// retries from the same last known size.
func (m *Runner) RunPass(ctx context.Context, rec *core.MonitorRecord, critical bool) (Result, error) {
	var res Result
	if rec.Phase == core.PhaseClosed {
		return res, nil
	}

	client, ok := m.clients[rec.Account]
	if !ok {
		return res, fmt.Errorf("no exchange client for account %s", rec.Account)
	}
	ac := m.caches.For(rec.Account)
	if ac == nil {
		return res, fmt.Errorf("no cache for account %s", rec.Account)
	}

	// Step 1: refresh the view. An API failure aborts the pass without
	// touching closed_confirmations; errors are not closure.
	snap, err := ac.Snapshot(ctx, critical)
	if err != nil {
		return res, fmt.Errorf("refresh %s view: %w", rec.Account, err)
	}
	now := m.clock.Now()

	pos, havePos := snap.PositionFor(rec.Symbol, rec.Side)
	if !havePos {
		// The venue no longer lists the position at all.
		rec.ClosedConfirmations++
		rec.CurrentSize = decimal.Zero
		res.Dirty = true
		if rec.ClosedConfirmations >= closedConfirmTarget {
			m.finalizeClose(ctx, client, rec, snap, false, &res)
		}
		rec.LastKnownSize = decimal.Zero
		rec.Touch(now)
		return res, nil
	}

	observed := pos.Size
	res.ObservedSize = observed
	delta := observed.Sub(rec.LastKnownSize)

	info, err := m.instrumentFor(ctx, client, rec.Symbol)
	if err != nil {
		return res, err
	}

	// Steps 2-5: size delta, fill branches, phase transitions.
	slHit := false
	switch {
	case delta.IsPositive() && (rec.Phase == core.PhaseBuilding || rec.Phase == core.PhaseMonitoring):
		m.handleEntryFill(ctx, client, rec, snap, pos, delta, info, now, &res)
	case delta.IsNegative():
		slHit, err = m.handleDecrease(ctx, client, rec, snap, observed, delta.Neg(), info, now, &res)
		if err != nil {
			return res, err
		}
	default:
		rec.CurrentSize = observed
		m.maintainOrders(ctx, client, rec, snap, info, &res)
	}

	// Step 6: closure needs two consecutive confirmations; a confirmed stop
	// execution counts as both.
	if rec.CurrentSize.IsZero() || rec.FilledTPCount >= ladderSlots {
		if slHit {
			rec.ClosedConfirmations = closedConfirmTarget
		} else {
			rec.ClosedConfirmations++
		}
		res.Dirty = true
		if rec.ClosedConfirmations >= closedConfirmTarget {
			m.finalizeClose(ctx, client, rec, snap, slHit, &res)
		}
	} else if rec.ClosedConfirmations != 0 {
		rec.ClosedConfirmations = 0
		res.Dirty = true
	}

	// Step 7: commit.
	rec.LastKnownSize = rec.CurrentSize
	rec.Touch(now)
	return res, nil
}

// handleEntryFill processes a position increase: record the fill, move out
// of BUILDING on the first one, and bring the exit ladder up to the new
// size.
func (m *Runner) handleEntryFill(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, snap cache.Snapshot, pos core.Position, delta decimal.Decimal, info core.InstrumentInfo, now time.Time, res *Result) {
	price, limitFills := m.attributeEntryFill(ctx, client, rec, pos)
	rec.CurrentSize = pos.Size
	rec.RecordFill(delta, price, now)
	rec.LimitFillsCount += limitFills
	rec.LastEventTs = now

	if rec.Phase == core.PhaseBuilding && rec.CanTransition(core.PhaseMonitoring) {
		rec.Phase = core.PhaseMonitoring
	}

	m.logger.Info("Entry fill observed", "key", rec.Key, "qty", delta.String(),
		"price", price.String(), "size", rec.CurrentSize.String(), "limit_fills", rec.LimitFillsCount)

	ev := events.FromRecord(core.EventEntryFilled, rec)
	ev.FillQty = delta
	ev.FillPrice = price
	ev.AvgEntryPrice = rec.AvgEntryPrice
	ev.CurrentSize = rec.CurrentSize
	ev.LimitFillsCount = rec.LimitFillsCount
	m.emit(ctx, ev)

	report := m.rebalance(ctx, client, rec, snap, info)
	rev := events.FromRecord(core.EventRebalanceDone, rec)
	rev.CurrentSize = rec.CurrentSize
	rev.Rebalance = &report
	m.emit(ctx, rev)

	res.Dirty = true
	res.Critical = true
}

// handleDecrease classifies a position decrease. While the position is
// still building, a decrease with no venue evidence of our own exits
// filling is an external partial close, never a TP. Returns whether the
// stop loss is confirmed to have executed.
func (m *Runner) handleDecrease(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, snap cache.Snapshot, observed, reduction decimal.Decimal, info core.InstrumentInfo, now time.Time, res *Result) (bool, error) {
	evid, err := m.collectExitEvidence(ctx, client, rec)
	if err != nil {
		// Without history the decrease cannot be classified safely; leave
		// last_known_size alone and retry next tick.
		return false, fmt.Errorf("classify size decrease for %s: %w", rec.Key, err)
	}

	building := rec.Phase == core.PhaseBuilding || rec.Phase == core.PhaseMonitoring
	if building && len(evid.filledTPs) == 0 && !evid.slFilled {
		if evid.tpPending {
			m.logger.Info("TP partially filled, waiting for completion", "key", rec.Key)
			rec.CurrentSize = observed
			res.Dirty = true
			return false, nil
		}
		m.logger.Warn("External position reduction detected, not a TP fill",
			"key", rec.Key, "from", rec.LastKnownSize.String(), "to", observed.String())
		rec.CurrentSize = observed
		rec.LastEventTs = now
		if observed.IsPositive() {
			report := m.rebalance(ctx, client, rec, snap, info)
			rev := events.FromRecord(core.EventRebalanceDone, rec)
			rev.CurrentSize = rec.CurrentSize
			rev.Rebalance = &report
			m.emit(ctx, rev)
		}
		res.Dirty = true
		return false, nil
	}

	filled, residual := matchTPReductions(rec, reduction, info.QtyStep)
	if evid.slFilled {
		// The stop accounts for the reduction; only history-confirmed TP
		// fills count here, never quantity inference against the ladder.
		filled = evid.filledTPs
		residual = decimal.Zero
		m.logger.Info("Stop loss execution confirmed by order history", "key", rec.Key)
		if sl := rec.SLOrder; sl != nil {
			sl.Status = core.OrderStatusFilled
			if !sl.FilledQty.IsPositive() {
				sl.FilledQty = sl.Qty
			}
		}
		res.Dirty = true
	} else if len(filled) == 0 && len(evid.filledTPs) > 0 {
		filled = evid.filledTPs
	}
	rec.CurrentSize = observed

	if len(filled) > 0 {
		m.applyTPFills(ctx, client, rec, filled, info, now, res)
		if residual.GreaterThanOrEqual(info.QtyStep) {
			m.logger.Warn("Position reduction exceeds matched TP quantities",
				"key", rec.Key, "residual", residual.String())
		}
	} else if !evid.slFilled && observed.IsPositive() {
		// Unattributed shrink in profit taking: keep the stop sized to what
		// actually remains.
		m.logger.Warn("Unattributed position reduction", "key", rec.Key, "qty", reduction.String())
		if err := m.adjustSL(ctx, client, rec, info); err != nil {
			m.logger.Error("SL adjustment failed", "key", rec.Key, "error", err.Error())
		}
		res.Dirty = true
	}
	return evid.slFilled, nil
}

// applyTPFills marks ladder slots filled in order and runs the per-slot
// side effects: TP1 moves the monitor into profit taking, later fills
// shrink the stop.
func (m *Runner) applyTPFills(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, filled []int, info core.InstrumentInfo, now time.Time, res *Result) {
	for _, i := range filled {
		tp := rec.TPOrders[i]
		if tp == nil {
			continue
		}
		tp.Status = core.OrderStatusFilled
		if !tp.FilledQty.IsPositive() {
			tp.FilledQty = tp.Qty
		}
		rec.FilledTPCount++
		rec.LastEventTs = now

		m.logger.Info("TP fill observed", "key", rec.Key, "tp", i,
			"qty", tp.FilledQty.String(), "remaining", rec.CurrentSize.String())

		ev := events.FromRecord(core.EventTPHit, rec)
		ev.TPIndex = i
		ev.FillQty = tp.FilledQty
		ev.FillPrice = tp.TriggerPrice
		ev.CurrentSize = rec.CurrentSize
		m.emit(ctx, ev)

		if i == 1 && !rec.TP1Hit {
			rec.TP1Hit = true
			if rec.CanTransition(core.PhaseProfitTaking) {
				rec.Phase = core.PhaseProfitTaking
			}

			trigger, err := m.moveSLToBreakeven(ctx, client, rec, info)
			if err != nil {
				m.logger.Error("Failed to move stop loss to breakeven", "key", rec.Key, "error", err.Error())
			} else if trigger.IsPositive() {
				bev := events.FromRecord(core.EventSLMovedToBreakeven, rec)
				bev.BreakevenPrice = trigger
				bev.CurrentSize = rec.CurrentSize
				m.emit(ctx, bev)
			}

			if !m.keepLimits {
				cancelled := m.cancelEntryLimits(ctx, client, rec)
				if len(cancelled) > 0 {
					cev := events.FromRecord(core.EventLimitsCancelledOnTP1, rec)
					cev.CancelledLinkIDs = cancelled
					m.emit(ctx, cev)
				}
			}
		} else if err := m.adjustSL(ctx, client, rec, info); err != nil {
			m.logger.Error("SL adjustment failed", "key", rec.Key, "error", err.Error())
		}
	}
	res.Dirty = true
	res.Critical = true
}

// maintainOrders is the no-delta housekeeping: retry a breakeven move that
// failed on the TP1 pass and restore exit orders that disappeared from the
// book. On an unchanged, healthy book it does nothing.
func (m *Runner) maintainOrders(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, snap cache.Snapshot, info core.InstrumentInfo, res *Result) {
	if rec.Phase != core.PhaseMonitoring && rec.Phase != core.PhaseProfitTaking {
		return
	}
	if !rec.CurrentSize.IsPositive() {
		return
	}

	if rec.TP1Hit && !rec.SLMovedToBE {
		trigger, err := m.moveSLToBreakeven(ctx, client, rec, info)
		if err != nil {
			m.logger.Error("Breakeven retry failed", "key", rec.Key, "error", err.Error())
		} else if trigger.IsPositive() {
			bev := events.FromRecord(core.EventSLMovedToBreakeven, rec)
			bev.BreakevenPrice = trigger
			bev.CurrentSize = rec.CurrentSize
			m.emit(ctx, bev)
			res.Dirty = true
			res.Critical = true
		}
	}

	if m.needsRepair(rec, snap) {
		m.logger.Warn("Exit orders missing from book, rebalancing", "key", rec.Key)
		report := m.rebalance(ctx, client, rec, snap, info)
		rev := events.FromRecord(core.EventRebalanceDone, rec)
		rev.CurrentSize = rec.CurrentSize
		rev.Rebalance = &report
		m.emit(ctx, rev)
		res.Dirty = true
		return
	}

	// Keep the stop sized to the position even when the size moved outside
	// the fill branches (external adds after TP1). No-op on a synced book.
	if sl := rec.SLOrder; sl != nil {
		beforeQty, beforeLink := sl.Qty, sl.OrderLinkID
		if err := m.adjustSL(ctx, client, rec, info); err != nil {
			m.logger.Error("SL adjustment failed", "key", rec.Key, "error", err.Error())
		} else if !sl.Qty.Equal(beforeQty) || sl.OrderLinkID != beforeLink {
			res.Dirty = true
		}
	}
}

// needsRepair reports whether any expected exit order is absent from the
// open-orders snapshot.
func (m *Runner) needsRepair(rec *core.MonitorRecord, snap cache.Snapshot) bool {
	inBook := func(d *core.OrderDescriptor) bool {
		for _, o := range snap.OrdersFor(rec.Symbol) {
			if (d.OrderID != "" && o.OrderID == d.OrderID) ||
				(d.OrderLinkID != "" && o.OrderLinkID == d.OrderLinkID) {
				return true
			}
		}
		return false
	}

	for i := 1; i <= ladderSlots; i++ {
		tp := rec.TPOrders[i]
		if tp == nil || tp.Status == core.OrderStatusFilled || !tp.Qty.IsPositive() {
			continue
		}
		if !hasVenueRef(&tp.OrderDescriptor) || !inBook(&tp.OrderDescriptor) {
			return true
		}
	}
	if sl := rec.SLOrder; sl != nil && sl.Qty.IsPositive() {
		if !hasVenueRef(&sl.OrderDescriptor) || !inBook(&sl.OrderDescriptor) {
			return true
		}
	}
	return false
}

// finalizeClose runs tear-down and emits the closing events. An armed stop
// that is absent from the book on a flat position, with the ladder not
// fully consumed, is reported as a stop execution.
func (m *Runner) finalizeClose(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, snap cache.Snapshot, slConfirmed bool, res *Result) {
	slHit := slConfirmed
	if !slHit && rec.FilledTPCount < ladderSlots {
		if sl := rec.SLOrder; sl != nil && hasVenueRef(&sl.OrderDescriptor) {
			if _, open := m.slInBook(rec, snap); !open {
				slHit = true
			}
		}
	}

	if slHit && rec.SLOrder != nil {
		sev := events.FromRecord(core.EventSLHit, rec)
		sev.FillPrice = rec.SLOrder.TriggerPrice
		sev.FillQty = rec.SLOrder.Qty
		m.emit(ctx, sev)
	}

	pnl := m.teardown(ctx, client, rec, snap, slHit)
	if rec.CanTransition(core.PhaseClosed) {
		rec.Phase = core.PhaseClosed
	}

	pev := events.FromRecord(core.EventPositionClosed, rec)
	pev.PnL = pnl
	m.emit(ctx, pev)

	m.logger.Info("Monitor closed", "key", rec.Key, "sl_hit", slHit,
		"closed_qty", pnl.ClosedQty.String(), "net_pnl", pnl.NetPnL.String())

	res.Closed = true
	res.Dirty = true
	res.Critical = true
	res.PnL = pnl
}

func (m *Runner) slInBook(rec *core.MonitorRecord, snap cache.Snapshot) (core.Order, bool) {
	sl := rec.SLOrder
	if sl == nil {
		return core.Order{}, false
	}
	for _, o := range snap.OrdersFor(rec.Symbol) {
		if (sl.OrderID != "" && o.OrderID == sl.OrderID) ||
			(sl.OrderLinkID != "" && o.OrderLinkID == sl.OrderLinkID) {
			return o, true
		}
	}
	return core.Order{}, false
}

// instrumentFor returns the trading filters for a symbol, fetched once and
// cached for the process lifetime.
func (m *Runner) instrumentFor(ctx context.Context, client core.IExchangeClient, symbol string) (core.InstrumentInfo, error) {
	m.instMu.RLock()
	info, ok := m.instruments[symbol]
	m.instMu.RUnlock()
	if ok {
		return info, nil
	}

	info, err := client.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		return core.InstrumentInfo{}, fmt.Errorf("instrument info for %s: %w", symbol, err)
	}
	m.instMu.Lock()
	if m.instruments == nil {
		m.instruments = make(map[string]core.InstrumentInfo)
	}
	m.instruments[symbol] = info
	m.instMu.Unlock()
	return info, nil
}

func (m *Runner) emit(ctx context.Context, ev core.Event) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(ctx, ev)
}
