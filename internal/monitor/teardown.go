package monitor

import (
	"context"
	"fmt"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/orderlink"
	apperrors "tpsl_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// ForceClose runs tear-down immediately, whatever the position looks
// like. The administrative close path uses it; the caller holds the
// record's mutex. The position itself is left alone: the engine only ever
// owns the exit orders.
func (m *Runner) ForceClose(ctx context.Context, rec *core.MonitorRecord) (Result, error) {
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
	snap, err := ac.Snapshot(ctx, true)
	if err != nil {
		return res, fmt.Errorf("refresh %s view before forced close: %w", rec.Account, err)
	}

	m.logger.Warn("Forced close requested", "key", rec.Key, "phase", string(rec.Phase),
		"size", rec.CurrentSize.String())
	rec.ClosedConfirmations = closedConfirmTarget
	m.finalizeClose(ctx, client, rec, snap, false, &res)
	rec.LastKnownSize = rec.CurrentSize
	rec.Touch(m.clock.Now())
	return res, nil
}

// teardown cancels every residual exit order of a closing monitor and
// returns its final accounting. Cancel failures are logged and skipped; the
// position is already flat, so a straggler costs nothing but book noise.
func (m *Runner) teardown(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, snap cache.Snapshot, slHit bool) *core.PnLSummary {
	known := make(map[string]struct{})
	note := func(d *core.OrderDescriptor) {
		if d.OrderID != "" {
			known[d.OrderID] = struct{}{}
		}
		if d.OrderLinkID != "" {
			known[d.OrderLinkID] = struct{}{}
		}
	}

	for i := 1; i <= ladderSlots; i++ {
		tp := rec.TPOrders[i]
		if tp == nil {
			continue
		}
		note(&tp.OrderDescriptor)
		if tp.Status == core.OrderStatusFilled || !hasVenueRef(&tp.OrderDescriptor) || !tp.Status.IsLive() {
			continue
		}
		if err := m.cancelDescriptor(ctx, client, rec.Symbol, &tp.OrderDescriptor); err != nil {
			m.logger.Error("Failed to cancel TP during tear-down", "key", rec.Key, "tp", i, "error", err.Error())
		}
	}
	if sl := rec.SLOrder; sl != nil {
		note(&sl.OrderDescriptor)
		if hasVenueRef(&sl.OrderDescriptor) && sl.Status.IsLive() {
			if err := m.cancelDescriptor(ctx, client, rec.Symbol, &sl.OrderDescriptor); err != nil {
				m.logger.Error("Failed to cancel SL during tear-down", "key", rec.Key, "error", err.Error())
			}
		}
	}
	for i := range rec.EntryOrders {
		e := &rec.EntryOrders[i]
		note(e)
		if e.Status == core.OrderStatusFilled || e.Status == core.OrderStatusCancelled || !hasVenueRef(e) {
			continue
		}
		ref := core.OrderRef{OrderID: e.OrderID, OrderLinkID: e.OrderLinkID}
		if err := client.CancelOrder(ctx, ref, rec.Symbol); err != nil && !apperrors.IsAlreadyGone(err) {
			m.logger.Error("Failed to cancel entry order during tear-down", "key", rec.Key, "ref", ref.String(), "error", err.Error())
			continue
		}
		e.Status = core.OrderStatusCancelled
	}

	// Stragglers: reduce-only exit orders nobody accounted for. With
	// external-order protection on, foreign orders stay untouched.
	exitSide := rec.Side.Opposite()
	for _, o := range snap.OrdersFor(rec.Symbol) {
		if !o.ReduceOnly || o.Side != exitSide {
			continue
		}
		if _, ours := known[o.OrderID]; ours {
			continue
		}
		if _, ours := known[o.OrderLinkID]; ours {
			continue
		}
		if m.protectForeign && !orderlink.IsOurs(o.OrderLinkID) {
			continue
		}
		ref := core.OrderRef{OrderID: o.OrderID, OrderLinkID: o.OrderLinkID}
		if err := client.CancelOrder(ctx, ref, rec.Symbol); err != nil && !apperrors.IsAlreadyGone(err) {
			m.logger.Error("Failed to cancel straggler during tear-down", "key", rec.Key, "ref", ref.String(), "error", err.Error())
			continue
		}
		m.logger.Warn("Cancelled unaccounted reduce-only order during tear-down",
			"key", rec.Key, "ref", ref.String())
	}

	return m.computePnL(rec, slHit)
}

// computePnL sums the known exit legs: filled TPs at their trigger prices
// plus the stop leg when the stop executed. Gross respects side; the fee
// estimate charges the taker rate on both legs of the closed notional.
func (m *Runner) computePnL(rec *core.MonitorRecord, slHit bool) *core.PnLSummary {
	exitNotional := decimal.Zero
	exitQty := decimal.Zero
	for i := 1; i <= ladderSlots; i++ {
		tp := rec.TPOrders[i]
		if tp == nil || tp.Status != core.OrderStatusFilled {
			continue
		}
		qty := tp.FilledQty
		if !qty.IsPositive() {
			qty = tp.Qty
		}
		price := tp.TriggerPrice
		if !price.IsPositive() {
			price = tp.Price
		}
		if qty.IsPositive() && price.IsPositive() {
			exitNotional = exitNotional.Add(price.Mul(qty))
			exitQty = exitQty.Add(qty)
		}
	}
	if slHit && rec.SLOrder != nil && rec.SLOrder.TriggerPrice.IsPositive() {
		qty := rec.SLOrder.FilledQty
		if !qty.IsPositive() {
			qty = rec.SLOrder.Qty
		}
		if qty.IsPositive() {
			exitNotional = exitNotional.Add(rec.SLOrder.TriggerPrice.Mul(qty))
			exitQty = exitQty.Add(qty)
		}
	}

	summary := &core.PnLSummary{
		AvgEntry:  rec.AvgEntryPrice,
		ClosedQty: exitQty,
	}
	if !exitQty.IsPositive() {
		return summary
	}

	avgExit := exitNotional.Div(exitQty)
	gross := avgExit.Sub(rec.AvgEntryPrice).Mul(exitQty)
	if rec.Side == core.SideSell {
		gross = gross.Neg()
	}
	fee := exitQty.Mul(rec.AvgEntryPrice).Mul(m.feeRate).Mul(decimal.New(2, 0))

	summary.AvgExit = avgExit
	summary.GrossPnL = gross
	summary.FeeEstimate = fee
	summary.NetPnL = gross.Sub(fee)
	summary.Win = summary.NetPnL.IsPositive()
	return summary
}
