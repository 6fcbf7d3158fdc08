package monitor

import (
	"context"
	"time"

	"tpsl_engine/internal/core"

	"github.com/shopspring/decimal"
)

// historySlack widens the order-history window backwards to absorb clock
// skew between the venue and this process.
const historySlack = 5 * time.Second

// historySince returns the start of the venue-history window for this pass:
// just before the previous pass's commit.
func (m *Runner) historySince(rec *core.MonitorRecord) time.Time {
	anchor := rec.UpdatedAt
	if anchor.IsZero() {
		anchor = rec.CreatedAt
	}
	return anchor.Add(-historySlack)
}

// attributeEntryFill resolves a positive size delta against order history.
// It marks matched entry descriptors filled, counts limit fills, and returns
// the fill price to record: the weighted mean of matched executions when the
// history names them, the mark price otherwise. History being unavailable
// degrades to mark-price attribution rather than failing the pass.
func (m *Runner) attributeEntryFill(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, pos core.Position) (decimal.Decimal, int) {
	fallback := pos.MarkPrice
	if !fallback.IsPositive() {
		fallback = pos.AvgPrice
	}

	hist, err := client.GetOrderHistory(ctx, rec.Symbol, m.historySince(rec))
	if err != nil {
		m.logger.Warn("Order history unavailable, recording entry fill at mark price",
			"key", rec.Key, "error", err.Error())
		return fallback, 0
	}

	notional := decimal.Zero
	qty := decimal.Zero
	limitFills := 0
	for _, h := range hist {
		if h.Status != core.OrderStatusFilled || h.Side != rec.Side {
			continue
		}
		for i := range rec.EntryOrders {
			e := &rec.EntryOrders[i]
			if e.Status == core.OrderStatusFilled || !matchesDescriptor(h, e.OrderID, e.OrderLinkID) {
				continue
			}
			e.Status = core.OrderStatusFilled
			e.FilledQty = h.CumExecQty
			if e.OrderType == core.OrderTypeLimit {
				limitFills++
			}
			price := h.AvgFillPrice
			if !price.IsPositive() {
				price = e.Price
			}
			if price.IsPositive() && h.CumExecQty.IsPositive() {
				notional = notional.Add(price.Mul(h.CumExecQty))
				qty = qty.Add(h.CumExecQty)
			}
		}
	}

	if qty.IsPositive() {
		return notional.Div(qty), limitFills
	}
	return fallback, limitFills
}

// tpFillEvidence is what order history says about the monitor's TP and SL
// orders since the last pass.
type tpFillEvidence struct {
	filledTPs []int
	tpPending bool
	slFilled  bool
}

// collectExitEvidence scans order history for executions of the monitor's
// own exit orders. Used both to confirm TP fills while the position is still
// building and to recognize a stop-loss execution.
func (m *Runner) collectExitEvidence(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord) (tpFillEvidence, error) {
	var ev tpFillEvidence
	hist, err := client.GetOrderHistory(ctx, rec.Symbol, m.historySince(rec))
	if err != nil {
		return ev, err
	}

	for _, h := range hist {
		for i := 1; i <= ladderSlots; i++ {
			tp := rec.TPOrders[i]
			if tp == nil || tp.Status == core.OrderStatusFilled {
				continue
			}
			if !matchesDescriptor(h, tp.OrderID, tp.OrderLinkID) {
				continue
			}
			switch h.Status {
			case core.OrderStatusFilled:
				ev.filledTPs = append(ev.filledTPs, i)
			case core.OrderStatusPartial:
				ev.tpPending = true
			}
		}
		if sl := rec.SLOrder; sl != nil && matchesDescriptor(h, sl.OrderID, sl.OrderLinkID) && h.Status == core.OrderStatusFilled {
			ev.slFilled = true
		}
	}
	return ev, nil
}

// matchTPReductions walks the ladder in order and returns the slots whose
// quantities the observed reduction covers within one step, plus the
// residual quantity no TP accounts for.
func matchTPReductions(rec *core.MonitorRecord, reduction, step decimal.Decimal) ([]int, decimal.Decimal) {
	var filled []int
	rem := reduction
	for i := 1; i <= ladderSlots; i++ {
		tp := rec.TPOrders[i]
		if tp == nil || tp.Status == core.OrderStatusFilled || !tp.Qty.IsPositive() || tp.OrderID == "" {
			continue
		}
		if tp.Qty.GreaterThan(rem.Add(step)) {
			break
		}
		filled = append(filled, i)
		rem = rem.Sub(tp.Qty)
		if rem.IsNegative() {
			rem = decimal.Zero
		}
	}
	return filled, rem
}

func matchesDescriptor(h core.Order, orderID, linkID string) bool {
	if orderID != "" && h.OrderID == orderID {
		return true
	}
	return linkID != "" && h.OrderLinkID == linkID
}

// hasVenueRef reports whether the descriptor points at an order that was
// actually created on the venue.
func hasVenueRef(d *core.OrderDescriptor) bool {
	return d.OrderID != "" || d.OrderLinkID != ""
}
