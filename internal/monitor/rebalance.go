package monitor

import (
	"context"
	"sort"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/orderlink"
	apperrors "tpsl_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// pruneStaleOrders validates the stored TP and SL references against the
// live open-orders snapshot. References the venue no longer knows are
// cleared so the placement logic treats the slot as unarmed; references
// still live get their status and executed quantity synced.
func (m *Runner) pruneStaleOrders(rec *core.MonitorRecord, snap cache.Snapshot) {
	byID := make(map[string]core.Order)
	byLink := make(map[string]core.Order)
	for _, o := range snap.OrdersFor(rec.Symbol) {
		if o.OrderID != "" {
			byID[o.OrderID] = o
		}
		if o.OrderLinkID != "" {
			byLink[o.OrderLinkID] = o
		}
	}
	lookup := func(d *core.OrderDescriptor) (core.Order, bool) {
		if d.OrderID != "" {
			if o, ok := byID[d.OrderID]; ok {
				return o, true
			}
		}
		if d.OrderLinkID != "" {
			if o, ok := byLink[d.OrderLinkID]; ok {
				return o, true
			}
		}
		return core.Order{}, false
	}

	for i := 1; i <= ladderSlots; i++ {
		tp := rec.TPOrders[i]
		if tp == nil || tp.Status == core.OrderStatusFilled || !hasVenueRef(&tp.OrderDescriptor) {
			continue
		}
		if o, ok := lookup(&tp.OrderDescriptor); ok {
			tp.Status = o.Status
			tp.FilledQty = o.CumExecQty
			continue
		}
		m.logger.Debug("Pruning stale TP reference", "key", rec.Key, "tp", i, "link_id", tp.OrderLinkID)
		tp.OrderID = ""
		tp.OrderLinkID = ""
		tp.Status = core.OrderStatusCancelled
	}

	if sl := rec.SLOrder; sl != nil && sl.Status != core.OrderStatusFilled && hasVenueRef(&sl.OrderDescriptor) {
		if o, ok := lookup(&sl.OrderDescriptor); ok {
			sl.Status = o.Status
		} else {
			m.logger.Debug("Pruning stale SL reference", "key", rec.Key, "link_id", sl.OrderLinkID)
			sl.OrderID = ""
			sl.OrderLinkID = ""
			sl.Status = core.OrderStatusCancelled
		}
	}
}

// recoverMirrorTPs rebuilds lost mirror TP descriptors from the open
// reduce-only limit orders on the mirror book. Orders map onto the tail of
// the ladder: three live orders mean TP1 is already gone, so they become
// TP2..TP4. Adopted link IDs are reserved so future generation cannot
// collide with them.
func (m *Runner) recoverMirrorTPs(rec *core.MonitorRecord, snap cache.Snapshot) int {
	exitSide := rec.Side.Opposite()
	var cands []core.Order
	for _, o := range snap.OrdersFor(rec.Symbol) {
		if o.ReduceOnly && o.Side == exitSide && o.OrderType == core.OrderTypeLimit && o.Status.IsLive() {
			cands = append(cands, o)
		}
	}
	if len(cands) == 0 {
		return 0
	}

	sort.Slice(cands, func(a, b int) bool {
		if rec.Side == core.SideBuy {
			return cands[a].Price.LessThan(cands[b].Price)
		}
		return cands[a].Price.GreaterThan(cands[b].Price)
	})
	if len(cands) > ladderSlots {
		cands = cands[:ladderSlots]
	}

	first := ladderSlots - len(cands) + 1
	for j, o := range cands {
		idx := first + j
		tp := rec.TPOrders[idx]
		if tp == nil {
			tp = &core.TPDescriptor{}
			rec.TPOrders[idx] = tp
		}
		tp.OrderID = o.OrderID
		tp.OrderLinkID = o.OrderLinkID
		tp.OrderType = core.OrderTypeLimit
		tp.Status = o.Status
		tp.Qty = o.Qty
		tp.Price = o.Price
		tp.FilledQty = o.CumExecQty
		tp.TriggerPrice = o.Price
		if !tp.TPPercent.IsPositive() {
			tp.TPPercent = core.ConservativeTPPercents[idx-1].Mul(decimal.New(100, 0))
		}
		m.links.Reserve(o.OrderLinkID)
	}
	if rec.FilledTPCount < first-1 {
		rec.FilledTPCount = first - 1
	}
	m.logger.Info("Recovered mirror TP descriptors from open orders",
		"key", rec.Key, "count", len(cands), "first_index", first)
	return len(cands)
}

// anyLiveTP reports whether at least one TP slot references a live venue
// order.
func anyLiveTP(rec *core.MonitorRecord) bool {
	for i := 1; i <= ladderSlots; i++ {
		if tp := rec.TPOrders[i]; tp != nil && hasVenueRef(&tp.OrderDescriptor) && tp.Status.IsLive() {
			return true
		}
	}
	return false
}

// rebalance brings the exit orders in line with the current size: prune,
// mirror recovery when applicable, TP quantities, sum clamp, SL quantity.
func (m *Runner) rebalance(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, snap cache.Snapshot, info core.InstrumentInfo) core.RebalanceReport {
	m.pruneStaleOrders(rec, snap)

	if rec.Account == core.AccountMirror && rec.Phase == core.PhaseProfitTaking &&
		rec.CurrentSize.IsPositive() && !anyLiveTP(rec) {
		m.recoverMirrorTPs(rec, snap)
	}

	var report core.RebalanceReport
	if !rec.TP1Hit {
		report = m.rebalanceTPs(ctx, client, rec, info)
	} else {
		report = m.restoreMissingTPs(ctx, client, rec, info)
	}
	m.clampTPSum(ctx, client, rec, info)

	if err := m.adjustSL(ctx, client, rec, info); err != nil {
		m.logger.Error("SL adjustment failed", "key", rec.Key, "error", err.Error())
		report.Reason = "sl: " + err.Error()
	}
	if rec.SLOrder != nil {
		report.SLQty = rec.SLOrder.Qty
	}
	report.Status = summarize(report.PerTP, report.Reason)
	return report
}

// rebalanceTPs recomputes the full ladder from the slot percentages. Runs
// only before TP1 is hit; afterwards the filled portion of the ladder is
// history and must not be re-split.
func (m *Runner) rebalanceTPs(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, info core.InstrumentInfo) core.RebalanceReport {
	var report core.RebalanceReport
	plan := planTPQtys(rec.CurrentSize, info.QtyStep, info.MinQty, ladderPercents(rec))

	for i := 1; i <= ladderSlots; i++ {
		tp := rec.TPOrders[i]
		if tp == nil {
			report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeFailed, Error: "descriptor missing"})
			continue
		}
		want := plan[i-1]
		live := hasVenueRef(&tp.OrderDescriptor) && tp.Status.IsLive()

		switch {
		case want.IsZero():
			if live {
				if err := m.cancelDescriptor(ctx, client, rec.Symbol, &tp.OrderDescriptor); err != nil {
					report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeFailed, Error: err.Error()})
					continue
				}
			}
			tp.Qty = decimal.Zero
			report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeSkipped})

		case live && WithinStep(want, tp.Qty, info.QtyStep):
			report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeOK, Qty: tp.Qty})

		default:
			if !tp.TriggerPrice.IsPositive() {
				report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeFailed, Error: "no trigger price"})
				continue
			}
			if live {
				if err := m.cancelDescriptor(ctx, client, rec.Symbol, &tp.OrderDescriptor); err != nil {
					// Placing on top of an order we could not cancel would
					// oversize the ladder; leave the slot as it is.
					report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeFailed, Qty: tp.Qty, Error: err.Error()})
					continue
				}
			}
			if err := m.placeTP(ctx, client, rec, i, want, info); err != nil {
				report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeFailed, Qty: want, Error: err.Error()})
				continue
			}
			report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeOK, Qty: want})
		}
	}
	return report
}

// restoreMissingTPs re-places unfilled tail TPs whose venue orders went
// missing while the monitor is in profit taking. Quantities are the stored
// ones; the ladder is never re-split after TP1.
func (m *Runner) restoreMissingTPs(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, info core.InstrumentInfo) core.RebalanceReport {
	var report core.RebalanceReport
	for i := 1; i <= ladderSlots; i++ {
		tp := rec.TPOrders[i]
		if tp == nil || tp.Status == core.OrderStatusFilled || !tp.Qty.IsPositive() || !tp.TriggerPrice.IsPositive() {
			continue
		}
		if hasVenueRef(&tp.OrderDescriptor) && tp.Status.IsLive() {
			continue
		}
		if tp.Qty.LessThan(info.MinQty) {
			report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeSkipped})
			continue
		}
		if err := m.placeTP(ctx, client, rec, i, tp.Qty, info); err != nil {
			report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeFailed, Qty: tp.Qty, Error: err.Error()})
			continue
		}
		report.PerTP = append(report.PerTP, core.TPResult{Index: i, Outcome: core.TPOutcomeOK, Qty: tp.Qty})
	}
	return report
}

// clampTPSum enforces the ladder bound: the live TP quantities must not
// exceed the current size plus what the pending entry orders could still
// add. The last live slot is amended down when they do.
func (m *Runner) clampTPSum(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, info core.InstrumentInfo) {
	limit := rec.CurrentSize.Add(rec.PendingEntryQty())
	sum := decimal.Zero
	lastLive := 0
	for i := 1; i <= ladderSlots; i++ {
		if tp := rec.TPOrders[i]; tp != nil && hasVenueRef(&tp.OrderDescriptor) && tp.Status.IsLive() {
			sum = sum.Add(tp.Qty)
			lastLive = i
		}
	}
	if lastLive == 0 || sum.LessThanOrEqual(limit) {
		return
	}

	tp := rec.TPOrders[lastLive]
	clamped := FloorToStep(tp.Qty.Sub(sum.Sub(limit)), info.QtyStep)
	if clamped.LessThan(info.MinQty) {
		if err := m.cancelDescriptor(ctx, client, rec.Symbol, &tp.OrderDescriptor); err != nil {
			m.logger.Error("Failed to cancel oversized TP", "key", rec.Key, "tp", lastLive, "error", err.Error())
			return
		}
		tp.Qty = decimal.Zero
		m.logger.Warn("Cancelled last TP to hold ladder within position size",
			"key", rec.Key, "tp", lastLive, "sum", sum.String(), "limit", limit.String())
		return
	}

	ref := core.OrderRef{OrderID: tp.OrderID, OrderLinkID: tp.OrderLinkID}
	if _, err := client.AmendOrder(ctx, ref, rec.Symbol, core.AmendParams{Qty: clamped}); err != nil {
		m.logger.Error("Failed to clamp last TP quantity", "key", rec.Key, "tp", lastLive, "error", err.Error())
		return
	}
	m.logger.Info("Clamped last TP quantity", "key", rec.Key, "tp", lastLive,
		"from", tp.Qty.String(), "to", clamped.String())
	tp.Qty = clamped
}

// adjustSL sizes the stop to cover the full target before TP1 and the
// remaining position after, replacing the order only when the difference is
// at least one step.
func (m *Runner) adjustSL(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, info core.InstrumentInfo) error {
	sl := rec.SLOrder
	if sl == nil || !sl.TriggerPrice.IsPositive() {
		return nil
	}

	desired := rec.TargetSize
	if rec.TP1Hit {
		desired = rec.CurrentSize
	}
	desired = FloorToStep(desired, info.QtyStep)

	live := hasVenueRef(&sl.OrderDescriptor) && sl.Status.IsLive()
	if !desired.IsPositive() || desired.LessThan(info.MinQty) {
		if live {
			if err := m.cancelDescriptor(ctx, client, rec.Symbol, &sl.OrderDescriptor); err != nil {
				return err
			}
		}
		sl.Qty = decimal.Zero
		return nil
	}
	if live && WithinStep(desired, sl.Qty, info.QtyStep) {
		return nil
	}

	if live {
		if err := m.cancelDescriptor(ctx, client, rec.Symbol, &sl.OrderDescriptor); err != nil {
			return err
		}
	}
	return m.placeSL(ctx, client, rec, desired, sl.TriggerPrice)
}

// moveSLToBreakeven replaces the stop at the fee-adjusted entry price after
// TP1. Returns the trigger it armed.
func (m *Runner) moveSLToBreakeven(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, info core.InstrumentInfo) (decimal.Decimal, error) {
	if rec.SLOrder == nil {
		rec.SLOrder = &core.SLDescriptor{OrderDescriptor: core.OrderDescriptor{OrderType: core.OrderTypeMarket}}
	}
	sl := rec.SLOrder

	margin := rec.AvgEntryPrice.Mul(m.feeRate.Mul(decimal.New(2, 0)).Add(m.safetyMargin))
	trigger := rec.AvgEntryPrice.Add(margin)
	if rec.Side == core.SideSell {
		trigger = rec.AvgEntryPrice.Sub(margin)
	}
	trigger = RoundToTick(trigger, info.TickSize, rec.Side)

	if hasVenueRef(&sl.OrderDescriptor) && sl.Status.IsLive() {
		if err := m.cancelDescriptor(ctx, client, rec.Symbol, &sl.OrderDescriptor); err != nil {
			return decimal.Zero, err
		}
	}

	qty := FloorToStep(rec.CurrentSize, info.QtyStep)
	if !qty.IsPositive() {
		return decimal.Zero, nil
	}
	if err := m.placeSL(ctx, client, rec, qty, trigger); err != nil {
		return decimal.Zero, err
	}
	sl.TriggerPrice = trigger
	sl.BreakevenApplied = true
	rec.SLMovedToBE = true
	m.logger.Info("Stop loss moved to breakeven", "key", rec.Key,
		"trigger", trigger.String(), "qty", qty.String())
	return trigger, nil
}

// cancelEntryLimits sweeps the entry orders that can still fill. Orders
// already gone on the venue count as cancelled.
func (m *Runner) cancelEntryLimits(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord) []string {
	var cancelled []string
	for i := range rec.EntryOrders {
		e := &rec.EntryOrders[i]
		if e.Status == core.OrderStatusFilled || e.Status == core.OrderStatusCancelled {
			continue
		}
		if !hasVenueRef(e) {
			e.Status = core.OrderStatusCancelled
			continue
		}
		ref := core.OrderRef{OrderID: e.OrderID, OrderLinkID: e.OrderLinkID}
		if err := client.CancelOrder(ctx, ref, rec.Symbol); err != nil && !apperrors.IsAlreadyGone(err) {
			m.logger.Error("Failed to cancel entry limit", "key", rec.Key, "ref", ref.String(), "error", err.Error())
			continue
		}
		e.Status = core.OrderStatusCancelled
		cancelled = append(cancelled, ref.String())
	}
	rec.LimitsCancelled = true
	return cancelled
}

// placeTP creates one reduce-only limit order for a ladder slot and updates
// its descriptor. A duplicate link ID gets one regeneration.
func (m *Runner) placeTP(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, index int, qty decimal.Decimal, info core.InstrumentInfo) error {
	tp := rec.TPOrders[index]
	build := func(link string) core.OrderParams {
		return core.OrderParams{
			Symbol:      rec.Symbol,
			Side:        rec.Side.Opposite(),
			OrderType:   core.OrderTypeLimit,
			Qty:         qty,
			Price:       tp.TriggerPrice,
			ReduceOnly:  true,
			OrderLinkID: link,
			TimeInForce: "GTC",
		}
	}
	res, link, err := m.placeWithFreshLink(ctx, client, rec, orderlink.KindTP, index, build)
	if err != nil {
		return err
	}
	tp.OrderID = res.OrderID
	tp.OrderLinkID = link
	tp.OrderType = core.OrderTypeLimit
	tp.Status = core.OrderStatusNew
	tp.Qty = qty
	tp.Price = tp.TriggerPrice
	tp.FilledQty = decimal.Zero
	return nil
}

// placeSL creates the conditional market stop and updates the descriptor.
func (m *Runner) placeSL(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, qty, trigger decimal.Decimal) error {
	direction := core.TriggerFall
	if rec.Side == core.SideSell {
		direction = core.TriggerRise
	}
	build := func(link string) core.OrderParams {
		return core.OrderParams{
			Symbol:           rec.Symbol,
			Side:             rec.Side.Opposite(),
			OrderType:        core.OrderTypeMarket,
			Qty:              qty,
			TriggerPrice:     trigger,
			TriggerDirection: direction,
			StopOrderType:    core.StopTypeStopLoss,
			ReduceOnly:       true,
			CloseOnTrigger:   true,
			OrderLinkID:      link,
		}
	}
	res, link, err := m.placeWithFreshLink(ctx, client, rec, orderlink.KindSL, 1, build)
	if err != nil {
		return err
	}
	sl := rec.SLOrder
	sl.OrderID = res.OrderID
	sl.OrderLinkID = link
	sl.OrderType = core.OrderTypeMarket
	sl.Status = core.OrderStatusUntriggered
	sl.Qty = qty
	sl.FilledQty = decimal.Zero
	return nil
}

// placeWithFreshLink generates a link ID, places, and retries exactly once
// with a regenerated ID when the venue reports the ID as taken.
func (m *Runner) placeWithFreshLink(ctx context.Context, client core.IExchangeClient, rec *core.MonitorRecord, kind orderlink.Kind, index int, build func(link string) core.OrderParams) (core.OrderResult, string, error) {
	link := m.links.Generate(rec.Account, kind, index, rec.Symbol)
	res, err := client.PlaceOrder(ctx, build(link))
	if apperrors.Classify(err) == apperrors.DuplicateLinkID {
		m.logger.Warn("Duplicate link ID reported by venue, regenerating",
			"key", rec.Key, "link_id", link)
		link = m.links.Generate(rec.Account, kind, index, rec.Symbol)
		res, err = client.PlaceOrder(ctx, build(link))
	}
	if err != nil {
		return core.OrderResult{}, "", err
	}
	return res, link, nil
}

// cancelDescriptor cancels the referenced order, treating an order already
// gone from the venue as cancelled.
func (m *Runner) cancelDescriptor(ctx context.Context, client core.IExchangeClient, symbol string, d *core.OrderDescriptor) error {
	ref := core.OrderRef{OrderID: d.OrderID, OrderLinkID: d.OrderLinkID}
	err := client.CancelOrder(ctx, ref, symbol)
	if err != nil && !apperrors.IsAlreadyGone(err) {
		return err
	}
	d.OrderID = ""
	d.OrderLinkID = ""
	d.Status = core.OrderStatusCancelled
	return nil
}

func summarize(perTP []core.TPResult, reason string) core.TPOutcome {
	failed, succeeded := 0, 0
	for _, r := range perTP {
		switch r.Outcome {
		case core.TPOutcomeFailed:
			failed++
		case core.TPOutcomeOK, core.TPOutcomePartial:
			succeeded++
		}
	}
	switch {
	case failed == 0 && reason == "":
		return core.TPOutcomeOK
	case failed > 0 && succeeded == 0:
		return core.TPOutcomeFailed
	default:
		return core.TPOutcomePartial
	}
}
