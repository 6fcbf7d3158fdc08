package scheduler

import (
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/core"
)

const (
	// activityWindow keeps a monitor in the ACTIVE bucket after any fill
	// or order replace.
	activityWindow = 60 * time.Second
	stableAfter    = 10 * time.Minute
	dormantAfter   = 30 * time.Minute
)

var (
	criticalDistance = decimal.NewFromFloat(0.01)
	urgentDistance   = decimal.NewFromFloat(0.03)
)

// Intervals holds the per-urgency check cadence.
type Intervals struct {
	Critical time.Duration
	Urgent   time.Duration
	Active   time.Duration
	Building time.Duration
	Stable   time.Duration
	Dormant  time.Duration
}

// DefaultIntervals returns the production cadence table.
func DefaultIntervals() Intervals {
	return Intervals{
		Critical: 2 * time.Second,
		Urgent:   5 * time.Second,
		Active:   12 * time.Second,
		Building: 20 * time.Second,
		Stable:   60 * time.Second,
		Dormant:  180 * time.Second,
	}
}

// For maps an urgency bucket to its base interval.
func (iv Intervals) For(u core.Urgency) time.Duration {
	switch u {
	case core.UrgencyCritical:
		return iv.Critical
	case core.UrgencyUrgent:
		return iv.Urgent
	case core.UrgencyActive:
		return iv.Active
	case core.UrgencyBuilding:
		return iv.Building
	case core.UrgencyStable:
		return iv.Stable
	case core.UrgencyDormant:
		return iv.Dormant
	default:
		return iv.Active
	}
}

// urgencyRank orders dispatch: lower runs first.
func urgencyRank(u core.Urgency) int {
	switch u {
	case core.UrgencyCritical:
		return 0
	case core.UrgencyUrgent:
		return 1
	case core.UrgencyActive:
		return 2
	case core.UrgencyBuilding:
		return 3
	case core.UrgencyStable:
		return 4
	case core.UrgencyDormant:
		return 5
	default:
		return 2
	}
}

// classify buckets one monitor from trigger proximity, phase and idle time.
// Distance wins over everything: a price within 1% of any live trigger makes
// the monitor CRITICAL no matter how long it has been quiet.
func (s *Scheduler) classify(rec *core.MonitorRecord, now time.Time) core.Urgency {
	if d, ok := s.triggerDistance(rec); ok {
		if d.LessThanOrEqual(criticalDistance) {
			return core.UrgencyCritical
		}
		if d.LessThanOrEqual(urgentDistance) {
			return core.UrgencyUrgent
		}
	}

	idle := now.Sub(rec.LastEventTs)
	if rec.Phase == core.PhaseProfitTaking || idle <= activityWindow {
		return core.UrgencyActive
	}
	if rec.Phase == core.PhaseBuilding {
		return core.UrgencyBuilding
	}
	if idle > dormantAfter {
		return core.UrgencyDormant
	}
	if idle > stableAfter {
		return core.UrgencyStable
	}
	return core.UrgencyActive
}

// triggerDistance returns min(|mark - trigger| / mark) over the monitor's
// unfilled TP and SL triggers. ok is false without a position, a price, or
// any armed trigger.
func (s *Scheduler) triggerDistance(rec *core.MonitorRecord) (decimal.Decimal, bool) {
	if !rec.CurrentSize.IsPositive() {
		return decimal.Decimal{}, false
	}
	mark, ok := s.markPrice(rec)
	if !ok {
		return decimal.Decimal{}, false
	}

	var nearest decimal.Decimal
	found := false
	consider := func(trigger decimal.Decimal) {
		if !trigger.IsPositive() {
			return
		}
		d := mark.Sub(trigger).Abs().Div(mark)
		if !found || d.LessThan(nearest) {
			nearest = d
			found = true
		}
	}

	for _, tp := range rec.TPOrders {
		if tp == nil || tp.Status == core.OrderStatusFilled {
			continue
		}
		consider(tp.TriggerPrice)
	}
	if sl := rec.SLOrder; sl != nil && sl.Status != core.OrderStatusFilled {
		consider(sl.TriggerPrice)
	}
	return nearest, found
}

// markPrice prefers the live price stream and falls back to the cached
// position's mark price. Neither path touches the venue.
func (s *Scheduler) markPrice(rec *core.MonitorRecord) (decimal.Decimal, bool) {
	if s.prices != nil {
		if q, ok := s.prices.LastPrice(rec.Symbol); ok && q.Price.IsPositive() {
			return q.Price, true
		}
	}
	if s.caches != nil {
		if ac := s.caches.For(rec.Account); ac != nil {
			if snap, ok := ac.Peek(); ok {
				if pos, have := snap.PositionFor(rec.Symbol, rec.Side); have && pos.MarkPrice.IsPositive() {
					return pos.MarkPrice, true
				}
			}
		}
	}
	return decimal.Decimal{}, false
}
