package monitor

import (
	"tpsl_engine/internal/core"

	"github.com/shopspring/decimal"
)

// ladderSlots is the number of take-profit slots in the conservative ladder.
const ladderSlots = 4

// FloorToStep rounds qty down to a multiple of the instrument's quantity
// step. A non-positive step returns qty unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// WithinStep reports whether a and b differ by less than one step. Order
// quantities that differ by less than the step cannot be expressed on the
// venue, so the existing order stays.
func WithinStep(a, b, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return a.Equal(b)
	}
	return a.Sub(b).Abs().LessThan(step)
}

// RoundToTick quantizes a computed trigger price to the instrument tick,
// rounding away from the entry so the fee margin built into the price is
// never thinned: up for Buy positions (trigger sits above entry), down for
// Sell.
func RoundToTick(price, tick decimal.Decimal, side core.Side) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if side == core.SideBuy {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick)
}

// planTPQtys splits size across the four TP slots by their percentages.
// A slot whose quantity would round below minQty is skipped and its
// percentage rolls forward to the next slot. The last slot takes the exact
// remainder so the planned quantities sum to size; when that remainder is
// itself below minQty it folds back into the last placed slot. Zero entries
// mean the slot is skipped.
func planTPQtys(size, step, minQty decimal.Decimal, percents [4]decimal.Decimal) [4]decimal.Decimal {
	var out [4]decimal.Decimal
	if !size.IsPositive() {
		return out
	}

	hundred := decimal.New(100, 0)
	carry := decimal.Zero
	placed := decimal.Zero
	lastPlaced := -1
	for i := 0; i < ladderSlots-1; i++ {
		pct := percents[i].Add(carry)
		qty := FloorToStep(size.Mul(pct).Div(hundred), step)
		if qty.LessThan(minQty) {
			carry = pct
			continue
		}
		out[i] = qty
		placed = placed.Add(qty)
		lastPlaced = i
		carry = decimal.Zero
	}

	rest := FloorToStep(size.Sub(placed), step)
	switch {
	case rest.GreaterThanOrEqual(minQty):
		out[ladderSlots-1] = rest
	case rest.IsPositive() && lastPlaced >= 0:
		out[lastPlaced] = out[lastPlaced].Add(rest)
	}
	return out
}

// ladderPercents reads the slot percentages off the record, falling back to
// the conservative defaults for slots that lost their descriptor.
func ladderPercents(rec *core.MonitorRecord) [4]decimal.Decimal {
	var out [4]decimal.Decimal
	for i := 0; i < ladderSlots; i++ {
		if tp, ok := rec.TPOrders[i+1]; ok && tp != nil && tp.TPPercent.IsPositive() {
			out[i] = tp.TPPercent
			continue
		}
		out[i] = core.ConservativeTPPercents[i].Mul(decimal.New(100, 0))
	}
	return out
}
