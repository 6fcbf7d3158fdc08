package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account identifies which set of credentials a monitor or exchange call
// uses. The two accounts evolve independently; nothing ever falls back from
// mirror to main.
type Account string

const (
	AccountMain   Account = "main"
	AccountMirror Account = "mirror"
)

// LinkPrefix returns the client-order-id prefix for the account.
func (a Account) LinkPrefix() string {
	if a == AccountMirror {
		return "MIR"
	}
	return "BOT"
}

// Side is the position direction, in the venue's spelling.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the exit side for a position side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// StopOrderType distinguishes conditional orders on the wire.
type StopOrderType string

const (
	StopTypeStopLoss   StopOrderType = "StopLoss"
	StopTypeTakeProfit StopOrderType = "TakeProfit"
)

// Trigger directions: 1 fires when price rises through the trigger, 2 when
// it falls through.
const (
	TriggerRise = 1
	TriggerFall = 2
)

// OrderStatus mirrors the venue's order status strings.
type OrderStatus string

const (
	OrderStatusNew         OrderStatus = "New"
	OrderStatusPartial     OrderStatus = "PartiallyFilled"
	OrderStatusFilled      OrderStatus = "Filled"
	OrderStatusCancelled   OrderStatus = "Cancelled"
	OrderStatusRejected    OrderStatus = "Rejected"
	OrderStatusUntriggered OrderStatus = "Untriggered"
)

// IsLive reports whether the order can still fill.
func (s OrderStatus) IsLive() bool {
	switch s {
	case OrderStatusNew, OrderStatusPartial, OrderStatusUntriggered:
		return true
	default:
		return false
	}
}

// Phase is the monitor lifecycle state. Transitions only move forward.
type Phase string

const (
	PhaseBuilding     Phase = "BUILDING"
	PhaseMonitoring   Phase = "MONITORING"
	PhaseProfitTaking Phase = "PROFIT_TAKING"
	PhaseClosed       Phase = "CLOSED"
)

// Ordinal gives the monotonic ordering of phases.
func (p Phase) Ordinal() int {
	switch p {
	case PhaseBuilding:
		return 0
	case PhaseMonitoring:
		return 1
	case PhaseProfitTaking:
		return 2
	case PhaseClosed:
		return 3
	default:
		return -1
	}
}

// Urgency buckets drive the per-monitor scheduling interval.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyUrgent   Urgency = "URGENT"
	UrgencyActive   Urgency = "ACTIVE"
	UrgencyBuilding Urgency = "BUILDING"
	UrgencyStable   Urgency = "STABLE"
	UrgencyDormant  Urgency = "DORMANT"
)

// Approach selects the exit ladder profile. Only the conservative
// 85/5/5/5 ladder is in scope.
type Approach string

const ApproachConservative Approach = "CONSERVATIVE"

// ConservativeTPPercents is the TP quantity split applied to current size.
var ConservativeTPPercents = [4]decimal.Decimal{
	decimal.New(85, -2),
	decimal.New(5, -2),
	decimal.New(5, -2),
	decimal.New(5, -2),
}

// MonitorKey builds the canonical "{SYMBOL}_{Side}_{account}" key.
func MonitorKey(symbol string, side Side, account Account) string {
	return fmt.Sprintf("%s_%s_%s", symbol, side, account)
}

// Quote is a last-price observation with its arrival time.
type Quote struct {
	Price decimal.Decimal
	Ts    time.Time
}

// Position is a venue position snapshot.
type Position struct {
	Symbol      string
	Side        Side
	Size        decimal.Decimal
	AvgPrice    decimal.Decimal
	MarkPrice   decimal.Decimal
	PositionIdx int
	Leverage    decimal.Decimal
	UpdatedAt   time.Time
}

// Order is a venue order snapshot, shared by open-orders and history reads.
type Order struct {
	OrderID          string
	OrderLinkID      string
	Symbol           string
	Side             Side
	OrderType        OrderType
	Price            decimal.Decimal
	Qty              decimal.Decimal
	CumExecQty       decimal.Decimal
	AvgFillPrice     decimal.Decimal
	TriggerPrice     decimal.Decimal
	TriggerDirection int
	StopOrderType    StopOrderType
	ReduceOnly       bool
	CloseOnTrigger   bool
	Status           OrderStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderParams carries everything a create call needs. The adapter injects
// the linear category on the wire.
type OrderParams struct {
	Symbol           string
	Side             Side
	OrderType        OrderType
	Qty              decimal.Decimal
	Price            decimal.Decimal
	TriggerPrice     decimal.Decimal
	TriggerDirection int
	StopOrderType    StopOrderType
	ReduceOnly       bool
	CloseOnTrigger   bool
	OrderLinkID      string
	PositionIdx      int
	TimeInForce      string
}

// AmendParams carries the mutable fields of a live order. Zero values mean
// "leave unchanged".
type AmendParams struct {
	Qty          decimal.Decimal
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
}

// OrderRef addresses an order by venue ID or link ID; at least one must be
// set.
type OrderRef struct {
	OrderID     string
	OrderLinkID string
}

func (r OrderRef) String() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.OrderLinkID
}

// OrderResult is the venue's acknowledgement of a create or amend.
type OrderResult struct {
	OrderID     string
	OrderLinkID string
}

// InstrumentInfo holds the per-symbol trading filters.
type InstrumentInfo struct {
	Symbol     string
	QtyStep    decimal.Decimal
	MinQty     decimal.Decimal
	TickSize   decimal.Decimal
	PriceScale int
}

// EntryLeg is one planned entry order inside a TradeSpec.
type EntryLeg struct {
	OrderType   OrderType
	Price       decimal.Decimal
	Fraction    decimal.Decimal
	OrderID     string
	OrderLinkID string
}

// TradeSpec is the hand-off from the trade executor: orders it already
// placed plus the exit ladder the engine must maintain.
type TradeSpec struct {
	Symbol      string
	Side        Side
	Leverage    int
	Margin      decimal.Decimal
	TargetSize  decimal.Decimal
	Entries     []EntryLeg
	TakeProfits [4]decimal.Decimal
	StopLoss    decimal.Decimal
	ChatID      *int64
	Mirror      bool
}

// Validate rejects specs the engine cannot monitor.
func (s TradeSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("trade spec: empty symbol")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("trade spec: invalid side %q", s.Side)
	}
	if !s.TargetSize.IsPositive() {
		return fmt.Errorf("trade spec: target size must be positive, got %s", s.TargetSize)
	}
	if len(s.Entries) < 1 || len(s.Entries) > 3 {
		return fmt.Errorf("trade spec: need 1 market + 0..2 limit entries, got %d", len(s.Entries))
	}
	if s.Entries[0].OrderType != OrderTypeMarket {
		return fmt.Errorf("trade spec: first entry must be a market order")
	}
	sum := decimal.Zero
	for i, e := range s.Entries {
		if i > 0 && e.OrderType != OrderTypeLimit {
			return fmt.Errorf("trade spec: entry %d must be a limit order", i)
		}
		sum = sum.Add(e.Fraction)
	}
	if !sum.Equal(decimal.New(1, 0)) {
		return fmt.Errorf("trade spec: entry fractions sum to %s, want 1", sum)
	}
	for i, tp := range s.TakeProfits {
		if !tp.IsPositive() {
			return fmt.Errorf("trade spec: take profit %d price must be positive", i+1)
		}
	}
	if !s.StopLoss.IsPositive() {
		return fmt.Errorf("trade spec: stop loss price must be positive")
	}
	return nil
}
