package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderDescriptor is the engine's durable reference to one order it placed
// (or adopted). Orders are referenced by ID only; the venue owns the rest.
type OrderDescriptor struct {
	OrderID     string          `json:"order_id"`
	OrderLinkID string          `json:"order_link_id"`
	OrderType   OrderType       `json:"order_type"`
	Status      OrderStatus     `json:"status"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
}

// TPDescriptor is an OrderDescriptor plus the ladder slot it occupies.
type TPDescriptor struct {
	OrderDescriptor
	TPPercent    decimal.Decimal `json:"tp_percent"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

// SLDescriptor is the stop-loss reference with its breakeven latch.
type SLDescriptor struct {
	OrderDescriptor
	TriggerPrice     decimal.Decimal `json:"trigger_price"`
	BreakevenApplied bool            `json:"breakeven_applied"`
}

// Fill is one observed entry-side execution.
type Fill struct {
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
	Ts    time.Time       `json:"ts"`
}

// MonitorRecord is the per-position state container, keyed by
// "{SYMBOL}_{Side}_{account}". It is plain serializable data: the scheduler
// owns the mutex guarding it, and runtime handles are rebuilt on load.
type MonitorRecord struct {
	Key     string  `json:"key"`
	Symbol  string  `json:"symbol"`
	Side    Side    `json:"side"`
	Account Account `json:"account"`
	ChatID  *int64  `json:"chat_id,omitempty"`

	Approach Approach `json:"approach"`

	TargetSize    decimal.Decimal `json:"target_size"`
	CurrentSize   decimal.Decimal `json:"current_size"`
	LastKnownSize decimal.Decimal `json:"last_known_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`

	Fills       []Fill                `json:"fills"`
	EntryOrders []OrderDescriptor     `json:"entry_orders"`
	TPOrders    map[int]*TPDescriptor `json:"tp_orders"`
	SLOrder     *SLDescriptor         `json:"sl_order,omitempty"`

	Phase           Phase `json:"phase"`
	TP1Hit          bool  `json:"tp1_hit"`
	LimitsCancelled bool  `json:"limits_cancelled"`
	SLMovedToBE     bool  `json:"sl_moved_to_be"`
	FilledTPCount   int   `json:"filled_tp_count"`
	LimitFillsCount int   `json:"limit_fills_count"`

	Urgency             Urgency   `json:"urgency"`
	NextDueAt           time.Time `json:"next_due_at"`
	LastEventTs         time.Time `json:"last_event_ts"`
	ClosedConfirmations int       `json:"closed_confirmations"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMonitorRecord seeds a record from a trade hand-off for one account.
func NewMonitorRecord(spec TradeSpec, account Account, defaultChatID *int64, now time.Time) *MonitorRecord {
	chatID := spec.ChatID
	if chatID == nil {
		chatID = defaultChatID
	}

	rec := &MonitorRecord{
		Key:           MonitorKey(spec.Symbol, spec.Side, account),
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Account:       account,
		ChatID:        chatID,
		Approach:      ApproachConservative,
		TargetSize:    spec.TargetSize,
		CurrentSize:   decimal.Zero,
		LastKnownSize: decimal.Zero,
		RemainingSize: decimal.Zero,
		AvgEntryPrice: decimal.Zero,
		TPOrders:      make(map[int]*TPDescriptor),
		Phase:         PhaseBuilding,
		Urgency:       UrgencyBuilding,
		NextDueAt:     now,
		LastEventTs:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, e := range spec.Entries {
		rec.EntryOrders = append(rec.EntryOrders, OrderDescriptor{
			OrderID:     e.OrderID,
			OrderLinkID: e.OrderLinkID,
			OrderType:   e.OrderType,
			Status:      OrderStatusNew,
			Qty:         spec.TargetSize.Mul(e.Fraction),
			Price:       e.Price,
		})
	}
	for i, price := range spec.TakeProfits {
		rec.TPOrders[i+1] = &TPDescriptor{
			OrderDescriptor: OrderDescriptor{OrderType: OrderTypeLimit, Status: OrderStatusNew},
			TPPercent:       ConservativeTPPercents[i].Mul(decimal.New(100, 0)),
			TriggerPrice:    price,
		}
	}
	rec.SLOrder = &SLDescriptor{
		OrderDescriptor: OrderDescriptor{OrderType: OrderTypeMarket, Status: OrderStatusUntriggered, Qty: spec.TargetSize},
		TriggerPrice:    spec.StopLoss,
	}
	return rec
}

// RecordFill appends an entry fill and recomputes the weighted average.
func (r *MonitorRecord) RecordFill(qty, price decimal.Decimal, ts time.Time) {
	r.Fills = append(r.Fills, Fill{Qty: qty, Price: price, Ts: ts})
	r.RecomputeAvgEntry()
}

// RecomputeAvgEntry sets AvgEntryPrice to the fill-weighted mean.
func (r *MonitorRecord) RecomputeAvgEntry() {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range r.Fills {
		notional = notional.Add(f.Qty.Mul(f.Price))
		qty = qty.Add(f.Qty)
	}
	if qty.IsPositive() {
		r.AvgEntryPrice = notional.Div(qty)
	}
}

// PendingEntryQty sums the quantity of entry orders that can still fill.
func (r *MonitorRecord) PendingEntryQty() decimal.Decimal {
	pending := decimal.Zero
	for _, e := range r.EntryOrders {
		if e.Status.IsLive() {
			pending = pending.Add(e.Qty.Sub(e.FilledQty))
		}
	}
	return pending
}

// TPQtySum sums the armed take-profit quantities.
func (r *MonitorRecord) TPQtySum() decimal.Decimal {
	sum := decimal.Zero
	for _, tp := range r.TPOrders {
		if tp != nil && tp.Status.IsLive() {
			sum = sum.Add(tp.Qty)
		}
	}
	return sum
}

// LiveTPIndices returns armed TP slots in ladder order.
func (r *MonitorRecord) LiveTPIndices() []int {
	var idx []int
	for i := 1; i <= 4; i++ {
		if tp, ok := r.TPOrders[i]; ok && tp != nil && tp.Status.IsLive() {
			idx = append(idx, i)
		}
	}
	return idx
}

// CanTransition reports whether moving to next respects the forward-only
// lifecycle.
func (r *MonitorRecord) CanTransition(next Phase) bool {
	return next.Ordinal() > r.Phase.Ordinal()
}

// Touch stamps the record mutated.
func (r *MonitorRecord) Touch(now time.Time) {
	r.UpdatedAt = now
}

// Clone deep-copies the record for read-only consumers.
func (r *MonitorRecord) Clone() *MonitorRecord {
	cp := *r
	if r.ChatID != nil {
		id := *r.ChatID
		cp.ChatID = &id
	}
	cp.Fills = append([]Fill(nil), r.Fills...)
	cp.EntryOrders = append([]OrderDescriptor(nil), r.EntryOrders...)
	cp.TPOrders = make(map[int]*TPDescriptor, len(r.TPOrders))
	for i, tp := range r.TPOrders {
		if tp != nil {
			tpCopy := *tp
			cp.TPOrders[i] = &tpCopy
		}
	}
	if r.SLOrder != nil {
		slCopy := *r.SLOrder
		cp.SLOrder = &slCopy
	}
	return &cp
}
