package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates the engine events handed to the alert dispatcher.
type EventKind string

const (
	EventEntryFilled          EventKind = "EntryFilled"
	EventTPHit                EventKind = "TPHit"
	EventSLMovedToBreakeven   EventKind = "SLMovedToBreakeven"
	EventLimitsCancelledOnTP1 EventKind = "LimitsCancelledOnTP1"
	EventRebalanceDone        EventKind = "RebalanceDone"
	EventSLHit                EventKind = "SLHit"
	EventPositionClosed       EventKind = "PositionClosed"
)

// TPOutcome is the per-slot result category inside a rebalance report.
type TPOutcome string

const (
	TPOutcomeOK      TPOutcome = "OK"
	TPOutcomePartial TPOutcome = "PARTIAL"
	TPOutcomeFailed  TPOutcome = "FAILED"
	TPOutcomeSkipped TPOutcome = "SKIPPED"
)

// TPResult reports one ladder slot of a rebalance.
type TPResult struct {
	Index   int             `json:"index"`
	Outcome TPOutcome       `json:"outcome"`
	Qty     decimal.Decimal `json:"qty"`
	Error   string          `json:"error,omitempty"`
}

// RebalanceReport summarizes one rebalance run for operator visibility.
type RebalanceReport struct {
	Status TPOutcome       `json:"status"`
	PerTP  []TPResult      `json:"per_tp"`
	SLQty  decimal.Decimal `json:"sl_qty"`
	Reason string          `json:"reason,omitempty"`
}

// PnLSummary is the closing accounting attached to PositionClosed.
type PnLSummary struct {
	GrossPnL    decimal.Decimal `json:"gross_pnl"`
	FeeEstimate decimal.Decimal `json:"fee_estimate"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	AvgExit     decimal.Decimal `json:"avg_exit"`
	ClosedQty   decimal.Decimal `json:"closed_qty"`
	Win         bool            `json:"win"`
}

// Event is a read-only engine occurrence. The dispatcher formats and
// delivers it; the engine only states facts.
type Event struct {
	Kind       EventKind `json:"kind"`
	MonitorKey string    `json:"monitor_key"`
	Account    Account   `json:"account"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Ts         time.Time `json:"ts"`
	ChatID     *int64    `json:"chat_id,omitempty"`

	TPIndex          int              `json:"tp_index,omitempty"`
	FillQty          decimal.Decimal  `json:"fill_qty,omitempty"`
	FillPrice        decimal.Decimal  `json:"fill_price,omitempty"`
	AvgEntryPrice    decimal.Decimal  `json:"avg_entry_price,omitempty"`
	CurrentSize      decimal.Decimal  `json:"current_size,omitempty"`
	LimitFillsCount  int              `json:"limit_fills_count,omitempty"`
	BreakevenPrice   decimal.Decimal  `json:"breakeven_price,omitempty"`
	CancelledLinkIDs []string         `json:"cancelled_link_ids,omitempty"`
	Rebalance        *RebalanceReport `json:"rebalance,omitempty"`
	PnL              *PnLSummary      `json:"pnl,omitempty"`
	Error            string           `json:"error,omitempty"`
}
