package core

import "github.com/shopspring/decimal"

// Counters is the lifetime trade accounting persisted alongside monitor
// records. Updated at closure time only.
type Counters struct {
	TotalTrades int64           `json:"stats_total_trades"`
	TotalWins   int64           `json:"stats_total_wins"`
	TotalLosses int64           `json:"stats_total_losses"`
	GrossProfit decimal.Decimal `json:"stats_gross_profit"`
	GrossLoss   decimal.Decimal `json:"stats_gross_loss"`
}

// RecordClosure folds one closed position into the counters. A flat result
// counts as a trade but neither win nor loss.
func (c *Counters) RecordClosure(p PnLSummary) {
	c.TotalTrades++
	switch {
	case p.NetPnL.IsPositive():
		c.TotalWins++
		c.GrossProfit = c.GrossProfit.Add(p.NetPnL)
	case p.NetPnL.IsNegative():
		c.TotalLosses++
		c.GrossLoss = c.GrossLoss.Add(p.NetPnL.Abs())
	}
}

// WinRate returns wins over total closed trades, zero when none closed.
func (c *Counters) WinRate() decimal.Decimal {
	if c.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(c.TotalWins).Div(decimal.NewFromInt(c.TotalTrades))
}
