package bybit

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/core"
)

// Wire shapes for the v5 REST result payloads. All numbers arrive as strings.

type orderAckResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type positionListResult struct {
	NextPageCursor string        `json:"nextPageCursor"`
	List           []rawPosition `json:"list"`
}

type rawPosition struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	MarkPrice   string `json:"markPrice"`
	Leverage    string `json:"leverage"`
	PositionIdx int    `json:"positionIdx"`
	UpdatedTime string `json:"updatedTime"`
}

func (r rawPosition) toPosition() core.Position {
	return core.Position{
		Symbol:      r.Symbol,
		Side:        parseSide(r.Side),
		Size:        dec(r.Size),
		AvgPrice:    dec(r.AvgPrice),
		MarkPrice:   dec(r.MarkPrice),
		PositionIdx: r.PositionIdx,
		Leverage:    dec(r.Leverage),
		UpdatedAt:   msTime(r.UpdatedTime),
	}
}

type orderListResult struct {
	NextPageCursor string     `json:"nextPageCursor"`
	List           []rawOrder `json:"list"`
}

type rawOrder struct {
	OrderID          string `json:"orderId"`
	OrderLinkID      string `json:"orderLinkId"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Price            string `json:"price"`
	Qty              string `json:"qty"`
	CumExecQty       string `json:"cumExecQty"`
	AvgPrice         string `json:"avgPrice"`
	TriggerPrice     string `json:"triggerPrice"`
	TriggerDirection int    `json:"triggerDirection"`
	StopOrderType    string `json:"stopOrderType"`
	ReduceOnly       bool   `json:"reduceOnly"`
	CloseOnTrigger   bool   `json:"closeOnTrigger"`
	OrderStatus      string `json:"orderStatus"`
	CreatedTime      string `json:"createdTime"`
	UpdatedTime      string `json:"updatedTime"`
}

func (r rawOrder) toOrder() core.Order {
	return core.Order{
		OrderID:          r.OrderID,
		OrderLinkID:      r.OrderLinkID,
		Symbol:           r.Symbol,
		Side:             parseSide(r.Side),
		OrderType:        core.OrderType(r.OrderType),
		Price:            dec(r.Price),
		Qty:              dec(r.Qty),
		CumExecQty:       dec(r.CumExecQty),
		AvgFillPrice:     dec(r.AvgPrice),
		TriggerPrice:     dec(r.TriggerPrice),
		TriggerDirection: r.TriggerDirection,
		StopOrderType:    core.StopOrderType(r.StopOrderType),
		ReduceOnly:       r.ReduceOnly,
		CloseOnTrigger:   r.CloseOnTrigger,
		Status:           parseOrderStatus(r.OrderStatus),
		CreatedAt:        msTime(r.CreatedTime),
		UpdatedAt:        msTime(r.UpdatedTime),
	}
}

type instrumentListResult struct {
	List []rawInstrument `json:"list"`
}

type rawInstrument struct {
	Symbol      string `json:"symbol"`
	PriceScale  string `json:"priceScale"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderQty string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
}

func (r rawInstrument) toInstrumentInfo() core.InstrumentInfo {
	scale, _ := strconv.Atoi(r.PriceScale)
	return core.InstrumentInfo{
		Symbol:     r.Symbol,
		QtyStep:    dec(r.LotSizeFilter.QtyStep),
		MinQty:     dec(r.LotSizeFilter.MinOrderQty),
		TickSize:   dec(r.PriceFilter.TickSize),
		PriceScale: scale,
	}
}

// parseSide returns "" for flat one-way rows ("None" or empty)
func parseSide(s string) core.Side {
	switch s {
	case "Buy":
		return core.SideBuy
	case "Sell":
		return core.SideSell
	}
	return ""
}

func parseOrderStatus(s string) core.OrderStatus {
	switch s {
	case "Created", "New", "Triggered":
		return core.OrderStatusNew
	case "PartiallyFilled":
		return core.OrderStatusPartial
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return core.OrderStatusCancelled
	case "Rejected":
		return core.OrderStatusRejected
	case "Untriggered":
		return core.OrderStatusUntriggered
	}
	return core.OrderStatus(s)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func msTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
