package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tpsl_engine/internal/core"
	apperrors "tpsl_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchangeClient for testing. State is seeded and
// mutated through the Set*/Simulate* helpers; every venue method records its
// call and honors errors scripted with FailNext.
type Exchange struct {
	account core.Account

	mu             sync.Mutex
	positions      map[string]core.Position
	orders         map[string]*core.Order
	history        []core.Order
	instruments    map[string]core.InstrumentInfo
	linkIndex      map[string]string
	orderIDCounter int64

	scriptedErrs map[string][]error
	calls        map[string]int
	cancelled    []string
}

// NewExchange creates an empty mock venue for one account.
func NewExchange(account core.Account) *Exchange {
	return &Exchange{
		account:        account,
		positions:      make(map[string]core.Position),
		orders:         make(map[string]*core.Order),
		instruments:    make(map[string]core.InstrumentInfo),
		linkIndex:      make(map[string]string),
		orderIDCounter: 1000,
		scriptedErrs:   make(map[string][]error),
		calls:          make(map[string]int),
	}
}

func positionKey(symbol string, side core.Side) string {
	return symbol + "_" + string(side)
}

// FailNext queues an error for the next call to the named method
// (GetAllPositions, GetAllOpenOrders, GetOrderHistory, PlaceOrder,
// AmendOrder, CancelOrder, GetInstrumentInfo). Queued errors are consumed in
// FIFO order.
func (m *Exchange) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scriptedErrs[method] = append(m.scriptedErrs[method], err)
}

func (m *Exchange) popErr(method string) error {
	m.calls[method]++
	queue := m.scriptedErrs[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.scriptedErrs[method] = queue[1:]
	return err
}

// Calls reports how many times the named method was invoked.
func (m *Exchange) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// SetPosition seeds or replaces the position row for (symbol, side).
func (m *Exchange) SetPosition(symbol string, side core.Side, size, avgPrice, markPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionKey(symbol, side)] = core.Position{
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		AvgPrice:  avgPrice,
		MarkPrice: markPrice,
		UpdatedAt: time.Now(),
	}
}

// SetPositionSize adjusts only the size of an existing position row.
func (m *Exchange) SetPositionSize(symbol string, side core.Side, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.positions[positionKey(symbol, side)]
	pos.Symbol = symbol
	pos.Side = side
	pos.Size = size
	pos.UpdatedAt = time.Now()
	m.positions[positionKey(symbol, side)] = pos
}

// RemovePosition deletes the position row entirely, as the venue does once a
// closed position ages out of the list.
func (m *Exchange) RemovePosition(symbol string, side core.Side) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, positionKey(symbol, side))
}

// SetInstrument seeds the trading filters for a symbol.
func (m *Exchange) SetInstrument(info core.InstrumentInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments[info.Symbol] = info
}

// SeedOrder places an order directly into the open-orders book, bypassing
// PlaceOrder. Used to model orders created outside the engine.
func (m *Exchange) SeedOrder(order core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.OrderID == "" {
		m.orderIDCounter++
		order.OrderID = fmt.Sprintf("%d", m.orderIDCounter)
	}
	if order.Status == "" {
		order.Status = core.OrderStatusNew
	}
	cp := order
	m.orders[order.OrderID] = &cp
	if order.OrderLinkID != "" {
		m.linkIndex[order.OrderLinkID] = order.OrderID
	}
}

// AddHistory appends an order to the history feed without touching the open
// book or positions.
func (m *Exchange) AddHistory(order core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now()
	}
	m.history = append(m.history, order)
}

// SimulateFill fills the open order with the given link ID at price: the
// order moves to history as Filled and the position for its symbol is
// adjusted the way the venue would (reduce-only shrinks, entry side grows).
func (m *Exchange) SimulateFill(linkID string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orderID, ok := m.linkIndex[linkID]
	if !ok {
		return fmt.Errorf("no open order with link id %s", linkID)
	}
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not open", orderID)
	}

	filled := *order
	filled.Status = core.OrderStatusFilled
	filled.CumExecQty = order.Qty
	filled.AvgFillPrice = price
	filled.UpdatedAt = time.Now()
	m.history = append(m.history, filled)
	delete(m.orders, orderID)

	posSide := order.Side
	delta := order.Qty
	if order.ReduceOnly {
		posSide = order.Side.Opposite()
		delta = delta.Neg()
	}
	key := positionKey(order.Symbol, posSide)
	pos, havePos := m.positions[key]
	if !havePos {
		pos = core.Position{Symbol: order.Symbol, Side: posSide, AvgPrice: price, MarkPrice: price}
	}
	pos.Size = pos.Size.Add(delta)
	if pos.Size.IsNegative() {
		pos.Size = decimal.Zero
	}
	pos.UpdatedAt = time.Now()
	m.positions[key] = pos
	return nil
}

// OpenOrders returns a copy of the current open-orders book.
func (m *Exchange) OpenOrders() []core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// OpenOrderByLink returns the open order carrying the link ID.
func (m *Exchange) OpenOrderByLink(linkID string) (core.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.linkIndex[linkID]; ok {
		if o, ok := m.orders[id]; ok {
			return *o, true
		}
	}
	return core.Order{}, false
}

// OpenOrdersMatching returns open orders accepted by the filter.
func (m *Exchange) OpenOrdersMatching(match func(core.Order) bool) []core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Order
	for _, o := range m.orders {
		if match(*o) {
			out = append(out, *o)
		}
	}
	return out
}

// CancelledLinks returns the link IDs of orders cancelled through the API,
// in cancellation order.
func (m *Exchange) CancelledLinks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *Exchange) Account() core.Account {
	return m.account
}

func (m *Exchange) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("GetAllPositions"); err != nil {
		return nil, err
	}
	out := make([]core.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Exchange) GetAllOpenOrders(ctx context.Context) ([]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("GetAllOpenOrders"); err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (m *Exchange) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("GetOrderHistory"); err != nil {
		return nil, err
	}
	var out []core.Order
	for _, o := range m.history {
		if o.Symbol == symbol && !o.UpdatedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

// PlaceOrder rejects duplicate link IDs the way the venue does and books the
// order as open otherwise.
func (m *Exchange) PlaceOrder(ctx context.Context, params core.OrderParams) (core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("PlaceOrder"); err != nil {
		return core.OrderResult{}, err
	}

	if params.OrderLinkID != "" {
		if _, exists := m.linkIndex[params.OrderLinkID]; exists {
			return core.OrderResult{}, fmt.Errorf("place %s: %w", params.OrderLinkID, apperrors.ErrDuplicateOrderLinkID)
		}
	}

	m.orderIDCounter++
	id := fmt.Sprintf("%d", m.orderIDCounter)
	status := core.OrderStatusNew
	if !params.TriggerPrice.IsZero() {
		status = core.OrderStatusUntriggered
	}
	order := &core.Order{
		OrderID:          id,
		OrderLinkID:      params.OrderLinkID,
		Symbol:           params.Symbol,
		Side:             params.Side,
		OrderType:        params.OrderType,
		Price:            params.Price,
		Qty:              params.Qty,
		TriggerPrice:     params.TriggerPrice,
		TriggerDirection: params.TriggerDirection,
		StopOrderType:    params.StopOrderType,
		ReduceOnly:       params.ReduceOnly,
		CloseOnTrigger:   params.CloseOnTrigger,
		Status:           status,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	m.orders[id] = order
	if params.OrderLinkID != "" {
		m.linkIndex[params.OrderLinkID] = id
	}
	return core.OrderResult{OrderID: id, OrderLinkID: params.OrderLinkID}, nil
}

func (m *Exchange) AmendOrder(ctx context.Context, ref core.OrderRef, symbol string, params core.AmendParams) (core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("AmendOrder"); err != nil {
		return core.OrderResult{}, err
	}

	order, ok := m.resolve(ref)
	if !ok {
		return core.OrderResult{}, fmt.Errorf("amend %s: %w", ref, apperrors.ErrOrderNotFound)
	}
	if !params.Qty.IsZero() {
		order.Qty = params.Qty
	}
	if !params.Price.IsZero() {
		order.Price = params.Price
	}
	if !params.TriggerPrice.IsZero() {
		order.TriggerPrice = params.TriggerPrice
	}
	order.UpdatedAt = time.Now()
	return core.OrderResult{OrderID: order.OrderID, OrderLinkID: order.OrderLinkID}, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, ref core.OrderRef, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("CancelOrder"); err != nil {
		return err
	}

	order, ok := m.resolve(ref)
	if !ok {
		return fmt.Errorf("cancel %s: %w", ref, apperrors.ErrOrderNotFound)
	}
	cancelled := *order
	cancelled.Status = core.OrderStatusCancelled
	cancelled.UpdatedAt = time.Now()
	m.history = append(m.history, cancelled)
	delete(m.orders, order.OrderID)
	m.cancelled = append(m.cancelled, order.OrderLinkID)
	return nil
}

func (m *Exchange) GetInstrumentInfo(ctx context.Context, symbol string) (core.InstrumentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popErr("GetInstrumentInfo"); err != nil {
		return core.InstrumentInfo{}, err
	}
	if info, ok := m.instruments[symbol]; ok {
		return info, nil
	}
	// Reasonable defaults for a USDT-margined contract.
	return core.InstrumentInfo{
		Symbol:     symbol,
		QtyStep:    decimal.New(1, -3),
		MinQty:     decimal.New(1, -3),
		TickSize:   decimal.New(5, -1),
		PriceScale: 2,
	}, nil
}

func (m *Exchange) resolve(ref core.OrderRef) (*core.Order, bool) {
	if ref.OrderID != "" {
		if o, ok := m.orders[ref.OrderID]; ok {
			return o, true
		}
	}
	if ref.OrderLinkID != "" {
		if id, ok := m.linkIndex[ref.OrderLinkID]; ok {
			if o, ok := m.orders[id]; ok {
				return o, true
			}
		}
	}
	return nil, false
}

// HasOpenOrderWithPrefix reports whether any open order's link ID starts
// with the given prefix.
func (m *Exchange) HasOpenOrderWithPrefix(prefix string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if strings.HasPrefix(o.OrderLinkID, prefix) {
			return true
		}
	}
	return false
}
