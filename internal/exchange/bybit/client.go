// Package bybit implements the venue client for Bybit v5 USDT linear perpetuals
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"tpsl_engine/internal/core"
	apperrors "tpsl_engine/pkg/errors"
	"tpsl_engine/pkg/httpclient"
	"tpsl_engine/pkg/retry"
)

const (
	categoryLinear = "linear"
	settleCoin     = "USDT"

	// callTimeout bounds one venue call including transport retries
	callTimeout = 60 * time.Second

	// maxPages caps cursor pagination on list endpoints
	maxPages = 10
)

// Options configures a Client for one account
type Options struct {
	Account        core.Account
	BaseURL        string
	APIKey         string
	APISecret      string
	MaxConcurrency int64
	Logger         core.ILogger
}

// Client talks to the v5 REST API for a single account. All list reads are
// account-wide; per-symbol filtering happens in the caller's cache.
type Client struct {
	account core.Account
	http    *httpclient.Client
	logger  core.ILogger
	limiter *rate.Limiter

	semMu sync.RWMutex
	sem   *semaphore.Weighted

	instMu      sync.RWMutex
	instruments map[string]core.InstrumentInfo
}

// NewClient creates a v5 client for one account
func NewClient(opts Options) *Client {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 20
	}

	signer := NewSigner(opts.APIKey, opts.APISecret)

	return &Client{
		account:     opts.Account,
		http:        httpclient.NewClient(opts.BaseURL, callTimeout, signer),
		logger:      opts.Logger.WithField("component", "bybit_"+string(opts.Account)),
		limiter:     rate.NewLimiter(rate.Limit(8), 16),
		sem:         semaphore.NewWeighted(opts.MaxConcurrency),
		instruments: make(map[string]core.InstrumentInfo),
	}
}

// Account returns the account this client is bound to
func (c *Client) Account() core.Account {
	return c.account
}

// SetMaxConcurrency resizes the per-account request semaphore. In-flight
// requests keep their slot on the old semaphore.
func (c *Client) SetMaxConcurrency(n int64) {
	if n <= 0 {
		return
	}
	c.semMu.Lock()
	c.sem = semaphore.NewWeighted(n)
	c.semMu.Unlock()
}

// GetAllPositions fetches every linear USDT position for the account
func (c *Client) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	var positions []core.Position
	err := retry.Do(ctx, retry.ExchangePolicy, apperrors.IsRetryable, func() error {
		positions = positions[:0]
		cursor := ""
		for page := 0; page < maxPages; page++ {
			params := map[string]string{
				"category":   categoryLinear,
				"settleCoin": settleCoin,
				"limit":      "200",
			}
			if cursor != "" {
				params["cursor"] = cursor
			}

			var result positionListResult
			if err := c.get(ctx, "/v5/position/list", params, &result); err != nil {
				return err
			}
			for _, raw := range result.List {
				positions = append(positions, raw.toPosition())
			}
			if result.NextPageCursor == "" {
				return nil
			}
			cursor = result.NextPageCursor
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	return positions, nil
}

// GetAllOpenOrders fetches every live order for the account, conditional
// orders included
func (c *Client) GetAllOpenOrders(ctx context.Context) ([]core.Order, error) {
	var orders []core.Order
	err := retry.Do(ctx, retry.ExchangePolicy, apperrors.IsRetryable, func() error {
		orders = orders[:0]
		cursor := ""
		for page := 0; page < maxPages; page++ {
			params := map[string]string{
				"category":   categoryLinear,
				"settleCoin": settleCoin,
				"limit":      "50",
			}
			if cursor != "" {
				params["cursor"] = cursor
			}

			var result orderListResult
			if err := c.get(ctx, "/v5/order/realtime", params, &result); err != nil {
				return err
			}
			for _, raw := range result.List {
				orders = append(orders, raw.toOrder())
			}
			if result.NextPageCursor == "" {
				return nil
			}
			cursor = result.NextPageCursor
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	return orders, nil
}

// GetOrderHistory fetches recent orders for one symbol, newest first
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]core.Order, error) {
	var orders []core.Order
	err := retry.Do(ctx, retry.ExchangePolicy, apperrors.IsRetryable, func() error {
		orders = orders[:0]
		cursor := ""
		for page := 0; page < maxPages; page++ {
			params := map[string]string{
				"category": categoryLinear,
				"symbol":   symbol,
				"limit":    "50",
			}
			if !since.IsZero() {
				params["startTime"] = strconv.FormatInt(since.UnixMilli(), 10)
			}
			if cursor != "" {
				params["cursor"] = cursor
			}

			var result orderListResult
			if err := c.get(ctx, "/v5/order/history", params, &result); err != nil {
				return err
			}
			for _, raw := range result.List {
				orders = append(orders, raw.toOrder())
			}
			if result.NextPageCursor == "" {
				return nil
			}
			cursor = result.NextPageCursor
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get order history %s: %w", symbol, err)
	}
	return orders, nil
}

// PlaceOrder creates an order. A duplicate link ID that turns out to be our
// own live order (a transient retry racing its own success) is adopted
// instead of failed.
func (c *Client) PlaceOrder(ctx context.Context, p core.OrderParams) (core.OrderResult, error) {
	req := buildCreateRequest(p)

	var ack orderAckResult
	err := retry.Do(ctx, retry.ExchangePolicy, apperrors.IsRetryable, func() error {
		placeErr := c.post(ctx, "/v5/order/create", req, &ack)
		if placeErr != nil && errors.Is(placeErr, apperrors.ErrDuplicateOrderLinkID) && p.OrderLinkID != "" {
			if existing, findErr := c.findOrderByLink(ctx, p.Symbol, p.OrderLinkID); findErr == nil {
				c.logger.Warn("Adopted existing order after duplicate link id",
					"symbol", p.Symbol, "orderLinkId", p.OrderLinkID, "orderId", existing.OrderID)
				ack = orderAckResult{OrderID: existing.OrderID, OrderLinkID: existing.OrderLinkID}
				return nil
			}
		}
		return placeErr
	})
	if err != nil {
		return core.OrderResult{}, fmt.Errorf("place order %s %s: %w", p.Symbol, p.OrderLinkID, err)
	}
	return core.OrderResult{OrderID: ack.OrderID, OrderLinkID: ack.OrderLinkID}, nil
}

// AmendOrder modifies price, quantity or trigger price of a live order
func (c *Client) AmendOrder(ctx context.Context, ref core.OrderRef, symbol string, a core.AmendParams) (core.OrderResult, error) {
	if ref.OrderID == "" && ref.OrderLinkID == "" {
		return core.OrderResult{}, fmt.Errorf("amend order %s: %w: empty order ref", symbol, apperrors.ErrInvalidOrderParameter)
	}

	req := amendOrderRequest{
		Category:    categoryLinear,
		Symbol:      symbol,
		OrderID:     ref.OrderID,
		OrderLinkID: ref.OrderLinkID,
	}
	if a.Qty.IsPositive() {
		req.Qty = a.Qty.String()
	}
	if a.Price.IsPositive() {
		req.Price = a.Price.String()
	}
	if a.TriggerPrice.IsPositive() {
		req.TriggerPrice = a.TriggerPrice.String()
	}

	err := retry.Do(ctx, retry.ExchangePolicy, apperrors.IsRetryable, func() error {
		return c.post(ctx, "/v5/order/amend", req, nil)
	})
	if err != nil {
		return core.OrderResult{}, fmt.Errorf("amend order %s %s: %w", symbol, ref, err)
	}
	return core.OrderResult{OrderID: ref.OrderID, OrderLinkID: ref.OrderLinkID}, nil
}

// CancelOrder cancels a live order. An already-gone order surfaces as
// ErrOrderNotFound; callers decide whether that counts as success.
func (c *Client) CancelOrder(ctx context.Context, ref core.OrderRef, symbol string) error {
	if ref.OrderID == "" && ref.OrderLinkID == "" {
		return fmt.Errorf("cancel order %s: %w: empty order ref", symbol, apperrors.ErrInvalidOrderParameter)
	}

	req := cancelOrderRequest{
		Category:    categoryLinear,
		Symbol:      symbol,
		OrderID:     ref.OrderID,
		OrderLinkID: ref.OrderLinkID,
	}

	err := retry.Do(ctx, retry.ExchangePolicy, apperrors.IsRetryable, func() error {
		return c.post(ctx, "/v5/order/cancel", req, nil)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s %s: %w", symbol, ref, err)
	}
	return nil
}

// GetInstrumentInfo returns the trading filters for a symbol, memoized for
// the process lifetime
func (c *Client) GetInstrumentInfo(ctx context.Context, symbol string) (core.InstrumentInfo, error) {
	c.instMu.RLock()
	info, ok := c.instruments[symbol]
	c.instMu.RUnlock()
	if ok {
		return info, nil
	}

	params := map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
	}

	var result instrumentListResult
	err := retry.Do(ctx, retry.ExchangePolicy, apperrors.IsRetryable, func() error {
		return c.get(ctx, "/v5/market/instruments-info", params, &result)
	})
	if err != nil {
		return core.InstrumentInfo{}, fmt.Errorf("get instrument info %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return core.InstrumentInfo{}, fmt.Errorf("get instrument info %s: %w", symbol, apperrors.ErrInvalidOrderParameter)
	}

	info = result.List[0].toInstrumentInfo()
	c.instMu.Lock()
	c.instruments[symbol] = info
	c.instMu.Unlock()
	return info, nil
}

// findOrderByLink looks a live order up by its link ID
func (c *Client) findOrderByLink(ctx context.Context, symbol, linkID string) (core.Order, error) {
	params := map[string]string{
		"category":    categoryLinear,
		"symbol":      symbol,
		"orderLinkId": linkID,
	}

	var result orderListResult
	if err := c.get(ctx, "/v5/order/realtime", params, &result); err != nil {
		return core.Order{}, err
	}
	if len(result.List) == 0 {
		return core.Order{}, fmt.Errorf("order %s: %w", linkID, apperrors.ErrOrderNotFound)
	}
	return result.List[0].toOrder(), nil
}

// Request bodies for the v5 write endpoints. Field order is the signed order.

type createOrderRequest struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Qty              string `json:"qty"`
	Price            string `json:"price,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	ReduceOnly       bool   `json:"reduceOnly,omitempty"`
	CloseOnTrigger   bool   `json:"closeOnTrigger,omitempty"`
	OrderLinkID      string `json:"orderLinkId,omitempty"`
	PositionIdx      int    `json:"positionIdx"`
}

type amendOrderRequest struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId,omitempty"`
	OrderLinkID  string `json:"orderLinkId,omitempty"`
	Qty          string `json:"qty,omitempty"`
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
}

type cancelOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

func buildCreateRequest(p core.OrderParams) createOrderRequest {
	req := createOrderRequest{
		Category:       categoryLinear,
		Symbol:         p.Symbol,
		Side:           string(p.Side),
		OrderType:      string(p.OrderType),
		Qty:            p.Qty.String(),
		TimeInForce:    p.TimeInForce,
		ReduceOnly:     p.ReduceOnly,
		CloseOnTrigger: p.CloseOnTrigger,
		OrderLinkID:    p.OrderLinkID,
		PositionIdx:    p.PositionIdx,
	}
	if req.TimeInForce == "" {
		if p.OrderType == core.OrderTypeMarket {
			req.TimeInForce = "IOC"
		} else {
			req.TimeInForce = "GTC"
		}
	}
	if p.Price.IsPositive() {
		req.Price = p.Price.String()
	}
	if p.TriggerPrice.IsPositive() {
		req.TriggerPrice = p.TriggerPrice.String()
		req.TriggerDirection = p.TriggerDirection
	}
	return req
}

// get runs one signed GET through the limiter, semaphore and call timeout
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := c.http.Get(ctx, path, params)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, out)
}

// post runs one signed POST through the limiter, semaphore and call timeout
func (c *Client) post(ctx context.Context, path string, reqBody, out interface{}) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := c.http.Post(ctx, path, reqBody)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, out)
}

func (c *Client) acquire(ctx context.Context) (func(), error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.semMu.RLock()
	sem := c.sem
	c.semMu.RUnlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func decodeEnvelope(body []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("bybit: malformed response: %w", err)
	}
	if err := mapRetCode(env.RetCode, env.RetMsg); err != nil {
		return err
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("bybit: malformed result: %w", err)
		}
	}
	return nil
}
