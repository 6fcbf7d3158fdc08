package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/core"
	apperrors "tpsl_engine/pkg/errors"
	"tpsl_engine/pkg/logging"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	logger, _ := logging.NewZapLogger("DEBUG")
	return NewClient(Options{
		Account:        core.AccountMain,
		BaseURL:        serverURL,
		APIKey:         "test_key",
		APISecret:      "test_secret",
		MaxConcurrency: 5,
		Logger:         logger,
	})
}

func TestPlaceOrder_LimitWireFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/create" {
			t.Errorf("Expected path /v5/order/create, got %s", r.URL.Path)
		}
		if r.Header.Get("X-BAPI-API-KEY") != "test_key" {
			t.Error("Missing X-BAPI-API-KEY header")
		}
		if r.Header.Get("X-BAPI-SIGN") == "" {
			t.Error("Missing X-BAPI-SIGN header")
		}

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if body["category"] != "linear" {
			t.Errorf("Expected category linear, got %v", body["category"])
		}
		if body["symbol"] != "BTCUSDT" {
			t.Errorf("Expected symbol BTCUSDT, got %v", body["symbol"])
		}
		if body["side"] != "Sell" {
			t.Errorf("Expected side Sell, got %v", body["side"])
		}
		if body["orderType"] != "Limit" {
			t.Errorf("Expected orderType Limit, got %v", body["orderType"])
		}
		if body["qty"] != "0.255" {
			t.Errorf("Expected qty 0.255, got %v", body["qty"])
		}
		if body["price"] != "61200" {
			t.Errorf("Expected price 61200, got %v", body["price"])
		}
		if body["timeInForce"] != "GTC" {
			t.Errorf("Expected timeInForce GTC, got %v", body["timeInForce"])
		}
		if body["reduceOnly"] != true {
			t.Errorf("Expected reduceOnly true, got %v", body["reduceOnly"])
		}
		if body["orderLinkId"] != "BOT_TP1_BTCUSDT_1700000000000_ab12" {
			t.Errorf("Unexpected orderLinkId %v", body["orderLinkId"])
		}
		if body["positionIdx"] != float64(0) {
			t.Errorf("Expected positionIdx 0, got %v", body["positionIdx"])
		}
		if _, present := body["triggerPrice"]; present {
			t.Error("Limit order must not carry triggerPrice")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1234","orderLinkId":"BOT_TP1_BTCUSDT_1700000000000_ab12"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	result, err := client.PlaceOrder(context.Background(), core.OrderParams{
		Symbol:      "BTCUSDT",
		Side:        core.SideSell,
		OrderType:   core.OrderTypeLimit,
		Qty:         decimal.RequireFromString("0.255"),
		Price:       decimal.NewFromInt(61200),
		ReduceOnly:  true,
		OrderLinkID: "BOT_TP1_BTCUSDT_1700000000000_ab12",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.OrderID != "1234" {
		t.Errorf("Expected orderId 1234, got %s", result.OrderID)
	}
}

func TestPlaceOrder_StopMarketWireFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if body["orderType"] != "Market" {
			t.Errorf("Expected orderType Market, got %v", body["orderType"])
		}
		if body["timeInForce"] != "IOC" {
			t.Errorf("Expected timeInForce IOC, got %v", body["timeInForce"])
		}
		if body["triggerPrice"] != "58800" {
			t.Errorf("Expected triggerPrice 58800, got %v", body["triggerPrice"])
		}
		if body["triggerDirection"] != float64(2) {
			t.Errorf("Expected triggerDirection 2, got %v", body["triggerDirection"])
		}
		if body["closeOnTrigger"] != true {
			t.Errorf("Expected closeOnTrigger true, got %v", body["closeOnTrigger"])
		}
		if body["reduceOnly"] != true {
			t.Errorf("Expected reduceOnly true, got %v", body["reduceOnly"])
		}
		if _, present := body["price"]; present {
			t.Error("Market order must not carry price")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"5678","orderLinkId":"BOT_SL_BTCUSDT_1700000000000_cd34"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.PlaceOrder(context.Background(), core.OrderParams{
		Symbol:           "BTCUSDT",
		Side:             core.SideSell,
		OrderType:        core.OrderTypeMarket,
		Qty:              decimal.RequireFromString("0.300"),
		TriggerPrice:     decimal.NewFromInt(58800),
		TriggerDirection: core.TriggerFall,
		ReduceOnly:       true,
		CloseOnTrigger:   true,
		OrderLinkID:      "BOT_SL_BTCUSDT_1700000000000_cd34",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
}

func TestPlaceOrder_AdoptsOwnDuplicateLinkID(t *testing.T) {
	var creates int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v5/order/create":
			atomic.AddInt32(&creates, 1)
			w.Write([]byte(`{"retCode":110072,"retMsg":"OrderLinkedID is duplicate","result":{}}`))
		case "/v5/order/realtime":
			if r.URL.Query().Get("orderLinkId") != "BOT_TP2_BTCUSDT_1700000000000_ef56" {
				t.Errorf("Unexpected orderLinkId lookup %s", r.URL.Query().Get("orderLinkId"))
			}
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"orderId":"9999","orderLinkId":"BOT_TP2_BTCUSDT_1700000000000_ef56","symbol":"BTCUSDT","side":"Sell","orderType":"Limit","price":"61500","qty":"0.015","orderStatus":"New"}]}}`))
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	result, err := client.PlaceOrder(context.Background(), core.OrderParams{
		Symbol:      "BTCUSDT",
		Side:        core.SideSell,
		OrderType:   core.OrderTypeLimit,
		Qty:         decimal.RequireFromString("0.015"),
		Price:       decimal.NewFromInt(61500),
		ReduceOnly:  true,
		OrderLinkID: "BOT_TP2_BTCUSDT_1700000000000_ef56",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.OrderID != "9999" {
		t.Errorf("Expected adopted orderId 9999, got %s", result.OrderID)
	}
	if atomic.LoadInt32(&creates) != 1 {
		t.Errorf("Expected a single create attempt, got %d", creates)
	}
}

func TestPlaceOrder_DuplicateLinkIDSurfacesWhenNotOurs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v5/order/create":
			w.Write([]byte(`{"retCode":110072,"retMsg":"OrderLinkedID is duplicate","result":{}}`))
		case "/v5/order/realtime":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.PlaceOrder(context.Background(), core.OrderParams{
		Symbol:      "BTCUSDT",
		Side:        core.SideSell,
		OrderType:   core.OrderTypeLimit,
		Qty:         decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(61500),
		OrderLinkID: "BOT_TP2_BTCUSDT_1700000000000_gh78",
	})
	if !errors.Is(err, apperrors.ErrDuplicateOrderLinkID) {
		t.Fatalf("Expected ErrDuplicateOrderLinkID, got %v", err)
	}
}

func TestCancelOrder_AlreadyGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/cancel" {
			t.Errorf("Expected path /v5/order/cancel, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":110001,"retMsg":"order not exists or too late to cancel","result":{}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.CancelOrder(context.Background(), core.OrderRef{OrderID: "1234"}, "BTCUSDT")
	if !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
	if !apperrors.IsAlreadyGone(err) {
		t.Error("Expected error to classify as already gone")
	}
}

func TestGetAllPositions_Pagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/position/list" {
			t.Errorf("Expected path /v5/position/list, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("settleCoin") != "USDT" {
			t.Errorf("Expected settleCoin USDT, got %s", r.URL.Query().Get("settleCoin"))
		}

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"nextPageCursor":"page2","list":[
				{"symbol":"BTCUSDT","side":"Buy","size":"0.300","avgPrice":"60000","markPrice":"60500","leverage":"10","positionIdx":0,"updatedTime":"1700000000000"}
			]}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"nextPageCursor":"","list":[
			{"symbol":"ETHUSDT","side":"Sell","size":"2.5","avgPrice":"3000","markPrice":"2950","leverage":"5","positionIdx":0,"updatedTime":"1700000000000"}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	positions, err := client.GetAllPositions(context.Background())
	if err != nil {
		t.Fatalf("GetAllPositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("Expected 2 positions across pages, got %d", len(positions))
	}
	if positions[0].Symbol != "BTCUSDT" || positions[0].Side != core.SideBuy {
		t.Errorf("Unexpected first position %+v", positions[0])
	}
	if !positions[0].Size.Equal(decimal.RequireFromString("0.300")) {
		t.Errorf("Expected size 0.300, got %s", positions[0].Size)
	}
	if positions[1].Symbol != "ETHUSDT" || positions[1].Side != core.SideSell {
		t.Errorf("Unexpected second position %+v", positions[1])
	}
}

func TestGetAllOpenOrders_ParsesConditionalOrders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/realtime" {
			t.Errorf("Expected path /v5/order/realtime, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"nextPageCursor":"","list":[
			{"orderId":"111","orderLinkId":"BOT_SL_BTCUSDT_1700000000000_aa11","symbol":"BTCUSDT","side":"Sell","orderType":"Market","qty":"0.300","triggerPrice":"58800","triggerDirection":2,"stopOrderType":"StopLoss","reduceOnly":true,"closeOnTrigger":true,"orderStatus":"Untriggered","createdTime":"1700000000000","updatedTime":"1700000000000"},
			{"orderId":"222","orderLinkId":"BOT_TP1_BTCUSDT_1700000000000_bb22","symbol":"BTCUSDT","side":"Sell","orderType":"Limit","price":"61200","qty":"0.255","cumExecQty":"0.100","orderStatus":"PartiallyFilled","reduceOnly":true}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	orders, err := client.GetAllOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("GetAllOpenOrders failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("Expected 2 orders, got %d", len(orders))
	}

	sl := orders[0]
	if sl.Status != core.OrderStatusUntriggered {
		t.Errorf("Expected Untriggered, got %s", sl.Status)
	}
	if sl.StopOrderType != core.StopTypeStopLoss {
		t.Errorf("Expected StopLoss stop type, got %s", sl.StopOrderType)
	}
	if sl.TriggerDirection != core.TriggerFall {
		t.Errorf("Expected trigger direction fall, got %d", sl.TriggerDirection)
	}
	if !sl.TriggerPrice.Equal(decimal.NewFromInt(58800)) {
		t.Errorf("Expected trigger price 58800, got %s", sl.TriggerPrice)
	}

	tp := orders[1]
	if tp.Status != core.OrderStatusPartial {
		t.Errorf("Expected PartiallyFilled, got %s", tp.Status)
	}
	if !tp.CumExecQty.Equal(decimal.RequireFromString("0.100")) {
		t.Errorf("Expected cumExecQty 0.100, got %s", tp.CumExecQty)
	}
}

func TestGetOrderHistory_SendsStartTime(t *testing.T) {
	since := time.UnixMilli(1700000000000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/history" {
			t.Errorf("Expected path /v5/order/history, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("startTime") != "1700000000000" {
			t.Errorf("Expected startTime 1700000000000, got %s", r.URL.Query().Get("startTime"))
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("Expected symbol BTCUSDT, got %s", r.URL.Query().Get("symbol"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"nextPageCursor":"","list":[
			{"orderId":"333","orderLinkId":"","symbol":"BTCUSDT","side":"Sell","orderType":"Market","qty":"0.050","cumExecQty":"0.050","avgPrice":"60900","orderStatus":"Filled","updatedTime":"1700000005000"}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	orders, err := client.GetOrderHistory(context.Background(), "BTCUSDT", since)
	if err != nil {
		t.Fatalf("GetOrderHistory failed: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != core.OrderStatusFilled {
		t.Fatalf("Unexpected history %+v", orders)
	}
}

func TestGetInstrumentInfo_Memoized(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","priceScale":"2","priceFilter":{"tickSize":"0.10"},"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001"}}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	for i := 0; i < 2; i++ {
		info, err := client.GetInstrumentInfo(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("GetInstrumentInfo failed: %v", err)
		}
		if !info.QtyStep.Equal(decimal.RequireFromString("0.001")) {
			t.Errorf("Expected qtyStep 0.001, got %s", info.QtyStep)
		}
		if info.PriceScale != 2 {
			t.Errorf("Expected priceScale 2, got %d", info.PriceScale)
		}
	}

	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected instrument info to be fetched once, got %d fetches", hits)
	}
}

func TestRetriesRateLimitedCalls(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits","result":{}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"nextPageCursor":"","list":[]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.GetAllOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestAmendOrder_WireFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/amend" {
			t.Errorf("Expected path /v5/order/amend, got %s", r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if body["orderId"] != "111" {
			t.Errorf("Expected orderId 111, got %v", body["orderId"])
		}
		if body["triggerPrice"] != "60084" {
			t.Errorf("Expected triggerPrice 60084, got %v", body["triggerPrice"])
		}
		if _, present := body["qty"]; present {
			t.Error("Unset qty must be omitted")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"111"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.AmendOrder(context.Background(), core.OrderRef{OrderID: "111"}, "BTCUSDT", core.AmendParams{
		TriggerPrice: decimal.NewFromInt(60084),
	})
	if err != nil {
		t.Fatalf("AmendOrder failed: %v", err)
	}
}
