package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/core"
	ws "tpsl_engine/pkg/websocket"
)

const (
	// streamPingInterval follows the venue's keepalive guidance for public
	// v5 streams
	streamPingInterval = 20 * time.Second
	streamPingWait     = 10 * time.Second
	streamPongWait     = 60 * time.Second

	// syncInterval is how often the subscription set is reconciled against
	// the active monitor set
	syncInterval = 15 * time.Second

	// quoteMaxAge is the oldest ticker still served as a live price. Beyond
	// it callers fall back to the cached position mark.
	quoteMaxAge = 30 * time.Second
)

// SymbolSource lists the symbols that currently need a ticker subscription
type SymbolSource func() []string

// PriceStream keeps last ticker prices for every symbol under watch over
// the public linear stream. It implements core.IPriceSource; stream loss is
// absorbed by the staleness gate, never escalated.
type PriceStream struct {
	url    string
	source SymbolSource
	logger core.ILogger
	clock  core.Clock
	client *ws.Client

	mu     sync.RWMutex
	topics map[string]struct{}
	prices map[string]core.Quote

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPriceStream creates the stream. source is polled for the desired
// subscription set; it may return nil before any monitor exists.
func NewPriceStream(url string, source SymbolSource, logger core.ILogger, clock core.Clock) *PriceStream {
	if clock == nil {
		clock = core.SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &PriceStream{
		url:    url,
		source: source,
		logger: logger.WithField("component", "price_stream"),
		clock:  clock,
		topics: make(map[string]struct{}),
		prices: make(map[string]core.Quote),
		ctx:    ctx,
		cancel: cancel,
	}
	s.client = ws.NewClient(url, s.handleMessage, s.logger)
	s.client.SetPingConfig(streamPingInterval, streamPingWait, streamPongWait)
	s.client.SetPingPayload([]byte(`{"op":"ping"}`))
	s.client.SetOnConnected(func() {
		// A fresh session carries no subscriptions; forgetting the old set
		// makes the next sync resubscribe everything still wanted.
		s.mu.Lock()
		s.topics = make(map[string]struct{})
		s.mu.Unlock()
		s.sync()
	})
	return s
}

// Start connects and begins following the monitor set.
func (s *PriceStream) Start(ctx context.Context) error {
	s.logger.Info("Starting price stream", "url", s.url)
	s.client.Start()
	s.wg.Add(1)
	go s.syncLoop()
	return nil
}

// Stop stops the stream.
func (s *PriceStream) Stop() error {
	s.logger.Info("Stopping price stream")
	s.cancel()
	s.wg.Wait()
	s.client.Stop()
	return nil
}

func (s *PriceStream) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sync()
		}
	}
}

// sync reconciles the subscription set with the desired one. Send failures
// are tolerated: a dead connection resubscribes from scratch on reconnect.
func (s *PriceStream) sync() {
	desired := make(map[string]struct{})
	if s.source != nil {
		for _, sym := range s.source() {
			desired[sym] = struct{}{}
		}
	}

	var add, drop []string
	s.mu.Lock()
	for sym := range desired {
		if _, ok := s.topics[sym]; !ok {
			add = append(add, sym)
			s.topics[sym] = struct{}{}
		}
	}
	for sym := range s.topics {
		if _, ok := desired[sym]; !ok {
			drop = append(drop, sym)
			delete(s.topics, sym)
			delete(s.prices, sym)
		}
	}
	s.mu.Unlock()

	if len(add) > 0 {
		s.send("subscribe", add)
	}
	if len(drop) > 0 {
		s.send("unsubscribe", drop)
	}
}

func (s *PriceStream) send(op string, symbols []string) {
	args := make([]string, len(symbols))
	for i, sym := range symbols {
		args[i] = "tickers." + sym
	}
	msg := map[string]interface{}{
		"op":   op,
		"args": args,
	}
	if err := s.client.Send(msg); err != nil {
		s.logger.Warn("Failed to send "+op, "topics", len(args), "error", err.Error())
	}
}

// handleMessage parses one stream frame. Delta frames may omit lastPrice;
// markPrice stands in when present.
func (s *PriceStream) handleMessage(message []byte) {
	var frame struct {
		Topic string `json:"topic"`
		TS    int64  `json:"ts"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Debug("Unparseable stream frame", "error", err.Error())
		return
	}
	if !strings.HasPrefix(frame.Topic, "tickers.") {
		return
	}

	raw := frame.Data.LastPrice
	if raw == "" {
		raw = frame.Data.MarkPrice
	}
	if raw == "" {
		return
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return
	}

	symbol := frame.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(frame.Topic, "tickers.")
	}
	ts := s.clock.Now()
	if frame.TS > 0 {
		ts = time.UnixMilli(frame.TS)
	}

	s.mu.Lock()
	s.prices[symbol] = core.Quote{Price: price, Ts: ts}
	s.mu.Unlock()
}

// LastPrice returns the latest ticker for the symbol. ok is false for
// unwatched symbols and for quotes older than quoteMaxAge, so a limping
// stream degrades to the cached mark instead of steering urgency with
// stale numbers.
func (s *PriceStream) LastPrice(symbol string) (core.Quote, bool) {
	s.mu.RLock()
	q, ok := s.prices[symbol]
	s.mu.RUnlock()
	if !ok {
		return core.Quote{}, false
	}
	if s.clock.Now().Sub(q.Ts) > quoteMaxAge {
		return core.Quote{}, false
	}
	return q, true
}

// HealthCheck fails while the stream is disconnected. Not fatal: urgency
// falls back to cached marks, but the outage must be visible.
func (s *PriceStream) HealthCheck() func() error {
	return func() error {
		if !s.client.IsConnected() {
			return errors.New("price stream disconnected")
		}
		return nil
	}
}
