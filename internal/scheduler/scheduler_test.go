package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/engine"
	"tpsl_engine/internal/events"
	"tpsl_engine/internal/mock"
	"tpsl_engine/internal/monitor"
	"tpsl_engine/internal/orderlink"
)

type fakeStore struct {
	mu      sync.Mutex
	dirty   int
	flushes []string
}

func (f *fakeStore) MarkDirty() {
	f.mu.Lock()
	f.dirty++
	f.mu.Unlock()
}

func (f *fakeStore) Flush(ctx context.Context, reason string) error {
	f.mu.Lock()
	f.flushes = append(f.flushes, reason)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) Flushes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.flushes...)
}

type schedHarness struct {
	clock  *fakeClock
	main   *mock.Exchange
	mirror *mock.Exchange
	caches *cache.Manager
	runner *monitor.Runner
	reg    *engine.Registry
	store  *fakeStore
	logger core.ILogger
	prices *mock.PriceSource
	sched  *Scheduler

	mu     sync.Mutex
	closed []string
}

func newSchedHarness() *schedHarness {
	clock := newFakeClock()
	logger := mock.NewLogger()
	main := mock.NewExchange(core.AccountMain)
	mirror := mock.NewExchange(core.AccountMirror)
	caches := cache.NewManager(
		cache.NewAccountCache(cache.Options{Client: main, Logger: logger, Clock: clock}),
		cache.NewAccountCache(cache.Options{Client: mirror, Logger: logger, Clock: clock}),
	)
	runner := monitor.NewRunner(monitor.Options{
		Clients: map[core.Account]core.IExchangeClient{
			core.AccountMain:   main,
			core.AccountMirror: mirror,
		},
		Caches:               caches,
		Links:                orderlink.NewRegistry(clock),
		Emitter:              events.NewEmitter(mock.NewNotifier(), nil, nil, logger, clock),
		Logger:               logger,
		Clock:                clock,
		ProtectForeignOrders: true,
	})

	h := &schedHarness{
		clock:  clock,
		main:   main,
		mirror: mirror,
		caches: caches,
		runner: runner,
		reg:    engine.NewRegistry(),
		store:  &fakeStore{},
		logger: logger,
		prices: mock.NewPriceSource(),
	}
	h.sched = New(Options{
		Registry:     h.reg,
		Runner:       runner,
		Caches:       caches,
		Prices:       h.prices,
		Store:        h.store,
		Logger:       logger,
		Clock:        clock,
		TickInterval: time.Hour, // tests drive ticks by hand
		OnClosed: func(e *engine.Entry, res monitor.Result) {
			h.reg.Remove(e.Key)
			h.mu.Lock()
			h.closed = append(h.closed, e.Key)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *schedHarness) closedKeys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.closed...)
}

func (h *schedHarness) submitted() uint64 {
	return h.sched.pool.Stats()["submitted_tasks"].(uint64)
}

// register creates a single-market-leg BTCUSDT monitor and registers it.
func (h *schedHarness) register(t *testing.T) *engine.Entry {
	t.Helper()
	spec := core.TradeSpec{
		Symbol:     "BTCUSDT",
		Side:       core.SideBuy,
		Leverage:   10,
		TargetSize: dec("0.1"),
		Entries: []core.EntryLeg{
			{OrderType: core.OrderTypeMarket, Fraction: dec("1"), OrderLinkID: "BOT_ENTRY1_BTCUSDT_1714560000000_m0"},
		},
		TakeProfits: [4]decimal.Decimal{dec("61200"), dec("61500"), dec("61800"), dec("62400")},
		StopLoss:    dec("58800"),
	}
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	e, err := h.reg.Register(rec)
	require.NoError(t, err)
	return e
}

// seedMarketEntry books the market leg's fill on the venue: the position
// row plus the history entry fill attribution reads.
func (h *schedHarness) seedMarketEntry(rec *core.MonitorRecord, qty, price string) {
	h.main.SetPosition(rec.Symbol, rec.Side, dec(qty), dec(price), dec(price))
	h.main.AddHistory(core.Order{
		Symbol:       rec.Symbol,
		Side:         rec.Side,
		OrderType:    core.OrderTypeMarket,
		OrderLinkID:  rec.EntryOrders[0].OrderLinkID,
		Qty:          dec(qty),
		CumExecQty:   dec(qty),
		AvgFillPrice: dec(price),
		Status:       core.OrderStatusFilled,
	})
}

func TestTick_RunsDuePassAndReschedules(t *testing.T) {
	h := newSchedHarness()
	e := h.register(t)
	h.seedMarketEntry(e.Rec, "0.1", "60000")

	h.clock.Advance(cache.DefaultTTL + time.Second)
	now := h.clock.Now()
	h.sched.tick(now)

	require.Eventually(t, func() bool {
		return e.Committed().Phase == core.PhaseMonitoring
	}, 2*time.Second, 5*time.Millisecond, "pass should promote the monitor")

	e.Lock()
	defer e.Unlock()
	rec := e.Rec
	assert.True(t, rec.CurrentSize.Equal(dec("0.1")))
	// Mark 60000 vs TP1 61200 is 2%: the pass leaves the monitor URGENT
	// with a 5s deadline.
	assert.Equal(t, core.UrgencyUrgent, rec.Urgency)
	assert.Equal(t, now.Add(5*time.Second), rec.NextDueAt)
	// Ladder and stop are live on the venue.
	assert.Len(t, h.main.OpenOrders(), 5)
	// The entry fill is a critical change and was flushed as one.
	assert.Contains(t, h.store.Flushes(), "critical")
}

func TestTick_NotDueDeadlineOnlyShortens(t *testing.T) {
	h := newSchedHarness()
	e := h.register(t)

	now := h.clock.Now()
	e.Lock()
	e.Rec.NextDueAt = now.Add(5 * time.Second)
	e.Unlock()

	h.sched.tick(now)

	assert.Equal(t, uint64(0), h.submitted())
	e.Lock()
	defer e.Unlock()
	// A fresh record classifies ACTIVE (12s); that deadline is later than
	// the pending one, so nothing moves.
	assert.Equal(t, core.UrgencyActive, e.Rec.Urgency)
	assert.Equal(t, now.Add(5*time.Second), e.Rec.NextDueAt)
}

func TestTick_RisingUrgencyPullsDeadlineIn(t *testing.T) {
	h := newSchedHarness()
	e := h.register(t)

	now := h.clock.Now()
	e.Lock()
	e.Rec.Phase = core.PhaseMonitoring
	e.Rec.CurrentSize = dec("0.1")
	e.Rec.LastKnownSize = dec("0.1")
	e.Rec.NextDueAt = now.Add(time.Minute)
	e.Unlock()

	// 100 above the stop: CRITICAL territory.
	h.prices.SetPrice("BTCUSDT", dec("58900"))
	h.sched.tick(now)

	assert.Equal(t, uint64(0), h.submitted())
	e.Lock()
	defer e.Unlock()
	assert.Equal(t, core.UrgencyCritical, e.Rec.Urgency)
	assert.Equal(t, now.Add(2*time.Second), e.Rec.NextDueAt)
}

func TestTick_SkipsEntryWithPassInFlight(t *testing.T) {
	h := newSchedHarness()
	e := h.register(t)

	e.Lock() // simulate an in-flight pass holding the entry
	h.sched.tick(h.clock.Now())
	e.Unlock()

	assert.Equal(t, uint64(0), h.submitted())
	assert.Equal(t, 0, h.main.Calls("GetAllPositions"))
}

func TestRetune_AdaptsPassBudgetToCriticalPressure(t *testing.T) {
	h := newSchedHarness()
	s := h.sched

	drain := func() int {
		n := 0
		for s.sem.TryAcquire(1) {
			n++
		}
		for i := 0; i < n; i++ {
			s.sem.Release(1)
		}
		return n
	}

	// Construction parks down to the base of 15.
	assert.Equal(t, 15, drain())

	s.retune(0)
	assert.Equal(t, 10, drain())

	s.retune(7)
	assert.Equal(t, 17, drain())

	s.retune(100)
	assert.Equal(t, 20, drain())
}

func TestExecutionMode_AppliesAndExpires(t *testing.T) {
	h := newSchedHarness()
	s := h.sched

	var mu sync.Mutex
	var toggles []bool
	s.OnExecutionMode(func(on bool) {
		mu.Lock()
		toggles = append(toggles, on)
		mu.Unlock()
	})

	s.SetExecutionMode(true)
	assert.True(t, s.ExecutionModeActive())
	assert.Equal(t, 24*time.Second, s.effectiveInterval(core.UrgencyActive))
	assert.Equal(t, 2*time.Second, s.effectiveInterval(core.UrgencyCritical))

	// Re-enabling refreshes the TTL without re-notifying.
	s.SetExecutionMode(true)
	mu.Lock()
	assert.Equal(t, []bool{true}, toggles)
	mu.Unlock()

	h.clock.Advance(s.execTTL + time.Second)
	h.sched.tick(h.clock.Now())

	assert.False(t, s.ExecutionModeActive())
	assert.Equal(t, 12*time.Second, s.effectiveInterval(core.UrgencyActive))
	mu.Lock()
	assert.Equal(t, []bool{true, false}, toggles)
	mu.Unlock()
}

func TestTick_LoadSheddingWidensIntervals(t *testing.T) {
	h := newSchedHarness()
	s := New(Options{
		Registry:      h.reg,
		Runner:        h.runner,
		Caches:        h.caches,
		Store:         h.store,
		Logger:        h.logger,
		Clock:         h.clock,
		TickInterval:  time.Hour,
		LoadThreshold: 1,
	})

	first := h.register(t)
	second := core.NewMonitorRecord(core.TradeSpec{
		Symbol:     "ETHUSDT",
		Side:       core.SideSell,
		Leverage:   5,
		TargetSize: dec("1"),
		Entries: []core.EntryLeg{
			{OrderType: core.OrderTypeMarket, Fraction: dec("1"), OrderLinkID: "BOT_ENTRY1_ETHUSDT_1714560000000_m0"},
		},
		TakeProfits: [4]decimal.Decimal{dec("3800"), dec("3750"), dec("3700"), dec("3650")},
		StopLoss:    dec("4100"),
	}, core.AccountMain, nil, h.clock.Now())
	secondEntry, err := h.reg.Register(second)
	require.NoError(t, err)

	// Keep both out of dispatch range.
	now := h.clock.Now()
	for _, e := range []*engine.Entry{first, secondEntry} {
		e.Lock()
		e.Rec.NextDueAt = now.Add(time.Second)
		e.Unlock()
	}

	s.tick(now)
	assert.True(t, s.loaded.Load())
	assert.Equal(t, 24*time.Second, s.effectiveInterval(core.UrgencyActive))
	assert.Equal(t, 2*time.Second, s.effectiveInterval(core.UrgencyCritical))

	h.reg.Remove(secondEntry.Key)
	s.tick(now)
	assert.False(t, s.loaded.Load())
	assert.Equal(t, 12*time.Second, s.effectiveInterval(core.UrgencyActive))
}

func TestScheduler_ClosureRemovesMonitorAndFlushes(t *testing.T) {
	h := newSchedHarness()
	e := h.register(t)

	// A position the venue no longer reports: two passes age it out.
	e.Lock()
	e.Rec.Phase = core.PhaseMonitoring
	e.Rec.CurrentSize = dec("0.1")
	e.Rec.LastKnownSize = dec("0.1")
	e.Unlock()

	h.clock.Advance(cache.DefaultTTL + time.Second)
	h.sched.tick(h.clock.Now())
	require.Eventually(t, func() bool {
		return e.Committed().ClosedConfirmations == 1
	}, 2*time.Second, 5*time.Millisecond)
	e.Lock() // wait out the first worker's release before re-dispatching
	e.Unlock()

	h.clock.Advance(cache.DefaultTTL + time.Second)
	h.sched.tick(h.clock.Now())
	require.Eventually(t, func() bool {
		return len(h.closedKeys()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, e.Key, h.closedKeys()[0])
	assert.Equal(t, 0, h.reg.Len())
	assert.Contains(t, h.store.Flushes(), "monitor_closed")
}

func TestStop_PerformsShutdownFlush(t *testing.T) {
	h := newSchedHarness()
	require.NoError(t, h.sched.Start(context.Background()))
	require.NoError(t, h.sched.Stop())
	assert.Contains(t, h.store.Flushes(), "shutdown")
}
