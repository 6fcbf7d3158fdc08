package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/engine"
	"tpsl_engine/internal/events"
	"tpsl_engine/internal/journal"
	"tpsl_engine/internal/mock"
	"tpsl_engine/internal/monitor"
	"tpsl_engine/internal/orderlink"
	"tpsl_engine/internal/persistence"
	"tpsl_engine/internal/scheduler"
	"tpsl_engine/pkg/logging"
	"tpsl_engine/pkg/telemetry"
)

const symbol = "BTCUSDT"

func init() {
	// Metrics-only telemetry so the scheduler's pass instruments record
	// during scenarios.
	if err := telemetry.InitMetrics(); err != nil {
		panic(err)
	}
}

// stack is the full monitoring pipeline wired against mock venues: real
// scheduler, caches, persistence, and SQLite journal, with intervals
// tightened so a lifecycle completes in seconds.
type stack struct {
	main     *mock.Exchange
	mirror   *mock.Exchange
	notifier *mock.Notifier
	prices   *mock.PriceSource
	store    *persistence.Store
	journal  *journal.Journal
	eng      *engine.Engine
	sched    *scheduler.Scheduler
}

func setupStack(t *testing.T, main, mirror *mock.Exchange, dir string) *stack {
	t.Helper()
	logger, err := logging.NewZapLogger("WARN")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	clock := core.SystemClock{}

	clients := map[core.Account]core.IExchangeClient{
		core.AccountMain:   main,
		core.AccountMirror: mirror,
	}
	caches := cache.NewManager(
		cache.NewAccountCache(cache.Options{
			Client: main, DefaultTTL: 10 * time.Millisecond, ExecutionTTL: 5 * time.Millisecond,
			Logger: logger, Clock: clock,
		}),
		cache.NewAccountCache(cache.Options{
			Client: mirror, DefaultTTL: 10 * time.Millisecond, ExecutionTTL: 5 * time.Millisecond,
			Logger: logger, Clock: clock,
		}),
	)
	links := orderlink.NewRegistry(clock)
	store := persistence.NewStore(persistence.Options{
		Path:           filepath.Join(dir, "monitors.json"),
		BackupDir:      filepath.Join(dir, "backups"),
		MaxBackups:     2,
		BatchInterval:  50 * time.Millisecond,
		BackupInterval: time.Hour,
		Logger:         logger,
		Clock:          clock,
	})
	jr, err := journal.Open(filepath.Join(dir, "events.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	notifier := mock.NewNotifier()
	registry := engine.NewRegistry()
	emitter := events.NewEmitter(notifier, jr, registry.PeerLimitFills, logger, clock)
	runner := monitor.NewRunner(monitor.Options{
		Clients:              clients,
		Caches:               caches,
		Links:                links,
		Emitter:              emitter,
		Logger:               logger,
		Clock:                clock,
		ProtectForeignOrders: true,
	})
	eng := engine.New(engine.Options{
		Registry:      registry,
		Runner:        runner,
		Clients:       clients,
		Links:         links,
		Store:         store,
		Logger:        logger,
		Clock:         clock,
		Enabled:       true,
		MirrorEnabled: true,
	})
	prices := mock.NewPriceSource()
	sched := scheduler.New(scheduler.Options{
		Registry: registry,
		Runner:   runner,
		Caches:   caches,
		Prices:   prices,
		Store:    store,
		Logger:   logger,
		Clock:    clock,
		Intervals: scheduler.Intervals{
			Critical: 20 * time.Millisecond,
			Urgent:   30 * time.Millisecond,
			Active:   40 * time.Millisecond,
			Building: 40 * time.Millisecond,
			Stable:   60 * time.Millisecond,
			Dormant:  100 * time.Millisecond,
		},
		TickInterval:    10 * time.Millisecond,
		BaseConcurrency: 4,
		OnClosed:        eng.HandleClosed,
	})
	eng.BindModeController(sched)
	store.SetSource(eng.SnapshotState)

	return &stack{
		main:     main,
		mirror:   mirror,
		notifier: notifier,
		prices:   prices,
		store:    store,
		journal:  jr,
		eng:      eng,
		sched:    sched,
	}
}

func (s *stack) start(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := s.store.Start(ctx); err != nil {
		t.Fatalf("Failed to start store: %v", err)
	}
	if err := s.sched.Start(ctx); err != nil {
		t.Fatalf("Failed to start scheduler: %v", err)
	}
}

func (s *stack) stop() {
	_ = s.sched.Stop()
	_ = s.store.Stop()
	_ = s.journal.Close()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func buySpec() core.TradeSpec {
	return core.TradeSpec{
		Symbol:     symbol,
		Side:       core.SideBuy,
		Leverage:   10,
		TargetSize: dec("0.2"),
		Entries: []core.EntryLeg{
			{OrderType: core.OrderTypeMarket, Fraction: dec("0.5"), OrderLinkID: "BOT_ENTRY1_BTCUSDT_1714560000000_m0"},
			{OrderType: core.OrderTypeLimit, Fraction: dec("0.5"), Price: dec("59500"), OrderLinkID: "BOT_ENTRY2_BTCUSDT_1714560000000_l1"},
		},
		TakeProfits: [4]decimal.Decimal{dec("61200"), dec("61500"), dec("61800"), dec("62400")},
		StopLoss:    dec("58800"),
	}
}

// seedExecutedEntry books what the trade executor would have done on the
// venue before the hand-off: the market leg filled, the limit leg resting.
func seedExecutedEntry(venue *mock.Exchange, spec core.TradeSpec) {
	qty := spec.TargetSize.Mul(spec.Entries[0].Fraction)
	venue.SetPosition(spec.Symbol, spec.Side, qty, dec("60000"), dec("60000"))
	venue.AddHistory(core.Order{
		Symbol:       spec.Symbol,
		Side:         spec.Side,
		OrderType:    core.OrderTypeMarket,
		OrderLinkID:  spec.Entries[0].OrderLinkID,
		Qty:          qty,
		CumExecQty:   qty,
		AvgFillPrice: dec("60000"),
		Status:       core.OrderStatusFilled,
	})
	for _, leg := range spec.Entries[1:] {
		venue.SeedOrder(core.Order{
			Symbol:      spec.Symbol,
			Side:        spec.Side,
			OrderType:   core.OrderTypeLimit,
			OrderLinkID: leg.OrderLinkID,
			Price:       leg.Price,
			Qty:         spec.TargetSize.Mul(leg.Fraction),
		})
	}
}

// The whole conservative lifecycle through the real scheduler: hand-off,
// ladder placement, TP1 with the breakeven move and limit sweep, the
// remaining slots, and a confirmed flat closure folding into counters.
func TestE2E_TradeLifecycle(t *testing.T) {
	dir := t.TempDir()
	main := mock.NewExchange(core.AccountMain)
	mirror := mock.NewExchange(core.AccountMirror)
	s := setupStack(t, main, mirror, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(t, ctx)
	defer s.stop()

	spec := buySpec()
	seedExecutedEntry(main, spec)

	tradeID, err := s.eng.PlaceTrade(ctx, spec)
	if err != nil {
		t.Fatalf("PlaceTrade failed: %v", err)
	}
	if tradeID == "" {
		t.Fatal("Empty trade ID")
	}

	key := core.MonitorKey(symbol, core.SideBuy, core.AccountMain)

	// 1. Entry fill attributed, exit ladder placed.
	waitFor(t, 10*time.Second, "monitoring phase", func() bool {
		rec, ok := s.eng.GetMonitor(key)
		return ok && rec.Phase == core.PhaseMonitoring
	})
	rec, _ := s.eng.GetMonitor(key)
	if !rec.CurrentSize.Equal(dec("0.1")) {
		t.Errorf("Current size = %s, want 0.1", rec.CurrentSize)
	}
	if got := len(main.OpenOrders()); got != 6 {
		t.Errorf("Open orders = %d, want 6 (1 entry limit, 4 TPs, 1 SL)", got)
	}

	// 2. TP1 fills: breakeven stop, profit taking, entry limit swept.
	if err := main.SimulateFill(rec.TPOrders[1].OrderLinkID, dec("61200")); err != nil {
		t.Fatalf("TP1 fill failed: %v", err)
	}
	waitFor(t, 10*time.Second, "profit taking phase", func() bool {
		rec, ok := s.eng.GetMonitor(key)
		return ok && rec.Phase == core.PhaseProfitTaking
	})
	rec, _ = s.eng.GetMonitor(key)
	if !rec.TP1Hit || !rec.SLMovedToBE {
		t.Errorf("TP1Hit=%v SLMovedToBE=%v, want both true", rec.TP1Hit, rec.SLMovedToBE)
	}
	if !rec.SLOrder.TriggerPrice.GreaterThan(dec("60000")) {
		t.Errorf("Stop trigger %s still below entry after breakeven move", rec.SLOrder.TriggerPrice)
	}
	if _, open := main.OpenOrderByLink(spec.Entries[1].OrderLinkID); open {
		t.Error("Entry limit still open after TP1 sweep")
	}

	// 3. Remaining slots fill, two flat observations retire the monitor.
	for slot := 2; slot <= 4; slot++ {
		tp := rec.TPOrders[slot]
		if err := main.SimulateFill(tp.OrderLinkID, tp.TriggerPrice); err != nil {
			t.Fatalf("TP%d fill failed: %v", slot, err)
		}
	}
	waitFor(t, 15*time.Second, "monitor retirement", func() bool {
		_, ok := s.eng.GetMonitor(key)
		return !ok
	})

	if got := len(main.OpenOrders()); got != 0 {
		t.Errorf("Venue still has %d open orders after closure", got)
	}
	counters := s.eng.CountersSnapshot()
	if counters.TotalTrades != 1 || counters.TotalWins != 1 {
		t.Errorf("Counters trades=%d wins=%d, want 1/1", counters.TotalTrades, counters.TotalWins)
	}
	if !counters.GrossProfit.IsPositive() {
		t.Errorf("Gross profit %s not positive after an all-TP exit", counters.GrossProfit)
	}

	if got := len(s.notifier.EventsOfKind(core.EventPositionClosed)); got != 1 {
		t.Errorf("PositionClosed notifications = %d, want 1", got)
	}
	journaled, err := s.journal.EventsFor(ctx, key, 50)
	if err != nil {
		t.Fatalf("Journal read failed: %v", err)
	}
	if len(journaled) == 0 {
		t.Error("Journal recorded no events for the monitor")
	}
}

// A restart in the middle of monitoring: the snapshot file brings the
// record back with its venue order references intact, and the revived
// stack keeps driving the same ladder.
func TestE2E_CrashRecovery(t *testing.T) {
	dir := t.TempDir()
	main := mock.NewExchange(core.AccountMain)
	mirror := mock.NewExchange(core.AccountMirror)
	key := core.MonitorKey(symbol, core.SideBuy, core.AccountMain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. First life: hand-off and ladder placement.
	s1 := setupStack(t, main, mirror, dir)
	s1.start(t, ctx)

	spec := buySpec()
	seedExecutedEntry(main, spec)
	if _, err := s1.eng.PlaceTrade(ctx, spec); err != nil {
		t.Fatalf("PlaceTrade failed: %v", err)
	}
	waitFor(t, 10*time.Second, "monitoring phase", func() bool {
		rec, ok := s1.eng.GetMonitor(key)
		return ok && rec.Phase == core.PhaseMonitoring
	})
	before, _ := s1.eng.GetMonitor(key)
	slLink := before.SLOrder.OrderLinkID
	tp1Link := before.TPOrders[1].OrderLinkID

	// 2. Crash: stop flushes the snapshot, the venue keeps its orders.
	s1.stop()

	// 3. Second life restores from disk before scheduling resumes.
	s2 := setupStack(t, main, mirror, dir)
	loaded, err := s2.store.Load()
	if err != nil {
		t.Fatalf("Snapshot load failed: %v", err)
	}
	s2.eng.SetCounters(loaded.Counters)
	if restored := s2.eng.RestoreMonitors(loaded.Monitors); restored != 1 {
		t.Fatalf("Restored %d monitors, want 1", restored)
	}
	rec, ok := s2.eng.GetMonitor(key)
	if !ok {
		t.Fatal("Monitor missing after restore")
	}
	if rec.Phase != core.PhaseMonitoring {
		t.Errorf("Restored phase = %s, want %s", rec.Phase, core.PhaseMonitoring)
	}
	if rec.SLOrder.OrderLinkID != slLink {
		t.Errorf("Restored SL link %s, want %s", rec.SLOrder.OrderLinkID, slLink)
	}

	s2.start(t, ctx)
	defer s2.stop()

	// 4. The revived stack still reacts to the pre-crash ladder.
	if err := main.SimulateFill(tp1Link, dec("61200")); err != nil {
		t.Fatalf("TP1 fill failed: %v", err)
	}
	waitFor(t, 10*time.Second, "profit taking after restart", func() bool {
		rec, ok := s2.eng.GetMonitor(key)
		return ok && rec.Phase == core.PhaseProfitTaking
	})
}

// An administrative close cancels the residual ladder and counts the
// realized part, without waiting for the venue to go flat on its own.
func TestE2E_AdministrativeClose(t *testing.T) {
	dir := t.TempDir()
	main := mock.NewExchange(core.AccountMain)
	mirror := mock.NewExchange(core.AccountMirror)
	s := setupStack(t, main, mirror, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(t, ctx)
	defer s.stop()

	spec := buySpec()
	seedExecutedEntry(main, spec)
	if _, err := s.eng.PlaceTrade(ctx, spec); err != nil {
		t.Fatalf("PlaceTrade failed: %v", err)
	}

	key := core.MonitorKey(symbol, core.SideBuy, core.AccountMain)
	waitFor(t, 10*time.Second, "monitoring phase", func() bool {
		rec, ok := s.eng.GetMonitor(key)
		return ok && rec.Phase == core.PhaseMonitoring
	})

	if err := s.eng.CloseMonitor(ctx, key); err != nil {
		t.Fatalf("CloseMonitor failed: %v", err)
	}
	if _, ok := s.eng.GetMonitor(key); ok {
		t.Error("Monitor still registered after administrative close")
	}
	waitFor(t, 5*time.Second, "venue orders cancelled", func() bool {
		return len(main.OpenOrders()) == 0
	})
}
