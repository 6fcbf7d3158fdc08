package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/events"
	"tpsl_engine/internal/mock"
	"tpsl_engine/internal/orderlink"
	apperrors "tpsl_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// newFakeClock starts in the past so venue history stamped with real time
// always falls inside the lookback window.
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type passHarness struct {
	clock    *fakeClock
	main     *mock.Exchange
	mirror   *mock.Exchange
	notifier *mock.Notifier
	links    *orderlink.Registry
	runner   *Runner
}

func newPassHarness(mods ...func(*Options)) *passHarness {
	clock := newFakeClock()
	logger := mock.NewLogger()
	main := mock.NewExchange(core.AccountMain)
	mirror := mock.NewExchange(core.AccountMirror)
	caches := cache.NewManager(
		cache.NewAccountCache(cache.Options{Client: main, Logger: logger, Clock: clock}),
		cache.NewAccountCache(cache.Options{Client: mirror, Logger: logger, Clock: clock}),
	)
	notifier := mock.NewNotifier()
	links := orderlink.NewRegistry(clock)
	opts := Options{
		Clients: map[core.Account]core.IExchangeClient{
			core.AccountMain:   main,
			core.AccountMirror: mirror,
		},
		Caches:               caches,
		Links:                links,
		Emitter:              events.NewEmitter(notifier, nil, nil, logger, clock),
		Logger:               logger,
		Clock:                clock,
		ProtectForeignOrders: true,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	runner := NewRunner(opts)
	return &passHarness{
		clock:    clock,
		main:     main,
		mirror:   mirror,
		notifier: notifier,
		links:    links,
		runner:   runner,
	}
}

func (h *passHarness) venueFor(account core.Account) *mock.Exchange {
	if account == core.AccountMirror {
		return h.mirror
	}
	return h.main
}

// pass advances past the cache TTL so the runner sees a fresh snapshot, then
// executes one monitor pass that must succeed.
func (h *passHarness) pass(t *testing.T, rec *core.MonitorRecord) Result {
	t.Helper()
	h.clock.Advance(cache.DefaultTTL + time.Second)
	res, err := h.runner.RunPass(context.Background(), rec, false)
	require.NoError(t, err)
	return res
}

// seedMarketEntry books the market leg's fill on the venue: the position row
// plus the history entry fill attribution reads.
func (h *passHarness) seedMarketEntry(rec *core.MonitorRecord, qty, price string) {
	venue := h.venueFor(rec.Account)
	venue.SetPosition(rec.Symbol, rec.Side, dec(qty), dec(price), dec(price))
	venue.AddHistory(core.Order{
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

func btcSpec(target string, entries ...core.EntryLeg) core.TradeSpec {
	return core.TradeSpec{
		Symbol:      "BTCUSDT",
		Side:        core.SideBuy,
		Leverage:    10,
		TargetSize:  dec(target),
		Entries:     entries,
		TakeProfits: [4]decimal.Decimal{dec("61200"), dec("61500"), dec("61800"), dec("62400")},
		StopLoss:    dec("58800"),
	}
}

func marketLeg(fraction, link string) core.EntryLeg {
	return core.EntryLeg{OrderType: core.OrderTypeMarket, Fraction: dec(fraction), OrderLinkID: link}
}

func limitLeg(fraction, price, link string) core.EntryLeg {
	return core.EntryLeg{OrderType: core.OrderTypeLimit, Fraction: dec(fraction), Price: dec(price), OrderLinkID: link}
}

func requireLadder(t *testing.T, rec *core.MonitorRecord, want ...string) {
	t.Helper()
	for i, w := range want {
		tp := rec.TPOrders[i+1]
		require.NotNil(t, tp, "tp%d descriptor", i+1)
		assert.True(t, tp.Qty.Equal(dec(w)), "tp%d qty: got %s, want %s", i+1, tp.Qty, w)
	}
}

// The conservative lifecycle end to end: staged entries, the 85/5/5/5
// ladder resized on each fill, breakeven after TP1, the stop shrinking with
// every later TP, and a two-pass closure once the ladder is consumed.
func TestRunPass_ConservativeLifecycle(t *testing.T) {
	h := newPassHarness()

	spec := btcSpec("0.3",
		marketLeg("0.34", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"),
		limitLeg("0.33", "60000", "BOT_ENTRY2_BTCUSDT_1714560000000_l1"),
		limitLeg("0.33", "60000", "BOT_ENTRY3_BTCUSDT_1714560000000_l2"),
	)
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	for i := range rec.EntryOrders {
		rec.EntryOrders[i].Qty = dec("0.1")
	}

	h.seedMarketEntry(rec, "0.1", "60000")
	for _, leg := range rec.EntryOrders[1:] {
		h.main.SeedOrder(core.Order{
			Symbol:      rec.Symbol,
			Side:        rec.Side,
			OrderType:   core.OrderTypeLimit,
			OrderLinkID: leg.OrderLinkID,
			Price:       leg.Price,
			Qty:         leg.Qty,
		})
	}

	// Market leg fill: BUILDING -> MONITORING, ladder for 0.100, stop for
	// the full target.
	res := h.pass(t, rec)
	require.True(t, res.Dirty)
	require.True(t, res.Critical)
	assert.Equal(t, core.PhaseMonitoring, rec.Phase)
	assert.True(t, rec.CurrentSize.Equal(dec("0.1")))
	assert.True(t, rec.AvgEntryPrice.Equal(dec("60000")))
	requireLadder(t, rec, "0.085", "0.005", "0.005", "0.005")
	require.NotNil(t, rec.SLOrder)
	assert.True(t, rec.SLOrder.Qty.Equal(dec("0.3")))
	assert.True(t, rec.SLOrder.TriggerPrice.Equal(dec("58800")))
	assert.Len(t, h.main.OpenOrders(), 7) // 2 entry limits, 4 TPs, 1 SL
	slLink := rec.SLOrder.OrderLinkID

	// First limit fill: ladder resplit for 0.200, stop untouched.
	require.NoError(t, h.main.SimulateFill(rec.EntryOrders[1].OrderLinkID, dec("60000")))
	h.pass(t, rec)
	assert.Equal(t, 1, rec.LimitFillsCount)
	requireLadder(t, rec, "0.17", "0.01", "0.01", "0.01")
	assert.Equal(t, slLink, rec.SLOrder.OrderLinkID)

	// Second limit fill: full target, canonical ladder.
	require.NoError(t, h.main.SimulateFill(rec.EntryOrders[2].OrderLinkID, dec("60000")))
	h.pass(t, rec)
	assert.Equal(t, 2, rec.LimitFillsCount)
	assert.True(t, rec.CurrentSize.Equal(dec("0.3")))
	requireLadder(t, rec, "0.255", "0.015", "0.015", "0.015")
	assert.Equal(t, slLink, rec.SLOrder.OrderLinkID)
	for i := range rec.EntryOrders {
		assert.Equal(t, core.OrderStatusFilled, rec.EntryOrders[i].Status, "entry %d", i)
	}

	entryEvents := h.notifier.EventsOfKind(core.EventEntryFilled)
	require.Len(t, entryEvents, 3)
	assert.Equal(t, 2, entryEvents[2].LimitFillsCount)

	// TP1: profit taking, breakeven at entry*(1+fee*2+safety) = 60084, stop
	// covers only what remains.
	require.NoError(t, h.main.SimulateFill(rec.TPOrders[1].OrderLinkID, dec("61200")))
	h.pass(t, rec)
	assert.Equal(t, core.PhaseProfitTaking, rec.Phase)
	assert.True(t, rec.TP1Hit)
	assert.True(t, rec.LimitsCancelled)
	assert.True(t, rec.SLMovedToBE)
	assert.Equal(t, 1, rec.FilledTPCount)
	assert.True(t, rec.SLOrder.TriggerPrice.Equal(dec("60084")), "breakeven trigger %s", rec.SLOrder.TriggerPrice)
	assert.True(t, rec.SLOrder.Qty.Equal(dec("0.045")))
	beEvents := h.notifier.EventsOfKind(core.EventSLMovedToBreakeven)
	require.Len(t, beEvents, 1)
	assert.True(t, beEvents[0].BreakevenPrice.Equal(dec("60084")))

	// TP2 and TP3 shrink the stop in lockstep with the position.
	require.NoError(t, h.main.SimulateFill(rec.TPOrders[2].OrderLinkID, dec("61500")))
	h.pass(t, rec)
	assert.True(t, rec.SLOrder.Qty.Equal(dec("0.03")))
	require.NoError(t, h.main.SimulateFill(rec.TPOrders[3].OrderLinkID, dec("61800")))
	h.pass(t, rec)
	assert.True(t, rec.SLOrder.Qty.Equal(dec("0.015")))
	assert.Equal(t, 3, rec.FilledTPCount)

	// TP4 empties the position. First flat observation is not a closure.
	require.NoError(t, h.main.SimulateFill(rec.TPOrders[4].OrderLinkID, dec("62400")))
	res = h.pass(t, rec)
	assert.False(t, res.Closed)
	assert.Equal(t, 4, rec.FilledTPCount)
	assert.Equal(t, 1, rec.ClosedConfirmations)
	assert.Empty(t, h.main.OpenOrders())

	// Second flat observation confirms and tears down.
	res = h.pass(t, rec)
	require.True(t, res.Closed)
	assert.Equal(t, core.PhaseClosed, rec.Phase)
	require.NotNil(t, res.PnL)
	assert.True(t, res.PnL.ClosedQty.Equal(dec("0.3")))
	assert.True(t, res.PnL.GrossPnL.Equal(dec("391.5")), "gross %s", res.PnL.GrossPnL)
	assert.True(t, res.PnL.FeeEstimate.Equal(dec("21.6")), "fee %s", res.PnL.FeeEstimate)
	assert.True(t, res.PnL.NetPnL.Equal(dec("369.9")), "net %s", res.PnL.NetPnL)
	assert.True(t, res.PnL.Win)

	assert.Len(t, h.notifier.EventsOfKind(core.EventTPHit), 4)
	assert.Len(t, h.notifier.EventsOfKind(core.EventPositionClosed), 1)
	assert.Empty(t, h.notifier.EventsOfKind(core.EventSLHit))
	assert.Len(t, h.notifier.EventsOfKind(core.EventRebalanceDone), 3)
}

// With the TP1 sweep disabled, unfilled entry limits keep working after the
// first take-profit; only the breakeven move happens.
func TestRunPass_TP1KeepsEntryLimitsWhenConfigured(t *testing.T) {
	h := newPassHarness(func(o *Options) { o.KeepEntryLimitsOnTP1 = true })

	spec := btcSpec("0.3",
		marketLeg("0.5", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"),
		limitLeg("0.5", "59500", "BOT_ENTRY2_BTCUSDT_1714560000000_l1"),
	)
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	for i := range rec.EntryOrders {
		rec.EntryOrders[i].Qty = dec("0.15")
	}

	h.seedMarketEntry(rec, "0.15", "60000")
	limitLink := rec.EntryOrders[1].OrderLinkID
	h.main.SeedOrder(core.Order{
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		OrderType:   core.OrderTypeLimit,
		OrderLinkID: limitLink,
		Price:       rec.EntryOrders[1].Price,
		Qty:         rec.EntryOrders[1].Qty,
	})

	h.pass(t, rec)
	require.Equal(t, core.PhaseMonitoring, rec.Phase)

	require.NoError(t, h.main.SimulateFill(rec.TPOrders[1].OrderLinkID, dec("61200")))
	h.pass(t, rec)

	assert.Equal(t, core.PhaseProfitTaking, rec.Phase)
	assert.True(t, rec.TP1Hit)
	assert.True(t, rec.SLMovedToBE)
	assert.False(t, rec.LimitsCancelled)
	assert.Empty(t, h.notifier.EventsOfKind(core.EventLimitsCancelledOnTP1))

	found := false
	for _, o := range h.main.OpenOrders() {
		if o.OrderLinkID == limitLink {
			found = true
		}
	}
	assert.True(t, found, "entry limit should still be working")
}

// An external partial close while the position is building must not be taken
// for a TP fill: no phase change, no breakeven, just a rebalance to the new
// size with the stop still covering the target.
func TestRunPass_ExternalReductionRebalancesWithoutTPFill(t *testing.T) {
	h := newPassHarness()

	spec := btcSpec("0.3", marketLeg("1", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"))
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	h.seedMarketEntry(rec, "0.3", "60000")

	h.pass(t, rec)
	requireLadder(t, rec, "0.255", "0.015", "0.015", "0.015")
	slLink := rec.SLOrder.OrderLinkID

	// Someone closes half the position by hand.
	h.main.SetPositionSize("BTCUSDT", core.SideBuy, dec("0.15"))
	h.main.AddHistory(core.Order{
		Symbol:      "BTCUSDT",
		Side:        core.SideSell,
		OrderType:   core.OrderTypeMarket,
		OrderLinkID: "manual-close-1",
		Qty:         dec("0.15"),
		CumExecQty:  dec("0.15"),
		ReduceOnly:  true,
		Status:      core.OrderStatusFilled,
	})

	res := h.pass(t, rec)
	require.True(t, res.Dirty)
	assert.Equal(t, core.PhaseMonitoring, rec.Phase)
	assert.False(t, rec.TP1Hit)
	assert.False(t, rec.SLMovedToBE)
	assert.True(t, rec.CurrentSize.Equal(dec("0.15")))
	requireLadder(t, rec, "0.127", "0.007", "0.007", "0.009")
	assert.True(t, rec.SLOrder.Qty.Equal(dec("0.3")), "stop keeps covering the target before TP1")
	assert.Equal(t, slLink, rec.SLOrder.OrderLinkID)
	assert.Empty(t, h.notifier.EventsOfKind(core.EventTPHit))
	assert.Len(t, h.notifier.EventsOfKind(core.EventRebalanceDone), 2)
	assert.Len(t, h.main.OpenOrders(), 5)
}

// Refresh failures freeze the closure countdown: a flat observation starts
// it, errors neither advance nor reset it, and the next good observation
// completes it.
func TestRunPass_RefreshErrorsDoNotAdvanceClosure(t *testing.T) {
	h := newPassHarness()
	ctx := context.Background()

	spec := btcSpec("0.1", marketLeg("1", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"))
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	h.seedMarketEntry(rec, "0.1", "60000")
	h.pass(t, rec)

	// Externally flattened: first confirmation.
	h.main.SetPositionSize("BTCUSDT", core.SideBuy, decimal.Zero)
	h.pass(t, rec)
	assert.Equal(t, 1, rec.ClosedConfirmations)
	assert.Equal(t, core.PhaseMonitoring, rec.Phase)

	// Two refresh failures in a row. The stale snapshot is past its serve
	// limit, so the errors surface and the countdown stays where it was.
	h.clock.Advance(6 * time.Minute)
	h.main.FailNext("GetAllPositions", apperrors.ErrNetwork)
	_, err := h.runner.RunPass(ctx, rec, false)
	require.Error(t, err)
	assert.Equal(t, 1, rec.ClosedConfirmations)

	h.clock.Advance(cache.DefaultTTL + time.Second)
	h.main.FailNext("GetAllPositions", apperrors.ErrNetwork)
	_, err = h.runner.RunPass(ctx, rec, false)
	require.Error(t, err)
	assert.Equal(t, 1, rec.ClosedConfirmations)
	assert.Equal(t, core.PhaseMonitoring, rec.Phase)

	// Recovery: the second flat observation closes and tears down.
	res := h.pass(t, rec)
	require.True(t, res.Closed)
	assert.Equal(t, core.PhaseClosed, rec.Phase)
	assert.Empty(t, h.main.OpenOrders())
	assert.Len(t, h.main.CancelledLinks(), 5) // 4 TPs and the stop
	require.NotNil(t, res.PnL)
	assert.True(t, res.PnL.ClosedQty.IsZero())
	assert.Empty(t, h.notifier.EventsOfKind(core.EventSLHit))
}

// A duplicate link ID rejection gets exactly one regeneration, invisible in
// the rebalance outcome.
func TestRunPass_DuplicateLinkIDRegeneratedOnce(t *testing.T) {
	h := newPassHarness()

	spec := btcSpec("0.1", marketLeg("1", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"))
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	h.seedMarketEntry(rec, "0.1", "60000")

	h.main.FailNext("PlaceOrder", apperrors.ErrDuplicateOrderLinkID)
	h.pass(t, rec)

	requireLadder(t, rec, "0.085", "0.005", "0.005", "0.005")
	assert.Len(t, h.main.OpenOrders(), 5)
	// 4 TPs + 1 SL placed, plus the one rejected attempt.
	assert.Equal(t, 6, h.main.Calls("PlaceOrder"))
	assert.Equal(t, 6, h.links.Size())

	done := h.notifier.EventsOfKind(core.EventRebalanceDone)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Rebalance)
	assert.Equal(t, core.TPOutcomeOK, done[0].Rebalance.Status)

	_, open := h.main.OpenOrderByLink(rec.TPOrders[1].OrderLinkID)
	assert.True(t, open, "regenerated TP1 link is live on the venue")
}

// A history-confirmed stop execution closes in a single pass and never
// counts as TP fills, even though the quantities would add up.
func TestRunPass_StopExecutionClosesInOnePass(t *testing.T) {
	h := newPassHarness()

	spec := btcSpec("0.1", marketLeg("1", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"))
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	h.seedMarketEntry(rec, "0.1", "60000")
	h.pass(t, rec)

	require.NoError(t, h.main.SimulateFill(rec.SLOrder.OrderLinkID, dec("58800")))

	res := h.pass(t, rec)
	require.True(t, res.Closed, "confirmed stop needs no second observation")
	assert.Equal(t, core.PhaseClosed, rec.Phase)
	assert.Empty(t, h.notifier.EventsOfKind(core.EventTPHit))

	slEvents := h.notifier.EventsOfKind(core.EventSLHit)
	require.Len(t, slEvents, 1)
	assert.True(t, slEvents[0].FillPrice.Equal(dec("58800")))
	assert.True(t, slEvents[0].FillQty.Equal(dec("0.1")))

	require.NotNil(t, res.PnL)
	assert.True(t, res.PnL.GrossPnL.Equal(dec("-120")), "gross %s", res.PnL.GrossPnL)
	assert.True(t, res.PnL.FeeEstimate.Equal(dec("7.2")))
	assert.True(t, res.PnL.NetPnL.Equal(dec("-127.2")))
	assert.False(t, res.PnL.Win)
	assert.Empty(t, h.main.OpenOrders(), "ladder cancelled during tear-down")
}

// A mirror record that lost its TP references adopts the live reduce-only
// limits from the book, mapped onto the tail of the ladder, without placing
// or cancelling anything.
func TestRunPass_MirrorTPLadderRecoveredFromBook(t *testing.T) {
	h := newPassHarness()

	spec := btcSpec("0.3", marketLeg("1", "MIR_ENTRY1_BTCUSDT_1714550000000_m0"))
	rec := core.NewMonitorRecord(spec, core.AccountMirror, nil, h.clock.Now())
	rec.Phase = core.PhaseProfitTaking
	rec.TP1Hit = true
	rec.SLMovedToBE = true
	rec.FilledTPCount = 1
	rec.CurrentSize = dec("0.045")
	rec.LastKnownSize = dec("0.045")
	rec.AvgEntryPrice = dec("60000")
	rec.EntryOrders[0].Status = core.OrderStatusFilled
	rec.EntryOrders[0].FilledQty = dec("0.3")

	rec.TPOrders[1].Status = core.OrderStatusFilled
	rec.TPOrders[1].Qty = dec("0.255")
	rec.TPOrders[1].FilledQty = dec("0.255")
	for i := 2; i <= 4; i++ {
		rec.TPOrders[i].OrderID = fmt.Sprintf("gone-%d", i)
		rec.TPOrders[i].OrderLinkID = fmt.Sprintf("MIR_TP%d_BTCUSDT_1714540000000_x%d", i, i)
		rec.TPOrders[i].Qty = dec("0.015")
	}

	// The book still carries the three tail TPs and the breakeven stop.
	for i, price := range []string{"61500", "61800", "62400"} {
		h.mirror.SeedOrder(core.Order{
			Symbol:      "BTCUSDT",
			Side:        core.SideSell,
			OrderType:   core.OrderTypeLimit,
			OrderLinkID: fmt.Sprintf("MIR_TP%d_BTCUSDT_1714550000000_r%d", i+2, i),
			Price:       dec(price),
			Qty:         dec("0.015"),
			ReduceOnly:  true,
		})
	}
	slLink := "MIR_SL1_BTCUSDT_1714550000000_s0"
	h.mirror.SeedOrder(core.Order{
		Symbol:         "BTCUSDT",
		Side:           core.SideSell,
		OrderType:      core.OrderTypeMarket,
		OrderLinkID:    slLink,
		Qty:            dec("0.045"),
		TriggerPrice:   dec("60084"),
		ReduceOnly:     true,
		CloseOnTrigger: true,
		StopOrderType:  core.StopTypeStopLoss,
		Status:         core.OrderStatusUntriggered,
	})
	rec.SLOrder.OrderLinkID = slLink
	rec.SLOrder.Qty = dec("0.045")
	rec.SLOrder.TriggerPrice = dec("60084")
	rec.SLOrder.BreakevenApplied = true
	h.mirror.SetPosition("BTCUSDT", core.SideBuy, dec("0.045"), dec("60000"), dec("61400"))

	linksBefore := h.links.Size()
	res := h.pass(t, rec)
	require.True(t, res.Dirty)

	for i, price := range []string{"61500", "61800", "62400"} {
		tp := rec.TPOrders[i+2]
		assert.True(t, tp.TriggerPrice.Equal(dec(price)), "tp%d trigger %s", i+2, tp.TriggerPrice)
		assert.True(t, tp.Qty.Equal(dec("0.015")))
		assert.NotEmpty(t, tp.OrderID)
		open, ok := h.mirror.OpenOrderByLink(tp.OrderLinkID)
		require.True(t, ok, "tp%d adopted link is live", i+2)
		assert.True(t, open.Price.Equal(dec(price)))
	}
	assert.Equal(t, 1, rec.FilledTPCount)
	assert.Equal(t, 0, h.mirror.Calls("PlaceOrder"), "adoption places nothing")
	assert.Equal(t, 0, h.mirror.Calls("CancelOrder"))
	assert.Equal(t, linksBefore+3, h.links.Size(), "adopted links are reserved")
}

// A pass over an unchanged position and a healthy book writes nothing to the
// venue and reports nothing to persist.
func TestRunPass_QuietPassMakesNoVenueWrites(t *testing.T) {
	h := newPassHarness()

	spec := btcSpec("0.1", marketLeg("1", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"))
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	h.seedMarketEntry(rec, "0.1", "60000")
	h.pass(t, rec)

	places := h.main.Calls("PlaceOrder")
	cancels := h.main.Calls("CancelOrder")

	res := h.pass(t, rec)
	assert.False(t, res.Dirty)
	assert.False(t, res.Critical)
	assert.False(t, res.Closed)
	assert.Equal(t, places, h.main.Calls("PlaceOrder"))
	assert.Equal(t, cancels, h.main.Calls("CancelOrder"))
	assert.Equal(t, 0, h.main.Calls("AmendOrder"))
}

// The venue dropping the position row entirely counts like a flat
// observation: two passes confirm, then tear-down.
func TestRunPass_MissingPositionRowCountsTowardClosure(t *testing.T) {
	h := newPassHarness()

	spec := btcSpec("0.1", marketLeg("1", "BOT_ENTRY1_BTCUSDT_1714560000000_m0"))
	rec := core.NewMonitorRecord(spec, core.AccountMain, nil, h.clock.Now())
	h.seedMarketEntry(rec, "0.1", "60000")
	h.pass(t, rec)

	h.main.RemovePosition("BTCUSDT", core.SideBuy)

	res := h.pass(t, rec)
	assert.False(t, res.Closed)
	assert.Equal(t, 1, rec.ClosedConfirmations)
	assert.True(t, rec.CurrentSize.IsZero())

	res = h.pass(t, rec)
	require.True(t, res.Closed)
	assert.Equal(t, core.PhaseClosed, rec.Phase)
	assert.Empty(t, h.main.OpenOrders())
	assert.Empty(t, h.notifier.EventsOfKind(core.EventSLHit), "row ageing out is not a stop execution")
	assert.Len(t, h.notifier.EventsOfKind(core.EventPositionClosed), 1)
}
