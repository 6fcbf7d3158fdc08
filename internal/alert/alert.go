package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tpsl_engine/internal/core"
)

// sendTimeout bounds one channel delivery; a slow transport must never
// back-pressure the engine.
const sendTimeout = 10 * time.Second

// AlertManager fans engine events out to the configured channels. It
// implements core.INotifier; delivery is asynchronous and failures are
// logged and counted, never propagated to the caller.
type AlertManager struct {
	channels []core.IAlertChannel
	logger   core.ILogger
	mu       sync.RWMutex

	failures atomic.Int64
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]core.IAlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

var _ core.INotifier = (*AlertManager)(nil)

func (am *AlertManager) AddChannel(ch core.IAlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify dispatches one event to every channel. Alerting stays off the
// monitoring path, so nothing here waits on delivery.
func (am *AlertManager) Notify(event core.Event) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		go func(c core.IAlertChannel) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			if err := c.Send(ctx, event); err != nil {
				am.failures.Add(1)
				am.logger.Error("Failed to send alert",
					"channel", c.Name(),
					"kind", string(event.Kind),
					"monitor_key", event.MonitorKey,
					"error", err)
			}
		}(ch)
	}
}

// Failures returns the total number of failed deliveries across channels.
func (am *AlertManager) Failures() int64 {
	return am.failures.Load()
}

// FormatEvent renders an event as one compact line. All channels share
// this rendering; rich formatting belongs to external consumers.
func FormatEvent(e core.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s", e.Kind, e.Symbol, e.Side, e.Account)

	switch e.Kind {
	case core.EventEntryFilled:
		fmt.Fprintf(&b, ": qty %s @ %s, avg_entry %s, size %s",
			e.FillQty, e.FillPrice, e.AvgEntryPrice, e.CurrentSize)
		if e.LimitFillsCount > 0 {
			fmt.Fprintf(&b, ", limit_fills %d", e.LimitFillsCount)
		}
	case core.EventTPHit:
		fmt.Fprintf(&b, ": TP%d qty %s @ %s, remaining %s",
			e.TPIndex, e.FillQty, e.FillPrice, e.CurrentSize)
	case core.EventSLMovedToBreakeven:
		fmt.Fprintf(&b, ": trigger %s", e.BreakevenPrice)
	case core.EventLimitsCancelledOnTP1:
		fmt.Fprintf(&b, ": cancelled %d entry orders", len(e.CancelledLinkIDs))
	case core.EventRebalanceDone:
		if e.Rebalance != nil {
			fmt.Fprintf(&b, ": status %s", e.Rebalance.Status)
			for _, r := range e.Rebalance.PerTP {
				fmt.Fprintf(&b, ", TP%d %s %s", r.Index, r.Outcome, r.Qty)
			}
			fmt.Fprintf(&b, ", sl_qty %s", e.Rebalance.SLQty)
		}
	case core.EventSLHit:
		fmt.Fprintf(&b, ": qty %s @ %s", e.FillQty, e.FillPrice)
	case core.EventPositionClosed:
		if e.PnL != nil {
			outcome := "loss"
			if e.PnL.Win {
				outcome = "win"
			}
			fmt.Fprintf(&b, ": net %s (%s), closed %s, entry %s exit %s",
				e.PnL.NetPnL, outcome, e.PnL.ClosedQty, e.PnL.AvgEntry, e.PnL.AvgExit)
		}
	}

	if e.Error != "" {
		fmt.Fprintf(&b, ", error: %s", e.Error)
	}
	return b.String()
}

// LogChannel writes events to the structured log. It is always on.
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alerts")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, event core.Event) error {
	l.logger.Info(FormatEvent(event),
		"kind", string(event.Kind),
		"monitor_key", event.MonitorKey)
	return nil
}
