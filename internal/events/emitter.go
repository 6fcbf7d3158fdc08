package events

import (
	"context"

	"tpsl_engine/internal/core"
	"tpsl_engine/pkg/telemetry"
)

// Appender is the journal surface the emitter writes through.
type Appender interface {
	Append(ctx context.Context, event core.Event) error
}

// PeerFills returns the sibling account's limit_fills_count for the same
// symbol and side, 0 when no sibling monitor exists.
type PeerFills func(symbol string, side core.Side, account core.Account) int

// Emitter hands engine events to the alert dispatcher and the journal.
// Emit is called synchronously by the pass holder, so events for one
// monitor always leave in observation order.
type Emitter struct {
	notifier core.INotifier
	appender Appender
	peer     PeerFills
	logger   core.ILogger
	clock    core.Clock
}

// NewEmitter wires the dispatcher and journal. appender and peer may be
// nil (no journal, no mirror).
func NewEmitter(notifier core.INotifier, appender Appender, peer PeerFills, logger core.ILogger, clock core.Clock) *Emitter {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Emitter{
		notifier: notifier,
		appender: appender,
		peer:     peer,
		logger:   logger.WithField("component", "events"),
		clock:    clock,
	}
}

// Emit dispatches one event. The journal write happens after alert
// dispatch and degrades to log-only on failure; it never blocks a pass.
func (e *Emitter) Emit(ctx context.Context, event core.Event) {
	if event.Ts.IsZero() {
		event.Ts = e.clock.Now()
	}

	// Both accounts report the larger fill count in user-facing events.
	// Records keep per-account truth; this never feeds back into sizing.
	if event.Kind == core.EventEntryFilled && e.peer != nil {
		if peer := e.peer(event.Symbol, event.Side, event.Account); peer > event.LimitFillsCount {
			event.LimitFillsCount = peer
		}
	}

	e.notifier.Notify(event)

	if e.appender != nil {
		if err := e.appender.Append(ctx, event); err != nil {
			e.logger.Warn("Journal append failed, event is log-only",
				"kind", string(event.Kind),
				"monitor_key", event.MonitorKey,
				"error", err)
		}
	}

	telemetry.GetGlobalMetrics().RecordEvent(ctx, string(event.Kind))
}

// FromRecord seeds an event with the monitor's identity fields.
func FromRecord(kind core.EventKind, rec *core.MonitorRecord) core.Event {
	return core.Event{
		Kind:       kind,
		MonitorKey: rec.Key,
		Account:    rec.Account,
		Symbol:     rec.Symbol,
		Side:       rec.Side,
		ChatID:     rec.ChatID,
	}
}
