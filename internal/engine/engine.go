package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tpsl_engine/internal/core"
	"tpsl_engine/internal/monitor"
	"tpsl_engine/internal/orderlink"
	apperrors "tpsl_engine/pkg/errors"
)

// Flusher is the persistence surface the facade drives directly: a
// critical save after trade intake and administrative closes, batched
// marks everywhere else.
type Flusher interface {
	MarkDirty()
	Flush(ctx context.Context, reason string) error
}

// ModeController is the scheduler surface behind SetExecutionMode. The
// scheduler is constructed after the engine, so it is bound late.
type ModeController interface {
	SetExecutionModeFor(on bool, ttl time.Duration)
}

// Options wires an Engine.
type Options struct {
	Registry *Registry
	Runner   *monitor.Runner
	Clients  map[core.Account]core.IExchangeClient
	Links    *orderlink.Registry
	Store    Flusher
	Logger   core.ILogger
	Clock    core.Clock

	Enabled       bool
	MirrorEnabled bool
	DefaultChatID *int64
}

// Engine is the operator-facing facade: trade intake from the executor,
// monitor lookup, administrative closes, and the state source for
// persistence. All record mutation goes through the per-entry pass lock;
// the facade itself holds no record state.
type Engine struct {
	reg     *Registry
	runner  *monitor.Runner
	clients map[core.Account]core.IExchangeClient
	links   *orderlink.Registry
	store   Flusher
	logger  core.ILogger
	clock   core.Clock

	enabled       bool
	mirrorEnabled bool
	defaultChatID *int64

	mode ModeController

	countersMu sync.Mutex
	counters   core.Counters
}

// New creates the facade.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &Engine{
		reg:           opts.Registry,
		runner:        opts.Runner,
		clients:       opts.Clients,
		links:         opts.Links,
		store:         opts.Store,
		logger:        opts.Logger.WithField("component", "engine"),
		clock:         opts.Clock,
		enabled:       opts.Enabled,
		mirrorEnabled: opts.MirrorEnabled,
		defaultChatID: opts.DefaultChatID,
	}
}

// BindModeController attaches the scheduler once both sides exist. Called
// during wiring, before any trade intake.
func (e *Engine) BindModeController(mc ModeController) {
	e.mode = mc
}

// PlaceTrade registers the hand-off from the trade executor: one Monitor
// Record per account, immediately due for scheduling. The executor has
// already placed the entry orders; the engine owns the exit ladder from
// here. Returns the trade ID the caller can correlate events with.
func (e *Engine) PlaceTrade(ctx context.Context, spec core.TradeSpec) (string, error) {
	if !e.enabled {
		return "", apperrors.ErrEngineDisabled
	}
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("place trade: %w", err)
	}

	accounts := []core.Account{core.AccountMain}
	if spec.Mirror {
		if e.mirrorEnabled && e.clients[core.AccountMirror] != nil {
			accounts = append(accounts, core.AccountMirror)
		} else {
			e.logger.Warn("Mirror requested but not configured, monitoring main only",
				"symbol", spec.Symbol, "side", string(spec.Side))
		}
	}

	now := e.clock.Now()
	tradeID := uuid.NewString()

	var registered []*Entry
	for _, acct := range accounts {
		rec := core.NewMonitorRecord(spec, acct, e.defaultChatID, now)
		if acct == core.AccountMirror {
			// The hand-off carries main's venue IDs; the executor placed
			// the mirror's own orders under different ones. The mirror
			// record starts without entry references and attributes fills
			// by size delta.
			for i := range rec.EntryOrders {
				rec.EntryOrders[i].OrderID = ""
				rec.EntryOrders[i].OrderLinkID = ""
			}
		}
		ent, err := e.reg.Register(rec)
		if err != nil {
			for _, prev := range registered {
				e.reg.Remove(prev.Key)
			}
			return "", fmt.Errorf("place trade: %w", err)
		}
		registered = append(registered, ent)
	}

	if e.links != nil {
		for _, leg := range spec.Entries {
			e.links.Reserve(leg.OrderLinkID)
		}
	}

	keys := make([]string, len(registered))
	for i, ent := range registered {
		keys[i] = ent.Key
	}
	e.logger.Info("Trade registered",
		"trade_id", tradeID,
		"symbol", spec.Symbol,
		"side", string(spec.Side),
		"target_size", spec.TargetSize.String(),
		"monitors", strings.Join(keys, ","))

	// New monitors must survive a crash; a degraded store logs and the
	// engine carries on in memory.
	if e.store != nil {
		if err := e.store.Flush(ctx, "place_trade"); err != nil {
			e.logger.Error("Flush after trade registration failed", "trade_id", tradeID, "error", err)
		}
	}
	return tradeID, nil
}

// CloseMonitor is the administrative tear-down: cancel the monitor's
// residual exit orders, emit the closing events, drop the record. It
// waits for an in-flight pass rather than racing it.
func (e *Engine) CloseMonitor(ctx context.Context, key string) error {
	ent, ok := e.reg.Get(key)
	if !ok {
		return fmt.Errorf("close monitor %s: %w", key, apperrors.ErrMonitorNotFound)
	}

	ent.Lock()
	res, err := e.runner.ForceClose(ctx, ent.Rec)
	if err != nil {
		ent.Unlock()
		return fmt.Errorf("close monitor %s: %w", key, err)
	}
	ent.Commit()
	ent.Unlock()

	e.HandleClosed(ent, res)

	if e.store != nil {
		if ferr := e.store.Flush(ctx, "monitor_closed"); ferr != nil {
			e.logger.Error("Closure flush failed", "key", key, "error", ferr)
		}
	}
	return nil
}

// ListMonitors returns the committed view of every live monitor, sorted
// by key. Callers must treat the records as read-only.
func (e *Engine) ListMonitors() []*core.MonitorRecord {
	snap := e.reg.SnapshotAll()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*core.MonitorRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, snap[k])
	}
	return out
}

// ActiveSymbols lists the distinct symbols with a live monitor. The price
// stream follows it for its subscription set.
func (e *Engine) ActiveSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range e.reg.SnapshotAll() {
		if rec.Phase == core.PhaseClosed {
			continue
		}
		if _, ok := seen[rec.Symbol]; ok {
			continue
		}
		seen[rec.Symbol] = struct{}{}
		out = append(out, rec.Symbol)
	}
	sort.Strings(out)
	return out
}

// GetMonitor returns the committed view of one monitor.
func (e *Engine) GetMonitor(key string) (*core.MonitorRecord, bool) {
	ent, ok := e.reg.Get(key)
	if !ok {
		return nil, false
	}
	return ent.Committed(), true
}

// SetExecutionMode forwards the executor's placement window to the
// scheduler: cache TTLs shrink, background intervals widen, exchange
// concurrency rises. ttl <= 0 uses the scheduler's configured default.
func (e *Engine) SetExecutionMode(on bool, ttl time.Duration) {
	if e.mode == nil {
		return
	}
	e.mode.SetExecutionModeFor(on, ttl)
}

// HandleClosed folds a closure into the lifetime counters and removes the
// monitor. The scheduler invokes it from the pass worker once a pass
// reports closure; CloseMonitor invokes it directly.
func (e *Engine) HandleClosed(ent *Entry, res monitor.Result) {
	if res.PnL != nil {
		e.countersMu.Lock()
		e.counters.RecordClosure(*res.PnL)
		e.countersMu.Unlock()
	}
	e.reg.Remove(ent.Key)
	e.logger.Info("Monitor retired", "key", ent.Key, "remaining", e.reg.Len())
}

// SnapshotState is the persistence source: committed monitor views plus
// the lifetime counters. Safe to call from the flush loop at any time.
func (e *Engine) SnapshotState() (map[string]*core.MonitorRecord, core.Counters) {
	return e.reg.SnapshotAll(), e.CountersSnapshot()
}

// SetCounters seeds the lifetime counters from a loaded snapshot.
func (e *Engine) SetCounters(c core.Counters) {
	e.countersMu.Lock()
	e.counters = c
	e.countersMu.Unlock()
}

// CountersSnapshot returns a copy of the lifetime counters.
func (e *Engine) CountersSnapshot() core.Counters {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	return e.counters
}

// RestoreMonitors registers records loaded from the snapshot file and
// returns how many went live. Keys already registered are skipped: the
// in-memory record is exchange truth and the disk copy is older. Stored
// link IDs are reserved so generation after a restart cannot collide with
// orders placed before it.
func (e *Engine) RestoreMonitors(monitors map[string]*core.MonitorRecord) int {
	restored := 0
	for key, rec := range monitors {
		if rec == nil {
			continue
		}
		if rec.Phase == core.PhaseClosed {
			continue
		}
		if _, ok := e.clients[rec.Account]; !ok {
			e.logger.Warn("Skipping monitor for unconfigured account",
				"key", key, "account", string(rec.Account))
			continue
		}
		if rec.TPOrders == nil {
			rec.TPOrders = make(map[int]*core.TPDescriptor)
		}
		if _, err := e.reg.Register(rec); err != nil {
			e.logger.Debug("Monitor already live, keeping in-memory state", "key", key)
			continue
		}
		e.reserveRecordLinks(rec)
		restored++
	}
	if restored > 0 {
		e.logger.Info("Monitors restored from snapshot", "count", restored)
	}
	return restored
}

func (e *Engine) reserveRecordLinks(rec *core.MonitorRecord) {
	if e.links == nil {
		return
	}
	for _, o := range rec.EntryOrders {
		e.links.Reserve(o.OrderLinkID)
	}
	for _, tp := range rec.TPOrders {
		if tp != nil {
			e.links.Reserve(tp.OrderLinkID)
		}
	}
	if rec.SLOrder != nil {
		e.links.Reserve(rec.SLOrder.OrderLinkID)
	}
}
