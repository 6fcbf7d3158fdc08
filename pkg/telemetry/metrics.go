package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricMonitorPassesTotal      = "tpsl_monitor_passes_total"
	MetricPassDuration            = "tpsl_monitor_pass_duration_ms"
	MetricFillsDetectedTotal      = "tpsl_fills_detected_total"
	MetricRebalancesTotal         = "tpsl_rebalances_total"
	MetricPhaseTransitionsTotal   = "tpsl_phase_transitions_total"
	MetricEventsEmittedTotal      = "tpsl_events_emitted_total"
	MetricCacheLookupsTotal       = "tpsl_cache_lookups_total"
	MetricCacheRefreshesTotal     = "tpsl_cache_refreshes_total"
	MetricPersistenceFlushesTotal = "tpsl_persistence_flushes_total"
	MetricMonitorsActive          = "tpsl_monitors_active"
	MetricMonitorsCritical        = "tpsl_monitors_critical"
	MetricPersistenceDegraded     = "tpsl_persistence_degraded"
	MetricExecutionMode           = "tpsl_execution_mode"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	MonitorPassesTotal      metric.Int64Counter
	PassDuration            metric.Float64Histogram
	FillsDetectedTotal      metric.Int64Counter
	RebalancesTotal         metric.Int64Counter
	PhaseTransitionsTotal   metric.Int64Counter
	EventsEmittedTotal      metric.Int64Counter
	CacheLookupsTotal       metric.Int64Counter
	CacheRefreshesTotal     metric.Int64Counter
	PersistenceFlushesTotal metric.Int64Counter
	MonitorsActive          metric.Int64ObservableGauge
	MonitorsCritical        metric.Int64ObservableGauge
	PersistenceDegraded     metric.Int64ObservableGauge
	ExecutionMode           metric.Int64ObservableGauge

	// State for observable gauges
	mu                sync.RWMutex
	activeMonitorsMap map[string]int64
	criticalMonitors  int64
	degraded          int64
	executionMode     int64

	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeMonitorsMap: make(map[string]int64),
		}
		// Instruments are created in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.MonitorPassesTotal, err = meter.Int64Counter(MetricMonitorPassesTotal, metric.WithDescription("Monitor passes executed"))
	if err != nil {
		return err
	}

	m.PassDuration, err = meter.Float64Histogram(MetricPassDuration, metric.WithDescription("Wall-clock duration of a monitor pass"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.FillsDetectedTotal, err = meter.Int64Counter(MetricFillsDetectedTotal, metric.WithDescription("Fills detected from position-size deltas"))
	if err != nil {
		return err
	}

	m.RebalancesTotal, err = meter.Int64Counter(MetricRebalancesTotal, metric.WithDescription("Exit-order rebalance runs"))
	if err != nil {
		return err
	}

	m.PhaseTransitionsTotal, err = meter.Int64Counter(MetricPhaseTransitionsTotal, metric.WithDescription("Monitor phase transitions"))
	if err != nil {
		return err
	}

	m.EventsEmittedTotal, err = meter.Int64Counter(MetricEventsEmittedTotal, metric.WithDescription("Engine events handed to the dispatcher"))
	if err != nil {
		return err
	}

	m.CacheLookupsTotal, err = meter.Int64Counter(MetricCacheLookupsTotal, metric.WithDescription("Cache lookups by result"))
	if err != nil {
		return err
	}

	m.CacheRefreshesTotal, err = meter.Int64Counter(MetricCacheRefreshesTotal, metric.WithDescription("Cache refreshes against the exchange"))
	if err != nil {
		return err
	}

	m.PersistenceFlushesTotal, err = meter.Int64Counter(MetricPersistenceFlushesTotal, metric.WithDescription("State flushes by trigger"))
	if err != nil {
		return err
	}

	m.MonitorsActive, err = meter.Int64ObservableGauge(MetricMonitorsActive, metric.WithDescription("Currently scheduled monitors"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.activeMonitorsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.MonitorsCritical, err = meter.Int64ObservableGauge(MetricMonitorsCritical, metric.WithDescription("Monitors currently classified critical"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.criticalMonitors)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PersistenceDegraded, err = meter.Int64ObservableGauge(MetricPersistenceDegraded, metric.WithDescription("Persistence degraded state (1=degraded, 0=healthy)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.degraded)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ExecutionMode, err = meter.Int64ObservableGauge(MetricExecutionMode, metric.WithDescription("Execution mode state (1=active, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.executionMode)
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether instruments exist. Counter helpers no-op before
// InitMetrics so unit tests can run without a meter provider.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Helpers to record counters

func (m *MetricsHolder) RecordPass(ctx context.Context, account string, durationMs float64) {
	if !m.Ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("account", account))
	m.MonitorPassesTotal.Add(ctx, 1, attrs)
	m.PassDuration.Record(ctx, durationMs, attrs)
}

func (m *MetricsHolder) RecordFill(ctx context.Context, account, kind string) {
	if !m.Ready() {
		return
	}
	m.FillsDetectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("kind", kind),
	))
}

func (m *MetricsHolder) RecordRebalance(ctx context.Context, account, status string) {
	if !m.Ready() {
		return
	}
	m.RebalancesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("status", status),
	))
}

func (m *MetricsHolder) RecordPhaseTransition(ctx context.Context, toPhase string) {
	if !m.Ready() {
		return
	}
	m.PhaseTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("to", toPhase)))
}

func (m *MetricsHolder) RecordEvent(ctx context.Context, kind string) {
	if !m.Ready() {
		return
	}
	m.EventsEmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *MetricsHolder) RecordCacheLookup(ctx context.Context, account, result string) {
	if !m.Ready() {
		return
	}
	m.CacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("result", result),
	))
}

func (m *MetricsHolder) RecordCacheRefresh(ctx context.Context, account string) {
	if !m.Ready() {
		return
	}
	m.CacheRefreshesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("account", account)))
}

func (m *MetricsHolder) RecordPersistenceFlush(ctx context.Context, trigger string) {
	if !m.Ready() {
		return
	}
	m.PersistenceFlushesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveMonitors(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeMonitorsMap[account] = count
}

func (m *MetricsHolder) SetCriticalMonitors(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criticalMonitors = count
}

func (m *MetricsHolder) SetPersistenceDegraded(degraded bool) {
	val := int64(0)
	if degraded {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = val
}

func (m *MetricsHolder) SetExecutionMode(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionMode = val
}

func (m *MetricsHolder) GetActiveMonitors() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeMonitorsMap {
		res[k] = v
	}
	return res
}
