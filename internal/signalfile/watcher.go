// Package signalfile polls a directory for operator marker files. Dropping
// an empty file named after a signal triggers the matching engine action;
// the file is consumed. This is an operational side door, not a user
// interface.
package signalfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tpsl_engine/internal/core"
	"tpsl_engine/internal/persistence"
)

// Recognized marker file names.
const (
	SignalReloadMonitors   = "reload_monitors"
	SignalExecutionModeOn  = "execution_mode_on"
	SignalExecutionModeOff = "execution_mode_off"
)

// DefaultInterval is the poll cadence.
const DefaultInterval = 5 * time.Second

// Engine is the slice of the engine facade the watcher drives.
type Engine interface {
	RestoreMonitors(monitors map[string]*core.MonitorRecord) int
	SetExecutionMode(on bool, ttl time.Duration)
}

// SnapshotLoader re-reads the persisted snapshot for reload_monitors.
type SnapshotLoader interface {
	Load() (*persistence.LoadResult, error)
}

// Options configures a Watcher.
type Options struct {
	Dir      string
	Interval time.Duration

	// ModeTTL caps how long execution_mode_on stays active without a
	// refresh or an explicit off marker.
	ModeTTL time.Duration

	Engine Engine
	Loader SnapshotLoader
	Logger core.ILogger
}

// Watcher polls the signal directory and applies marker files.
type Watcher struct {
	dir      string
	interval time.Duration
	modeTTL  time.Duration
	engine   Engine
	loader   SnapshotLoader
	logger   core.ILogger

	// warned tracks near-miss file names already logged, pruned once the
	// file disappears so a re-dropped typo warns again.
	warned map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates the watcher.
func NewWatcher(opts Options) *Watcher {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:      opts.Dir,
		interval: opts.Interval,
		modeTTL:  opts.ModeTTL,
		engine:   opts.Engine,
		loader:   opts.Loader,
		logger:   opts.Logger.WithField("component", "signal_watcher"),
		warned:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting signal watcher", "dir", w.dir, "interval", w.interval)
	w.wg.Add(1)
	go w.runLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.logger.Info("Stopping signal watcher")
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Watcher) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan reads the directory once and applies every recognized marker.
// Fixed processing order makes simultaneous markers deterministic:
// mode-off lands after mode-on and wins.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("Failed to read signal directory", "dir", w.dir, "error", err.Error())
		return
	}

	present := make(map[string]struct{})
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		present[ent.Name()] = struct{}{}
	}

	for _, name := range []string{SignalReloadMonitors, SignalExecutionModeOn, SignalExecutionModeOff} {
		if _, ok := present[name]; !ok {
			continue
		}
		w.handle(name)
		w.remove(name)
		delete(present, name)
	}

	w.warnNearMisses(present)
}

func (w *Watcher) handle(name string) {
	switch name {
	case SignalReloadMonitors:
		w.reload()
	case SignalExecutionModeOn:
		w.logger.Info("Execution mode enabled by signal file", "ttl", w.modeTTL)
		w.engine.SetExecutionMode(true, w.modeTTL)
	case SignalExecutionModeOff:
		w.logger.Info("Execution mode disabled by signal file")
		w.engine.SetExecutionMode(false, 0)
	}
}

// reload merges the on-disk snapshot into the registry. Running monitors
// win over their disk copies; counters stay in memory because the running
// tally is newer than anything the snapshot holds.
func (w *Watcher) reload() {
	res, err := w.loader.Load()
	if err != nil {
		w.logger.Error("Snapshot reload failed", "error", err.Error())
		return
	}
	restored := w.engine.RestoreMonitors(res.Monitors)
	w.logger.Info("Monitors reloaded from snapshot",
		"restored", restored, "on_disk", len(res.Monitors))
}

// remove consumes a processed marker. A marker that cannot be removed
// re-triggers next poll; every signal is idempotent so this is noise,
// not damage.
func (w *Watcher) remove(name string) {
	path := filepath.Join(w.dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove signal file", "path", path, "error", err.Error())
	}
}

// warnNearMisses logs leftover files that look like mistyped signals,
// once per name while the file sits there.
func (w *Watcher) warnNearMisses(present map[string]struct{}) {
	for name := range present {
		if !strings.HasPrefix(name, "reload") && !strings.HasPrefix(name, "execution_mode") {
			continue
		}
		if !w.warned[name] {
			w.warned[name] = true
			w.logger.Warn("Ignoring unrecognized signal file", "name", name)
		}
	}
	for name := range w.warned {
		if _, ok := present[name]; !ok {
			delete(w.warned, name)
		}
	}
}
