package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tpsl_engine/internal/core"
	apperrors "tpsl_engine/pkg/errors"
	"tpsl_engine/pkg/retry"
	"tpsl_engine/pkg/telemetry"
)

// CurrentSchemaVersion is written into every snapshot. Version 1 predates
// last_known_size; the loader fills it from current_size.
const CurrentSchemaVersion = 2

const (
	DefaultBatchInterval  = 30 * time.Second
	DefaultBackupInterval = 15 * time.Minute
	DefaultMaxBackups     = 5

	backupTimeLayout = "20060102T150405"
	shutdownFlushMax = 5 * time.Second
)

// snapshotFile is the on-disk layout.
type snapshotFile struct {
	SchemaVersion int                            `json:"schema_version"`
	Monitors      map[string]*core.MonitorRecord `json:"monitors"`
	Counters      core.Counters                  `json:"counters"`
	LastBackupTs  int64                          `json:"last_backup_ts"`
}

// Source supplies the state to persist. The engine's registry provides it;
// implementations must return a consistent copy safe to marshal without
// further locking.
type Source func() (map[string]*core.MonitorRecord, core.Counters)

// LoadResult is what came off disk at startup.
type LoadResult struct {
	Monitors map[string]*core.MonitorRecord
	Counters core.Counters
	Migrated bool
}

// Options configures a Store.
type Options struct {
	Path           string
	BackupDir      string
	MaxBackups     int
	BatchInterval  time.Duration
	BackupInterval time.Duration
	Logger         core.ILogger
	Clock          core.Clock
}

// Store owns the snapshot file: atomic writes, backup rotation, a periodic
// flusher for dirty state and an immediate path for critical saves.
type Store struct {
	path           string
	backupDir      string
	maxBackups     int
	batchInterval  time.Duration
	backupInterval time.Duration
	logger         core.ILogger
	clock          core.Clock

	source   Source
	sourceMu sync.RWMutex

	// flushMu serializes pull+write so snapshots land on disk in order.
	flushMu    sync.Mutex
	lastBackup time.Time

	dirty    atomic.Bool
	degraded atomic.Bool

	errMu   sync.Mutex
	lastErr error

	stopChan chan struct{}
	doneChan chan struct{}
	started  atomic.Bool
}

// NewStore creates a store. Call Load before Start; set the state source
// with SetSource once the engine exists.
func NewStore(opts Options) *Store {
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = DefaultBatchInterval
	}
	if opts.BackupInterval <= 0 {
		opts.BackupInterval = DefaultBackupInterval
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(opts.Path), "backups")
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &Store{
		path:           opts.Path,
		backupDir:      opts.BackupDir,
		maxBackups:     opts.MaxBackups,
		batchInterval:  opts.BatchInterval,
		backupInterval: opts.BackupInterval,
		logger:         opts.Logger.WithField("component", "persistence"),
		clock:          opts.Clock,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
}

// SetSource wires the engine's state snapshot function.
func (s *Store) SetSource(src Source) {
	s.sourceMu.Lock()
	s.source = src
	s.sourceMu.Unlock()
}

// Load reads the snapshot file, falling back to the newest parseable backup
// when the main file is corrupt. A missing file is a fresh start, not an
// error.
func (s *Store) Load() (*LoadResult, error) {
	snap, err := s.readSnapshot(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No snapshot file, starting fresh", "path", s.path)
			return &LoadResult{Monitors: make(map[string]*core.MonitorRecord)}, nil
		}
		s.logger.Error("Snapshot unreadable, trying backups", "path", s.path, "error", err)
		snap, err = s.loadNewestBackup()
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	migrated := s.migrate(snap)
	if snap.LastBackupTs > 0 {
		s.lastBackup = time.UnixMilli(snap.LastBackupTs)
	}
	if migrated {
		// Persist the migrated shape on the next flush.
		s.dirty.Store(true)
	}

	s.logger.Info("Snapshot loaded",
		"monitors", len(snap.Monitors),
		"schema_version", snap.SchemaVersion,
		"migrated", migrated)

	return &LoadResult{Monitors: snap.Monitors, Counters: snap.Counters, Migrated: migrated}, nil
}

func (s *Store) readSnapshot(path string) (*snapshotFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if snap.Monitors == nil {
		snap.Monitors = make(map[string]*core.MonitorRecord)
	}
	return &snap, nil
}

func (s *Store) loadNewestBackup() (*snapshotFile, error) {
	names, err := s.backupNames()
	if err != nil || len(names) == 0 {
		return nil, fmt.Errorf("no usable backup: %w", err)
	}
	// backupNames sorts ascending; walk newest first.
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(s.backupDir, names[i])
		snap, err := s.readSnapshot(path)
		if err != nil {
			s.logger.Warn("Backup unreadable, skipping", "path", path, "error", err)
			continue
		}
		s.logger.Warn("Recovered state from backup", "path", path)
		return snap, nil
	}
	return nil, fmt.Errorf("all %d backups unreadable", len(names))
}

// migrate default-fills fields older snapshots lack. Returns true when
// anything changed.
func (s *Store) migrate(snap *snapshotFile) bool {
	changed := false
	if snap.SchemaVersion > CurrentSchemaVersion {
		s.logger.Warn("Snapshot schema is newer than this build, unknown fields were dropped",
			"schema_version", snap.SchemaVersion)
	}
	for key, rec := range snap.Monitors {
		if rec == nil {
			delete(snap.Monitors, key)
			changed = true
			continue
		}
		if rec.TPOrders == nil {
			rec.TPOrders = make(map[int]*core.TPDescriptor)
			changed = true
		}
		if rec.Phase == "" {
			rec.Phase = core.PhaseBuilding
			changed = true
		}
		if rec.LastKnownSize.IsZero() && !rec.CurrentSize.IsZero() {
			rec.LastKnownSize = rec.CurrentSize
			changed = true
		}
	}
	if snap.SchemaVersion < CurrentSchemaVersion {
		snap.SchemaVersion = CurrentSchemaVersion
		changed = true
	}
	return changed
}

// Start runs the periodic flusher until Stop.
func (s *Store) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Starting persistence flusher", "interval", s.batchInterval.String())
	go s.flushLoop(ctx)
	return nil
}

// Stop halts the flusher and commits a final snapshot best-effort.
func (s *Store) Stop() error {
	if !s.started.Load() {
		return nil
	}
	close(s.stopChan)
	<-s.doneChan

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushMax)
	defer cancel()
	if err := s.Flush(ctx, "shutdown"); err != nil {
		s.logger.Error("Final flush failed", "error", err)
		return err
	}
	return nil
}

func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.doneChan)
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.dirty.Load() {
				continue
			}
			if err := s.Flush(ctx, "periodic"); err != nil {
				s.logger.Error("Periodic flush failed", "error", err)
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// MarkDirty schedules a non-critical save for the next flusher tick.
func (s *Store) MarkDirty() {
	s.dirty.Store(true)
}

// Flush pulls state from the source and commits it now. Critical saves
// (create/delete, phase transition, TP fill, SL move, closure) call this
// directly; reason labels the telemetry counter.
func (s *Store) Flush(ctx context.Context, reason string) error {
	s.sourceMu.RLock()
	src := s.source
	s.sourceMu.RUnlock()
	if src == nil {
		return fmt.Errorf("%w: no state source wired", apperrors.ErrPersistenceDegraded)
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	// Clear before pulling: a mark racing in during the write stays set
	// and the next tick picks it up.
	s.dirty.Store(false)

	monitors, counters := src()
	now := s.clock.Now()
	snap := &snapshotFile{
		SchemaVersion: CurrentSchemaVersion,
		Monitors:      monitors,
		Counters:      counters,
	}
	if !s.lastBackup.IsZero() {
		snap.LastBackupTs = s.lastBackup.UnixMilli()
	}
	takeBackup := s.lastBackup.IsZero() || now.Sub(s.lastBackup) >= s.backupInterval
	if takeBackup {
		snap.LastBackupTs = now.UnixMilli()
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.dirty.Store(true)
		return s.fail(fmt.Errorf("marshal snapshot: %w", err))
	}

	err = retry.Do(ctx, retry.PersistencePolicy, func(error) bool { return true }, func() error {
		return s.writeAtomic(payload)
	})
	if err != nil {
		s.dirty.Store(true)
		return s.fail(err)
	}

	if takeBackup {
		s.rotateBackups(payload, now)
		s.lastBackup = now
	}

	s.recover()
	telemetry.GetGlobalMetrics().RecordPersistenceFlush(ctx, reason)
	s.logger.Debug("Snapshot flushed", "reason", reason, "monitors", len(monitors), "backup", takeBackup)
	return nil
}

// writeAtomic is temp + fsync + rename in the target's directory so the
// rename never crosses filesystems.
func (s *Store) writeAtomic(payload []byte) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *Store) rotateBackups(payload []byte, now time.Time) {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		s.logger.Error("Backup dir unavailable", "dir", s.backupDir, "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", s.baseName(), now.UTC().Format(backupTimeLayout))
	if err := os.WriteFile(filepath.Join(s.backupDir, name), payload, 0o644); err != nil {
		s.logger.Error("Backup write failed", "name", name, "error", err)
		return
	}

	names, err := s.backupNames()
	if err != nil {
		return
	}
	for len(names) > s.maxBackups {
		oldest := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(s.backupDir, oldest)); err != nil {
			s.logger.Warn("Backup prune failed", "name", oldest, "error", err)
		}
	}
}

// backupNames lists this snapshot's backups sorted ascending; the
// timestamp format makes lexical order chronological.
func (s *Store) backupNames() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, err
	}
	prefix := s.baseName() + "_"
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) baseName() string {
	return strings.TrimSuffix(filepath.Base(s.path), ".json")
}

// Degraded reports whether the last flush failed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// HealthCheck returns a check failing while the store is degraded.
func (s *Store) HealthCheck() func() error {
	return func() error {
		if !s.degraded.Load() {
			return nil
		}
		s.errMu.Lock()
		defer s.errMu.Unlock()
		return fmt.Errorf("%w: %v", apperrors.ErrPersistenceDegraded, s.lastErr)
	}
}

func (s *Store) fail(err error) error {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	if !s.degraded.Swap(true) {
		s.logger.Error("Persistence degraded, monitoring continues on in-memory state", "error", err)
		telemetry.GetGlobalMetrics().SetPersistenceDegraded(true)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrPersistenceDegraded, err)
}

func (s *Store) recover() {
	if s.degraded.Swap(false) {
		s.logger.Info("Persistence recovered")
		telemetry.GetGlobalMetrics().SetPersistenceDegraded(false)
	}
}
