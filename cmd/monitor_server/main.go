package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/alert"
	"tpsl_engine/internal/cache"
	"tpsl_engine/internal/config"
	"tpsl_engine/internal/core"
	"tpsl_engine/internal/engine"
	"tpsl_engine/internal/events"
	"tpsl_engine/internal/exchange/bybit"
	"tpsl_engine/internal/infrastructure/health"
	"tpsl_engine/internal/infrastructure/ops"
	"tpsl_engine/internal/journal"
	"tpsl_engine/internal/monitor"
	"tpsl_engine/internal/orderlink"
	"tpsl_engine/internal/persistence"
	"tpsl_engine/internal/scheduler"
	"tpsl_engine/internal/signalfile"
	"tpsl_engine/pkg/logging"
	"tpsl_engine/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("monitor_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// 1. Load configuration from the environment (.env included)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if !cfg.Engine.Enabled {
		logger.Fatal("Enhanced TP/SL monitoring is disabled, refusing to start",
			"hint", "set ENABLE_ENHANCED_TP_SL=true")
	}

	logger.Info("Starting monitor_server",
		"version", version,
		"testnet", cfg.Exchange.UseTestnet,
		"mirror", cfg.Engine.MirrorEnabled,
		"metrics_port", cfg.System.MetricsPort,
	)

	// 3. Telemetry: Prometheus metrics plus stdout traces
	tele, err := telemetry.Setup("monitor_server")
	if err != nil {
		logger.Warn("Failed to initialize telemetry, continuing without", "error", err.Error())
	}

	clock := core.SystemClock{}

	// 4. Venue clients and per-account caches
	baseConcurrency := int64(cfg.Concurrency.MaxExchangeConcurrency)
	mainClient := bybit.NewClient(bybit.Options{
		Account:        core.AccountMain,
		BaseURL:        cfg.Exchange.BaseURL,
		APIKey:         string(cfg.Exchange.APIKey),
		APISecret:      string(cfg.Exchange.APISecret),
		MaxConcurrency: baseConcurrency,
		Logger:         logger,
	})
	venueClients := []*bybit.Client{mainClient}
	clients := map[core.Account]core.IExchangeClient{core.AccountMain: mainClient}
	accountCaches := []*cache.AccountCache{
		cache.NewAccountCache(cache.Options{
			Client:       mainClient,
			DefaultTTL:   cfg.Cache.DefaultTTL,
			ExecutionTTL: cfg.Cache.ExecutionTTL,
			Logger:       logger,
			Clock:        clock,
		}),
	}

	mirrorEnabled := cfg.Engine.MirrorEnabled
	if cfg.MirrorConfigured() {
		mirrorClient := bybit.NewClient(bybit.Options{
			Account:        core.AccountMirror,
			BaseURL:        cfg.Exchange.BaseURL,
			APIKey:         string(cfg.Exchange.MirrorAPIKey),
			APISecret:      string(cfg.Exchange.MirrorAPISecret),
			MaxConcurrency: baseConcurrency,
			Logger:         logger,
		})
		venueClients = append(venueClients, mirrorClient)
		clients[core.AccountMirror] = mirrorClient
		accountCaches = append(accountCaches, cache.NewAccountCache(cache.Options{
			Client:       mirrorClient,
			DefaultTTL:   cfg.Cache.DefaultTTL,
			ExecutionTTL: cfg.Cache.ExecutionTTL,
			Logger:       logger,
			Clock:        clock,
		}))
	} else if mirrorEnabled {
		logger.Warn("Mirror trading enabled but mirror credentials are missing, monitoring main only")
		mirrorEnabled = false
	}
	caches := cache.NewManager(accountCaches...)

	// 5. Persisted state
	store := persistence.NewStore(persistence.Options{
		Path:           cfg.Persistence.File,
		BackupDir:      cfg.Persistence.BackupDir,
		MaxBackups:     cfg.Persistence.MaxBackups,
		BatchInterval:  cfg.Persistence.BatchInterval,
		BackupInterval: cfg.Persistence.BackupInterval,
		Logger:         logger,
		Clock:          clock,
	})
	loadRes, err := store.Load()
	if err != nil {
		// Open positions still need watching; an unreadable snapshot only
		// costs the pre-restart records.
		logger.Error("Persisted state unrecoverable, starting empty", "error", err.Error())
		loadRes = &persistence.LoadResult{Monitors: map[string]*core.MonitorRecord{}}
	}

	// 6. Event journal, degrading to log-only when SQLite is unavailable
	var appender events.Appender
	jr, err := journal.Open(cfg.System.EventJournalPath, logger)
	if err != nil {
		logger.Warn("Event journal unavailable, events go to logs only", "error", err.Error())
	} else {
		appender = jr
		defer jr.Close()
	}

	// 7. Alert channels
	notifier := alert.NewAlertManager(logger)
	for _, name := range cfg.Alerts.Channels {
		switch name {
		case "log":
			notifier.AddChannel(alert.NewLogChannel(logger))
		case "telegram":
			token := string(cfg.Alerts.TelegramBotToken)
			if token == "" {
				logger.Warn("Telegram channel requested but TELEGRAM_BOT_TOKEN is empty")
				continue
			}
			notifier.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.DefaultChatID))
		case "slack":
			webhook := string(cfg.Alerts.SlackWebhookURL)
			if webhook == "" {
				logger.Warn("Slack channel requested but SLACK_WEBHOOK_URL is empty")
				continue
			}
			notifier.AddChannel(alert.NewSlackChannel(webhook))
		default:
			logger.Warn("Unknown alert channel", "channel", name)
		}
	}

	// 8. Core assembly: registry, emitter, pass runner, engine facade
	registry := engine.NewRegistry()
	links := orderlink.NewRegistry(clock)
	emitter := events.NewEmitter(notifier, appender, registry.PeerLimitFills, logger, clock)
	runner := monitor.NewRunner(monitor.Options{
		Clients:              clients,
		Caches:               caches,
		Links:                links,
		Emitter:              emitter,
		Logger:               logger,
		Clock:                clock,
		FeeRate:              decimal.NewFromFloat(cfg.Engine.BreakevenFeeRate),
		SafetyMargin:         decimal.NewFromFloat(cfg.Engine.BreakevenSafetyMargin),
		ProtectForeignOrders: cfg.Engine.ExternalOrderProtection,
		KeepEntryLimitsOnTP1: !cfg.Engine.CancelLimitsOnTP1,
	})
	eng := engine.New(engine.Options{
		Registry:      registry,
		Runner:        runner,
		Clients:       clients,
		Links:         links,
		Store:         store,
		Logger:        logger,
		Clock:         clock,
		Enabled:       cfg.Engine.Enabled,
		MirrorEnabled: mirrorEnabled,
		DefaultChatID: cfg.Alerts.DefaultChatID,
	})

	// 9. Price stream follows the active monitor set
	stream := bybit.NewPriceStream(cfg.Exchange.WSPublicURL, eng.ActiveSymbols, logger, clock)

	// 10. Scheduler
	sched := scheduler.New(scheduler.Options{
		Registry: registry,
		Runner:   runner,
		Caches:   caches,
		Prices:   stream,
		Store:    store,
		Logger:   logger,
		Clock:    clock,
		Intervals: scheduler.Intervals{
			Critical: cfg.Monitoring.CriticalInterval,
			Urgent:   cfg.Monitoring.UrgentInterval,
			Active:   cfg.Monitoring.ActiveInterval,
			Building: cfg.Monitoring.BuildingInterval,
			Stable:   cfg.Monitoring.StableInterval,
			Dormant:  cfg.Monitoring.DormantInterval,
		},
		BaseConcurrency:  cfg.Monitoring.MaxConcurrentMonitors,
		ExecutionModeTTL: cfg.Monitoring.ExecutionModeTTL,
		OnClosed:         eng.HandleClosed,
	})
	eng.BindModeController(sched)
	sched.OnExecutionMode(func(on bool) {
		limit := baseConcurrency
		if on {
			limit = int64(cfg.Concurrency.ExecutionExchangeConcurrency)
		}
		for _, c := range venueClients {
			c.SetMaxConcurrency(limit)
		}
	})

	// 11. Hand the engine its persisted state, then make it the source of
	// every future snapshot
	store.SetSource(eng.SnapshotState)
	eng.SetCounters(loadRes.Counters)
	restored := eng.RestoreMonitors(loadRes.Monitors)
	if restored > 0 {
		logger.Info("Resuming persisted monitors", "count", restored)
	}

	// 12. Background reconciliation against the venue
	recon := engine.NewReconciler(engine.ReconcilerOptions{
		Registry:             registry,
		Caches:               caches,
		Links:                links,
		Store:                store,
		Logger:               logger,
		Clock:                clock,
		Interval:             cfg.Engine.ReconcileInterval,
		AdoptPositions:       cfg.Engine.AdoptOrphanPositions,
		ProtectForeignOrders: cfg.Engine.ExternalOrderProtection,
	})

	// 13. Operator surface: health checks, metrics, signal files
	healthReg := health.NewRegistry(logger)
	healthReg.Register("cache", caches.HealthCheck(2*cfg.Engine.ReconcileInterval))
	healthReg.Register("persistence", store.HealthCheck())
	healthReg.Register("price_stream", stream.HealthCheck())
	healthReg.Register("scheduler", sched.HealthCheck())
	healthReg.Register("reconciler", recon.HealthCheck())

	opsServer := ops.NewServer(ops.Options{
		Port:          cfg.System.MetricsPort,
		Logger:        logger,
		Health:        healthReg,
		Counters:      eng.CountersSnapshot,
		ExecutionMode: sched.ExecutionModeActive,
	})
	watcher := signalfile.NewWatcher(signalfile.Options{
		Dir:     cfg.System.SignalDir,
		ModeTTL: cfg.Monitoring.ExecutionModeTTL,
		Engine:  eng,
		Loader:  store,
		Logger:  logger,
	})

	// 14. Bring everything up
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Start(ctx); err != nil {
		logger.Fatal("Failed to start persistence", "error", err.Error())
	}
	if err := stream.Start(ctx); err != nil {
		logger.Fatal("Failed to start price stream", "error", err.Error())
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", "error", err.Error())
	}
	if err := recon.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciler", "error", err.Error())
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start signal watcher", "error", err.Error())
	}
	opsServer.Start()

	logger.Info("monitor_server is running",
		"monitors", restored,
		"accounts", len(clients),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.System.MetricsPort),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal, gracefully shutting down...")

	// 15. Stop intake first, drain passes, then flush state
	watcher.Stop()
	recon.Stop()
	sched.Stop()
	stream.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Ops server shutdown failed", "error", err.Error())
	}
	if err := store.Stop(); err != nil {
		logger.Error("Final state flush failed", "error", err.Error())
	}
	if tele != nil {
		if err := tele.Shutdown(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err.Error())
		}
	}

	logger.Info("monitor_server stopped")
}
