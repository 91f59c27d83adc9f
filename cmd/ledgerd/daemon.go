package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quietbay/ledgerd/internal/backup"
	"github.com/quietbay/ledgerd/internal/bus"
	"github.com/quietbay/ledgerd/internal/config"
	"github.com/quietbay/ledgerd/internal/health"
	"github.com/quietbay/ledgerd/internal/ledger"
	"github.com/quietbay/ledgerd/internal/maintenance"
	"github.com/quietbay/ledgerd/internal/metrics"
	"github.com/quietbay/ledgerd/internal/netmon"
	ledgerotel "github.com/quietbay/ledgerd/internal/otel"
	"github.com/quietbay/ledgerd/internal/outbox"
	"github.com/quietbay/ledgerd/internal/remote"
	"github.com/quietbay/ledgerd/internal/session"
	"github.com/quietbay/ledgerd/internal/storage"
	"github.com/quietbay/ledgerd/internal/telemetry"
)

func runDaemon(ctx context.Context, quietLogs bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := ledgerotel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	instruments, err := ledgerotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	recorder := metrics.New(instruments)

	engine, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer engine.Close()

	store := ledger.New(engine, logger)
	if err := store.InitSchema(ctx); err != nil {
		fatalStartup(logger, "E_SCHEMA_MIGRATE", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	eventBus := bus.New()

	var remoteStore remote.Store
	if strings.TrimSpace(cfg.Remote.BaseURL) != "" {
		client := &http.Client{Timeout: time.Duration(cfg.Remote.TimeoutSeconds) * time.Second}
		remoteStore, err = remote.NewHTTPStore(cfg.Remote.BaseURL, cfg.Remote.Token(), client)
		if err != nil {
			fatalStartup(logger, "E_REMOTE_INIT", err)
		}
	} else {
		logger.Warn("no remote base_url configured; writes will queue locally only")
	}

	monitor := netmon.New(
		netmon.ProberFor(cfg.Remote.WebSocketURL, cfg.Remote.ProbeURL),
		eventBus,
		time.Duration(cfg.NetProbeIntervalSeconds)*time.Second,
		logger,
	)

	queue, err := outbox.New(ctx, engine, remoteStore, eventBus, monitor.Online, outbox.Limits{
		MaxEntries:     cfg.Outbox.MaxEntries,
		MaxAge:         cfg.Outbox.MaxAge(),
		InlineAttempts: cfg.Outbox.InlineAttempts,
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_OUTBOX_INIT", err)
	}
	store.SetMirror(queue, "")

	tracker := session.New(queue, store, eventBus, logger)

	backupEngine, err := backup.New(store, eventBus, cfg.Backup.Dir, cfg.Backup.ChunkSize, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKUP_INIT", err)
	}
	healthMonitor := health.New(store, logger)

	bridgeDone := startMetricsBridge(ctx, eventBus, instruments)

	monitor.Start(ctx)
	defer monitor.Stop()

	// Identity normally arrives from the auth layer; the daemon binds a
	// fixed identity from the environment when one is set.
	if owner := strings.TrimSpace(os.Getenv("LEDGERD_OWNER_ID")); owner != "" {
		tracker.OnIdentityChanged(ctx, owner)
	}

	sched := maintenance.NewScheduler(maintenance.Config{Logger: logger})
	jobs := []struct {
		name string
		expr string
		run  func(ctx context.Context) error
	}{
		{"backup", cfg.Schedules.Backup, func(ctx context.Context) error {
			if _, err := backupEngine.CreateBackup(ctx); err != nil {
				return err
			}
			_, err := backupEngine.Prune(cfg.Backup.KeepLast)
			return err
		}},
		{"health_check", cfg.Schedules.HealthCheck, func(ctx context.Context) error {
			report := healthMonitor.Run(ctx)
			eventBus.Publish(bus.TopicHealthReport, report)
			return nil
		}},
		{"outbox_purge", cfg.Schedules.OutboxPurge, func(ctx context.Context) error {
			_, err := queue.PurgeStale(ctx)
			return err
		}},
		{"log_prune", cfg.Schedules.LogPrune, func(ctx context.Context) error {
			_, err := store.PruneActivityLog(ctx, cfg.ActivityRetentionDays)
			return err
		}},
	}
	for _, job := range jobs {
		job := job
		err := sched.Register(job.name, job.expr, func(ctx context.Context) error {
			ctx, span := ledgerotel.StartSpan(ctx, otelProvider.Tracer, "maintenance."+job.name,
				ledgerotel.AttrOperation.String(job.name))
			defer span.End()
			return recorder.Track(ctx, "maintenance."+job.name, job.run)
		})
		if err != nil {
			fatalStartup(logger, "E_SCHEDULE_REGISTER", fmt.Errorf("register %s: %w", job.name, err))
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfigReloads(ctx, watcher, cfg, logger)
	}

	logger.Info("ledgerd running", "version", Version, "db_path", cfg.DBPath, "online", monitor.Online())

	<-ctx.Done()

	logger.Info("shutting down", "owner_bound", tracker.OwnerID() != "")
	queue.Stop()
	<-bridgeDone
	return 0
}

// startMetricsBridge feeds the OTel instruments from bus events so the
// components themselves stay free of metrics plumbing.
func startMetricsBridge(ctx context.Context, eventBus *bus.Bus, instruments *ledgerotel.Metrics) <-chan struct{} {
	sub := eventBus.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				recordEventMetric(ctx, ev, instruments)
			}
		}
	}()
	return done
}

func recordEventMetric(ctx context.Context, ev bus.Event, m *ledgerotel.Metrics) {
	switch ev.Topic {
	case bus.TopicSyncQueued:
		// A superseding write replaced a parked row; no new entry.
		if entry, ok := ev.Payload.(bus.SyncEntryEvent); !ok || !entry.Superseded {
			m.SyncQueueDepth.Add(ctx, 1)
		}
	case bus.TopicSyncDelivered:
		m.SyncDelivered.Add(ctx, 1)
	case bus.TopicSyncDrained:
		// Drain discards publish their own discarded events; only the
		// deliveries still need removing from the depth gauge here.
		if drained, ok := ev.Payload.(bus.SyncDrainedEvent); ok {
			m.SyncQueueDepth.Add(ctx, -int64(drained.Delivered))
		}
	case bus.TopicSyncDiscarded:
		reason := ""
		if entry, ok := ev.Payload.(bus.SyncEntryEvent); ok {
			reason = entry.Reason
		}
		m.SyncQueueDepth.Add(ctx, -1)
		m.SyncDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	case bus.TopicBackupDone:
		if backupDone, ok := ev.Payload.(bus.BackupDoneEvent); ok {
			m.BackupBytes.Add(ctx, backupDone.CompressedSize)
		}
	case bus.TopicBackupProgress:
		m.BackupRecords.Add(ctx, 1)
	case bus.TopicHealthReport:
		if report, ok := ev.Payload.(*health.Report); ok && !report.IsValid {
			m.HealthFailures.Add(ctx, 1)
		}
	}
}

func watchConfigReloads(ctx context.Context, watcher *config.Watcher, current config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			if next.Fingerprint() == current.Fingerprint() {
				logger.Info("config file touched, no effective change")
				continue
			}
			// Storage and sync wiring are built at startup; a changed
			// fingerprint needs a restart to take effect.
			logger.Warn("config changed on disk; restart to apply", "path", ev.Path)
			current = next
		}
	}
}
