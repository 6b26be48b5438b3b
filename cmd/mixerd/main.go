package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mixerd/alerts"
	"mixerd/audit"
	"mixerd/config"
	"mixerd/guard"
	"mixerd/mixer"
	"mixerd/models"
	"mixerd/noderpc"
	"mixerd/observability/logging"
	telemetry "mixerd/observability/otel"
	"mixerd/pool"
	"mixerd/recon"
	"mixerd/scheduler"
	"mixerd/server"
	"mixerd/worker"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to mixerd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MIXERD_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("mixerd: load config: %v", err)
	}

	logger := logging.Setup("mixerd", env, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	if otelCfg, ok := telemetry.FromEnv("mixerd", env); ok {
		shutdownTelemetry, err := telemetry.Init(context.Background(), otelCfg)
		if err != nil {
			log.Fatalf("mixerd: init telemetry: %v", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("mixerd: open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("mixerd: migrate schema: %v", err)
	}

	node := noderpc.NewClient(noderpc.Config{
		URL:      cfg.Node.URL,
		User:     cfg.Node.User,
		Password: cfg.Node.Password,
		Timeout:  cfg.Node.Timeout.Duration,
	})

	auditor := audit.NewRecorder(db)
	addrPool := pool.NewManager(db, auditor, logger)
	abuseGuard := guard.New(db, guard.Config{
		MinAmountSats:     cfg.Mixing.MinAmountSats,
		MaxAmountSats:     cfg.Mixing.MaxAmountSats,
		RateWindow:        cfg.Guard.RateWindow.Duration,
		RateLimit:         cfg.Guard.RateLimit,
		ReuseHorizon:      cfg.Guard.ReuseHorizon.Duration,
		ReuseSoftSubjects: cfg.Guard.ReuseSoftSubjects,
		ReuseHardSubjects: cfg.Guard.ReuseHardSubjects,
	}, auditor, logger)
	service := mixer.New(db, mixer.Config{
		Rounds:         cfg.Mixing.Rounds,
		HopsMin:        cfg.Mixing.HopsMin,
		HopsMax:        cfg.Mixing.HopsMax,
		DelayMin:       cfg.Mixing.DelayMin.Duration,
		DelayMax:       cfg.Mixing.DelayMax.Duration,
		FeeBasisPoints: cfg.Mixing.FeeBasisPoints(),
		ToleranceSats:  cfg.Mixing.ToleranceSats,
		DepositExpiry:  cfg.Mixing.DepositExpiry.Duration,
	}, addrPool, abuseGuard, auditor, logger)

	driver := scheduler.New(db, scheduler.Config{
		TickInterval:     cfg.Scheduler.TickInterval.Duration,
		MinConfirmations: cfg.Mixing.MinConfirmations,
		ToleranceSats:    cfg.Mixing.ToleranceSats,
		ClaimTimeout:     cfg.Scheduler.ClaimTimeout.Duration,
		Retention:        cfg.Scheduler.Retention.Duration,
		SweepHour:        cfg.Scheduler.SweepHour,
	}, service, node, auditor, logger)

	workers := worker.New(db, worker.Config{
		Count:        cfg.Workers.Count,
		PollInterval: cfg.Workers.PollInterval.Duration,
		RetryLimit:   cfg.Workers.RetryLimit,
		BackoffBase:  cfg.Workers.BackoffBase.Duration,
	}, service, addrPool, node, logger)

	dispatcher := alerts.New(db, alerts.Config{
		WebhookURL:  cfg.Alerts.WebhookURL,
		Interval:    cfg.Alerts.Interval.Duration,
		RateLimit:   cfg.Alerts.RateLimit,
		RateWindow:  cfg.Alerts.RateWindow.Duration,
		HTTPTimeout: cfg.Alerts.HTTPTimeout.Duration,
	}, logger)

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		OutputDir: cfg.Recon.OutputDir,
		Alert: func(ctx context.Context, anomaly recon.Anomaly) error {
			row := models.SecurityAlert{
				Kind:     anomaly.Type,
				Severity: "warning",
				Detail:   anomaly.Details,
			}
			if anomaly.TxID != nil {
				row.Subject = anomaly.TxID.String()
			}
			return db.WithContext(ctx).Create(&row).Error
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("mixerd: reconciler: %v", err)
	}

	srv := server.New(server.Config{
		DB:      db,
		Service: service,
		Pool:    addrPool,
		Node:    node,
		Auditor: auditor,
		Guard:   cfg.Guard,
		Admin:   cfg.Admin,
		Logger:  logger,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := driver.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler exited", "err", err)
			stop()
		}
	}()
	go func() {
		if err := workers.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool exited", "err", err)
			stop()
		}
	}()
	go func() {
		if err := dispatcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("alert dispatcher exited", "err", err)
		}
	}()
	go func() {
		err := recon.Schedule(rootCtx, reconciler, recon.ScheduleConfig{
			RunHour:   cfg.Recon.RunHour,
			RunMinute: cfg.Recon.RunMinute,
			Disabled:  cfg.Recon.Disabled,
		}, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciliation scheduler exited", "err", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "mixerd.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("mixerd listening", "address", cfg.ListenAddress)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", "err", err)
		os.Exit(1)
	}
}

// openDatabase connects to postgres when a DSN is configured and falls back
// to an on-disk sqlite store for single-node deployments.
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	opts := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if strings.TrimSpace(cfg.DSN) != "" {
		return gorm.Open(postgres.Open(cfg.DSN), opts)
	}
	dsn, err := config.FileDSN(cfg.Path)
	if err != nil {
		return nil, err
	}
	return gorm.Open(sqlite.Open(dsn), opts)
}
