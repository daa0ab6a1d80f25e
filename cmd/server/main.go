package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/internal/remote"
	"fieldsync/internal/repository"
	"fieldsync/internal/service"
	"fieldsync/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 2. Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Infrastructure
	db, err := initDB(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	locker, closeLocker, err := initLocker(cfg.Etcd)
	if err != nil {
		return err
	}
	defer closeLocker()

	// 4. Initialize Repositories
	outboxRepo := repository.NewOutboxRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// 5. Initialize Services
	hub := service.NewHub(metrics.NewPrometheusObserver(), cfg.Stream.HeartbeatInterval, cfg.Stream.HubBufferSize, cfg.Stream.HistorySize)
	observer := metrics.NewOutboxObserver()

	outbox := service.NewOutbox(db, outboxRepo, auditRepo,
		service.WithEventSink(hub),
		service.WithObserver(observer),
		service.WithFeatureCap(cfg.Outbox.FeatureCap),
		service.WithFirstAttemptDelay(cfg.Outbox.FirstAttemptDelay),
	)

	submitters := service.NewFeatureRouter()
	remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.DeviceID, cfg.Remote.APIToken, cfg.Remote.Timeout).Register(submitters)

	delivery := service.NewDelivery(outbox, submitters, locker,
		service.WithSubmitTimeout(cfg.Outbox.SubmitTimeout),
		service.WithDeadLetter(cfg.Outbox.MaxAttempts, cfg.Outbox.DeadLetterPermanent),
		service.WithDeliveryObserver(observer),
	)
	scheduler := service.NewScheduler(outbox, delivery, cfg.Outbox.PollInterval,
		service.WithRetryPolicy(service.NewRetryPolicy(cfg.Outbox.Backoff, cfg.Outbox.PollInterval, cfg.Outbox.BackoffMax)),
		service.WithSchedulerObserver(observer),
	)
	manual := service.NewManualRetry(outbox, delivery, auditRepo, cfg.Outbox.ManualRetryDelay)
	writes := service.NewTimesheetService(outbox, submitters, delivery)

	authSvc, err := service.NewAuthService(rdb, cfg.Auth)
	if err != nil {
		return err
	}

	// 6. Start background routines
	go func() {
		logger.Info("starting hub")
		hub.Run(ctx)
	}()
	if depth, err := outbox.Depth(ctx); err == nil {
		observer.SetDepth(depth)
	}
	scheduler.Start(ctx)
	logger.Info("outbox ready", zap.Int("feature_cap", outbox.FeatureCap()))

	// 7. Setup HTTP Server
	r := api.RegisterRoutes(
		api.NewOutboxHandler(manual, hub),
		api.NewWriteHandler(writes),
		api.NewStreamHandler(hub),
		api.NewAuthHandler(authSvc),
		authSvc,
		rdb,
		api.RouterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			DevMode:           cfg.Auth.DevMode,
			AllowOrigins:      cfg.Server.AllowOrigins,
		},
	)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. Start Server
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("database", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 9. Graceful Shutdown Signal Wait
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("server listen failed", zap.Error(err))
	}
	logger.Info("shutting down...")

	// the current batch finishes so no entry is left in_flight without its store update
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Outbox.StopTimeout)
	defer stopCancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.Warn("scheduler did not stop in time", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// SSE handlers only return once the hub closes their channels
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows one writer; a single connection keeps commits ordered
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if err := db.Exec("PRAGMA synchronous=FULL").Error; err != nil {
			return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&model.OutboxEntry{}, &model.OutboxAudit{}, &model.FeatureSlot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// initLocker uses etcd when several agents share one store, otherwise an
// in-process lock is enough.
func initLocker(cfg config.EtcdConfig) (service.EntryLocker, func(), error) {
	if !cfg.Enabled {
		return service.NewLocalLocker(), func() {}, nil
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	locker, err := service.NewEtcdLocker(client, cfg.LockTTL, cfg.LockPrefix)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	return locker, func() {
		locker.Close()
		client.Close()
	}, nil
}
