package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"media-transfer-scheduler/internal/api"
	"media-transfer-scheduler/internal/batch"
	"media-transfer-scheduler/internal/config"
	"media-transfer-scheduler/internal/gateway"
	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/quota"
	"media-transfer-scheduler/internal/ratelimit"
	"media-transfer-scheduler/internal/service"
	"media-transfer-scheduler/internal/sink"
	"media-transfer-scheduler/internal/store"
	"media-transfer-scheduler/internal/transfer"
	"media-transfer-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.Env == "dev"})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defaults := models.TransferLimits{
		DailyLimit:   cfg.DefaultDailyLimit,
		MonthlyLimit: cfg.DefaultMonthlyLimit,
		PerItemLimit: cfg.DefaultPerItemLimit,
		Enabled:      cfg.LimitsEnabled,
	}
	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemory(defaults)
	default:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, defaults)
		if err != nil {
			logger.Error("connect postgres", logging.Err(err))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			logger.Error("migrations", logging.Err(err))
			os.Exit(1)
		}
		st = pg
	}

	loc, _ := time.LoadLocation(cfg.QuotaTimezone)
	ledger := quota.NewLedger(st, quota.Options{Location: loc}, logger)

	limiter := ratelimit.NewAdaptive(ratelimit.AdaptiveConfig{
		Initial:           cfg.RateInitial,
		Burst:             cfg.RateBurst,
		Min:               cfg.RateMin,
		Max:               cfg.RateMax,
		Window:            cfg.RateAdjustWindow,
		RecoverySuccesses: cfg.RateRecoverySuccesses,
		Grace:             cfg.ThrottleGrace,
	})
	defer limiter.Close()

	gwLog := logger.With(logging.String("component", "gateway"))
	public := gateway.New(gateway.Config{
		BaseURL:  cfg.GatewayURL,
		Token:    cfg.GatewayBotToken,
		Timeout:  cfg.GatewayTimeout,
		PartSize: cfg.S3PartSize,
	}, gwLog)
	var private *gateway.Client
	if cfg.GatewaySessionToken != "" {
		private = gateway.New(gateway.Config{
			BaseURL:  cfg.GatewayURL,
			Token:    cfg.GatewaySessionToken,
			Timeout:  cfg.GatewayTimeout,
			PartSize: cfg.S3PartSize,
		}, gwLog)
	}

	deps := transfer.Deps{
		Public:     public,
		Limiter:    limiter,
		Ledger:     ledger,
		Thumbnails: transfer.NewThumbnailer(cfg.ThumbDir),
		Logger:     logger.With(logging.String("component", "transfer")),
	}
	if private != nil {
		deps.Private = private
	}
	switch cfg.FallbackTransport {
	case "gateway":
		if private != nil {
			deps.Fallback = private
		} else {
			deps.Fallback = public
		}
	case "s3":
		uploader, err := sink.NewS3(ctx, sink.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			PartSize:  cfg.S3PartSize,
		}, public, logger.With(logging.String("component", "sink")))
		if err != nil {
			logger.Error("s3 sink", logging.Err(err))
			os.Exit(1)
		}
		deps.Fallback = uploader
	}
	orch := transfer.New(transfer.Config{
		TempDir:          cfg.TransferTempDir,
		ThrottleCeiling:  cfg.ThrottleCeiling,
		ProgressInterval: cfg.ProgressInterval,
		ProgressStep:     float64(cfg.ProgressStepPercent),
	}, deps)

	sched := worker.NewScheduler(worker.Config{
		Workers:  cfg.WorkerCount,
		Capacity: cfg.QueueCapacity,
	}, logger.With(logging.String("component", "scheduler")))
	sched.Start(context.Background(), cfg.WorkerCount)

	coord := batch.NewCoordinator(batch.Config{
		MaxItems:    cfg.BatchMaxItems,
		ReportEvery: cfg.BatchReportEvery,
	}, sched, orch, logger.With(logging.String("component", "batch")))

	downloads := service.New(service.Deps{
		Scheduler:       sched,
		Orchestrator:    orch,
		Batches:         coord,
		Ledger:          ledger,
		Reporters:       service.ChatReporters(public, logger),
		AuthorizedUsers: cfg.AuthorizedUsers,
		Logger:          logger,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	bucket := ratelimit.NewSubmissionBucket(redisClient, cfg.SubmitRateCapacity, cfg.SubmitRateRefill)

	server := api.New(downloads, bucket, logger.With(logging.String("component", "api")))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go janitor(ctx, downloads, cfg.JanitorInterval, cfg.CompletedRetention, logger)

	logger.Info("transferd listening",
		logging.String("port", cfg.HTTPPort),
		logging.Int("workers", cfg.WorkerCount),
		logging.Bool("full_access", downloads.HasFullAccess()),
		logging.String("fallback", cfg.FallbackTransport),
	)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", logging.Err(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("batch shutdown", logging.Err(err))
	}
	sched.Stop(cfg.StopTimeout)
}

// janitor evicts finished jobs older than retention until ctx ends.
func janitor(ctx context.Context, d *service.Downloads, every, retention time.Duration, log logging.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.ClearCompleted(retention); n > 0 {
				log.Debug("evicted finished jobs", logging.Int("count", n))
			}
		}
	}
}
