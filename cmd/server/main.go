package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payrecon/internal/auth"
	"payrecon/internal/config"
	"payrecon/internal/handler"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/infrastructure/database"
	"payrecon/internal/infrastructure/lock"
	"payrecon/internal/infrastructure/mq"
	"payrecon/internal/infrastructure/provider"
	"payrecon/internal/job"
	"payrecon/internal/metrics"
	"payrecon/internal/repository"
	"payrecon/internal/service"
	"payrecon/pkg/idgen"
	"payrecon/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	workerID := flag.Int64("worker-id", 1, "snowflake worker id")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: cfg.Server.Name,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})

	if err := run(cfg, *workerID, log); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(cfg *config.Config, workerID int64, log zerolog.Logger) error {
	if err := idgen.Init(workerID); err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer, err := mq.NewKafkaProducer(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	guard, err := cache.NewWebhookEventGuard(redisClient, cfg.Webhook.EventTTL)
	if err != nil {
		return err
	}

	// 组装依赖
	bookings := repository.NewBookingRepository(db)
	authorizer := auth.NewRoleAuthorizer(cfg.Auth.ElevatedRoles)
	providerClient := provider.NewClient(&cfg.Provider, nil)
	audit := service.NewAuditRecorder(repository.NewAuditRepository(db), log, nil)
	notifier := service.NewBookingNotifier(bookings, audit, log)
	engine := service.NewEngine(db, cfg, audit, notifier, m, log)

	intentSvc := service.NewIntentService(db, bookings, audit, log)
	confirmSvc := service.NewConfirmService(engine, providerClient, audit, cfg.Provider.Timeout, m, log)
	refundSvc := service.NewRefundService(engine, providerClient, authorizer, lock.NewRedisLocker(redisClient), audit, cfg.Provider.Timeout, m, log)
	webhookSvc := service.NewWebhookGateway(cfg.Webhook.Secret, engine, refundSvc, guard, audit, m, log)
	recoverySvc := service.NewRecoveryService(engine, refundSvc, providerClient, authorizer, audit, cfg.Provider.Timeout, m, log)
	detector := service.NewAnomalyDetector(repository.NewAuditRepository(db), cfg.Anomaly, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg, log)
	go outboxSender.Start(ctx)

	expiryJob := job.NewIntentExpiryJob(db, engine, cfg, log)
	go expiryJob.Start(ctx)

	reconcileJob := job.NewProcessingReconcileJob(db, recoverySvc, log)
	go reconcileJob.Start(ctx)

	sweepJob := job.NewAnomalySweepJob(detector, cfg.Anomaly.Interval, m, log)
	go sweepJob.Start(ctx)

	h := handler.NewHandler(cfg.Server.Name, handler.Services{
		Intent:   intentSvc,
		Confirm:  confirmSvc,
		Webhook:  webhookSvc,
		Refund:   refundSvc,
		Recovery: recoverySvc,
		Alerts:   detector,
		Authz:    authorizer,
	}, log)
	router := handler.SetupRouter(h, auth.NewTokenParser(cfg.Auth.JWTSecret), registry, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	// 取消上下文，停止后台任务
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	notifier.Wait()

	log.Info().Msg("server stopped")
	return nil
}
