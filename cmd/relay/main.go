package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/push-relay/internal/config"
	"github.com/kursadbilgin/push-relay/internal/gateway"
	"github.com/kursadbilgin/push-relay/internal/handler"
	"github.com/kursadbilgin/push-relay/internal/infra/firebase"
	"github.com/kursadbilgin/push-relay/internal/infra/postgresql"
	"github.com/kursadbilgin/push-relay/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/push-relay/internal/infra/redis"
	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/kursadbilgin/push-relay/internal/queue"
	"github.com/kursadbilgin/push-relay/internal/repository"
	"github.com/kursadbilgin/push-relay/internal/service"
	"github.com/kursadbilgin/push-relay/internal/transport"
	"github.com/kursadbilgin/push-relay/internal/trigger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("push-relay stopped with error", zap.Error(err))
	}
	logger.Info("push-relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	var checks []handler.ReadinessCheck

	var firebaseClients *firebase.Clients
	if cfg.NeedsFirebase() {
		clients, err := firebase.NewClients(ctx, firebase.Options{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsJSON: cfg.FirebaseCredentialsJSON,
			Firestore:       cfg.StoreBackend == config.StoreBackendFirestore,
			Messaging:       cfg.Gateway == config.GatewayFCM,
		})
		if err != nil {
			return fmt.Errorf("firebase initialization failed: %w", err)
		}
		defer clients.Close() //nolint:errcheck
		firebaseClients = clients
	}

	var (
		store          repository.RecordStore
		firestoreStore *repository.FirestoreRecordStore
	)
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.Options{})
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()

		store = repository.NewGormRecordStore(db)
		checks = append(checks, handler.SQLCheck(sqlDB))
	case config.StoreBackendFirestore:
		firestoreStore = repository.NewFirestoreRecordStore(firebaseClients.Firestore, cfg.FirestoreCollection)
		store = firestoreStore
	default:
		logger.Warn("using in-memory record store, records are lost on restart")
		store = repository.NewMemoryRecordStore()
	}

	gw, err := newGateway(cfg, firebaseClients)
	if err != nil {
		return err
	}

	worker, err := service.NewDeliveryWorker(store, gw, service.DeliveryWorkerOptions{
		GatewayTimeout: cfg.GatewayTimeout(),
		StoreTimeout:   cfg.StoreTimeout(),
		MaxAttempts:    cfg.GatewayMaxAttempts,
		Concurrency:    cfg.WorkerConcurrency,
	}, logger.Named("worker"))
	if err != nil {
		return err
	}
	worker.SetMetrics(metrics)

	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		limiter, err := infraredis.NewSendRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			return err
		}
		locker, err := infraredis.NewDeliveryLocker(rdb, cfg.DeliveryLockTTL())
		if err != nil {
			return err
		}
		worker.SetRateLimiter(limiter)
		worker.SetLocker(locker)
		checks = append(checks, handler.RedisCheck(rdb))
	}

	// Long-running components are collected and started together once
	// everything is built.
	var runners []func(context.Context) error

	// intakePublisher announces new records; redeliveryPublisher is used by
	// the pending scanner. A Firestore watch sees inserts on its own, so only
	// redelivery needs a publisher there.
	var intakePublisher, redeliveryPublisher queue.Publisher
	switch cfg.Trigger {
	case config.TriggerRabbitMQ:
		mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer mq.Close()

		publisher := queue.NewRabbitMQPublisher(mq)
		defer publisher.Close() //nolint:errcheck
		intakePublisher, redeliveryPublisher = publisher, publisher
		consumer := queue.NewRabbitMQConsumer(mq, 1, logger.Named("consumer"))
		checks = append(checks, handler.ReadinessCheck{Name: "rabbitmq", Check: mq.Ping})

		runners = append(runners, func(ctx context.Context) error {
			return worker.Start(ctx, consumer)
		})
	case config.TriggerFirestore:
		watcher, err := trigger.NewFirestoreWatcher(firestoreStore.WatchQuery(), worker, cfg.WorkerConcurrency, logger.Named("watcher"))
		if err != nil {
			return err
		}
		inline, err := trigger.NewInlinePublisher(worker.HandleMessage)
		if err != nil {
			return err
		}
		redeliveryPublisher = inline

		runners = append(runners, watcher.Start)
	}

	scanner, err := service.NewPendingScanner(store, redeliveryPublisher, service.PendingScannerOptions{
		Interval:  cfg.PendingScanInterval(),
		Grace:     cfg.PendingGrace(),
		Retention: cfg.RetentionWindow(),
		Limit:     cfg.BatchPageSize,
	}, logger.Named("scanner"))
	if err != nil {
		return err
	}
	scanner.SetMetrics(metrics)
	runners = append(runners, scanner.Start)

	sweeper, err := service.NewRetentionSweeper(store, cfg.BatchPageSize, logger.Named("sweeper"))
	if err != nil {
		return err
	}
	sweeper.SetMetrics(metrics)

	schedule, err := service.NewSweepSchedule(sweeper, cfg.SweepSchedule, cfg.RetentionWindow(), cfg.SweepOnStart, logger.Named("sweeper"))
	if err != nil {
		return err
	}
	runners = append(runners, schedule.Start)

	intake, err := service.NewIntakeService(store, intakePublisher, logger.Named("intake"))
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "push-relay",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, checks...)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterNotificationRoutes(app, intake, schedule); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		g.Go(func() error {
			return runner(groupCtx)
		})
	}

	g.Go(func() error {
		logger.Info("push-relay api started",
			zap.Int("port", cfg.APIPort),
			zap.String("store", cfg.StoreBackend),
			zap.String("gateway", gw.Name()),
			zap.String("trigger", cfg.Trigger),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newGateway(cfg *config.Config, clients *firebase.Clients) (gateway.Gateway, error) {
	switch cfg.Gateway {
	case config.GatewayWebhook:
		return gateway.NewWebhookGateway(cfg.WebhookURL)
	default:
		return gateway.NewFCMGateway(clients.Messaging, gateway.DeliveryHints{
			AndroidChannelID: cfg.FCMAndroidChannelID,
			Sound:            cfg.FCMSound,
			Badge:            cfg.FCMBadge,
		})
	}
}
