package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schoolbus-tracking/internal/anomaly"
	"schoolbus-tracking/internal/bus"
	"schoolbus-tracking/internal/config"
	"schoolbus-tracking/internal/database"
	"schoolbus-tracking/internal/dispatch"
	"schoolbus-tracking/internal/distress"
	"schoolbus-tracking/internal/gateway/stripegw"
	"schoolbus-tracking/internal/geofence"
	"schoolbus-tracking/internal/handlers"
	"schoolbus-tracking/internal/kafka"
	"schoolbus-tracking/internal/location"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/notify"
	"schoolbus-tracking/internal/payments"
	"schoolbus-tracking/internal/rabbitmq"
	"schoolbus-tracking/internal/realtime"
	"schoolbus-tracking/internal/redis"
	"schoolbus-tracking/internal/routing"
	"schoolbus-tracking/internal/services"
	"schoolbus-tracking/internal/storage"
	"schoolbus-tracking/internal/storage/memory"
	"schoolbus-tracking/internal/storage/postgres"
)

const notifyTimeout = 3 * time.Second

func main() {
	// Загрузка конфигурации
	cfg := config.Load()

	// Инициализация логгера
	log := logger.New(&cfg.Logger)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.Info("Starting school bus tracking server...")

	// Доменное хранилище
	store, closeStore := openStore(cfg, log)
	defer closeStore()

	healthHandler := handlers.NewHealthHandler(store)

	// Кеш позиций и лимит отметок
	var (
		cache       location.Cache
		limiter     services.FixLimiter
		rateLimiter *services.RateLimiterService
	)
	switch cfg.Tracking.CacheDriver {
	case "redis":
		redisClient, err := redis.Connect(&cfg.Redis, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()

		cache = location.NewRedisCache(redisClient, log, cfg.Tracking.CacheTTL, cfg.Tracking.LastSeenRetention)
		rateLimiter = services.NewRateLimiterService(redisClient, &cfg.RateLimit, log)
		limiter = rateLimiter
		healthHandler.With("redis", handlers.PingFunc(redisClient.Health))
	default:
		cache = location.NewMemoryCache(cfg.Tracking.CacheTTL)
		log.Warn("In-memory location cache: rate limiting is disabled")
	}

	// Шина событий
	eventBus := openBus(cfg, log)
	publisher := dispatch.NewPublisher(eventBus, cfg.Kafka.Topics, log)
	notifier := notify.NewBestEffort(notify.NewBusNotifier(publisher), notifyTimeout, log)
	hub := realtime.NewHub(log)

	// Платёжный провайдер
	var (
		gw       services.PaymentGateway
		verifier services.WebhookVerifier
	)
	if cfg.Payments.StripeSecretKey != "" {
		stripe := stripegw.New(stripegw.Config{
			SecretKey:     cfg.Payments.StripeSecretKey,
			WebhookSecret: cfg.Payments.StripeWebhookSecret,
			SuccessURL:    cfg.Payments.SuccessURL,
			CancelURL:     cfg.Payments.CancelURL,
		})
		gw, verifier = stripe, stripe
		log.Info("Stripe payment gateway enabled")
	}

	// Инициализация сервисов
	trackingService := services.NewTrackingService(store, cache, limiter, publisher, hub, log)
	sessionService := services.NewSessionService(store, publisher, notifier, hub, log)
	optimizer := routing.NewOptimizer(cfg.Routing.AverageSpeedKmh, cfg.Routing.MaxTwoOptPasses)
	routeService := services.NewRouteService(store, optimizer, hub, log)
	ledger := payments.NewLedger(store, cfg.Payments.IdempotencyTTL, log)
	billingService := services.NewBillingService(ledger, store, gw, verifier, publisher, cfg.Payments.WebhookSecret, log)
	coordinator := distress.NewCoordinator(store, store, cache, notifier, hub, publisher,
		cfg.Tracking.AdminChannel, cfg.Tracking.DistressRadiusKm, log)
	tracker := geofence.NewTracker(geofence.NewEngine(cfg.Tracking.ApproachMultiplier), store, notifier, hub, publisher, log)

	// Регистрация обработчиков событий
	eventHandlers := &dispatch.Handlers{
		Positions:        tracker,
		Alerts:           coordinator,
		Webhooks:         billingService,
		Routes:           routeService,
		Notifications:    notify.NewLogNotifier(log),
		DistressRadiusKm: cfg.Tracking.DistressRadiusKm,
		Log:              log,
	}
	eventHandlers.Register(eventBus)

	if err := eventBus.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start event bus")
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			log.WithError(err).Error("Failed to stop event bus")
		}
	}()

	// Детектор пропавшего GPS
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	detector := anomaly.NewDetector(store, cache, coordinator, cfg.Tracking.SilenceThreshold, cfg.Tracking.SweepInterval, log)
	go detector.Run(ctx)

	// Настройка HTTP роутера
	router := handlers.Router{
		Health:   healthHandler,
		Tracking: handlers.NewTrackingHandler(trackingService, log),
		Sessions: handlers.NewSessionHandler(sessionService, log),
		Routes:   handlers.NewRouteHandler(routeService, log),
		Alerts:   handlers.NewAlertHandler(coordinator, log),
		Payments: handlers.NewPaymentHandler(billingService, log),
		Realtime: hub.ServeWS,
	}
	if rateLimiter != nil {
		router.RateLimit = handlers.NewRateLimitHandler(rateLimiter, log)
	}

	// Создание HTTP сервера
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(log),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Запуск сервера в горутине
	go func() {
		log.WithField("address", server.Addr).Info("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server exited")
}

// openStore подключает хранилище и применяет схему
func openStore(cfg *config.Config, log *logger.Logger) (storage.Store, func()) {
	if cfg.Store.Driver == "memory" {
		log.Warn("Using in-memory store, data is lost on restart")
		return memory.New(), func() {}
	}

	db, err := database.Connect(&cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		log.WithError(err).Fatal("Failed to apply database schema")
	}

	return postgres.New(db, log), func() { db.Close() }
}

// openBus создает транспорт шины событий по конфигурации
func openBus(cfg *config.Config, log *logger.Logger) bus.Bus {
	switch cfg.Bus.Driver {
	case "kafka":
		b, err := kafka.NewBus(&cfg.Kafka, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create Kafka bus")
		}
		return b
	case "rabbitmq":
		b, err := rabbitmq.NewBus(cfg.RabbitMQ, cfg.Kafka.Topics.All(), log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create RabbitMQ bus")
		}
		return b
	default:
		return bus.NewInProcess(cfg.Bus.Workers, cfg.Bus.Buffer, log)
	}
}
