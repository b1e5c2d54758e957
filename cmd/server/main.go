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

	"profile-notifier/internal/config"
	"profile-notifier/internal/database"
	"profile-notifier/internal/dedup"
	"profile-notifier/internal/handler"
	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/logger"
	"profile-notifier/internal/messaging"
	"profile-notifier/internal/metrics"
	"profile-notifier/internal/models"
	"profile-notifier/internal/repository"
	"profile-notifier/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// --- Загрузка конфигурации ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	// --- Инициализация логгера ---
	zapLogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zapLogger.Info("Логгер инициализирован", zap.String("logLevel", cfg.Log.Level))

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Error("Сервис завершился с ошибкой", zap.Error(err))
		_ = zapLogger.Sync()
		os.Exit(1)
	}
	zapLogger.Info("Сервис уведомлений успешно остановлен.")
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	httpClient := &http.Client{Timeout: 10 * time.Second}

	// --- RabbitMQ (если нужен как источник или для очистки endpoint'ов) ---
	// После разрыва соединение переподключается при следующем запросе канала.
	var rabbitConn *messaging.RabbitConnection
	if len(cfg.RabbitMQ.Queues) > 0 || cfg.PruneVia == "rabbitmq" {
		conn, err := connectRabbitMQ(ctx, cfg.RabbitMQ.URI, zapLogger)
		if err != nil {
			return err
		}
		rabbitConn = messaging.NewRabbitConnection(conn, func() (*amqp.Connection, error) {
			return amqp.Dial(cfg.RabbitMQ.URI)
		}, zapLogger)
		defer rabbitConn.Close()
	}

	// --- Справочник аккаунтов ---
	var directory interfaces.AccountDirectory
	switch cfg.DirectoryBackend {
	case "http":
		directory = service.NewHTTPDirectory(httpClient, cfg.DirectoryURL, zapLogger, cfg.InterServiceSecret)
	default:
		pool, err := database.Connect(ctx, cfg.Database, zapLogger)
		if err != nil {
			return err
		}
		defer pool.Close()
		directory = repository.NewPostgresDirectory(pool, zapLogger)
	}

	var pruner interfaces.EndpointPruner = directory
	if cfg.PruneVia == "rabbitmq" {
		rabbitPruner, err := messaging.NewRabbitEndpointPruner(rabbitConn, cfg.RabbitMQ.PruneQueue, zapLogger)
		if err != nil {
			return err
		}
		pruner = rabbitPruner
	}

	// --- Дедупликация ---
	dedupStore, closeDedup, err := newDedupStore(ctx, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer closeDedup()

	// --- Транспорты ---
	router, err := newTransportRouter(ctx, cfg, httpClient, zapLogger)
	if err != nil {
		return err
	}

	dispatcher := service.NewDispatcher(router, pruner, service.DispatcherConfig{
		MaxInFlight:  cfg.Push.MaxInFlightPerEvent,
		SendTimeout:  cfg.Push.SendTimeout,
		PruneTimeout: cfg.Push.PruneTimeout,
	}, m, zapLogger)
	processor := messaging.NewProcessor(dedupStore, directory, dispatcher, m, zapLogger)

	// --- Источники сообщений ---
	receivers, memoryQueue, err := newReceivers(ctx, cfg, rabbitConn, zapLogger)
	if err != nil {
		return err
	}

	consumer, err := messaging.NewConsumer(receivers, processor, messaging.ConsumerConfig{
		Concurrency:       cfg.Worker.Concurrency,
		MaxBatch:          cfg.Queue.MaxBatch,
		WaitTimeout:       cfg.Queue.WaitTimeout,
		EventTimeout:      cfg.Worker.EventTimeout,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		LeaseExtendAfter:  cfg.Queue.LeaseExtendAfter,
		ShutdownGrace:     cfg.Worker.ShutdownGrace,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffMax:        cfg.Queue.BackoffMax,
	}, m, zapLogger)
	if err != nil {
		return err
	}

	// --- Служебный HTTP сервер ---
	var enqueuer handler.EventEnqueuer
	if memoryQueue != nil {
		enqueuer = memoryQueue
	}
	opsHandler := handler.NewOpsHandler(consumer, registry, enqueuer, zapLogger)
	opsSrv := &http.Server{
		Addr:              ":" + cfg.HealthCheckPort,
		Handler:           handler.NewRouter(opsHandler, zapLogger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zapLogger.Info("Запуск служебного HTTP сервера", zap.String("port", cfg.HealthCheckPort))
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("Ошибка служебного HTTP сервера", zap.Error(err))
			stop()
		}
	}()

	zapLogger.Info("Сервис уведомлений запущен", zap.Int("sources", len(receivers)))
	runErr := consumer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Ошибка при остановке служебного HTTP сервера", zap.Error(err))
	}
	return runErr
}

func newDedupStore(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (interfaces.DedupStore, func(), error) {
	if cfg.Dedup.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := dedup.NewRedisStore(ctx, client, cfg.Dedup.Window, zapLogger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	cache, err := dedup.NewWindowCache(cfg.Dedup.Window, cfg.Dedup.MaxEntries)
	if err != nil {
		return nil, nil, err
	}
	zapLogger.Info("In-memory dedup cache initialized", zap.Duration("window", cfg.Dedup.Window), zap.Int("max_entries", cfg.Dedup.MaxEntries))
	return cache, func() {}, nil
}

// newTransportRouter собирает отправителей по платформам. Ненастроенная платформа получает заглушку.
func newTransportRouter(ctx context.Context, cfg *config.Config, httpClient *http.Client, zapLogger *zap.Logger) (*service.TransportRouter, error) {
	fcmSender, err := service.NewFCMSender(ctx, cfg.FCM, zapLogger)
	if err != nil {
		return nil, err
	}
	if fcmSender == nil {
		zapLogger.Warn("FCM Sender не инициализирован (конфигурация отсутствует?), используется заглушка.")
		fcmSender = service.NewStubSender(models.PlatformFCM, zapLogger)
	}

	apnsSender, err := service.NewApnsSender(cfg.APNS, zapLogger)
	if err != nil {
		return nil, err
	}
	if apnsSender == nil {
		zapLogger.Warn("APNS Sender не инициализирован (конфигурация отсутствует?), используется заглушка.")
		apnsSender = service.NewStubSender(models.PlatformAPNS, zapLogger)
	}

	webPushSender, err := service.NewWebPushSender(httpClient, cfg.WebPush, zapLogger)
	if err != nil {
		return nil, err
	}
	if webPushSender == nil {
		zapLogger.Warn("Web Push Sender не инициализирован (нет VAPID ключей), используется заглушка.")
		webPushSender = service.NewStubSender(models.PlatformWebPush, zapLogger)
	}

	return service.NewTransportRouter(zapLogger, fcmSender, apnsSender, webPushSender), nil
}

func newReceivers(ctx context.Context, cfg *config.Config, rabbitConn *messaging.RabbitConnection, zapLogger *zap.Logger) ([]interfaces.QueueReceiver, *messaging.MemoryReceiver, error) {
	var receivers []interfaces.QueueReceiver

	if len(cfg.SQS.QueueURLs) > 0 {
		client, err := messaging.NewSQSClient(ctx, cfg.SQS)
		if err != nil {
			return nil, nil, err
		}
		for _, url := range cfg.SQS.QueueURLs {
			receivers = append(receivers, messaging.NewSQSReceiver(client, url, cfg.Queue.VisibilityTimeout, zapLogger))
		}
	}

	for _, queue := range cfg.RabbitMQ.Queues {
		r, err := messaging.NewRabbitReceiver(rabbitConn, queue, cfg.Worker.Concurrency, cfg.RabbitMQ.RequeueDelay, zapLogger)
		if err != nil {
			return nil, nil, err
		}
		receivers = append(receivers, r)
	}

	var memoryQueue *messaging.MemoryReceiver
	if cfg.Queue.Memory {
		memoryQueue = messaging.NewMemoryReceiver("memory", cfg.Queue.VisibilityTimeout, cfg.RabbitMQ.RequeueDelay)
		receivers = append(receivers, memoryQueue)
		zapLogger.Warn("Включена локальная in-memory очередь, события принимаются через POST /debug/events")
	}
	return receivers, memoryQueue, nil
}

// connectRabbitMQ подключается к RabbitMQ с повторными попытками.
func connectRabbitMQ(ctx context.Context, uri string, zapLogger *zap.Logger) (*amqp.Connection, error) {
	const maxRetries = 20
	retryDelay := 3 * time.Second

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := amqp.Dial(uri)
		if err == nil {
			zapLogger.Info("Подключение к RabbitMQ успешно установлено")
			return conn, nil
		}
		lastErr = err
		zapLogger.Warn("Не удалось подключиться к RabbitMQ, попытка переподключения...",
			zap.Error(err),
			zap.Int("retry", i+1),
			zap.Duration("delay", retryDelay),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, errors.Join(errors.New("не удалось подключиться к RabbitMQ"), lastErr)
}
