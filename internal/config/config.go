package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"profile-notifier/internal/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config - конфигурация сервиса уведомлений об изменении профиля.
type Config struct {
	Queue    QueueConfig
	SQS      SQSConfig
	RabbitMQ RabbitMQConfig
	Worker   WorkerConfig
	Push     PushConfig
	Dedup    DedupConfig
	Database DatabaseConfig
	Redis    RedisConfig
	FCM      FCMConfig
	APNS     APNSConfig
	WebPush  WebPushConfig
	Log      logger.Config

	// DirectoryBackend: "postgres" (по умолчанию) или "http"
	DirectoryBackend string `yaml:"directory_backend" env:"DIRECTORY_BACKEND" env-default:"postgres"`
	DirectoryURL     string `yaml:"directory_url" env:"DIRECTORY_URL"` // Базовый URL внутреннего API аккаунтов (для http)
	// PruneVia: "directory" (по умолчанию) или "rabbitmq" - публиковать запросы на очистку в очередь
	PruneVia           string `yaml:"prune_via" env:"PRUNE_VIA" env-default:"directory"`
	InterServiceSecret string `yaml:"inter_service_secret" env:"INTER_SERVICE_SECRET"`
	HealthCheckPort    string `yaml:"health_check_port" env:"HEALTH_CHECK_PORT" env-default:"8088"`
}

type QueueConfig struct {
	MaxBatch          int           `yaml:"max_batch" env:"QUEUE_MAX_BATCH" env-default:"10"`
	WaitTimeout       time.Duration `yaml:"wait_timeout" env:"QUEUE_WAIT_TIMEOUT" env-default:"20s"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"QUEUE_VISIBILITY_TIMEOUT" env-default:"120s"`
	LeaseExtendAfter  time.Duration `yaml:"lease_extend_after" env:"QUEUE_LEASE_EXTEND_AFTER" env-default:"45s"`
	BackoffBase       time.Duration `yaml:"backoff_base" env:"QUEUE_BACKOFF_BASE" env-default:"1s"`
	BackoffMax        time.Duration `yaml:"backoff_max" env:"QUEUE_BACKOFF_MAX" env-default:"30s"`
	Memory            bool          `yaml:"memory" env:"MEMORY_QUEUE" env-default:"false"` // Локальная in-memory очередь (для разработки)
}

type SQSConfig struct {
	Region    string   `yaml:"region" env:"AWS_REGION" env-default:"us-east-1"`
	QueueURLs []string `yaml:"queue_urls" env:"SQS_QUEUE_URLS" env-separator:","`
	Endpoint  string   `yaml:"endpoint" env:"SQS_ENDPOINT"` // Переопределение endpoint (localstack, elasticmq)
}

type RabbitMQConfig struct {
	URI          string        `yaml:"uri" env:"RABBITMQ_URI"`
	Queues       []string      `yaml:"queues" env:"RABBITMQ_QUEUES" env-separator:","`
	RequeueDelay time.Duration `yaml:"requeue_delay" env:"RABBITMQ_REQUEUE_DELAY" env-default:"5s"`
	PruneQueue   string        `yaml:"prune_queue" env:"RABBITMQ_PRUNE_QUEUE" env-default:"push_endpoint_prunes"`
}

type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"20"`
	EventTimeout  time.Duration `yaml:"event_timeout" env:"WORKER_EVENT_TIMEOUT" env-default:"60s"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"WORKER_SHUTDOWN_GRACE" env-default:"15s"`
}

type PushConfig struct {
	MaxInFlightPerEvent int           `yaml:"max_in_flight_per_event" env:"PUSH_MAX_IN_FLIGHT" env-default:"20"`
	SendTimeout         time.Duration `yaml:"send_timeout" env:"PUSH_SEND_TIMEOUT" env-default:"10s"`
	PruneTimeout        time.Duration `yaml:"prune_timeout" env:"PUSH_PRUNE_TIMEOUT" env-default:"5s"`
}

type DedupConfig struct {
	// Backend: "memory" (по умолчанию) или "redis" (общий для нескольких инстансов)
	Backend    string        `yaml:"backend" env:"DEDUP_BACKEND" env-default:"memory"`
	Window     time.Duration `yaml:"window" env:"DEDUP_WINDOW" env-default:"30s"`
	MaxEntries int           `yaml:"max_entries" env:"DEDUP_MAX_ENTRIES" env-default:"100000"`
}

type DatabaseConfig struct {
	Host        string        `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port        string        `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User        string        `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password    string        `yaml:"password" env:"DB_PASSWORD"` // Если пусто, читается из /run/secrets/db_password
	Name        string        `yaml:"name" env:"DB_NAME" env-default:"accounts"`
	SSLMode     string        `yaml:"ssl_mode" env:"DB_SSL_MODE" env-default:"disable"`
	MaxConns    int           `yaml:"max_conns" env:"DB_MAX_CONNECTIONS" env-default:"10"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"DB_MAX_IDLE" env-default:"5m"`
	MaxRetries  int           `yaml:"max_retries" env:"DB_CONNECT_RETRIES" env-default:"10"`
	RetryDelay  time.Duration `yaml:"retry_delay" env:"DB_CONNECT_RETRY_DELAY" env-default:"3s"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL
func (c DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type FCMConfig struct {
	CredentialsPath string `yaml:"credentials_path" env:"FCM_CREDENTIALS_PATH"` // Путь к файлу ключа сервис-аккаунта
}

type APNSConfig struct {
	KeyID      string `yaml:"key_id" env:"APNS_KEY_ID"`
	TeamID     string `yaml:"team_id" env:"APNS_TEAM_ID"`
	KeyPath    string `yaml:"key_path" env:"APNS_KEY_PATH"`
	Topic      string `yaml:"topic" env:"APNS_TOPIC"`
	Production bool   `yaml:"production" env:"APNS_PRODUCTION" env-default:"false"`
}

type WebPushConfig struct {
	Subscriber      string `yaml:"subscriber" env:"WEBPUSH_SUBSCRIBER"` // mailto: или https: контакт для VAPID
	VAPIDPublicKey  string `yaml:"vapid_public_key" env:"WEBPUSH_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `yaml:"vapid_private_key" env:"WEBPUSH_VAPID_PRIVATE_KEY"`
}

// LoadConfig загружает конфигурацию из config.yml (если есть) или из переменных окружения.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yml"
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Printf("Config file '%s' not read (%v), falling back to environment", configPath, err)
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}

	if cfg.Database.Password == "" && cfg.DirectoryBackend == "postgres" {
		if secret, err := ReadSecret("db_password"); err == nil {
			cfg.Database.Password = secret
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Printf("Configuration loaded. SQS queues: %d, RabbitMQ queues: %d, memory queue: %t, workers: %d",
		len(cfg.SQS.QueueURLs), len(cfg.RabbitMQ.Queues), cfg.Queue.Memory, cfg.Worker.Concurrency)

	return &cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SQS.QueueURLs) == 0 && len(c.RabbitMQ.Queues) == 0 && !c.Queue.Memory {
		errs = append(errs, errors.New("no queue sources configured (SQS_QUEUE_URLS, RABBITMQ_QUEUES or MEMORY_QUEUE)"))
	}
	if len(c.RabbitMQ.Queues) > 0 && c.RabbitMQ.URI == "" {
		errs = append(errs, errors.New("RABBITMQ_URI is required when RABBITMQ_QUEUES is set"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency))
	}
	if c.Push.MaxInFlightPerEvent <= 0 {
		errs = append(errs, fmt.Errorf("push max in-flight must be positive, got %d", c.Push.MaxInFlightPerEvent))
	}
	if c.Queue.MaxBatch <= 0 || (c.Queue.MaxBatch > 10 && len(c.SQS.QueueURLs) > 0) {
		errs = append(errs, fmt.Errorf("queue max batch must be within 1..10 for SQS, got %d", c.Queue.MaxBatch))
	}
	// Окно дедупликации должно быть короче таймаута повторной доставки,
	// иначе новое событие может быть принято за дубликат.
	if c.Dedup.Window >= c.Queue.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("dedup window (%s) must be shorter than queue visibility timeout (%s)",
			c.Dedup.Window, c.Queue.VisibilityTimeout))
	}
	// Аренда продлевается до ее истечения и пока событие еще обрабатывается (0 - не продлевать).
	if c.Queue.LeaseExtendAfter > 0 {
		if c.Queue.LeaseExtendAfter >= c.Queue.VisibilityTimeout {
			errs = append(errs, fmt.Errorf("lease extension interval (%s) must be shorter than queue visibility timeout (%s)",
				c.Queue.LeaseExtendAfter, c.Queue.VisibilityTimeout))
		}
		if c.Worker.EventTimeout > 0 && c.Queue.LeaseExtendAfter >= c.Worker.EventTimeout {
			errs = append(errs, fmt.Errorf("lease extension interval (%s) must be shorter than event timeout (%s)",
				c.Queue.LeaseExtendAfter, c.Worker.EventTimeout))
		}
	}
	switch c.DirectoryBackend {
	case "postgres":
	case "http":
		if c.DirectoryURL == "" {
			errs = append(errs, errors.New("DIRECTORY_URL is required for the http directory backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown directory backend %q", c.DirectoryBackend))
	}
	switch c.PruneVia {
	case "directory":
	case "rabbitmq":
		if c.RabbitMQ.URI == "" {
			errs = append(errs, errors.New("RABBITMQ_URI is required when PRUNE_VIA=rabbitmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown prune target %q", c.PruneVia))
	}
	switch c.Dedup.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ReadSecret читает секрет из файла в стандартном пути Docker Secrets.
func ReadSecret(secretName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}
