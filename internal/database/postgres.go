package database

import (
	"context"
	"fmt"
	"time"

	"profile-notifier/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Connect создает пул соединений с PostgreSQL, повторяя попытки cfg.MaxRetries раз.
// Ошибка после всех попыток фатальна для сервиса: без справочника устройств работать нельзя.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		// DSN некорректен, нет смысла пытаться дальше
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.MaxConnIdleTime = cfg.IdleTimeout

	maxRetries := max(cfg.MaxRetries, 1)
	log := logger.With(zap.String("host", cfg.Host), zap.String("db", cfg.Name))
	log.Info("Подключение к PostgreSQL", zap.Int("max_retries", maxRetries), zap.Duration("retry_delay", cfg.RetryDelay))

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err = tryConnect(ctx, poolConfig)
		if err == nil {
			log.Info("Успешное подключение к PostgreSQL", zap.Int("attempt", attempt))
			return pool, nil
		}
		log.Warn("Не удалось подключиться к PostgreSQL",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
			zap.Error(err),
		)
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("не удалось подключиться к БД после %d попыток: %w", maxRetries, err)
}

func tryConnect(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	// Таймаут на одну попытку подключения и пинга
	attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(attemptCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул соединений: %w", err)
	}
	if err := pool.Ping(attemptCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return pool, nil
}
