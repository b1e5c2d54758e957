package repository

import (
	"context"
	"fmt"
	"time"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"go.uber.org/zap"
)

const (
	devicesForAccountQuery = `
        SELECT id, uid, push_platform, push_callback, push_public_key, push_auth_key, last_access_at
        FROM devices
        WHERE uid = $1
        ORDER BY created_at, id
    `
	accountExistsQuery     = `SELECT EXISTS (SELECT 1 FROM accounts WHERE uid = $1)`
	clearPushEndpointQuery = `
        UPDATE devices
        SET push_platform = NULL, push_callback = NULL, push_public_key = NULL, push_auth_key = NULL
        WHERE id = $1
    `
)

var _ interfaces.AccountDirectory = (*PostgresDirectory)(nil)

// deviceRow - строка таблицы devices. Push-колонки NULL, если endpoint не зарегистрирован или очищен.
type deviceRow struct {
	ID            string     `db:"id"`
	UID           string     `db:"uid"`
	PushPlatform  *string    `db:"push_platform"`
	PushCallback  *string    `db:"push_callback"`
	PushPublicKey *string    `db:"push_public_key"`
	PushAuthKey   *string    `db:"push_auth_key"`
	LastAccessAt  *time.Time `db:"last_access_at"`
}

func (r deviceRow) toDevice() models.Device {
	device := models.Device{ID: r.ID, AccountID: r.UID}
	if r.LastAccessAt != nil {
		device.LastSeenAt = *r.LastAccessAt
	}
	if r.PushCallback != nil && *r.PushCallback != "" {
		device.PushEndpoint = &models.Endpoint{
			Platform:  models.Platform(deref(r.PushPlatform)),
			Address:   *r.PushCallback,
			PublicKey: deref(r.PushPublicKey),
			AuthKey:   deref(r.PushAuthKey),
		}
	}
	return device
}

// PostgresDirectory - справочник устройств поверх общей с сервисом аккаунтов БД.
type PostgresDirectory struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

// NewPostgresDirectory создает справочник. db - обычно *pgxpool.Pool.
func NewPostgresDirectory(db interfaces.DBTX, logger *zap.Logger) *PostgresDirectory {
	return &PostgresDirectory{
		db:     db,
		logger: logger.Named("PostgresDirectory"),
	}
}

// DevicesForAccount возвращает устройства аккаунта. Нет устройств и нет аккаунта - models.ErrAccountNotFound.
func (d *PostgresDirectory) DevicesForAccount(ctx context.Context, accountID string) ([]models.Device, error) {
	log := d.logger.With(zap.String("account_id", accountID))

	var rows []deviceRow
	if err := pgxscan.Select(ctx, d.db, &rows, devicesForAccountQuery, accountID); err != nil {
		log.Error("Error selecting devices", zap.Error(err))
		return nil, fmt.Errorf("failed to select devices for account %s: %w", accountID, err)
	}

	if len(rows) == 0 {
		// Пустой список неоднозначен: аккаунт без устройств или аккаунта нет вовсе.
		var exists bool
		if err := d.db.QueryRow(ctx, accountExistsQuery, accountID).Scan(&exists); err != nil {
			log.Error("Error checking account existence", zap.Error(err))
			return nil, fmt.Errorf("failed to check account %s: %w", accountID, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
		}
		return []models.Device{}, nil
	}

	devices := make([]models.Device, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, row.toDevice())
	}
	log.Debug("Devices fetched", zap.Int("count", len(devices)))
	return devices, nil
}

// ClearPushEndpoint обнуляет push-колонки устройства. Само устройство остается.
func (d *PostgresDirectory) ClearPushEndpoint(ctx context.Context, deviceID string) error {
	log := d.logger.With(zap.String("device_id", deviceID))

	tag, err := d.db.Exec(ctx, clearPushEndpointQuery, deviceID)
	if err != nil {
		log.Error("Error clearing push endpoint", zap.Error(err))
		return fmt.Errorf("failed to clear push endpoint for device %s: %w", deviceID, err)
	}
	if tag.RowsAffected() == 0 {
		// Устройство удалили раньше нас - очищать нечего.
		log.Debug("Device not found while clearing push endpoint")
		return nil
	}
	log.Info("Push endpoint cleared")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
