package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"profile-notifier/internal/interfaces"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ interfaces.EndpointPruner = (*RabbitEndpointPruner)(nil)

// EndpointPruneRequest - сообщение с просьбой очистить push endpoint устройства.
// Его читает сервис-владелец справочника устройств.
type EndpointPruneRequest struct {
	DeviceID    string    `json:"deviceId"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// RabbitEndpointPruner публикует запросы на очистку endpoint'ов в RabbitMQ
// вместо прямой записи в справочник.
type RabbitEndpointPruner struct {
	conn      ChannelOpener
	logger    *zap.Logger
	queueName string
}

// NewRabbitEndpointPruner создает publisher и проверяет, что очередь объявляется.
func NewRabbitEndpointPruner(conn ChannelOpener, queueName string, logger *zap.Logger) (*RabbitEndpointPruner, error) {
	if conn == nil {
		return nil, fmt.Errorf("RabbitMQ connection is nil")
	}

	pruner := &RabbitEndpointPruner{
		conn:      conn,
		logger:    logger.Named("endpoint_pruner").With(zap.String("queue", queueName)),
		queueName: queueName,
	}
	if err := pruner.verifyQueue(); err != nil {
		return nil, fmt.Errorf("failed to verify queue %s on init: %w", queueName, err)
	}

	pruner.logger.Info("EndpointPruner инициализирован")
	return pruner, nil
}

// verifyQueue проверяет доступность очереди при старте.
func (p *RabbitEndpointPruner) verifyQueue() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		p.queueName,
		true,  // durable (должно совпадать с consumer'ом)
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", p.queueName, err)
	}
	return nil
}

// ClearPushEndpoint публикует запрос на очистку endpoint'а устройства.
func (p *RabbitEndpointPruner) ClearPushEndpoint(ctx context.Context, deviceID string) error {
	log := p.logger.With(zap.String("device_id", deviceID))

	body, err := json.Marshal(EndpointPruneRequest{
		DeviceID:    deviceID,
		Reason:      "endpoint_gone",
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal prune request: %w", err)
	}

	// Канал на каждую публикацию: очистка редкая, держать отдельный канал незачем.
	ch, err := p.conn.Channel()
	if err != nil {
		log.Error("Не удалось открыть канал для публикации", zap.Error(err))
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx,
		"",          // exchange (default)
		p.queueName, // routing key (имя очереди)
		false,       // mandatory
		false,       // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		log.Error("Ошибка публикации запроса на очистку endpoint", zap.Error(err))
		return fmt.Errorf("failed to publish prune request: %w", err)
	}

	log.Debug("Запрос на очистку endpoint опубликован")
	return nil
}
