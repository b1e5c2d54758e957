package messaging

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ChannelOpener открывает AMQP-каналы. Его реализуют *amqp.Connection и RabbitConnection.
type ChannelOpener interface {
	Channel() (*amqp.Channel, error)
}

// DialFunc устанавливает новое соединение с брокером.
type DialFunc func() (*amqp.Connection, error)

var _ ChannelOpener = (*RabbitConnection)(nil)

// RabbitConnection - общее соединение с RabbitMQ, которое переподключается при следующем
// запросе канала после разрыва. Одна попытка на вызов: паузы между попытками делает
// вызывающий (цикл опроса со своим backoff).
type RabbitConnection struct {
	dial   DialFunc
	logger *zap.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewRabbitConnection оборачивает уже установленное соединение conn (может быть nil).
func NewRabbitConnection(conn *amqp.Connection, dial DialFunc, logger *zap.Logger) *RabbitConnection {
	c := &RabbitConnection{
		conn:   conn,
		dial:   dial,
		logger: logger.Named("rabbit_connection"),
	}
	if conn != nil {
		c.watch(conn)
	}
	return c
}

// watch логирует разрыв соединения. Переподключение происходит лениво, в Channel.
func (c *RabbitConnection) watch(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if closeErr := <-notify; closeErr != nil {
			c.logger.Error("Соединение с RabbitMQ разорвано, переподключение при следующем запросе канала", zap.Error(closeErr))
		}
	}()
}

// Channel открывает канал, при необходимости сначала переподключаясь.
func (c *RabbitConnection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.redialLocked(); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if errors.Is(err, amqp.ErrClosed) {
		// Соединение закрылось между проверкой и открытием канала.
		if err := c.redialLocked(); err != nil {
			return nil, err
		}
		ch, err = c.conn.Channel()
	}
	return ch, err
}

func (c *RabbitConnection) redialLocked() error {
	if c.dial == nil {
		return fmt.Errorf("rabbitmq connection lost and no dialer configured: %w", amqp.ErrClosed)
	}
	conn, err := c.dial()
	if err != nil {
		c.logger.Warn("Не удалось переподключиться к RabbitMQ", zap.Error(err))
		return fmt.Errorf("rabbitmq redial: %w", err)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.watch(conn)
	c.logger.Info("Соединение с RabbitMQ восстановлено")
	return nil
}

// Close закрывает текущее соединение; после этого каналы не открываются.
func (c *RabbitConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
