package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"awn/config"
	"awn/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// amqpChannel is the publishing half of *amqp.Channel
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AlertPublisher fans alert notices out to a RabbitMQ topic exchange for
// downstream consumers (care dashboards, audit, paging)
type AlertPublisher struct {
	config    *config.Config
	exchange  string
	conn      *amqp.Connection
	logger    *zap.Logger
	mu        sync.RWMutex
	channel   amqpChannel
	isClosing bool
}

// NewAlertPublisher connects and declares the alert exchange
func NewAlertPublisher(cfg *config.Config, logger *zap.Logger) (*AlertPublisher, error) {
	p := &AlertPublisher{
		config:   cfg,
		exchange: cfg.RabbitMQExchange,
		logger:   logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

// connect establishes connection to RabbitMQ and declares the exchange
func (p *AlertPublisher) connect() error {
	var (
		conn *amqp.Connection
		err  error
	)

	p.logger.Info("Connecting to RabbitMQ", zap.String("exchange", p.exchange))

	// Connect to RabbitMQ with retry
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(p.config.RabbitMQURL)
		if err == nil {
			break
		}

		p.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = channel
	p.mu.Unlock()

	p.logger.Info("Connected to RabbitMQ successfully", zap.String("exchange", p.exchange))

	go p.handleReconnect(conn)
	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (p *AlertPublisher) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))

	p.mu.RLock()
	closing := p.isClosing
	p.mu.RUnlock()
	if closing {
		p.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	p.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for {
		p.logger.Info("Attempting to reconnect to RabbitMQ...")
		if err := p.connect(); err == nil {
			p.logger.Info("Successfully reconnected to RabbitMQ")
			return
		} else {
			p.logger.Error("Failed to reconnect", zap.Error(err))
		}
		time.Sleep(5 * time.Second)
	}
}

func (p *AlertPublisher) Name() string { return "rabbitmq" }

// routingKey renders alert.<type>.<action>, e.g. alert.geofence_exit.raised
func routingKey(notice models.AlertNotice) string {
	return "alert." + strings.ToLower(string(notice.Alert.Type)) + "." + string(notice.Action)
}

// Notify publishes the notice as a persistent JSON message
func (p *AlertPublisher) Notify(ctx context.Context, notice models.AlertNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal alert notice: %w", err)
	}

	p.mu.RLock()
	channel := p.channel
	p.mu.RUnlock()
	if channel == nil {
		return errors.New("rabbitmq channel not available")
	}

	key := routingKey(notice)
	err = channel.PublishWithContext(ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    notice.Alert.ID + ":" + string(notice.Action),
			Type:         string(notice.Alert.Type),
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish alert notice: %w", err)
	}

	p.logger.Debug("Published alert notice to RabbitMQ",
		zap.String("alert_id", notice.Alert.ID),
		zap.String("routing_key", key))
	return nil
}

// Close gracefully closes RabbitMQ connection
func (p *AlertPublisher) Close() error {
	p.mu.Lock()
	p.isClosing = true
	channel, conn := p.channel, p.conn
	p.mu.Unlock()

	p.logger.Info("Closing RabbitMQ connection")

	if channel != nil {
		if err := channel.Close(); err != nil {
			p.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			p.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	p.logger.Info("RabbitMQ connection closed")
	return nil
}
