package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/gaiaecotrack/tokenizer/internal/dispatch"
)

// Publisher pushes reconciliation events and abandoned mint units to
// RabbitMQ. Abandoned units land on a durable queue so they can be replayed
// later instead of being lost outright.
type Publisher struct {
	conn           *Connection
	channel        *amqp.Channel
	eventsExchange string
	abandonedQueue string
	logger         *zap.Logger
}

// NewPublisher creates a publisher and declares its exchange and queues
func NewPublisher(conn *Connection, eventsExchange, abandonedQueue, dlqQueue string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		eventsExchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare events exchange: %w", err)
	}

	// Abandoned mints go to a durable queue backed by a DLQ so replay
	// failures are not silently dropped either
	args := map[string]interface{}{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQueue,
	}
	if _, err := ch.QueueDeclare(abandonedQueue, true, false, false, false, args); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare abandoned queue: %w", err)
	}
	if _, err := ch.QueueDeclare(dlqQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	return &Publisher{
		conn:           conn,
		channel:        ch,
		eventsExchange: eventsExchange,
		abandonedQueue: abandonedQueue,
		logger:         logger,
	}, nil
}

// PublishEvent publishes a reconciliation lifecycle event to the events
// exchange
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.eventsExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published reconciliation event", zap.String("routing_key", routingKey))
	return nil
}

// PublishAbandonedMint enqueues a permanently failed mint unit for replay
func (p *Publisher) PublishAbandonedMint(ctx context.Context, record dispatch.AbandonedMint) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal abandoned mint: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		"", // default exchange, direct to queue
		p.abandonedQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish abandoned mint: %w", err)
	}

	p.logger.Info("abandoned mint queued for replay",
		zap.String("wallet", record.Wallet),
		zap.String("generator_id", record.GeneratorID),
		zap.Int("unit", record.Unit),
	)
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
