package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/gaiaecotrack/tokenizer/internal/dispatch"
)

// ReplayConsumer drains the abandoned-mint queue and retries each unit once
// through the chain submitter. A unit that fails again is NACKed to the DLQ
// rather than requeued, so a dead node cannot spin the consumer.
type ReplayConsumer struct {
	conn          *Connection
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	submitter     dispatch.Submitter
	logger        *zap.Logger
}

// NewReplayConsumer creates the replay consumer. The abandoned queue and its
// DLQ are declared by the Publisher; the consumer only sets QoS.
func NewReplayConsumer(conn *Connection, queue string, prefetchCount int, submitter dispatch.Submitter, logger *zap.Logger) (*ReplayConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &ReplayConsumer{
		conn:          conn,
		channel:       ch,
		queue:         queue,
		prefetchCount: prefetchCount,
		submitter:     submitter,
		logger:        logger,
	}, nil
}

// Start starts consuming abandoned mint units
func (c *ReplayConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("mint replay consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("replay consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("replay message channel closed")
					return
				}
				c.replay(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *ReplayConsumer) replay(ctx context.Context, msg amqp.Delivery) {
	var record dispatch.AbandonedMint
	if err := json.Unmarshal(msg.Body, &record); err != nil {
		c.logger.Error("failed to unmarshal abandoned mint", zap.Error(err))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if err := c.submitter.MintTokens(ctx, record.Wallet, 1); err != nil {
		c.logger.Error("mint replay failed",
			zap.Error(err),
			zap.String("wallet", record.Wallet),
			zap.String("generator_id", record.GeneratorID),
		)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
		return
	}

	c.logger.Info("abandoned mint replayed successfully",
		zap.String("wallet", record.Wallet),
		zap.String("generator_id", record.GeneratorID),
		zap.Int("unit", record.Unit),
	)
}

// Close closes the consumer channel
func (c *ReplayConsumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
