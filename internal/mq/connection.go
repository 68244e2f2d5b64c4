// Package mq carries the optional RabbitMQ side of the worker: run events
// onto a topic exchange and abandoned mint units onto a durable replay
// queue. The whole package is inert when no broker URL is configured.
package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps the broker connection. The broker is a best-effort side
// channel here, not a dependency of the reconciliation pipeline: a
// connection lost mid-run degrades events and replay until restart, it
// never fails a run.
type Connection struct {
	conn   *amqp.Connection
	logger *zap.Logger
}

// NewConnection dials the broker and ties its shutdown to the fx lifecycle.
// A dropped connection is logged once via the close notification; the
// publisher and consumer surface their own channel errors after that.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq dial failed", zap.Error(err))
		return nil, fmt.Errorf("dial rabbitmq: %w (events and mint replay need a reachable broker; unset RABBITMQ_URL to run without them)", err)
	}

	mqConn := &Connection{conn: conn, logger: logger}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if reason, ok := <-closed; ok {
			logger.Warn("rabbitmq connection lost, events and mint replay degraded until restart",
				zap.String("reason", reason.Error()))
		}
	}()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connected", zap.String("vhost", conn.Config.Vhost))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if conn.IsClosed() {
				return nil
			}
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel opens a channel on the connection
func (c *Connection) Channel() (*amqp.Channel, error) {
	if c.conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection is closed")
	}
	return c.conn.Channel()
}
