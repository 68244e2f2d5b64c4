package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gaiaecotrack/tokenizer/internal/api"
	"github.com/gaiaecotrack/tokenizer/internal/chain"
	"github.com/gaiaecotrack/tokenizer/internal/config"
	"github.com/gaiaecotrack/tokenizer/internal/db"
	"github.com/gaiaecotrack/tokenizer/internal/dispatch"
	"github.com/gaiaecotrack/tokenizer/internal/mq"
	"github.com/gaiaecotrack/tokenizer/internal/reconcile"
	"github.com/gaiaecotrack/tokenizer/internal/repository"
	"github.com/gaiaecotrack/tokenizer/internal/telemetry"
	"github.com/gaiaecotrack/tokenizer/pkg/ws"
)

// eventSink fans run events out to the websocket hub and, when RabbitMQ is
// configured, publishes completed-run summaries onto the events exchange
type eventSink struct {
	hub        *ws.Hub
	publisher  *mq.Publisher
	routingKey string
	logger     *zap.Logger
}

func (s *eventSink) Publish(event reconcile.Event) {
	s.hub.Publish(event)

	if s.publisher == nil || event.Type != reconcile.EventRunCompleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.PublishEvent(ctx, s.routingKey, event); err != nil {
		s.logger.Warn("failed to publish run event", zap.Error(err))
	}
}

func startWorker(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	engine *reconcile.Engine,
	handler *api.Handler,
	hub *ws.Hub,
	conn *mq.Connection,
	chainClient *chain.Client,
) error {
	// Hub outlives individual requests; stop it with the app
	hubCtx, hubCancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go hub.Run(hubCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			hubCancel()
			return nil
		},
	})

	// HTTP surface
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServicePort),
		Handler: handler.Router(),
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server", zap.Int("port", cfg.ServicePort))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})

	// Daily reconciliation schedule in the configured timezone
	location, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("load schedule timezone %q: %w", cfg.Schedule.Timezone, err)
	}
	scheduler := cron.New(cron.WithLocation(location))
	_, err = scheduler.AddFunc(cfg.Schedule.CronSpec, func() {
		if _, err := engine.Run(context.Background()); err != nil {
			if errors.Is(err, reconcile.ErrAlreadyRunning) {
				logger.Warn("scheduled run skipped, another run in flight")
				return
			}
			logger.Error("scheduled run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register schedule %q: %w", cfg.Schedule.CronSpec, err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting scheduler",
				zap.String("cron", cfg.Schedule.CronSpec),
				zap.String("timezone", cfg.Schedule.Timezone))
			scheduler.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			<-scheduler.Stop().Done()
			return nil
		},
	})

	// Optional replay of abandoned mint units off the durable queue
	if conn != nil && cfg.RabbitMQ.ReplayEnabled {
		consumer, err := mq.NewReplayConsumer(conn, cfg.RabbitMQ.AbandonedQueue, cfg.RabbitMQ.PrefetchCount, chainClient, logger)
		if err != nil {
			return fmt.Errorf("create replay consumer: %w", err)
		}

		consumerCtx, consumerCancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				logger.Info("starting abandoned-mint replay consumer",
					zap.String("queue", cfg.RabbitMQ.AbandonedQueue))
				return consumer.Start(consumerCtx)
			},
			OnStop: func(ctx context.Context) error {
				consumerCancel()
				return consumer.Close()
			},
		})
	}

	return nil
}

// ProvideDBPool creates the database pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates the generator/credential repository
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideHoymilesClient creates the Hoymiles cloud client
func ProvideHoymilesClient(cfg *config.Config, repo *repository.Repository, logger *zap.Logger) *telemetry.HoymilesClient {
	return telemetry.NewHoymilesClient(cfg.Hoymiles.BaseURL, cfg.Hoymiles.RequestTimeout, cfg.Hoymiles.TokenTTL, repo, logger)
}

// ProvideGrowattClient creates the Growatt cloud client
func ProvideGrowattClient(cfg *config.Config, repo *repository.Repository, logger *zap.Logger) *telemetry.GrowattClient {
	return telemetry.NewGrowattClient(cfg.Growatt.BaseURL, cfg.Growatt.RequestTimeout, cfg.Growatt.PlantCacheTTL, repo, logger)
}

// ProvideChainSession creates the lazy node session
func ProvideChainSession(cfg *config.Config, logger *zap.Logger) *chain.Session {
	return chain.NewSession(cfg.Chain.NodeURL, cfg.Chain.Mnemonic, logger)
}

// ProvideChainClient creates the contract client
func ProvideChainClient(cfg *config.Config, session *chain.Session, logger *zap.Logger) (*chain.Client, error) {
	return chain.NewClient(session, cfg.Chain.ContractID, cfg.Chain.GasLimit, cfg.Chain.CommandTimeout, logger)
}

// ProvideMQConnection creates the RabbitMQ connection; nil when no broker
// is configured
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("rabbitmq disabled, events and mint replay are in-process only")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the event/abandoned-mint publisher; nil when no
// broker is configured
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	if conn == nil {
		return nil, nil
	}
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.AbandonedQueue, cfg.RabbitMQ.DLQQueue, logger)
}

// ProvideDispatcher creates the token dispatcher
func ProvideDispatcher(cfg *config.Config, chainClient *chain.Client, publisher *mq.Publisher, logger *zap.Logger) *dispatch.Dispatcher {
	var sink dispatch.AbandonSink
	if publisher != nil {
		sink = publisher
	}
	return dispatch.NewDispatcher(chainClient, sink, cfg.Dispatch.MaxAttempts, cfg.Dispatch.RetryDelay, cfg.Dispatch.PacingDelay, logger)
}

// ProvideHub creates the websocket hub
func ProvideHub(logger *zap.Logger) *ws.Hub {
	return ws.NewHub(logger)
}

// ProvideEngine creates the reconciliation engine
func ProvideEngine(
	cfg *config.Config,
	repo *repository.Repository,
	hoymiles *telemetry.HoymilesClient,
	growatt *telemetry.GrowattClient,
	dispatcher *dispatch.Dispatcher,
	hub *ws.Hub,
	publisher *mq.Publisher,
	logger *zap.Logger,
) *reconcile.Engine {
	sink := &eventSink{
		hub:        hub,
		publisher:  publisher,
		routingKey: cfg.RabbitMQ.EventsRoutingKey,
		logger:     logger,
	}
	return reconcile.NewEngine(repo, hoymiles, growatt, dispatcher, sink, logger)
}

// ProvideHandler creates the HTTP handler
func ProvideHandler(
	engine *reconcile.Engine,
	repo *repository.Repository,
	growatt *telemetry.GrowattClient,
	chainClient *chain.Client,
	hub *ws.Hub,
	logger *zap.Logger,
) *api.Handler {
	return api.NewHandler(engine, repo, growatt, chainClient, hub, logger)
}
