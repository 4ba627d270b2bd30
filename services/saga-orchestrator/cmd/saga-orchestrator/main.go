package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mannapay/eventcore/events/consumer"
	"github.com/mannapay/eventcore/events/core"
	"github.com/mannapay/eventcore/events/outbox"
	"github.com/mannapay/eventcore/events/publisher"
	"github.com/mannapay/eventcore/events/saga"
	"github.com/mannapay/eventcore/events/transfer"
	"github.com/mannapay/eventcore/libs/config"
	"github.com/mannapay/eventcore/libs/db"
	"github.com/mannapay/eventcore/libs/httpx"
	"github.com/mannapay/eventcore/libs/kafkax"
	otelx "github.com/mannapay/eventcore/libs/otel"
	"github.com/mannapay/eventcore/libs/redisx"
	"github.com/mannapay/eventcore/libs/runtime"
	"github.com/mannapay/eventcore/services/saga-orchestrator/internal/admin"
	"github.com/mannapay/eventcore/services/saga-orchestrator/internal/sagas"
)

func main() {
	service := config.String("SERVICE_NAME", "saga-orchestrator")
	port, err := config.Port("PORT", "8092")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	redisURL, err := config.RequiredString("REDIS_URL")
	if err != nil {
		panic(err)
	}
	rdb, err := redisx.Open(ctx, redisURL)
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer func() { _ = rdb.Close() }()

	brokers := config.String("KAFKA_BROKERS", "")
	pub := publisher.New(logger, publisher.Config{
		Brokers: brokers,
		Source:  service,
	})
	defer func() { _ = pub.Close() }()

	// Saga commands are staged in this service's outbox and drained by the
	// same process, so a command commits with the saga row that caused it.
	outboxRepo := outbox.NewRepository(pool)
	outboxSvc := outbox.NewService(pool, outboxRepo, pub, logger, outbox.Config{
		Source:     service,
		PollEvery:  config.Duration("OUTBOX_POLL_INTERVAL", time.Second),
		BatchSize:  config.Int("OUTBOX_BATCH_SIZE", 100),
		MaxRetries: config.Int("OUTBOX_MAX_RETRIES", 5),
	})
	go outboxSvc.Run(ctx)
	go outboxSvc.RunCleanup(ctx)

	sagaRepo := saga.NewRepository()
	orchestrator := saga.NewOrchestrator(pool, sagaRepo, outboxSvc, logger, saga.OrchestratorConfig{
		StepTimeout: config.Duration("SAGA_STEP_TIMEOUT", 5*time.Minute),
		SweepEvery:  config.Duration("SAGA_SWEEP_INTERVAL", 30*time.Second),
	})
	go orchestrator.RunSweeper(ctx)

	processor := consumer.NewProcessor(consumer.NewRedisDedupStore(rdb), logger, consumer.DefaultDedupTTL)

	replyConsumer := consumer.New(logger, processor, consumer.Config{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "saga-orchestrator"),
		Topic:   saga.ReplyTopic,
	}, func(ctx context.Context, event core.DomainEvent) error {
		reply, ok := event.(*saga.Reply)
		if !ok {
			return consumer.NonRetryable(fmt.Errorf("unexpected event %T on reply topic", event))
		}
		return orchestrator.HandleReply(ctx, reply)
	})
	go replyConsumer.Run(ctx)

	// Transfers initiate the money-transfer saga.
	transferConsumer := consumer.New(logger, processor, consumer.Config{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "saga-orchestrator"),
		Topic:   transfer.Topic,
	}, func(ctx context.Context, event core.DomainEvent) error {
		initiated, ok := event.(*transfer.Initiated)
		if !ok {
			return nil
		}
		correlationID := initiated.CorrelationID
		if correlationID == "" {
			correlationID = initiated.TransferID
		}
		if _, err := sagaRepo.FindByCorrelationID(ctx, pool, correlationID); err == nil {
			logger.Info("saga already exists for transfer", "transfer_id", initiated.TransferID)
			return nil
		}
		_, err := orchestrator.Start(ctx, sagas.TransferSagaType, correlationID,
			sagas.TransferSteps(initiated), map[string]any{
				"transferId":   initiated.TransferID,
				"sourceAmount": initiated.SourceAmount,
			})
		return err
	})
	go transferConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.Handle("/metrics", promhttp.Handler())
	admin.New(pool, sagaRepo, orchestrator, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "saga-orchestrator")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
