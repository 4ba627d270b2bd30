package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mannapay/eventcore/events/consumer"
	"github.com/mannapay/eventcore/events/publisher"
	"github.com/mannapay/eventcore/events/saga"
	"github.com/mannapay/eventcore/libs/config"
	"github.com/mannapay/eventcore/libs/httpx"
	"github.com/mannapay/eventcore/libs/kafkax"
	otelx "github.com/mannapay/eventcore/libs/otel"
	"github.com/mannapay/eventcore/libs/redisx"
	"github.com/mannapay/eventcore/libs/runtime"
	"github.com/mannapay/eventcore/services/payment-participant/internal/participant"
)

func main() {
	service := config.String("SERVICE_NAME", participant.ServiceName)
	port, err := config.Port("PORT", "8093")
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

	stripeKey, err := config.RequiredString("STRIPE_SECRET_KEY")
	if err != nil {
		panic(err)
	}

	brokers := config.String("KAFKA_BROKERS", "")
	pub := publisher.New(logger, publisher.Config{
		Brokers: brokers,
		Source:  service,
	})
	defer func() { _ = pub.Close() }()

	handler := participant.New(pub, rdb, logger, stripeKey)

	processor := consumer.NewProcessor(consumer.NewRedisDedupStore(rdb), logger, consumer.DefaultDedupTTL)
	commandConsumer := consumer.New(logger, processor, consumer.Config{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", participant.ServiceName),
		Topic:   saga.CommandTopicPrefix + strings.ToLower(participant.ServiceName),
	}, handler.Handle)
	go commandConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.Handle("/metrics", promhttp.Handler())

	h := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	h = otelhttp.NewHandler(h, "payment-participant")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           h,
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
