package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mannapay/eventcore/events/outbox"
	"github.com/mannapay/eventcore/events/publisher"
	"github.com/mannapay/eventcore/libs/config"
	"github.com/mannapay/eventcore/libs/db"
	"github.com/mannapay/eventcore/libs/httpx"
	"github.com/mannapay/eventcore/libs/kafkax"
	otelx "github.com/mannapay/eventcore/libs/otel"
	"github.com/mannapay/eventcore/libs/runtime"
	"github.com/mannapay/eventcore/services/outbox-relay/internal/admin"
)

func main() {
	service := config.String("SERVICE_NAME", "outbox-relay")
	port, err := config.Port("PORT", "8091")
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

	brokers := config.String("KAFKA_BROKERS", "")
	pub := publisher.New(logger, publisher.Config{
		Brokers: brokers,
		Source:  service,
	})
	defer func() { _ = pub.Close() }()

	repo := outbox.NewRepository(pool)
	svc := outbox.NewService(pool, repo, pub, logger, outbox.Config{
		Source:     service,
		PollEvery:  config.Duration("OUTBOX_POLL_INTERVAL", time.Second),
		BatchSize:  config.Int("OUTBOX_BATCH_SIZE", 100),
		MaxRetries: config.Int("OUTBOX_MAX_RETRIES", 5),
		Retention:  config.Duration("OUTBOX_RETENTION", 7*24*time.Hour),
		CleanEvery: config.Duration("OUTBOX_CLEAN_INTERVAL", time.Hour),
	})
	go svc.Run(ctx)
	go svc.RunCleanup(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.Handle("/metrics", promhttp.Handler())
	admin.New(svc, repo, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "outbox-relay")
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
