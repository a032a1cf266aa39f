package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pocketshop/ordersync/internal/config"
	"github.com/pocketshop/ordersync/internal/dashboard"
	"github.com/pocketshop/ordersync/internal/feed"
	"github.com/pocketshop/ordersync/internal/repository"
	"github.com/pocketshop/ordersync/internal/repository/memory"
	"github.com/pocketshop/ordersync/internal/repository/postgres"
	"github.com/pocketshop/ordersync/internal/repository/rest"
	"github.com/pocketshop/ordersync/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "dashboard", "0.1.0", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("dashboard", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	var subscriber feed.Subscriber
	switch cfg.FeedDriver {
	case "kafka":
		subscriber = feed.NewKafkaSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
	case "redis":
		redisFeed := feed.NewRedisFeed(cfg.RedisAddr, logger)
		defer func() { _ = redisFeed.Close() }()
		subscriber = redisFeed
	}

	repo, cleanup, err := buildRepository(ctx, cfg, subscriber, logger)
	if err != nil {
		logger.Error("failed to build repository", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	server := dashboard.NewServer(repo, cfg.VendorID, logger)
	defer server.Close()

	// A failed first load is not fatal: the dashboard serves an empty
	// collection with the error recorded, and POST /refresh retries.
	if err := server.Start(ctx); err != nil {
		logger.Warn("initial order load failed", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(server.HandleState))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(server.HandleGetOrder))
	mux.HandleFunc("POST /orders/{id}/status", telemetry.WithHTTPRoute(server.HandleUpdateStatus))
	mux.HandleFunc("POST /refresh", telemetry.WithHTTPRoute(server.HandleRefresh))
	mux.HandleFunc("PUT /selection", telemetry.WithHTTPRoute(server.HandleSelect))
	mux.HandleFunc("DELETE /selection", telemetry.WithHTTPRoute(server.HandleClearSelection))
	mux.HandleFunc("GET /selection", telemetry.WithHTTPRoute(server.HandleGetSelection))
	mux.HandleFunc("GET /menu", telemetry.WithHTTPRoute(server.HandleMenu))
	mux.HandleFunc("GET /stock", telemetry.WithHTTPRoute(server.HandleStock))
	mux.HandleFunc("GET /ws", server.HandleWS)
	mux.HandleFunc("GET /healthz", server.HandleHealth)
	mux.Handle("GET /metrics", metricsHandler)

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: otelhttp.NewHandler(mux, "dashboard",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting dashboard", "addr", cfg.HTTPAddr, "vendor_id", cfg.VendorID, "repository", cfg.Repository, "feed", cfg.FeedDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func buildRepository(ctx context.Context, cfg config.Config, subscriber feed.Subscriber, logger *slog.Logger) (repository.Repository, func(), error) {
	switch cfg.Repository {
	case "demo":
		repo := memory.New()
		repo.SeedDemo(cfg.VendorID)
		if cfg.SimulateOrders {
			repo.StartSimulator(ctx, cfg.VendorID, cfg.SimulateEvery, logger)
		}
		return repo, func() {}, nil

	case "postgres":
		db, err := telemetry.OpenDB("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		opts := []postgres.Option{}
		if subscriber != nil {
			opts = append(opts, postgres.WithSubscriber(subscriber))
		}
		return postgres.New(db, logger, opts...), func() { _ = db.Close() }, nil

	case "rest":
		client := &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		opts := []rest.Option{}
		if cfg.BackendToken != "" {
			opts = append(opts, rest.WithAuthToken(cfg.BackendToken))
		}
		if subscriber != nil {
			opts = append(opts, rest.WithSubscriber(subscriber))
		}
		return rest.New(cfg.BackendURL, client, opts...), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown repository %q", cfg.Repository)
}
