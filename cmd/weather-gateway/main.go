package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	httpapi "github.com/i474232898/weather-gateway/internal/api/http"
	"github.com/i474232898/weather-gateway/internal/config"
	"github.com/i474232898/weather-gateway/internal/scheduler"
	"github.com/i474232898/weather-gateway/internal/store"
	"github.com/i474232898/weather-gateway/internal/telemetry"
	"github.com/i474232898/weather-gateway/internal/weather"
	"github.com/i474232898/weather-gateway/internal/weather/providers"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	// Load configuration.
	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared HTTP client and resilience settings for outbound provider calls.
	httpCfg := providers.HTTPClientConfig{
		Client: &http.Client{Timeout: cfg.HTTPTimeout},
		Backoff: providers.BackoffConfig{
			MaxRetries:      cfg.ProviderMaxRetries,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
	if cfg.ProviderRPS > 0 {
		httpCfg.Limiter = rate.NewLimiter(rate.Limit(cfg.ProviderRPS), int(cfg.ProviderRPS)+1)
	}
	provider := newProvider(cfg, httpCfg)

	// Storage tiers. The hot store also holds the breaker counters.
	var (
		hot      weather.HotStore
		counters weather.CounterStore
		locker   weather.Locker
	)
	switch cfg.HotStore {
	case "redis":
		client, err := store.NewRedisClient(ctx, store.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Database: cfg.RedisDB,
		})
		if err != nil {
			log.Fatal("failed to connect hot store", zap.Error(err))
		}
		defer func() { _ = client.Close() }()
		redisHot := store.NewRedisHotStore(client)
		hot, counters = redisHot, redisHot
		locker = store.NewRedisLocker(client, cfg.LockLease)
	default:
		memHot, err := store.NewMemoryHotStore(cfg.HotStoreSize, nil)
		if err != nil {
			log.Fatal("failed to create hot store", zap.Error(err))
		}
		hot, counters = memHot, memHot
		locker = store.NewMemoryLocker(cfg.LockLease, nil)
	}

	cold, err := store.OpenSQLiteColdStore(cfg.ColdStorePath)
	if err != nil {
		log.Fatal("failed to open cold store", zap.Error(err))
	}
	defer func() { _ = cold.Close() }()

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := telemetry.Multi{telemetry.NewPrometheus(registry), telemetry.NewLog(log)}

	// Core gateway orchestrating the cache tiers and the provider.
	gateway := weather.NewGateway(weather.Deps{
		Provider:  provider,
		Hot:       hot,
		Cold:      cold,
		Locker:    locker,
		Breaker:   weather.NewCircuitBreaker(counters, cfg.BreakerThreshold, cfg.BreakerWindow),
		Policy:    weather.NewTTLPolicy(cfg.TTLs()),
		Jitter:    weather.NewJitter(cfg.TTLJitter, nil),
		Telemetry: sink,
		Logger:    log.Named("gateway"),
	}, weather.GatewayConfig{
		LockWait:    cfg.LockWait,
		DefaultDays: cfg.DefaultDays,
	})

	tenants := store.NewTenantDirectory(cfg.Tenants)

	// Scheduler that keeps tenant sections warm.
	sched := scheduler.New(tenants.All(), cfg.WarmInterval, gateway, log)
	if err := sched.Start(); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "weather-gateway",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"service":  "weather-gateway",
			"provider": gateway.ProviderName(),
			"tenants":  len(cfg.Tenants),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// API routes.
	httpapi.RegisterRoutes(app, gateway, tenants)

	go func() {
		log.Info("listening", zap.String("port", cfg.Port), zap.String("provider", provider.Name()), zap.Int("tenants", len(cfg.Tenants)))
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("fiber server stopped", zap.Error(err))
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
}

func newProvider(cfg *config.AppConfig, httpCfg providers.HTTPClientConfig) weather.Provider {
	switch cfg.Provider {
	case "weatherapi":
		return providers.NewWeatherAPIProvider(httpCfg, cfg.WeatherAPIKey)
	case "openweather":
		return providers.NewOpenWeatherProvider(httpCfg, cfg.OpenWeatherAPIKey)
	default:
		// Open-Meteo does not require an API key.
		return providers.NewOpenMeteoProvider(httpCfg)
	}
}
