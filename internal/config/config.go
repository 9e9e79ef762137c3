package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/i474232898/weather-gateway/internal/weather"
)

type AppConfig struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Provider selects the upstream vendor: openmeteo, weatherapi or openweather.
	Provider          string `env:"WEATHER_PROVIDER" envDefault:"openmeteo"`
	OpenWeatherAPIKey string `env:"OPENWEATHER_API_KEY"`
	WeatherAPIKey     string `env:"WEATHERAPI_API_KEY"`

	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	ProviderMaxRetries int           `env:"PROVIDER_MAX_RETRIES" envDefault:"0"`
	ProviderRPS        float64       `env:"PROVIDER_RPS" envDefault:"5"`

	ForecastSoftTTL time.Duration `env:"FORECAST_SOFT_TTL" envDefault:"15m"`
	ForecastHardTTL time.Duration `env:"FORECAST_HARD_TTL" envDefault:"4h"`
	MarineSoftTTL   time.Duration `env:"MARINE_SOFT_TTL" envDefault:"45m"`
	MarineHardTTL   time.Duration `env:"MARINE_HARD_TTL" envDefault:"6h"`
	TTLJitter       float64       `env:"TTL_JITTER" envDefault:"0.1"`

	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"3"`
	BreakerWindow    time.Duration `env:"BREAKER_WINDOW" envDefault:"5m"`

	LockWait  time.Duration `env:"LOCK_WAIT" envDefault:"750ms"`
	LockLease time.Duration `env:"LOCK_LEASE" envDefault:"30s"`

	// HotStore is "memory" or "redis". Redis also backs the lock and the
	// breaker counters so several gateway instances share them.
	HotStore      string `env:"HOT_STORE" envDefault:"memory"`
	HotStoreSize  int    `env:"HOT_STORE_SIZE" envDefault:"10000"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	ColdStorePath string `env:"COLD_STORE_PATH" envDefault:"weather-cold.db"`

	// WarmInterval controls how often every tenant section is refreshed in
	// the background. Zero disables warming.
	WarmInterval time.Duration `env:"WARM_INTERVAL" envDefault:"10m"`
	DefaultDays  int           `env:"DEFAULT_DAYS" envDefault:"7"`

	// Tenants is "slug|lat|lon|timezone|coastal" entries separated by ";".
	TenantsRaw string `env:"TENANTS"`

	Tenants []weather.Tenant `env:"-"`
}

// Load reads configuration from environment with sensible defaults. A .env
// file in the working directory is loaded first when present.
func Load(logger *zap.Logger) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", zap.Error(err))
	}
	return Parse(env.Options{})
}

// Parse builds an AppConfig from the process environment, or from
// opts.Environment when it is set.
func Parse(opts env.Options) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tenants, err := parseTenants(cfg.TenantsRaw)
	if err != nil {
		return nil, err
	}
	cfg.Tenants = tenants

	return cfg, nil
}

// TTLs returns the per-section TTL table.
func (c *AppConfig) TTLs() map[weather.SectionKind]weather.TTL {
	return map[weather.SectionKind]weather.TTL{
		weather.SectionForecast: {Soft: c.ForecastSoftTTL, Hard: c.ForecastHardTTL},
		weather.SectionMarine:   {Soft: c.MarineSoftTTL, Hard: c.MarineHardTTL},
	}
}

func (c *AppConfig) validate() error {
	switch c.Provider {
	case "openmeteo", "weatherapi", "openweather":
	default:
		return fmt.Errorf("invalid WEATHER_PROVIDER %q", c.Provider)
	}
	switch c.HotStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid HOT_STORE %q", c.HotStore)
	}
	if c.TTLJitter < 0 || c.TTLJitter >= 1 {
		return fmt.Errorf("invalid TTL_JITTER %v: must be in [0, 1)", c.TTLJitter)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("invalid BREAKER_THRESHOLD %d", c.BreakerThreshold)
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("invalid PROVIDER_MAX_RETRIES %d", c.ProviderMaxRetries)
	}
	if c.DefaultDays <= 0 {
		return fmt.Errorf("invalid DEFAULT_DAYS %d", c.DefaultDays)
	}
	return nil
}

func parseTenants(raw string) ([]weather.Tenant, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var tenants []weather.Tenant
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, "|")
		if len(fields) < 3 || len(fields) > 5 {
			return nil, fmt.Errorf("invalid TENANTS entry %q: want slug|lat|lon[|timezone[|coastal]]", entry)
		}

		slug := strings.ToLower(strings.TrimSpace(fields[0]))
		if slug == "" {
			return nil, fmt.Errorf("invalid TENANTS entry %q: empty slug", entry)
		}
		if _, dup := seen[slug]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", slug)
		}
		seen[slug] = struct{}{}

		lat, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil || lat < -90 || lat > 90 {
			return nil, fmt.Errorf("invalid latitude for tenant %q: %q", slug, fields[1])
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil || lon < -180 || lon > 180 {
			return nil, fmt.Errorf("invalid longitude for tenant %q: %q", slug, fields[2])
		}

		t := weather.Tenant{Slug: slug, Latitude: lat, Longitude: lon}
		if len(fields) > 3 {
			t.Timezone = strings.TrimSpace(fields[3])
		}
		if len(fields) > 4 && strings.TrimSpace(fields[4]) != "" {
			coastal, err := strconv.ParseBool(strings.TrimSpace(fields[4]))
			if err != nil {
				return nil, fmt.Errorf("invalid coastal flag for tenant %q: %w", slug, err)
			}
			t.Coastal = coastal
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}
