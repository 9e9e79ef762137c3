package weather

import (
	"context"
	"time"
)

// RawPayload is an upstream response decoded into generic JSON values.
// Vendors that do not natively answer in the columnar shape reshape into it
// before returning: top-level "latitude", "longitude", "elevation", "timezone",
// and "current", "hourly", "daily" objects.
type RawPayload map[string]any

// Capabilities describes what a provider can serve.
type Capabilities struct {
	HasMarine        bool
	SupportsTimezone bool
	MaxDays          int
}

// ProviderOptions is the request shape passed through to a provider.
type ProviderOptions struct {
	Timezone string
	Units    Units
	Days     int
}

// Provider abstracts an upstream forecast vendor (e.g. Open-Meteo, WeatherAPI, OpenWeather).
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Forecast(ctx context.Context, lat, lon float64, opts ProviderOptions) (RawPayload, error)
	Marine(ctx context.Context, lat, lon float64, opts ProviderOptions) (RawPayload, error)
}

// HotStore is the fast, short-retention cache checked first on every read.
type HotStore interface {
	GetHot(ctx context.Context, key string) (HotRecord, bool, error)
	PutHot(ctx context.Context, key string, rec HotRecord, ttl time.Duration) error
}

// ColdStore is the durable last-known-good store.
type ColdStore interface {
	GetCold(ctx context.Context, key string) (ColdRecord, bool, error)
	// PutCold upserts by key and clears any previous error.
	PutCold(ctx context.Context, rec ColdRecord) error
	// MarkError records the latest refresh failure on an existing record.
	// Missing keys are ignored.
	MarkError(ctx context.Context, key, message string) error
}

// CounterStore holds time-windowed counters. The window starts with the
// first increment; when it lapses the counter reads as zero again.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Lock is a held mutual-exclusion token.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants per-key locks with a bounded acquisition wait.
type Locker interface {
	// TryLock waits at most wait for the key. ok is false when the lock is
	// held elsewhere for the whole wait.
	TryLock(ctx context.Context, key string, wait time.Duration) (lock Lock, ok bool, err error)
}

// TenantResolver looks up tenants by slug.
type TenantResolver interface {
	Resolve(slug string) (Tenant, error)
	All() []Tenant
}
