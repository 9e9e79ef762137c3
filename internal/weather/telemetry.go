package weather

import (
	"context"
	"time"
)

// Cache event names emitted per envelope.
const (
	EventCacheHit   = "cache_hit"
	EventCacheMiss  = "cache_miss"
	EventCacheStale = "cache_stale"
)

// CacheEvent describes the outcome of one section read.
type CacheEvent struct {
	Name     string
	Tenant   string
	Section  string
	Source   Source
	Degraded bool
}

// ProviderCall describes one upstream call.
type ProviderCall struct {
	Provider string
	Tenant   string
	Section  SectionKind
	Latency  time.Duration
	Success  bool
}

// BundleStats describes one served bundle.
type BundleStats struct {
	Tenant            string
	SectionsRequested int
	PayloadBytes      int
	Degraded          bool
}

// Telemetry receives metric events from the gateway. Implementations must be
// safe for concurrent use and must not block.
type Telemetry interface {
	CacheEvent(ctx context.Context, ev CacheEvent)
	ProviderCall(ctx context.Context, call ProviderCall)
	BundleServed(ctx context.Context, stats BundleStats)
}

type nopTelemetry struct{}

func (nopTelemetry) CacheEvent(context.Context, CacheEvent)     {}
func (nopTelemetry) ProviderCall(context.Context, ProviderCall) {}
func (nopTelemetry) BundleServed(context.Context, BundleStats)  {}

func eventForStatus(s Status) string {
	switch s {
	case StatusHit:
		return EventCacheHit
	case StatusStale:
		return EventCacheStale
	default:
		return EventCacheMiss
	}
}
