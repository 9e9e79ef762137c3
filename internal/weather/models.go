package weather

import (
	"time"
)

// SectionKind identifies a category of weather data with its own TTL policy.
type SectionKind string

const (
	SectionForecast SectionKind = "forecast"
	SectionMarine   SectionKind = "marine"
)

// Valid reports whether k is a section the gateway knows how to serve.
func (k SectionKind) Valid() bool {
	return k == SectionForecast || k == SectionMarine
}

// Units selects the measurement system requested from the provider.
type Units string

const (
	UnitsMetric   Units = "metric"
	UnitsImperial Units = "imperial"
)

// Status describes how an envelope was produced.
type Status string

const (
	StatusHit   Status = "hit"
	StatusMiss  Status = "miss"
	StatusStale Status = "stale"
)

// Source names the tier an envelope's data came from.
type Source string

const (
	SourceHot      Source = "hot"
	SourceCold     Source = "cold"
	SourceProvider Source = "provider"
	SourceNone     Source = "none"
)

// Degradation reasons attached to stale envelopes.
const (
	ReasonCircuitOpen        = "circuit_open"
	ReasonStaleIfBusy        = "stale_if_busy"
	ReasonCircuitOpenedAfter = "circuit_opened_after_error"
	ReasonProviderError      = "provider_error"
	ReasonPartialFailure     = "partial_failure"
	ReasonAllSectionsFailed  = "all_sections_failed"
)

// Tenant is a client city whose requests are cached and circuit-broken
// independently of every other tenant.
type Tenant struct {
	Slug      string  `json:"slug"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Coastal   bool    `json:"coastal"`
}

// Options carries the caller's request shape. Zero values are resolved by the
// gateway: timezone from the tenant, units and days from configuration.
type Options struct {
	Timezone string `json:"timezone,omitempty"`
	Units    Units  `json:"units,omitempty"`
	Days     int    `json:"days,omitempty"`
}

// SectionRequest is the fully resolved shape of a single-section read.
// Equal requests always map to the same cache key.
type SectionRequest struct {
	Tenant   string
	Kind     SectionKind
	Timezone string
	Units    Units
	Days     int
}

// Key returns the cache key for this request.
func (r SectionRequest) Key() string {
	return SectionKey(r.Kind, r.Tenant, r.Timezone, r.Units, r.Days)
}

// Document is a normalized section payload.
type Document map[string]any

// Envelope wraps section data with its freshness and degradation provenance.
// GeneratedAt <= SoftExpiresAt <= StaleUntil always holds.
type Envelope struct {
	Data           Document
	GeneratedAt    time.Time
	SoftExpiresAt  time.Time
	StaleUntil     time.Time
	ETag           string
	Status         Status
	Source         Source
	Degraded       bool
	DegradedReason string
}

// CacheInfo is the wire representation of an envelope's provenance.
type CacheInfo struct {
	Cached         bool    `json:"cached"`
	Stale          bool    `json:"stale"`
	Status         Status  `json:"status"`
	Source         Source  `json:"source"`
	GeneratedAt    string  `json:"generated_at_utc"`
	ExpiresAt      string  `json:"expires_at_utc"`
	StaleUntil     string  `json:"stale_until_utc"`
	Degraded       bool    `json:"degraded"`
	DegradedReason *string `json:"degraded_reason"`
	ETag           *string `json:"etag"`
}

// WireEnvelope is the shape consumed by the API layer.
type WireEnvelope struct {
	Data  Document  `json:"data"`
	Cache CacheInfo `json:"cache"`
}

// Wire converts the envelope to its external JSON shape.
func (e Envelope) Wire() WireEnvelope {
	return WireEnvelope{
		Data:  e.Data,
		Cache: cacheInfo(e.Status, e.Source, e.GeneratedAt, e.SoftExpiresAt, e.StaleUntil, e.Degraded, e.DegradedReason, e.ETag),
	}
}

func cacheInfo(status Status, source Source, generated, soft, stale time.Time, degraded bool, reason, etag string) CacheInfo {
	info := CacheInfo{
		Cached:      source == SourceHot || source == SourceCold,
		Stale:       status == StatusStale,
		Status:      status,
		Source:      source,
		GeneratedAt: formatUTC(generated),
		ExpiresAt:   formatUTC(soft),
		StaleUntil:  formatUTC(stale),
		Degraded:    degraded,
	}
	if reason != "" {
		info.DegradedReason = &reason
	}
	if etag != "" {
		info.ETag = &etag
	}
	return info
}

func formatUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// HotRecord is what the hot cache holds for a key. Its store expiry is the
// jittered soft TTL, so it may vanish before the cold record goes stale.
type HotRecord struct {
	Data          Document  `json:"data"`
	GeneratedAt   time.Time `json:"generated_at"`
	SoftExpiresAt time.Time `json:"soft_expires_at"`
	StaleUntil    time.Time `json:"stale_until"`
	ETag          string    `json:"etag"`
}

// ColdRecord is the durable last-known-good copy of a key.
// ExpiresAt bounds the maximum staleness ever servable from it.
type ColdRecord struct {
	Key       string
	Payload   Document
	Hash      string
	FetchedAt time.Time
	ExpiresAt time.Time
	LastError string
}
