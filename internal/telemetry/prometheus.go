// Package telemetry provides sinks for the gateway's cache and provider events.
package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/i474232898/weather-gateway/internal/weather"
)

// Prometheus records gateway events as Prometheus metrics.
type Prometheus struct {
	cacheEvents       *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	providerErrorRate *prometheus.SummaryVec
	sectionsRequested *prometheus.HistogramVec
	payloadKB         *prometheus.HistogramVec
}

// NewPrometheus registers the gateway metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "weather_cache_events_total",
			Help: "Section reads by outcome (cache_hit, cache_miss, cache_stale)",
		}, []string{"event", "tenant", "section", "source", "degraded"}),

		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weather_provider_latency_ms",
			Help:    "Upstream provider call latency in milliseconds",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "success"}),

		providerErrorRate: f.NewSummaryVec(prometheus.SummaryOpts{
			Name: "weather_provider_error_rate",
			Help: "One observation per provider call: 1 on failure, 0 on success",
		}, []string{"provider"}),

		sectionsRequested: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weather_bundle_sections_requested",
			Help:    "Number of sections requested per bundle",
			Buckets: []float64{1, 2, 3, 4},
		}, []string{"tenant"}),

		payloadKB: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weather_bundle_payload_kb",
			Help:    "Serialized bundle size in kilobytes",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"tenant"}),
	}
}

func (p *Prometheus) CacheEvent(_ context.Context, ev weather.CacheEvent) {
	p.cacheEvents.WithLabelValues(ev.Name, ev.Tenant, ev.Section, string(ev.Source), strconv.FormatBool(ev.Degraded)).Inc()
}

func (p *Prometheus) ProviderCall(_ context.Context, call weather.ProviderCall) {
	p.providerLatency.WithLabelValues(call.Provider, strconv.FormatBool(call.Success)).
		Observe(float64(call.Latency.Milliseconds()))
	errVal := 0.0
	if !call.Success {
		errVal = 1
	}
	p.providerErrorRate.WithLabelValues(call.Provider).Observe(errVal)
}

func (p *Prometheus) BundleServed(_ context.Context, stats weather.BundleStats) {
	p.sectionsRequested.WithLabelValues(stats.Tenant).Observe(float64(stats.SectionsRequested))
	p.payloadKB.WithLabelValues(stats.Tenant).Observe(float64(stats.PayloadBytes) / 1024)
}

var _ weather.Telemetry = (*Prometheus)(nil)
