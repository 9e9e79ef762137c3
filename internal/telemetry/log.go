package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/i474232898/weather-gateway/internal/weather"
)

// Log writes gateway events to a zap logger at debug level, with provider
// failures at warn.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log sink.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("telemetry")}
}

func (l *Log) CacheEvent(_ context.Context, ev weather.CacheEvent) {
	l.logger.Debug(ev.Name,
		zap.String("tenant", ev.Tenant),
		zap.String("section", ev.Section),
		zap.String("source", string(ev.Source)),
		zap.Bool("degraded", ev.Degraded),
	)
}

func (l *Log) ProviderCall(_ context.Context, call weather.ProviderCall) {
	fields := []zap.Field{
		zap.String("provider", call.Provider),
		zap.String("tenant", call.Tenant),
		zap.String("section", string(call.Section)),
		zap.Int64("latency_ms", call.Latency.Milliseconds()),
		zap.Bool("success", call.Success),
	}
	if !call.Success {
		l.logger.Warn("provider call failed", fields...)
		return
	}
	l.logger.Debug("provider call", fields...)
}

func (l *Log) BundleServed(_ context.Context, stats weather.BundleStats) {
	l.logger.Debug("bundle served",
		zap.String("tenant", stats.Tenant),
		zap.Int("sections_requested", stats.SectionsRequested),
		zap.Float64("payload_kb", float64(stats.PayloadBytes)/1024),
		zap.Bool("degraded", stats.Degraded),
	)
}

// Multi fans every event out to several sinks.
type Multi []weather.Telemetry

func (m Multi) CacheEvent(ctx context.Context, ev weather.CacheEvent) {
	for _, t := range m {
		t.CacheEvent(ctx, ev)
	}
}

func (m Multi) ProviderCall(ctx context.Context, call weather.ProviderCall) {
	for _, t := range m {
		t.ProviderCall(ctx, call)
	}
}

func (m Multi) BundleServed(ctx context.Context, stats weather.BundleStats) {
	for _, t := range m {
		t.BundleServed(ctx, stats)
	}
}

var (
	_ weather.Telemetry = (*Log)(nil)
	_ weather.Telemetry = Multi(nil)
)
