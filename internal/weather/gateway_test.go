package weather_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-gateway/internal/store"
	"github.com/i474232898/weather-gateway/internal/weather"
)

var (
	lisbon = weather.Tenant{Slug: "lisbon", Latitude: 38.72, Longitude: -9.14, Timezone: "Europe/Lisbon", Coastal: true}
	madrid = weather.Tenant{Slug: "madrid", Latitude: 40.42, Longitude: -3.70, Timezone: "Europe/Madrid"}

	forecastTTL = weather.TTL{Soft: 15 * time.Minute, Hard: 4 * time.Hour}
	marineTTL   = weather.TTL{Soft: 45 * time.Minute, Hard: 6 * time.Hour}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeProvider struct {
	mu            sync.Mutex
	forecastCalls int
	marineCalls   int
	forecastErr   error
	marineErr     error

	// started and release, when set, hold a forecast call in flight.
	started chan struct{}
	release chan struct{}
	// delay slows every forecast call down.
	delay time.Duration
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Capabilities() weather.Capabilities {
	return weather.Capabilities{HasMarine: true, SupportsTimezone: true, MaxDays: 16}
}

func (p *fakeProvider) Forecast(context.Context, float64, float64, weather.ProviderOptions) (weather.RawPayload, error) {
	p.mu.Lock()
	p.forecastCalls++
	err := p.forecastErr
	p.mu.Unlock()

	if p.started != nil {
		p.started <- struct{}{}
		<-p.release
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if err != nil {
		return nil, err
	}
	return weather.RawPayload{
		"latitude":  38.72,
		"longitude": -9.14,
		"timezone":  "Europe/Lisbon",
		"current":   map[string]any{"temperature_2m": 21.5},
		"hourly":    map[string]any{"time": []any{"2026-10-19T00:00"}, "temperature_2m": []any{18.1}},
		"daily":     map[string]any{"time": []any{"2026-10-19"}, "temperature_2m_max": []any{23.4}},
	}, nil
}

func (p *fakeProvider) Marine(context.Context, float64, float64, weather.ProviderOptions) (weather.RawPayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marineCalls++
	if p.marineErr != nil {
		return nil, p.marineErr
	}
	return weather.RawPayload{
		"timezone": "Europe/Lisbon",
		"hourly":   map[string]any{"time": []any{"2026-10-19T00:00"}, "wave_height": []any{1.2}},
		"daily":    map[string]any{"time": []any{"2026-10-19"}, "wave_height_max": []any{1.8}},
	}, nil
}

func (p *fakeProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forecastCalls, p.marineCalls
}

func (p *fakeProvider) setForecastErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forecastErr = err
}

type recordingTelemetry struct {
	mu      sync.Mutex
	events  []weather.CacheEvent
	calls   []weather.ProviderCall
	bundles []weather.BundleStats
}

func (r *recordingTelemetry) CacheEvent(_ context.Context, ev weather.CacheEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTelemetry) ProviderCall(_ context.Context, call weather.ProviderCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingTelemetry) BundleServed(_ context.Context, stats weather.BundleStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, stats)
}

type harness struct {
	gateway   *weather.Gateway
	provider  *fakeProvider
	hot       *store.MemoryHotStore
	cold      *store.MemoryColdStore
	locker    *store.MemoryLocker
	breaker   *weather.CircuitBreaker
	clock     *fakeClock
	telemetry *recordingTelemetry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, 20*time.Millisecond, func() float64 { return 0.5 })
}

// newHarnessWith builds a harness with the given lock wait and jitter source.
func newHarnessWith(t *testing.T, lockWait time.Duration, random func() float64) *harness {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	hot, err := store.NewMemoryHotStore(100, clock.Now)
	require.NoError(t, err)

	h := &harness{
		provider:  &fakeProvider{},
		hot:       hot,
		cold:      store.NewMemoryColdStore(),
		locker:    store.NewMemoryLocker(time.Minute, clock.Now),
		breaker:   weather.NewCircuitBreaker(hot, 3, 10*time.Minute),
		clock:     clock,
		telemetry: &recordingTelemetry{},
	}
	h.gateway = weather.NewGateway(weather.Deps{
		Provider:  h.provider,
		Hot:       h.hot,
		Cold:      h.cold,
		Locker:    h.locker,
		Breaker:   h.breaker,
		Policy:    weather.NewTTLPolicy(map[weather.SectionKind]weather.TTL{weather.SectionForecast: forecastTTL, weather.SectionMarine: marineTTL}),
		Jitter:    weather.NewJitter(0.1, random),
		Telemetry: h.telemetry,
		Clock:     clock.Now,
	}, weather.GatewayConfig{LockWait: lockWait})
	return h
}

// forecastKey is the key GetSection uses for tenant's forecast with default options.
func forecastKey(tenant weather.Tenant) string {
	return weather.SectionKey(weather.SectionForecast, tenant.Slug, tenant.Timezone, weather.UnitsMetric, 7)
}

// seedCold stores a forecast record fetched age ago.
func (h *harness) seedCold(t *testing.T, tenant weather.Tenant, age time.Duration) weather.ColdRecord {
	t.Helper()

	fetched := h.clock.Now().Add(-age)
	rec := weather.ColdRecord{
		Key:       forecastKey(tenant),
		Payload:   weather.Document{"current": map[string]any{"temperature_2m": 19.0}},
		Hash:      "cold-etag",
		FetchedAt: fetched,
		ExpiresAt: fetched.Add(forecastTTL.Hard),
	}
	require.NoError(t, h.cold.PutCold(context.Background(), rec))
	return rec
}

func assertWindow(t *testing.T, env weather.Envelope) {
	t.Helper()
	assert.False(t, env.SoftExpiresAt.Before(env.GeneratedAt), "soft expiry before generation")
	assert.False(t, env.StaleUntil.Before(env.SoftExpiresAt), "stale-until before soft expiry")
	if env.Degraded {
		assert.NotEmpty(t, env.DegradedReason)
	}
}

func TestGetSectionReadThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusMiss, first.Status)
	assert.Equal(t, weather.SourceProvider, first.Source)
	assert.False(t, first.Degraded)
	assert.NotEmpty(t, first.ETag)
	assert.Equal(t, h.clock.Now().Add(forecastTTL.Soft), first.SoftExpiresAt)
	assert.Equal(t, h.clock.Now().Add(forecastTTL.Hard), first.StaleUntil)
	assert.Equal(t, "fake", first.Data["meta"].(map[string]any)["provider"])
	assertWindow(t, first)

	second, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusHit, second.Status)
	assert.Equal(t, weather.SourceHot, second.Source)
	assert.Equal(t, first.ETag, second.ETag)
	assertWindow(t, second)

	forecastCalls, _ := h.provider.calls()
	assert.Equal(t, 1, forecastCalls)

	cold, ok, err := h.cold.GetCold(ctx, forecastKey(lisbon))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ETag, cold.Hash)
	assert.Equal(t, first.StaleUntil, cold.ExpiresAt)

	require.Len(t, h.telemetry.calls, 1)
	assert.True(t, h.telemetry.calls[0].Success)
	require.Len(t, h.telemetry.events, 2)
	assert.Equal(t, weather.EventCacheMiss, h.telemetry.events[0].Name)
	assert.Equal(t, weather.EventCacheHit, h.telemetry.events[1].Name)
}

func TestGetSectionPromotesSoftFreshColdRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.seedCold(t, lisbon, 5*time.Minute)

	env, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusHit, env.Status)
	assert.Equal(t, weather.SourceCold, env.Source)
	assert.Equal(t, rec.FetchedAt.Add(forecastTTL.Soft), env.SoftExpiresAt)
	assertWindow(t, env)

	hot, ok, err := h.hot.GetHot(ctx, forecastKey(lisbon))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cold-etag", hot.ETag)

	// The promoted entry lives only for the rest of the soft window.
	h.clock.Advance(11 * time.Minute)
	_, ok, err = h.hot.GetHot(ctx, forecastKey(lisbon))
	require.NoError(t, err)
	assert.False(t, ok)

	forecastCalls, _ := h.provider.calls()
	assert.Zero(t, forecastCalls)
}

func TestGetSectionPromotionUsesJitteredTTL(t *testing.T) {
	// random 0 pulls every TTL to the bottom of the ±10% band.
	h := newHarnessWith(t, 20*time.Millisecond, func() float64 { return 0 })
	ctx := context.Background()
	h.seedCold(t, lisbon, 5*time.Minute)

	_, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)

	// 10m of soft window remain; the hot entry lives for 9m.
	h.clock.Advance(9*time.Minute - time.Second)
	_, ok, err := h.hot.GetHot(ctx, forecastKey(lisbon))
	require.NoError(t, err)
	assert.True(t, ok)

	h.clock.Advance(time.Second)
	_, ok, err = h.hot.GetHot(ctx, forecastKey(lisbon))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetSectionRefreshesSoftExpiredColdRecord(t *testing.T) {
	h := newHarness(t)
	h.seedCold(t, lisbon, 20*time.Minute)

	env, err := h.gateway.GetSection(context.Background(), lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusMiss, env.Status)
	assert.Equal(t, weather.SourceProvider, env.Source)
	assert.NotEqual(t, "cold-etag", env.ETag)
}

func TestGetSectionForceRefreshBypassesCaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	env, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, true)
	require.NoError(t, err)

	assert.Equal(t, weather.SourceProvider, env.Source)
	forecastCalls, _ := h.provider.calls()
	assert.Equal(t, 2, forecastCalls)
}

func TestGetSectionStaleIfBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.seedCold(t, lisbon, 20*time.Minute)

	lock, ok, err := h.locker.TryLock(ctx, "lock:"+forecastKey(lisbon), 0)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = lock.Release(ctx) }()

	env, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusStale, env.Status)
	assert.Equal(t, weather.SourceCold, env.Source)
	assert.True(t, env.Degraded)
	assert.Equal(t, weather.ReasonStaleIfBusy, env.DegradedReason)
	assert.Equal(t, rec.ExpiresAt, env.StaleUntil)
	assertWindow(t, env)

	forecastCalls, _ := h.provider.calls()
	assert.Zero(t, forecastCalls)
}

func TestGetSectionLockBusyWithoutFallback(t *testing.T) {
	h := newHarness(t)
	h.provider.started = make(chan struct{})
	h.provider.release = make(chan struct{})
	ctx := context.Background()

	type result struct {
		env weather.Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		env, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
		done <- result{env, err}
	}()

	<-h.provider.started
	_, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	assert.ErrorIs(t, err, weather.ErrLockBusy)

	close(h.provider.release)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, weather.StatusMiss, r.env.Status)

	forecastCalls, _ := h.provider.calls()
	assert.Equal(t, 1, forecastCalls)
}

func TestGetSectionCoalescesConcurrentColdStarts(t *testing.T) {
	h := newHarnessWith(t, 750*time.Millisecond, func() float64 { return 0.5 })
	h.provider.delay = 30 * time.Millisecond

	const readers = 8
	envs := make([]weather.Envelope, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			envs[i], errs[i] = h.gateway.GetSection(context.Background(), lisbon, weather.Options{}, weather.SectionForecast, false)
		}()
	}
	wg.Wait()

	forecastCalls, _ := h.provider.calls()
	assert.Equal(t, 1, forecastCalls)

	misses := 0
	for i := range readers {
		require.NoError(t, errs[i])
		if envs[i].Status == weather.StatusMiss {
			misses++
			continue
		}
		assert.Equal(t, weather.StatusHit, envs[i].Status)
		assert.False(t, envs[i].Degraded)
	}
	assert.Equal(t, 1, misses)
}

func TestGetSectionOpenCircuitFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedCold(t, lisbon, 20*time.Minute)

	for i := 0; i < 3; i++ {
		_, err := h.breaker.RecordFailure(ctx, lisbon.Slug, weather.SectionForecast)
		require.NoError(t, err)
	}

	env, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusStale, env.Status)
	assert.Equal(t, weather.ReasonCircuitOpen, env.DegradedReason)
	assertWindow(t, env)

	_, err = h.gateway.GetSection(ctx, madrid, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err, "breakers are scoped per tenant")

	forecastCalls, _ := h.provider.calls()
	assert.Equal(t, 1, forecastCalls)
}

func TestGetSectionOpenCircuitWithoutFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.breaker.RecordFailure(ctx, madrid.Slug, weather.SectionForecast)
		require.NoError(t, err)
	}

	_, err := h.gateway.GetSection(ctx, madrid, weather.Options{}, weather.SectionForecast, false)
	assert.ErrorIs(t, err, weather.ErrCircuitOpen)

	err = h.gateway.Refresh(ctx, madrid, weather.SectionForecast)
	assert.ErrorIs(t, err, weather.ErrCircuitOpen)

	forecastCalls, _ := h.provider.calls()
	assert.Zero(t, forecastCalls)
}

func TestGetSectionProviderErrorFallsBackToCold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedCold(t, lisbon, 20*time.Minute)
	upstream := errors.New("upstream timeout")
	h.provider.setForecastErr(upstream)

	reasons := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		env, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
		require.NoError(t, err)
		assert.Equal(t, weather.StatusStale, env.Status)
		assert.Equal(t, weather.SourceCold, env.Source)
		assertWindow(t, env)
		reasons = append(reasons, env.DegradedReason)
	}
	assert.Equal(t, []string{
		weather.ReasonProviderError,
		weather.ReasonProviderError,
		weather.ReasonCircuitOpenedAfter,
	}, reasons)

	cold, ok, err := h.cold.GetCold(ctx, forecastKey(lisbon))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, cold.LastError, "upstream timeout")

	// With the breaker open the provider is no longer called.
	env, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, false)
	require.NoError(t, err)
	assert.Equal(t, weather.ReasonCircuitOpen, env.DegradedReason)
	forecastCalls, _ := h.provider.calls()
	assert.Equal(t, 3, forecastCalls)

	// A success closes the breaker and clears the error.
	h.provider.setForecastErr(nil)
	env, err = h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionForecast, true)
	require.NoError(t, err)
	assert.Equal(t, weather.SourceProvider, env.Source)
	open, err := h.breaker.IsOpen(ctx, lisbon.Slug, weather.SectionForecast)
	require.NoError(t, err)
	assert.False(t, open)
	cold, _, err = h.cold.GetCold(ctx, forecastKey(lisbon))
	require.NoError(t, err)
	assert.Empty(t, cold.LastError)
}

func TestGetSectionProviderErrorWithoutFallback(t *testing.T) {
	h := newHarness(t)
	upstream := errors.New("upstream timeout")
	h.provider.setForecastErr(upstream)
	// Past the hard TTL the cold record is no longer servable.
	h.seedCold(t, lisbon, 5*time.Hour)

	_, err := h.gateway.GetSection(context.Background(), lisbon, weather.Options{}, weather.SectionForecast, false)
	require.Error(t, err)

	var perr *weather.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fake", perr.Provider)
	assert.Equal(t, lisbon.Slug, perr.Tenant)
	assert.Equal(t, weather.SectionForecast, perr.Section)
	assert.ErrorIs(t, err, upstream)

	require.Len(t, h.telemetry.calls, 1)
	assert.False(t, h.telemetry.calls[0].Success)
}

func TestGetSectionConfigurationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gateway.GetSection(ctx, lisbon, weather.Options{}, weather.SectionKind("pollen"), false)
	assert.ErrorIs(t, err, weather.ErrUnsupportedSection)
	assert.ErrorIs(t, err, weather.ErrConfiguration)

	_, err = h.gateway.GetSection(ctx, madrid, weather.Options{}, weather.SectionMarine, false)
	assert.ErrorIs(t, err, weather.ErrMarineUnsupported)

	_, err = h.gateway.GetSection(ctx, lisbon, weather.Options{Units: "kelvin"}, weather.SectionForecast, false)
	assert.ErrorIs(t, err, weather.ErrConfiguration)

	forecastCalls, marineCalls := h.provider.calls()
	assert.Zero(t, forecastCalls)
	assert.Zero(t, marineCalls)
}

func TestGetSectionClampsDaysToProviderMaximum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gateway.GetSection(ctx, lisbon, weather.Options{Days: 30}, weather.SectionForecast, false)
	require.NoError(t, err)

	key := weather.SectionKey(weather.SectionForecast, lisbon.Slug, lisbon.Timezone, weather.UnitsMetric, 16)
	_, ok, err := h.cold.GetCold(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSectionsFollowTenantAndProvider(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []weather.SectionKind{weather.SectionForecast, weather.SectionMarine}, h.gateway.Sections(lisbon))
	assert.Equal(t, []weather.SectionKind{weather.SectionForecast}, h.gateway.Sections(madrid))
}
