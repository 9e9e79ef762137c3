package weather

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// GatewayConfig holds the gateway's request defaults and lock timing.
type GatewayConfig struct {
	// LockWait bounds how long a caller waits for another refresh of the same key.
	LockWait     time.Duration
	DefaultDays  int
	DefaultUnits Units
}

// Deps are the collaborators the gateway is composed from. Telemetry, Logger
// and Clock are optional.
type Deps struct {
	Provider  Provider
	Hot       HotStore
	Cold      ColdStore
	Locker    Locker
	Breaker   *CircuitBreaker
	Policy    *TTLPolicy
	Jitter    *Jitter
	Telemetry Telemetry
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Gateway serves tenant weather sections through the hot cache, the cold
// last-known-good store and, when both are exhausted, the provider. At most
// one provider refresh per key is in flight at a time.
type Gateway struct {
	provider  Provider
	hot       HotStore
	cold      ColdStore
	locker    Locker
	breaker   *CircuitBreaker
	policy    *TTLPolicy
	jitter    *Jitter
	telemetry Telemetry
	logger    *zap.Logger
	now       func() time.Time
	cfg       GatewayConfig
}

// NewGateway creates a new Gateway.
func NewGateway(deps Deps, cfg GatewayConfig) *Gateway {
	g := &Gateway{
		provider:  deps.Provider,
		hot:       deps.Hot,
		cold:      deps.Cold,
		locker:    deps.Locker,
		breaker:   deps.Breaker,
		policy:    deps.Policy,
		jitter:    deps.Jitter,
		telemetry: deps.Telemetry,
		logger:    deps.Logger,
		now:       deps.Clock,
		cfg:       cfg,
	}
	if g.telemetry == nil {
		g.telemetry = nopTelemetry{}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.jitter == nil {
		g.jitter = NewJitter(0, nil)
	}
	if g.cfg.DefaultDays <= 0 {
		g.cfg.DefaultDays = 7
	}
	if g.cfg.DefaultUnits == "" {
		g.cfg.DefaultUnits = UnitsMetric
	}
	return g
}

// ProviderName returns the name of the configured upstream.
func (g *Gateway) ProviderName() string {
	return g.provider.Name()
}

// fetchOutcome is the result of one provider call. Exactly one of payload
// and err is meaningful.
type fetchOutcome struct {
	payload RawPayload
	err     error
	latency time.Duration
}

func (o fetchOutcome) ok() bool {
	return o.err == nil
}

// GetSection returns the envelope for one section of a tenant's weather.
//
// It degrades to stale cold data before ever returning an error: an open
// breaker, a busy refresh lock and a failing provider all fall back to the
// cold record while it is inside its hard TTL.
func (g *Gateway) GetSection(ctx context.Context, tenant Tenant, opts Options, kind SectionKind, forceRefresh bool) (Envelope, error) {
	req, ttl, err := g.resolve(tenant, opts, kind)
	if err != nil {
		return Envelope{}, err
	}
	key := req.Key()
	log := g.logger.With(zap.String("tenant", tenant.Slug), zap.String("section", string(kind)), zap.String("key", key))

	if !forceRefresh {
		if rec, ok := g.readHot(ctx, log, key); ok && g.now().Before(rec.SoftExpiresAt) {
			return g.finish(ctx, tenant, kind, hotEnvelope(rec)), nil
		}
	}

	cold, hasCold := g.readCold(ctx, log, key)
	var staleUntil time.Time
	if hasCold {
		staleUntil = minTime(cold.FetchedAt.Add(ttl.Hard), cold.ExpiresAt)
		if !forceRefresh && g.now().Before(cold.FetchedAt.Add(ttl.Soft)) {
			env := coldEnvelope(cold, ttl, staleUntil, StatusHit, "")
			g.promote(ctx, log, key, env)
			return g.finish(ctx, tenant, kind, env), nil
		}
	}
	servable := func() bool {
		return hasCold && !g.now().After(staleUntil)
	}

	if !forceRefresh {
		open, err := g.breaker.IsOpen(ctx, tenant.Slug, kind)
		if err != nil {
			log.Warn("circuit state unavailable; treating as closed", zap.Error(err))
		}
		if open {
			if servable() {
				return g.finish(ctx, tenant, kind, coldEnvelope(cold, ttl, staleUntil, StatusStale, ReasonCircuitOpen)), nil
			}
			return Envelope{}, fmt.Errorf("%w: %s/%s", ErrCircuitOpen, tenant.Slug, kind)
		}
	}

	lock, acquired, err := g.locker.TryLock(ctx, lockKey(key), g.cfg.LockWait)
	if err != nil {
		log.Warn("lock backend failed; treating key as busy", zap.Error(err))
		acquired = false
	}
	if !acquired {
		if servable() {
			return g.finish(ctx, tenant, kind, coldEnvelope(cold, ttl, staleUntil, StatusStale, ReasonStaleIfBusy)), nil
		}
		return Envelope{}, fmt.Errorf("%w: %s", ErrLockBusy, key)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("lock release failed", zap.Error(err))
		}
	}()

	// A refresh that finished while this request waited for the lock has
	// already filled the tiers.
	if !forceRefresh {
		if env, ok := g.freshCached(ctx, log, key, ttl); ok {
			return g.finish(ctx, tenant, kind, env), nil
		}
	}

	outcome := g.fetch(ctx, req, tenant)
	g.telemetry.ProviderCall(ctx, ProviderCall{
		Provider: g.provider.Name(),
		Tenant:   tenant.Slug,
		Section:  kind,
		Latency:  outcome.latency,
		Success:  outcome.ok(),
	})

	if outcome.ok() {
		return g.finish(ctx, tenant, kind, g.store(ctx, log, req, ttl, outcome.payload)), nil
	}

	perr := &ProviderError{Provider: g.provider.Name(), Tenant: tenant.Slug, Section: kind, Err: outcome.err}
	log.Warn("provider refresh failed", zap.Error(outcome.err), zap.Duration("latency", outcome.latency))

	if hasCold {
		if err := g.cold.MarkError(ctx, key, perr.Error()); err != nil {
			log.Warn("cold store error mark failed", zap.Error(err))
		}
	}
	opened, err := g.breaker.RecordFailure(ctx, tenant.Slug, kind)
	if err != nil {
		log.Warn("circuit failure not recorded", zap.Error(err))
	}
	if opened {
		log.Warn("circuit opened")
	}

	if servable() {
		reason := ReasonProviderError
		if opened {
			reason = ReasonCircuitOpenedAfter
		}
		return g.finish(ctx, tenant, kind, coldEnvelope(cold, ttl, staleUntil, StatusStale, reason)), nil
	}
	return Envelope{}, perr
}

// Refresh forces a provider refresh for one section unless its breaker is
// open. Used by background warming.
func (g *Gateway) Refresh(ctx context.Context, tenant Tenant, kind SectionKind) error {
	open, err := g.breaker.IsOpen(ctx, tenant.Slug, kind)
	if err != nil {
		g.logger.Warn("circuit state unavailable", zap.String("tenant", tenant.Slug), zap.Error(err))
	}
	if open {
		return fmt.Errorf("%w: %s/%s", ErrCircuitOpen, tenant.Slug, kind)
	}
	_, err = g.GetSection(ctx, tenant, Options{}, kind, true)
	return err
}

// Sections lists the sections a tenant can be served with the configured provider.
func (g *Gateway) Sections(tenant Tenant) []SectionKind {
	kinds := []SectionKind{SectionForecast}
	if tenant.Coastal && g.provider.Capabilities().HasMarine {
		kinds = append(kinds, SectionMarine)
	}
	return kinds
}

func (g *Gateway) resolve(tenant Tenant, opts Options, kind SectionKind) (SectionRequest, TTL, error) {
	if !kind.Valid() {
		return SectionRequest{}, TTL{}, fmt.Errorf("%w: %q", ErrUnsupportedSection, kind)
	}
	ttl, err := g.policy.ForSection(kind)
	if err != nil {
		return SectionRequest{}, TTL{}, err
	}
	if kind == SectionMarine && (!tenant.Coastal || !g.provider.Capabilities().HasMarine) {
		return SectionRequest{}, TTL{}, fmt.Errorf("%w: %s via %s", ErrMarineUnsupported, tenant.Slug, g.provider.Name())
	}
	eff, err := g.effectiveOptions(tenant, opts)
	if err != nil {
		return SectionRequest{}, TTL{}, err
	}
	return SectionRequest{
		Tenant:   tenant.Slug,
		Kind:     kind,
		Timezone: eff.Timezone,
		Units:    eff.Units,
		Days:     eff.Days,
	}, ttl, nil
}

func (g *Gateway) effectiveOptions(tenant Tenant, opts Options) (Options, error) {
	caps := g.provider.Capabilities()

	tz := opts.Timezone
	if tz == "" {
		tz = tenant.Timezone
	}
	if tz == "" || !caps.SupportsTimezone {
		tz = "UTC"
	}

	units := opts.Units
	if units == "" {
		units = g.cfg.DefaultUnits
	}
	if units != UnitsMetric && units != UnitsImperial {
		return Options{}, fmt.Errorf("%w: unsupported units %q", ErrConfiguration, units)
	}

	days := opts.Days
	if days <= 0 {
		days = g.cfg.DefaultDays
	}
	if caps.MaxDays > 0 && days > caps.MaxDays {
		days = caps.MaxDays
	}
	return Options{Timezone: tz, Units: units, Days: days}, nil
}

func (g *Gateway) fetch(ctx context.Context, req SectionRequest, tenant Tenant) fetchOutcome {
	popts := ProviderOptions{Timezone: req.Timezone, Units: req.Units, Days: req.Days}
	start := time.Now()

	var (
		payload RawPayload
		err     error
	)
	switch req.Kind {
	case SectionMarine:
		payload, err = g.provider.Marine(ctx, tenant.Latitude, tenant.Longitude, popts)
	default:
		payload, err = g.provider.Forecast(ctx, tenant.Latitude, tenant.Longitude, popts)
	}
	return fetchOutcome{payload: payload, err: err, latency: time.Since(start)}
}

// store writes a fresh provider payload to both tiers and closes the breaker.
func (g *Gateway) store(ctx context.Context, log *zap.Logger, req SectionRequest, ttl TTL, payload RawPayload) Envelope {
	doc := normalize(req.Kind, payload)
	if meta, ok := doc["meta"].(map[string]any); ok {
		meta["provider"] = g.provider.Name()
	}
	etag, err := hashDocument(doc)
	if err != nil {
		log.Warn("etag not computed", zap.Error(err))
	}

	generatedAt := g.now().UTC()
	env := Envelope{
		Data:          doc,
		GeneratedAt:   generatedAt,
		SoftExpiresAt: generatedAt.Add(ttl.Soft),
		StaleUntil:    generatedAt.Add(ttl.Hard),
		ETag:          etag,
		Status:        StatusMiss,
		Source:        SourceProvider,
	}
	key := req.Key()

	if err := g.cold.PutCold(ctx, ColdRecord{
		Key:       key,
		Payload:   doc,
		Hash:      etag,
		FetchedAt: generatedAt,
		ExpiresAt: env.StaleUntil,
	}); err != nil {
		log.Warn("cold store write failed", zap.Error(err))
	}
	if err := g.hot.PutHot(ctx, key, hotRecord(env), g.jitter.Apply(ttl.Soft)); err != nil {
		log.Warn("hot store write failed", zap.Error(err))
	}
	if err := g.breaker.RecordSuccess(ctx, req.Tenant, req.Kind); err != nil {
		log.Warn("circuit reset failed", zap.Error(err))
	}
	return env
}

// freshCached returns a soft-fresh envelope from the hot tier, or from the
// cold tier after promoting it.
func (g *Gateway) freshCached(ctx context.Context, log *zap.Logger, key string, ttl TTL) (Envelope, bool) {
	now := g.now()
	if rec, ok := g.readHot(ctx, log, key); ok && now.Before(rec.SoftExpiresAt) {
		return hotEnvelope(rec), true
	}
	cold, ok := g.readCold(ctx, log, key)
	if !ok || !now.Before(cold.FetchedAt.Add(ttl.Soft)) {
		return Envelope{}, false
	}
	env := coldEnvelope(cold, ttl, minTime(cold.FetchedAt.Add(ttl.Hard), cold.ExpiresAt), StatusHit, "")
	g.promote(ctx, log, key, env)
	return env, true
}

// promote writes a soft-fresh cold record back into the hot tier for the
// jittered rest of its soft window.
func (g *Gateway) promote(ctx context.Context, log *zap.Logger, key string, env Envelope) {
	remaining := g.jitter.Apply(env.SoftExpiresAt.Sub(g.now()))
	if err := g.hot.PutHot(ctx, key, hotRecord(env), remaining); err != nil {
		log.Warn("hot store promotion failed", zap.Error(err))
	}
}

func (g *Gateway) readHot(ctx context.Context, log *zap.Logger, key string) (HotRecord, bool) {
	rec, ok, err := g.hot.GetHot(ctx, key)
	if err != nil {
		log.Warn("hot store read failed", zap.Error(err))
		return HotRecord{}, false
	}
	return rec, ok
}

func (g *Gateway) readCold(ctx context.Context, log *zap.Logger, key string) (ColdRecord, bool) {
	rec, ok, err := g.cold.GetCold(ctx, key)
	if err != nil {
		log.Warn("cold store read failed", zap.Error(err))
		return ColdRecord{}, false
	}
	return rec, ok
}

func (g *Gateway) finish(ctx context.Context, tenant Tenant, kind SectionKind, env Envelope) Envelope {
	g.telemetry.CacheEvent(ctx, CacheEvent{
		Name:     eventForStatus(env.Status),
		Tenant:   tenant.Slug,
		Section:  string(kind),
		Source:   env.Source,
		Degraded: env.Degraded,
	})
	return env
}

func hotEnvelope(rec HotRecord) Envelope {
	g, s, t := orderedWindow(rec.GeneratedAt, rec.SoftExpiresAt, rec.StaleUntil)
	return Envelope{
		Data:          rec.Data,
		GeneratedAt:   g,
		SoftExpiresAt: s,
		StaleUntil:    t,
		ETag:          rec.ETag,
		Status:        StatusHit,
		Source:        SourceHot,
	}
}

func coldEnvelope(rec ColdRecord, ttl TTL, staleUntil time.Time, status Status, reason string) Envelope {
	g, s, t := orderedWindow(rec.FetchedAt, rec.FetchedAt.Add(ttl.Soft), staleUntil)
	return Envelope{
		Data:           rec.Payload,
		GeneratedAt:    g,
		SoftExpiresAt:  s,
		StaleUntil:     t,
		ETag:           rec.Hash,
		Status:         status,
		Source:         SourceCold,
		Degraded:       reason != "",
		DegradedReason: reason,
	}
}

func hotRecord(env Envelope) HotRecord {
	return HotRecord{
		Data:          env.Data,
		GeneratedAt:   env.GeneratedAt,
		SoftExpiresAt: env.SoftExpiresAt,
		StaleUntil:    env.StaleUntil,
		ETag:          env.ETag,
	}
}

// orderedWindow clamps a (generated, soft, stale) triple so that
// generated <= soft <= stale.
func orderedWindow(generated, soft, stale time.Time) (time.Time, time.Time, time.Time) {
	if stale.Before(generated) {
		stale = generated
	}
	if soft.Before(generated) {
		soft = generated
	}
	if soft.After(stale) {
		soft = stale
	}
	return generated, soft, stale
}

func minTime(a, b time.Time) time.Time {
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

func lockKey(key string) string {
	return "lock:" + key
}

func hashDocument(doc Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
