package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Bundle section names and the weather section each one is cut from.
const (
	BundleCurrent = "current"
	BundleHourly  = "hourly"
	BundleDaily   = "daily"
	BundleMarine  = "marine"
)

var bundleSources = map[string]SectionKind{
	BundleCurrent: SectionForecast,
	BundleHourly:  SectionForecast,
	BundleDaily:   SectionForecast,
	BundleMarine:  SectionMarine,
}

// SectionError reports why one bundle section has no data.
type SectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BundleEnvelope is a multi-section response. A failed section has nil data
// and an entry in Errors; it never fails the whole bundle.
type BundleEnvelope struct {
	Data           Document
	Errors         map[string]SectionError
	GeneratedAt    time.Time
	SoftExpiresAt  time.Time
	StaleUntil     time.Time
	ETag           string
	Status         Status
	Source         Source
	Degraded       bool
	DegradedReason string
}

// WireBundle is the bundle's external JSON shape.
type WireBundle struct {
	Data   Document                `json:"data"`
	Errors map[string]SectionError `json:"errors"`
	Cache  CacheInfo               `json:"cache"`
}

// Wire converts the bundle to its external JSON shape.
func (b BundleEnvelope) Wire() WireBundle {
	errs := b.Errors
	if errs == nil {
		errs = map[string]SectionError{}
	}
	return WireBundle{
		Data:   b.Data,
		Errors: errs,
		Cache:  cacheInfo(b.Status, b.Source, b.GeneratedAt, b.SoftExpiresAt, b.StaleUntil, b.Degraded, b.DegradedReason, b.ETag),
	}
}

type sectionResult struct {
	kind SectionKind
	env  Envelope
	err  error
}

// Bundle serves several bundle sections in one response under a single
// cache key. Underlying weather sections are read concurrently through
// GetSection; only fully healthy bundles are cached as a whole.
func (g *Gateway) Bundle(ctx context.Context, tenant Tenant, opts Options, sections []string, forceRefresh bool) (BundleEnvelope, error) {
	names := canonicalSections(sections)
	if len(names) == 0 {
		return BundleEnvelope{}, fmt.Errorf("%w: no sections requested", ErrConfiguration)
	}
	kinds, err := bundleKinds(names)
	if err != nil {
		return BundleEnvelope{}, err
	}
	ttl, err := g.policy.ForSections(kinds)
	if err != nil {
		return BundleEnvelope{}, err
	}
	eff, err := g.effectiveOptions(tenant, opts)
	if err != nil {
		return BundleEnvelope{}, err
	}
	key := BundleKey(tenant.Slug, eff.Timezone, eff.Units, eff.Days, names)
	log := g.logger.With(zap.String("tenant", tenant.Slug), zap.String("key", key))

	if !forceRefresh {
		if rec, ok := g.readHot(ctx, log, key); ok && g.now().Before(rec.SoftExpiresAt) {
			env := hotEnvelope(rec)
			return g.finishBundle(ctx, log, tenant, names, BundleEnvelope{
				Data:          env.Data,
				GeneratedAt:   env.GeneratedAt,
				SoftExpiresAt: env.SoftExpiresAt,
				StaleUntil:    env.StaleUntil,
				ETag:          env.ETag,
				Status:        StatusHit,
				Source:        SourceHot,
			}), nil
		}
	}

	results := make([]sectionResult, len(kinds))
	var eg errgroup.Group
	for i, kind := range kinds {
		eg.Go(func() error {
			env, err := g.GetSection(ctx, tenant, eff, kind, forceRefresh)
			results[i] = sectionResult{kind: kind, env: env, err: err}
			return nil
		})
	}
	_ = eg.Wait()

	bundle := assembleBundle(names, results, g.now().UTC())
	if etag, err := hashDocument(bundle.Data); err == nil {
		bundle.ETag = etag
	}

	if !bundle.Degraded {
		hotTTL := g.jitter.Apply(ttl.Soft)
		if remaining := bundle.SoftExpiresAt.Sub(g.now()); remaining < hotTTL {
			hotTTL = remaining
		}
		if hotTTL >= time.Second {
			rec := HotRecord{
				Data:          bundle.Data,
				GeneratedAt:   bundle.GeneratedAt,
				SoftExpiresAt: bundle.SoftExpiresAt,
				StaleUntil:    bundle.StaleUntil,
				ETag:          bundle.ETag,
			}
			if err := g.hot.PutHot(ctx, key, rec, hotTTL); err != nil {
				log.Warn("hot store bundle write failed", zap.Error(err))
			}
		}
	}
	return g.finishBundle(ctx, log, tenant, names, bundle), nil
}

func (g *Gateway) finishBundle(ctx context.Context, log *zap.Logger, tenant Tenant, names []string, b BundleEnvelope) BundleEnvelope {
	size := 0
	if payload, err := json.Marshal(b.Wire()); err == nil {
		size = len(payload)
	} else {
		log.Warn("bundle size not measured", zap.Error(err))
	}
	g.telemetry.CacheEvent(ctx, CacheEvent{
		Name:     eventForStatus(b.Status),
		Tenant:   tenant.Slug,
		Section:  "bundle",
		Source:   b.Source,
		Degraded: b.Degraded,
	})
	g.telemetry.BundleServed(ctx, BundleStats{
		Tenant:            tenant.Slug,
		SectionsRequested: len(names),
		PayloadBytes:      size,
		Degraded:          b.Degraded,
	})
	return b
}

func bundleKinds(names []string) ([]SectionKind, error) {
	seen := make(map[SectionKind]bool, 2)
	var kinds []SectionKind
	for _, n := range names {
		kind, ok := bundleSources[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedSection, n)
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds, nil
}

// assembleBundle cuts the requested sections out of the per-kind envelopes
// and folds their provenance into one cache block.
func assembleBundle(names []string, results []sectionResult, now time.Time) BundleEnvelope {
	byKind := make(map[SectionKind]sectionResult, len(results))
	for _, r := range results {
		byKind[r.kind] = r
	}

	b := BundleEnvelope{
		Data:   make(Document, len(names)+1),
		Errors: map[string]SectionError{},
	}
	for _, n := range names {
		r := byKind[bundleSources[n]]
		if r.err != nil {
			b.Data[n] = nil
			b.Errors[n] = SectionError{
				Code:    strings.ToUpper(n) + "_UNAVAILABLE",
				Message: r.err.Error(),
			}
			continue
		}
		if n == BundleMarine {
			b.Data[n] = marinePart(r.env.Data)
		} else {
			b.Data[n] = r.env.Data[n]
		}
	}

	var (
		ok          []Envelope
		anyStale    bool
		anyMiss     bool
		firstReason string
		sources     = map[Source]bool{}
		failedAny   = false
	)
	for _, r := range results {
		if r.err != nil {
			failedAny = true
			continue
		}
		ok = append(ok, r.env)
		sources[r.env.Source] = true
		switch r.env.Status {
		case StatusStale:
			anyStale = true
		case StatusMiss:
			anyMiss = true
		}
		if r.env.Degraded && firstReason == "" {
			firstReason = r.env.DegradedReason
		}
	}

	if len(ok) == 0 {
		b.GeneratedAt, b.SoftExpiresAt, b.StaleUntil = now, now, now
		b.Status = StatusMiss
		b.Source = SourceNone
		b.Degraded = true
		b.DegradedReason = ReasonAllSectionsFailed
		return b
	}

	if meta := firstMeta(ok); meta != nil {
		b.Data["meta"] = meta
	}

	b.GeneratedAt, b.SoftExpiresAt, b.StaleUntil = ok[0].GeneratedAt, ok[0].SoftExpiresAt, ok[0].StaleUntil
	for _, e := range ok[1:] {
		b.GeneratedAt = minTime(b.GeneratedAt, e.GeneratedAt)
		b.SoftExpiresAt = minTime(b.SoftExpiresAt, e.SoftExpiresAt)
		b.StaleUntil = minTime(b.StaleUntil, e.StaleUntil)
	}

	switch {
	case anyStale:
		b.Status = StatusStale
	case anyMiss:
		b.Status = StatusMiss
	default:
		b.Status = StatusHit
	}

	switch {
	case len(sources) == 1:
		for s := range sources {
			b.Source = s
		}
	case sources[SourceProvider]:
		b.Source = SourceProvider
	default:
		b.Source = SourceCold
	}

	switch {
	case failedAny:
		b.Degraded = true
		b.DegradedReason = ReasonPartialFailure
	case firstReason != "":
		b.Degraded = true
		b.DegradedReason = firstReason
	}
	return b
}

func marinePart(doc Document) map[string]any {
	return map[string]any{
		"hourly": doc["hourly"],
		"daily":  doc["daily"],
	}
}

func firstMeta(envs []Envelope) any {
	for _, e := range envs {
		if m, ok := e.Data["meta"]; ok {
			return m
		}
	}
	return nil
}
