package weather

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// TTL is the freshness pair for a section: data is fresh until Soft and
// servable as stale until Hard.
type TTL struct {
	Soft time.Duration
	Hard time.Duration
}

// TTLPolicy maps sections to their TTLs.
type TTLPolicy struct {
	table map[SectionKind]TTL
}

// NewTTLPolicy builds a policy from a per-section table. Hard is raised to
// Soft when configured lower.
func NewTTLPolicy(table map[SectionKind]TTL) *TTLPolicy {
	t := make(map[SectionKind]TTL, len(table))
	for k, v := range table {
		if v.Hard < v.Soft {
			v.Hard = v.Soft
		}
		t[k] = v
	}
	return &TTLPolicy{table: t}
}

// ForSection returns the TTL for a single section.
func (p *TTLPolicy) ForSection(kind SectionKind) (TTL, error) {
	ttl, ok := p.table[kind]
	if !ok {
		return TTL{}, fmt.Errorf("%w: %q", ErrUnsupportedSection, kind)
	}
	return ttl, nil
}

// ForSections combines TTLs for a multi-section request: the shortest soft
// TTL and the longest hard TTL among the sections.
func (p *TTLPolicy) ForSections(kinds []SectionKind) (TTL, error) {
	if len(kinds) == 0 {
		return TTL{}, fmt.Errorf("%w: no sections requested", ErrConfiguration)
	}
	var combined TTL
	for i, k := range kinds {
		ttl, err := p.ForSection(k)
		if err != nil {
			return TTL{}, err
		}
		if i == 0 || ttl.Soft < combined.Soft {
			combined.Soft = ttl.Soft
		}
		if ttl.Hard > combined.Hard {
			combined.Hard = ttl.Hard
		}
	}
	return combined, nil
}

// Jitter spreads expiries so keys written together do not expire together.
type Jitter struct {
	fraction float64
	random   func() float64
}

// NewJitter returns a jitter of ±fraction. random defaults to math/rand/v2.
func NewJitter(fraction float64, random func() float64) *Jitter {
	if fraction < 0 {
		fraction = 0
	}
	if random == nil {
		random = rand.Float64
	}
	return &Jitter{fraction: fraction, random: random}
}

// Apply perturbs d uniformly within ±fraction, in whole seconds, never
// returning less than one second.
func (j *Jitter) Apply(d time.Duration) time.Duration {
	secs := d.Seconds()
	delta := secs * j.fraction * (2*j.random() - 1)
	out := math.Round(secs + delta)
	if out < 1 {
		out = 1
	}
	return time.Duration(out) * time.Second
}
