package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/i474232898/weather-gateway/internal/weather"
)

// TenantDirectory is a static, in-memory tenant registry loaded from configuration.
type TenantDirectory struct {
	mu      sync.RWMutex
	tenants map[string]weather.Tenant
}

// NewTenantDirectory indexes tenants by slug. Later duplicates win.
func NewTenantDirectory(tenants []weather.Tenant) *TenantDirectory {
	d := &TenantDirectory{tenants: make(map[string]weather.Tenant, len(tenants))}
	for _, t := range tenants {
		d.tenants[t.Slug] = t
	}
	return d
}

// Resolve returns the tenant for slug, or ErrNotFound.
func (d *TenantDirectory) Resolve(slug string) (weather.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[slug]
	if !ok {
		return weather.Tenant{}, fmt.Errorf("tenant %q: %w", slug, ErrNotFound)
	}
	return t, nil
}

// All returns every tenant ordered by slug.
func (d *TenantDirectory) All() []weather.Tenant {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]weather.Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

var _ weather.TenantResolver = (*TenantDirectory)(nil)
