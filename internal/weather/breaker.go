package weather

import (
	"context"
	"time"
)

// CircuitBreaker is a per (tenant, section) consecutive-failure gate.
//
// It has two states. Closed while the failure counter is below the
// threshold, open once it reaches it. A success resets the counter. There is
// no half-open probe: an idle open breaker closes when its counter entry
// expires in the backing store after the failure window.
type CircuitBreaker struct {
	store     CounterStore
	threshold int64
	window    time.Duration
}

// NewCircuitBreaker returns a breaker over store. threshold below 1 is treated as 1.
func NewCircuitBreaker(store CounterStore, threshold int, window time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{store: store, threshold: int64(threshold), window: window}
}

// RecordFailure counts one failure and reports whether this failure is the
// one that opened the breaker.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, tenant string, kind SectionKind) (bool, error) {
	n, err := b.store.Increment(ctx, circuitKey(tenant, kind), b.window)
	if err != nil {
		return false, err
	}
	return n == b.threshold, nil
}

// RecordSuccess closes the breaker immediately.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, tenant string, kind SectionKind) error {
	return b.store.Reset(ctx, circuitKey(tenant, kind))
}

// IsOpen reports whether the failure count has reached the threshold.
func (b *CircuitBreaker) IsOpen(ctx context.Context, tenant string, kind SectionKind) (bool, error) {
	n, err := b.store.Count(ctx, circuitKey(tenant, kind))
	if err != nil {
		return false, err
	}
	return n >= b.threshold, nil
}
