package weather

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks requests that can never succeed as asked; never retried.
	ErrConfiguration = errors.New("weather configuration error")

	ErrUnsupportedSection = fmt.Errorf("%w: unsupported section", ErrConfiguration)
	ErrMarineUnsupported  = fmt.Errorf("%w: marine data unavailable for tenant or provider", ErrConfiguration)

	// ErrCircuitOpen is returned when the breaker is open and nothing servable is cached.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrLockBusy is returned when another refresh holds the key and nothing servable is cached.
	ErrLockBusy = errors.New("refresh already in progress")
)

// ProviderError wraps an upstream failure with the request it belonged to.
type ProviderError struct {
	Provider string
	Tenant   string
	Section  SectionKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed for %s/%s: %v", e.Provider, e.Tenant, e.Section, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
