package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/weather-gateway/internal/common"
	"github.com/i474232898/weather-gateway/internal/weather"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings shared by
// every vendor.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
	// Limiter caps outbound requests per second; nil means unlimited.
	Limiter *rate.Limiter
}

var (
	errRateLimited       = errors.New("rate limited")
	errServerError       = errors.New("server error")
	errUnexpected        = errors.New("unexpected status code")
	errCircuitOpen       = errors.New("circuit breaker open")
	errNoHTTPClient      = errors.New("http client not configured")
	errInvalidConfig     = errors.New("invalid backoff configuration")
	errMarineUnsupported = errors.New("marine forecasts are not supported by this provider")
)

func newCircuit(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// doRequestWithResilience executes the HTTP request with rate limiting,
// retries with exponential backoff, and a circuit breaker.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Backoff.InitialInterval
	if cfg.Backoff.MaxInterval > 0 {
		policy.MaxInterval = cfg.Backoff.MaxInterval
	}
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.Backoff.MaxRetries)), ctx)

	var resp *http.Response
	attempt := func() error {
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		req, err := buildRequest()
		if err != nil {
			return backoff.Permanent(err)
		}
		// Ensure the request obeys context cancellation.
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			r, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			// Handle rate limiting and server errors explicitly.
			switch {
			case r.StatusCode == http.StatusTooManyRequests:
				drain(r)
				return nil, errRateLimited
			case r.StatusCode >= 500:
				drain(r)
				return nil, fmt.Errorf("%w: %d", errServerError, r.StatusCode)
			case r.StatusCode < 200 || r.StatusCode >= 300:
				drain(r)
				return nil, fmt.Errorf("%w: %d", errUnexpected, r.StatusCode)
			}
			return r, nil
		})
		if err != nil {
			// If circuit is open, propagate immediately.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %v", errCircuitOpen, err))
			}
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		r, ok := result.(*http.Response)
		if !ok {
			return backoff.Permanent(fmt.Errorf("unexpected result type from circuit breaker"))
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(attempt, retries); err != nil {
		return nil, err
	}
	return resp, nil
}

func retryable(err error) bool {
	if errors.Is(err, errRateLimited) || errors.Is(err, errServerError) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return common.ContainsAny(err.Error(), "timeout", "connection reset", "connection refused", "EOF")
}

func drain(r *http.Response) {
	_, _ = io.Copy(io.Discard, r.Body)
	_ = r.Body.Close()
}

// getJSON performs a resilient GET and decodes the body into out.
func getJSON(ctx context.Context, cfg HTTPClientConfig, cb *gobreaker.CircuitBreaker, url string, out any) error {
	resp, err := doRequestWithResilience(ctx, cfg, cb, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// columns accumulates row-oriented vendor data into the columnar shape the
// normalizer reads ({"time": [...], "temperature_2m": [...], ...}).
type columns map[string][]any

func (c columns) add(name string, v any) {
	c[name] = append(c[name], v)
}

func (c columns) payload() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func unixUTC(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func pick[T any](units weather.Units, metric, imperial T) T {
	if units == weather.UnitsImperial {
		return imperial
	}
	return metric
}
