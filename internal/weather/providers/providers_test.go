package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-gateway/internal/weather"
)

func testHTTPConfig(retries int) HTTPClientConfig {
	return HTTPClientConfig{
		Client: &http.Client{Timeout: 2 * time.Second},
		Backoff: BackoffConfig{
			MaxRetries:      retries,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}
}

func TestOpenMeteoForecastPassesThroughColumns(t *testing.T) {
	var query atomicQuery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query().Encode())
		assert.Equal(t, "Europe/Lisbon", r.URL.Query().Get("timezone"))
		assert.Equal(t, "3", r.URL.Query().Get("forecast_days"))
		assert.Equal(t, "fahrenheit", r.URL.Query().Get("temperature_unit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"latitude":38.72,"longitude":-9.14,"timezone":"Europe/Lisbon",
			"current":{"temperature_2m":70.1},
			"hourly":{"time":["2026-10-19T00:00"],"temperature_2m":[64.2]},
			"daily":{"time":["2026-10-19"],"temperature_2m_max":[74.0]}}`))
	}))
	defer srv.Close()

	p := NewOpenMeteoProvider(testHTTPConfig(0)).WithBaseURLs(srv.URL, srv.URL)
	raw, err := p.Forecast(context.Background(), 38.72, -9.14, weather.ProviderOptions{
		Timezone: "Europe/Lisbon", Units: weather.UnitsImperial, Days: 3,
	})
	require.NoError(t, err)

	doc := weather.NormalizeForecast(raw)
	assert.Equal(t, 70.1, doc["current"].(map[string]any)["temperature_2m"])
	assert.Equal(t, "Europe/Lisbon", doc["meta"].(map[string]any)["timezone"])
	assert.NotEmpty(t, query.Load())
}

func TestOpenMeteoMarineCapsDays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "8", r.URL.Query().Get("forecast_days"))
		assert.NotEmpty(t, r.URL.Query().Get("hourly"))
		_, _ = w.Write([]byte(`{"hourly":{"wave_height":[1.1]},"daily":{"wave_height_max":[1.9]}}`))
	}))
	defer srv.Close()

	p := NewOpenMeteoProvider(testHTTPConfig(0)).WithBaseURLs(srv.URL, srv.URL)
	raw, err := p.Marine(context.Background(), 38.72, -9.14, weather.ProviderOptions{Days: 16})
	require.NoError(t, err)
	assert.Contains(t, raw, "hourly")
}

func TestWeatherAPIForecastReshapesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forecast.json", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{
			"location":{"lat":38.72,"lon":-9.14,"tz_id":"Europe/Lisbon"},
			"current":{"last_updated_epoch":1792411200,"temp_c":21.5,"temp_f":70.7,"condition":{"text":"Sunny","code":1000}},
			"forecast":{"forecastday":[{
				"date":"2026-10-19",
				"day":{"maxtemp_c":23.4,"maxtemp_f":74.1,"mintemp_c":15.0,"mintemp_f":59.0,"condition":{"code":1003}},
				"astro":{"sunrise":"07:45 AM","sunset":"06:50 PM"},
				"hour":[{"time_epoch":1792368000,"temp_c":16.0,"temp_f":60.8},{"time_epoch":1792371600,"temp_c":15.5,"temp_f":59.9}]
			}]}}`))
	}))
	defer srv.Close()

	p := NewWeatherAPIProvider(testHTTPConfig(0), "secret").WithBaseURL(srv.URL)
	raw, err := p.Forecast(context.Background(), 38.72, -9.14, weather.ProviderOptions{Units: weather.UnitsMetric, Days: 1})
	require.NoError(t, err)

	assert.Equal(t, "Europe/Lisbon", raw["timezone"])
	current := raw["current"].(map[string]any)
	assert.Equal(t, 21.5, current["temperature_2m"])
	assert.Equal(t, 1000, current["weather_code"])

	hourly := raw["hourly"].(map[string]any)
	assert.Equal(t, []any{16.0, 15.5}, hourly["temperature_2m"])
	assert.Len(t, hourly["time"], 2)

	daily := raw["daily"].(map[string]any)
	assert.Equal(t, []any{"2026-10-19"}, daily["time"])
	assert.Equal(t, []any{23.4}, daily["temperature_2m_max"])
}

func TestWeatherAPIMarineDailyMaxima(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/marine.json", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"location":{"lat":38.72,"lon":-9.14,"tz_id":"Europe/Lisbon"},
			"forecast":{"forecastday":[{"date":"2026-10-19","hour":[
				{"time_epoch":1792368000,"sig_ht_mt":1.2,"swell_ht_mt":0.8},
				{"time_epoch":1792371600,"sig_ht_mt":1.6,"swell_ht_mt":0.7}
			]}]}}`))
	}))
	defer srv.Close()

	p := NewWeatherAPIProvider(testHTTPConfig(0), "secret").WithBaseURL(srv.URL)
	raw, err := p.Marine(context.Background(), 38.72, -9.14, weather.ProviderOptions{})
	require.NoError(t, err)

	daily := raw["daily"].(map[string]any)
	assert.Equal(t, []any{1.6}, daily["wave_height_max"])
	assert.Equal(t, []any{0.8}, daily["swell_wave_height_max"])
}

func TestWeatherAPIRequiresKey(t *testing.T) {
	p := NewWeatherAPIProvider(testHTTPConfig(0), "")
	_, err := p.Forecast(context.Background(), 0, 0, weather.ProviderOptions{})
	assert.Error(t, err)
}

func TestOpenWeatherForecastReshape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "imperial", r.URL.Query().Get("units"))
		_, _ = w.Write([]byte(`{
			"lat":38.72,"lon":-9.14,"timezone":"Europe/Lisbon","timezone_offset":3600,
			"current":{"dt":1792411200,"temp":70.7,"weather":[{"id":800,"main":"Clear"}]},
			"hourly":[{"dt":1792411200,"temp":70.7,"pop":0.2}],
			"daily":[{"dt":1792411200,"temp":{"min":59,"max":74},"pop":0.5},{"dt":1792497600,"temp":{"min":58,"max":72}}]
		}`))
	}))
	defer srv.Close()

	p := NewOpenWeatherProvider(testHTTPConfig(0), "secret").WithBaseURL(srv.URL)
	raw, err := p.Forecast(context.Background(), 38.72, -9.14, weather.ProviderOptions{Units: weather.UnitsImperial, Days: 1})
	require.NoError(t, err)

	assert.Equal(t, 3600, raw["utc_offset_seconds"])
	assert.Equal(t, 800, raw["current"].(map[string]any)["weather_code"])
	assert.Equal(t, []any{20.0}, raw["hourly"].(map[string]any)["precipitation_probability"])
	assert.Equal(t, []any{74.0}, raw["daily"].(map[string]any)["temperature_2m_max"])
}

func TestOpenWeatherHasNoMarine(t *testing.T) {
	p := NewOpenWeatherProvider(testHTTPConfig(0), "secret")
	assert.False(t, p.Capabilities().HasMarine)

	_, err := p.Marine(context.Background(), 0, 0, weather.ProviderOptions{})
	assert.ErrorIs(t, err, errMarineUnsupported)
}

func TestTransportRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"current":{}}`))
	}))
	defer srv.Close()

	p := NewOpenMeteoProvider(testHTTPConfig(2)).WithBaseURLs(srv.URL, srv.URL)
	_, err := p.Forecast(context.Background(), 0, 0, weather.ProviderOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestTransportDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenMeteoProvider(testHTTPConfig(3)).WithBaseURLs(srv.URL, srv.URL)
	_, err := p.Forecast(context.Background(), 0, 0, weather.ProviderOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUnexpected))
	assert.Equal(t, int32(1), hits.Load())
}

func TestTransportWithoutRetriesFailsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenMeteoProvider(testHTTPConfig(0)).WithBaseURLs(srv.URL, srv.URL)
	_, err := p.Forecast(context.Background(), 0, 0, weather.ProviderOptions{})
	assert.ErrorIs(t, err, errRateLimited)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTransportRequiresClient(t *testing.T) {
	p := NewOpenMeteoProvider(HTTPClientConfig{Backoff: BackoffConfig{InitialInterval: time.Millisecond}})
	_, err := p.Forecast(context.Background(), 0, 0, weather.ProviderOptions{})
	assert.ErrorIs(t, err, errNoHTTPClient)
}

type atomicQuery struct {
	v atomic.Value
}

func (q *atomicQuery) Store(s string) { q.v.Store(s) }

func (q *atomicQuery) Load() string {
	s, _ := q.v.Load().(string)
	return s
}
