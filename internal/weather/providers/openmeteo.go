package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-gateway/internal/weather"
)

const (
	openMeteoForecastURL = "https://api.open-meteo.com/v1/forecast"
	openMeteoMarineURL   = "https://marine-api.open-meteo.com/v1/marine"

	openMeteoMaxDays       = 16
	openMeteoMarineMaxDays = 8
)

var (
	openMeteoCurrent = "temperature_2m,relative_humidity_2m,apparent_temperature,precipitation,weather_code,wind_speed_10m,wind_direction_10m,wind_gusts_10m"
	openMeteoHourly  = "temperature_2m,precipitation_probability,precipitation,weather_code,wind_speed_10m,uv_index"
	openMeteoDaily   = "weather_code,temperature_2m_max,temperature_2m_min,precipitation_sum,precipitation_probability_max,sunrise,sunset,uv_index_max,wind_speed_10m_max"

	openMeteoMarineHourly = "wave_height,wave_direction,wave_period,swell_wave_height,swell_wave_period,swell_wave_direction,sea_surface_temperature"
	openMeteoMarineDaily  = "wave_height_max,wave_direction_dominant,wave_period_max,swell_wave_height_max"
)

// OpenMeteoProvider implements weather.Provider for Open-Meteo. Its
// responses are already in the columnar shape, so no reshaping is needed.
type OpenMeteoProvider struct {
	name        string
	forecastURL string
	marineURL   string
	httpCfg     HTTPClientConfig
	circuit     *gobreaker.CircuitBreaker
}

func NewOpenMeteoProvider(httpCfg HTTPClientConfig) *OpenMeteoProvider {
	return &OpenMeteoProvider{
		name:        "openmeteo",
		forecastURL: openMeteoForecastURL,
		marineURL:   openMeteoMarineURL,
		httpCfg:     httpCfg,
		circuit:     newCircuit("openmeteo"),
	}
}

// WithBaseURLs points the provider at other hosts, e.g. a self-hosted instance.
func (p *OpenMeteoProvider) WithBaseURLs(forecastURL, marineURL string) *OpenMeteoProvider {
	p.forecastURL = forecastURL
	p.marineURL = marineURL
	return p
}

func (p *OpenMeteoProvider) Name() string {
	return p.name
}

func (p *OpenMeteoProvider) Capabilities() weather.Capabilities {
	return weather.Capabilities{HasMarine: true, SupportsTimezone: true, MaxDays: openMeteoMaxDays}
}

func (p *OpenMeteoProvider) Forecast(ctx context.Context, lat, lon float64, opts weather.ProviderOptions) (weather.RawPayload, error) {
	values := baseValues(lat, lon, opts, openMeteoMaxDays)
	values.Set("current", openMeteoCurrent)
	values.Set("hourly", openMeteoHourly)
	values.Set("daily", openMeteoDaily)
	if opts.Units == weather.UnitsImperial {
		values.Set("temperature_unit", "fahrenheit")
		values.Set("wind_speed_unit", "mph")
		values.Set("precipitation_unit", "inch")
	}

	var payload weather.RawPayload
	if err := getJSON(ctx, p.httpCfg, p.circuit, fmt.Sprintf("%s?%s", p.forecastURL, values.Encode()), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *OpenMeteoProvider) Marine(ctx context.Context, lat, lon float64, opts weather.ProviderOptions) (weather.RawPayload, error) {
	values := baseValues(lat, lon, opts, openMeteoMarineMaxDays)
	values.Set("hourly", openMeteoMarineHourly)
	values.Set("daily", openMeteoMarineDaily)
	if opts.Units == weather.UnitsImperial {
		values.Set("length_unit", "imperial")
	}

	var payload weather.RawPayload
	if err := getJSON(ctx, p.httpCfg, p.circuit, fmt.Sprintf("%s?%s", p.marineURL, values.Encode()), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func baseValues(lat, lon float64, opts weather.ProviderOptions, maxDays int) url.Values {
	days := opts.Days
	if days <= 0 || days > maxDays {
		days = maxDays
	}
	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%f", lat))
	values.Set("longitude", fmt.Sprintf("%f", lon))
	values.Set("forecast_days", strconv.Itoa(days))
	if opts.Timezone != "" {
		values.Set("timezone", opts.Timezone)
	}
	return values
}

var _ weather.Provider = (*OpenMeteoProvider)(nil)
