package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-gateway/internal/weather"
)

const openWeatherMaxDays = 8

// OpenWeatherProvider implements weather.Provider for the OpenWeatherMap
// One Call API. It has no marine product and answers in the location's own
// timezone.
type OpenWeatherProvider struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenWeatherProvider(httpCfg HTTPClientConfig, apiKey string) *OpenWeatherProvider {
	return &OpenWeatherProvider{
		name:    "openweathermap",
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org/data/3.0/onecall",
		httpCfg: httpCfg,
		circuit: newCircuit("openweather"),
	}
}

// WithBaseURL points the provider at another host.
func (p *OpenWeatherProvider) WithBaseURL(baseURL string) *OpenWeatherProvider {
	p.baseURL = baseURL
	return p
}

func (p *OpenWeatherProvider) Name() string {
	return p.name
}

func (p *OpenWeatherProvider) Capabilities() weather.Capabilities {
	return weather.Capabilities{HasMarine: false, SupportsTimezone: false, MaxDays: openWeatherMaxDays}
}

type openWeatherCondition struct {
	ID   int    `json:"id"`
	Main string `json:"main"`
}

type openWeatherResponse struct {
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	Timezone       string  `json:"timezone"`
	TimezoneOffset int     `json:"timezone_offset"`
	Current        struct {
		Dt        int64                  `json:"dt"`
		Temp      float64                `json:"temp"`
		FeelsLike float64                `json:"feels_like"`
		Humidity  float64                `json:"humidity"`
		WindSpeed float64                `json:"wind_speed"`
		WindDeg   float64                `json:"wind_deg"`
		WindGust  float64                `json:"wind_gust"`
		UVI       float64                `json:"uvi"`
		Weather   []openWeatherCondition `json:"weather"`
		Rain      struct {
			OneH float64 `json:"1h"`
		} `json:"rain"`
	} `json:"current"`
	Hourly []struct {
		Dt        int64                  `json:"dt"`
		Temp      float64                `json:"temp"`
		Pop       float64                `json:"pop"`
		WindSpeed float64                `json:"wind_speed"`
		UVI       float64                `json:"uvi"`
		Weather   []openWeatherCondition `json:"weather"`
		Rain      struct {
			OneH float64 `json:"1h"`
		} `json:"rain"`
	} `json:"hourly"`
	Daily []struct {
		Dt   int64 `json:"dt"`
		Temp struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"temp"`
		Pop       float64                `json:"pop"`
		Rain      float64                `json:"rain"`
		WindSpeed float64                `json:"wind_speed"`
		UVI       float64                `json:"uvi"`
		Sunrise   int64                  `json:"sunrise"`
		Sunset    int64                  `json:"sunset"`
		Weather   []openWeatherCondition `json:"weather"`
	} `json:"daily"`
}

func (p *OpenWeatherProvider) Forecast(ctx context.Context, lat, lon float64, opts weather.ProviderOptions) (weather.RawPayload, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openweather api key is not configured")
	}

	values := url.Values{}
	values.Set("appid", p.apiKey)
	values.Set("lat", fmt.Sprintf("%f", lat))
	values.Set("lon", fmt.Sprintf("%f", lon))
	values.Set("units", pick(opts.Units, "metric", "imperial"))
	values.Set("exclude", "minutely,alerts")

	var payload openWeatherResponse
	if err := getJSON(ctx, p.httpCfg, p.circuit, fmt.Sprintf("%s?%s", p.baseURL, values.Encode()), &payload); err != nil {
		return nil, err
	}
	return reshapeOpenWeather(payload, opts.Days), nil
}

func (p *OpenWeatherProvider) Marine(context.Context, float64, float64, weather.ProviderOptions) (weather.RawPayload, error) {
	return nil, errMarineUnsupported
}

func reshapeOpenWeather(in openWeatherResponse, days int) weather.RawPayload {
	out := weather.RawPayload{
		"latitude":           in.Lat,
		"longitude":          in.Lon,
		"timezone":           in.Timezone,
		"utc_offset_seconds": in.TimezoneOffset,
	}

	c := in.Current
	out["current"] = map[string]any{
		"time":                 unixUTC(c.Dt),
		"temperature_2m":       c.Temp,
		"apparent_temperature": c.FeelsLike,
		"relative_humidity_2m": c.Humidity,
		"precipitation":        c.Rain.OneH,
		"weather_code":         conditionID(c.Weather),
		"wind_speed_10m":       c.WindSpeed,
		"wind_direction_10m":   c.WindDeg,
		"wind_gusts_10m":       c.WindGust,
		"uv_index":             c.UVI,
	}

	hourly := columns{}
	for _, h := range in.Hourly {
		hourly.add("time", unixUTC(h.Dt))
		hourly.add("temperature_2m", h.Temp)
		hourly.add("precipitation_probability", h.Pop*100)
		hourly.add("precipitation", h.Rain.OneH)
		hourly.add("weather_code", conditionID(h.Weather))
		hourly.add("wind_speed_10m", h.WindSpeed)
		hourly.add("uv_index", h.UVI)
	}

	daily := columns{}
	for i, d := range in.Daily {
		if days > 0 && i >= days {
			break
		}
		daily.add("time", unixUTC(d.Dt))
		daily.add("weather_code", conditionID(d.Weather))
		daily.add("temperature_2m_max", d.Temp.Max)
		daily.add("temperature_2m_min", d.Temp.Min)
		daily.add("precipitation_sum", d.Rain)
		daily.add("precipitation_probability_max", d.Pop*100)
		daily.add("wind_speed_10m_max", d.WindSpeed)
		daily.add("uv_index_max", d.UVI)
		daily.add("sunrise", unixUTC(d.Sunrise))
		daily.add("sunset", unixUTC(d.Sunset))
	}

	out["hourly"] = hourly.payload()
	out["daily"] = daily.payload()
	return out
}

func conditionID(items []openWeatherCondition) any {
	if len(items) == 0 {
		return nil
	}
	return items[0].ID
}

var _ weather.Provider = (*OpenWeatherProvider)(nil)
