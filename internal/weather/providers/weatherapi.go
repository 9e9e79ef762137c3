package providers

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-gateway/internal/weather"
)

const weatherAPIMaxDays = 14

// WeatherAPIProvider implements weather.Provider for WeatherAPI.com.
// Responses are row oriented and are reshaped into columns.
type WeatherAPIProvider struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewWeatherAPIProvider(httpCfg HTTPClientConfig, apiKey string) *WeatherAPIProvider {
	return &WeatherAPIProvider{
		name:    "weatherapi",
		apiKey:  apiKey,
		baseURL: "https://api.weatherapi.com/v1",
		httpCfg: httpCfg,
		circuit: newCircuit("weatherapi"),
	}
}

// WithBaseURL points the provider at another host.
func (p *WeatherAPIProvider) WithBaseURL(baseURL string) *WeatherAPIProvider {
	p.baseURL = baseURL
	return p
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

func (p *WeatherAPIProvider) Capabilities() weather.Capabilities {
	return weather.Capabilities{HasMarine: true, SupportsTimezone: false, MaxDays: weatherAPIMaxDays}
}

type weatherAPICondition struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

type weatherAPILocation struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	TzID string  `json:"tz_id"`
}

type weatherAPIHour struct {
	TimeEpoch    int64               `json:"time_epoch"`
	TempC        float64             `json:"temp_c"`
	TempF        float64             `json:"temp_f"`
	ChanceOfRain float64             `json:"chance_of_rain"`
	PrecipMm     float64             `json:"precip_mm"`
	PrecipIn     float64             `json:"precip_in"`
	WindKph      float64             `json:"wind_kph"`
	WindMph      float64             `json:"wind_mph"`
	UV           float64             `json:"uv"`
	Condition    weatherAPICondition `json:"condition"`

	// marine.json only
	SigHtMt         float64 `json:"sig_ht_mt"`
	SwellHtMt       float64 `json:"swell_ht_mt"`
	SwellHtFt       float64 `json:"swell_ht_ft"`
	SwellPeriodSecs float64 `json:"swell_period_secs"`
	SwellDir        float64 `json:"swell_dir"`
	WaterTempC      float64 `json:"water_temp_c"`
	WaterTempF      float64 `json:"water_temp_f"`
}

type weatherAPIForecastDay struct {
	Date string `json:"date"`
	Day  struct {
		MaxTempC          float64             `json:"maxtemp_c"`
		MaxTempF          float64             `json:"maxtemp_f"`
		MinTempC          float64             `json:"mintemp_c"`
		MinTempF          float64             `json:"mintemp_f"`
		TotalPrecipMm     float64             `json:"totalprecip_mm"`
		TotalPrecipIn     float64             `json:"totalprecip_in"`
		DailyChanceOfRain float64             `json:"daily_chance_of_rain"`
		MaxWindKph        float64             `json:"maxwind_kph"`
		MaxWindMph        float64             `json:"maxwind_mph"`
		UV                float64             `json:"uv"`
		Condition         weatherAPICondition `json:"condition"`
	} `json:"day"`
	Astro struct {
		Sunrise string `json:"sunrise"`
		Sunset  string `json:"sunset"`
	} `json:"astro"`
	Hour []weatherAPIHour `json:"hour"`
}

type weatherAPIResponse struct {
	Location weatherAPILocation `json:"location"`
	Current  struct {
		LastUpdatedEpoch int64               `json:"last_updated_epoch"`
		TempC            float64             `json:"temp_c"`
		TempF            float64             `json:"temp_f"`
		FeelsLikeC       float64             `json:"feelslike_c"`
		FeelsLikeF       float64             `json:"feelslike_f"`
		Humidity         float64             `json:"humidity"`
		PrecipMm         float64             `json:"precip_mm"`
		PrecipIn         float64             `json:"precip_in"`
		WindKph          float64             `json:"wind_kph"`
		WindMph          float64             `json:"wind_mph"`
		WindDegree       float64             `json:"wind_degree"`
		GustKph          float64             `json:"gust_kph"`
		GustMph          float64             `json:"gust_mph"`
		UV               float64             `json:"uv"`
		Condition        weatherAPICondition `json:"condition"`
	} `json:"current"`
	Forecast struct {
		ForecastDay []weatherAPIForecastDay `json:"forecastday"`
	} `json:"forecast"`
}

func (p *WeatherAPIProvider) Forecast(ctx context.Context, lat, lon float64, opts weather.ProviderOptions) (weather.RawPayload, error) {
	var payload weatherAPIResponse
	if err := p.get(ctx, "forecast.json", lat, lon, opts, &payload); err != nil {
		return nil, err
	}
	return reshapeWeatherAPIForecast(payload, opts.Units), nil
}

func (p *WeatherAPIProvider) Marine(ctx context.Context, lat, lon float64, opts weather.ProviderOptions) (weather.RawPayload, error) {
	var payload weatherAPIResponse
	if err := p.get(ctx, "marine.json", lat, lon, opts, &payload); err != nil {
		return nil, err
	}
	return reshapeWeatherAPIMarine(payload, opts.Units), nil
}

func (p *WeatherAPIProvider) get(ctx context.Context, endpoint string, lat, lon float64, opts weather.ProviderOptions, out any) error {
	if p.apiKey == "" {
		return fmt.Errorf("weatherapi api key is not configured")
	}
	days := opts.Days
	if days <= 0 || days > weatherAPIMaxDays {
		days = weatherAPIMaxDays
	}

	values := url.Values{}
	values.Set("key", p.apiKey)
	// WeatherAPI uses "q" for location; it accepts "city,country" or "lat,lon".
	values.Set("q", fmt.Sprintf("%f,%f", lat, lon))
	values.Set("days", strconv.Itoa(days))
	values.Set("aqi", "no")
	values.Set("alerts", "no")

	return getJSON(ctx, p.httpCfg, p.circuit, fmt.Sprintf("%s/%s?%s", p.baseURL, endpoint, values.Encode()), out)
}

func weatherAPIMeta(loc weatherAPILocation) weather.RawPayload {
	return weather.RawPayload{
		"latitude":  loc.Lat,
		"longitude": loc.Lon,
		"timezone":  loc.TzID,
	}
}

func reshapeWeatherAPIForecast(in weatherAPIResponse, units weather.Units) weather.RawPayload {
	out := weatherAPIMeta(in.Location)
	c := in.Current
	out["current"] = map[string]any{
		"time":                 unixUTC(c.LastUpdatedEpoch),
		"temperature_2m":       pick(units, c.TempC, c.TempF),
		"apparent_temperature": pick(units, c.FeelsLikeC, c.FeelsLikeF),
		"relative_humidity_2m": c.Humidity,
		"precipitation":        pick(units, c.PrecipMm, c.PrecipIn),
		"weather_code":         c.Condition.Code,
		"condition_text":       c.Condition.Text,
		"wind_speed_10m":       pick(units, c.WindKph, c.WindMph),
		"wind_direction_10m":   c.WindDegree,
		"wind_gusts_10m":       pick(units, c.GustKph, c.GustMph),
		"uv_index":             c.UV,
	}

	hourly, daily := columns{}, columns{}
	for _, fd := range in.Forecast.ForecastDay {
		d := fd.Day
		daily.add("time", fd.Date)
		daily.add("weather_code", d.Condition.Code)
		daily.add("temperature_2m_max", pick(units, d.MaxTempC, d.MaxTempF))
		daily.add("temperature_2m_min", pick(units, d.MinTempC, d.MinTempF))
		daily.add("precipitation_sum", pick(units, d.TotalPrecipMm, d.TotalPrecipIn))
		daily.add("precipitation_probability_max", d.DailyChanceOfRain)
		daily.add("wind_speed_10m_max", pick(units, d.MaxWindKph, d.MaxWindMph))
		daily.add("uv_index_max", d.UV)
		daily.add("sunrise", fd.Astro.Sunrise)
		daily.add("sunset", fd.Astro.Sunset)

		for _, h := range fd.Hour {
			hourly.add("time", unixUTC(h.TimeEpoch))
			hourly.add("temperature_2m", pick(units, h.TempC, h.TempF))
			hourly.add("precipitation_probability", h.ChanceOfRain)
			hourly.add("precipitation", pick(units, h.PrecipMm, h.PrecipIn))
			hourly.add("weather_code", h.Condition.Code)
			hourly.add("wind_speed_10m", pick(units, h.WindKph, h.WindMph))
			hourly.add("uv_index", h.UV)
		}
	}
	out["hourly"] = hourly.payload()
	out["daily"] = daily.payload()
	return out
}

func reshapeWeatherAPIMarine(in weatherAPIResponse, units weather.Units) weather.RawPayload {
	out := weatherAPIMeta(in.Location)

	hourly, daily := columns{}, columns{}
	for _, fd := range in.Forecast.ForecastDay {
		maxWave, maxSwell := math.Inf(-1), math.Inf(-1)
		for _, h := range fd.Hour {
			wave := pick(units, h.SigHtMt, h.SigHtMt*3.28084)
			swell := pick(units, h.SwellHtMt, h.SwellHtFt)
			hourly.add("time", unixUTC(h.TimeEpoch))
			hourly.add("wave_height", wave)
			hourly.add("swell_wave_height", swell)
			hourly.add("swell_wave_period", h.SwellPeriodSecs)
			hourly.add("swell_wave_direction", h.SwellDir)
			hourly.add("sea_surface_temperature", pick(units, h.WaterTempC, h.WaterTempF))
			maxWave = math.Max(maxWave, wave)
			maxSwell = math.Max(maxSwell, swell)
		}
		daily.add("time", fd.Date)
		if len(fd.Hour) == 0 {
			daily.add("wave_height_max", nil)
			daily.add("swell_wave_height_max", nil)
			continue
		}
		daily.add("wave_height_max", maxWave)
		daily.add("swell_wave_height_max", maxSwell)
	}
	out["hourly"] = hourly.payload()
	out["daily"] = daily.payload()
	return out
}

var _ weather.Provider = (*WeatherAPIProvider)(nil)
