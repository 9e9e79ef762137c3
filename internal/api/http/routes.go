package httpapi

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/weather-gateway/internal/common"
	"github.com/i474232898/weather-gateway/internal/store"
	"github.com/i474232898/weather-gateway/internal/weather"
)

var validate = validator.New()

// Gateway is the read API the handlers serve from.
type Gateway interface {
	GetSection(ctx context.Context, tenant weather.Tenant, opts weather.Options, kind weather.SectionKind, forceRefresh bool) (weather.Envelope, error)
	Bundle(ctx context.Context, tenant weather.Tenant, opts weather.Options, sections []string, forceRefresh bool) (weather.BundleEnvelope, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, gateway Gateway, tenants weather.TenantResolver) {
	v1 := app.Group("/api/v1")

	v1.Get("/tenants/:tenant/weather/:section", func(c *fiber.Ctx) error {
		tenant, err := tenants.Resolve(c.Params("tenant"))
		if err != nil {
			return toFiberError(err)
		}

		var q weatherQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		kind := weather.SectionKind(strings.ToLower(c.Params("section")))
		env, err := gateway.GetSection(c.UserContext(), tenant, q.options(), kind, q.Refresh)
		if err != nil {
			return toFiberError(err)
		}

		setCacheHeaders(c, env.ETag, env.Status)
		return c.JSON(env.Wire())
	})

	v1.Get("/tenants/:tenant/bundle", func(c *fiber.Ctx) error {
		tenant, err := tenants.Resolve(c.Params("tenant"))
		if err != nil {
			return toFiberError(err)
		}

		var q bundleQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		bundle, err := gateway.Bundle(c.UserContext(), tenant, q.options(), q.Sections, q.Refresh)
		if err != nil {
			return toFiberError(err)
		}

		setCacheHeaders(c, bundle.ETag, bundle.Status)
		return c.JSON(bundle.Wire())
	})
}

// ErrorHandler renders every handler error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// toFiberError maps gateway errors onto HTTP status codes.
func toFiberError(err error) error {
	var perr *weather.ProviderError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, weather.ErrConfiguration):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, weather.ErrCircuitOpen), errors.Is(err, weather.ErrLockBusy):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.As(err, &perr):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch weather data")
	}
}

func setCacheHeaders(c *fiber.Ctx, etag string, status weather.Status) {
	if etag != "" {
		c.Set(fiber.HeaderETag, strconv.Quote(etag))
	}
	c.Set("X-Cache", strings.ToUpper(string(status)))
}

// weatherQuery holds the query parameters shared by both endpoints.
type weatherQuery struct {
	Units    string `validate:"omitempty,oneof=metric imperial"`
	Days     int    `validate:"omitempty,min=1,max=16"`
	Timezone string `validate:"omitempty,max=64"`
	Refresh  bool
}

func (q *weatherQuery) bind(c *fiber.Ctx) error {
	q.Units = strings.ToLower(c.Query("units"))
	q.Timezone = c.Query("timezone")

	if v := c.Query("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("days must be an integer")
		}
		q.Days = days
	}
	if v := c.Query("refresh"); v != "" {
		refresh, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("refresh must be a boolean")
		}
		q.Refresh = refresh
	}

	return validate.Struct(q)
}

func (q weatherQuery) options() weather.Options {
	return weather.Options{
		Timezone: q.Timezone,
		Units:    weather.Units(q.Units),
		Days:     q.Days,
	}
}

// bundleQuery adds the requested section list to weatherQuery.
type bundleQuery struct {
	weatherQuery
	Sections []string `validate:"required,min=1,dive,oneof=current hourly daily marine"`
}

func (q *bundleQuery) bind(c *fiber.Ctx) error {
	if err := q.weatherQuery.bind(c); err != nil {
		return err
	}
	q.Sections = common.SplitList(c.Query("sections"))
	return validate.Struct(q)
}
