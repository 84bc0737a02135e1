// Package server assembles the fiber application.
package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pendingjustification/pjedge/internal/admin"
	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/proxy"
	"github.com/pendingjustification/pjedge/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Deps struct {
	Config  *config.Config
	Engine  *proxy.Engine
	Admin   *admin.Handler
	Limiter ratelimit.Limiter // nil when rate limiting is disabled
	Metrics prometheus.Gatherer
	Version string
	Logger  zerolog.Logger
}

// NewApp wires the routes: health, metrics, the admin API and the proxy.
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "pjedge",
		ReadTimeout:           d.Config.Server.ReadTimeout,
		WriteTimeout:          d.Config.Server.WriteTimeout,
		IdleTimeout:           d.Config.Server.IdleTimeout,
		ProxyHeader:           d.Config.Server.ProxyHeader,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(d.Logger),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			d.Logger.Error().Interface("panic", e).Str("path", c.Path()).Msg("Recovered from panic")
		},
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": d.Version})
	})

	if d.Config.Metrics.Enabled && d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})))
	}

	api := app.Group("/admin/api")
	if d.Limiter != nil {
		api.Use(ratelimit.Middleware(d.Limiter))
	}
	api.Use(admin.Auth(d.Config.Admin.APIKey))
	d.Admin.Register(api)

	app.All(d.Config.Proxy.Prefix+"/*", d.Engine.Handle)

	return app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		msg := "internal error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			msg = fe.Message
		} else {
			logger.Error().Err(err).Str("path", c.Path()).Msg("Unhandled error")
		}

		return c.Status(code).JSON(fiber.Map{"ok": false, "error": msg})
	}
}
