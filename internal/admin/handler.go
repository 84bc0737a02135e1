// Package admin serves the read-only request log API.
package admin

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository"
	"github.com/rs/zerolog"
)

var errUnauthorized = errors.New("unauthorized")

type Handler struct {
	repo   repository.LogRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandler(repo repository.LogRepository, logger zerolog.Logger) *Handler {
	return &Handler{repo: repo, logger: logger, now: time.Now}
}

// Auth requires "Authorization: Bearer <apiKey>". An empty apiKey rejects
// every request.
func Auth(apiKey string) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:" + fiber.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				return false, errUnauthorized
			}
			return true, nil
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"ok":    false,
				"error": "unauthorized",
			})
		},
	})
}

// Register mounts the admin routes on r. Callers put Auth in front.
func (h *Handler) Register(r fiber.Router) {
	r.Get("/logs", h.Logs)
	r.Get("/stats", h.Stats)
}

func intQuery(c *fiber.Ctx, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func filterFrom(c *fiber.Ctx) model.LogFilter {
	f := model.LogFilter{
		Source: c.Query("source"),
		Path:   c.Query("path"),
		IP:     c.Query("ip"),
	}
	if status, err := strconv.Atoi(c.Query("status")); err == nil {
		f.Status = &status
	}
	return f
}

func (h *Handler) Logs(c *fiber.Ctx) error {
	limit := intQuery(c, "limit", model.DefaultLimit)
	offset := intQuery(c, "offset", 0)

	page, err := h.repo.Query(c.UserContext(), filterFrom(c), limit, offset)
	if err != nil {
		return h.internalError(c, err, "Failed to query request log")
	}
	if page.Rows == nil {
		page.Rows = []model.LogRecord{}
	}

	return c.JSON(fiber.Map{
		"ok":     true,
		"limit":  page.Limit,
		"offset": page.Offset,
		"total":  page.Total,
		"rows":   page.Rows,
	})
}

func (h *Handler) Stats(c *fiber.Ctx) error {
	stats, err := h.repo.Stats(c.UserContext(), h.now())
	if err != nil {
		return h.internalError(c, err, "Failed to compute request log stats")
	}
	if stats.BySource == nil {
		stats.BySource = []model.SourceCount{}
	}

	return c.JSON(fiber.Map{
		"ok":       true,
		"total":    stats.Total,
		"lastHour": stats.LastHour,
		"lastDay":  stats.LastDay,
		"bySource": stats.BySource,
	})
}

func (h *Handler) internalError(c *fiber.Ctx, err error, msg string) error {
	h.logger.Error().Err(err).Str("path", c.Path()).Msg(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"ok":    false,
		"error": "internal error",
	})
}
