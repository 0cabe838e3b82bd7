package handler

import (
	"context"
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runtime is the part of the running server the probes look at.
type Runtime interface {
	IsStarted() bool
	// StatusMessage reports whether every component is healthy plus a human readable summary.
	StatusMessage(ctx context.Context) (bool, string)
	Ping(ctx context.Context) error
}

// Pinger is implemented by anything whose availability /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

// RegisterRoutes registers the status probe, health endpoints and metrics.
func RegisterRoutes(app *fiber.App, rt Runtime, statusKey string, gatherer prometheus.Gatherer) {
	app.Get("/status", Status(rt, statusKey))
	app.Get("/health", HealthCheck(rt))
	app.Get("/healthz", LivenessProbe())
	if gatherer != nil {
		app.Get("/metrics", Metrics(gatherer))
	}
}

// Status answers the launcher probe:
//
//	/status                       Ok
//	/status?info=started          true or false
//	/status?info=summary&key=K    "<ok>\n<summary>", 403 unless K matches the status key
//	/status?info=reload           reload(); or 503 while starting
func Status(rt Runtime, statusKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		info := c.Query("info")
		switch info {
		case "":
			return c.SendString("Ok")
		case "started":
			return c.SendString(strconv.FormatBool(rt.IsStarted()))
		case "summary":
			if !keyMatches(statusKey, c.Query("key")) {
				return c.SendStatus(fiber.StatusForbidden)
			}
			ok, msg := rt.StatusMessage(c.UserContext())
			return c.SendString(strconv.FormatBool(ok) + "\n" + msg)
		case "reload":
			if !rt.IsStarted() {
				return c.SendStatus(fiber.StatusServiceUnavailable)
			}
			return c.SendString("reload();")
		}
		// unknown requests get an empty answer
		return nil
	}
}

// keyMatches never accepts an unset key.
func keyMatches(want, got string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// HealthCheck pings the document store.
func HealthCheck(p Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), pingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "document store is not available")
		}
		return c.JSON(fiber.Map{"status": "healthy"})
	}
}

// LivenessProbe reports that the process is running.
func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "alive"})
	}
}

// Metrics exposes the prometheus registry.
func Metrics(g prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
