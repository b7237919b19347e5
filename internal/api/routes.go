package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/rate"
)

// HealthChecker is satisfied by every store backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators RegisterRoutes mounts. NATS may be nil when the
// stream is not configured.
type Deps struct {
	Logger  *zap.Logger
	Market  *MarketHandler
	Custody *CustodyHandler
	Store   HealthChecker
	NATS    *nats.Conn
	Admin   TokenSource
	Limiter *rate.Manager
}

func RegisterRoutes(app *fiber.App, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := d.Admin
	if tokens == nil {
		tokens = StaticToken("")
	}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", healthHandler(d.Store, d.NATS))

	v1 := app.Group("/api/v1")

	limit := RateLimit(d.Limiter)
	v1.Get("/listings", d.Market.ListListings)
	v1.Get("/listings/:key", d.Market.GetListing)
	v1.Get("/listings/:key/events", d.Market.ListingEvents)
	v1.Get("/events", d.Market.RecentEvents)
	v1.Post("/listings", limit, d.Market.CreateListing)
	v1.Post("/listings/:key/purchase", limit, d.Market.Purchase)
	v1.Post("/listings/:key/cancel", limit, d.Market.Cancel)

	v1.Get("/accounts/:identity", d.Custody.Account)
	v1.Get("/assets/:asset", d.Custody.Asset)

	admin := v1.Group("/admin", AdminOnly(tokens, logger))
	admin.Post("/assets", d.Custody.MintAsset)
	admin.Post("/deposits", d.Custody.Deposit)
}

func healthHandler(st HealthChecker, nc *nats.Conn) fiber.Handler {
	return func(c *fiber.Ctx) error {
		checks := map[string]string{
			"nats":  "disabled",
			"store": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		if nc != nil {
			checks["nats"] = "ok"
			if !nc.IsConnected() {
				checks["nats"] = "disconnected"
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			} else if err := nc.FlushTimeout(1 * time.Second); err != nil {
				checks["nats"] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(healthResponse{Status: status, Checks: checks, Time: time.Now().UTC()})
	}
}
