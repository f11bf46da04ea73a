package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/studio-keygov-go/internal/metrics"
)

// SetupRoutes configures all routes
func SetupRoutes(app *fiber.App, handlers *Handlers, limiter *RateLimiter) {
	app.Use(MetricsMiddleware())

	// Health check and scrape endpoint
	app.Get("/health", handlers.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api")
	if limiter != nil {
		api.Use(limiter.Handler())
	}

	// Authentication (skipped by the auth middleware)
	api.Use(AuthMiddleware(handlers.authService))
	api.Post("/login", handlers.Login)

	// Credentials
	api.Get("/keys", handlers.GetKeys)
	api.Post("/keys", handlers.CreateKey)
	api.Post("/keys/active", handlers.SetActive)
	api.Post("/keys/primary", handlers.SetPrimary)
	api.Post("/keys/validate", handlers.ValidateKeys)
	api.Delete("/keys/:id", handlers.DeleteKey)
	api.Get("/categories/:category/primary", handlers.ResolvePrimary)

	// Usage and quotas
	api.Get("/usage", handlers.GetUsage)
	api.Post("/outcomes", handlers.RecordOutcome)
	api.Get("/rate-limits", handlers.GetRateLimits)
	api.Put("/rate-limits", handlers.UpsertRateLimit)
	api.Post("/rate-limits/reset", handlers.ResetRateLimit)

	// Function routing
	api.Get("/functions", handlers.GetFunctions)
	api.Put("/functions", handlers.UpsertFunction)
	api.Get("/functions/:name/resolve", handlers.ResolveFunction)
}
