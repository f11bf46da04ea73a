package api

import (
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/studio-keygov-go/internal/metrics"
	"github.com/studio-keygov-go/internal/models"
	"github.com/studio-keygov-go/internal/services"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AuthMiddleware requires a valid bearer token when an admin password is set
func AuthMiddleware(authService *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/health" || path == "/api/login" {
			return c.Next()
		}

		if !authService.IsAuthRequired() {
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
			if authService.ValidateJWT(token) {
				return c.Next()
			}
		}

		return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{Error: "Unauthorized"})
	}
}

// ErrorHandler handles global errors
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	if strings.HasPrefix(c.Path(), "/api") {
		return c.Status(code).JSON(models.ErrorResponse{
			Error: message,
		})
	}

	return c.Status(code).SendString(message)
}

// RateLimiter throttles admin API clients by IP
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	log      *zap.SugaredLogger
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per client
func NewRateLimiter(requestsPerSecond, burst int, log *zap.SugaredLogger) *RateLimiter {
	if burst < requestsPerSecond {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		// bounded map; clients that were dropped just start a fresh bucket
		if len(rl.limiters) >= 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Handler returns the Fiber middleware
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.rate <= 0 {
			return c.Next()
		}

		key := c.IP()
		if !rl.getLimiter(key).Allow() {
			rl.log.Warnw("Rate limit exceeded", "ip", key, "path", c.Path(), "method", c.Method())
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{Error: "Too many requests"})
		}
		return c.Next()
	}
}

// MetricsMiddleware records request counts and latency per route
func MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}
		// route pattern, not the raw path, keeps label cardinality bounded
		metrics.RecordHTTPRequest(c.Method(), c.Route().Path, status, time.Since(start))
		return err
	}
}
