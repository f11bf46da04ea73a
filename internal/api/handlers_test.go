package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studio-keygov-go/internal/models"
	"github.com/studio-keygov-go/internal/services"
	"github.com/studio-keygov-go/internal/storage"
	"github.com/studio-keygov-go/internal/utils"
)

func newTestApp(t *testing.T, adminPassword string) *fiber.App {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := storage.WrapClient(client)

	log := utils.NewNopLogger()
	creds := storage.NewCredentialStore(rc)
	gov := services.NewGovernanceService(creds, storage.NewRateLimitTracker(rc), storage.NewRedisLedger(rc),
		storage.NewFunctionRoutingTable(rc, nil), log, 10)

	pool := services.NewWorkerPool(2, 4, 2*time.Second, log)
	pool.Start()
	t.Cleanup(pool.Stop)
	validator := services.NewCredentialValidator(creds, pool, log, 3, 5)

	handlers := NewHandlers(gov, validator, services.NewAuthService(adminPassword, "test-secret", time.Hour))

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	SetupRoutes(app, handlers, NewRateLimiter(1000, 1000, log))
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}, token string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, "")
	status, body := doJSON(t, app, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "healthy")
}

func TestKeysLifecycle(t *testing.T) {
	app := newTestApp(t, "")

	status, body := doJSON(t, app, http.MethodPost, "/api/keys", models.CreateKeyRequest{
		ServiceName: "dalle", Category: "Image Generation", Key: "sk-dalle-0123456789", IsPrimary: true,
	}, "")
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decode[struct {
		Success bool              `json:"success"`
		Key     models.APIKeyView `json:"key"`
	}](t, body)
	assert.True(t, created.Success)
	assert.Equal(t, "sk-d...6789", created.Key.Masked)

	status, body = doJSON(t, app, http.MethodPost, "/api/keys", models.CreateKeyRequest{
		ServiceName: "dalle", Category: "Image Generation",
	}, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, decode[models.ActionResult](t, body).Success)

	status, _ = doJSON(t, app, http.MethodPost, "/api/keys", models.CreateKeyRequest{Category: "Image Generation"}, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, app, http.MethodPost, "/api/keys/primary", models.SetPrimaryRequest{
		ServiceName: "midjourney", Category: "Image Generation",
	}, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, decode[models.ActionResult](t, body).Error)

	status, _ = doJSON(t, app, http.MethodPost, "/api/keys/active", models.SetActiveRequest{
		ServiceName: "dalle", Category: "Image Generation", IsActive: false,
	}, "")
	assert.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, app, http.MethodGet, "/api/keys", nil, "")
	require.Equal(t, http.StatusOK, status)
	grouped := decode[map[string][]models.APIKeyView](t, body)
	require.Len(t, grouped["Image Generation"], 1)
	view := grouped["Image Generation"][0]
	assert.False(t, view.IsActive)
	assert.True(t, view.IsPrimary)
	assert.NotContains(t, string(body), "sk-dalle-0123456789")

	status, _ = doJSON(t, app, http.MethodDelete, "/api/keys/"+view.ID, nil, "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, app, http.MethodDelete, "/api/keys/"+view.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestResolveAndOutcomes(t *testing.T) {
	app := newTestApp(t, "")

	status, body := doJSON(t, app, http.MethodGet, "/api/functions/generateImage/resolve", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.Unconfigured, decode[models.Resolution](t, body).State)

	for _, svc := range []string{"dalle", "stable-diffusion"} {
		status, _ := doJSON(t, app, http.MethodPost, "/api/keys", models.CreateKeyRequest{ServiceName: svc, Category: "Image Generation"}, "")
		require.Equal(t, http.StatusCreated, status)
	}
	status, _ = doJSON(t, app, http.MethodPut, "/api/rate-limits", models.UpsertRateLimitRequest{ServiceName: "dalle", RequestLimit: 1}, "")
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, app, http.MethodPut, "/api/functions", models.UpsertMappingRequest{
		FunctionName: "generateImage", PreferredService: "dalle", FallbackService: "stable-diffusion",
	}, "")
	require.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, app, http.MethodGet, "/api/functions/generateImage/resolve", nil, "")
	require.Equal(t, http.StatusOK, status)
	res := decode[models.Resolution](t, body)
	assert.Equal(t, models.Resolved, res.State)
	assert.Equal(t, "dalle", res.Service)

	status, _ = doJSON(t, app, http.MethodPost, "/api/outcomes", models.Outcome{
		ServiceName: "dalle", Category: "Image Generation", Success: false, ResponseTimeMs: 1200, ErrorMessage: "timeout",
	}, "")
	require.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, app, http.MethodGet, "/api/functions/generateImage/resolve", nil, "")
	require.Equal(t, http.StatusOK, status)
	res = decode[models.Resolution](t, body)
	assert.Equal(t, "stable-diffusion", res.Service)
	assert.True(t, res.UsedFallback)

	status, body = doJSON(t, app, http.MethodGet, "/api/usage", nil, "")
	require.Equal(t, http.StatusOK, status)
	stats := decode[models.UsageStats](t, body)
	require.Contains(t, stats.ByService, "dalle")
	assert.Equal(t, int64(1), stats.ByService["dalle"].Failed)

	status, _ = doJSON(t, app, http.MethodPost, "/api/rate-limits/reset", models.ResetRateLimitRequest{ServiceName: "dalle"}, "")
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, app, http.MethodPost, "/api/rate-limits/reset", models.ResetRateLimitRequest{ServiceName: "nope"}, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = doJSON(t, app, http.MethodPost, "/api/rate-limits/reset", models.ResetRateLimitRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, app, http.MethodGet, "/api/rate-limits", nil, "")
	require.Equal(t, http.StatusOK, status)
	windows := decode[[]models.RateLimitWindow](t, body)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(0), windows[0].RequestsUsed)

	status, body = doJSON(t, app, http.MethodGet, "/api/categories/Image%20Generation/primary", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.Unconfigured, decode[models.Resolution](t, body).State)

	status, _ = doJSON(t, app, http.MethodPost, "/api/keys/primary", models.SetPrimaryRequest{
		ServiceName: "dalle", Category: "Image Generation",
	}, "")
	require.Equal(t, http.StatusOK, status)
	status, body = doJSON(t, app, http.MethodGet, "/api/categories/Image%20Generation/primary", nil, "")
	require.Equal(t, http.StatusOK, status)
	res = decode[models.Resolution](t, body)
	assert.Equal(t, models.Resolved, res.State)
	assert.Equal(t, "dalle", res.Service)

	status, _ = doJSON(t, app, http.MethodPost, "/api/outcomes", models.Outcome{}, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAuthRequired(t *testing.T) {
	app := newTestApp(t, "admin-pass")

	status, _ := doJSON(t, app, http.MethodGet, "/api/keys", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, app, http.MethodPost, "/api/login", models.LoginRequest{Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := doJSON(t, app, http.MethodPost, "/api/login", models.LoginRequest{Password: "admin-pass"}, "")
	require.Equal(t, http.StatusOK, status)
	token := decode[map[string]string](t, body)["token"]
	require.NotEmpty(t, token)

	status, _ = doJSON(t, app, http.MethodGet, "/api/keys", nil, token)
	assert.Equal(t, http.StatusOK, status)

	// health and metrics stay open
	status, _ = doJSON(t, app, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, "")
	doJSON(t, app, http.MethodGet, "/health", nil, "")

	status, body := doJSON(t, app, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "keygov_http_requests_total")
}

func TestMetricsAfterResolvingManyFunctions(t *testing.T) {
	app := newTestApp(t, "")

	status, _ := doJSON(t, app, http.MethodPost, "/api/keys", models.CreateKeyRequest{ServiceName: "dalle", Category: "Image Generation"}, "")
	require.Equal(t, http.StatusCreated, status)
	for _, fn := range []string{"renderAaaaaaaa", "renderZzzzzzzz"} {
		status, _ := doJSON(t, app, http.MethodPut, "/api/functions", models.UpsertMappingRequest{
			FunctionName: fn, PreferredService: "dalle",
		}, "")
		require.Equal(t, http.StatusOK, status)
	}

	// later requests reuse the buffer the earlier names were parsed from
	doJSON(t, app, http.MethodGet, "/api/functions/renderAaaaaaaa/resolve", nil, "")
	for i := 0; i < 20; i++ {
		doJSON(t, app, http.MethodGet, "/api/functions/renderZzzzzzzz/resolve", nil, "")
	}
	doJSON(t, app, http.MethodGet, "/api/functions/unknownQqqqqqqq/resolve", nil, "")
	doJSON(t, app, http.MethodGet, "/api/functions/unknownWwwwwwww/resolve", nil, "")

	status, body := doJSON(t, app, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, status, string(body))
	out := string(body)
	assert.Contains(t, out, `function="renderAaaaaaaa"`)
	assert.Contains(t, out, `function="renderZzzzzzzz"`)
	assert.Contains(t, out, `function="unmapped"`)
	assert.NotContains(t, out, "unknownQqqqqqqq")
	assert.NotContains(t, out, "unknownWwwwwwww")
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	rl := NewRateLimiter(1, 1, utils.NewNopLogger())
	app := fiber.New()
	app.Use(rl.Handler())
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	first, err := app.Test(httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := app.Test(httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(storage.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(storage.ErrDuplicateService))
	assert.Equal(t, http.StatusBadRequest, statusFor(storage.ErrInvalidRecord))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&storage.PersistenceError{Op: "x", Err: io.EOF}))
}
