package api

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"
	"github.com/studio-keygov-go/internal/models"
	"github.com/studio-keygov-go/internal/services"
	"github.com/studio-keygov-go/internal/storage"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	governance  *services.GovernanceService
	validator   *services.CredentialValidator
	authService *services.AuthService
}

// NewHandlers creates new handlers
func NewHandlers(governance *services.GovernanceService, validator *services.CredentialValidator,
	authService *services.AuthService) *Handlers {
	return &Handlers{
		governance:  governance,
		validator:   validator,
		authService: authService,
	}
}

// statusFor maps store errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidRecord):
		return fiber.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateService):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func actionFailed(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(models.ActionResult{Success: false, Error: err.Error()})
}

// pathParam returns a decoded copy of a route parameter. Fiber reuses the
// request buffer, so the value must not alias it once it outlives the handler.
func pathParam(c *fiber.Ctx, key string) string {
	raw := fiberutils.CopyString(c.Params(key))
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(models.ActionResult{Success: false, Error: msg})
}

// Health check endpoint
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"time":    time.Now().Format(time.RFC3339),
		"version": "1.0.0",
	})
}

// Login exchanges the admin password for a bearer token
func (h *Handlers) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(models.ErrorResponse{Error: "Invalid request"})
	}

	if !h.authService.ValidatePassword(req.Password) {
		return c.Status(401).JSON(models.ErrorResponse{Error: "Invalid password"})
	}

	token, err := h.authService.GenerateJWT()
	if err != nil {
		return c.Status(500).JSON(models.ErrorResponse{Error: "Failed to issue token"})
	}

	return c.JSON(fiber.Map{"token": token})
}

// GetKeys returns credentials grouped by category with secrets masked
func (h *Handlers) GetKeys(c *fiber.Ctx) error {
	keys, err := h.governance.ListByCategory(c.UserContext())
	if err != nil {
		return c.Status(statusFor(err)).JSON(models.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(keys)
}

// CreateKey registers a credential
func (h *Handlers) CreateKey(c *fiber.Ctx) error {
	var req models.CreateKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	view, err := h.governance.CreateKey(c.UserContext(), req)
	if err != nil {
		return actionFailed(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "key": view})
}

// DeleteKey deletes a single credential
func (h *Handlers) DeleteKey(c *fiber.Ctx) error {
	id := pathParam(c, "id")
	if id == "" {
		return badRequest(c, "Key ID required")
	}

	if err := h.governance.DeleteKey(c.UserContext(), id); err != nil {
		return actionFailed(c, err)
	}
	return c.JSON(models.ActionResult{Success: true})
}

// SetActive enables or disables a credential
func (h *Handlers) SetActive(c *fiber.Ctx) error {
	var req models.SetActiveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if req.ServiceName == "" || req.Category == "" {
		return badRequest(c, "service_name and category are required")
	}

	if err := h.governance.SetActive(c.UserContext(), req.ServiceName, req.Category, req.IsActive); err != nil {
		return actionFailed(c, err)
	}
	return c.JSON(models.ActionResult{Success: true})
}

// SetPrimary promotes a credential to primary of its category
func (h *Handlers) SetPrimary(c *fiber.Ctx) error {
	var req models.SetPrimaryRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if req.ServiceName == "" || req.Category == "" {
		return badRequest(c, "service_name and category are required")
	}

	if err := h.governance.SetPrimary(c.UserContext(), req.ServiceName, req.Category); err != nil {
		return actionFailed(c, err)
	}
	return c.JSON(models.ActionResult{Success: true})
}

// ValidateKeys runs a validation sweep over active credentials
func (h *Handlers) ValidateKeys(c *fiber.Ctx) error {
	report, err := h.validator.ValidateAll(c.UserContext())
	if err != nil {
		return c.Status(statusFor(err)).JSON(models.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(report)
}

// GetUsage returns aggregated usage statistics
func (h *Handlers) GetUsage(c *fiber.Ctx) error {
	stats, err := h.governance.GetUsageStats(c.UserContext())
	if err != nil {
		return c.Status(statusFor(err)).JSON(models.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(stats)
}

// GetRateLimits lists quota windows
func (h *Handlers) GetRateLimits(c *fiber.Ctx) error {
	windows, err := h.governance.ListRateLimits(c.UserContext())
	if err != nil {
		return c.Status(statusFor(err)).JSON(models.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(windows)
}

// UpsertRateLimit creates or adjusts a quota window
func (h *Handlers) UpsertRateLimit(c *fiber.Ctx) error {
	var req models.UpsertRateLimitRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	w, err := h.governance.UpsertRateLimit(c.UserContext(), req.ServiceName, req.RequestLimit, req.ResetAt)
	if err != nil {
		return actionFailed(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "rate_limit": w})
}

// ResetRateLimit zeroes a quota window
func (h *Handlers) ResetRateLimit(c *fiber.Ctx) error {
	var req models.ResetRateLimitRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if strings.TrimSpace(req.RateLimitID) == "" && strings.TrimSpace(req.ServiceName) == "" {
		return badRequest(c, "rate_limit_id or service_name required")
	}

	if _, err := h.governance.ResetRateLimit(c.UserContext(), req.RateLimitID, req.ServiceName); err != nil {
		return actionFailed(c, err)
	}
	return c.JSON(models.ActionResult{Success: true})
}

// GetFunctions lists function mappings
func (h *Handlers) GetFunctions(c *fiber.Ctx) error {
	mappings, err := h.governance.ListFunctionMappings(c.UserContext())
	if err != nil {
		return c.Status(statusFor(err)).JSON(models.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(mappings)
}

// UpsertFunction creates or updates a function mapping
func (h *Handlers) UpsertFunction(c *fiber.Ctx) error {
	var req models.UpsertMappingRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	m, err := h.governance.UpsertFunctionMapping(c.UserContext(), req.FunctionName, req.PreferredService, req.FallbackService)
	if err != nil {
		return actionFailed(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "mapping": m})
}

// ResolveFunction tells a caller which service to use for a function.
// Unconfigured and exhausted are reported in the body with a 200.
func (h *Handlers) ResolveFunction(c *fiber.Ctx) error {
	name := pathParam(c, "name")
	if name == "" {
		return badRequest(c, "Function name required")
	}

	res, err := h.governance.ResolveForCall(c.UserContext(), name)
	if err != nil {
		return c.Status(statusFor(err)).JSON(models.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(res)
}

// ResolvePrimary returns the primary service of a category
func (h *Handlers) ResolvePrimary(c *fiber.Ctx) error {
	category := pathParam(c, "category")
	if category == "" {
		return badRequest(c, "Category required")
	}

	res, err := h.governance.ResolvePrimary(c.UserContext(), category)
	if err != nil {
		return c.Status(statusFor(err)).JSON(models.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(res)
}

// RecordOutcome logs a completed external call and consumes quota
func (h *Handlers) RecordOutcome(c *fiber.Ctx) error {
	var req models.Outcome
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}

	if err := h.governance.RecordOutcome(c.UserContext(), req); err != nil {
		return actionFailed(c, err)
	}
	return c.JSON(models.ActionResult{Success: true})
}
