package handlers

import (
	"context"
	"errors"
	"strings"

	"partner-onboarding/middleware"
	"partner-onboarding/models"
	"partner-onboarding/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ApplicationWorkflow is the part of services.ApplicationWorkflow the HTTP layer drives.
type ApplicationWorkflow interface {
	Submit(ctx context.Context, req services.SubmitApplicationRequest) (*services.SubmitResult, error)
	Verify(ctx context.Context, token string) (string, error)
	Resend(ctx context.Context, email string) error
	Approve(ctx context.Context, applicationID, reviewerID string) (*models.Partner, error)
	Reject(ctx context.Context, applicationID, reviewerID, reason string) (*models.Application, error)
	RetryProvisioning(ctx context.Context, applicationID string, performedBy *string) (*models.Partner, error)
	GetApplication(ctx context.Context, applicationID string) (*models.Application, error)
	ListApplications(ctx context.Context, filter services.ApplicationFilter) (*services.ApplicationPage, error)
	AuditTrail(ctx context.Context, applicationID string) ([]models.AuditLogEntry, error)
}

type applicationHandler struct {
	workflow ApplicationWorkflow
	logger   *zap.Logger
}

func SetupApplicationRoutes(app *fiber.App, workflow ApplicationWorkflow, logger *zap.Logger) {
	h := &applicationHandler{workflow: workflow, logger: logger}

	// 🔓 Applicant routes (gateway only)
	app.Post("/applications", h.submit)
	app.Post("/applications/verify", h.verify)
	app.Get("/applications/verify", h.verify)
	app.Post("/applications/resend", h.resend)

	// 🔒 Reviewer routes
	admin := app.Group("/s/admin/applications",
		middleware.UserContextMiddleware(logger),
		middleware.RequireRole(middleware.RoleAdmin, logger),
	)
	admin.Get("/", h.list)
	admin.Get("/:id", h.get)
	admin.Get("/:id/audit", h.auditTrail)
	admin.Post("/:id/approve", h.approve)
	admin.Post("/:id/reject", h.reject)
	admin.Post("/:id/provisioning/retry", h.retryProvisioning)
}

func SetupSystemRoutes(app *fiber.App) {
	app.Get("/sys/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func (h *applicationHandler) submit(c *fiber.Ctx) error {
	var req services.SubmitApplicationRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	res, err := h.workflow.Submit(c.UserContext(), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *applicationHandler) verify(c *fiber.Ctx) error {
	token := c.Query("token")
	if c.Method() == fiber.MethodPost {
		var body struct {
			Token string `json:"token"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badBody(c)
		}
		token = body.Token
	}
	id, err := h.workflow.Verify(c.UserContext(), token)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"id":     id,
		"status": models.ApplicationStatusUnderReview,
	})
}

func (h *applicationHandler) resend(c *fiber.Ctx) error {
	var body struct {
		Email string `json:"email"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badBody(c)
	}
	if err := h.workflow.Resend(c.UserContext(), body.Email); err != nil {
		return h.respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "verification email sent",
	})
}

func (h *applicationHandler) list(c *fiber.Ctx) error {
	page, err := h.workflow.ListApplications(c.UserContext(), services.ApplicationFilter{
		Status: models.ApplicationStatus(strings.ToLower(c.Query("status"))),
		Page:   c.QueryInt("page", 1),
		Size:   c.QueryInt("size", services.DefaultPageSize),
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(page)
}

func (h *applicationHandler) get(c *fiber.Ctx) error {
	app, err := h.workflow.GetApplication(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(app)
}

func (h *applicationHandler) auditTrail(c *fiber.Ctx) error {
	entries, err := h.workflow.AuditTrail(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (h *applicationHandler) approve(c *fiber.Ctx) error {
	partner, err := h.workflow.Approve(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(partner)
}

func (h *applicationHandler) reject(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badBody(c)
	}
	app, err := h.workflow.Reject(c.UserContext(), c.Params("id"), middleware.UserID(c), body.Reason)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(app)
}

func (h *applicationHandler) retryProvisioning(c *fiber.Ctx) error {
	reviewer := middleware.UserID(c)
	partner, err := h.workflow.RetryProvisioning(c.UserContext(), c.Params("id"), &reviewer)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(partner)
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
}

// respondError maps workflow failures onto status codes and messages the caller can act on.
func (h *applicationHandler) respondError(c *fiber.Ctx, err error) error {
	var (
		verr  *services.ValidationError
		serr  *services.InvalidStateTransitionError
		perr  *services.ProvisioningFailureError
		nferr *services.NotificationFailedError
	)
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "validation failed",
			"details": verr.Fields,
		})
	case errors.Is(err, services.ErrTokenInvalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "this verification link is not valid; request a new one"})
	case errors.Is(err, services.ErrTokenExpired):
		return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": "this verification link has expired; request a new one"})
	case errors.Is(err, services.ErrNoPendingApplication):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no application is waiting for email verification at this address"})
	case errors.Is(err, services.ErrApplicationNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "application not found"})
	case errors.Is(err, services.ErrAlreadyReviewed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "this application has already been reviewed by someone else"})
	case errors.As(err, &serr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  serr.Error(),
			"status": serr.Status,
		})
	case errors.Is(err, services.ErrMissingReason):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "a rejection reason is required"})
	case errors.Is(err, services.ErrResendThrottled):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many verification emails requested; try again later"})
	case errors.As(err, &nferr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "a new verification link was issued but the email could not be sent; try again"})
	case errors.As(err, &perr):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":          "application approved but partner provisioning is incomplete",
			"application_id": perr.ApplicationID,
			"stage":          perr.Stage,
		})
	}

	h.logger.Error("❌ request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
}
