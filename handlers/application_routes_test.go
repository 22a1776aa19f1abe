package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"partner-onboarding/models"
	"partner-onboarding/services"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubWorkflow struct {
	err error

	submitted   services.SubmitApplicationRequest
	token       string
	email       string
	reviewer    string
	reason      string
	performedBy *string
	filter      services.ApplicationFilter
}

func (s *stubWorkflow) Submit(_ context.Context, req services.SubmitApplicationRequest) (*services.SubmitResult, error) {
	s.submitted = req
	if s.err != nil {
		return nil, s.err
	}
	return &services.SubmitResult{ApplicationID: "app-1", Email: req.Email, Status: models.ApplicationStatusPending}, nil
}

func (s *stubWorkflow) Verify(_ context.Context, token string) (string, error) {
	s.token = token
	return "app-1", s.err
}

func (s *stubWorkflow) Resend(_ context.Context, email string) error {
	s.email = email
	return s.err
}

func (s *stubWorkflow) Approve(_ context.Context, id, reviewerID string) (*models.Partner, error) {
	s.reviewer = reviewerID
	if s.err != nil {
		return nil, s.err
	}
	return &models.Partner{ID: "ptn-1", ApplicationID: id}, nil
}

func (s *stubWorkflow) Reject(_ context.Context, id, reviewerID, reason string) (*models.Application, error) {
	s.reviewer, s.reason = reviewerID, reason
	if s.err != nil {
		return nil, s.err
	}
	return &models.Application{ID: id, Status: models.ApplicationStatusRejected, RejectionReason: &reason}, nil
}

func (s *stubWorkflow) RetryProvisioning(_ context.Context, id string, performedBy *string) (*models.Partner, error) {
	s.performedBy = performedBy
	if s.err != nil {
		return nil, s.err
	}
	return &models.Partner{ID: "ptn-1", ApplicationID: id}, nil
}

func (s *stubWorkflow) GetApplication(_ context.Context, id string) (*models.Application, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Application{ID: id, Status: models.ApplicationStatusUnderReview}, nil
}

func (s *stubWorkflow) ListApplications(_ context.Context, filter services.ApplicationFilter) (*services.ApplicationPage, error) {
	s.filter = filter
	if s.err != nil {
		return nil, s.err
	}
	return &services.ApplicationPage{Items: []models.Application{{ID: "app-1"}}, Total: 1, Page: filter.Page, Size: filter.Size}, nil
}

func (s *stubWorkflow) AuditTrail(_ context.Context, id string) ([]models.AuditLogEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []models.AuditLogEntry{{ApplicationID: id, ActionType: models.AuditActionSubmitted}}, nil
}

func newTestApp(wf ApplicationWorkflow) *fiber.App {
	app := fiber.New()
	SetupSystemRoutes(app)
	SetupApplicationRoutes(app, wf, zap.NewNop())
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string, admin bool) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-User-ID", "admin-7")
		req.Header.Set("X-User-Roles", "admin")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestSubmitRoute(t *testing.T) {
	wf := &stubWorkflow{}
	app := newTestApp(wf)

	status, body := do(t, app, http.MethodPost, "/applications", `{
		"name": "Jane Doe",
		"email": "jane@x.com",
		"territories": ["CA"],
		"specialties": ["residential"],
		"referral_fee_percent": "25.50",
		"agreed_to_terms": true
	}`, false)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "app-1", body["id"])
	assert.Equal(t, "pending", body["status"])
	assert.True(t, wf.submitted.ReferralFeePercent.Equal(decimal.RequireFromString("25.5")))
	assert.Equal(t, []string{"CA"}, wf.submitted.Territories)

	status, _ = do(t, app, http.MethodPost, "/applications", `{not json`, false)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestVerifyRouteAcceptsBodyAndQuery(t *testing.T) {
	wf := &stubWorkflow{}
	app := newTestApp(wf)

	status, body := do(t, app, http.MethodPost, "/applications/verify", `{"token":"abc"}`, false)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "abc", wf.token)
	assert.Equal(t, "under_review", body["status"])

	status, _ = do(t, app, http.MethodGet, "/applications/verify?token=xyz", "", false)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "xyz", wf.token)
}

func TestResendRoute(t *testing.T) {
	wf := &stubWorkflow{}
	status, _ := do(t, newTestApp(wf), http.MethodPost, "/applications/resend", `{"email":"jane@x.com"}`, false)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "jane@x.com", wf.email)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	app := newTestApp(&stubWorkflow{})

	status, _ := do(t, app, http.MethodPost, "/s/admin/applications/app-1/approve", "", false)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodPost, "/s/admin/applications/app-1/approve", nil)
	req.Header.Set("X-User-ID", "agent-1")
	req.Header.Set("X-User-Roles", "agent")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	wf := &stubWorkflow{}
	app := newTestApp(wf)

	status, body := do(t, app, http.MethodPost, "/s/admin/applications/app-1/approve", "", true)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "app-1", body["application_id"])
	assert.Equal(t, "admin-7", wf.reviewer)

	status, body = do(t, app, http.MethodPost, "/s/admin/applications/app-1/reject", `{"reason":"expired license"}`, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "expired license", wf.reason)

	status, _ = do(t, app, http.MethodPost, "/s/admin/applications/app-1/provisioning/retry", "", true)
	assert.Equal(t, fiber.StatusOK, status)
	require.NotNil(t, wf.performedBy)
	assert.Equal(t, "admin-7", *wf.performedBy)

	status, body = do(t, app, http.MethodGet, "/s/admin/applications?status=UNDER_REVIEW&page=2&size=10", "", true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	assert.Equal(t, services.ApplicationFilter{Status: models.ApplicationStatusUnderReview, Page: 2, Size: 10}, wf.filter)

	status, body = do(t, app, http.MethodGet, "/s/admin/applications/app-1", "", true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "app-1", body["id"])

	status, body = do(t, app, http.MethodGet, "/s/admin/applications/app-1/audit", "", true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["entries"], 1)
}

func TestErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{&services.ValidationError{Fields: []services.FieldError{{Field: "email", Message: "is required"}}}, fiber.StatusUnprocessableEntity},
		{services.ErrTokenInvalid, fiber.StatusBadRequest},
		{services.ErrTokenExpired, fiber.StatusGone},
		{services.ErrNoPendingApplication, fiber.StatusNotFound},
		{services.ErrApplicationNotFound, fiber.StatusNotFound},
		{services.ErrAlreadyReviewed, fiber.StatusConflict},
		{&services.InvalidStateTransitionError{ApplicationID: "app-1", Status: models.ApplicationStatusPending, Action: "approve"}, fiber.StatusConflict},
		{services.ErrMissingReason, fiber.StatusUnprocessableEntity},
		{services.ErrResendThrottled, fiber.StatusTooManyRequests},
		{&services.NotificationFailedError{Kind: "verification", Err: errors.New("smtp down")}, fiber.StatusBadGateway},
		{&services.ProvisioningFailureError{ApplicationID: "app-1", Stage: "partner", Err: errors.New("db down")}, fiber.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", errors.New("db down")), fiber.StatusInternalServerError},
	} {
		t.Run(tc.err.Error(), func(t *testing.T) {
			app := newTestApp(&stubWorkflow{err: tc.err})
			status, body := do(t, app, http.MethodPost, "/s/admin/applications/app-1/approve", "", true)
			assert.Equal(t, tc.want, status)
			assert.NotEmpty(t, body["error"])
		})
	}

	app := newTestApp(&stubWorkflow{err: &services.ProvisioningFailureError{ApplicationID: "app-9", Stage: "agreement", Err: errors.New("x")}})
	_, body := do(t, app, http.MethodPost, "/s/admin/applications/app-9/approve", "", true)
	assert.Equal(t, "app-9", body["application_id"])
	assert.Equal(t, "agreement", body["stage"])
}

func TestHealthRoute(t *testing.T) {
	status, body := do(t, newTestApp(&stubWorkflow{}), http.MethodGet, "/sys/health", "", false)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
