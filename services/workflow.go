// services/workflow.go
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"partner-onboarding/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const duplicateEmailMessage = "an application for this email is already in progress"

// ProvisioningRepairGrace is how long an approval is left to its own provisioning before repair picks it up.
const ProvisioningRepairGrace = 2 * time.Minute

// WorkflowDeps are the collaborators of ApplicationWorkflow. Limiter and Trail are optional.
type WorkflowDeps struct {
	Store               ApplicationStore
	Tokens              TokenIssuer
	Audit               AuditLog
	Trail               AuditTrailReader
	Notifier            NotificationGateway
	Provisioner         PartnerProvisioner
	Agreements          AgreementGenerator
	Limiter             ResendLimiter
	Clock               clockwork.Clock
	Logger              *zap.Logger
	VerificationURLBase string
}

// ApplicationWorkflow drives an application from submission to a terminal review decision.
// It holds no mutable state of its own; every race is settled by a conditional write in the store.
type ApplicationWorkflow struct {
	store       ApplicationStore
	tokens      TokenIssuer
	audit       AuditLog
	trail       AuditTrailReader
	notifier    NotificationGateway
	provisioner PartnerProvisioner
	agreements  AgreementGenerator
	limiter     ResendLimiter
	clock       clockwork.Clock
	logger      *zap.Logger
	linkBase    string
}

func NewApplicationWorkflow(d WorkflowDeps) *ApplicationWorkflow {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tokens == nil {
		d.Tokens = NewRandomTokenIssuer(d.Clock)
	}
	return &ApplicationWorkflow{
		store:       d.Store,
		tokens:      d.Tokens,
		audit:       d.Audit,
		trail:       d.Trail,
		notifier:    d.Notifier,
		provisioner: d.Provisioner,
		agreements:  d.Agreements,
		limiter:     d.Limiter,
		clock:       d.Clock,
		logger:      d.Logger,
		linkBase:    d.VerificationURLBase,
	}
}

type SubmitResult struct {
	ApplicationID string                   `json:"id"`
	Email         string                   `json:"email"`
	Status        models.ApplicationStatus `json:"status"`
}

// Submit stores a new pending application and mails its verification link.
// A failed delivery is logged and recorded; the applicant can ask for a resend.
func (w *ApplicationWorkflow) Submit(ctx context.Context, req SubmitApplicationRequest) (*SubmitResult, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	active, err := w.store.FindActiveByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("look up active application: %w", err)
	}
	if active != nil {
		return nil, duplicateEmailError()
	}

	now := w.clock.Now().UTC()
	app := &models.Application{
		ID:                  uuid.NewString(),
		Name:                req.Name,
		Email:               req.Email,
		Phone:               req.Phone,
		Company:             req.Company,
		LicenseNumber:       req.LicenseNumber,
		LicenseJurisdiction: req.LicenseJurisdiction,
		YearsExperience:     req.YearsExperience,
		Bio:                 req.Bio,
		Territories:         datatypes.JSONSlice[string](req.Territories),
		Specialties:         datatypes.JSONSlice[string](req.Specialties),
		ReferralFeePercent:  req.ReferralFeePercent.Round(2),
		AgreedToTerms:       req.AgreedToTerms,
		TermsAgreedAt:       now,
		TermsVersion:        req.TermsVersion,
		Signature:           req.Signature,
		Status:              models.ApplicationStatusPending,
	}
	id, err := w.store.Insert(ctx, app)
	if errors.Is(err, ErrDuplicateActiveApplication) {
		return nil, duplicateEmailError()
	}
	if err != nil {
		return nil, fmt.Errorf("insert application: %w", err)
	}

	token, err := w.storeNewToken(ctx, id)
	if err != nil {
		return nil, err
	}
	w.record(ctx, id, nil, models.AuditActionSubmitted, nil, "")

	note := "verification link sent"
	if err := w.notifier.SendVerification(ctx, app.Email, w.verificationLink(token)); err != nil {
		w.logger.Warn("⚠️ verification email not delivered",
			zap.String("application_id", id), zap.Error(err))
		note = "verification link delivery failed: " + err.Error()
	}
	w.record(ctx, id, nil, models.AuditActionVerificationEmailSent, nil, note)

	w.logger.Info("✅ application submitted", zap.String("application_id", id))
	return &SubmitResult{ApplicationID: id, Email: app.Email, Status: models.ApplicationStatusPending}, nil
}

// Verify consumes a verification token and moves its application under review.
// Unknown, consumed and already-verified tokens are all reported as ErrTokenInvalid.
func (w *ApplicationWorkflow) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenInvalid
	}

	app, err := w.store.FindByToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("look up verification token: %w", err)
	}
	if app == nil {
		return "", ErrTokenInvalid
	}

	if app.TokenIssuedAt == nil || w.tokens.IsExpired(*app.TokenIssuedAt, w.clock.Now()) {
		cleared, err := w.store.ConditionalClearToken(ctx, token, ApplicationPatch{})
		if err != nil {
			return "", err
		}
		if !cleared {
			return "", ErrTokenInvalid
		}
		w.record(ctx, app.ID, nil, models.AuditActionVerificationExpired, nil, "expired token cleared")
		w.logger.Info("⌛ expired verification token cleared", zap.String("application_id", app.ID))
		return "", ErrTokenExpired
	}

	verified := true
	underReview := models.ApplicationStatusUnderReview
	applied, err := w.store.ConditionalClearToken(ctx, token, ApplicationPatch{
		EmailVerified: &verified,
		Status:        &underReview,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return "", ErrTokenInvalid
	}

	w.record(ctx, app.ID, nil, models.AuditActionEmailVerified, nil, "")
	w.logger.Info("✅ application email verified", zap.String("application_id", app.ID))
	return app.ID, nil
}

// Resend replaces the verification token of the pending application for email and mails it.
// The previous token stops working immediately.
func (w *ApplicationWorkflow) Resend(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return &ValidationError{Fields: []FieldError{{Field: "email", Message: "is required"}}}
	}

	if w.limiter != nil {
		allowed, err := w.limiter.Allow(ctx, email)
		switch {
		case err != nil:
			w.logger.Warn("⚠️ resend limiter unavailable, allowing request", zap.Error(err))
		case !allowed:
			return ErrResendThrottled
		}
	}

	app, err := w.store.FindPendingByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("look up pending application: %w", err)
	}
	if app == nil {
		return ErrNoPendingApplication
	}

	token, err := w.storeNewToken(ctx, app.ID)
	if errors.Is(err, errNoLongerPending) {
		return ErrNoPendingApplication
	}
	if err != nil {
		return err
	}
	w.record(ctx, app.ID, nil, models.AuditActionVerificationResent, nil, "")

	if err := w.notifier.SendVerification(ctx, app.Email, w.verificationLink(token)); err != nil {
		w.logger.Warn("⚠️ resent verification email not delivered",
			zap.String("application_id", app.ID), zap.Error(err))
		return &NotificationFailedError{Kind: "verification", Err: err}
	}
	return nil
}

// Approve moves an under-review application to Approved and provisions its partner and agreement.
// Once the approval is committed it is never undone: provisioning failures come back as
// *ProvisioningFailureError and are repaired with RetryProvisioning.
func (w *ApplicationWorkflow) Approve(ctx context.Context, applicationID, reviewerID string) (*models.Partner, error) {
	app, err := w.store.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := checkReviewable(app, models.ApplicationStatusApproved, "approve"); err != nil {
		return nil, err
	}

	now := w.clock.Now().UTC()
	approved := models.ApplicationStatusApproved
	patch := ApplicationPatch{Status: &approved, ReviewedBy: &reviewerID, ReviewedAt: &now}
	applied, err := w.store.ConditionalUpdate(ctx, app.ID, models.ApplicationStatusUnderReview, patch)
	if err != nil {
		return nil, fmt.Errorf("approve application %s: %w", app.ID, err)
	}
	if !applied {
		return nil, ErrAlreadyReviewed
	}
	patch.ApplyTo(app)
	w.logger.Info("✅ application approved",
		zap.String("application_id", app.ID), zap.String("reviewer", reviewerID))

	return w.provision(ctx, app, &reviewerID, false)
}

// Reject moves an under-review application to Rejected with a mandatory reason.
func (w *ApplicationWorkflow) Reject(ctx context.Context, applicationID, reviewerID, reason string) (*models.Application, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrMissingReason
	}

	app, err := w.store.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := checkReviewable(app, models.ApplicationStatusRejected, "reject"); err != nil {
		return nil, err
	}

	now := w.clock.Now().UTC()
	rejected := models.ApplicationStatusRejected
	patch := ApplicationPatch{Status: &rejected, ReviewedBy: &reviewerID, ReviewedAt: &now, RejectionReason: &reason}
	applied, err := w.store.ConditionalUpdate(ctx, app.ID, models.ApplicationStatusUnderReview, patch)
	if err != nil {
		return nil, fmt.Errorf("reject application %s: %w", app.ID, err)
	}
	if !applied {
		return nil, ErrAlreadyReviewed
	}
	patch.ApplyTo(app)

	w.record(ctx, app.ID, nil, models.AuditActionRejected, &reviewerID, reason)
	if err := w.notifier.SendRejection(ctx, app.Email, reason); err != nil {
		w.logger.Warn("⚠️ rejection email not delivered",
			zap.String("application_id", app.ID), zap.Error(err))
	}
	w.logger.Info("❌ application rejected",
		zap.String("application_id", app.ID), zap.String("reviewer", reviewerID))
	return app, nil
}

// RetryProvisioning finishes partner and agreement creation for an already approved application.
// It never replays the approval itself.
func (w *ApplicationWorkflow) RetryProvisioning(ctx context.Context, applicationID string, performedBy *string) (*models.Partner, error) {
	app, err := w.store.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != models.ApplicationStatusApproved {
		return nil, &InvalidStateTransitionError{
			ApplicationID: app.ID,
			Status:        app.Status,
			EmailVerified: app.EmailVerified,
			Action:        "retry provisioning for",
		}
	}
	return w.provision(ctx, app, performedBy, true)
}

// ListUnprovisioned returns approved applications still missing a partner or agreement.
// Approvals younger than ProvisioningRepairGrace are skipped while their own provisioning runs.
func (w *ApplicationWorkflow) ListUnprovisioned(ctx context.Context, limit int) ([]models.Application, error) {
	return w.store.ListUnprovisioned(ctx, w.clock.Now().UTC().Add(-ProvisioningRepairGrace), limit)
}

func (w *ApplicationWorkflow) GetApplication(ctx context.Context, applicationID string) (*models.Application, error) {
	return w.store.Get(ctx, applicationID)
}

type ApplicationPage struct {
	Items []models.Application `json:"items"`
	Total int64                `json:"total"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
}

// ListApplications returns one page of applications, newest first.
func (w *ApplicationWorkflow) ListApplications(ctx context.Context, filter ApplicationFilter) (*ApplicationPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Fields: []FieldError{{Field: "status", Message: "is not a known application status"}}}
	}
	filter.Page, filter.Size = normalizePage(filter.Page, filter.Size)
	items, total, err := w.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	if items == nil {
		items = []models.Application{}
	}
	return &ApplicationPage{Items: items, Total: total, Page: filter.Page, Size: filter.Size}, nil
}

// AuditTrail returns the history of an application, oldest first.
func (w *ApplicationWorkflow) AuditTrail(ctx context.Context, applicationID string) ([]models.AuditLogEntry, error) {
	if w.trail == nil {
		return nil, errors.New("audit trail reader not configured")
	}
	if _, err := w.store.Get(ctx, applicationID); err != nil {
		return nil, err
	}
	entries, err := w.trail.AuditTrail(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	return entries, nil
}

func (w *ApplicationWorkflow) provision(ctx context.Context, app *models.Application, performedBy *string, repair bool) (*models.Partner, error) {
	prefix := ""
	if repair {
		prefix = "provisioning repair: "
	}

	partner, err := w.provisioner.Create(ctx, app)
	if err != nil {
		w.record(ctx, app.ID, nil, models.AuditActionApproved, performedBy,
			prefix+"approved; partner provisioning incomplete: "+err.Error())
		w.logger.Error("🚨 partner provisioning failed after approval",
			zap.String("application_id", app.ID), zap.Error(err))
		return nil, &ProvisioningFailureError{ApplicationID: app.ID, Stage: "partner", Err: err}
	}

	agreement, err := w.agreements.Create(ctx, partner.ID, app)
	if err != nil {
		w.record(ctx, app.ID, &partner.ID, models.AuditActionApproved, performedBy,
			prefix+"approved; referral agreement provisioning incomplete: "+err.Error())
		w.logger.Error("🚨 referral agreement provisioning failed after approval",
			zap.String("application_id", app.ID),
			zap.String("partner_id", partner.ID),
			zap.Error(err))
		return nil, &ProvisioningFailureError{ApplicationID: app.ID, PartnerID: partner.ID, Stage: "agreement", Err: err}
	}
	partner.ReferralAgreementID = &agreement.ID

	w.record(ctx, app.ID, &partner.ID, models.AuditActionApproved, performedBy,
		prefix+"partner and referral agreement created")
	if err := w.notifier.SendApproval(ctx, app.Email, partner.ID); err != nil {
		w.logger.Warn("⚠️ approval email not delivered",
			zap.String("application_id", app.ID), zap.Error(err))
	}
	return partner, nil
}

var errNoLongerPending = errors.New("application is no longer pending")

// storeNewToken issues a token and writes it only while the application is still pending.
func (w *ApplicationWorkflow) storeNewToken(ctx context.Context, applicationID string) (string, error) {
	token, issuedAt, err := w.tokens.Issue()
	if err != nil {
		return "", fmt.Errorf("issue verification token: %w", err)
	}
	applied, err := w.store.ConditionalUpdate(ctx, applicationID, models.ApplicationStatusPending,
		ApplicationPatch{Token: &token, TokenIssuedAt: &issuedAt})
	if err != nil {
		return "", fmt.Errorf("store verification token: %w", err)
	}
	if !applied {
		return "", errNoLongerPending
	}
	return token, nil
}

func (w *ApplicationWorkflow) verificationLink(token string) string {
	sep := "?"
	if strings.Contains(w.linkBase, "?") {
		sep = "&"
	}
	return w.linkBase + sep + "token=" + url.QueryEscape(token)
}

func (w *ApplicationWorkflow) record(ctx context.Context, applicationID string, partnerID *string, action models.AuditAction, performedBy *string, note string) {
	w.audit.Append(ctx, models.AuditLogEntry{
		ApplicationID: applicationID,
		PartnerID:     partnerID,
		ActionType:    action,
		PerformedBy:   performedBy,
		Note:          note,
		CreatedAt:     w.clock.Now().UTC(),
	})
}

// checkReviewable enforces that only verified applications with a legal path to target can be decided.
func checkReviewable(app *models.Application, target models.ApplicationStatus, action string) error {
	if app.Status.IsTerminal() {
		return ErrAlreadyReviewed
	}
	if !app.Status.CanTransitionTo(target) || !app.EmailVerified {
		return &InvalidStateTransitionError{
			ApplicationID: app.ID,
			Status:        app.Status,
			EmailVerified: app.EmailVerified,
			Action:        action,
		}
	}
	return nil
}

func duplicateEmailError() error {
	return &ValidationError{Fields: []FieldError{{Field: "email", Message: duplicateEmailMessage}}}
}
