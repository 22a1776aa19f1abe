package services

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"partner-onboarding/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory ApplicationStore with the same conditional-write semantics as the gorm store.
type memStore struct {
	mu    sync.Mutex
	apps  map[string]*models.Application
	order []string
}

func newMemStore() *memStore {
	return &memStore{apps: map[string]*models.Application{}}
}

func cloneApp(app *models.Application) *models.Application {
	c := *app
	c.Territories = append(c.Territories[:0:0], app.Territories...)
	c.Specialties = append(c.Specialties[:0:0], app.Specialties...)
	return &c
}

func isActive(app *models.Application) bool {
	return app.Status == models.ApplicationStatusPending || app.Status == models.ApplicationStatusUnderReview
}

func (s *memStore) Insert(_ context.Context, app *models.Application) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.apps {
		if existing.Email == app.Email && isActive(existing) && isActive(app) {
			return "", ErrDuplicateActiveApplication
		}
	}
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	s.apps[app.ID] = cloneApp(app)
	s.order = append(s.order, app.ID)
	return app.ID, nil
}

// put stores an application as-is, bypassing every rule. Used to set up odd states.
func (s *memStore) put(app *models.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app.ID]; !ok {
		s.order = append(s.order, app.ID)
	}
	s.apps[app.ID] = cloneApp(app)
}

func (s *memStore) Get(_ context.Context, id string) (*models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	return cloneApp(app), nil
}

func (s *memStore) find(match func(*models.Application) bool) *models.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if app := s.apps[s.order[i]]; match(app) {
			return cloneApp(app)
		}
	}
	return nil
}

func (s *memStore) FindByToken(_ context.Context, token string) (*models.Application, error) {
	return s.find(func(a *models.Application) bool {
		return a.VerificationToken != nil && *a.VerificationToken == token && !a.EmailVerified
	}), nil
}

func (s *memStore) FindPendingByEmail(_ context.Context, email string) (*models.Application, error) {
	return s.find(func(a *models.Application) bool {
		return a.Email == email && a.Status == models.ApplicationStatusPending && !a.EmailVerified
	}), nil
}

func (s *memStore) FindActiveByEmail(_ context.Context, email string) (*models.Application, error) {
	return s.find(func(a *models.Application) bool { return a.Email == email && isActive(a) }), nil
}

func (s *memStore) ConditionalUpdate(_ context.Context, id string, expected models.ApplicationStatus, patch ApplicationPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok || app.Status != expected {
		return false, nil
	}
	if expected.RequiresVerifiedEmail() && !app.EmailVerified {
		return false, nil
	}
	patch.ApplyTo(app)
	return true, nil
}

func (s *memStore) ConditionalClearToken(_ context.Context, token string, patch ApplicationPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.VerificationToken != nil && *app.VerificationToken == token && !app.EmailVerified {
			patch.ClearToken = true
			patch.ApplyTo(app)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) List(_ context.Context, filter ApplicationFilter) ([]models.Application, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, size := normalizePage(filter.Page, filter.Size)
	var all []models.Application
	for i := len(s.order) - 1; i >= 0; i-- {
		app := s.apps[s.order[i]]
		if filter.Status == "" || app.Status == filter.Status {
			all = append(all, *cloneApp(app))
		}
	}
	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

func (s *memStore) ListUnprovisioned(_ context.Context, reviewedBefore time.Time, limit int) ([]models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Application
	for _, id := range s.order {
		app := s.apps[id]
		if app.ReviewedAt != nil && app.ReviewedAt.After(reviewedBefore) {
			continue
		}
		if app.Status == models.ApplicationStatusApproved && len(out) < limit {
			out = append(out, *cloneApp(app))
		}
	}
	return out, nil
}

func (s *memStore) mustGet(t *testing.T, id string) *models.Application {
	t.Helper()
	app, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return app
}

type sentMail struct {
	To   string
	Body string
}

// recordingGateway records every send, including ones it then fails.
type recordingGateway struct {
	mu            sync.Mutex
	verifications []sentMail
	approvals     []sentMail
	rejections    []sentMail
	failWith      error
}

func (g *recordingGateway) SendVerification(_ context.Context, email, link string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifications = append(g.verifications, sentMail{To: email, Body: link})
	return g.failWith
}

func (g *recordingGateway) SendApproval(_ context.Context, email, partnerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approvals = append(g.approvals, sentMail{To: email, Body: partnerID})
	return g.failWith
}

func (g *recordingGateway) SendRejection(_ context.Context, email, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejections = append(g.rejections, sentMail{To: email, Body: reason})
	return g.failWith
}

func (g *recordingGateway) setFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

// lastToken extracts the token from the most recent verification link.
func (g *recordingGateway) lastToken(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.verifications, "no verification email sent")
	link, err := url.Parse(g.verifications[len(g.verifications)-1].Body)
	require.NoError(t, err)
	token := link.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
}

func (a *recordingAudit) Append(_ context.Context, entry models.AuditLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAudit) AuditTrail(_ context.Context, applicationID string) ([]models.AuditLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range a.entries {
		if e.ApplicationID == applicationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *recordingAudit) actions(applicationID string) []models.AuditAction {
	entries, _ := a.AuditTrail(context.Background(), applicationID)
	out := make([]models.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ActionType)
	}
	return out
}

type memProvisioner struct {
	mu       sync.Mutex
	partners map[string]*models.Partner
	created  int
	err      error
}

func newMemProvisioner() *memProvisioner {
	return &memProvisioner{partners: map[string]*models.Partner{}}
}

func (p *memProvisioner) Create(_ context.Context, app *models.Application) (*models.Partner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if existing, ok := p.partners[app.ID]; ok {
		c := *existing
		return &c, nil
	}
	partner := models.NewPartnerFromApplication(uuid.NewString(), app)
	p.partners[app.ID] = partner
	p.created++
	c := *partner
	return &c, nil
}

func (p *memProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.partners)
}

func (p *memProvisioner) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type memAgreements struct {
	mu        sync.Mutex
	byPartner map[string]*models.ReferralAgreement
	err       error
}

func newMemAgreements() *memAgreements {
	return &memAgreements{byPartner: map[string]*models.ReferralAgreement{}}
}

func (g *memAgreements) Create(_ context.Context, partnerID string, app *models.Application) (*models.ReferralAgreement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if existing, ok := g.byPartner[partnerID]; ok {
		return existing, nil
	}
	agreement := &models.ReferralAgreement{
		ID:                 uuid.NewString(),
		PartnerID:          partnerID,
		ApplicationID:      app.ID,
		ReferralFeePercent: app.ReferralFeePercent,
		Territories:        app.Territories,
		AgreementVersion:   app.TermsVersion,
		Signature:          app.Signature,
		SignedAt:           app.TermsAgreedAt,
		Status:             models.AgreementStatusActive,
	}
	g.byPartner[partnerID] = agreement
	return agreement, nil
}

func (g *memAgreements) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (l *stubLimiter) Allow(context.Context, string) (bool, error) {
	l.calls++
	return l.allowed, l.err
}

var errBoom = errors.New("boom")

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	wf          *ApplicationWorkflow
	store       *memStore
	gateway     *recordingGateway
	audit       *recordingAudit
	provisioner *memProvisioner
	agreements  *memAgreements
	clock       *clockwork.FakeClock
}

func newHarness(t *testing.T, opts ...func(*WorkflowDeps)) *harness {
	t.Helper()
	h := &harness{
		store:       newMemStore(),
		gateway:     &recordingGateway{},
		audit:       &recordingAudit{},
		provisioner: newMemProvisioner(),
		agreements:  newMemAgreements(),
		clock:       clockwork.NewFakeClockAt(testEpoch),
	}
	deps := WorkflowDeps{
		Store:               h.store,
		Tokens:              NewRandomTokenIssuer(h.clock),
		Audit:               h.audit,
		Trail:               h.audit,
		Notifier:            h.gateway,
		Provisioner:         h.provisioner,
		Agreements:          h.agreements,
		Clock:               h.clock,
		Logger:              zap.NewNop(),
		VerificationURLBase: "https://partners.example.com/verify",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.wf = NewApplicationWorkflow(deps)
	return h
}

func validRequest(name, email string) SubmitApplicationRequest {
	return SubmitApplicationRequest{
		Name:                name,
		Email:               email,
		Phone:               "+1 555 0100",
		Company:             "Doe Realty",
		LicenseNumber:       "RE-778812",
		LicenseJurisdiction: "CA",
		YearsExperience:     7,
		Bio:                 "Residential specialist.",
		Territories:         []string{"ca", "NV"},
		Specialties:         []string{"Residential", "luxury"},
		ReferralFeePercent:  decimal.RequireFromString("25.00"),
		AgreedToTerms:       true,
		TermsVersion:        "2026-01",
		Signature:           name,
	}
}

// submitAndVerify returns the id of a fresh application that is under review.
func (h *harness) submitAndVerify(t *testing.T, name, email string) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.wf.Submit(ctx, validRequest(name, email))
	require.NoError(t, err)
	id, err := h.wf.Verify(ctx, h.gateway.lastToken(t))
	require.NoError(t, err)
	require.Equal(t, res.ApplicationID, id)
	return id
}
