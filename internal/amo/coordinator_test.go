package amo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/config"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// memStore keeps sponsorship requests in memory. ConsumeToken holds the lock for
// the check and the write, like the conditional UPDATE does.
type memStore struct {
	mu         sync.Mutex
	requests   map[string]*models.SponsorshipRequest
	applicants map[string]string
	orgs       map[string]models.AmoOrganization
	reads      int
}

func newMemStore() *memStore {
	return &memStore{
		requests:   map[string]*models.SponsorshipRequest{},
		applicants: map[string]string{"p1": "applicant-1", "p2": "applicant-2"},
		orgs: map[string]models.AmoOrganization{
			"org-a": {ID: "org-a", Name: "Soliha Loiret", Email: "contact@org-a.test"},
			"org-b": {ID: "org-b", Name: "Urbanis", Email: "contact@org-b.test"},
		},
	}
}

func (s *memStore) ApplicantForParcours(_ context.Context, parcoursID string) (string, models.ApplicantSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.applicants[parcoursID]
	if !ok {
		return "", models.ApplicantSnapshot{}, models.ErrNotFound
	}
	phone := "+33600000000"
	return id, models.ApplicantSnapshot{FirstName: "Camille", LastName: "Martin", Email: "camille@test", Phone: &phone}, nil
}

func (s *memStore) Organization(_ context.Context, id string) (*models.AmoOrganization, error) {
	org, ok := s.orgs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &org, nil
}

func (s *memStore) LatestForParcours(_ context.Context, parcoursID string) (*models.SponsorshipRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.SponsorshipRequest
	for _, r := range s.requests {
		if r.ParcoursID == parcoursID && (latest == nil || r.RequestedAt.After(latest.RequestedAt)) {
			cp := *r
			latest = &cp
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	return latest, nil
}

func (s *memStore) CreateRequest(_ context.Context, r *models.SponsorshipRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.TokenHash] = &cp
	return nil
}

func (s *memStore) FindByTokenHash(_ context.Context, hash string) (*models.SponsorshipRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	r, ok := s.requests[hash]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ConsumeToken(_ context.Context, hash string, c Consumption) (*models.SponsorshipRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[hash]
	if !ok || r.ConsumedAt != nil || !c.At.Before(r.ExpiresAt) {
		return nil, nil
	}
	at := c.At
	r.ConsumedAt = &at
	r.Status = c.Status
	r.DecisionComment = c.Comment
	r.DecidedBy = &c.DecidedBy
	cp := *r
	return &cp, nil
}

func (s *memStore) ListForOrganization(_ context.Context, organizationID string) ([]models.SponsorshipRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SponsorshipRequest
	for _, r := range s.requests {
		if r.OrganizationID == organizationID {
			out = append(out, *r)
		}
	}
	return out, nil
}

// MockValidator records unlocks
type MockValidator struct {
	mu        sync.Mutex
	Calls     []string
	ValidFunc func(ctx context.Context, parcoursID string) (bool, error)
}

func (m *MockValidator) MarkSponsorValidated(ctx context.Context, parcoursID string) (bool, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, parcoursID)
	m.mu.Unlock()
	if m.ValidFunc != nil {
		return m.ValidFunc(ctx, parcoursID)
	}
	return true, nil
}

// MockMailer implements Mailer for testing
type MockMailer struct {
	SendFunc func(ctx context.Context, msg models.DecisionLinkEmail) (string, error)
	Sent     []models.DecisionLinkEmail
}

func (m *MockMailer) SendDecisionLink(ctx context.Context, msg models.DecisionLinkEmail) (string, error) {
	m.Sent = append(m.Sent, msg)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, msg)
	}
	return "<msg-1@smtp>", nil
}

// MockRegistry implements MessageRegistry for testing
type MockRegistry struct {
	Registered map[string]string
}

func (m *MockRegistry) RegisterMessage(_ context.Context, id string, _ models.NotificationTarget, targetID string) error {
	if m.Registered == nil {
		m.Registered = map[string]string{}
	}
	m.Registered[id] = targetID
	return nil
}

// MockNotifier implements DecisionNotifier for testing
type MockNotifier struct {
	Statuses []models.SponsorshipStatus
}

func (m *MockNotifier) NotifyDecision(_ context.Context, _ string, status models.SponsorshipStatus) error {
	m.Statuses = append(m.Statuses, status)
	return nil
}

type staticAffiliations map[string]string

func (a staticAffiliations) OrganizationOf(_ context.Context, userID string) (string, error) {
	return a[userID], nil
}

var (
	applicant1 = models.Principal{UserID: "applicant-1", Role: models.RoleApplicant}
	agentA     = models.Principal{UserID: "agent-a", Role: models.RoleAmoAgent}
	agentB     = models.Principal{UserID: "agent-b", Role: models.RoleAmoAgent}
	clockStart = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	store     *memStore
	validator *MockValidator
	coord     *Coordinator
	clock     time.Time
}

func newFixture() *fixture {
	f := &fixture{store: newMemStore(), validator: &MockValidator{}, clock: clockStart}
	affs := staticAffiliations{"agent-a": "org-a", "agent-b": "org-b"}
	cfg := config.Config{AppBaseURL: "https://app.test", InAppTokenTTL: 2 * time.Hour, EmailTokenTTL: 15 * 24 * time.Hour}
	f.coord = NewCoordinator(f.store, access.NewGuard(affs), affs, f.validator, cfg)
	f.coord.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) issue(t *testing.T, parcoursID, orgID string) string {
	t.Helper()
	resp, err := f.coord.IssueToken(context.Background(), models.Principal{UserID: f.store.applicants[parcoursID], Role: models.RoleApplicant}, parcoursID, orgID, models.EntryPointInApp)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return resp.Token
}

func TestIssueToken_InAppAndEmailLifetimes(t *testing.T) {
	f := newFixture()
	mailer := &MockMailer{}
	registry := &MockRegistry{}
	f.coord.WithMailer(mailer, registry)
	ctx := context.Background()

	inApp, err := f.coord.IssueToken(ctx, applicant1, "p1", "org-a", models.EntryPointInApp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inApp.Token == "" || !inApp.ExpiresAt.Equal(clockStart.Add(2*time.Hour)) {
		t.Fatalf("unexpected in-app issuance: %+v", inApp)
	}
	if inApp.Request.TokenHash != HashToken(inApp.Token) {
		t.Fatal("only the token hash should be stored")
	}

	email, err := f.coord.IssueToken(ctx, applicant1, "p1", "org-a", models.EntryPointEmail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.Token != "" {
		t.Fatal("emailed token must not be returned to the caller")
	}
	if !email.ExpiresAt.Equal(clockStart.Add(15 * 24 * time.Hour)) {
		t.Fatalf("unexpected email expiry %s", email.ExpiresAt)
	}
	if len(mailer.Sent) != 1 || mailer.Sent[0].To != "contact@org-a.test" {
		t.Fatalf("expected one email to org-a, got %+v", mailer.Sent)
	}
	if registry.Registered["<msg-1@smtp>"] != email.Request.ID {
		t.Fatal("expected the message id to be registered against the request")
	}
}

func TestIssueToken_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	other := models.Principal{UserID: "applicant-2", Role: models.RoleApplicant}
	if _, err := f.coord.IssueToken(ctx, other, "p1", "org-a", models.EntryPointInApp); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for another applicant, got %v", err)
	}
	if _, err := f.coord.IssueToken(ctx, applicant1, "p1", "org-a", models.EntryPointEmail); !errors.Is(err, models.ErrExternalService) {
		t.Fatalf("expected external service error without mailer, got %v", err)
	}

	f.issue(t, "p1", "org-a")
	f.clock = f.clock.Add(time.Minute)
	if _, err := f.coord.IssueToken(ctx, applicant1, "p1", "org-b", models.EntryPointInApp); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected pending request to block another organization, got %v", err)
	}
}

func TestResolveToken(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	token := f.issue(t, "p1", "org-a")

	r, err := f.coord.ResolveToken(ctx, token)
	if err != nil || r.Status != models.SponsorshipPending {
		t.Fatalf("expected pending request, got %v %v", r, err)
	}
	if _, err := f.coord.ResolveToken(ctx, "unknown"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	f.clock = clockStart.Add(2 * time.Hour)
	if _, err := f.coord.ResolveToken(ctx, token); !errors.Is(err, models.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestResolveFor_OnlyAddressedOrganization(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	token := f.issue(t, "p1", "org-a")

	if _, err := f.coord.ResolveFor(ctx, agentA, token); err != nil {
		t.Fatalf("expected org-a agent to resolve, got %v", err)
	}
	if _, err := f.coord.ResolveFor(ctx, agentB, token); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for org-b agent, got %v", err)
	}
}

func TestDecide_AcceptUnlocksParcours(t *testing.T) {
	f := newFixture()
	notifier := &MockNotifier{}
	f.coord.WithNotifier(notifier)
	token := f.issue(t, "p1", "org-a")

	r, err := f.coord.Accept(context.Background(), agentA, token, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != models.SponsorshipApplicantEligible || r.ConsumedAt == nil {
		t.Fatalf("unexpected request %+v", r)
	}
	if len(f.validator.Calls) != 1 || f.validator.Calls[0] != "p1" {
		t.Fatalf("expected parcours p1 to be unlocked, got %v", f.validator.Calls)
	}
	if len(notifier.Statuses) != 1 {
		t.Fatal("expected the applicant to be notified")
	}

	if _, err := f.coord.ResolveToken(context.Background(), token); !errors.Is(err, models.ErrTokenAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
}

func TestDecide_FailedUnlockIsReplayedOnRetry(t *testing.T) {
	f := newFixture()
	failing := true
	f.validator.ValidFunc = func(context.Context, string) (bool, error) {
		if failing {
			return false, errors.New("db blip")
		}
		return true, nil
	}
	token := f.issue(t, "p1", "org-a")
	ctx := context.Background()

	r, err := f.coord.Accept(ctx, agentA, token, "")
	if err != nil {
		t.Fatalf("a recorded decision should not fail on the unlock, got %v", err)
	}
	if r.Status != models.SponsorshipApplicantEligible {
		t.Fatalf("unexpected status %s", r.Status)
	}

	failing = false
	if _, err := f.coord.Accept(ctx, agentA, token, ""); !errors.Is(err, models.ErrTokenAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
	if len(f.validator.Calls) != 2 {
		t.Fatalf("expected the unlock to be attempted again, got %d calls", len(f.validator.Calls))
	}
}

func TestDecide_RetryOfDeclineDoesNotUnlock(t *testing.T) {
	f := newFixture()
	token := f.issue(t, "p1", "org-a")
	ctx := context.Background()

	if _, err := f.coord.DeclineSponsorship(ctx, agentA, token, "pas de capacité ce trimestre"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.coord.Accept(ctx, agentA, token, ""); !errors.Is(err, models.ErrTokenAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
	if len(f.validator.Calls) != 0 {
		t.Fatalf("a declined request must never unlock, got %v", f.validator.Calls)
	}
}

func TestDecide_CommentRule(t *testing.T) {
	f := newFixture()
	token := f.issue(t, "p1", "org-a")
	readsBefore := f.store.reads

	if _, err := f.coord.DeclineSponsorship(context.Background(), agentA, token, "no"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.store.reads != readsBefore {
		t.Fatal("comment validation must happen before storage access")
	}
	r, _ := f.store.FindByTokenHash(context.Background(), HashToken(token))
	if r.Status != models.SponsorshipPending || r.ConsumedAt != nil {
		t.Fatal("rejected validation must leave the request untouched")
	}

	r, err := f.coord.DeclineSponsorship(context.Background(), agentA, token, "  zone hors périmètre  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != models.SponsorshipDeclined || r.ConsumedAt == nil {
		t.Fatalf("unexpected request %+v", r)
	}
	if r.DecisionComment == nil || *r.DecisionComment != "zone hors périmètre" {
		t.Fatalf("expected trimmed comment, got %v", r.DecisionComment)
	}
	if len(f.validator.Calls) != 0 {
		t.Fatal("a declined request must not unlock the parcours")
	}
}

func TestDecide_OtherOrganizationIsUnauthorized(t *testing.T) {
	f := newFixture()
	tokenA := f.issue(t, "p1", "org-a")

	_, err := f.coord.Accept(context.Background(), agentB, tokenA, "")
	var denied *models.DeniedError
	if !errors.As(err, &denied) || denied.Reason != models.DenialNotOwner {
		t.Fatalf("expected NotOwner, got %v", err)
	}
	r, _ := f.store.FindByTokenHash(context.Background(), HashToken(tokenA))
	if r.Status != models.SponsorshipPending || r.ConsumedAt != nil {
		t.Fatal("request state must be unchanged")
	}
}

func TestDecide_ExpiredToken(t *testing.T) {
	f := newFixture()
	token := f.issue(t, "p1", "org-a")
	f.clock = clockStart.Add(3 * time.Hour)

	if _, err := f.coord.RejectIneligible(context.Background(), agentA, token, "revenus au-dessus du plafond"); !errors.Is(err, models.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestConsumeToken_ConcurrentDecisionsFirstWins(t *testing.T) {
	f := newFixture()
	token := f.issue(t, "p1", "org-a")

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := models.DecisionAccept
			if i%2 == 1 {
				decision = models.DecisionDecline
			}
			_, err := f.coord.ConsumeToken(context.Background(), token, decision, "commentaire détaillé", "agent-a")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case !errors.Is(err, models.ErrTokenAlreadyUsed):
			t.Fatalf("losers should see already used, got %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
}

func TestValidateComment(t *testing.T) {
	cases := []struct {
		decision models.Decision
		comment  string
		ok       bool
	}{
		{models.DecisionAccept, "", true},
		{models.DecisionRejectIneligible, "too short", false},
		{models.DecisionRejectIneligible, "         x", false},
		{models.DecisionRejectIneligible, "0123456789", true},
		{models.DecisionDecline, "éééééééééé", true},
		{models.Decision("maybe"), "0123456789", false},
	}
	for _, tc := range cases {
		err := ValidateComment(tc.decision, tc.comment)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateComment(%s, %q) = %v, want ok=%v", tc.decision, tc.comment, err, tc.ok)
		}
	}
}

func TestListForOrganization(t *testing.T) {
	f := newFixture()
	f.issue(t, "p1", "org-a")
	f.issue(t, "p2", "org-b")
	ctx := context.Background()

	list, err := f.coord.ListForOrganization(ctx, agentA, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].OrganizationID != "org-a" {
		t.Fatalf("expected org-a requests only, got %+v", list)
	}
	if _, err := f.coord.ListForOrganization(ctx, agentA, "org-b"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for another organization, got %v", err)
	}
	if _, err := f.coord.ListForOrganization(ctx, applicant1, ""); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for an applicant, got %v", err)
	}
}
