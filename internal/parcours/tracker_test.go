package parcours

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// memStore is an in-memory Store with the same compare-and-set semantics as the database
type memStore struct {
	mu        sync.Mutex
	parcours  map[string]models.Parcours
	caseFiles map[string][]models.ExternalCaseFile
}

func newMemStore(ps ...models.Parcours) *memStore {
	s := &memStore{parcours: map[string]models.Parcours{}, caseFiles: map[string][]models.ExternalCaseFile{}}
	for _, p := range ps {
		if p.StageSubmittedAt == nil {
			p.StageSubmittedAt = map[models.Stage]time.Time{}
		}
		s.parcours[p.ID] = p
	}
	return s
}

func (s *memStore) GetParcours(_ context.Context, id string) (*models.Parcours, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parcours[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := p
	cp.StageSubmittedAt = map[models.Stage]time.Time{}
	for k, v := range p.StageSubmittedAt {
		cp.StageSubmittedAt[k] = v
	}
	return &cp, nil
}

func (s *memStore) TransitionStage(_ context.Context, id string, t StageTransition, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parcours[id]
	if !ok || p.CurrentStage != t.From || p.CurrentStageStatus != t.FromStatus {
		return false, nil
	}
	p.CurrentStage = t.To
	p.CurrentStageStatus = t.ToStatus
	p.ActionRequired = t.ActionRequired
	p.ActionRequiredReason = t.ActionRequiredReason
	if t.SubmittedAt != nil {
		p.StageSubmittedAt[t.To] = *t.SubmittedAt
	}
	if t.CompletedAt != nil {
		p.CompletedAt = t.CompletedAt
	}
	if t.Situation != nil && p.Situation != models.SituationArchived {
		p.Situation = *t.Situation
	}
	p.UpdatedAt = at
	s.parcours[id] = p
	return true, nil
}

func (s *memStore) SetSituation(_ context.Context, id string, situation models.Situation, archivedAt *time.Time, reason *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parcours[id]
	if !ok {
		return models.ErrNotFound
	}
	p.Situation, p.ArchivedAt, p.ArchiveReason, p.UpdatedAt = situation, archivedAt, reason, at
	s.parcours[id] = p
	return nil
}

func (s *memStore) SetSimulationOverride(_ context.Context, id string, data json.RawMessage, editorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parcours[id]
	if !ok {
		return models.ErrNotFound
	}
	p.SimulationDataOverride, p.OverrideEditedBy, p.OverrideEditedAt = data, &editorID, &at
	s.parcours[id] = p
	return nil
}

func (s *memStore) ListCaseFiles(_ context.Context, parcoursID string) ([]models.ExternalCaseFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caseFiles[parcoursID], nil
}

// MockHistory implements SponsorshipHistory for testing
type MockHistory struct {
	Latest       *models.SponsorshipRequest
	EverEligible bool
}

func (m *MockHistory) LatestForParcours(context.Context, string) (*models.SponsorshipRequest, error) {
	if m.Latest == nil {
		return nil, models.ErrNotFound
	}
	return m.Latest, nil
}

func (m *MockHistory) HasEverBeenEligible(context.Context, string) (bool, error) {
	return m.EverEligible, nil
}

type staticAffiliations map[string]string

func (a staticAffiliations) OrganizationOf(_ context.Context, userID string) (string, error) {
	return a[userID], nil
}

var (
	applicant = models.Principal{UserID: "applicant-1", Role: models.RoleApplicant}
	agentA    = models.Principal{UserID: "agent-a", Role: models.RoleAmoAgent}
	agentB    = models.Principal{UserID: "agent-b", Role: models.RoleAmoAgent}
)

func newTestTracker(store *memStore, history *MockHistory) *Tracker {
	guard := access.NewGuard(staticAffiliations{"agent-a": "org-a", "agent-b": "org-b"})
	tr := NewTracker(store, history, guard)
	tr.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
	return tr
}

func baseParcours(stage models.Stage, status models.StageStatus) models.Parcours {
	return models.Parcours{
		ID:                 "p1",
		ApplicantID:        "applicant-1",
		CurrentStage:       stage,
		CurrentStageStatus: status,
		Situation:          models.SituationEligible,
		SimulationData:     json.RawMessage(`{"revenu_fiscal":21000}`),
	}
}

func TestAdvanceStage_Success(t *testing.T) {
	store := newMemStore(baseParcours(models.StageEligibilityCheck, models.StageStatusValidated))
	tr := newTestTracker(store, &MockHistory{})

	p, err := tr.AdvanceStage(context.Background(), applicant, "p1", models.StageDiagnosis)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.CurrentStage != models.StageDiagnosis || p.CurrentStageStatus != models.StageStatusTodo {
		t.Fatalf("expected diagnosis/todo, got %s/%s", p.CurrentStage, p.CurrentStageStatus)
	}
}

func TestAdvanceStage_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		stage  models.Stage
		status models.StageStatus
		target models.Stage
		mutate func(*models.Parcours)
	}{
		{"current stage not validated", models.StageEligibilityCheck, models.StageStatusTodo, models.StageDiagnosis, nil},
		{"under review", models.StageEligibilityCheck, models.StageStatusUnderReview, models.StageDiagnosis, nil},
		{"skipping a stage", models.StageEligibilityCheck, models.StageStatusValidated, models.StageQuotes, nil},
		{"moving backward", models.StageDiagnosis, models.StageStatusValidated, models.StageEligibilityCheck, nil},
		{"same stage", models.StageDiagnosis, models.StageStatusValidated, models.StageDiagnosis, nil},
		{"past last stage", models.StageInvoices, models.StageStatusValidated, models.StageInvoices, nil},
		{"archived", models.StageEligibilityCheck, models.StageStatusValidated, models.StageDiagnosis, func(p *models.Parcours) {
			p.Situation = models.SituationArchived
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParcours(tc.stage, tc.status)
			if tc.mutate != nil {
				tc.mutate(&p)
			}
			store := newMemStore(p)
			tr := newTestTracker(store, &MockHistory{})

			_, err := tr.AdvanceStage(context.Background(), applicant, "p1", tc.target)
			if !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
			after, _ := store.GetParcours(context.Background(), "p1")
			if after.CurrentStage != tc.stage || after.CurrentStageStatus != tc.status {
				t.Fatalf("state changed on rejection: %s/%s", after.CurrentStage, after.CurrentStageStatus)
			}
		})
	}
}

func TestAdvanceStage_OnlyOwnerMayAdvance(t *testing.T) {
	store := newMemStore(baseParcours(models.StageEligibilityCheck, models.StageStatusValidated))
	tr := newTestTracker(store, &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a"}})

	_, err := tr.AdvanceStage(context.Background(), agentA, "p1", models.StageDiagnosis)
	if !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAdvanceStage_ConcurrentCallsAdvanceOnce(t *testing.T) {
	store := newMemStore(baseParcours(models.StageEligibilityCheck, models.StageStatusValidated))
	tr := newTestTracker(store, &MockHistory{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.AdvanceStage(context.Background(), applicant, "p1", models.StageDiagnosis); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one advance, got %d", successes)
	}
}

func TestSubmitStage(t *testing.T) {
	store := newMemStore(baseParcours(models.StageDiagnosis, models.StageStatusTodo))
	tr := newTestTracker(store, &MockHistory{})

	p, err := tr.SubmitStage(context.Background(), applicant, "p1", models.StageDiagnosis)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.CurrentStageStatus != models.StageStatusUnderReview {
		t.Fatalf("expected under_review, got %s", p.CurrentStageStatus)
	}
	if _, ok := p.StageSubmittedAt[models.StageDiagnosis]; !ok {
		t.Fatal("expected submission time to be recorded")
	}
	if _, err := tr.SubmitStage(context.Background(), applicant, "p1", models.StageDiagnosis); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("second submit should fail, got %v", err)
	}
}

func TestRecordExternalOutcome(t *testing.T) {
	cases := []struct {
		name       string
		stage      models.Stage
		status     models.StageStatus
		forStage   models.Stage
		outcome    models.ExternalOutcome
		changed    bool
		wantStatus models.StageStatus
		wantAction bool
	}{
		{"accepted validates", models.StageDiagnosis, models.StageStatusUnderReview, models.StageDiagnosis, models.OutcomeAccepted, true, models.StageStatusValidated, false},
		{"in progress moves todo to review", models.StageDiagnosis, models.StageStatusTodo, models.StageDiagnosis, models.OutcomeInProgress, true, models.StageStatusUnderReview, false},
		{"in progress keeps review", models.StageDiagnosis, models.StageStatusUnderReview, models.StageDiagnosis, models.OutcomeInProgress, false, models.StageStatusUnderReview, false},
		{"rejected flags action", models.StageDiagnosis, models.StageStatusUnderReview, models.StageDiagnosis, models.OutcomeRejected, true, models.StageStatusUnderReview, true},
		{"withdrawn flags action", models.StageQuotes, models.StageStatusUnderReview, models.StageQuotes, models.OutcomeWithdrawn, true, models.StageStatusUnderReview, true},
		{"stale stage ignored", models.StageQuotes, models.StageStatusTodo, models.StageDiagnosis, models.OutcomeAccepted, false, models.StageStatusTodo, false},
		{"already validated", models.StageDiagnosis, models.StageStatusValidated, models.StageDiagnosis, models.OutcomeAccepted, false, models.StageStatusValidated, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore(baseParcours(tc.stage, tc.status))
			tr := newTestTracker(store, &MockHistory{})

			changed, err := tr.RecordExternalOutcome(context.Background(), "p1", tc.forStage, tc.outcome)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if changed != tc.changed {
				t.Fatalf("expected changed=%v, got %v", tc.changed, changed)
			}
			p, _ := store.GetParcours(context.Background(), "p1")
			if p.CurrentStage != tc.stage || p.CurrentStageStatus != tc.wantStatus || p.ActionRequired != tc.wantAction {
				t.Fatalf("unexpected state %s/%s action=%v", p.CurrentStage, p.CurrentStageStatus, p.ActionRequired)
			}
		})
	}
}

func TestRecordExternalOutcome_AcceptedInvoicesCompletes(t *testing.T) {
	store := newMemStore(baseParcours(models.StageInvoices, models.StageStatusUnderReview))
	tr := newTestTracker(store, &MockHistory{})

	if _, err := tr.RecordExternalOutcome(context.Background(), "p1", models.StageInvoices, models.OutcomeAccepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := store.GetParcours(context.Background(), "p1")
	if p.CompletedAt == nil {
		t.Fatal("expected parcours to be completed")
	}
}

func TestRecordExternalOutcome_AcceptanceClearsActionRequired(t *testing.T) {
	base := baseParcours(models.StageDiagnosis, models.StageStatusUnderReview)
	store := newMemStore(base)
	tr := newTestTracker(store, &MockHistory{})
	ctx := context.Background()

	if _, err := tr.RecordExternalOutcome(ctx, "p1", models.StageDiagnosis, models.OutcomeRejected); err != nil {
		t.Fatal(err)
	}
	changed, _ := tr.RecordExternalOutcome(ctx, "p1", models.StageDiagnosis, models.OutcomeRejected)
	if changed {
		t.Fatal("repeating the same outcome should be a no-op")
	}
	if _, err := tr.RecordExternalOutcome(ctx, "p1", models.StageDiagnosis, models.OutcomeAccepted); err != nil {
		t.Fatal(err)
	}
	p, _ := store.GetParcours(ctx, "p1")
	if p.ActionRequired || p.CurrentStageStatus != models.StageStatusValidated {
		t.Fatalf("expected validated without action, got %s action=%v", p.CurrentStageStatus, p.ActionRequired)
	}
}

func TestMarkSponsorValidated(t *testing.T) {
	p := baseParcours(models.StageSponsorSelection, models.StageStatusTodo)
	p.Situation = models.SituationProspect
	store := newMemStore(p)
	tr := newTestTracker(store, &MockHistory{})

	changed, err := tr.MarkSponsorValidated(context.Background(), "p1")
	if err != nil || !changed {
		t.Fatalf("expected change, got %v %v", changed, err)
	}
	after, _ := store.GetParcours(context.Background(), "p1")
	if after.CurrentStageStatus != models.StageStatusValidated || after.Situation != models.SituationEligible {
		t.Fatalf("unexpected state %s %s", after.CurrentStageStatus, after.Situation)
	}
	changed, _ = tr.MarkSponsorValidated(context.Background(), "p1")
	if changed {
		t.Fatal("second validation should be a no-op")
	}
}

func TestGet_CompletesInterruptedSponsorUnlock(t *testing.T) {
	p := baseParcours(models.StageSponsorSelection, models.StageStatusUnderReview)
	p.Situation = models.SituationProspect
	store := newMemStore(p)
	accepted := &models.SponsorshipRequest{OrganizationID: "org-a", Status: models.SponsorshipApplicantEligible}
	tr := newTestTracker(store, &MockHistory{Latest: accepted, EverEligible: true})
	ctx := context.Background()

	if _, err := tr.Get(ctx, agentB, "p1"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if before, _ := store.GetParcours(ctx, "p1"); before.CurrentStageStatus != models.StageStatusUnderReview {
		t.Fatal("an unauthorized read must not change the parcours")
	}

	view, err := tr.Get(ctx, applicant, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.CurrentStageStatus != models.StageStatusValidated || view.Situation != models.SituationEligible {
		t.Fatalf("expected validated/eligible, got %s/%s", view.CurrentStageStatus, view.Situation)
	}

	next, err := tr.AdvanceStage(ctx, applicant, "p1", models.StageEligibilityCheck)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentStage != models.StageEligibilityCheck {
		t.Fatalf("expected eligibility_check, got %s", next.CurrentStage)
	}
}

func TestGet_PendingRequestDoesNotUnlock(t *testing.T) {
	store := newMemStore(baseParcours(models.StageSponsorSelection, models.StageStatusTodo))
	tr := newTestTracker(store, &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a", Status: models.SponsorshipPending}})

	view, err := tr.Get(context.Background(), applicant, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.CurrentStageStatus != models.StageStatusTodo {
		t.Fatalf("expected todo, got %s", view.CurrentStageStatus)
	}
}

func TestArchiveAndUnarchive(t *testing.T) {
	cases := []struct {
		name         string
		everEligible bool
		want         models.Situation
	}{
		{"restores eligible", true, models.SituationEligible},
		{"restores prospect", false, models.SituationProspect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore(baseParcours(models.StageDiagnosis, models.StageStatusUnderReview))
			history := &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a"}, EverEligible: tc.everEligible}
			tr := newTestTracker(store, history)
			ctx := context.Background()

			p, err := tr.SetArchived(ctx, agentA, "p1", "applicant moved out")
			if err != nil {
				t.Fatalf("archive: %v", err)
			}
			if !p.IsArchived() || p.ArchivedAt == nil {
				t.Fatal("expected archived parcours")
			}
			if p.CurrentStage != models.StageDiagnosis || p.CurrentStageStatus != models.StageStatusUnderReview {
				t.Fatal("archiving must not touch stage data")
			}

			p, err = tr.Unarchive(ctx, agentA, "p1")
			if err != nil {
				t.Fatalf("unarchive: %v", err)
			}
			if p.Situation != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, p.Situation)
			}
		})
	}
}

func TestSetArchived_RequiresReasonAndOwnership(t *testing.T) {
	store := newMemStore(baseParcours(models.StageDiagnosis, models.StageStatusTodo))
	tr := newTestTracker(store, &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a"}})
	ctx := context.Background()

	if _, err := tr.SetArchived(ctx, agentA, "p1", "   "); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err := tr.SetArchived(ctx, agentB, "p1", "duplicate file")
	var denied *models.DeniedError
	if !errors.As(err, &denied) || denied.Reason != models.DenialNotOwner {
		t.Fatalf("expected NotOwner, got %v", err)
	}
}

func TestEditSimulationData(t *testing.T) {
	store := newMemStore(baseParcours(models.StageEligibilityCheck, models.StageStatusTodo))
	history := &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a", Status: models.SponsorshipApplicantEligible}}
	tr := newTestTracker(store, history)
	ctx := context.Background()

	view, err := tr.EditSimulationData(ctx, agentA, "p1", json.RawMessage(`{"revenu_fiscal":19000}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(view.EffectiveData) != `{"revenu_fiscal":19000}` {
		t.Fatalf("expected override to be effective, got %s", view.EffectiveData)
	}
	if string(view.SimulationData) != `{"revenu_fiscal":21000}` {
		t.Fatalf("original data must be preserved, got %s", view.SimulationData)
	}
	if view.OverrideEditedBy == nil || *view.OverrideEditedBy != "agent-a" {
		t.Fatal("expected editor to be recorded")
	}
}

func TestEditSimulationData_Rejections(t *testing.T) {
	ctx := context.Background()

	declined := &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a", Status: models.SponsorshipDeclined}}
	tr := newTestTracker(newMemStore(baseParcours(models.StageEligibilityCheck, models.StageStatusTodo)), declined)
	if _, err := tr.EditSimulationData(ctx, agentA, "p1", json.RawMessage(`{"a":1}`)); !errors.Is(err, models.ErrNotEditable) {
		t.Fatalf("expected not editable, got %v", err)
	}

	pending := &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a", Status: models.SponsorshipPending}}
	tr = newTestTracker(newMemStore(baseParcours(models.StageEligibilityCheck, models.StageStatusTodo)), pending)
	if _, err := tr.EditSimulationData(ctx, agentA, "p1", json.RawMessage(`[1,2]`)); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := tr.EditSimulationData(ctx, applicant, "p1", json.RawMessage(`{"a":1}`)); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestGet_ReadAccess(t *testing.T) {
	store := newMemStore(baseParcours(models.StageDiagnosis, models.StageStatusTodo))
	store.caseFiles["p1"] = []models.ExternalCaseFile{{ID: "cf1", ParcoursID: "p1", Stage: models.StageEligibilityCheck, ExternalStatus: models.ExternalAccepted}}
	tr := newTestTracker(store, &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a"}})
	ctx := context.Background()

	view, err := tr.Get(ctx, agentA, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.CaseFiles) != 1 {
		t.Fatalf("expected 1 case file, got %d", len(view.CaseFiles))
	}
	if _, err := tr.Get(ctx, agentB, "p1"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for other organization, got %v", err)
	}
	if _, err := tr.Get(ctx, applicant, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuthorize_Sync(t *testing.T) {
	store := newMemStore(baseParcours(models.StageEligibilityCheck, models.StageStatusUnderReview))
	tr := newTestTracker(store, &MockHistory{Latest: &models.SponsorshipRequest{OrganizationID: "org-a"}})
	ctx := context.Background()

	for _, p := range []models.Principal{applicant, agentA, models.SystemPrincipal} {
		if err := tr.Authorize(ctx, p, "p1", access.ActionSync); err != nil {
			t.Errorf("expected %s to be allowed to sync, got %v", p.UserID, err)
		}
	}
	if err := tr.Authorize(ctx, agentB, "p1", access.ActionSync); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for other organization, got %v", err)
	}
}
