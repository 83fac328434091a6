// Package parcours owns the applicant progression: the current stage, its status,
// the simulation data and the archive overlay. Stage and status only change
// through the guarded transitions of Tracker.
package parcours

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/logging"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// StageTransition is a compare-and-set on the (current stage, current status) pair.
// The store applies it only if the row still holds From/FromStatus.
type StageTransition struct {
	From                 models.Stage
	FromStatus           models.StageStatus
	To                   models.Stage
	ToStatus             models.StageStatus
	ActionRequired       bool
	ActionRequiredReason *string
	SubmittedAt          *time.Time
	CompletedAt          *time.Time
	// Situation is applied unless the parcours is archived
	Situation *models.Situation
}

// Store is the persistence needed by the tracker
type Store interface {
	GetParcours(ctx context.Context, id string) (*models.Parcours, error)
	TransitionStage(ctx context.Context, id string, t StageTransition, at time.Time) (bool, error)
	SetSituation(ctx context.Context, id string, situation models.Situation, archivedAt *time.Time, reason *string, at time.Time) error
	SetSimulationOverride(ctx context.Context, id string, data json.RawMessage, editorID string, at time.Time) error
	ListCaseFiles(ctx context.Context, parcoursID string) ([]models.ExternalCaseFile, error)
}

// SponsorshipHistory exposes the sponsorship facts the tracker depends on
type SponsorshipHistory interface {
	LatestForParcours(ctx context.Context, parcoursID string) (*models.SponsorshipRequest, error)
	HasEverBeenEligible(ctx context.Context, parcoursID string) (bool, error)
}

// Tracker enforces monotonic stage advancement
type Tracker struct {
	store   Store
	history SponsorshipHistory
	guard   *access.Guard
	now     func() time.Time
}

// NewTracker creates a new tracker
func NewTracker(store Store, history SponsorshipHistory, guard *access.Guard) *Tracker {
	return &Tracker{store: store, history: history, guard: guard, now: time.Now}
}

// Get returns the read view of a parcours, with effective simulation data and case files
func (t *Tracker) Get(ctx context.Context, principal models.Principal, id string) (*models.ParcoursView, error) {
	p, err := t.authorized(ctx, principal, id, access.ActionRead)
	if err != nil {
		return nil, err
	}
	files, err := t.store.ListCaseFiles(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list case files: %w", err)
	}
	return &models.ParcoursView{Parcours: *p, EffectiveData: p.EffectiveSimulationData(), CaseFiles: files}, nil
}

// AdvanceStage moves the parcours to target, which must be the stage right after the
// current one, and only once the current stage is validated. The new stage starts at Todo.
func (t *Tracker) AdvanceStage(ctx context.Context, principal models.Principal, id string, target models.Stage) (*models.Parcours, error) {
	p, err := t.authorized(ctx, principal, id, access.ActionAdvance)
	if err != nil {
		return nil, err
	}
	if err := checkAdvance(p, target); err != nil {
		return nil, err
	}

	ok, err := t.store.TransitionStage(ctx, id, StageTransition{
		From:       p.CurrentStage,
		FromStatus: models.StageStatusValidated,
		To:         target,
		ToStatus:   models.StageStatusTodo,
	}, t.now())
	if err != nil {
		return nil, fmt.Errorf("advance stage: %w", err)
	}
	if !ok {
		return nil, &models.TransitionError{From: p.CurrentStage, Status: p.CurrentStageStatus, To: target, Detail: "parcours changed concurrently"}
	}

	logging.Info("parcours advanced", map[string]interface{}{"parcours_id": id, "from": p.CurrentStage, "to": target, "by": principal.UserID})
	return t.store.GetParcours(ctx, id)
}

// checkAdvance is the pure precondition of AdvanceStage
func checkAdvance(p *models.Parcours, target models.Stage) error {
	fail := func(detail string) error {
		return &models.TransitionError{From: p.CurrentStage, Status: p.CurrentStageStatus, To: target, Detail: detail}
	}
	if p.IsArchived() {
		return fail("parcours is archived")
	}
	next, ok := p.CurrentStage.Next()
	if !ok {
		return fail("parcours is already at its last stage")
	}
	if target != next {
		return fail(fmt.Sprintf("next stage is %s", next))
	}
	if p.CurrentStageStatus != models.StageStatusValidated {
		return fail("current stage is not validated")
	}
	return nil
}

// SubmitStage marks the current stage as submitted for review and records when
func (t *Tracker) SubmitStage(ctx context.Context, principal models.Principal, id string, stage models.Stage) (*models.Parcours, error) {
	p, err := t.authorized(ctx, principal, id, access.ActionSubmit)
	if err != nil {
		return nil, err
	}
	if p.CurrentStage != stage || p.CurrentStageStatus != models.StageStatusTodo {
		return nil, &models.TransitionError{From: p.CurrentStage, Status: p.CurrentStageStatus, To: stage, Detail: "only the current stage can be submitted, once"}
	}

	now := t.now()
	ok, err := t.store.TransitionStage(ctx, id, StageTransition{
		From:        stage,
		FromStatus:  models.StageStatusTodo,
		To:          stage,
		ToStatus:    models.StageStatusUnderReview,
		SubmittedAt: &now,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("submit stage: %w", err)
	}
	if !ok {
		return nil, &models.TransitionError{From: p.CurrentStage, Status: p.CurrentStageStatus, To: stage, Detail: "parcours changed concurrently"}
	}
	return t.store.GetParcours(ctx, id)
}

// RecordExternalOutcome folds a case-file status into the stage status. Accepted
// validates the stage; rejected or withdrawn keeps the status and raises the
// action-required flag; an outcome for another stage than the current one is ignored.
func (t *Tracker) RecordExternalOutcome(ctx context.Context, id string, stage models.Stage, outcome models.ExternalOutcome) (bool, error) {
	p, err := t.store.GetParcours(ctx, id)
	if err != nil {
		return false, err
	}
	tr, ok := outcomeTransition(p, stage, outcome, t.now())
	if !ok {
		return false, nil
	}
	changed, err := t.store.TransitionStage(ctx, id, tr, t.now())
	if err != nil {
		return false, fmt.Errorf("record external outcome: %w", err)
	}
	if changed {
		logging.Info("external outcome recorded", map[string]interface{}{"parcours_id": id, "stage": stage, "outcome": outcome, "status": tr.ToStatus})
	}
	return changed, nil
}

// outcomeTransition computes the transition for an external outcome; ok is false for no-ops
func outcomeTransition(p *models.Parcours, stage models.Stage, outcome models.ExternalOutcome, now time.Time) (StageTransition, bool) {
	if p.CurrentStage != stage {
		return StageTransition{}, false
	}
	tr := StageTransition{
		From:                 stage,
		FromStatus:           p.CurrentStageStatus,
		To:                   stage,
		ToStatus:             p.CurrentStageStatus,
		ActionRequired:       p.ActionRequired,
		ActionRequiredReason: p.ActionRequiredReason,
	}
	switch outcome {
	case models.OutcomeAccepted:
		if p.CurrentStageStatus == models.StageStatusValidated {
			return StageTransition{}, false
		}
		tr.ToStatus = models.StageStatusValidated
		tr.ActionRequired = false
		tr.ActionRequiredReason = nil
		if stage.IsLast() {
			tr.CompletedAt = &now
		}
	case models.OutcomeInProgress:
		if p.CurrentStageStatus != models.StageStatusTodo {
			return StageTransition{}, false
		}
		tr.ToStatus = models.StageStatusUnderReview
		if _, seen := p.StageSubmittedAt[stage]; !seen {
			tr.SubmittedAt = &now
		}
	case models.OutcomeRejected, models.OutcomeWithdrawn:
		reason := "external case file " + string(outcome)
		if p.ActionRequired && p.ActionRequiredReason != nil && *p.ActionRequiredReason == reason {
			return StageTransition{}, false
		}
		tr.ActionRequired = true
		tr.ActionRequiredReason = &reason
	default:
		return StageTransition{}, false
	}
	return tr, true
}

// MarkSponsorValidated unlocks the parcours after an AMO accepted to sponsor the
// applicant: the sponsor-selection stage becomes validated and the applicant eligible.
// It is also replayed by every guarded read of a parcours whose latest request is
// accepted, so an unlock interrupted after the decision committed still happens.
func (t *Tracker) MarkSponsorValidated(ctx context.Context, id string) (bool, error) {
	p, err := t.store.GetParcours(ctx, id)
	if err != nil {
		return false, err
	}
	if p.CurrentStage != models.StageSponsorSelection || p.CurrentStageStatus == models.StageStatusValidated {
		return false, nil
	}
	eligible := models.SituationEligible
	ok, err := t.store.TransitionStage(ctx, id, StageTransition{
		From:       models.StageSponsorSelection,
		FromStatus: p.CurrentStageStatus,
		To:         models.StageSponsorSelection,
		ToStatus:   models.StageStatusValidated,
		Situation:  &eligible,
	}, t.now())
	if err != nil {
		return false, fmt.Errorf("validate sponsor stage: %w", err)
	}
	return ok, nil
}

// SetArchived puts the archive overlay on. Stage data is never touched.
func (t *Tracker) SetArchived(ctx context.Context, principal models.Principal, id, reason string) (*models.Parcours, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &models.ValidationError{Field: "reason", Message: "an archive reason is required"}
	}
	p, err := t.authorized(ctx, principal, id, access.ActionArchive)
	if err != nil {
		return nil, err
	}
	if p.IsArchived() {
		return p, nil
	}
	now := t.now()
	if err := t.store.SetSituation(ctx, id, models.SituationArchived, &now, &reason, now); err != nil {
		return nil, fmt.Errorf("archive parcours: %w", err)
	}
	logging.Info("parcours archived", map[string]interface{}{"parcours_id": id, "by": principal.UserID, "reason": reason})
	return t.store.GetParcours(ctx, id)
}

// Unarchive removes the overlay. The restored situation depends on history: Eligible
// if a sponsorship request ever reached ApplicantEligible, Prospect otherwise.
func (t *Tracker) Unarchive(ctx context.Context, principal models.Principal, id string) (*models.Parcours, error) {
	p, err := t.authorized(ctx, principal, id, access.ActionArchive)
	if err != nil {
		return nil, err
	}
	if !p.IsArchived() {
		return p, nil
	}
	eligible, err := t.history.HasEverBeenEligible(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read sponsorship history: %w", err)
	}
	situation := models.SituationProspect
	if eligible {
		situation = models.SituationEligible
	}
	if err := t.store.SetSituation(ctx, id, situation, nil, nil, t.now()); err != nil {
		return nil, fmt.Errorf("unarchive parcours: %w", err)
	}
	logging.Info("parcours unarchived", map[string]interface{}{"parcours_id": id, "by": principal.UserID, "situation": situation})
	return t.store.GetParcours(ctx, id)
}

// EditSimulationData stores an agent-edited copy of the simulation data. The
// applicant's original submission is never modified.
func (t *Tracker) EditSimulationData(ctx context.Context, principal models.Principal, id string, data json.RawMessage) (*models.ParcoursView, error) {
	if !isJSONObject(data) {
		return nil, &models.ValidationError{Field: "data", Message: "simulation data must be a JSON object"}
	}
	p, err := t.store.GetParcours(ctx, id)
	if err != nil {
		return nil, err
	}
	latest, err := t.latestRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.guard.Require(ctx, principal, access.ParcoursResource(p, orgOf(latest)), access.ActionEditSimulation); err != nil {
		return nil, err
	}
	if latest != nil && latest.Status != models.SponsorshipPending && latest.Status != models.SponsorshipApplicantEligible {
		return nil, fmt.Errorf("%w: sponsorship request is %s", models.ErrNotEditable, latest.Status)
	}

	if err := t.store.SetSimulationOverride(ctx, id, data, principal.UserID, t.now()); err != nil {
		return nil, fmt.Errorf("save simulation override: %w", err)
	}
	logging.Info("simulation data overridden", map[string]interface{}{"parcours_id": id, "editor_id": principal.UserID})
	return t.Get(ctx, principal, id)
}

// Authorize checks that principal may perform action on the parcours
func (t *Tracker) Authorize(ctx context.Context, principal models.Principal, id string, action access.Action) error {
	_, err := t.authorized(ctx, principal, id, action)
	return err
}

// authorized loads the parcours and checks the action, reaching it through the
// latest sponsorship request's organization
func (t *Tracker) authorized(ctx context.Context, principal models.Principal, id string, action access.Action) (*models.Parcours, error) {
	p, err := t.store.GetParcours(ctx, id)
	if err != nil {
		return nil, err
	}
	latest, err := t.latestRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.guard.Require(ctx, principal, access.ParcoursResource(p, orgOf(latest)), action); err != nil {
		return nil, err
	}
	if needsSponsorUnlock(p, latest) {
		if _, err := t.MarkSponsorValidated(ctx, id); err != nil {
			return nil, err
		}
		return t.store.GetParcours(ctx, id)
	}
	return p, nil
}

// needsSponsorUnlock reports an acceptance whose stage unlock did not complete
func needsSponsorUnlock(p *models.Parcours, latest *models.SponsorshipRequest) bool {
	return latest != nil && latest.Status == models.SponsorshipApplicantEligible &&
		p.CurrentStage == models.StageSponsorSelection && p.CurrentStageStatus != models.StageStatusValidated
}

func (t *Tracker) latestRequest(ctx context.Context, id string) (*models.SponsorshipRequest, error) {
	r, err := t.history.LatestForParcours(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest sponsorship request: %w", err)
	}
	return r, nil
}

func orgOf(r *models.SponsorshipRequest) string {
	if r == nil {
		return ""
	}
	return r.OrganizationID
}

func isJSONObject(data json.RawMessage) bool {
	var v map[string]interface{}
	return len(data) > 0 && json.Unmarshal(data, &v) == nil && v != nil
}
