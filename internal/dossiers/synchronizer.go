// Package dossiers mirrors the per-stage case files held by the external
// case-management platform. The local mirror only ever moves forward.
package dossiers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/logging"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// casRetries bounds how often a sync re-reads after losing a compare-and-set
const casRetries = 3

// Version is what a compare-and-set checks against
type Version struct {
	Status    models.ExternalStatus
	DecidedAt *time.Time
}

// Update is the new mirror state
type Update struct {
	Status      models.ExternalStatus
	SubmittedAt *time.Time
	DecidedAt   *time.Time
	SyncedAt    time.Time
}

// Store is the case-file persistence
type Store interface {
	GetCaseFile(ctx context.Context, parcoursID string, stage models.Stage) (*models.ExternalCaseFile, error)
	ListCaseFiles(ctx context.Context, parcoursID string) ([]models.ExternalCaseFile, error)
	// CreateCaseFile inserts the row or, if (parcours, stage) already exists, returns
	// the existing one with created=false
	CreateCaseFile(ctx context.Context, cf *models.ExternalCaseFile) (existing *models.ExternalCaseFile, created bool, err error)
	CompareAndSwap(ctx context.Context, id string, expected Version, next Update) (bool, error)
	ListActiveParcoursIDs(ctx context.Context) ([]string, error)
}

// Fetcher reads a case file from the external platform
type Fetcher interface {
	FetchCaseFile(ctx context.Context, demarcheID, number string) (*models.RemoteCaseFile, error)
}

// OutcomeRecorder receives the outcome of the current stage's case file
type OutcomeRecorder interface {
	RecordExternalOutcome(ctx context.Context, parcoursID string, stage models.Stage, outcome models.ExternalOutcome) (bool, error)
}

// Synchronizer reconciles local case files with the external platform
type Synchronizer struct {
	store     Store
	fetcher   Fetcher
	tracker   OutcomeRecorder
	demarches map[models.Stage]string
	now       func() time.Time
}

// NewSynchronizer creates a synchronizer. demarches maps a stage to its external procedure id.
func NewSynchronizer(store Store, fetcher Fetcher, tracker OutcomeRecorder, demarches map[models.Stage]string) *Synchronizer {
	return &Synchronizer{store: store, fetcher: fetcher, tracker: tracker, demarches: demarches, now: time.Now}
}

// ShouldWrite is the merge rule: a fetched state replaces the local one only if it is
// further along the lifecycle, or at the same rank with newer decision metadata.
func ShouldWrite(local Version, remote models.RemoteCaseFile) bool {
	lr, rr := local.Status.Rank(), remote.Status.Rank()
	if rr != lr {
		return rr > lr
	}
	if remote.Status != local.Status {
		// two different terminal statuses: the first one recorded stands
		return false
	}
	if remote.DecidedAt == nil {
		return false
	}
	return local.DecidedAt == nil || remote.DecidedAt.After(*local.DecidedAt)
}

// LinkCaseFile attaches an external case file to a stage. Linking the same number
// again is a no-op; a different number for an already linked stage is refused.
func (s *Synchronizer) LinkCaseFile(ctx context.Context, parcoursID string, stage models.Stage, number string) (*models.ExternalCaseFile, error) {
	number = strings.TrimSpace(number)
	if !stage.IsValid() {
		return nil, &models.ValidationError{Field: "stage", Message: "unknown stage"}
	}
	demarche, ok := s.demarches[stage]
	if !ok {
		return nil, &models.ValidationError{Field: "stage", Message: fmt.Sprintf("stage %s has no external case file", stage)}
	}
	if n, err := strconv.Atoi(number); err != nil || n <= 0 {
		return nil, &models.ValidationError{Field: "external_number", Message: "case file number must be a positive integer"}
	}

	cf := &models.ExternalCaseFile{
		ID:                 uuid.NewString(),
		ParcoursID:         parcoursID,
		Stage:              stage,
		ExternalDemarcheID: demarche,
		ExternalNumber:     number,
		ExternalStatus:     models.ExternalDraft,
		CreatedAt:          s.now(),
	}
	existing, created, err := s.store.CreateCaseFile(ctx, cf)
	if err != nil {
		return nil, fmt.Errorf("link case file: %w", err)
	}
	if !created && existing.ExternalNumber != number {
		return nil, &models.ValidationError{Field: "external_number", Message: fmt.Sprintf("stage %s is already linked to case file %s", stage, existing.ExternalNumber)}
	}
	if created {
		logging.Info("case file linked", map[string]interface{}{"parcours_id": parcoursID, "stage": stage, "external_number": number})
	}
	return existing, nil
}

// SyncStage pulls the external state of one stage's case file. When the platform
// cannot be reached the mirror is left untouched and an ExternalServiceError is returned.
func (s *Synchronizer) SyncStage(ctx context.Context, parcoursID string, stage models.Stage) (models.SyncResult, error) {
	res := models.SyncResult{ParcoursID: parcoursID, Stage: stage}

	cf, err := s.store.GetCaseFile(ctx, parcoursID, stage)
	if err != nil {
		return res, err
	}
	res.Previous, res.Current = cf.ExternalStatus, cf.ExternalStatus

	remote, err := s.fetcher.FetchCaseFile(ctx, cf.ExternalDemarcheID, cf.ExternalNumber)
	if err != nil {
		var ext *models.ExternalServiceError
		if !errors.As(err, &ext) {
			err = &models.ExternalServiceError{Op: "fetch dossier " + cf.ExternalNumber, Err: err}
		}
		logging.Warn("case file sync failed", map[string]interface{}{"parcours_id": parcoursID, "stage": stage, "error": err.Error()})
		return res, err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		local := Version{Status: cf.ExternalStatus, DecidedAt: cf.DecidedAt}
		if !ShouldWrite(local, *remote) {
			break
		}
		next := Update{Status: remote.Status, SubmittedAt: firstNonNil(cf.SubmittedAt, remote.SubmittedAt), DecidedAt: remote.DecidedAt, SyncedAt: s.now()}
		if next.DecidedAt == nil {
			next.DecidedAt = cf.DecidedAt
		}
		ok, err := s.store.CompareAndSwap(ctx, cf.ID, local, next)
		if err != nil {
			return res, fmt.Errorf("update case file: %w", err)
		}
		if ok {
			res.Changed = true
			res.Current = remote.Status
			logging.Info("case file updated", map[string]interface{}{
				"parcours_id": parcoursID, "stage": stage, "from": res.Previous, "to": remote.Status,
			})
			break
		}
		// lost the race: merge again against what the other writer stored
		if cf, err = s.store.GetCaseFile(ctx, parcoursID, stage); err != nil {
			return res, err
		}
		res.Current = cf.ExternalStatus
	}

	parcoursChanged, err := s.forwardOutcome(ctx, parcoursID, stage, res.Current)
	if err != nil {
		return res, err
	}
	res.InvalidateViews = res.Changed || parcoursChanged
	return res, nil
}

// forwardOutcome hands the mirrored status to the tracker. The tracker ignores
// outcomes it already applied, so this is safe to repeat on every sync.
func (s *Synchronizer) forwardOutcome(ctx context.Context, parcoursID string, stage models.Stage, status models.ExternalStatus) (bool, error) {
	if s.tracker == nil || status.Rank() < models.ExternalSubmitted.Rank() {
		return false, nil
	}
	changed, err := s.tracker.RecordExternalOutcome(ctx, parcoursID, stage, status.Outcome())
	if err != nil {
		return false, fmt.Errorf("record outcome: %w", err)
	}
	return changed, nil
}

// SyncAll syncs every linked stage of a parcours. A failing stage does not stop
// the others; its error is reported in its result.
func (s *Synchronizer) SyncAll(ctx context.Context, parcoursID string) ([]models.SyncResult, error) {
	files, err := s.store.ListCaseFiles(ctx, parcoursID)
	if err != nil {
		return nil, fmt.Errorf("list case files: %w", err)
	}
	results := make([]models.SyncResult, 0, len(files))
	for _, cf := range files {
		res, err := s.SyncStage(ctx, parcoursID, cf.Stage)
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// SyncActive runs SyncAll over every parcours that still has an open case file
// and returns per-parcours results
func (s *Synchronizer) SyncActive(ctx context.Context) (map[string][]models.SyncResult, error) {
	ids, err := s.store.ListActiveParcoursIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active parcours: %w", err)
	}
	out := make(map[string][]models.SyncResult, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		results, err := s.SyncAll(ctx, id)
		if err != nil {
			logging.Error("sync parcours failed", err, map[string]interface{}{"parcours_id": id})
			continue
		}
		out[id] = results
	}
	return out, nil
}

func firstNonNil(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}
