package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStageNext(t *testing.T) {
	next, ok := StageSponsorSelection.Next()
	if !ok || next != StageEligibilityCheck {
		t.Fatalf("expected eligibility_check, got %s %v", next, ok)
	}
	if _, ok := StageInvoices.Next(); ok {
		t.Fatal("invoices should be the last stage")
	}
	if !StageInvoices.IsLast() || StageQuotes.IsLast() {
		t.Fatal("unexpected IsLast result")
	}
	if Stage("unknown").IsValid() {
		t.Fatal("unknown stage should be invalid")
	}
}

func TestEffectiveData(t *testing.T) {
	original := json.RawMessage(`{"revenu":1}`)
	cases := []struct {
		name     string
		override json.RawMessage
		want     string
	}{
		{"no override", nil, `{"revenu":1}`},
		{"null override", json.RawMessage(`null`), `{"revenu":1}`},
		{"override wins", json.RawMessage(`{"revenu":2}`), `{"revenu":2}`},
		{"equal override still wins", json.RawMessage(`{"revenu":1}`), `{"revenu":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(EffectiveData(original, tc.override)); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTokenState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	consumed := now.Add(-time.Hour)

	cases := []struct {
		name string
		req  SponsorshipRequest
		want error
	}{
		{"valid", SponsorshipRequest{ExpiresAt: now.Add(time.Minute)}, nil},
		{"expired at exact instant", SponsorshipRequest{ExpiresAt: now}, ErrTokenExpired},
		{"consumed", SponsorshipRequest{ExpiresAt: now.Add(time.Hour), ConsumedAt: &consumed}, ErrTokenAlreadyUsed},
		{"consumed then expired", SponsorshipRequest{ExpiresAt: now.Add(-time.Minute), ConsumedAt: &consumed}, ErrTokenAlreadyUsed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.TokenState(now); !errors.Is(err, tc.want) && err != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestExternalStatusRank(t *testing.T) {
	if ExternalSubmitted.Rank() <= ExternalDraft.Rank() || ExternalUnderExternalReview.Rank() <= ExternalSubmitted.Rank() {
		t.Fatal("lifecycle ranks should increase")
	}
	if ExternalAccepted.Rank() != ExternalRejected.Rank() || ExternalRejected.Rank() != ExternalWithdrawn.Rank() {
		t.Fatal("terminal statuses should share a rank")
	}
	if ExternalStatus("en_construction").IsValid() {
		t.Fatal("raw platform states are not lifecycle statuses")
	}
	if ExternalWithdrawn.Outcome() != OutcomeWithdrawn || ExternalSubmitted.Outcome() != OutcomeInProgress {
		t.Fatal("unexpected outcome mapping")
	}
}

func TestDecision(t *testing.T) {
	if DecisionAccept.RequiresComment() {
		t.Fatal("accept should not require a comment")
	}
	if !DecisionDecline.RequiresComment() || !DecisionRejectIneligible.RequiresComment() {
		t.Fatal("rejections require a comment")
	}
	if s, ok := DecisionDecline.TargetStatus(); !ok || s != SponsorshipDeclined {
		t.Fatalf("unexpected target status %s", s)
	}
	if _, ok := Decision("maybe").TargetStatus(); ok {
		t.Fatal("unknown decision should not map")
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	if !errors.Is(&DeniedError{Reason: DenialNotOwner}, ErrUnauthorized) {
		t.Fatal("denied error should match ErrUnauthorized")
	}
	if !errors.Is(&TransitionError{From: StageDiagnosis}, ErrInvalidTransition) {
		t.Fatal("transition error should match ErrInvalidTransition")
	}
	cause := errors.New("timeout")
	ext := &ExternalServiceError{Op: "fetch", Err: cause}
	if !errors.Is(ext, ErrExternalService) || !errors.Is(ext, cause) {
		t.Fatal("external service error should match both sentinel and cause")
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"Admin":       RoleAdmin,
		"super_admin": RoleAdmin,
		"amo_agent":   RoleAmoAgent,
		"AMO":         RoleAmoAgent,
		"Customer":    RoleApplicant,
		"":            RoleApplicant,
	}
	for claim, want := range cases {
		if got := ParseRole(claim); got != want {
			t.Errorf("ParseRole(%q) = %s, want %s", claim, got, want)
		}
	}
}
