package signorder

import (
	"errors"
	"math/rand"
	"testing"

	"signdesk/pkg/domain"
)

func sequentialSession() *domain.Session {
	return &domain.Session{
		ID: "ses_1", DocumentName: "lease.pdf", CreatedBy: "usr_1",
		Status: domain.StatusActive, Mode: domain.ModeSequential,
		Recipients: []domain.Recipient{
			{ID: "rcp_1", Role: domain.RoleSigner, Order: 1},
			{ID: "rcp_2", Role: domain.RoleSigner, Order: 2},
			{ID: "rcp_3", Role: domain.RoleSigner, Order: 3},
			{ID: "rcp_r", Role: domain.RoleReviewer},
		},
		Fields: []domain.Field{
			{ID: "fld_1a", Type: domain.FieldSignature, Page: 1, Y: 200, RecipientID: "rcp_1", Required: true},
			{ID: "fld_1b", Type: domain.FieldDate, Page: 1, Y: 100, RecipientID: "rcp_1", Required: true},
			{ID: "fld_2a", Type: domain.FieldSignature, Page: 2, Y: 50, RecipientID: "rcp_2", Required: true},
			{ID: "fld_3a", Type: domain.FieldSignature, Page: 3, Y: 50, RecipientID: "rcp_3", Required: true},
			{ID: "fld_ra", Type: domain.FieldText, Page: 1, Y: 10, RecipientID: "rcp_r", Required: false},
		},
	}
}

func complete(s *domain.Session, fieldID string) {
	s.Field(fieldID).Completed = true
}

func TestSecondSignerBlockedUntilFirstFinishes(t *testing.T) {
	s := sequentialSession()

	err := IsActionable(s, "rcp_2", "fld_2a")
	var ov *domain.OrderingViolationError
	if !errors.As(err, &ov) {
		t.Fatalf("expected OrderingViolationError, got %v", err)
	}
	if ov.WaitingOn != "rcp_1" {
		t.Fatalf("expected to wait on rcp_1, got %s", ov.WaitingOn)
	}

	complete(s, "fld_1a")
	complete(s, "fld_1b")
	if err := IsActionable(s, "rcp_2", "fld_2a"); err != nil {
		t.Fatalf("expected actionable after first signer done, got %v", err)
	}
	// Third signer still waits on the second.
	if err := IsActionable(s, "rcp_3", "fld_3a"); err == nil {
		t.Fatalf("expected third signer still blocked")
	}
}

func TestReviewerNeverGatedAndNeverGates(t *testing.T) {
	s := sequentialSession()
	if err := IsActionable(s, "rcp_r", "fld_ra"); err != nil {
		t.Fatalf("reviewer should always act on own fields: %v", err)
	}
	// Reviewer never completing anything must not block signer 2.
	complete(s, "fld_1a")
	complete(s, "fld_1b")
	if err := IsActionable(s, "rcp_2", "fld_2a"); err != nil {
		t.Fatalf("reviewer must not gate signers: %v", err)
	}
}

func TestParallelModeHasNoCrossRecipientGate(t *testing.T) {
	s := sequentialSession()
	s.Mode = domain.ModeParallel
	for _, tc := range []struct{ rcp, fld string }{
		{"rcp_1", "fld_1a"}, {"rcp_2", "fld_2a"}, {"rcp_3", "fld_3a"},
	} {
		if err := IsActionable(s, tc.rcp, tc.fld); err != nil {
			t.Fatalf("parallel mode should allow %s on %s: %v", tc.rcp, tc.fld, err)
		}
	}
}

func TestForeignFieldIsInvalidNotOrdering(t *testing.T) {
	s := sequentialSession()
	var inv *domain.InvalidFieldError
	if err := IsActionable(s, "rcp_1", "fld_2a"); !errors.As(err, &inv) {
		t.Fatalf("expected InvalidFieldError, got %v", err)
	}
	if err := IsActionable(s, "rcp_1", "fld_nope"); !errors.As(err, &inv) {
		t.Fatalf("expected InvalidFieldError for unknown field, got %v", err)
	}
}

func TestEqualOrderSignersShareAPosition(t *testing.T) {
	// Should not happen past validation, handled defensively: neither blocks
	// the other, both block later positions.
	s := sequentialSession()
	s.Recipients[1].Order = 1
	if err := IsActionable(s, "rcp_1", "fld_1a"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := IsActionable(s, "rcp_2", "fld_2a"); err != nil {
		t.Fatalf("equal-order signer should not be blocked: %v", err)
	}
	if err := IsActionable(s, "rcp_3", "fld_3a"); err == nil {
		t.Fatalf("later signer should wait for both order-1 signers")
	}
}

func TestNavigationOrderPageThenVertical(t *testing.T) {
	got := NavigationOrder(sequentialSession().FieldsFor("rcp_1"))
	if got[0].ID != "fld_1b" || got[1].ID != "fld_1a" {
		t.Fatalf("expected fld_1b before fld_1a, got %s then %s", got[0].ID, got[1].ID)
	}

	next, ok := NextField(sequentialSession().FieldsFor("rcp_1"), "fld_1b")
	if !ok || next.ID != "fld_1a" {
		t.Fatalf("expected next after fld_1b to be fld_1a")
	}
	if _, ok := NextField(sequentialSession().FieldsFor("rcp_1"), "fld_1a"); ok {
		t.Fatalf("expected no field after the last one")
	}
}

func TestLockedIsComplementOfActionable(t *testing.T) {
	s := sequentialSession()
	locked := Locked(s, "rcp_2")
	for _, f := range locked {
		if f.RecipientID == "rcp_2" {
			// own fields are locked while gated
			continue
		}
	}
	if len(locked) != len(s.Fields) {
		t.Fatalf("gated signer should see every field locked, got %d of %d", len(locked), len(s.Fields))
	}
	complete(s, "fld_1a")
	complete(s, "fld_1b")
	locked = Locked(s, "rcp_2")
	if len(locked) != len(s.Fields)-1 {
		t.Fatalf("expected only own field unlocked, got %d locked", len(locked))
	}
}

func TestFirstIncompleteRequired(t *testing.T) {
	s := sequentialSession()
	f, ok := FirstIncompleteRequired(s, "rcp_1")
	if !ok || f.ID != "fld_1b" {
		t.Fatalf("expected fld_1b first in navigation order, got %+v", f)
	}
	complete(s, "fld_1b")
	f, _ = FirstIncompleteRequired(s, "rcp_1")
	if f.ID != "fld_1a" {
		t.Fatalf("expected fld_1a next, got %s", f.ID)
	}
	complete(s, "fld_1a")
	if _, ok := FirstIncompleteRequired(s, "rcp_1"); ok {
		t.Fatalf("expected none remaining")
	}
}

// Ordering invariant under arbitrary interleavings: replay random sequences of
// completion attempts and check no signer ever completes a field while an
// earlier signer still has incomplete required fields.
func TestOrderingInvariantUnderInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		s := sequentialSession()
		type attempt struct{ rcp, fld string }
		var pending []attempt
		for _, f := range s.Fields {
			pending = append(pending, attempt{f.RecipientID, f.ID})
		}
		rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })

		for len(pending) > 0 {
			progressed := false
			var blocked []attempt
			for _, a := range pending {
				if err := IsActionable(s, a.rcp, a.fld); err != nil {
					var ov *domain.OrderingViolationError
					if !errors.As(err, &ov) {
						t.Fatalf("trial %d: unexpected error %v", trial, err)
					}
					blocked = append(blocked, a)
					continue
				}
				rcp := s.Recipient(a.rcp)
				if rcp.Role == domain.RoleSigner && s.Mode == domain.ModeSequential {
					for _, other := range s.Recipients {
						if other.Role == domain.RoleSigner && other.Order < rcp.Order && !s.RequiredComplete(other.ID) {
							t.Fatalf("trial %d: signer %s acted before %s finished", trial, a.rcp, other.ID)
						}
					}
				}
				complete(s, a.fld)
				progressed = true
			}
			if !progressed {
				t.Fatalf("trial %d: deadlock with %d attempts pending", trial, len(blocked))
			}
			pending = blocked
		}
	}
}
