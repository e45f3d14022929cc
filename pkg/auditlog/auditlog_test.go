package auditlog

import (
	"testing"
	"time"
)

func buildTrail(t *testing.T, n int) *Trail {
	t.Helper()
	tr := NewTrail("ses_1")
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := tr.Append(Event{
			ID:          "evt_" + string(rune('a'+i)),
			RecipientID: "rcp_1",
			Type:        EventFieldCompleted,
			At:          at.Add(time.Duration(i) * time.Minute),
			Detail:      map[string]string{"field_id": "fld_1"},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return tr
}

func TestVerifyChainAcceptsUntamperedTrail(t *testing.T) {
	tr := buildTrail(t, 5)
	if err := VerifyChain("ses_1", tr.Events); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestVerifyChainDetectsMutation(t *testing.T) {
	tr := buildTrail(t, 5)
	tr.Events[2].Detail["field_id"] = "fld_2"
	if err := VerifyChain("ses_1", tr.Events); err == nil {
		t.Fatalf("expected mutation to break the chain")
	}
}

func TestVerifyChainDetectsReordering(t *testing.T) {
	tr := buildTrail(t, 5)
	tr.Events[1], tr.Events[3] = tr.Events[3], tr.Events[1]
	if err := VerifyChain("ses_1", tr.Events); err == nil {
		t.Fatalf("expected reordering to break the chain")
	}
}

func TestVerifyChainDetectsDroppedEvent(t *testing.T) {
	tr := buildTrail(t, 5)
	events := append(tr.Events[:2:2], tr.Events[3:]...)
	if err := VerifyChain("ses_1", events); err == nil {
		t.Fatalf("expected dropped event to break the chain")
	}
}

func TestChainIsBoundToSession(t *testing.T) {
	tr := buildTrail(t, 3)
	if err := VerifyChain("ses_other", tr.Events); err == nil {
		t.Fatalf("expected trail to fail verification under another session id")
	}
}

func TestBackdatingChangesHash(t *testing.T) {
	tr := buildTrail(t, 2)
	tr.Events[0].At = tr.Events[0].At.Add(-24 * time.Hour)
	if err := VerifyChain("ses_1", tr.Events); err == nil {
		t.Fatalf("expected backdated event to break the chain")
	}
}
