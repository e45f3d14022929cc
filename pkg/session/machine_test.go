package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"signdesk/pkg/auditlog"
	"signdesk/pkg/domain"
)

type recordingPersister struct {
	saves int
	last  *domain.Session
	trail []auditlog.Event
}

func (p *recordingPersister) SaveSnapshot(_ context.Context, _ string, snap *domain.Session, trail []auditlog.Event) error {
	p.saves++
	p.last = snap
	p.trail = trail
	return nil
}

type failingSender struct{ calls int }

func (s *failingSender) Send(context.Context, Notification) error {
	s.calls++
	return errors.New("smtp unreachable")
}

func threeSignerSession() *domain.Session {
	return &domain.Session{
		ID: "ses_1", DocumentName: "offer.pdf", CreatedBy: "usr_1",
		SenderEmail: "sender@example.com",
		Status:      domain.StatusActive, Mode: domain.ModeSequential,
		Recipients: []domain.Recipient{
			{ID: "rcp_1", Name: "Ada", Role: domain.RoleSigner, Order: 1},
			{ID: "rcp_2", Name: "Ben", Role: domain.RoleSigner, Order: 2},
			{ID: "rcp_3", Name: "Cam", Role: domain.RoleSigner, Order: 3},
		},
		Fields: []domain.Field{
			{ID: "fld_1", Type: domain.FieldSignature, Page: 1, Y: 10, RecipientID: "rcp_1", Required: true},
			{ID: "fld_2", Type: domain.FieldSignature, Page: 1, Y: 20, RecipientID: "rcp_2", Required: true},
			{ID: "fld_3", Type: domain.FieldSignature, Page: 1, Y: 30, RecipientID: "rcp_3", Required: true},
		},
	}
}

func loadActive(t *testing.T, s *domain.Session, recipientID string, p Persister) *Machine {
	t.Helper()
	m, err := Load(s, recipientID, Options{Persister: p})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.State() == StateConsentPending {
		if err := m.RecordConsent(context.Background(), "sha256:tos", "test-agent"); err != nil {
			t.Fatalf("consent: %v", err)
		}
	}
	return m
}

func sig() domain.FieldValue { return domain.FieldValue{ImageRef: "img_1"} }

func TestLoadPositionsMachine(t *testing.T) {
	s := threeSignerSession()
	m, err := Load(s, "rcp_1", Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.State() != StateConsentPending {
		t.Fatalf("expected consent_pending, got %s", m.State())
	}

	s2 := threeSignerSession()
	s2.Status = domain.StatusExpired
	m2, err := Load(s2, "rcp_1", Options{})
	if err != nil {
		t.Fatalf("load expired: %v", err)
	}
	if m2.State() != StateExpired {
		t.Fatalf("expected expired, got %s", m2.State())
	}

	if _, err := Load(threeSignerSession(), "rcp_unknown", Options{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConsentIsIdempotent(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	now := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}
	s := threeSignerSession()
	m, _ := Load(s, "rcp_1", Options{Now: now})
	if err := m.RecordConsent(context.Background(), "sha256:tos", "agent"); err != nil {
		t.Fatalf("consent: %v", err)
	}
	first := *s.Recipient("rcp_1").ConsentAt
	if err := m.RecordConsent(context.Background(), "sha256:tos", "agent"); err != nil {
		t.Fatalf("repeat consent should be a no-op: %v", err)
	}
	if !s.Recipient("rcp_1").ConsentAt.Equal(first) {
		t.Fatalf("repeat consent changed consent_at")
	}
	if len(m.Trail()) != 1 {
		t.Fatalf("repeat consent appended an audit event")
	}
}

func TestCompleteFieldEnforcesOrdering(t *testing.T) {
	s := threeSignerSession()
	p := &recordingPersister{}
	m2 := loadActive(t, s, "rcp_2", p)

	err := m2.CompleteField(context.Background(), "fld_2", sig())
	var ov *domain.OrderingViolationError
	if !errors.As(err, &ov) {
		t.Fatalf("expected OrderingViolationError, got %v", err)
	}

	m1 := loadActive(t, s, "rcp_1", p)
	if err := m1.CompleteField(context.Background(), "fld_1", sig()); err != nil {
		t.Fatalf("first signer: %v", err)
	}
	if err := m1.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := m2.CompleteField(context.Background(), "fld_2", sig()); err != nil {
		t.Fatalf("second signer after first finished: %v", err)
	}
}

func TestCompleteFieldOnlyOnce(t *testing.T) {
	s := threeSignerSession()
	s.Mode = domain.ModeParallel
	m := loadActive(t, s, "rcp_1", nil)
	if err := m.CompleteField(context.Background(), "fld_1", sig()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	var inv *domain.InvalidFieldError
	if err := m.CompleteField(context.Background(), "fld_1", sig()); !errors.As(err, &inv) {
		t.Fatalf("expected InvalidFieldError on repeat completion, got %v", err)
	}
}

func TestFinishNamesFirstIncompleteRequiredField(t *testing.T) {
	s := threeSignerSession()
	s.Fields = append(s.Fields, domain.Field{
		ID: "fld_1b", Type: domain.FieldDate, Page: 1, Y: 5, RecipientID: "rcp_1", Required: true,
	})
	m := loadActive(t, s, "rcp_1", nil)

	err := m.Finish(context.Background())
	var inc *domain.IncompleteRequiredFieldsError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompleteRequiredFieldsError, got %v", err)
	}
	// fld_1b sits above fld_1 on page 1, so it comes first in navigation order.
	if inc.FirstFieldID != "fld_1b" || inc.Remaining != 2 {
		t.Fatalf("expected first=fld_1b remaining=2, got %+v", inc)
	}
}

func TestLastSignerCompletesSession(t *testing.T) {
	s := threeSignerSession()
	p := &recordingPersister{}
	for _, id := range []string{"rcp_1", "rcp_2", "rcp_3"} {
		m := loadActive(t, s, id, p)
		if err := m.CompleteField(context.Background(), "fld_"+id[len(id)-1:], sig()); err != nil {
			t.Fatalf("%s complete: %v", id, err)
		}
		if err := m.Finish(context.Background()); err != nil {
			t.Fatalf("%s finish: %v", id, err)
		}
	}
	if s.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}
	if p.last.Status != domain.StatusCompleted {
		t.Fatalf("persisted snapshot not completed")
	}
}

func TestFinishSealsContribution(t *testing.T) {
	s := threeSignerSession()
	s.Fields = append(s.Fields, domain.Field{
		ID: "fld_1opt", Type: domain.FieldText, Page: 1, Y: 40, RecipientID: "rcp_1", Required: false,
	})
	m := loadActive(t, s, "rcp_1", nil)
	if err := m.CompleteField(context.Background(), "fld_1", sig()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}

	var inv *domain.InvalidFieldError
	err := m.CompleteField(context.Background(), "fld_1opt", domain.FieldValue{Text: "late"})
	if !errors.As(err, &inv) {
		t.Fatalf("expected sealed contribution to reject completion, got %v", err)
	}
	if s.Field("fld_1opt").Completed {
		t.Fatalf("optional field was mutated after finish")
	}
}

func TestTerminalSessionRejectsMutation(t *testing.T) {
	s := threeSignerSession()
	s.Status = domain.StatusCompleted
	for i := range s.Recipients {
		at := time.Now()
		s.Recipients[i].ConsentAt = &at
		s.Recipients[i].FinishedAt = &at
	}
	m, err := Load(s, "rcp_1", Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var it *domain.InvalidTransitionError
	if err := m.CompleteField(context.Background(), "fld_1", sig()); !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if err := m.Decline(context.Background(), "too late"); !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestSignerDeclineDeclinesSession(t *testing.T) {
	s := threeSignerSession()
	m := loadActive(t, s, "rcp_2", nil)
	if err := m.Decline(context.Background(), "wrong terms"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if s.Status != domain.StatusDeclined {
		t.Fatalf("expected session declined, got %s", s.Status)
	}
	if s.Recipient("rcp_2").DeclineReason != "wrong terms" {
		t.Fatalf("decline reason not recorded")
	}
}

func TestReviewerDeclineDoesNotBlockSigners(t *testing.T) {
	s := threeSignerSession()
	s.Recipients = append(s.Recipients, domain.Recipient{ID: "rcp_r", Name: "Rev", Role: domain.RoleReviewer})
	mr, _ := Load(s, "rcp_r", Options{})
	if err := mr.Decline(context.Background(), "not my department"); err != nil {
		t.Fatalf("reviewer decline: %v", err)
	}
	if s.Status != domain.StatusActive {
		t.Fatalf("reviewer decline must not decline the session, got %s", s.Status)
	}
	m1 := loadActive(t, s, "rcp_1", nil)
	if err := m1.CompleteField(context.Background(), "fld_1", sig()); err != nil {
		t.Fatalf("signer should continue after reviewer decline: %v", err)
	}
}

func TestEveryTransitionPersists(t *testing.T) {
	s := threeSignerSession()
	p := &recordingPersister{}
	m := loadActive(t, s, "rcp_1", p) // consent = save 1
	_ = m.CompleteField(context.Background(), "fld_1", sig())
	_ = m.Finish(context.Background())
	if p.saves != 3 {
		t.Fatalf("expected 3 snapshots (consent, field, finish), got %d", p.saves)
	}
	if err := auditlog.VerifyChain("ses_1", p.trail); err != nil {
		t.Fatalf("persisted trail does not verify: %v", err)
	}
}

func TestNotificationFailureNeverReversesTransition(t *testing.T) {
	s := threeSignerSession()
	s.Mode = domain.ModeParallel
	sender := &failingSender{}
	m, _ := Load(s, "rcp_1", Options{Email: sender})
	_ = m.RecordConsent(context.Background(), "sha256:tos", "agent")
	_ = m.CompleteField(context.Background(), "fld_1", sig())
	if err := m.Finish(context.Background()); err != nil {
		t.Fatalf("finish must succeed despite email failure: %v", err)
	}
	if sender.calls == 0 {
		t.Fatalf("expected a notification attempt")
	}
	if !s.Recipient("rcp_1").Finished() {
		t.Fatalf("finish was reversed")
	}
}

func TestRequestNewLinkOnlyWhenExpired(t *testing.T) {
	s := threeSignerSession()
	m, _ := Load(s, "rcp_1", Options{})
	var it *domain.InvalidTransitionError
	if err := m.RequestNewLink(context.Background()); !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	s.Status = domain.StatusExpired
	me, _ := Load(s, "rcp_1", Options{})
	if err := me.RequestNewLink(context.Background()); err != nil {
		t.Fatalf("request link on expired session: %v", err)
	}
}
