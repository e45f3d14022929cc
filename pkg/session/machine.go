// Package session owns the authoritative lifecycle of one signing session on
// the client. A Machine is the single writer for its in-memory session; every
// transition is pushed through the injected Persister before the call returns.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"signdesk/pkg/auditlog"
	"signdesk/pkg/domain"
	"signdesk/pkg/signorder"
)

type State string

const (
	StateLoading        State = "loading"
	StateConsentPending State = "consent_pending"
	StateExpired        State = "expired"
	StateSigningActive  State = "signing_active"
	StateCompleted      State = "completed"
	StateDeclined       State = "declined"
)

// Persister receives the session snapshot and audit trail after every
// transition. The sync engine implements this; the write must be durable
// before any network attempt.
type Persister interface {
	SaveSnapshot(ctx context.Context, recipientID string, snap *domain.Session, trail []auditlog.Event) error
}

type Notification struct {
	To        string
	Subject   string
	Body      string
	SessionID string
}

// EmailSender notifies the document sender of finish/decline. Failures are
// best-effort: they never block or reverse a completed transition.
type EmailSender interface {
	Send(ctx context.Context, n Notification) error
}

// NullSender drops notifications. Used in tests and offline runs.
type NullSender struct{}

func (NullSender) Send(context.Context, Notification) error { return nil }

type noopPersister struct{}

func (noopPersister) SaveSnapshot(context.Context, string, *domain.Session, []auditlog.Event) error {
	return nil
}

type Options struct {
	Persister Persister
	Email     EmailSender
	// Now supplies transition timestamps. Wire this to authority-provided
	// time where available; the authority re-stamps audit events on sync so
	// a skewed client clock cannot backdate consent.
	Now func() time.Time
}

// Machine drives one recipient's view of one signing session.
type Machine struct {
	sess        *domain.Session
	recipientID string
	state       State
	trail       *auditlog.Trail

	persist Persister
	email   EmailSender
	now     func() time.Time
}

// Load validates the session and positions the machine. An expired session
// loads into StateExpired, where RequestNewLink is the only legal operation.
func Load(sess *domain.Session, recipientID string, opts Options) (*Machine, error) {
	if sess == nil {
		return nil, domain.ErrNotFound
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	rcp := sess.Recipient(recipientID)
	if rcp == nil {
		return nil, domain.ErrNotFound
	}
	m := &Machine{
		sess:        sess,
		recipientID: recipientID,
		state:       StateLoading,
		trail:       auditlog.NewTrail(sess.ID),
		persist:     opts.Persister,
		email:       opts.Email,
		now:         opts.Now,
	}
	if m.persist == nil {
		m.persist = noopPersister{}
	}
	if m.email == nil {
		m.email = NullSender{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	switch {
	case sess.Status == domain.StatusExpired:
		m.state = StateExpired
	case sess.Status == domain.StatusCompleted:
		m.state = StateCompleted
	case sess.Status == domain.StatusDeclined:
		m.state = StateDeclined
	case !rcp.Consented():
		m.state = StateConsentPending
	default:
		m.state = StateSigningActive
	}
	return m, nil
}

func (m *Machine) State() State { return m.state }

// Session returns a snapshot copy; the machine keeps sole ownership of the
// live session.
func (m *Machine) Session() *domain.Session { return m.sess.Clone() }

func (m *Machine) Trail() []auditlog.Event { return m.trail.Events }

func (m *Machine) recipient() *domain.Recipient { return m.sess.Recipient(m.recipientID) }

func (m *Machine) appendAndPersist(ctx context.Context, e auditlog.Event) error {
	e.ID = "evt_" + uuid.NewString()
	e.RecipientID = m.recipientID
	if _, err := m.trail.Append(e); err != nil {
		return err
	}
	return m.persist.SaveSnapshot(ctx, m.recipientID, m.sess.Clone(), m.trail.Events)
}

// RecordConsent is valid from consent-pending and idempotent: a repeat call
// for an already-consented recipient is a no-op, not an error.
func (m *Machine) RecordConsent(ctx context.Context, consentTextHash, userAgent string) error {
	rcp := m.recipient()
	if rcp.Consented() {
		return nil
	}
	if m.state != StateConsentPending {
		return &domain.InvalidTransitionError{Op: "record_consent", Status: m.sess.Status}
	}
	at := m.now().UTC()
	rcp.ConsentAt = &at
	rcp.ConsentTextHash = consentTextHash
	m.state = StateSigningActive
	return m.appendAndPersist(ctx, auditlog.Event{
		Type:      auditlog.EventConsentRecorded,
		At:        at,
		UserAgent: userAgent,
		Detail:    map[string]string{"consent_text_hash": consentTextHash},
	})
}

// CompleteField marks one field completed. The ordering gate is checked here
// and re-checked by the authority on sync; a completed field never reverts
// except through decline. A finished recipient's contribution is sealed:
// even their own optional fields reject further completion.
func (m *Machine) CompleteField(ctx context.Context, fieldID string, value domain.FieldValue) error {
	if m.state != StateSigningActive {
		return &domain.InvalidTransitionError{Op: "complete_field", Status: m.sess.Status}
	}
	if m.recipient().Finished() {
		return &domain.InvalidFieldError{FieldID: fieldID, RecipientID: m.recipientID, Reason: "contribution is sealed"}
	}
	if err := signorder.IsActionable(m.sess, m.recipientID, fieldID); err != nil {
		return err
	}
	f := m.sess.Field(fieldID)
	if f.Completed {
		return &domain.InvalidFieldError{FieldID: fieldID, RecipientID: m.recipientID, Reason: "already completed"}
	}
	if err := valueMatchesType(f.Type, value); err != nil {
		return err
	}
	f.Completed = true
	v := value
	f.Value = &v
	return m.appendAndPersist(ctx, auditlog.Event{
		Type:   auditlog.EventFieldCompleted,
		At:     m.now().UTC(),
		Detail: map[string]string{"field_id": fieldID, "field_type": string(f.Type)},
	})
}

// Finish seals the recipient's contribution. If any required field is
// incomplete it names the first one in navigation order for goto-navigation.
// The last outstanding signer completes the whole session.
func (m *Machine) Finish(ctx context.Context) error {
	if m.state != StateSigningActive {
		return &domain.InvalidTransitionError{Op: "finish", Status: m.sess.Status}
	}
	rcp := m.recipient()
	if rcp.Finished() {
		return nil
	}
	if first, ok := signorder.FirstIncompleteRequired(m.sess, m.recipientID); ok {
		remaining := 0
		for _, f := range m.sess.FieldsFor(m.recipientID) {
			if f.Required && !f.Completed {
				remaining++
			}
		}
		return &domain.IncompleteRequiredFieldsError{
			RecipientID:  m.recipientID,
			FirstFieldID: first.ID,
			Remaining:    remaining,
		}
	}
	at := m.now().UTC()
	rcp.FinishedAt = &at
	if err := m.appendAndPersist(ctx, auditlog.Event{Type: auditlog.EventRecipientFinished, At: at}); err != nil {
		return err
	}

	if m.allSignersDone() {
		m.sess.Status = domain.StatusCompleted
		m.state = StateCompleted
		if err := m.appendAndPersist(ctx, auditlog.Event{Type: auditlog.EventSessionCompleted, At: at}); err != nil {
			return err
		}
	}
	m.notify(ctx, fmt.Sprintf("%s signed %s", rcp.Name, m.sess.DocumentName))
	return nil
}

// Decline is valid from consent-pending or signing-active. A declining signer
// takes the whole session with them; a reviewer or CC declining does not
// block anyone else.
func (m *Machine) Decline(ctx context.Context, reason string) error {
	if m.state != StateConsentPending && m.state != StateSigningActive {
		return &domain.InvalidTransitionError{Op: "decline", Status: m.sess.Status}
	}
	rcp := m.recipient()
	at := m.now().UTC()
	rcp.DeclinedAt = &at
	rcp.DeclineReason = reason
	if err := m.appendAndPersist(ctx, auditlog.Event{
		Type:   auditlog.EventRecipientDeclined,
		At:     at,
		Detail: map[string]string{"reason": reason},
	}); err != nil {
		return err
	}
	if rcp.Role == domain.RoleSigner {
		m.sess.Status = domain.StatusDeclined
		m.state = StateDeclined
		if err := m.appendAndPersist(ctx, auditlog.Event{Type: auditlog.EventSessionDeclined, At: at}); err != nil {
			return err
		}
	} else {
		m.state = StateDeclined
	}
	m.notify(ctx, fmt.Sprintf("%s declined %s", rcp.Name, m.sess.DocumentName))
	return nil
}

// RequestNewLink is the only operation allowed on an expired session. The
// caller performs the actual request-link call against the authority.
func (m *Machine) RequestNewLink(ctx context.Context) error {
	if m.state != StateExpired {
		return &domain.InvalidTransitionError{Op: "request_new_link", Status: m.sess.Status}
	}
	return m.appendAndPersist(ctx, auditlog.Event{Type: auditlog.EventLinkReissued, At: m.now().UTC()})
}

// AttachTimestamp records a proof-of-time token on a completed session.
// Timestamp failure upstream never reaches here; a missing token simply
// leaves the session without one.
func (m *Machine) AttachTimestamp(ctx context.Context, serial string, genTime time.Time) error {
	if m.state != StateCompleted {
		return &domain.InvalidTransitionError{Op: "attach_timestamp", Status: m.sess.Status}
	}
	return m.appendAndPersist(ctx, auditlog.Event{
		Type:   auditlog.EventTimestampAttached,
		At:     m.now().UTC(),
		Detail: map[string]string{"serial": serial, "gen_time": genTime.UTC().Format(time.RFC3339)},
	})
}

func (m *Machine) allSignersDone() bool {
	for _, r := range m.sess.Recipients {
		if r.Role == domain.RoleSigner && !r.Finished() {
			return false
		}
	}
	return true
}

func (m *Machine) notify(ctx context.Context, subject string) {
	if m.sess.SenderEmail == "" {
		return
	}
	err := m.email.Send(ctx, Notification{
		To:        m.sess.SenderEmail,
		Subject:   subject,
		SessionID: m.sess.ID,
	})
	if err != nil {
		log.Printf("session %s: sender notification failed: %v", m.sess.ID, err)
	}
}

func valueMatchesType(t domain.FieldType, v domain.FieldValue) error {
	switch t {
	case domain.FieldSignature, domain.FieldInitials:
		if v.ImageRef == "" && v.Text == "" {
			return &domain.ValidationError{Reason: fmt.Sprintf("%s field needs a drawn or typed value", t)}
		}
	case domain.FieldText:
		if v.Text == "" {
			return &domain.ValidationError{Reason: "text field needs text"}
		}
	case domain.FieldDate:
		if v.Date == "" {
			return &domain.ValidationError{Reason: "date field needs a date string"}
		}
	case domain.FieldCheckbox:
		if v.Checked == nil {
			return &domain.ValidationError{Reason: "checkbox field needs a checked state"}
		}
	}
	return nil
}
