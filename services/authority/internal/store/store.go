// Package store is the authority's Postgres persistence layer. It is the
// second, authoritative implementation of the signing rules: every ordering
// and lifecycle check the client performs is re-run here inside a
// transaction, because client state is never trusted.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"signdesk/pkg/auditlog"
	"signdesk/pkg/domain"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS signing_sessions (
  session_id    text PRIMARY KEY,
  document_name text NOT NULL,
  created_by    text NOT NULL,
  sender_email  text NOT NULL DEFAULT '',
  status        text NOT NULL,
  mode          text NOT NULL,
  created_at    timestamptz NOT NULL DEFAULT now(),
  updated_at    timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS signing_recipients (
  session_id        text NOT NULL REFERENCES signing_sessions(session_id),
  recipient_id      text NOT NULL,
  name              text NOT NULL,
  email             text NOT NULL,
  role              text NOT NULL,
  sign_order        int  NOT NULL DEFAULT 0,
  consent_at        timestamptz,
  consent_text_hash text,
  finished_at       timestamptz,
  declined_at       timestamptz,
  decline_reason    text,
  PRIMARY KEY (session_id, recipient_id)
);
CREATE TABLE IF NOT EXISTS signing_fields (
  session_id   text NOT NULL REFERENCES signing_sessions(session_id),
  field_id     text NOT NULL,
  field_type   text NOT NULL,
  page         int  NOT NULL,
  x            double precision NOT NULL DEFAULT 0,
  y            double precision NOT NULL DEFAULT 0,
  width        double precision NOT NULL DEFAULT 0,
  height       double precision NOT NULL DEFAULT 0,
  recipient_id text NOT NULL,
  required     bool NOT NULL,
  completed    bool NOT NULL DEFAULT false,
  value        jsonb,
  PRIMARY KEY (session_id, field_id)
);
CREATE TABLE IF NOT EXISTS signing_audit_events (
  seq          bigserial PRIMARY KEY,
  session_id   text NOT NULL,
  event_id     text NOT NULL,
  recipient_id text,
  event_type   text NOT NULL,
  at           timestamptz NOT NULL,
  user_agent   text,
  detail       jsonb,
  prev_hash    text NOT NULL,
  hash         text NOT NULL
);
CREATE INDEX IF NOT EXISTS signing_audit_events_session_idx ON signing_audit_events(session_id, seq);
`)
	return err
}

// CreateSession persists a validated session with its recipients and fields.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO signing_sessions(session_id,document_name,created_by,sender_email,status,mode,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7)`,
		sess.ID, sess.DocumentName, sess.CreatedBy, sess.SenderEmail, string(sess.Status), string(sess.Mode), sess.CreatedAt)
	if err != nil {
		return err
	}
	for _, r := range sess.Recipients {
		_, err = tx.Exec(ctx, `
INSERT INTO signing_recipients(session_id,recipient_id,name,email,role,sign_order)
VALUES($1,$2,$3,$4,$5,$6)`,
			sess.ID, r.ID, r.Name, r.Email, string(r.Role), r.Order)
		if err != nil {
			return err
		}
	}
	for _, f := range sess.Fields {
		var value []byte
		if f.Value != nil {
			value, _ = json.Marshal(f.Value)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO signing_fields(session_id,field_id,field_type,page,x,y,width,height,recipient_id,required,completed,value)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			sess.ID, f.ID, string(f.Type), f.Page, f.X, f.Y, f.Width, f.Height, f.RecipientID, f.Required, f.Completed, value)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.getSession(ctx, s.DB, sessionID, false)
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getSession(ctx context.Context, q pgxQuerier, sessionID string, forUpdate bool) (*domain.Session, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	var sess domain.Session
	var status, mode string
	err := q.QueryRow(ctx, `
SELECT session_id,document_name,created_by,sender_email,status,mode,created_at
FROM signing_sessions WHERE session_id=$1`+lock, sessionID).
		Scan(&sess.ID, &sess.DocumentName, &sess.CreatedBy, &sess.SenderEmail, &status, &mode, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.Mode = domain.SigningMode(mode)

	rows, err := q.Query(ctx, `
SELECT recipient_id,name,email,role,sign_order,consent_at,consent_text_hash,finished_at,declined_at,decline_reason
FROM signing_recipients WHERE session_id=$1 ORDER BY sign_order, recipient_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.Recipient
		var role string
		var consentHash, declineReason *string
		if err := rows.Scan(&r.ID, &r.Name, &r.Email, &role, &r.Order, &r.ConsentAt, &consentHash, &r.FinishedAt, &r.DeclinedAt, &declineReason); err != nil {
			return nil, err
		}
		r.Role = domain.RecipientRole(role)
		if consentHash != nil {
			r.ConsentTextHash = *consentHash
		}
		if declineReason != nil {
			r.DeclineReason = *declineReason
		}
		sess.Recipients = append(sess.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	frows, err := q.Query(ctx, `
SELECT field_id,field_type,page,x,y,width,height,recipient_id,required,completed,value
FROM signing_fields WHERE session_id=$1 ORDER BY page, y`, sessionID)
	if err != nil {
		return nil, err
	}
	defer frows.Close()
	for frows.Next() {
		var f domain.Field
		var ftype string
		var value []byte
		if err := frows.Scan(&f.ID, &ftype, &f.Page, &f.X, &f.Y, &f.Width, &f.Height, &f.RecipientID, &f.Required, &f.Completed, &value); err != nil {
			return nil, err
		}
		f.Type = domain.FieldType(ftype)
		if len(value) > 0 {
			var v domain.FieldValue
			if err := json.Unmarshal(value, &v); err == nil {
				f.Value = &v
			}
		}
		sess.Fields = append(sess.Fields, f)
	}
	if err := frows.Err(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// appendAudit chains a new event onto the session's persisted trail. The
// event timestamp is the authority's clock, never the client's, which is what
// makes backdated consent impossible.
func (s *Store) appendAudit(ctx context.Context, tx pgx.Tx, e auditlog.Event) error {
	// timestamptz is microsecond precision; hash what the column will return.
	e.At = e.At.UTC().Truncate(time.Microsecond)
	prev := auditlog.Seed(e.SessionID)
	var lastHash string
	err := tx.QueryRow(ctx, `
SELECT hash FROM signing_audit_events WHERE session_id=$1 ORDER BY seq DESC LIMIT 1`, e.SessionID).Scan(&lastHash)
	if err == nil {
		prev = lastHash
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	linked, err := auditlog.Link(e, prev)
	if err != nil {
		return err
	}
	var detail []byte
	if linked.Detail != nil {
		detail, _ = json.Marshal(linked.Detail)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO signing_audit_events(session_id,event_id,recipient_id,event_type,at,user_agent,detail,prev_hash,hash)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		linked.SessionID, linked.ID, linked.RecipientID, string(linked.Type), linked.At, linked.UserAgent, detail, linked.PrevHash, linked.Hash)
	return err
}

// ListAuditEvents returns the session's trail in chain order.
func (s *Store) ListAuditEvents(ctx context.Context, sessionID string) ([]auditlog.Event, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,recipient_id,event_type,at,user_agent,detail,prev_hash,hash
FROM signing_audit_events WHERE session_id=$1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auditlog.Event
	for rows.Next() {
		e := auditlog.Event{SessionID: sessionID}
		var recipientID, userAgent *string
		var eventType string
		var detail []byte
		if err := rows.Scan(&e.ID, &recipientID, &eventType, &e.At, &userAgent, &detail, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.At = e.At.UTC()
		e.Type = auditlog.EventType(eventType)
		if recipientID != nil {
			e.RecipientID = *recipientID
		}
		if userAgent != nil {
			e.UserAgent = *userAgent
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordConsent is idempotent: the first write wins and a replay returns the
// stored consent_at unchanged.
func (s *Store) RecordConsent(ctx context.Context, sessionID, recipientID, consentTextHash, userAgent string) (time.Time, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback(ctx)

	sess, err := s.getSession(ctx, tx, sessionID, true)
	if err != nil {
		return time.Time{}, err
	}
	if sess.Status.Terminal() {
		if rcp := sess.Recipient(recipientID); rcp != nil && rcp.Consented() {
			return *rcp.ConsentAt, tx.Commit(ctx)
		}
		return time.Time{}, &domain.ConflictError{RemoteStatus: sess.Status, Reason: "session no longer active"}
	}
	rcp := sess.Recipient(recipientID)
	if rcp == nil {
		return time.Time{}, domain.ErrNotFound
	}
	if rcp.Consented() {
		return *rcp.ConsentAt, tx.Commit(ctx)
	}

	var consentAt time.Time
	err = tx.QueryRow(ctx, `
UPDATE signing_recipients SET consent_at=now(), consent_text_hash=$3
WHERE session_id=$1 AND recipient_id=$2 AND consent_at IS NULL
RETURNING consent_at`, sessionID, recipientID, consentTextHash).Scan(&consentAt)
	if err != nil {
		return time.Time{}, err
	}
	err = s.appendAudit(ctx, tx, auditlog.Event{
		SessionID:   sessionID,
		RecipientID: recipientID,
		Type:        auditlog.EventConsentRecorded,
		At:          consentAt,
		UserAgent:   userAgent,
		Detail:      map[string]string{"consent_text_hash": consentTextHash},
	})
	if err != nil {
		return time.Time{}, err
	}
	return consentAt, tx.Commit(ctx)
}

// SubmitResult is the authority's answer to a signed submission.
type SubmitResult struct {
	AllSigned   bool
	DownloadURL string
}

// ApplySubmission reconciles one recipient's snapshot against authoritative
// state. Field completions are re-gated with the signing-order rules on the
// server's copy of the session, and terminal sessions reject the submission
// as a definitive conflict. A session already completed remotely reports
// AllSigned without error; the client's record is redundant.
func (s *Store) ApplySubmission(ctx context.Context, recipientID string, submitted *domain.Session, gate func(*domain.Session, string, string) error) (SubmitResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback(ctx)

	sess, err := s.getSession(ctx, tx, submitted.ID, true)
	if err != nil {
		return SubmitResult{}, err
	}
	if sess.Status == domain.StatusCompleted {
		return SubmitResult{}, &domain.ConflictError{RemoteStatus: domain.StatusCompleted, Reason: "session already completed"}
	}
	if sess.Status.Terminal() {
		return SubmitResult{}, &domain.ConflictError{RemoteStatus: sess.Status, Reason: "session no longer active"}
	}
	rcp := sess.Recipient(recipientID)
	if rcp == nil {
		return SubmitResult{}, domain.ErrNotFound
	}

	now := time.Now().UTC()
	for _, sf := range submitted.Fields {
		if sf.RecipientID != recipientID || !sf.Completed {
			continue
		}
		cur := sess.Field(sf.ID)
		if cur == nil {
			return SubmitResult{}, &domain.InvalidFieldError{FieldID: sf.ID, RecipientID: recipientID, Reason: "no such field"}
		}
		if cur.Completed {
			continue
		}
		if rcp.Finished() {
			// Finish seals the contribution; replays of already-completed
			// fields pass above, anything new is rejected.
			return SubmitResult{}, &domain.InvalidFieldError{FieldID: sf.ID, RecipientID: recipientID, Reason: "contribution is sealed"}
		}
		if err := gate(sess, recipientID, sf.ID); err != nil {
			return SubmitResult{}, err
		}
		var value []byte
		if sf.Value != nil {
			value, _ = json.Marshal(sf.Value)
		}
		_, err = tx.Exec(ctx, `
UPDATE signing_fields SET completed=true, value=$3
WHERE session_id=$1 AND field_id=$2 AND completed=false`, sess.ID, sf.ID, value)
		if err != nil {
			return SubmitResult{}, err
		}
		cur.Completed = true
		cur.Value = sf.Value
		err = s.appendAudit(ctx, tx, auditlog.Event{
			SessionID: sess.ID, RecipientID: recipientID,
			Type: auditlog.EventFieldCompleted, At: now,
			Detail: map[string]string{"field_id": sf.ID, "field_type": string(sf.Type)},
		})
		if err != nil {
			return SubmitResult{}, err
		}
	}

	submittedRcp := submitted.Recipient(recipientID)
	if submittedRcp != nil && submittedRcp.Finished() && !rcp.Finished() {
		if !sess.RequiredComplete(recipientID) {
			incomplete := &domain.IncompleteRequiredFieldsError{RecipientID: recipientID}
			for _, f := range sess.Fields {
				if f.RecipientID == recipientID && f.Required && !f.Completed {
					if incomplete.FirstFieldID == "" {
						incomplete.FirstFieldID = f.ID
					}
					incomplete.Remaining++
				}
			}
			return SubmitResult{}, incomplete
		}
		_, err = tx.Exec(ctx, `
UPDATE signing_recipients SET finished_at=$3
WHERE session_id=$1 AND recipient_id=$2 AND finished_at IS NULL`, sess.ID, recipientID, now)
		if err != nil {
			return SubmitResult{}, err
		}
		rcp.FinishedAt = &now
		err = s.appendAudit(ctx, tx, auditlog.Event{
			SessionID: sess.ID, RecipientID: recipientID,
			Type: auditlog.EventRecipientFinished, At: now,
		})
		if err != nil {
			return SubmitResult{}, err
		}
	}

	allSigned := true
	for _, r := range sess.Recipients {
		if r.Role == domain.RoleSigner && !r.Finished() {
			allSigned = false
			break
		}
	}
	if allSigned {
		_, err = tx.Exec(ctx, `
UPDATE signing_sessions SET status=$2, updated_at=now() WHERE session_id=$1`, sess.ID, string(domain.StatusCompleted))
		if err != nil {
			return SubmitResult{}, err
		}
		err = s.appendAudit(ctx, tx, auditlog.Event{
			SessionID: sess.ID, Type: auditlog.EventSessionCompleted, At: now,
		})
		if err != nil {
			return SubmitResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{AllSigned: allSigned}
	if allSigned {
		res.DownloadURL = fmt.Sprintf("/session/%s/document", sess.ID)
	}
	return res, nil
}

// Decline records a recipient's decline. A declining signer declines the
// whole session; reviewers and CC do not block anyone.
func (s *Store) Decline(ctx context.Context, sessionID, recipientID, reason string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	sess, err := s.getSession(ctx, tx, sessionID, true)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return &domain.ConflictError{RemoteStatus: sess.Status, Reason: "session no longer active"}
	}
	rcp := sess.Recipient(recipientID)
	if rcp == nil {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
UPDATE signing_recipients SET declined_at=$3, decline_reason=$4
WHERE session_id=$1 AND recipient_id=$2 AND declined_at IS NULL`, sessionID, recipientID, now, reason)
	if err != nil {
		return err
	}
	err = s.appendAudit(ctx, tx, auditlog.Event{
		SessionID: sessionID, RecipientID: recipientID,
		Type: auditlog.EventRecipientDeclined, At: now,
		Detail: map[string]string{"reason": reason},
	})
	if err != nil {
		return err
	}
	if rcp.Role == domain.RoleSigner {
		_, err = tx.Exec(ctx, `
UPDATE signing_sessions SET status=$2, updated_at=now() WHERE session_id=$1`, sessionID, string(domain.StatusDeclined))
		if err != nil {
			return err
		}
		err = s.appendAudit(ctx, tx, auditlog.Event{
			SessionID: sessionID, Type: auditlog.EventSessionDeclined, At: now,
		})
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// MarkLinkReissued audits a post-expiry link reissue.
func (s *Store) MarkLinkReissued(ctx context.Context, sessionID, recipientID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	err = s.appendAudit(ctx, tx, auditlog.Event{
		SessionID: sessionID, RecipientID: recipientID,
		Type: auditlog.EventLinkReissued, At: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
