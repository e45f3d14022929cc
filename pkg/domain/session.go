package domain

import "time"

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusExpired   SessionStatus = "expired"
	StatusDeclined  SessionStatus = "declined"
	StatusCompleted SessionStatus = "completed"
)

// Terminal reports whether the status freezes the session. Once a session is
// expired, declined, or completed no further field mutation is accepted.
func (s SessionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusDeclined || s == StatusCompleted
}

type SigningMode string

const (
	ModeSequential SigningMode = "sequential"
	ModeParallel   SigningMode = "parallel"
)

type RecipientRole string

const (
	RoleSigner   RecipientRole = "signer"
	RoleReviewer RecipientRole = "reviewer"
	RoleCC       RecipientRole = "cc"
)

type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitials  FieldType = "initials"
	FieldText      FieldType = "text"
	FieldDate      FieldType = "date"
	FieldCheckbox  FieldType = "checkbox"
)

// FieldValue holds recipient input for one field. Exactly one group of members
// is populated depending on the field type.
type FieldValue struct {
	ImageRef string `json:"image_ref,omitempty"`
	Text     string `json:"text,omitempty"`
	Font     string `json:"font,omitempty"`
	Date     string `json:"date,omitempty"`
	Checked  *bool  `json:"checked,omitempty"`
}

type Field struct {
	ID          string      `json:"id"`
	Type        FieldType   `json:"type"`
	Page        int         `json:"page"`
	X           float64     `json:"x"`
	Y           float64     `json:"y"`
	Width       float64     `json:"width"`
	Height      float64     `json:"height"`
	RecipientID string      `json:"recipient_id"`
	Required    bool        `json:"required"`
	Completed   bool        `json:"completed"`
	Value       *FieldValue `json:"value,omitempty"`
}

type Recipient struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Email string        `json:"email"`
	Role  RecipientRole `json:"role"`

	// Order is meaningful only in sequential mode. Ties among signers are
	// rejected at session creation.
	Order int `json:"order"`

	// Consent members are set exactly once and never cleared.
	ConsentAt       *time.Time `json:"consent_at,omitempty"`
	ConsentTextHash string     `json:"consent_text_hash,omitempty"`

	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
}

func (r *Recipient) Consented() bool { return r.ConsentAt != nil }
func (r *Recipient) Finished() bool  { return r.FinishedAt != nil }
func (r *Recipient) Declined() bool  { return r.DeclinedAt != nil }

// Session is one document-signing transaction. It is owned by a single state
// machine instance; everything else works on snapshots.
type Session struct {
	ID           string        `json:"id"`
	DocumentName string        `json:"document_name"`
	CreatedBy    string        `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	SenderEmail  string        `json:"sender_email,omitempty"`
	Status       SessionStatus `json:"status"`
	Mode         SigningMode   `json:"mode"`
	Recipients   []Recipient   `json:"recipients"`
	Fields       []Field       `json:"fields"`
}

func (s *Session) Recipient(id string) *Recipient {
	for i := range s.Recipients {
		if s.Recipients[i].ID == id {
			return &s.Recipients[i]
		}
	}
	return nil
}

func (s *Session) Field(id string) *Field {
	for i := range s.Fields {
		if s.Fields[i].ID == id {
			return &s.Fields[i]
		}
	}
	return nil
}

func (s *Session) FieldsFor(recipientID string) []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.RecipientID == recipientID {
			out = append(out, f)
		}
	}
	return out
}

// RequiredComplete reports whether every required field owned by the recipient
// is completed.
func (s *Session) RequiredComplete(recipientID string) bool {
	for _, f := range s.Fields {
		if f.RecipientID == recipientID && f.Required && !f.Completed {
			return false
		}
	}
	return true
}

// Clone returns a deep copy suitable for handing to the sync engine as a
// serializable snapshot.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Recipients = make([]Recipient, len(s.Recipients))
	copy(cp.Recipients, s.Recipients)
	for i := range cp.Recipients {
		if t := cp.Recipients[i].ConsentAt; t != nil {
			v := *t
			cp.Recipients[i].ConsentAt = &v
		}
		if t := cp.Recipients[i].FinishedAt; t != nil {
			v := *t
			cp.Recipients[i].FinishedAt = &v
		}
		if t := cp.Recipients[i].DeclinedAt; t != nil {
			v := *t
			cp.Recipients[i].DeclinedAt = &v
		}
	}
	cp.Fields = make([]Field, len(s.Fields))
	copy(cp.Fields, s.Fields)
	for i := range cp.Fields {
		if v := cp.Fields[i].Value; v != nil {
			vv := *v
			if v.Checked != nil {
				b := *v.Checked
				vv.Checked = &b
			}
			cp.Fields[i].Value = &vv
		}
	}
	return &cp
}
