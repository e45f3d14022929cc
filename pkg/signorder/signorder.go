// Package signorder decides which fields a recipient may currently act on.
// Every function is pure: the same session snapshot always yields the same
// answer, and the authority re-runs the same checks server-side.
package signorder

import (
	"sort"

	"signdesk/pkg/domain"
)

// NavigationOrder sorts fields by (page ascending, vertical position
// ascending). This defines "next field" for keyboard and swipe navigation,
// independent of the ordering gate.
func NavigationOrder(fields []domain.Field) []domain.Field {
	out := make([]domain.Field, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Y < out[j].Y
	})
	return out
}

// NextField returns the field following afterID in navigation order. With an
// empty afterID it returns the first field.
func NextField(fields []domain.Field, afterID string) (domain.Field, bool) {
	ordered := NavigationOrder(fields)
	if len(ordered) == 0 {
		return domain.Field{}, false
	}
	if afterID == "" {
		return ordered[0], true
	}
	for i, f := range ordered {
		if f.ID == afterID && i+1 < len(ordered) {
			return ordered[i+1], true
		}
	}
	return domain.Field{}, false
}

// blockingSigner returns the ID of a signer that must finish before the given
// signer may act, or "" if the recipient is unblocked. Signers sharing an
// order are the same sequence position and never block each other.
func blockingSigner(s *domain.Session, rcp *domain.Recipient) string {
	if s.Mode != domain.ModeSequential || rcp.Role != domain.RoleSigner {
		return ""
	}
	for _, other := range s.Recipients {
		if other.Role != domain.RoleSigner || other.ID == rcp.ID {
			continue
		}
		if other.Order < rcp.Order && !s.RequiredComplete(other.ID) {
			return other.ID
		}
	}
	return ""
}

// IsActionable reports whether the recipient may act on the field right now.
// It returns nil, an InvalidFieldError, or an OrderingViolationError.
func IsActionable(s *domain.Session, recipientID, fieldID string) error {
	f := s.Field(fieldID)
	if f == nil {
		return &domain.InvalidFieldError{FieldID: fieldID, RecipientID: recipientID, Reason: "no such field"}
	}
	if f.RecipientID != recipientID {
		return &domain.InvalidFieldError{FieldID: fieldID, RecipientID: recipientID, Reason: "field belongs to another recipient"}
	}
	rcp := s.Recipient(recipientID)
	if rcp == nil {
		return &domain.InvalidFieldError{FieldID: fieldID, RecipientID: recipientID, Reason: "no such recipient"}
	}
	if waiting := blockingSigner(s, rcp); waiting != "" {
		return &domain.OrderingViolationError{FieldID: fieldID, RecipientID: recipientID, WaitingOn: waiting}
	}
	return nil
}

// Actionable returns the recipient's currently actionable fields in
// navigation order. In parallel mode that is all of the recipient's own
// fields; in sequential mode it is empty until every earlier signer has
// completed their required fields.
func Actionable(s *domain.Session, recipientID string) []domain.Field {
	rcp := s.Recipient(recipientID)
	if rcp == nil {
		return nil
	}
	if blockingSigner(s, rcp) != "" {
		return nil
	}
	return NavigationOrder(s.FieldsFor(recipientID))
}

// Locked returns every field the recipient cannot act on right now: other
// recipients' fields plus the recipient's own fields while gated. Rendering
// these as visible-but-locked is a pure projection of this output.
func Locked(s *domain.Session, recipientID string) []domain.Field {
	actionable := map[string]bool{}
	for _, f := range Actionable(s, recipientID) {
		actionable[f.ID] = true
	}
	var out []domain.Field
	for _, f := range NavigationOrder(s.Fields) {
		if !actionable[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

// FirstIncompleteRequired returns the recipient's first incomplete required
// field in navigation order, for goto-navigation out of a failed finish.
func FirstIncompleteRequired(s *domain.Session, recipientID string) (domain.Field, bool) {
	for _, f := range NavigationOrder(s.FieldsFor(recipientID)) {
		if f.Required && !f.Completed {
			return f, true
		}
	}
	return domain.Field{}, false
}
