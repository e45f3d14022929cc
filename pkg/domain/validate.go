package domain

import "fmt"

// Validate checks session parameters at creation time. Duplicate signer orders
// in sequential mode are rejected outright rather than left to the
// coordinator's defensive tie-break.
func (s *Session) Validate() error {
	if s.ID == "" {
		return &ValidationError{Reason: "missing id"}
	}
	if s.DocumentName == "" {
		return &ValidationError{Reason: "missing document_name"}
	}
	if s.CreatedBy == "" {
		return &ValidationError{Reason: "missing created_by"}
	}
	switch s.Mode {
	case ModeSequential, ModeParallel:
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown signing mode %q", s.Mode)}
	}
	switch s.Status {
	case StatusActive, StatusExpired, StatusDeclined, StatusCompleted:
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown status %q", s.Status)}
	}

	signers := 0
	byID := map[string]bool{}
	for _, r := range s.Recipients {
		if r.ID == "" {
			return &ValidationError{Reason: "recipient missing id"}
		}
		if byID[r.ID] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate recipient id %s", r.ID)}
		}
		byID[r.ID] = true
		switch r.Role {
		case RoleSigner:
			signers++
		case RoleReviewer, RoleCC:
		default:
			return &ValidationError{Reason: fmt.Sprintf("recipient %s has unknown role %q", r.ID, r.Role)}
		}
	}
	if signers == 0 {
		return &ValidationError{Reason: "session needs at least one signer"}
	}

	if s.Mode == ModeSequential {
		seen := map[int]string{}
		for _, r := range s.Recipients {
			if r.Role != RoleSigner {
				continue
			}
			if r.Order < 1 {
				return &ValidationError{Reason: fmt.Sprintf("signer %s has order %d, must be >= 1", r.ID, r.Order)}
			}
			if prev, ok := seen[r.Order]; ok {
				return &ValidationError{Reason: fmt.Sprintf("signers %s and %s share order %d", prev, r.ID, r.Order)}
			}
			seen[r.Order] = r.ID
		}
	}

	for _, f := range s.Fields {
		if f.ID == "" {
			return &ValidationError{Reason: "field missing id"}
		}
		if !byID[f.RecipientID] {
			return &ValidationError{Reason: fmt.Sprintf("field %s references unknown recipient %s", f.ID, f.RecipientID)}
		}
		switch f.Type {
		case FieldSignature, FieldInitials, FieldText, FieldDate, FieldCheckbox:
		default:
			return &ValidationError{Reason: fmt.Sprintf("field %s has unknown type %q", f.ID, f.Type)}
		}
		if f.Page < 1 {
			return &ValidationError{Reason: fmt.Sprintf("field %s has page %d, must be >= 1", f.ID, f.Page)}
		}
	}
	return nil
}
