package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"signdesk/pkg/domain"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteDomainError maps the signing error taxonomy onto HTTP statuses and
// stable error codes the client sync engine dispatches on. Conflict-class
// codes (409) tell the client to stop retrying and drop its queued record.
// An ordering violation is 422, not 409: it resolves once earlier signers
// finish, so the client keeps the record and retries.
func WriteDomainError(w http.ResponseWriter, err error) {
	var (
		ve  *domain.ValidationError
		it  *domain.InvalidTransitionError
		ov  *domain.OrderingViolationError
		inf *domain.InvalidFieldError
		inc *domain.IncompleteRequiredFieldsError
		ce  *domain.ConflictError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidCredentials):
		WriteError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil)
	case errors.As(err, &ve):
		WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", ve.Error(), nil)
	case errors.As(err, &it):
		WriteError(w, http.StatusConflict, "INVALID_TRANSITION", it.Error(), map[string]any{"status": it.Status})
	case errors.As(err, &ov):
		WriteError(w, http.StatusUnprocessableEntity, "ORDERING_VIOLATION", ov.Error(), map[string]any{
			"field_id": ov.FieldID, "recipient_id": ov.RecipientID, "waiting_on": ov.WaitingOn,
		})
	case errors.As(err, &inf):
		WriteError(w, http.StatusBadRequest, "INVALID_FIELD", inf.Error(), map[string]any{"field_id": inf.FieldID})
	case errors.As(err, &inc):
		WriteError(w, http.StatusBadRequest, "INCOMPLETE_REQUIRED_FIELDS", inc.Error(), map[string]any{
			"first_field_id": inc.FirstFieldID, "remaining": inc.Remaining,
		})
	case errors.As(err, &ce):
		WriteError(w, http.StatusConflict, "SESSION_CONFLICT", ce.Error(), map[string]any{"remote_status": ce.RemoteStatus})
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
