// Package remote is the client-side API binding for the signing authority.
// It never retries on its own; retry and backoff belong to the sync engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"signdesk/internal/syncengine"
	"signdesk/pkg/domain"
)

type Client struct {
	BaseURL      string
	RecipientKey string
	HTTP         *http.Client
}

func New(baseURL, recipientKey string) *Client {
	return &Client{
		BaseURL:      baseURL,
		RecipientKey: recipientKey,
		HTTP:         &http.Client{Timeout: 10 * time.Second},
	}
}

type apiError struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Recipient-Key", c.RecipientKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}

// decodeError maps the authority's error responses onto the domain taxonomy:
// 404 NotFound, 401/403 InvalidCredentials, 409 a definitive ConflictError,
// 422 an OrderingViolationError the sync engine retries rather than drops.
func decodeError(resp *http.Response) error {
	var ae apiError
	_ = json.NewDecoder(resp.Body).Decode(&ae)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrInvalidCredentials
	case http.StatusConflict:
		status := domain.SessionStatus("")
		for _, k := range []string{"remote_status", "status"} {
			if v, ok := ae.Error.Details[k].(string); ok {
				status = domain.SessionStatus(v)
				break
			}
		}
		return &domain.ConflictError{RemoteStatus: status, Reason: ae.Error.Message}
	case http.StatusUnprocessableEntity:
		ov := &domain.OrderingViolationError{}
		if v, ok := ae.Error.Details["field_id"].(string); ok {
			ov.FieldID = v
		}
		if v, ok := ae.Error.Details["recipient_id"].(string); ok {
			ov.RecipientID = v
		}
		if v, ok := ae.Error.Details["waiting_on"].(string); ok {
			ov.WaitingOn = v
		}
		return ov
	default:
		return &domain.NetworkError{
			Op:  "authority",
			Err: fmt.Errorf("status %d: %s %s", resp.StatusCode, ae.Error.Code, ae.Error.Message),
		}
	}
}

// FetchSession loads the remote session. An expired session comes back as a
// session whose status is expired, not as an error: the state machine decides
// what to do with it.
func (c *Client) FetchSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	resp, err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out struct {
		Session domain.Session `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &domain.NetworkError{Op: "fetch_session", Err: err}
	}
	return &out.Session, nil
}

// SubmitSigned implements syncengine.Remote.
func (c *Client) SubmitSigned(ctx context.Context, sub syncengine.Submission) (syncengine.SubmitResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/session/"+sub.SessionID+"/signed", sub)
	if err != nil {
		return syncengine.SubmitResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return syncengine.SubmitResult{}, decodeError(resp)
	}
	var out struct {
		AllSigned   bool   `json:"all_signed"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return syncengine.SubmitResult{}, &domain.NetworkError{Op: "submit_signed", Err: err}
	}
	return syncengine.SubmitResult{AllSigned: out.AllSigned, DownloadURL: out.DownloadURL}, nil
}

// RecordConsent pushes consent to the authority. The recipient identity is
// carried by the link token, not the body.
func (c *Client) RecordConsent(ctx context.Context, sessionID, userAgent, consentTextHash string) error {
	resp, err := c.do(ctx, http.MethodPut, "/session/"+sessionID+"/consent", map[string]string{
		"user_agent":        userAgent,
		"consent_text_hash": consentTextHash,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) Decline(ctx context.Context, sessionID, reason string) error {
	resp, err := c.do(ctx, http.MethodPut, "/session/"+sessionID+"/decline", map[string]string{
		"reason": reason,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// RequestNewLink asks the authority to reissue a signing link for an expired
// session. Returns the fresh link token.
func (c *Client) RequestNewLink(ctx context.Context, sessionID string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/request-link", map[string]string{})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	var out struct {
		LinkToken string `json:"link_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.NetworkError{Op: "request_link", Err: err}
	}
	return out.LinkToken, nil
}
