// Package notify delivers signed webhook notifications for session events.
// Payloads are signed with HMAC-SHA256 over the raw body so receivers can
// authenticate the sender without TLS client certs.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"signdesk/pkg/session"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
)

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature authenticates an inbound notification against the shared
// secret. Comparison is constant time.
func VerifySignature(headers http.Header, rawBody []byte, secret string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(headers.Get(SignatureHeader)))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Webhook posts signed event payloads to a single endpoint.
type Webhook struct {
	URL    string
	Secret string
	HTTP   *http.Client
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{URL: url, Secret: secret, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (w *Webhook) Post(ctx context.Context, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(w.Secret, body))
	req.Header.Set(EventIDHeader, "ntf_"+uuid.NewString())
	req.Header.Set(EventTypeHeader, eventType)
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Send implements session.EmailSender by posting the notification as a
// signed webhook event. Delivery failures propagate to the caller, which
// treats them as best effort.
func (w *Webhook) Send(ctx context.Context, n session.Notification) error {
	return w.Post(ctx, "sender_notification", map[string]string{
		"to":         n.To,
		"subject":    n.Subject,
		"body":       n.Body,
		"session_id": n.SessionID,
	})
}
