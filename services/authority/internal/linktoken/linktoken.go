// Package linktoken issues and verifies the signed recipient-link tokens the
// authority embeds in signing emails. A token binds one recipient to one
// session for a bounded lifetime; reissuing after expiry mints a fresh token
// without touching session state.
package linktoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"signdesk/pkg/domain"
)

type Issuer struct {
	key []byte
	ttl time.Duration
}

func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &Issuer{key: key, ttl: ttl}
}

type claims struct {
	SessionID   string `json:"sid"`
	RecipientID string `json:"rid"`
	jwt.RegisteredClaims
}

// Issue mints a link token for a recipient.
func (i *Issuer) Issue(sessionID, recipientID string, now time.Time) (string, error) {
	c := claims{
		SessionID:   sessionID,
		RecipientID: recipientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "signdesk-authority",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.key)
}

// Verify parses and validates a link token, returning the session and
// recipient it binds. Any signature, expiry, or shape problem maps to
// ErrInvalidCredentials; the caller never learns which check failed.
func (i *Issuer) Verify(token string) (sessionID, recipientID string, err error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithIssuer("signdesk-authority"), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", "", domain.ErrInvalidCredentials
	}
	if c.SessionID == "" || c.RecipientID == "" {
		return "", "", domain.ErrInvalidCredentials
	}
	return c.SessionID, c.RecipientID, nil
}

// VerifyExpired accepts a token whose only defect is expiry. Link reissue
// uses it: an expired link still proves the holder was once issued a link for
// this recipient, which is enough to mint a replacement.
func (i *Issuer) VerifyExpired(token string) (sessionID, recipientID string, err error) {
	var c claims
	_, perr := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithIssuer("signdesk-authority"), jwt.WithoutClaimsValidation())
	if perr != nil || c.SessionID == "" || c.RecipientID == "" {
		return "", "", domain.ErrInvalidCredentials
	}
	return c.SessionID, c.RecipientID, nil
}
