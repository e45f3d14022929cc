package linktoken

import (
	"errors"
	"testing"
	"time"

	"signdesk/pkg/domain"
)

func TestIssueAndVerify(t *testing.T) {
	iss := NewIssuer([]byte("test-key"), time.Hour)
	tok, err := iss.Issue("ses_1", "rcp_1", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sid, rid, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sid != "ses_1" || rid != "rcp_1" {
		t.Fatalf("unexpected claims %s %s", sid, rid)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	iss := NewIssuer([]byte("test-key"), time.Hour)
	tok, err := iss.Issue("ses_1", "rcp_1", time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := iss.Verify(tok); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	tok, err := NewIssuer([]byte("key-a"), time.Hour).Issue("ses_1", "rcp_1", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := NewIssuer([]byte("key-b"), time.Hour).Verify(tok); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestVerifyExpiredAcceptsOnlyExpiry(t *testing.T) {
	iss := NewIssuer([]byte("test-key"), time.Hour)
	expired, err := iss.Issue("ses_1", "rcp_1", time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sid, rid, err := iss.VerifyExpired(expired)
	if err != nil {
		t.Fatalf("verify expired: %v", err)
	}
	if sid != "ses_1" || rid != "rcp_1" {
		t.Fatalf("unexpected claims %s %s", sid, rid)
	}

	// Wrong signature is still rejected even on the lenient path.
	forged, _ := NewIssuer([]byte("other-key"), time.Hour).Issue("ses_1", "rcp_1", time.Now())
	if _, _, err := iss.VerifyExpired(forged); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for forged token, got %v", err)
	}
}

func TestGarbageRejected(t *testing.T) {
	iss := NewIssuer([]byte("test-key"), time.Hour)
	if _, _, err := iss.Verify("not-a-token"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}
