// Package tsa speaks the RFC 3161 two-message protocol against an external
// timestamp authority. Request building, response parsing, and token
// validation are pure; Client.RequestToken is the only I/O. A failing TSA
// degrades to "signature valid, timestamp unset" at every call site.
package tsa

import (
	"bytes"
	"context"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

var (
	oidSHA256     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
)

// PKIStatus values from RFC 3161 section 2.4.2.
const (
	StatusGranted         = 0
	StatusGrantedWithMods = 1
	StatusRejection       = 2
	StatusWaiting         = 3
	StatusRevocationWarn  = 4
	StatusRevocationNotif = 5
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional,utf8"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status pkiStatusInfo
	Token  asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      asn1.RawValue
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,tag:0,optional"`
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       asn1.RawValue `asn1:"optional"`
	Ordering       bool          `asn1:"optional"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,tag:0"`
	Extensions     asn1.RawValue `asn1:"optional,tag:1"`
}

// Token is a parsed proof-of-time: the authority attests that the hashed
// message existed at GenTime.
type Token struct {
	SerialNumber  *big.Int
	Policy        string
	GenTime       time.Time
	HashedMessage []byte
	Raw           []byte
}

// ParseError means the response bytes were malformed or truncated. A
// well-formed rejection is a RejectionError, never a ParseError.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "tsa response unparseable: " + e.Reason }

// RejectionError is a well-formed response in which the authority refused to
// issue a token.
type RejectionError struct {
	Status     int
	StatusText []string
}

func (e *RejectionError) Error() string {
	if len(e.StatusText) > 0 {
		return fmt.Sprintf("tsa rejected request (status %d): %s", e.Status, strings.Join(e.StatusText, "; "))
	}
	return fmt.Sprintf("tsa rejected request (status %d)", e.Status)
}

// InvalidTokenError is a structurally parseable token that fails sanity
// checks.
type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string { return "invalid timestamp token: " + e.Reason }

// BuildRequest encodes a TimeStampReq for a SHA-256 digest. The encoding is
// fully deterministic: no nonce is included, so the same digest and policy
// always produce identical request bytes.
func BuildRequest(digest []byte, policyOID string) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: digest,
		},
		CertReq: true,
	}
	if p := strings.TrimSpace(policyOID); p != "" {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}
		req.ReqPolicy = oid
	}
	return asn1.Marshal(req)
}

// ParseResponse decodes a TimeStampResp. Granted responses yield a Token;
// rejection statuses decode to a RejectionError; anything malformed or
// truncated is a ParseError.
func ParseResponse(der []byte) (*Token, error) {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if len(rest) > 0 {
		return nil, &ParseError{Reason: "trailing bytes after response"}
	}
	switch resp.Status.Status {
	case StatusGranted, StatusGrantedWithMods:
	default:
		return nil, &RejectionError{Status: resp.Status.Status, StatusText: resp.Status.StatusString}
	}
	if len(resp.Token.FullBytes) == 0 {
		return nil, &ParseError{Reason: "granted response without token"}
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(resp.Token.FullBytes, &ci); err != nil {
		return nil, &ParseError{Reason: "token content info: " + err.Error()}
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, &ParseError{Reason: fmt.Sprintf("unexpected token content type %s", ci.ContentType)}
	}
	// ci.Content keeps the explicit [0] wrapper in FullBytes; the SignedData
	// SEQUENCE is the wrapper's contents.
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, &ParseError{Reason: "signed data: " + err.Error()}
	}
	if !sd.EncapContentInfo.EContentType.Equal(oidTSTInfo) {
		return nil, &ParseError{Reason: fmt.Sprintf("unexpected eContent type %s", sd.EncapContentInfo.EContentType)}
	}
	if len(sd.EncapContentInfo.EContent) == 0 {
		return nil, &ParseError{Reason: "missing TSTInfo content"}
	}
	var info tstInfo
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent, &info); err != nil {
		return nil, &ParseError{Reason: "tst info: " + err.Error()}
	}
	if !info.MessageImprint.HashAlgorithm.Algorithm.Equal(oidSHA256) {
		return nil, &ParseError{Reason: "imprint is not sha256"}
	}
	return &Token{
		SerialNumber:  info.SerialNumber,
		Policy:        info.Policy.String(),
		GenTime:       info.GenTime,
		HashedMessage: info.MessageImprint.HashedMessage,
		Raw:           resp.Token.FullBytes,
	}, nil
}

// MaxSkew bounds how far a token's signed time may drift from the request
// time before validation rejects it.
const MaxSkew = 15 * time.Minute

// ValidateToken performs structural and temporal sanity checks without any
// network access: the token must cover the requested digest and its signed
// time must sit within MaxSkew of the request time.
func ValidateToken(tok *Token, reqDigest []byte, requestedAt time.Time) error {
	if tok == nil {
		return &InvalidTokenError{Reason: "nil token"}
	}
	if tok.SerialNumber == nil {
		return &InvalidTokenError{Reason: "missing serial number"}
	}
	if !bytes.Equal(tok.HashedMessage, reqDigest) {
		return &InvalidTokenError{Reason: "imprint does not match requested digest"}
	}
	if tok.GenTime.IsZero() {
		return &InvalidTokenError{Reason: "missing genTime"}
	}
	drift := tok.GenTime.Sub(requestedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxSkew {
		return &InvalidTokenError{Reason: fmt.Sprintf("genTime drifts %s from request time", drift)}
	}
	return nil
}

type Client struct {
	HTTPClient *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &Client{HTTPClient: httpClient}
}

// RequestToken posts a DER-encoded request to the authority and returns the
// raw response body for ParseResponse. Transport failures are transport
// failures; the caller decides that the signature stays valid without a
// timestamp.
func (c *Client) RequestToken(ctx context.Context, tsaURL string, reqDER []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tsaURL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tsa_http_status_%d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("tsa_empty_response")
	}
	return body, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid policy_oid")
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		var n int
		if p == "" {
			return nil, fmt.Errorf("invalid policy_oid")
		}
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil, fmt.Errorf("invalid policy_oid")
			}
			n = (n * 10) + int(ch-'0')
		}
		out = append(out, n)
	}
	return out, nil
}
