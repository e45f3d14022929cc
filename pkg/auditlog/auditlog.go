// Package auditlog maintains a per-session hash chain of consent and signing
// events. Each event hashes its canonical JSON together with the hash of the
// previous event, so any mutation or reordering of the trail is detectable.
package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventConsentRecorded   EventType = "consent_recorded"
	EventFieldCompleted    EventType = "field_completed"
	EventRecipientFinished EventType = "recipient_finished"
	EventRecipientDeclined EventType = "recipient_declined"
	EventSessionCompleted  EventType = "session_completed"
	EventSessionDeclined   EventType = "session_declined"
	EventLinkReissued      EventType = "link_reissued"
	EventTimestampAttached EventType = "timestamp_attached"
)

type Event struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	RecipientID string            `json:"recipient_id,omitempty"`
	Type        EventType         `json:"type"`
	At          time.Time         `json:"at"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	PrevHash    string            `json:"prev_hash"`
	Hash        string            `json:"hash"`
}

// Seed anchors the chain to its session so trails cannot be swapped between
// sessions wholesale.
func Seed(sessionID string) string {
	sum := sha256.Sum256([]byte("signdesk-audit:" + sessionID))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func eventHash(e Event) (string, error) {
	e.Hash = ""
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Trail is an append-only event chain for one session.
type Trail struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

func NewTrail(sessionID string) *Trail {
	return &Trail{SessionID: sessionID}
}

// Link chains one event onto prevHash, filling PrevHash and Hash. Stores that
// persist events row by row use this with the hash of their latest row.
func Link(e Event, prevHash string) (Event, error) {
	e.PrevHash = prevHash
	h, err := eventHash(e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = h
	return e, nil
}

// Append links the event into the chain and returns it with PrevHash and Hash
// populated. The event's At must already carry the authoritative timestamp;
// this package never consults a clock.
func (t *Trail) Append(e Event) (Event, error) {
	e.SessionID = t.SessionID
	prev := Seed(t.SessionID)
	if len(t.Events) > 0 {
		prev = t.Events[len(t.Events)-1].Hash
	}
	linked, err := Link(e, prev)
	if err != nil {
		return Event{}, err
	}
	t.Events = append(t.Events, linked)
	return linked, nil
}

// VerifyChain recomputes every link. It returns the index of the first bad
// event in the error when the chain has been tampered with.
func VerifyChain(sessionID string, events []Event) error {
	prev := Seed(sessionID)
	for i, e := range events {
		if e.PrevHash != prev {
			return fmt.Errorf("audit event %d: prev_hash mismatch", i)
		}
		h, err := eventHash(e)
		if err != nil {
			return fmt.Errorf("audit event %d: %w", i, err)
		}
		if h != e.Hash {
			return fmt.Errorf("audit event %d: hash mismatch", i)
		}
		prev = e.Hash
	}
	return nil
}
