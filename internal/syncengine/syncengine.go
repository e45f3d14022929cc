// Package syncengine reconciles locally committed signing state with the
// remote authority. The core ordering property: every local durable write
// happens before any network attempt for the same data, so no user input is
// lost regardless of connectivity.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"signdesk/internal/localstore"
	"signdesk/pkg/auditlog"
	"signdesk/pkg/domain"
)

type SyncState string

const (
	StateLocal   SyncState = "local"
	StateQueued  SyncState = "queued"
	StateSyncing SyncState = "syncing"
	StateSynced  SyncState = "synced"
)

// Submission is the payload of one queued outbound mutation: the recipient's
// full snapshot plus the audit trail backing it.
type Submission struct {
	SessionID   string           `json:"session_id"`
	RecipientID string           `json:"recipient_id"`
	Session     *domain.Session  `json:"session"`
	Trail       []auditlog.Event `json:"trail"`
}

type SubmitResult struct {
	AllSigned   bool
	DownloadURL string
}

// Remote submits one recipient's signed state to the authority. Transient
// failures come back as *domain.NetworkError, definitive rejections as
// *domain.ConflictError. An *domain.OrderingViolationError is transient:
// it clears once earlier signers finish, so the record stays queued.
type Remote interface {
	SubmitSigned(ctx context.Context, sub Submission) (SubmitResult, error)
}

// RetryConfig shapes the exponential backoff between sync attempts.
type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (rc RetryConfig) backoff(attempt int) time.Duration {
	d := rc.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if rc.MaxDelay > 0 && d >= rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		return rc.MaxDelay
	}
	return d
}

type key struct{ sessionID, recipientID string }

type Engine struct {
	store  *localstore.Store
	remote Remote
	retry  RetryConfig
	now    func() time.Time

	mu     sync.Mutex
	states map[key]SyncState
}

type Option func(*Engine)

func WithRetry(rc RetryConfig) Option {
	return func(e *Engine) { e.retry = rc }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store *localstore.Store, remote Remote, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		remote: remote,
		retry:  RetryConfig{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute},
		now:    time.Now,
		states: map[key]SyncState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) setState(k key, s SyncState) {
	e.mu.Lock()
	e.states[k] = s
	e.mu.Unlock()
}

// State reports the sync lifecycle position for one (session, recipient).
func (e *Engine) State(sessionID, recipientID string) SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[key{sessionID, recipientID}]; ok {
		return s
	}
	return StateLocal
}

// CacheSession upserts a remote snapshot into the local store. Last-write-
// wins, except that a cached terminal status is never clobbered by a stale
// success response.
func (e *Engine) CacheSession(ctx context.Context, recipientID string, snap *domain.Session, trail []auditlog.Event) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	trailJSON, err := json.Marshal(trail)
	if err != nil {
		return err
	}
	return e.store.SaveCachedSession(ctx, localstore.CachedSession{
		SessionID:   snap.ID,
		RecipientID: recipientID,
		Status:      string(snap.Status),
		Snapshot:    snapJSON,
		Trail:       trailJSON,
		FetchedAt:   e.now().UTC(),
	})
}

// LoadCached returns the locally cached snapshot and trail, or nil on a miss.
func (e *Engine) LoadCached(ctx context.Context, sessionID, recipientID string) (*domain.Session, []auditlog.Event, error) {
	cs, err := e.store.GetCachedSession(ctx, sessionID, recipientID)
	if err != nil {
		return nil, nil, err
	}
	if cs == nil {
		return nil, nil, nil
	}
	var snap domain.Session
	if err := json.Unmarshal(cs.Snapshot, &snap); err != nil {
		return nil, nil, err
	}
	var trail []auditlog.Event
	if len(cs.Trail) > 0 {
		if err := json.Unmarshal(cs.Trail, &trail); err != nil {
			return nil, nil, err
		}
	}
	return &snap, trail, nil
}

// SaveSnapshot implements the state machine's Persister: local durability
// strictly precedes any network attempt. The snapshot is written to the
// durable store, then a sync record is queued, superseding any unsent record
// for the same key. No network happens here.
func (e *Engine) SaveSnapshot(ctx context.Context, recipientID string, snap *domain.Session, trail []auditlog.Event) error {
	if err := e.CacheSession(ctx, recipientID, snap, trail); err != nil {
		return err
	}
	return e.QueueForSync(ctx, Submission{
		SessionID:   snap.ID,
		RecipientID: recipientID,
		Session:     snap,
		Trail:       trail,
	})
}

// QueueForSync enqueues a submission. At most one record exists per
// (session, recipient): a new record replaces any prior unsent one.
func (e *Engine) QueueForSync(ctx context.Context, sub Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	err = e.store.PutSyncRecord(ctx, localstore.SyncRecord{
		SessionID:     sub.SessionID,
		RecipientID:   sub.RecipientID,
		Payload:       payload,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	})
	if err != nil {
		return err
	}
	e.setState(key{sub.SessionID, sub.RecipientID}, StateQueued)
	return nil
}

// Result reports the outcome of one record's sync attempt.
type Result struct {
	SessionID   string
	RecipientID string
	State       SyncState
	Conflict    *domain.ConflictError
	AllSigned   bool
	DownloadURL string
}

// Sync drains every due queued record. Success removes the record; transient
// failure backs off and retains it; a definitive rejection drops the record
// and surfaces the conflict instead of retrying forever. A remote session
// that is already completed makes the local record redundant, not an error.
func (e *Engine) Sync(ctx context.Context) ([]Result, error) {
	recs, err := e.store.DueSyncRecords(ctx, e.now().UTC())
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, rec := range recs {
		k := key{rec.SessionID, rec.RecipientID}
		var sub Submission
		if err := json.Unmarshal(rec.Payload, &sub); err != nil {
			// Unreadable record: drop it, the snapshot itself is intact.
			log.Printf("sync %s/%s: dropping unreadable record: %v", rec.SessionID, rec.RecipientID, err)
			_ = e.store.DeleteSyncRecord(ctx, rec.SessionID, rec.RecipientID)
			continue
		}
		e.setState(k, StateSyncing)

		res, err := e.remote.SubmitSigned(ctx, sub)
		if err == nil {
			if err := e.store.DeleteSyncRecord(ctx, rec.SessionID, rec.RecipientID); err != nil {
				return results, err
			}
			e.setState(k, StateSynced)
			if res.AllSigned && sub.Session != nil {
				done := sub.Session.Clone()
				done.Status = domain.StatusCompleted
				_ = e.CacheSession(ctx, rec.RecipientID, done, sub.Trail)
			}
			results = append(results, Result{
				SessionID: rec.SessionID, RecipientID: rec.RecipientID,
				State: StateSynced, AllSigned: res.AllSigned, DownloadURL: res.DownloadURL,
			})
			continue
		}

		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			_ = e.store.DeleteSyncRecord(ctx, rec.SessionID, rec.RecipientID)
			e.setState(k, StateSynced)
			if conflict.RemoteStatus == domain.StatusCompleted {
				// The remote is authoritative for final status; our record
				// is redundant, not wrong.
				if sub.Session != nil {
					done := sub.Session.Clone()
					done.Status = domain.StatusCompleted
					_ = e.CacheSession(ctx, rec.RecipientID, done, sub.Trail)
				}
				results = append(results, Result{
					SessionID: rec.SessionID, RecipientID: rec.RecipientID,
					State: StateSynced, AllSigned: true,
				})
				continue
			}
			results = append(results, Result{
				SessionID: rec.SessionID, RecipientID: rec.RecipientID,
				State: StateSynced, Conflict: conflict,
			})
			continue
		}

		// Transient: keep the record, back off, carry on with the rest.
		next := e.now().UTC().Add(e.retry.backoff(rec.AttemptCount))
		if err := e.store.RecordAttempt(ctx, rec.SessionID, rec.RecipientID, next); err != nil {
			return results, err
		}
		e.setState(k, StateQueued)
		log.Printf("sync %s/%s: saved locally, will sync later: %v", rec.SessionID, rec.RecipientID, err)
		results = append(results, Result{
			SessionID: rec.SessionID, RecipientID: rec.RecipientID, State: StateQueued,
		})
	}
	return results, nil
}
