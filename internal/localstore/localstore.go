// Package localstore is the client's durable store: cached session snapshots
// and the outbound sync queue, one SQLite file per device. All durable state
// shared between the state machine and the sync engine lives here and is only
// touched through this API.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"signdesk/pkg/domain"
)

// CachedSession is one recipient's durable copy of a session, keyed by
// (session_id, recipient_id).
type CachedSession struct {
	SessionID   string    `gorm:"primaryKey;column:session_id"`
	RecipientID string    `gorm:"primaryKey;column:recipient_id"`
	Status      string    `gorm:"column:status;index"`
	Snapshot    []byte    `gorm:"column:snapshot"`
	Trail       []byte    `gorm:"column:trail"`
	FetchedAt   time.Time `gorm:"column:fetched_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (CachedSession) TableName() string { return "cached_sessions" }

// SyncRecord is one queued outbound mutation. At most one exists per
// (session_id, recipient_id): a newer record supersedes the old one.
type SyncRecord struct {
	SessionID     string    `gorm:"primaryKey;column:session_id"`
	RecipientID   string    `gorm:"primaryKey;column:recipient_id"`
	Payload       []byte    `gorm:"column:payload"`
	AttemptCount  int       `gorm:"column:attempt_count"`
	EnqueuedAt    time.Time `gorm:"column:enqueued_at"`
	NextAttemptAt time.Time `gorm:"column:next_attempt_at;index"`
}

func (SyncRecord) TableName() string { return "sync_records" }

type Store struct {
	db *gorm.DB
}

// Open creates or opens the SQLite store at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	_, _ = sqlDB.Exec("PRAGMA journal_mode = WAL;")
	_, _ = sqlDB.Exec("PRAGMA synchronous = NORMAL;")
	_, _ = sqlDB.Exec("PRAGMA foreign_keys = ON;")

	if err := db.AutoMigrate(&CachedSession{}, &SyncRecord{}); err != nil {
		return nil, fmt.Errorf("migrate local store: %w", err)
	}
	return &Store{db: db}, nil
}

func terminal(status string) bool {
	return domain.SessionStatus(status).Terminal()
}

// SaveCachedSession upserts the snapshot, last-write-wins, with one guard: a
// cached terminal status is never overwritten by a stale non-terminal
// snapshot.
func (s *Store) SaveCachedSession(ctx context.Context, cs CachedSession) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing CachedSession
		err := tx.Where("session_id = ? AND recipient_id = ?", cs.SessionID, cs.RecipientID).
			First(&existing).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		if err == nil && terminal(existing.Status) && !terminal(cs.Status) {
			return nil
		}
		cs.UpdatedAt = time.Now().UTC()
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "recipient_id"}},
			UpdateAll: true,
		}).Create(&cs).Error
	})
}

// GetCachedSession returns nil when no snapshot is cached.
func (s *Store) GetCachedSession(ctx context.Context, sessionID, recipientID string) (*CachedSession, error) {
	var cs CachedSession
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND recipient_id = ?", sessionID, recipientID).
		First(&cs).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// PutSyncRecord enqueues a record, superseding any pending record for the
// same key. Supersession resets the attempt count: the new payload has never
// been tried.
func (s *Store) PutSyncRecord(ctx context.Context, rec SyncRecord) error {
	rec.AttemptCount = 0
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "recipient_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

func (s *Store) GetSyncRecord(ctx context.Context, sessionID, recipientID string) (*SyncRecord, error) {
	var rec SyncRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND recipient_id = ?", sessionID, recipientID).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DueSyncRecords returns every queued record whose backoff window has passed,
// oldest first.
func (s *Store) DueSyncRecords(ctx context.Context, now time.Time) ([]SyncRecord, error) {
	var recs []SyncRecord
	err := s.db.WithContext(ctx).
		Where("next_attempt_at <= ?", now).
		Order("enqueued_at asc").
		Find(&recs).Error
	return recs, err
}

func (s *Store) DeleteSyncRecord(ctx context.Context, sessionID, recipientID string) error {
	return s.db.WithContext(ctx).
		Where("session_id = ? AND recipient_id = ?", sessionID, recipientID).
		Delete(&SyncRecord{}).Error
}

// RecordAttempt bumps the attempt count and schedules the next retry.
func (s *Store) RecordAttempt(ctx context.Context, sessionID, recipientID string, nextAttemptAt time.Time) error {
	return s.db.WithContext(ctx).Model(&SyncRecord{}).
		Where("session_id = ? AND recipient_id = ?", sessionID, recipientID).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"next_attempt_at": nextAttemptAt,
		}).Error
}
