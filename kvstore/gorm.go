package kvstore

import (
	"context"
	"errors"
	"time"

	"gasless-relayer/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a Store backed by the kv_entries table so several relayer
// instances share rate limits and enablement flags.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore wraps an already migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// WithClock overrides the time source (tests).
func (s *GormStore) WithClock(now func() time.Time) *GormStore {
	s.now = now
	return s
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var e models.KVEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.ExpiresAt != nil && !s.now().Before(*e.ExpiresAt) {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

func (s *GormStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := s.entry(key, value, ttl)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&e).Error
}

func (s *GormStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.KVEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("key = ?", key).First(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// no row to lock: a concurrent insert of the same key wins the race
			e := s.entry(key, value, ttl)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
		case err != nil:
			return err
		case cur.ExpiresAt != nil && !s.now().Before(*cur.ExpiresAt):
			e := s.entry(key, value, ttl)
			if err := tx.Save(&e).Error; err != nil {
				return err
			}
		default:
			return nil
		}
		stored = true
		return nil
	})
	return stored, err
}

func (s *GormStore) Swap(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	var prev []byte
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.KVEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("key = ?", key).First(&cur).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && (cur.ExpiresAt == nil || s.now().Before(*cur.ExpiresAt)) {
			prev, found = cur.Value, true
		}
		e := s.entry(key, value, ttl)
		return tx.Save(&e).Error
	})
	return prev, found, err
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.KVEntry{}).Error
}

// PurgeExpired removes expired rows.
func (s *GormStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", s.now()).Delete(&models.KVEntry{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) entry(key string, value []byte, ttl time.Duration) models.KVEntry {
	e := models.KVEntry{Key: key, Value: value, UpdatedAt: s.now()}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		e.ExpiresAt = &exp
	}
	return e
}
