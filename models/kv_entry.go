package models

import "time"

// KVEntry backs the shared key-value store when several relayer instances run.
type KVEntry struct {
	Key       string     `gorm:"primaryKey;size:191"`
	Value     []byte     `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName pins the table name.
func (KVEntry) TableName() string {
	return "kv_entries"
}
