package database

import (
	"gasless-relayer/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// AutoMigrate applies (idempotent) schema migrations:
// - AutoMigrate (tables/columns/index tags)
// - global uniqueness of session public keys
// - lookup indexes for GC and de-duplication scans
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Wallet{},
		&models.SessionKey{},
		&models.RelayTransaction{},
		&models.IdempotencyKey{},
		&models.KVEntry{},
	); err != nil {
		return errors.Wrap(err, "automigrate failed")
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_keys_public_key ON session_keys (public_key)`,
		`CREATE INDEX IF NOT EXISTS idx_session_keys_owner_valid ON session_keys (owner_wallet, valid_until)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_transactions_created ON relay_transactions (created_at)`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return errors.Wrapf(err, "index migration failed on: %s", stmt)
		}
	}
	return nil
}
