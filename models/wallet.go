package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Wallet is the per-user record keyed by the owner's externally-owned address.
// Session keys hang off it.
type Wallet struct {
	Id           string       `json:"id" gorm:"primaryKey"`
	Address      string       `json:"address" gorm:"size:42;uniqueIndex;not null"` // lowercase 0x address
	SmartAccount string       `json:"smart_account" gorm:"size:42"`
	EnabledAt    *time.Time   `json:"enabled_at"`
	SessionKeys  []SessionKey `json:"session_keys" gorm:"foreignKey:WalletId;references:Id"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) (err error) {
	// UUID version 4
	if wallet.Id == "" {
		wallet.Id = uuid.NewString()
	}
	return
}
