package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionKey is a short-lived credential an owner authorized for relayed calls.
// PublicKey is globally unique, not just per wallet.
type SessionKey struct {
	Id                     string     `json:"id" gorm:"primaryKey"`
	WalletId               string     `json:"-" gorm:"index;not null"`
	OwnerWallet            string     `json:"owner_wallet" gorm:"size:42;index;not null"`
	PublicKey              string     `json:"public_key" gorm:"size:132;uniqueIndex;not null"`
	AuthorizationSignature string     `json:"-" gorm:"size:132;not null"`
	ValidUntil             time.Time  `json:"valid_until" gorm:"index;not null"`
	Revoked                bool       `json:"revoked" gorm:"not null;default:false"`
	RevokedAt              *time.Time `json:"revoked_at"`
	OnChainTxHash          string     `json:"on_chain_tx_hash" gorm:"size:66"`
	CreatedAt              time.Time  `json:"created_at"`
}

func (key *SessionKey) BeforeCreate(tx *gorm.DB) (err error) {
	if key.Id == "" {
		key.Id = uuid.NewString()
	}
	return
}

// Usable reports whether the key may authorize a call at now.
func (key *SessionKey) Usable(now time.Time) bool {
	return !key.Revoked && now.Before(key.ValidUntil)
}

// Expired reports whether the validity window has passed.
func (key *SessionKey) Expired(now time.Time) bool {
	return !now.Before(key.ValidUntil)
}
