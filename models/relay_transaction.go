package models

import (
	"time"

	"gorm.io/datatypes"
)

// RelayStatus is the lifecycle state of a relayed call.
type RelayStatus string

const (
	RelayPending   RelayStatus = "pending"
	RelaySent      RelayStatus = "sent"
	RelayConfirmed RelayStatus = "confirmed"
	RelayFailed    RelayStatus = "failed"
	// RelayAmbiguous: the call may have landed; re-check chain state before trusting it.
	RelayAmbiguous RelayStatus = "ambiguous"
)

// RelayTransaction records the outcome of one relayed call under its request key.
// Rows older than the de-duplication window are ignored and eventually purged.
type RelayTransaction struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	RequestKey   string         `json:"request_key" gorm:"size:66;uniqueIndex;not null"`
	OwnerWallet  string         `json:"owner_wallet" gorm:"size:42;index"`
	SmartAccount string         `json:"smart_account" gorm:"size:42"`
	SessionKey   string         `json:"session_key,omitempty" gorm:"size:132"`
	Target       string         `json:"target" gorm:"size:42"`
	Path         string         `json:"path" gorm:"size:16"` // "sponsored" or "direct"
	Status       RelayStatus    `json:"status" gorm:"size:16;index"`
	TxHash       string         `json:"tx_hash" gorm:"size:66"`
	ErrorKind    string         `json:"error_kind,omitempty" gorm:"size:32"`
	ErrorMsg     string         `json:"error,omitempty" gorm:"type:text"`
	Meta         datatypes.JSON `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
