package models

import "time"

// IdempotencyKey stores the first completed response for an Idempotency-Key header.
// It is scoped to the calling wallet.
type IdempotencyKey struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	Key            string     `json:"key" gorm:"size:128;uniqueIndex:idx_idem_wallet_key"` // header value
	Wallet         string     `json:"wallet" gorm:"size:42;uniqueIndex:idx_idem_wallet_key"`
	RequestHash    string     `json:"request_hash" gorm:"size:64"` // keccak of method|path|body|wallet
	Method         string     `json:"method" gorm:"size:10"`
	Path           string     `json:"path" gorm:"size:255"`
	ResponseStatus int        `json:"response_status"` // 0 => not completed yet
	ResponseBody   []byte     `json:"-"`               // raw response body (JSON)
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}
