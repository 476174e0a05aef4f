package middlewares

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"
	"gorm.io/gorm"

	"gasless-relayer/models"
)

const idempotencyHeader = "Idempotency-Key"

// walletFields are the body fields naming the calling wallet.
type walletFields struct {
	WalletAddress string `json:"walletAddress"`
	UserAddress   string `json:"userAddress"`
}

func (w walletFields) wallet() string {
	if w.WalletAddress != "" {
		return strings.ToLower(strings.TrimSpace(w.WalletAddress))
	}
	return strings.ToLower(strings.TrimSpace(w.UserAddress))
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the wallet named in the request body; only successful
// responses are stored, so a failed request can be retried with the same key.
func Idempotency(db *gorm.DB, logger zerolog.Logger) fiber.Handler {
	log := logger.With().Str("component", "idempotency").Logger()
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(idempotencyHeader))
		if key == "" {
			return c.Next()
		}
		if len(key) > 128 {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key too long")
		}

		var fields walletFields
		if err := json.Unmarshal(c.Body(), &fields); err != nil || fields.wallet() == "" {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key requires a wallet address in the body")
		}
		wallet := fields.wallet()
		path := c.Path()

		// Deterministic request hash: method|path|body|wallet
		h := sha3.NewLegacyKeccak256()
		h.Write([]byte(c.Method()))
		h.Write([]byte{'\n'})
		h.Write([]byte(path))
		h.Write([]byte{'\n'})
		h.Write(c.Body())
		h.Write([]byte{'\n'})
		h.Write([]byte(wallet))
		reqHash := hex.EncodeToString(h.Sum(nil))

		// ---- Phase 1: claim the key or find the earlier request
		var existing models.IdempotencyKey
		claimed := false
		err := db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			err := tx.Where("key = ? AND wallet = ?", key, wallet).First(&existing).Error
			if err == nil {
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			rec := models.IdempotencyKey{
				Key:         key,
				Wallet:      wallet,
				RequestHash: reqHash,
				Method:      c.Method(),
				Path:        path,
			}
			if err := tx.Create(&rec).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return tx.Where("key = ? AND wallet = ?", key, wallet).First(&existing).Error
				}
				return err
			}
			existing = rec
			claimed = true
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("wallet", wallet).Msg("idempotency lookup failed")
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency lookup failed")
		}

		if existing.RequestHash != reqHash {
			return fiber.NewError(fiber.StatusConflict, "Idempotency-Key reuse with different request")
		}
		if !claimed {
			if existing.ResponseStatus != 0 {
				c.Set("Idempotent-Replayed", "true")
				c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
				return c.Status(existing.ResponseStatus).Send(existing.ResponseBody)
			}
			return fiber.NewError(fiber.StatusConflict, "request with this Idempotency-Key is in progress")
		}

		// ---- Phase 2: run the handler once and keep its response
		if err := c.Next(); err != nil {
			release(db, existing.ID)
			return err
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusBadRequest {
			release(db, existing.ID)
			return nil
		}
		now := time.Now().UTC()
		blob := append([]byte(nil), c.Response().Body()...)
		if err := db.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"response_status": status,
				"response_body":   blob,
				"completed_at":    &now,
			}).Error; err != nil {
			// best-effort: don't break the successful response
			log.Warn().Err(err).Str("wallet", wallet).Msg("idempotent response not stored")
		}
		return nil
	}
}

func release(db *gorm.DB, id uint) {
	db.Delete(&models.IdempotencyKey{}, id)
}
