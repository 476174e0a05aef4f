// Package sessionkey is the server-side registry of session keys: issuance,
// validity checks, revocation, garbage collection and relayed execution.
package sessionkey

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gasless-relayer/apperr"
	"gasless-relayer/chain"
	"gasless-relayer/metrics"
	"gasless-relayer/models"
	"gasless-relayer/relay"
	"gasless-relayer/signature"
)

// RelayableFunctions are the game contract functions a session key may call.
var RelayableFunctions = map[string]bool{
	"registerPlayer": true,
	"updateUsername": true,
	"submitScore":    true,
}

// Executor submits an authorized call.
type Executor interface {
	Execute(ctx context.Context, proof relay.AuthProof, call relay.Call) (relay.Result, error)
}

// Registrar mirrors a session key onto the game contract.
type Registrar interface {
	RegisterSessionKey(ctx context.Context, key common.Address, validUntil time.Time) (common.Hash, error)
}

// Store persists session keys under their owner's wallet record.
type Store struct {
	db        *gorm.DB
	locks     *keyedMutex
	executor  Executor
	registrar Registrar
	contract  common.Address
	now       func() time.Time
	logger    zerolog.Logger
}

func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		locks:  newKeyedMutex(),
		now:    time.Now,
		logger: logger.With().Str("component", "session_key_store").Logger(),
	}
}

// WithRelay enables ExecuteRelayed against contract.
func (s *Store) WithRelay(exec Executor, contract common.Address) *Store {
	s.executor = exec
	s.contract = contract
	return s
}

// WithRegistrar enables the on-chain mirror of new keys.
func (s *Store) WithRegistrar(r Registrar) *Store {
	s.registrar = r
	return s
}

// MirrorsOnChain reports whether new keys are also registered on-chain.
func (s *Store) MirrorsOnChain() bool {
	return s.registrar != nil
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// RegisterRequest is an owner-signed session key authorization.
type RegisterRequest struct {
	Owner      common.Address
	PublicKey  string
	Signature  string
	ValidUntil int64
}

// Registration is the accepted key plus the outcome of the optional on-chain mirror.
type Registration struct {
	Key               models.SessionKey
	OnChainRegistered bool
	TxHash            string
}

// ValidUntilTime interprets a client validUntil as unix seconds, or
// milliseconds when the value is too large to be seconds.
func ValidUntilTime(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func normalizeKey(publicKey string) string {
	return strings.ToLower(strings.TrimSpace(publicKey))
}

func lower(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Register validates and stores a session key, then collects the owner's
// expired keys.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	reg, err := s.register(ctx, req)
	if err != nil {
		metrics.SessionRegistrations.WithLabelValues(strings.ToLower(string(apperr.KindOf(err)))).Inc()
		s.logger.Warn().Err(err).Str("wallet", req.Owner.Hex()).Str("public_key", req.PublicKey).Msg("session key rejected")
		return Registration{}, err
	}
	metrics.SessionRegistrations.WithLabelValues("accepted").Inc()
	return reg, nil
}

func (s *Store) register(ctx context.Context, req RegisterRequest) (Registration, error) {
	now := s.now()
	validUntil := ValidUntilTime(req.ValidUntil)
	if !validUntil.After(now) {
		return Registration{}, apperr.Validation("validUntil must be in the future")
	}
	keyAddr, err := signature.SessionKeyAddress(req.PublicKey)
	if err != nil {
		return Registration{}, apperr.Validation("invalid publicKey: %v", err)
	}
	msg := signature.SessionKeyMessage(req.PublicKey, req.Owner, req.ValidUntil)
	if !signature.VerifyHex(msg, req.Signature, req.Owner.Hex()) {
		return Registration{}, apperr.Unauthorized("invalid authorization signature")
	}

	unlock := s.locks.Lock(req.Owner.Hex())
	defer unlock()

	pk := normalizeKey(req.PublicKey)
	key := models.SessionKey{
		OwnerWallet:            lower(req.Owner),
		PublicKey:              pk,
		AuthorizationSignature: req.Signature,
		ValidUntil:             validUntil,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&models.SessionKey{}).Where("public_key = ?", pk).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return apperr.Conflict("session key already registered")
		}

		var wallet models.Wallet
		if err := tx.Where(models.Wallet{Address: lower(req.Owner)}).FirstOrCreate(&wallet).Error; err != nil {
			return err
		}
		key.WalletId = wallet.Id
		return tx.Create(&key).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race with another wallet for the same key
		return Registration{}, apperr.Conflict("session key already registered")
	}
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return Registration{}, err
		}
		return Registration{}, apperr.Wrap(err, apperr.KindInternal, "store session key")
	}

	log := s.logger.With().Str("wallet", req.Owner.Hex()).Str("public_key", pk).Logger()
	if n, err := s.gc(ctx, req.Owner); err != nil {
		log.Warn().Err(err).Msg("session key gc failed")
	} else if n > 0 {
		log.Debug().Int64("purged", n).Msg("expired session keys purged")
	}

	out := Registration{Key: key}
	if s.registrar != nil {
		hash, err := s.registrar.RegisterSessionKey(ctx, keyAddr, validUntil)
		if err != nil {
			log.Warn().Err(err).Msg("on-chain session key registration failed")
		} else {
			out.OnChainRegistered = true
			out.TxHash = hash.Hex()
			key.OnChainTxHash = out.TxHash
			out.Key.OnChainTxHash = out.TxHash
			if err := s.db.WithContext(ctx).Model(&key).Update("on_chain_tx_hash", out.TxHash).Error; err != nil {
				log.Warn().Err(err).Msg("failed to record on-chain registration")
			}
		}
	}

	log.Info().Time("valid_until", validUntil).Bool("on_chain", out.OnChainRegistered).Msg("session key registered")
	return out, nil
}

// IsValid reports whether owner has a non-revoked, unexpired key publicKey,
// evaluated at call time.
func (s *Store) IsValid(ctx context.Context, owner common.Address, publicKey string) (bool, error) {
	var key models.SessionKey
	err := s.db.WithContext(ctx).
		Where("public_key = ? AND owner_wallet = ?", normalizeKey(publicKey), lower(owner)).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindInternal, "load session key")
	}
	return key.Usable(s.now()), nil
}

// Revoke marks the key revoked. It reports false when owner has no such key.
func (s *Store) Revoke(ctx context.Context, owner common.Address, publicKey string) (bool, error) {
	unlock := s.locks.Lock(owner.Hex())
	defer unlock()

	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.SessionKey{}).
		Where("public_key = ? AND owner_wallet = ?", normalizeKey(publicKey), lower(owner)).
		Updates(map[string]any{"revoked": true, "revoked_at": now})
	if res.Error != nil {
		return false, apperr.Wrap(res.Error, apperr.KindInternal, "revoke session key")
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.logger.Info().Str("wallet", owner.Hex()).Str("public_key", normalizeKey(publicKey)).Msg("session key revoked")
	return true, nil
}

// Active collects owner's dead keys and returns the usable key that lives
// longest, or nil.
func (s *Store) Active(ctx context.Context, owner common.Address) (*models.SessionKey, error) {
	unlock := s.locks.Lock(owner.Hex())
	defer unlock()

	if _, err := s.gc(ctx, owner); err != nil {
		s.logger.Warn().Err(err).Str("wallet", owner.Hex()).Msg("session key gc failed")
	}

	var key models.SessionKey
	err := s.db.WithContext(ctx).
		Where("owner_wallet = ? AND revoked = ? AND valid_until > ?", lower(owner), false, s.now()).
		Order("valid_until DESC").
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "load active session key")
	}
	return &key, nil
}

// GC removes owner's expired and revoked keys.
func (s *Store) GC(ctx context.Context, owner common.Address) (int64, error) {
	unlock := s.locks.Lock(owner.Hex())
	defer unlock()
	return s.gc(ctx, owner)
}

func (s *Store) gc(ctx context.Context, owner common.Address) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("owner_wallet = ? AND (valid_until <= ? OR revoked = ?)", lower(owner), s.now(), true).
		Delete(&models.SessionKey{})
	return res.RowsAffected, res.Error
}

// PurgeExpired removes dead keys of every wallet.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("valid_until <= ? OR revoked = ?", s.now(), true).
		Delete(&models.SessionKey{})
	if res.Error != nil {
		return 0, apperr.Wrap(res.Error, apperr.KindInternal, "purge session keys")
	}
	return res.RowsAffected, nil
}

// RecordEnablement stores the smart account an owner enabled gasless mode with.
func (s *Store) RecordEnablement(ctx context.Context, owner, smartAccount common.Address) error {
	unlock := s.locks.Lock(owner.Hex())
	defer unlock()

	now := s.now()
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where(models.Wallet{Address: lower(owner)}).
		Assign(models.Wallet{SmartAccount: lower(smartAccount), EnabledAt: &now}).
		FirstOrCreate(&wallet).Error
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "record enablement")
	}
	return nil
}

// SmartAccountOf returns the smart account recorded at enablement, if any.
func (s *Store) SmartAccountOf(ctx context.Context, owner common.Address) (common.Address, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).Where("address = ?", lower(owner)).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && wallet.SmartAccount == "") {
		return common.Address{}, nil
	}
	if err != nil {
		return common.Address{}, apperr.Wrap(err, apperr.KindInternal, "load wallet")
	}
	return common.HexToAddress(wallet.SmartAccount), nil
}

// RelayRequest is a session-key authorized contract call.
type RelayRequest struct {
	Owner     common.Address
	PublicKey string
	// Signature is the session key's signature over signature.CallMessage.
	Signature string
	Contract  common.Address
	Function  string
	Args      []any
}

// ExecuteRelayed checks the session key and call, then relays it. Nothing
// reaches the chain unless the key is usable at this moment.
func (s *Store) ExecuteRelayed(ctx context.Context, req RelayRequest) (relay.Result, error) {
	if s.executor == nil {
		return relay.Result{}, apperr.Config("relay execution not configured")
	}

	ok, err := s.IsValid(ctx, req.Owner, req.PublicKey)
	if err != nil {
		return relay.Result{}, err
	}
	if !ok {
		return relay.Result{}, apperr.Unauthorized("session key invalid, expired or revoked")
	}

	keyAddr, err := signature.SessionKeyAddress(req.PublicKey)
	if err != nil {
		return relay.Result{}, apperr.Unauthorized("invalid session key")
	}
	msg, err := signature.CallMessage(req.Owner, req.Contract, req.Function, req.Args)
	if err != nil {
		return relay.Result{}, apperr.Validation("invalid args: %v", err)
	}
	if !signature.VerifyHex(msg, req.Signature, keyAddr.Hex()) {
		return relay.Result{}, apperr.Unauthorized("invalid session signature")
	}

	if req.Contract != s.contract {
		return relay.Result{}, apperr.Validation("contract %s is not relayable", req.Contract.Hex())
	}
	if !RelayableFunctions[req.Function] {
		return relay.Result{}, apperr.Validation("function %q is not relayable", req.Function)
	}
	data, err := chain.PackJSON(req.Function, req.Args)
	if err != nil {
		return relay.Result{}, apperr.Validation("invalid args: %v", err)
	}

	sa, err := s.SmartAccountOf(ctx, req.Owner)
	if err != nil {
		return relay.Result{}, err
	}

	return s.executor.Execute(ctx, relay.SessionProof{
		OwnerWallet:  req.Owner,
		PublicKey:    normalizeKey(req.PublicKey),
		SmartAccount: sa,
		RequestID:    req.Signature,
	}, relay.Call{To: req.Contract, Data: data, Function: req.Function})
}
