// Package smartaccount resolves, verifies and registers the delegated account
// bound to a wallet.
package smartaccount

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gasless-relayer/apperr"
	"gasless-relayer/chain"
	"gasless-relayer/secrets"
)

// heuristicSuffix is how many trailing bytes a candidate must share with the
// derived address to pass the display-only check.
const heuristicSuffix = 4

// Resolver implements the lookup order canonical mapping, client candidate,
// event log, local derivation.
type Resolver struct {
	contract  chain.GameContract
	submitter chain.Submitter
	keys      secrets.KeySource
	deriver   Deriver

	confirmTimeout time.Duration
	registering    singleflight.Group
	logger         zerolog.Logger
}

// NewResolver builds a Resolver. submitter and keys may be nil for a read-only resolver.
func NewResolver(contract chain.GameContract, submitter chain.Submitter, keys secrets.KeySource, deriver Deriver, confirmTimeout time.Duration, logger zerolog.Logger) *Resolver {
	if confirmTimeout <= 0 {
		confirmTimeout = time.Minute
	}
	return &Resolver{
		contract:       contract,
		submitter:      submitter,
		keys:           keys,
		deriver:        checkedDeriver{deriver},
		confirmTimeout: confirmTimeout,
		logger:         logger.With().Str("component", "smart_account_resolver").Logger(),
	}
}

// Derive returns the locally computed smart account for owner.
func (r *Resolver) Derive(owner common.Address) (common.Address, error) {
	return r.deriver.Derive(owner)
}

// Resolve never fails because of the chain: RPC trouble is reported through
// Resolution.ChainErr and degrades the result. The returned error is reserved
// for configuration faults.
func (r *Resolver) Resolve(ctx context.Context, owner common.Address, candidate *common.Address) (Resolution, error) {
	log := r.logger.With().Str("wallet", owner.Hex()).Logger()

	sa, chainErr := r.contract.SmartAccountOf(ctx, owner)
	if chainErr == nil && sa != (common.Address{}) {
		if sa == owner {
			return Resolution{}, ErrSameAddressDerivation
		}
		return Resolution{Source: SourceCanonical, Address: sa}, nil
	}
	if chainErr != nil {
		log.Warn().Err(chainErr).Msg("canonical lookup failed, degrading")
	}

	if candidate != nil {
		ok, err := r.HeuristicMatch(owner, *candidate)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			return Resolution{Source: SourceHeuristic, Address: *candidate, ChainErr: chainErr}, nil
		}
	}

	// the log scan costs several RPCs; skip it when the node is already refusing us
	if chainErr == nil {
		reg, found, err := r.contract.LatestRegistration(ctx, owner)
		switch {
		case err != nil:
			chainErr = err
			log.Warn().Err(err).Msg("event log scan failed, degrading")
		case found && reg.SmartAccount != (common.Address{}) && reg.SmartAccount != owner:
			return Resolution{Source: SourceFromLog, Address: reg.SmartAccount}, nil
		}
	}

	derived, err := r.deriver.Derive(owner)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Source: SourceHeuristic, Address: derived, ChainErr: chainErr}, nil
}

// HeuristicMatch is the weak consistency check for a client-asserted
// candidate. It must never gate a state-changing call.
func (r *Resolver) HeuristicMatch(owner, candidate common.Address) (bool, error) {
	if candidate == owner || candidate == (common.Address{}) {
		return false, nil
	}
	derived, err := r.deriver.Derive(owner)
	if err != nil {
		return false, err
	}
	n := common.AddressLength - heuristicSuffix
	return bytes.Equal(candidate[n:], derived[n:]), nil
}

// VerifyOwnership is the strict check used before authorizing any relayed
// call: the owner itself, or exactly the canonical on-chain mapping.
func (r *Resolver) VerifyOwnership(ctx context.Context, owner, sa common.Address) (bool, error) {
	if owner == sa {
		return true, nil
	}
	if sa == (common.Address{}) {
		return false, nil
	}
	canonical, err := r.contract.SmartAccountOf(ctx, owner)
	if err != nil {
		return false, err
	}
	return canonical == sa, nil
}

// RegisterResult describes the outcome of Register.
type RegisterResult struct {
	TxHash            common.Hash
	AlreadyRegistered bool
	// Pending is set when the confirmation wait timed out; the transaction
	// may still land.
	Pending bool
}

// Register submits registerSmartAccountFor with the relayer key. Repeating it
// for an already registered pair is a no-op.
func (r *Resolver) Register(ctx context.Context, owner, sa common.Address) (RegisterResult, error) {
	if sa == owner {
		return RegisterResult{}, ErrSameAddressDerivation
	}
	if r.submitter == nil || r.keys == nil {
		return RegisterResult{}, apperr.Config("resolver has no relayer credentials")
	}

	v, err, _ := r.registering.Do(owner.Hex(), func() (any, error) {
		return r.register(ctx, owner, sa)
	})
	if err != nil {
		return RegisterResult{}, err
	}
	return v.(RegisterResult), nil
}

func (r *Resolver) register(ctx context.Context, owner, sa common.Address) (RegisterResult, error) {
	log := r.logger.With().Str("wallet", owner.Hex()).Str("smart_account", sa.Hex()).Logger()

	current, err := r.contract.SmartAccountOf(ctx, owner)
	if err != nil {
		return RegisterResult{}, err
	}
	switch current {
	case sa:
		log.Info().Msg("smart account already registered")
		return RegisterResult{AlreadyRegistered: true}, nil
	case common.Address{}:
	default:
		return RegisterResult{}, apperr.Conflict("wallet is registered to a different smart account")
	}

	key, err := r.keys.RelayerKey(ctx)
	if err != nil {
		return RegisterResult{}, err
	}
	data, err := chain.Pack("registerSmartAccountFor", owner, sa)
	if err != nil {
		return RegisterResult{}, apperr.Wrap(err, apperr.KindInternal, "pack registerSmartAccountFor")
	}

	hash, err := r.submitter.SendTransaction(ctx, key, r.contract.Address(), nil, data)
	if err != nil {
		if apperr.Is(err, apperr.KindAmbiguous) {
			return r.recheck(ctx, owner, sa, err)
		}
		return RegisterResult{}, err
	}
	log = log.With().Str("tx_hash", hash.Hex()).Logger()

	waitCtx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()
	if _, err := r.submitter.WaitMined(waitCtx, hash); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Msg("registration not confirmed before timeout")
			return RegisterResult{TxHash: hash, Pending: true}, nil
		}
		log.Error().Err(err).Msg("registration transaction failed")
		return RegisterResult{TxHash: hash}, err
	}

	log.Info().Msg("smart account registered")
	return RegisterResult{TxHash: hash}, nil
}

// recheck resolves an ambiguous submission by reading the mapping again.
func (r *Resolver) recheck(ctx context.Context, owner, sa common.Address, cause error) (RegisterResult, error) {
	current, err := r.contract.SmartAccountOf(ctx, owner)
	if err == nil && current == sa {
		return RegisterResult{AlreadyRegistered: true}, nil
	}
	return RegisterResult{}, cause
}
