package sessionkey

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gasless-relayer/apperr"
	"gasless-relayer/chain"
	"gasless-relayer/secrets"
)

// ChainRegistrar submits registerSessionKey with the relayer key. It does
// not wait for inclusion.
type ChainRegistrar struct {
	contract  common.Address
	submitter chain.Submitter
	keys      secrets.KeySource
}

func NewChainRegistrar(contract common.Address, submitter chain.Submitter, keys secrets.KeySource) *ChainRegistrar {
	return &ChainRegistrar{contract: contract, submitter: submitter, keys: keys}
}

func (r *ChainRegistrar) RegisterSessionKey(ctx context.Context, key common.Address, validUntil time.Time) (common.Hash, error) {
	data, err := chain.Pack("registerSessionKey", key, big.NewInt(validUntil.Unix()))
	if err != nil {
		return common.Hash{}, apperr.Wrap(err, apperr.KindInternal, "pack registerSessionKey")
	}
	relayerKey, err := r.keys.RelayerKey(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	return r.submitter.SendTransaction(ctx, relayerKey, r.contract, nil, data)
}
