// Package bundler is the gas-sponsored submission path: it wraps a call in an
// ERC-4337 user operation, asks the paymaster to sponsor it and hands it to a
// bundler over JSON-RPC.
package bundler

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"gasless-relayer/apperr"
	"gasless-relayer/chain"
	"gasless-relayer/relay"
	"gasless-relayer/secrets"
)

const accountABIJSON = `[
  {"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]}
]`

const entryPointABIJSON = `[
  {"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	accountABI    = mustABI(accountABIJSON)
	entryPointABI = mustABI(entryPointABIJSON)

	// dummySignature lets the paymaster simulate validation before the real signature exists.
	dummySignature = append(bytes.Repeat([]byte{0xff}, 64), 0x1c)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Client implements relay.Sponsor.
type Client struct {
	rpc          *rpc.Client
	entryPoint   common.Address
	chainID      *big.Int
	pollInterval time.Duration
	logger       zerolog.Logger
}

var _ relay.Sponsor = (*Client)(nil)

// Dial connects to a bundler endpoint.
func Dial(ctx context.Context, url string, entryPoint common.Address, chainID *big.Int, logger zerolog.Logger) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstream, "dial bundler")
	}
	return New(c, entryPoint, chainID, logger), nil
}

// New wraps an existing RPC client.
func New(c *rpc.Client, entryPoint common.Address, chainID *big.Int, logger zerolog.Logger) *Client {
	return &Client{
		rpc:          c,
		entryPoint:   entryPoint,
		chainID:      chainID,
		pollInterval: 2 * time.Second,
		logger:       logger.With().Str("component", "bundler").Logger(),
	}
}

// WithPollInterval sets how often Wait asks for the receipt.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	c.pollInterval = d
	return c
}

func (c *Client) Close() {
	c.rpc.Close()
}

// Submit builds, sponsors, signs and sends a user operation from sender.
func (c *Client) Submit(ctx context.Context, keys secrets.KeySource, sender common.Address, call relay.Call) (common.Hash, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	callData, err := accountABI.Pack("execute", call.To, value, call.Data)
	if err != nil {
		return common.Hash{}, apperr.Wrap(err, apperr.KindInternal, "pack execute")
	}

	nonce, err := c.nonce(ctx, sender)
	if err != nil {
		return common.Hash{}, err
	}
	var gasPrice hexutil.Big
	if err := c.rpc.CallContext(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return common.Hash{}, classify("eth_gasPrice", err)
	}

	op := &UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(nonce),
		InitCode:             hexutil.Bytes{},
		CallData:             callData,
		CallGasLimit:         new(hexutil.Big),
		VerificationGasLimit: new(hexutil.Big),
		PreVerificationGas:   new(hexutil.Big),
		MaxFeePerGas:         &gasPrice,
		MaxPriorityFeePerGas: &gasPrice,
		PaymasterAndData:     hexutil.Bytes{},
		Signature:            dummySignature,
	}

	var sp sponsorship
	if err := c.rpc.CallContext(ctx, &sp, "pm_sponsorUserOperation", op, c.entryPoint); err != nil {
		return common.Hash{}, classify("pm_sponsorUserOperation", err)
	}
	op.PaymasterAndData = sp.PaymasterAndData
	op.PreVerificationGas = sp.PreVerificationGas
	op.VerificationGasLimit = sp.VerificationGasLimit
	op.CallGasLimit = sp.CallGasLimit

	hash, err := op.Hash(c.entryPoint, c.chainID)
	if err != nil {
		return common.Hash{}, apperr.Wrap(err, apperr.KindInternal, "hash user operation")
	}
	key, err := keys.RelayerKey(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), key)
	if err != nil {
		return common.Hash{}, apperr.Wrap(err, apperr.KindInternal, "sign user operation")
	}
	sig[64] += 27
	op.Signature = sig

	var opHash common.Hash
	if err := c.rpc.CallContext(ctx, &opHash, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return common.Hash{}, classify("eth_sendUserOperation", err)
	}
	c.logger.Info().
		Str("sender", sender.Hex()).
		Str("user_op_hash", opHash.Hex()).
		Msg("user operation sent")
	return opHash, nil
}

func (c *Client) nonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "pack getNonce")
	}
	var out hexutil.Bytes
	msg := map[string]any{"to": c.entryPoint, "data": hexutil.Bytes(data)}
	if err := c.rpc.CallContext(ctx, &out, "eth_call", msg, "latest"); err != nil {
		return nil, classify("getNonce", err)
	}
	vals, err := entryPointABI.Unpack("getNonce", out)
	if err != nil || len(vals) != 1 {
		return nil, apperr.New(apperr.KindUpstream, "unexpected getNonce result")
	}
	n, _ := vals[0].(*big.Int)
	return n, nil
}

// Wait polls eth_getUserOperationReceipt until the operation is included.
func (c *Client) Wait(ctx context.Context, opHash common.Hash) (common.Hash, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var r *receipt
		err := c.rpc.CallContext(ctx, &r, "eth_getUserOperationReceipt", opHash)
		switch {
		case err != nil && ctx.Err() != nil:
			return common.Hash{}, ctx.Err()
		case err != nil:
			c.logger.Debug().Err(err).Str("user_op_hash", opHash.Hex()).Msg("receipt lookup failed, retrying")
		case r != nil && r.Success:
			return r.Receipt.TransactionHash, nil
		case r != nil:
			return r.Receipt.TransactionHash, apperr.Conflict("user operation reverted: %s", r.Reason)
		}

		select {
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// unsupportedMarkers are bundler error texts meaning the chain is not served.
var unsupportedMarkers = []string{
	"unsupported chain",
	"chain not supported",
	"chain is not supported",
	"unsupported network",
}

// classify maps bundler failures; unsupported-chain answers become
// relay.ErrUnsupportedChain so the executor can fall back.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, m := range unsupportedMarkers {
		if strings.Contains(msg, m) {
			return apperr.Wrap(errors.Join(relay.ErrUnsupportedChain, err), apperr.KindUpstream, op)
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32601 {
		// method not found: this endpoint is no bundler for our chain
		return apperr.Wrap(errors.Join(relay.ErrUnsupportedChain, err), apperr.KindUpstream, op)
	}

	classified := chain.Classify(op, err)
	if apperr.Is(classified, apperr.KindChainUnavailable) {
		return apperr.Wrap(err, apperr.KindUpstream, op+": bundler unreachable")
	}
	return classified
}
