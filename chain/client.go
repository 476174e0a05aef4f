// Package chain talks to the game contract over JSON-RPC.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gasless-relayer/apperr"
)

// Player mirrors the contract's players(address) record.
type Player struct {
	Username    string
	HighScore   *big.Int
	TimesPlayed *big.Int
	LastPlayed  *big.Int
	Exists      bool
}

// Registration is one SmartAccountRegistered log entry.
type Registration struct {
	Owner        common.Address
	SmartAccount common.Address
	BlockNumber  uint64
	TxHash       common.Hash
}

// GameContract is the read side of the game contract.
type GameContract interface {
	Address() common.Address
	SmartAccountOf(ctx context.Context, owner common.Address) (common.Address, error)
	Player(ctx context.Context, addr common.Address) (Player, error)
	IsAuthorizedRelayer(ctx context.Context, addr common.Address) (bool, error)
	// LatestRegistration returns the most recent SmartAccountRegistered log for owner.
	LatestRegistration(ctx context.Context, owner common.Address) (Registration, bool, error)
}

// Submitter sends relayer-signed transactions and waits for them.
type Submitter interface {
	SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Backend is the subset of ethclient.Client used here.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options tune a Client.
type Options struct {
	ChainID       *big.Int
	RatePerSecond float64
	ScanFromBlock uint64
	ScanRange     uint64
	// MaxScanWindows bounds how many log windows a single lookup may query.
	MaxScanWindows int
	PollInterval   time.Duration
}

// Client implements GameContract and Submitter on top of a Backend.
type Client struct {
	backend  Backend
	contract common.Address
	opts     Options
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

var (
	_ GameContract = (*Client)(nil)
	_ Submitter    = (*Client)(nil)
)

// Dial connects to rpcURL and checks the remote chain id.
func Dial(ctx context.Context, rpcURL string, contract common.Address, opts Options, logger zerolog.Logger) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, Classify("dial", err)
	}
	remote, err := ec.ChainID(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to verify chain ID, proceeding with client anyway")
	} else if opts.ChainID != nil && remote.Cmp(opts.ChainID) != 0 {
		ec.Close()
		return nil, nil, apperr.Config("chain id mismatch: expected %s, rpc reports %s", opts.ChainID, remote)
	}
	return NewClient(ec, contract, opts, logger), ec, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, contract common.Address, opts Options, logger zerolog.Logger) *Client {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.ScanRange == 0 {
		opts.ScanRange = 50000
	}
	if opts.MaxScanWindows <= 0 {
		opts.MaxScanWindows = 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	burst := int(opts.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		backend:  backend,
		contract: contract,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst),
		logger:   logger.With().Str("component", "chain_client").Logger(),
	}
}

// Address returns the game contract address.
func (c *Client) Address() common.Address {
	return c.contract
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Classify("rpc budget", ctx.Err())
		}
		return apperr.Wrap(err, apperr.KindRateLimited, "local rpc budget exhausted").WithRetryAfter(time.Second)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := Pack(method, args...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "pack "+method)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, Classify(method, err)
	}
	vals, err := GameABI.Unpack(method, out)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindTransient, "unpack "+method)
	}
	return vals, nil
}

// SmartAccountOf reads smartAccounts(owner). The zero address means unregistered.
func (c *Client) SmartAccountOf(ctx context.Context, owner common.Address) (common.Address, error) {
	vals, err := c.call(ctx, "smartAccounts", owner)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, apperr.New(apperr.KindTransient, "unexpected smartAccounts result")
	}
	return addr, nil
}

// Player reads players(addr).
func (c *Client) Player(ctx context.Context, addr common.Address) (Player, error) {
	vals, err := c.call(ctx, "players", addr)
	if err != nil {
		return Player{}, err
	}
	if len(vals) != 5 {
		return Player{}, apperr.New(apperr.KindTransient, "unexpected players result")
	}
	p := Player{}
	p.Username, _ = vals[0].(string)
	p.HighScore, _ = vals[1].(*big.Int)
	p.TimesPlayed, _ = vals[2].(*big.Int)
	p.LastPlayed, _ = vals[3].(*big.Int)
	p.Exists, _ = vals[4].(bool)
	return p, nil
}

// IsAuthorizedRelayer reads isAuthorizedRelayer(addr).
func (c *Client) IsAuthorizedRelayer(ctx context.Context, addr common.Address) (bool, error) {
	vals, err := c.call(ctx, "isAuthorizedRelayer", addr)
	if err != nil {
		return false, err
	}
	ok, _ := vals[0].(bool)
	return ok, nil
}

// LatestRegistration scans backwards from head in ScanRange windows down to
// ScanFromBlock and returns the newest SmartAccountRegistered log for owner.
func (c *Client) LatestRegistration(ctx context.Context, owner common.Address) (Registration, bool, error) {
	if err := c.wait(ctx); err != nil {
		return Registration{}, false, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return Registration{}, false, Classify("block number", err)
	}
	if head < c.opts.ScanFromBlock {
		return Registration{}, false, nil
	}

	ownerTopic := common.BytesToHash(owner.Bytes())
	to := head
	for window := 0; window < c.opts.MaxScanWindows; window++ {
		from := c.opts.ScanFromBlock
		if to-c.opts.ScanFromBlock >= c.opts.ScanRange {
			from = to - c.opts.ScanRange + 1
		}

		if err := c.wait(ctx); err != nil {
			return Registration{}, false, err
		}
		logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.contract},
			Topics:    [][]common.Hash{{SmartAccountRegisteredTopic}, {ownerTopic}},
		})
		if err != nil {
			return Registration{}, false, Classify("filter logs", err)
		}
		if reg, ok := newestRegistration(logs); ok {
			return reg, true, nil
		}

		if from <= c.opts.ScanFromBlock {
			break
		}
		to = from - 1
	}
	return Registration{}, false, nil
}

func newestRegistration(logs []types.Log) (Registration, bool) {
	var (
		best  Registration
		found bool
	)
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 3 || l.Topics[0] != SmartAccountRegisteredTopic {
			continue
		}
		if found && l.BlockNumber < best.BlockNumber {
			continue
		}
		best = Registration{
			Owner:        common.BytesToAddress(l.Topics[1].Bytes()),
			SmartAccount: common.BytesToAddress(l.Topics[2].Bytes()),
			BlockNumber:  l.BlockNumber,
			TxHash:       l.TxHash,
		}
		found = true
	}
	return best, found
}

// SendTransaction signs and broadcasts a call from the relayer key. It uses a
// dynamic-fee transaction when the chain reports a base fee, legacy otherwise.
func (c *Client) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if key == nil {
		return common.Hash{}, apperr.Config("missing credentials")
	}
	if c.opts.ChainID == nil {
		return common.Hash{}, apperr.Config("chain id not configured")
	}
	if value == nil {
		value = new(big.Int)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, Classify("pending nonce", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, Classify("estimate gas", err)
	}
	// headroom over the estimate
	gas = gas * 12 / 10

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, Classify("latest header", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, Classify("gas tip", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.opts.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, Classify("gas price", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.opts.ChainID), key)
	if err != nil {
		return common.Hash{}, apperr.Wrap(err, apperr.KindInternal, "sign transaction")
	}
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, Classify("send transaction", err)
	}

	c.logger.Info().
		Str("tx_hash", signed.Hash().Hex()).
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Uint64("nonce", nonce).
		Msg("relayer transaction broadcast")
	return signed.Hash(), nil
}

// ErrReverted is returned by WaitMined when the receipt reports failure.
var ErrReverted = errors.New("transaction reverted")

// WaitMined polls for the receipt until it appears or ctx ends.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.wait(ctx); err != nil {
			if _, ok := ctx.Deadline(); ok {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, err
		}
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, apperr.Wrap(ErrReverted, apperr.KindConflict, fmt.Sprintf("transaction %s reverted", txHash.Hex()))
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug().Err(err).Str("tx_hash", txHash.Hex()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
