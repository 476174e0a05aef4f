// Package chaintest provides an in-memory game contract for tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"gasless-relayer/chain"
)

// SentTx records one SendTransaction call.
type SentTx struct {
	From common.Address
	To   common.Address
	Data []byte
	Hash common.Hash
}

// Fake implements chain.GameContract and chain.Submitter in memory. Sending
// registerSmartAccountFor updates the mapping the way the contract would.
type Fake struct {
	mu sync.Mutex

	contract      common.Address
	smartAccounts map[common.Address]common.Address
	players       map[common.Address]chain.Player
	relayers      map[common.Address]bool
	registrations []chain.Registration

	sent  []SentTx
	reads int

	// ReadErr, when set, fails every view call and log scan.
	ReadErr error
	// SendErr, when set, fails SendTransaction.
	SendErr error
	// WaitErr, when set, is returned by WaitMined.
	WaitErr error
	// SendDelay stalls SendTransaction to widen race windows in tests.
	SendDelay time.Duration
	// NeverMine makes WaitMined block until ctx ends.
	NeverMine bool
}

var (
	_ chain.GameContract = (*Fake)(nil)
	_ chain.Submitter    = (*Fake)(nil)
)

// NewFake returns an empty contract at addr.
func NewFake(addr common.Address) *Fake {
	return &Fake{
		contract:      addr,
		smartAccounts: make(map[common.Address]common.Address),
		players:       make(map[common.Address]chain.Player),
		relayers:      make(map[common.Address]bool),
	}
}

func (f *Fake) Address() common.Address { return f.contract }

// SetSmartAccount sets the canonical mapping directly.
func (f *Fake) SetSmartAccount(owner, sa common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smartAccounts[owner] = sa
}

// AddRegistrationLog appends a SmartAccountRegistered log without touching the mapping.
func (f *Fake) AddRegistrationLog(owner, sa common.Address, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, chain.Registration{Owner: owner, SmartAccount: sa, BlockNumber: block})
}

func (f *Fake) SetPlayer(addr common.Address, p chain.Player) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.players[addr] = p
}

func (f *Fake) AuthorizeRelayer(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayers[addr] = true
}

// Sent returns a copy of every transaction submitted so far.
func (f *Fake) Sent() []SentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentTx(nil), f.sent...)
}

// Reads counts view calls and log scans.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *Fake) read() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.ReadErr
}

func (f *Fake) SmartAccountOf(_ context.Context, owner common.Address) (common.Address, error) {
	if err := f.read(); err != nil {
		return common.Address{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.smartAccounts[owner], nil
}

func (f *Fake) Player(_ context.Context, addr common.Address) (chain.Player, error) {
	if err := f.read(); err != nil {
		return chain.Player{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.players[addr], nil
}

func (f *Fake) IsAuthorizedRelayer(_ context.Context, addr common.Address) (bool, error) {
	if err := f.read(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relayers[addr], nil
}

func (f *Fake) LatestRegistration(_ context.Context, owner common.Address) (chain.Registration, bool, error) {
	if err := f.read(); err != nil {
		return chain.Registration{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		best  chain.Registration
		found bool
	)
	for _, r := range f.registrations {
		if r.Owner == owner && (!found || r.BlockNumber >= best.BlockNumber) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (f *Fake) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, _ *big.Int, data []byte) (common.Hash, error) {
	if f.SendDelay > 0 {
		select {
		case <-time.After(f.SendDelay):
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return common.Hash{}, f.SendErr
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	hash := crypto.Keccak256Hash(from.Bytes(), to.Bytes(), data, big.NewInt(int64(len(f.sent))).Bytes())
	f.sent = append(f.sent, SentTx{From: from, To: to, Data: append([]byte(nil), data...), Hash: hash})

	if to == f.contract && len(data) >= 4 {
		f.apply(data)
	}
	return hash, nil
}

func (f *Fake) apply(data []byte) {
	method, err := chain.GameABI.MethodById(data[:4])
	if err != nil || method.Name != "registerSmartAccountFor" {
		return
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return
	}
	owner, _ := args[0].(common.Address)
	sa, _ := args[1].(common.Address)
	f.smartAccounts[owner] = sa
	f.registrations = append(f.registrations, chain.Registration{
		Owner:        owner,
		SmartAccount: sa,
		BlockNumber:  uint64(len(f.sent)),
	})
}

func (f *Fake) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.NeverMine {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.WaitErr != nil {
		return nil, f.WaitErr
	}
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful}, nil
}
