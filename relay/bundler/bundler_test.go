package bundler

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasless-relayer/apperr"
	"gasless-relayer/relay"
)

var (
	entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	gameAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	sender     = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type ethService struct {
	mu       sync.Mutex
	sent     []UserOperation
	receipts map[common.Hash]*receipt
}

func (s *ethService) Call(_ map[string]any, _ string) (hexutil.Bytes, error) {
	return entryPointABI.Methods["getNonce"].Outputs.Pack(big.NewInt(5))
}

func (s *ethService) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1_000_000_000))
}

func (s *ethService) SendUserOperation(op UserOperation, _ common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, op)
	h := crypto.Keccak256Hash(op.Signature)
	if s.receipts == nil {
		s.receipts = make(map[common.Hash]*receipt)
	}
	r := &receipt{UserOpHash: h, Success: true}
	r.Receipt.TransactionHash = common.HexToHash("0xfeed")
	s.receipts[h] = r
	return h, nil
}

func (s *ethService) GetUserOperationReceipt(h common.Hash) (*receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[h], nil
}

type pmService struct {
	err error
}

func (p *pmService) SponsorUserOperation(_ UserOperation, _ common.Address) (*sponsorship, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &sponsorship{
		PaymasterAndData:     hexutil.MustDecode("0x1234"),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(100000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(200000)),
	}, nil
}

type staticKey struct{ key *ecdsa.PrivateKey }

func (s staticKey) RelayerKey(context.Context) (*ecdsa.PrivateKey, error) { return s.key, nil }

func newTestClient(t *testing.T, eth *ethService, pm *pmService) *Client {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", eth))
	if pm != nil {
		require.NoError(t, server.RegisterName("pm", pm))
	}
	t.Cleanup(server.Stop)
	return New(rpc.DialInProc(server), entryPoint, big.NewInt(31337), zerolog.Nop()).WithPollInterval(5 * time.Millisecond)
}

func TestSubmitAndWait(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	eth := &ethService{}
	c := newTestClient(t, eth, &pmService{})

	data := []byte{0xde, 0xad}
	opHash, err := c.Submit(context.Background(), staticKey{key}, sender, relay.Call{To: gameAddr, Data: data})
	require.NoError(t, err)

	require.Len(t, eth.sent, 1)
	op := eth.sent[0]
	assert.Equal(t, sender, op.Sender)
	assert.Equal(t, int64(5), op.Nonce.ToInt().Int64())
	assert.Equal(t, hexutil.Bytes(hexutil.MustDecode("0x1234")), op.PaymasterAndData)
	assert.Equal(t, int64(200000), op.CallGasLimit.ToInt().Int64())

	args, err := accountABI.Methods["execute"].Inputs.Unpack(op.CallData[4:])
	require.NoError(t, err)
	assert.Equal(t, gameAddr, args[0].(common.Address))
	assert.Equal(t, data, args[2].([]byte))

	// the relayer signature covers the final operation
	hash, err := op.Hash(entryPoint, big.NewInt(31337))
	require.NoError(t, err)
	sig := append([]byte(nil), op.Signature...)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))

	txHash, err := c.Wait(context.Background(), opHash)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xfeed"), txHash)
}

func TestUnsupportedChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	t.Run("paymaster says unsupported", func(t *testing.T) {
		c := newTestClient(t, &ethService{}, &pmService{err: errors.New("Unsupported chain 31337")})
		_, err := c.Submit(context.Background(), staticKey{key}, sender, relay.Call{To: gameAddr})
		assert.ErrorIs(t, err, relay.ErrUnsupportedChain)
	})

	t.Run("no paymaster namespace at all", func(t *testing.T) {
		c := newTestClient(t, &ethService{}, nil)
		_, err := c.Submit(context.Background(), staticKey{key}, sender, relay.Call{To: gameAddr})
		assert.ErrorIs(t, err, relay.ErrUnsupportedChain)
	})

	t.Run("sponsorship denied is an upstream failure", func(t *testing.T) {
		c := newTestClient(t, &ethService{}, &pmService{err: errors.New("sponsorship policy rejected operation")})
		_, err := c.Submit(context.Background(), staticKey{key}, sender, relay.Call{To: gameAddr})
		require.Error(t, err)
		assert.NotErrorIs(t, err, relay.ErrUnsupportedChain)
	})
}

func TestWaitTimesOut(t *testing.T) {
	c := newTestClient(t, &ethService{}, &pmService{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, apperr.Is(err, apperr.KindConflict))
}
