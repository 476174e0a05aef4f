package relay

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasless-relayer/apperr"
	"gasless-relayer/chain/chaintest"
	"gasless-relayer/database"
	"gasless-relayer/models"
	"gasless-relayer/secrets"
	"gasless-relayer/signature"
	"gasless-relayer/smartaccount"
)

var gameAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")

type staticKey struct{ key *ecdsa.PrivateKey }

func (s staticKey) RelayerKey(context.Context) (*ecdsa.PrivateKey, error) { return s.key, nil }

type sessionSet map[string]bool

func (s sessionSet) IsValid(_ context.Context, owner common.Address, publicKey string) (bool, error) {
	return s[owner.Hex()+"/"+publicKey], nil
}

type fakeSponsor struct {
	mu      sync.Mutex
	err     error
	submits int
}

func (f *fakeSponsor) Submit(context.Context, secrets.KeySource, common.Address, Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.HexToHash("0x0a"), nil
}

func (f *fakeSponsor) Wait(context.Context, common.Hash) (common.Hash, error) {
	return common.HexToHash("0x0b"), nil
}

type fixture struct {
	exec     *Executor
	fake     *chaintest.Fake
	sessions sessionSet
	owner    common.Address
	ownerKey *ecdsa.PrivateKey
}

func newFixture(t *testing.T, sponsor Sponsor) *fixture {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	relayerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	fake := chaintest.NewFake(gameAddr)
	resolver := smartaccount.NewResolver(fake, fake, staticKey{relayerKey}, smartaccount.MaskDeriver{Index: 1}, time.Second, zerolog.Nop())
	sessions := sessionSet{}

	exec := NewExecutor(db, sessions, resolver, sponsor, fake, staticKey{relayerKey}, Options{
		DedupWindow:    10 * time.Minute,
		ConfirmTimeout: 100 * time.Millisecond,
		Retry:          apperr.RetryPolicy{MaxAttempts: 1},
	}, zerolog.Nop())

	return &fixture{
		exec:     exec,
		fake:     fake,
		sessions: sessions,
		owner:    crypto.PubkeyToAddress(ownerKey.PublicKey),
		ownerKey: ownerKey,
	}
}

func (f *fixture) sessionProof(requestID string) SessionProof {
	f.sessions[f.owner.Hex()+"/0xsession"] = true
	return SessionProof{OwnerWallet: f.owner, PublicKey: "0xsession", RequestID: requestID}
}

var scoreCall = Call{To: gameAddr, Data: []byte{0x01, 0x02, 0x03, 0x04}, Function: "submitScore"}

func TestConcurrentDuplicatesSubmitOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.SendDelay = 50 * time.Millisecond
	proof := f.sessionProof("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	const callers = 8
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.exec.Execute(context.Background(), proof, scoreCall)
		}(i)
	}
	wg.Wait()

	require.Len(t, f.fake.Sent(), 1)
	want := f.fake.Sent()[0].Hash
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i].TxHash)
	}
}

func TestLedgerAnswersRepeatsWithinWindow(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	f.exec.WithClock(func() time.Time { return now })
	proof := f.sessionProof("0xbbbb")

	first, err := f.exec.Execute(context.Background(), proof, scoreCall)
	require.NoError(t, err)
	assert.Equal(t, models.RelayConfirmed, first.Status)
	assert.Equal(t, PathDirect, first.Path)
	assert.False(t, first.Deduplicated)

	second, err := f.exec.Execute(context.Background(), proof, scoreCall)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Len(t, f.fake.Sent(), 1)

	// outside the window the key is free again
	now = now.Add(11 * time.Minute)
	third, err := f.exec.Execute(context.Background(), proof, scoreCall)
	require.NoError(t, err)
	assert.False(t, third.Deduplicated)
	assert.Len(t, f.fake.Sent(), 2)
}

func TestOwnershipGate(t *testing.T) {
	f := newFixture(t, nil)
	derived, err := smartaccount.MaskDeriver{Index: 1}.Derive(f.owner)
	require.NoError(t, err)

	msg := "relay for " + f.owner.Hex()
	sig, err := signature.Sign(msg, f.ownerKey)
	require.NoError(t, err)

	proof := OwnershipProof{OwnerWallet: f.owner, SmartAccount: derived, Message: msg, Signature: sig}

	_, err = f.exec.Execute(context.Background(), proof, scoreCall)
	assert.True(t, apperr.Is(err, apperr.KindForbidden), "a derived address that only passes the heuristic is not ownership")
	assert.Empty(t, f.fake.Sent())

	f.fake.SetSmartAccount(f.owner, derived)
	res, err := f.exec.Execute(context.Background(), proof, scoreCall)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, res.TxHash)

	t.Run("bad signature", func(t *testing.T) {
		bad := proof
		bad.Message = "something else"
		_, err := f.exec.Execute(context.Background(), bad, scoreCall)
		assert.True(t, apperr.Is(err, apperr.KindAuthentication))
	})
}

func TestInvalidSessionNeverSubmits(t *testing.T) {
	f := newFixture(t, nil)
	proof := SessionProof{OwnerWallet: f.owner, PublicKey: "0xunknown", RequestID: "0x01"}

	_, err := f.exec.Execute(context.Background(), proof, scoreCall)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
	assert.Empty(t, f.fake.Sent())
}

func TestSponsoredPath(t *testing.T) {
	sponsor := &fakeSponsor{}
	f := newFixture(t, sponsor)
	proof := f.sessionProof("0xcccc")
	proof.SmartAccount = common.HexToAddress("0x2222222222222222222222222222222222222222")

	res, err := f.exec.Execute(context.Background(), proof, scoreCall)
	require.NoError(t, err)
	assert.Equal(t, PathSponsored, res.Path)
	assert.Equal(t, common.HexToHash("0x0b"), res.TxHash)
	assert.Empty(t, f.fake.Sent())
}

func TestFallbackToDirect(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unsupported chain", apperr.Wrap(ErrUnsupportedChain, apperr.KindUpstream, "pm_sponsorUserOperation")},
		{"missing revert data", apperr.New(apperr.KindAmbiguous, "missing revert data")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sponsor := &fakeSponsor{err: tt.err}
			f := newFixture(t, sponsor)
			proof := f.sessionProof("0xdddd")
			proof.SmartAccount = common.HexToAddress("0x2222222222222222222222222222222222222222")

			res, err := f.exec.Execute(context.Background(), proof, scoreCall)
			require.NoError(t, err)
			assert.Equal(t, PathDirect, res.Path)
			assert.Len(t, f.fake.Sent(), 1)
		})
	}

	t.Run("other sponsor failures surface", func(t *testing.T) {
		sponsor := &fakeSponsor{err: apperr.New(apperr.KindConflict, "paymaster rejected")}
		f := newFixture(t, sponsor)
		proof := f.sessionProof("0xeeee")
		proof.SmartAccount = common.HexToAddress("0x2222222222222222222222222222222222222222")

		_, err := f.exec.Execute(context.Background(), proof, scoreCall)
		assert.True(t, apperr.Is(err, apperr.KindConflict))
		assert.Empty(t, f.fake.Sent())
	})
}

func TestConfirmationTimeoutIsPending(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.NeverMine = true

	res, err := f.exec.Execute(context.Background(), f.sessionProof("0xffff"), scoreCall)
	require.NoError(t, err)
	assert.True(t, res.Pending())
	assert.Equal(t, models.RelaySent, res.Status)
	assert.NotEqual(t, common.Hash{}, res.TxHash)

	row, err := f.exec.Lookup(context.Background(), res.RequestKey)
	require.NoError(t, err)
	assert.Equal(t, models.RelaySent, row.Status)
}

func TestFailureCaching(t *testing.T) {
	t.Run("retryable failure releases the key", func(t *testing.T) {
		f := newFixture(t, nil)
		proof := f.sessionProof("0x1234")
		f.fake.SendErr = apperr.New(apperr.KindChainUnavailable, "rpc down")

		_, err := f.exec.Execute(context.Background(), proof, scoreCall)
		assert.True(t, apperr.Is(err, apperr.KindChainUnavailable))

		f.fake.SendErr = nil
		res, err := f.exec.Execute(context.Background(), proof, scoreCall)
		require.NoError(t, err)
		assert.False(t, res.Deduplicated)
		assert.Len(t, f.fake.Sent(), 1)
	})

	t.Run("definite failure is cached", func(t *testing.T) {
		f := newFixture(t, nil)
		proof := f.sessionProof("0x5678")
		f.fake.SendErr = apperr.New(apperr.KindConflict, "execution reverted")

		_, err := f.exec.Execute(context.Background(), proof, scoreCall)
		require.True(t, apperr.Is(err, apperr.KindConflict))

		f.fake.SendErr = nil
		res, err := f.exec.Execute(context.Background(), proof, scoreCall)
		assert.True(t, apperr.Is(err, apperr.KindConflict))
		assert.True(t, res.Deduplicated)
		assert.Equal(t, models.RelayFailed, res.Status)
		assert.Empty(t, f.fake.Sent())
	})
}

func TestRequestKey(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	long := "0xABCDEF0123456789abcdef0123456789abcdef0123456789"

	assert.Equal(t, RequestKey(owner, long), RequestKey(owner, long[:34]+"ffff"), "only the prefix counts")
	assert.Equal(t, RequestKey(owner, long), RequestKey(owner, "abcdef0123456789abcdef0123456789"))
	assert.NotEqual(t, RequestKey(owner, long), RequestKey(common.HexToAddress("0x02"), long))
	assert.Len(t, RequestKey(owner, long), 66)
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.exec.Execute(context.Background(), f.sessionProof(""), scoreCall)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
