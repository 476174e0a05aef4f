package signature

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	for i := 0; i < 8; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		addr := crypto.PubkeyToAddress(key.PublicKey)

		msg := EnableMessage(addr, time.Unix(1700000000+int64(i), 0))
		sig, err := Sign(msg, key)
		require.NoError(t, err)

		assert.True(t, Verify(msg, sig, addr))
		assert.True(t, VerifyHex(msg, hexutil.Encode(sig), addr.Hex()))

		// v as 0/1 is accepted too
		raw := append([]byte(nil), sig...)
		raw[64] -= 27
		assert.True(t, Verify(msg, raw, addr))
	}
}

func TestVerifyRejects(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	msg := "hello relayer"
	sig, err := Sign(msg, key)
	require.NoError(t, err)

	t.Run("bit flipped signature", func(t *testing.T) {
		for _, idx := range []int{0, 17, 40, 63} {
			flipped := append([]byte(nil), sig...)
			flipped[idx] ^= 0x01
			assert.False(t, Verify(msg, flipped, addr), "flip at byte %d", idx)
		}
	})

	t.Run("mismatched address", func(t *testing.T) {
		assert.False(t, Verify(msg, sig, crypto.PubkeyToAddress(other.PublicKey)))
	})

	t.Run("different message", func(t *testing.T) {
		assert.False(t, Verify(msg+"!", sig, addr))
	})

	t.Run("malformed inputs never panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			assert.False(t, Verify(msg, nil, addr))
			assert.False(t, Verify(msg, make([]byte, 65), addr))
			assert.False(t, Verify(msg, sig[:64], addr))
			bad := append([]byte(nil), sig...)
			bad[64] = 9
			assert.False(t, Verify(msg, bad, addr))
			assert.False(t, VerifyHex(msg, "0xzz", addr.Hex()))
			assert.False(t, VerifyHex(msg, hexutil.Encode(sig), "not-an-address"))
		})
	})
}

func TestCheckEnableMessage(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	now := time.Unix(1700000600, 0)

	require.NoError(t, CheckEnableMessage(EnableMessage(owner, now.Add(-time.Minute)), owner, now, 10*time.Minute))

	err := CheckEnableMessage(EnableMessage(owner, now.Add(-11*time.Minute)), owner, now, 10*time.Minute)
	assert.ErrorContains(t, err, "expired")

	err = CheckEnableMessage(EnableMessage(owner, now.Add(5*time.Minute)), owner, now, 10*time.Minute)
	assert.ErrorContains(t, err, "future")

	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	err = CheckEnableMessage(EnableMessage(other, now), owner, now, 10*time.Minute)
	assert.ErrorContains(t, err, "does not reference")

	err = CheckEnableMessage("enable "+owner.Hex(), owner, now, 10*time.Minute)
	assert.ErrorContains(t, err, "no timestamp")
}

func TestCallMessageIsCanonical(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	contract := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	a, err := CallMessage(owner, contract, "submitScore", []any{map[string]any{"b": 1, "a": 2}})
	require.NoError(t, err)
	b, err := CallMessage(owner, contract, "submitScore", []any{map[string]any{"a": 2, "b": 1}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSessionKeyAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	got, err := SessionKeyAddress(want.Hex())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = SessionKeyAddress(hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = SessionKeyAddress(hexutil.Encode(crypto.CompressPubkey(&key.PublicKey)))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = SessionKeyAddress("0x1234")
	assert.Error(t, err)
}
