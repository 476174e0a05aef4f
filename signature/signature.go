// Package signature verifies EIP-191 personal-message signatures and builds the
// canonical messages wallets and session keys sign.
package signature

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Length of an r||s||v signature.
const Length = crypto.SignatureLength

// Verify reports whether sig over message recovers to claimed. Malformed
// signatures yield false; Verify never panics.
func Verify(message string, sig []byte, claimed common.Address) bool {
	signer, err := Recover(message, sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(signer.Hex(), claimed.Hex())
}

// VerifyHex is Verify for hex-encoded signature and address inputs.
func VerifyHex(message, sigHex, claimedHex string) bool {
	if !common.IsHexAddress(claimedHex) {
		return false
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return false
	}
	return Verify(message, sig, common.HexToAddress(claimedHex))
}

// Recover returns the address that produced sig over the personal-message hash of message.
func Recover(message string, sig []byte) (addr common.Address, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("signature recovery panicked: %v", r)
		}
	}()

	if len(sig) != Length {
		return common.Address{}, fmt.Errorf("invalid signature length: expected %d, got %d", Length, len(sig))
	}
	normalized := make([]byte, Length)
	copy(normalized, sig)
	// wallets emit v as 27/28, go-ethereum expects 0/1
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 65-byte personal-message signature with v in {27,28}.
func Sign(message string, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SessionKeyMessage is the canonical message an owner signs to authorize a session key.
func SessionKeyMessage(publicKey string, owner common.Address, validUntil int64) string {
	return fmt.Sprintf(
		"Authorize session key %s for %s valid until %d",
		strings.ToLower(publicKey), strings.ToLower(owner.Hex()), validUntil,
	)
}

// EnableMessage is the canonical message a wallet signs to enable gasless mode.
func EnableMessage(owner common.Address, ts time.Time) string {
	return fmt.Sprintf("Enable gasless mode for %s\nTimestamp: %d", strings.ToLower(owner.Hex()), ts.Unix())
}

var timestampLine = regexp.MustCompile(`(?m)^Timestamp: (\d+)$`)

// CheckEnableMessage ensures message names owner and carries a timestamp no
// older than maxAge (and not from the future beyond a small skew).
func CheckEnableMessage(message string, owner common.Address, now time.Time, maxAge time.Duration) error {
	if !strings.Contains(strings.ToLower(message), strings.ToLower(owner.Hex())) {
		return fmt.Errorf("message does not reference wallet %s", owner.Hex())
	}
	m := timestampLine.FindStringSubmatch(message)
	if m == nil {
		return fmt.Errorf("message has no timestamp")
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	ts := time.Unix(sec, 0)
	if now.Sub(ts) > maxAge {
		return fmt.Errorf("message expired")
	}
	if ts.Sub(now) > time.Minute {
		return fmt.Errorf("message timestamp is in the future")
	}
	return nil
}

// CallMessage is the canonical message a session key signs for one relayed call.
// Args are re-encoded so object keys are ordered.
func CallMessage(owner, contract common.Address, function string, args []any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	return fmt.Sprintf(
		"Relay %s.%s(%s) for %s",
		strings.ToLower(contract.Hex()), function, encoded, strings.ToLower(owner.Hex()),
	), nil
}

// SessionKeyAddress resolves a session public key, given either as an address
// or as an uncompressed/compressed secp256k1 public key, to its address.
func SessionKeyAddress(publicKey string) (common.Address, error) {
	if common.IsHexAddress(publicKey) {
		return common.HexToAddress(publicKey), nil
	}
	raw, err := hexutil.Decode(publicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid public key: %w", err)
	}
	switch len(raw) {
	case 65:
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return common.Address{}, err
		}
		return crypto.PubkeyToAddress(*pub), nil
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return common.Address{}, err
		}
		return crypto.PubkeyToAddress(*pub), nil
	default:
		return common.Address{}, fmt.Errorf("invalid public key length %d", len(raw))
	}
}
