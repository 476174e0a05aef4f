package relay

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"gasless-relayer/apperr"
	"gasless-relayer/signature"
)

// SessionValidator reports whether a session key is usable right now.
type SessionValidator interface {
	IsValid(ctx context.Context, owner common.Address, publicKey string) (bool, error)
}

// OwnershipVerifier is the strict smart-account ownership check.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, owner, smartAccount common.Address) (bool, error)
}

// AuthProof authorizes one relayed call. It is re-checked by the executor at
// execution time.
type AuthProof interface {
	Owner() common.Address
	// Token is the signature or request id the request key is derived from.
	Token() string
	verify(ctx context.Context, e *Executor) (common.Address, error)
}

// SessionProof authorizes through a registered session key.
type SessionProof struct {
	OwnerWallet  common.Address
	PublicKey    string
	SmartAccount common.Address
	// RequestID is the per-call signature or a client request id.
	RequestID string
}

func (p SessionProof) Owner() common.Address { return p.OwnerWallet }
func (p SessionProof) Token() string          { return p.RequestID }

func (p SessionProof) verify(ctx context.Context, e *Executor) (common.Address, error) {
	if e.sessions == nil {
		return common.Address{}, apperr.Config("session validation not configured")
	}
	ok, err := e.sessions.IsValid(ctx, p.OwnerWallet, p.PublicKey)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, apperr.Unauthorized("session key invalid, expired or revoked")
	}
	return p.SmartAccount, nil
}

// OwnershipProof authorizes through a signed message from the owner plus the
// strict on-chain ownership check of SmartAccount.
type OwnershipProof struct {
	OwnerWallet  common.Address
	SmartAccount common.Address
	Message      string
	Signature    []byte
}

func (p OwnershipProof) Owner() common.Address { return p.OwnerWallet }
func (p OwnershipProof) Token() string          { return hex.EncodeToString(p.Signature) }

func (p OwnershipProof) verify(ctx context.Context, e *Executor) (common.Address, error) {
	if !signature.Verify(p.Message, p.Signature, p.OwnerWallet) {
		return common.Address{}, apperr.Unauthorized("invalid signature")
	}
	if e.ownership == nil {
		return common.Address{}, apperr.Config("ownership verification not configured")
	}
	ok, err := e.ownership.VerifyOwnership(ctx, p.OwnerWallet, p.SmartAccount)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, apperr.Forbidden("wallet does not own smart account %s", p.SmartAccount.Hex())
	}
	return p.SmartAccount, nil
}

// tokenPrefixLen is how much of the signature or request id feeds the request key.
const tokenPrefixLen = 32

// RequestKey derives the de-duplication key for a request.
func RequestKey(owner common.Address, token string) string {
	token = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(token), "0x"))
	if len(token) > tokenPrefixLen {
		token = token[:tokenPrefixLen]
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.ToLower(owner.Hex())))
	h.Write([]byte("|"))
	h.Write([]byte(token))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
