package smartaccount

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"gasless-relayer/apperr"
)

// ErrSameAddressDerivation is returned when a derivation yields the owner
// address itself, which the target chain cannot delegate to.
var ErrSameAddressDerivation = apperr.Config("smart account derivation produced the owner address")

// Deriver computes the counterfactual smart account for an owner. It must be
// deterministic.
type Deriver interface {
	Derive(owner common.Address) (common.Address, error)
}

// MaskDeriver XORs the owner with a keccak mask of the derivation index. It is
// reversible and stands in for an account factory's address computation. Index
// 0 uses the zero mask and therefore always collides with the owner.
type MaskDeriver struct {
	Index uint64
}

func (d MaskDeriver) mask() common.Address {
	if d.Index == 0 {
		return common.Address{}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], d.Index)
	return common.BytesToAddress(crypto.Keccak256([]byte("gasless-relayer/smart-account"), buf[:]))
}

func (d MaskDeriver) Derive(owner common.Address) (common.Address, error) {
	m := d.mask()
	var out common.Address
	for i := range out {
		out[i] = owner[i] ^ m[i]
	}
	if out == owner {
		return common.Address{}, ErrSameAddressDerivation
	}
	return out, nil
}

// Owner inverts Derive.
func (d MaskDeriver) Owner(sa common.Address) common.Address {
	m := d.mask()
	var out common.Address
	for i := range out {
		out[i] = sa[i] ^ m[i]
	}
	return out
}

// checkedDeriver enforces distinctness on any Deriver.
type checkedDeriver struct {
	Deriver
}

func (d checkedDeriver) Derive(owner common.Address) (common.Address, error) {
	sa, err := d.Deriver.Derive(owner)
	if err != nil {
		return common.Address{}, err
	}
	if sa == owner {
		return common.Address{}, ErrSameAddressDerivation
	}
	if sa == (common.Address{}) {
		return common.Address{}, apperr.Config("smart account derivation produced the zero address")
	}
	return sa, nil
}
