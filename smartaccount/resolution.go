package smartaccount

import "github.com/ethereum/go-ethereum/common"

// Source tags where a resolved address came from.
type Source int

const (
	SourceUnknown Source = iota
	// SourceCanonical is the contract's smartAccounts mapping.
	SourceCanonical
	// SourceFromLog is the newest SmartAccountRegistered event for the owner.
	SourceFromLog
	// SourceHeuristic is a client-asserted or locally derived guess. Display only.
	SourceHeuristic
)

func (s Source) String() string {
	switch s {
	case SourceCanonical:
		return "canonical"
	case SourceFromLog:
		return "log"
	case SourceHeuristic:
		return "heuristic"
	default:
		return "unknown"
	}
}

// Resolution is the tagged result of Resolver.Resolve. Callers must switch on
// Source; only SourceCanonical may authorize anything.
type Resolution struct {
	Source  Source
	Address common.Address
	// ChainErr is the rate-limit or RPC failure hit while resolving, if any.
	ChainErr error
}

// IsAuthoritative reports whether the address came from the on-chain mapping.
func (r Resolution) IsAuthoritative() bool {
	return r.Source == SourceCanonical
}

// IsUncertain reports whether the address is a guess or absent.
func (r Resolution) IsUncertain() bool {
	return r.Source == SourceHeuristic || r.Source == SourceUnknown
}

// Registered reports whether the address is known to be registered on chain.
func (r Resolution) Registered() bool {
	return r.Source == SourceCanonical || r.Source == SourceFromLog
}

// Degraded reports whether the chain could not be consulted fully.
func (r Resolution) Degraded() bool {
	return r.ChainErr != nil
}
