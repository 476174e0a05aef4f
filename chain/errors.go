package chain

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"gasless-relayer/apperr"
)

// DefaultRateLimitBackoff is the retry hint used when the RPC provider does
// not say how long to wait.
const DefaultRateLimitBackoff = 5 * time.Second

// Classify maps an RPC failure onto the relayer error taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}

	msg := strings.ToLower(err.Error())

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return apperr.Wrap(err, apperr.KindRateLimited, op+": rpc rate limited").WithRetryAfter(DefaultRateLimitBackoff)
	}
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429") {
		return apperr.Wrap(err, apperr.KindRateLimited, op+": rpc rate limited").WithRetryAfter(DefaultRateLimitBackoff)
	}

	// the call may have gone through even though the node could not tell us why
	if strings.Contains(msg, "missing revert data") || strings.Contains(msg, "call_exception") || strings.Contains(msg, "call exception") {
		return apperr.Wrap(err, apperr.KindAmbiguous, op+": outcome unknown")
	}
	if strings.Contains(msg, "execution reverted") {
		return apperr.Wrap(err, apperr.KindConflict, op+": contract rejected call")
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(err, apperr.KindChainUnavailable, op+": timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Wrap(err, apperr.KindChainUnavailable, op+": rpc unreachable")
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "dial") {
		return apperr.Wrap(err, apperr.KindChainUnavailable, op+": rpc unreachable")
	}
	if httpErr.StatusCode >= 500 {
		return apperr.Wrap(err, apperr.KindChainUnavailable, op+": rpc server error")
	}
	return apperr.Wrap(err, apperr.KindTransient, op+" failed")
}
