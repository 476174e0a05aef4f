// Package status merges the on-chain answer, the persisted enablement flag and
// rate-limit state into one "is gasless mode enabled" signal per wallet.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gasless-relayer/apperr"
	"gasless-relayer/kvstore"
	"gasless-relayer/metrics"
	"gasless-relayer/ratelimit"
	"gasless-relayer/smartaccount"
)

// Source names the rule that produced a Status.
type Source string

const (
	SourceEnabledFlag Source = "enabled_flag"
	SourceChain       Source = "chain"
	SourceEventLog    Source = "event_log"
	SourceLastKnown   Source = "last_known"
	SourceAbsent      Source = "absent"
)

// Status is one reconciled enablement answer.
type Status struct {
	IsEnabled           bool   `json:"isEnabled"`
	SmartAccountAddress string `json:"smartAccountAddress,omitempty"`
	// PredictedAddress is the locally derived account shown while disabled.
	PredictedAddress  string `json:"predictedAddress,omitempty"`
	IsDefinitive      bool   `json:"isDefinitive"`
	IsUncertain       bool   `json:"isUncertain"`
	RetainClientState bool   `json:"retainClientState"`
	Source            Source `json:"source"`
}

// Resolver is the smart account lookup the reconciler consults.
type Resolver interface {
	Resolve(ctx context.Context, owner common.Address, candidate *common.Address) (smartaccount.Resolution, error)
}

// Reconciler applies the precedence: persisted flag, fresh canonical answer,
// last known value on outage, confirmed absence.
type Reconciler struct {
	store    kvstore.Store
	resolver Resolver
	limiter  *ratelimit.Limiter
	group    singleflight.Group

	mu     sync.Mutex
	subs   map[string]map[int]chan Status
	nextID int

	logger zerolog.Logger
}

func NewReconciler(store kvstore.Store, resolver Resolver, limiter *ratelimit.Limiter, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		resolver: resolver,
		limiter:  limiter,
		subs:     make(map[string]map[int]chan Status),
		logger:   logger.With().Str("component", "status_reconciler").Logger(),
	}
}

func walletKey(owner common.Address) string {
	return strings.ToLower(owner.Hex())
}

func enabledKey(owner common.Address) string { return "enabled:" + walletKey(owner) }
func lastKey(owner common.Address) string    { return "last_status:" + walletKey(owner) }

// GetEnablementStatus answers for owner. Sequential checks within the
// limiter interval fail with a RateLimited error; concurrent ones share a
// single on-chain check.
func (r *Reconciler) GetEnablementStatus(ctx context.Context, owner common.Address) (Status, error) {
	if st, ok := r.enabledFlag(ctx, owner); ok {
		metrics.StatusChecks.WithLabelValues(string(st.Source)).Inc()
		return st, nil
	}

	v, err, _ := r.group.Do(walletKey(owner), func() (any, error) {
		return r.check(ctx, owner)
	})
	if err != nil {
		return Status{}, err
	}
	st := v.(Status)
	metrics.StatusChecks.WithLabelValues(string(st.Source)).Inc()
	return st, nil
}

func (r *Reconciler) enabledFlag(ctx context.Context, owner common.Address) (Status, bool) {
	raw, err := r.store.Get(ctx, enabledKey(owner))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			r.logger.Warn().Err(err).Str("wallet", owner.Hex()).Msg("enablement flag read failed")
		}
		return Status{}, false
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil || !st.IsEnabled {
		return Status{}, false
	}
	st.IsDefinitive = true
	st.IsUncertain = false
	st.RetainClientState = false
	st.Source = SourceEnabledFlag
	return st, true
}

func (r *Reconciler) check(ctx context.Context, owner common.Address) (Status, error) {
	log := r.logger.With().Str("wallet", owner.Hex()).Logger()

	ok, retryAfter, err := r.limiter.Allow(ctx, walletKey(owner))
	if err != nil {
		return Status{}, apperr.Wrap(err, apperr.KindInternal, "rate limit state")
	}
	if !ok {
		metrics.RateLimited.WithLabelValues("status").Inc()
		return Status{}, apperr.RateLimited(retryAfter)
	}

	res, err := r.resolver.Resolve(ctx, owner, nil)
	if err != nil {
		return Status{}, err
	}

	var st Status
	switch {
	case res.IsAuthoritative() && res.Address != owner:
		st = Status{
			IsEnabled:           true,
			SmartAccountAddress: res.Address.Hex(),
			IsDefinitive:        true,
			Source:              SourceChain,
		}
		// the chain wins over whatever was cached
		r.put(ctx, enabledKey(owner), st)
	case res.Degraded():
		prev, found := r.last(ctx, owner)
		if !found {
			log.Warn().Err(res.ChainErr).Msg("chain unavailable and no previous status")
			return Status{}, apperr.Wrap(res.ChainErr, apperr.KindChainUnavailable, "chain unavailable").WithRetainClientState()
		}
		log.Warn().Err(res.ChainErr).Msg("chain unavailable, serving last known status")
		prev.IsDefinitive = false
		prev.IsUncertain = true
		prev.RetainClientState = true
		prev.Source = SourceLastKnown
		r.publish(owner, prev)
		return prev, nil
	case res.Source == smartaccount.SourceFromLog:
		st = Status{
			IsEnabled:           true,
			SmartAccountAddress: res.Address.Hex(),
			IsUncertain:         true,
			Source:              SourceEventLog,
		}
	default:
		st = Status{IsDefinitive: true, Source: SourceAbsent}
		if res.Source == smartaccount.SourceHeuristic {
			st.PredictedAddress = res.Address.Hex()
		}
	}

	r.remember(ctx, owner, st)
	r.publish(owner, st)
	return st, nil
}

func (r *Reconciler) last(ctx context.Context, owner common.Address) (Status, bool) {
	raw, err := r.store.Get(ctx, lastKey(owner))
	if err != nil {
		return Status{}, false
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, false
	}
	return st, true
}

// remember stores st as owner's last known status and logs enablement
// transitions against the value it replaced.
func (r *Reconciler) remember(ctx context.Context, owner common.Address, st Status) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	prevRaw, found, err := r.store.Swap(ctx, lastKey(owner), raw, 0)
	if err != nil {
		r.logger.Warn().Err(err).Str("wallet", owner.Hex()).Msg("status write failed")
		return
	}
	var prev Status
	if found && json.Unmarshal(prevRaw, &prev) == nil && prev.IsEnabled == st.IsEnabled {
		return
	}
	r.logger.Info().
		Str("wallet", owner.Hex()).
		Bool("enabled", st.IsEnabled).
		Bool("had_previous", found).
		Str("source", string(st.Source)).
		Msg("enablement status changed")
}

func (r *Reconciler) put(ctx context.Context, key string, st Status) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := r.store.Set(ctx, key, raw, 0); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("status write failed")
	}
}

// MarkEnabled persists that owner completed enablement with smartAccount.
func (r *Reconciler) MarkEnabled(ctx context.Context, owner, smartAccount common.Address) error {
	st := Status{
		IsEnabled:           true,
		SmartAccountAddress: smartAccount.Hex(),
		IsDefinitive:        true,
		Source:              SourceEnabledFlag,
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, enabledKey(owner), raw, 0); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "persist enablement flag")
	}
	r.remember(ctx, owner, st)
	r.publish(owner, st)
	return nil
}

// Forget drops everything cached for owner.
func (r *Reconciler) Forget(ctx context.Context, owner common.Address) error {
	for _, k := range []string{enabledKey(owner), lastKey(owner)} {
		if err := r.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	if r.limiter != nil {
		return r.limiter.Reset(ctx, walletKey(owner))
	}
	return nil
}

// Subscribe delivers every new status for owner until cancel is called. A
// slow subscriber only sees the latest value.
func (r *Reconciler) Subscribe(owner common.Address) (<-chan Status, func()) {
	ch := make(chan Status, 1)
	key := walletKey(owner)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.subs[key] == nil {
		r.subs[key] = make(map[int]chan Status)
	}
	r.subs[key][id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[key], id)
			if len(r.subs[key]) == 0 {
				delete(r.subs, key)
			}
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Reconciler) publish(owner common.Address, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[walletKey(owner)] {
		select {
		case ch <- st:
		default:
			// replace the stale value
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}
