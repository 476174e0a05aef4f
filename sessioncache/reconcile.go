package sessioncache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ServerSession is the relayer's public view of a wallet's session.
type ServerSession struct {
	HasSession bool
	PublicKey  string
	ValidUntil int64
}

// Fetcher asks the relayer about a wallet's session.
type Fetcher interface {
	FetchSession(ctx context.Context, wallet string) (ServerSession, error)
}

// Outcome names what a reconciliation did to the cache.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeInSync    Outcome = "in_sync"
	OutcomeAdopted   Outcome = "adopted"
	OutcomeKeptLocal Outcome = "kept_local"
	OutcomeCleared   Outcome = "cleared"
)

// Reconciler resolves disagreements between the cache and the server, at
// most once per interval.
type Reconciler struct {
	cache    *Cache
	fetcher  Fetcher
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewReconciler(cache *Cache, fetcher Fetcher, interval time.Duration) *Reconciler {
	return &Reconciler{cache: cache, fetcher: fetcher, interval: interval, now: time.Now}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile aligns the cache with the server for the connected wallet. A
// fetch error leaves local state as is and is returned.
func (r *Reconciler) Reconcile(ctx context.Context, connectedWallet string) (Outcome, error) {
	if connectedWallet == "" {
		return OutcomeCleared, r.cache.Clear()
	}
	if err := r.cache.OnWalletChanged(connectedWallet); err != nil {
		return "", err
	}

	r.mu.Lock()
	now := r.now()
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return OutcomeSkipped, nil
	}
	r.last = now
	r.mu.Unlock()

	server, err := r.fetcher.FetchSession(ctx, connectedWallet)
	if err != nil {
		return OutcomeKeptLocal, err
	}
	serverValid := server.HasSession && now.Unix() < server.ValidUntil
	local, hasLocal := r.cache.Get()
	localValid := r.cache.IsValid()

	switch {
	case serverValid && !localValid:
		return OutcomeAdopted, r.cache.Set(Entry{
			OwnerWallet: strings.ToLower(connectedWallet),
			PublicKey:   server.PublicKey,
			ValidUntil:  server.ValidUntil,
		})
	case serverValid:
		return OutcomeInSync, nil
	case localValid && strings.EqualFold(local.OwnerWallet, connectedWallet):
		// the server may have lost state; our own window still holds
		return OutcomeKeptLocal, nil
	case hasLocal:
		return OutcomeCleared, r.cache.Clear()
	default:
		return OutcomeInSync, nil
	}
}
