package controllers

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gasless-relayer/chain"
	"gasless-relayer/kvstore"
	"gasless-relayer/ratelimit"
	"gasless-relayer/relay"
	"gasless-relayer/sessionkey"
	"gasless-relayer/smartaccount"
	"gasless-relayer/status"
)

// API holds the collaborators the HTTP handlers call into.
type API struct {
	DB       *gorm.DB
	KV       kvstore.Store
	Contract chain.GameContract
	Resolver *smartaccount.Resolver
	Status   *status.Reconciler
	Sessions *sessionkey.Store
	Relay    *relay.Executor

	// EnableLimiter spaces out /aa/enable per wallet.
	EnableLimiter       *ratelimit.Limiter
	EnableMessageMaxAge time.Duration
	// RelayerAddress is reported by /health; zero when unknown.
	RelayerAddress common.Address

	Now    func() time.Time
	Logger zerolog.Logger
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func stringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
