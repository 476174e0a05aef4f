package controllers

import (
	"context"
	"regexp"

	"github.com/gofiber/fiber/v2"

	"gasless-relayer/apperr"
)

var requestKeyPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// kvPurger is implemented by stores that keep expired entries until swept.
type kvPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeSessions deletes expired and revoked session keys of every wallet,
// ledger rows outside the de-duplication window and expired KV entries.
func (a *API) PurgeSessions(c *fiber.Ctx) error {
	ctx := c.UserContext()

	sessions, err := a.Sessions.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	ledger, err := a.Relay.PurgeLedger(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "purge relay ledger")
	}

	var kv int64
	if p, ok := a.KV.(kvPurger); ok {
		if kv, err = p.PurgeExpired(ctx); err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "purge kv entries")
		}
	}

	a.Logger.Info().
		Interface("operator", c.Locals("operator")).
		Int64("sessions", sessions).
		Int64("ledger", ledger).
		Int64("kv", kv).
		Msg("operator purge")
	return c.JSON(fiber.Map{
		"sessionsPurged": sessions,
		"ledgerPurged":   ledger,
		"kvPurged":       kv,
	})
}

// RelayRequest returns the ledger row for a request key.
func (a *API) RelayRequest(c *fiber.Ctx) error {
	key := c.Params("requestKey")
	if !requestKeyPattern.MatchString(key) {
		return apperr.Validation("invalid request key")
	}
	row, err := a.Relay.Lookup(c.UserContext(), key)
	if err != nil {
		return err
	}
	return c.JSON(row)
}
