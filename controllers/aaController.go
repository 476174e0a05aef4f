package controllers

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"

	"gasless-relayer/apperr"
	"gasless-relayer/metrics"
	"gasless-relayer/middlewares"
	"gasless-relayer/signature"
)

type EnableRequest struct {
	Signature     string `json:"signature" validate:"required,ethsig"`
	Message       string `json:"message" validate:"required,max=1024"`
	WalletAddress string `json:"walletAddress" validate:"required,eth_addr"`
	UseEIP7702    bool   `json:"useEIP7702"`
}

type EnableResponse struct {
	SmartAccountAddress string `json:"smartAccountAddress"`
	TxHash              string `json:"txHash"`
	Pending             bool   `json:"pending,omitempty"`
}

type WalletRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,eth_addr"`
}

type StatusResponse struct {
	IsEnabled           bool    `json:"isEnabled"`
	IsRegistered        bool    `json:"isRegistered"`
	SmartAccountAddress *string `json:"smartAccountAddress"`
	PlayerUsername      *string `json:"playerUsername"`
	IsDefinitive        bool    `json:"isDefinitive"`
	IsUncertain         bool    `json:"isUncertain"`
	RetainClientState   bool    `json:"retainClientState,omitempty"`
}

// EnableAA verifies the wallet's signed enable message and binds its smart
// account on-chain.
func (a *API) EnableAA(c *fiber.Ctx) error {
	var req EnableRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.UserContext()
	owner := common.HexToAddress(req.WalletAddress)
	log := a.Logger.With().Str("wallet", owner.Hex()).Logger()

	if !signature.VerifyHex(req.Message, req.Signature, owner.Hex()) {
		return apperr.Unauthorized("invalid signature")
	}
	if err := signature.CheckEnableMessage(req.Message, owner, a.now(), a.EnableMessageMaxAge); err != nil {
		return apperr.Unauthorized("invalid enable message: %v", err)
	}

	ok, retryAfter, err := a.EnableLimiter.Allow(ctx, owner.Hex())
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "rate limit state")
	}
	if !ok {
		metrics.RateLimited.WithLabelValues("enable").Inc()
		return apperr.RateLimited(retryAfter)
	}

	if req.UseEIP7702 {
		// the wallet delegates to itself; nothing to register
		if err := a.markEnabled(c, owner, owner); err != nil {
			return err
		}
		log.Info().Msg("gasless mode enabled via EIP-7702")
		return c.JSON(EnableResponse{SmartAccountAddress: owner.Hex()})
	}

	sa, err := a.Resolver.Derive(owner)
	if err != nil {
		return err
	}
	res, err := a.Resolver.Register(ctx, owner, sa)
	if err != nil {
		return err
	}

	resp := EnableResponse{SmartAccountAddress: sa.Hex()}
	if res.TxHash != (common.Hash{}) {
		resp.TxHash = res.TxHash.Hex()
	}
	if res.Pending {
		resp.Pending = true
		log.Info().Str("tx_hash", resp.TxHash).Msg("smart account registration pending")
		return c.Status(fiber.StatusAccepted).JSON(resp)
	}

	if err := a.markEnabled(c, owner, sa); err != nil {
		return err
	}
	log.Info().
		Str("smart_account", sa.Hex()).
		Str("tx_hash", resp.TxHash).
		Bool("already_registered", res.AlreadyRegistered).
		Msg("gasless mode enabled")
	return c.JSON(resp)
}

func (a *API) markEnabled(c *fiber.Ctx, owner, sa common.Address) error {
	if err := a.Sessions.RecordEnablement(c.UserContext(), owner, sa); err != nil {
		return err
	}
	return a.Status.MarkEnabled(c.UserContext(), owner, sa)
}

// AAStatus reports whether gasless mode is enabled and whether the wallet has
// a player profile.
func (a *API) AAStatus(c *fiber.Ctx) error {
	var req WalletRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.UserContext()
	owner := common.HexToAddress(req.WalletAddress)

	st, err := a.Status.GetEnablementStatus(ctx, owner)
	if err != nil {
		return err
	}

	resp := StatusResponse{
		IsEnabled:         st.IsEnabled,
		IsDefinitive:      st.IsDefinitive,
		IsUncertain:       st.IsUncertain,
		RetainClientState: st.RetainClientState,
	}
	if st.SmartAccountAddress != "" {
		resp.SmartAccountAddress = stringPtr(st.SmartAccountAddress)
	}

	player, err := a.Contract.Player(ctx, owner)
	if err != nil {
		// the profile is decoration; enablement already answered
		a.Logger.Warn().Err(err).Str("wallet", owner.Hex()).Msg("player lookup failed")
	} else if player.Exists {
		resp.IsRegistered = true
		resp.PlayerUsername = stringPtr(player.Username)
	}
	return c.JSON(resp)
}
