package controllers

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"

	"gasless-relayer/apperr"
	"gasless-relayer/middlewares"
	"gasless-relayer/models"
	"gasless-relayer/sessionkey"
)

type SessionRegisterRequest struct {
	UserAddress string `json:"userAddress" validate:"required,eth_addr"`
	PublicKey   string `json:"publicKey" validate:"required,hexadecimal,max=132" normalize:"lower"`
	Signature   string `json:"signature" validate:"required,ethsig"`
	ValidUntil  int64  `json:"validUntil" validate:"required,gt=0"`
}

type SessionRegisterResponse struct {
	Success           bool   `json:"success"`
	SessionRegistered bool   `json:"sessionRegistered"`
	OnChainRegistered *bool  `json:"onChainRegistered,omitempty"`
	TxHash            string `json:"txHash,omitempty"`
}

type SessionUserRequest struct {
	UserAddress string `json:"userAddress" validate:"required,eth_addr"`
}

type SessionData struct {
	PublicKey  string `json:"publicKey"`
	ValidUntil int64  `json:"validUntil"`
}

type SessionStatusResponse struct {
	HasSession  bool         `json:"hasSession"`
	SessionData *SessionData `json:"sessionData,omitempty"`
}

type SessionRevokeRequest struct {
	UserAddress string `json:"userAddress" validate:"required,eth_addr"`
	PublicKey   string `json:"publicKey" validate:"required" normalize:"lower"`
}

type SessionTransactionRequest struct {
	UserAddress     string `json:"userAddress" validate:"required,eth_addr"`
	PublicKey       string `json:"publicKey" validate:"required" normalize:"lower"`
	Signature       string `json:"signature" validate:"required,ethsig"`
	ContractAddress string `json:"contractAddress" validate:"required,eth_addr"`
	FunctionName    string `json:"functionName" validate:"required,abifunc"`
	Args            []any  `json:"args"`
}

type SessionTransactionResponse struct {
	TxHash       string `json:"txHash"`
	Status       string `json:"status"`
	RequestKey   string `json:"requestKey"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	// Error explains an ambiguous outcome.
	Error string `json:"error,omitempty"`
}

// RegisterSession stores a session key the wallet authorized.
func (a *API) RegisterSession(c *fiber.Ctx) error {
	var req SessionRegisterRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	reg, err := a.Sessions.Register(c.UserContext(), sessionkey.RegisterRequest{
		Owner:      common.HexToAddress(req.UserAddress),
		PublicKey:  req.PublicKey,
		Signature:  req.Signature,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		return err
	}

	resp := SessionRegisterResponse{Success: true, SessionRegistered: true, TxHash: reg.TxHash}
	if a.Sessions.MirrorsOnChain() {
		resp.OnChainRegistered = &reg.OnChainRegistered
	}
	return c.JSON(resp)
}

// SessionStatus returns the wallet's usable session key, if any.
func (a *API) SessionStatus(c *fiber.Ctx) error {
	var req SessionUserRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	key, err := a.Sessions.Active(c.UserContext(), common.HexToAddress(req.UserAddress))
	if err != nil {
		return err
	}
	if key == nil {
		return c.JSON(SessionStatusResponse{})
	}
	return c.JSON(SessionStatusResponse{
		HasSession: true,
		SessionData: &SessionData{
			PublicKey:  key.PublicKey,
			ValidUntil: key.ValidUntil.Unix(),
		},
	})
}

// RevokeSession marks a session key revoked.
func (a *API) RevokeSession(c *fiber.Ctx) error {
	var req SessionRevokeRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	revoked, err := a.Sessions.Revoke(c.UserContext(), common.HexToAddress(req.UserAddress), req.PublicKey)
	if err != nil {
		return err
	}
	if !revoked {
		return apperr.NotFound("session key not found")
	}
	return c.JSON(fiber.Map{"success": true})
}

// SessionTransaction relays a call signed by a session key.
func (a *API) SessionTransaction(c *fiber.Ctx) error {
	var req SessionTransactionRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Args == nil {
		req.Args = []any{}
	}

	res, err := a.Sessions.ExecuteRelayed(c.UserContext(), sessionkey.RelayRequest{
		Owner:     common.HexToAddress(req.UserAddress),
		PublicKey: req.PublicKey,
		Signature: req.Signature,
		Contract:  common.HexToAddress(req.ContractAddress),
		Function:  req.FunctionName,
		Args:      req.Args,
	})
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindAmbiguous && res.RequestKey != "" {
			// the call may have landed; hand back the key so the client can look it up
			resp := SessionTransactionResponse{
				Status:     string(models.RelayAmbiguous),
				RequestKey: res.RequestKey,
				Error:      ae.Message,
			}
			if res.TxHash != (common.Hash{}) {
				resp.TxHash = res.TxHash.Hex()
			}
			return c.Status(fiber.StatusAccepted).JSON(resp)
		}
		return err
	}

	resp := SessionTransactionResponse{
		Status:       string(res.Status),
		RequestKey:   res.RequestKey,
		Deduplicated: res.Deduplicated,
	}
	if res.TxHash != (common.Hash{}) {
		resp.TxHash = res.TxHash.Hex()
	}
	if res.Pending() {
		return c.Status(fiber.StatusAccepted).JSON(resp)
	}
	return c.JSON(resp)
}
